// Package ingesterr defines the error kinds the ingestion pipeline
// distinguishes when deciding how to respond to a failure: retry,
// disable the source, skip the message, or surface a precondition
// error to a manual caller. A Kind is a string carried on an *Error,
// not a sentinel error value: callers branch with this package's Is or
// KindOf, which look through %w wrapping via errors.As.
package ingesterr

import "errors"

// Kind identifies why an operation failed, independent of the
// underlying transport error.
type Kind string

const (
	KindProviderAuthRevoked       Kind = "provider_auth_revoked"
	KindProviderTransient         Kind = "provider_transient"
	KindProviderInvalidCursor     Kind = "provider_invalid_cursor"
	KindClassifierUnavailable     Kind = "classifier_unavailable"
	KindClassifierMalformed       Kind = "classifier_malformed_response"
	KindMessageTooLarge           Kind = "message_too_large"
	KindParseError                Kind = "parse_error"
	KindStorageConflict           Kind = "storage_conflict"
	KindCancelled                 Kind = "cancelled"
	KindInternal                  Kind = "internal"
)

// Error wraps an underlying error with a Kind so callers can branch on
// the failure category without string-matching a message.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind from err, or KindInternal if err is not an
// *Error (or is nil, which returns "" — callers should check err != nil
// first).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

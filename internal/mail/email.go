// Package mail provides native IMAP access to a caregiver's mailbox:
// connecting and listing, on top of which the ingestion pipeline (C6)
// walks deltas into the classifier.
package mail

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// drainLiteral reads and discards the contents of an IMAP literal reader.
// This prevents blocking the IMAP stream when a body section is fetched
// but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary metadata for an email message, suitable for
// list views and search results.
type Envelope struct {
	// UID is the IMAP unique identifier for this message within its folder.
	UID uint32

	// Date is the message's Date header.
	Date time.Time

	// From is the sender, formatted as "Name <addr>" or just the address.
	From string

	// To is the list of recipients.
	To []string

	// Subject is the message subject line.
	Subject string

	// Flags contains IMAP flags (e.g., \Seen, \Flagged).
	Flags []string

	// Size is the message size in bytes.
	Size uint32
}

// Message is a fully-fetched email with body content extracted from
// the MIME structure.
type Message struct {
	Envelope

	// MessageID is the Message-ID header value (without angle brackets).
	MessageID string

	// InReplyTo contains Message-IDs this message is a reply to.
	InReplyTo []string

	// References contains the full References chain for threading.
	References []string

	// Cc is the list of CC recipients.
	Cc []string

	// ReplyTo is the Reply-To address, if different from From.
	ReplyTo string

	// TextBody is the plain-text body content. Preferred over HTMLBody
	// for LLM consumption.
	TextBody string

	// HTMLBody is the raw HTML body, if present. Included for reference
	// but the agent should prefer TextBody.
	HTMLBody string

	// Headers holds every top-level header, lowercased by name, as the
	// ingestion pipeline needs bulk-mail signals (List-Unsubscribe,
	// Precedence, ...) that the IMAP ENVELOPE does not expose.
	Headers map[string]string

	// Labels holds provider-specific category labels (e.g. Gmail's
	// X-GM-LABELS), when the server exposes them.
	Labels []string

	// ICSRaw is the raw text/calendar attachment body, if the message
	// carries one. Empty when there is none.
	ICSRaw string
}

// ListOptions controls the behavior of a mailbox listing call. This is
// the IMAP side of C6's historyId cursor: SPEC_FULL §4-C6 treats a
// source's cursor as opaque, and here that cursor is simply the
// highest UID the poller has already seen for the (account, folder)
// pair — see Poller's high-water mark.
type ListOptions struct {
	// Folder is the mailbox to list from. Default: "INBOX".
	Folder string

	// Limit is the maximum number of messages to return. Ignored when
	// SinceUID is set, since a missed poll interval must not drop mail.
	// Default: 20.
	Limit int

	// Unseen restricts the listing to unseen messages only.
	Unseen bool

	// SinceUID, when non-zero, restricts the listing to messages with
	// UIDs strictly greater than this value — the delta-since-cursor
	// query C6's poller drives on every cycle after the first.
	SinceUID uint32

	// Account is the account name. Client.ListMessages does not read it:
	// a Client is already bound to one account.
	Account string
}


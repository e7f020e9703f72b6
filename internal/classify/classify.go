// Package classify implements the classification heuristics (C3): pure
// functions over message headers, labels, and the heuristic parser's
// output that gate whether the classifier (C4) is even called, and feed
// the routing decision (C5) with evidence and bulk-mail signals.
package classify

import (
	"regexp"
	"strings"

	"github.com/caresync/ingest/internal/parse"
)

// Headers is a lowercased-key header map, as built by the mail
// pipeline from a fetched message.
type Headers map[string]string

// HasBulkHeaderSignals reports whether the message carries any header
// that mailing-list and bulk-sender software commonly sets.
func HasBulkHeaderSignals(h Headers) bool {
	if _, ok := h["list-unsubscribe"]; ok {
		return true
	}
	if _, ok := h["list-id"]; ok {
		return true
	}
	if _, ok := h["x-auto-response-suppress"]; ok {
		return true
	}
	if p := strings.ToLower(h["precedence"]); strings.Contains(p, "bulk") || strings.Contains(p, "list") {
		return true
	}
	if strings.HasPrefix(strings.ToLower(h["auto-submitted"]), "auto-") {
		return true
	}
	return false
}

// IsPromotionsCategory reports whether any provider label marks the
// message as promotional, social, or forum mail.
func IsPromotionsCategory(labels []string) bool {
	for _, l := range labels {
		switch l {
		case "CATEGORY_PROMOTIONS", "CATEGORY_SOCIAL", "CATEGORY_FORUMS":
			return true
		}
	}
	return false
}

var marketingRe = regexp.MustCompile(`(?i)%\s*off|discount|sale|bogo|coupon|deal|promo|offer|flash sale|limited[- ]time`)

// LooksMarketing reports whether the subject or snippet reads like
// promotional copy, independent of provider labels.
func LooksMarketing(subject, snippet string) bool {
	return marketingRe.MatchString(subject) || marketingRe.MatchString(snippet)
}

var (
	billingKeywordRe = regexp.MustCompile(`(?i)bill|invoice|statement|amount due|payment`)
	rxKeywordRe      = regexp.MustCompile(`(?i)medication|prescription|\brx\b|refill`)
	appointmentKwRe  = regexp.MustCompile(`(?i)appointment|appt|calendar|meeting`)
)

// HasEvidenceForType reports whether a parsed record (plus the raw
// subject/snippet, for keyword fallback) contains hard evidence for the
// given type. "general" always has evidence — there is nothing to
// disprove about an uncategorized message.
func HasEvidenceForType(taskType parse.TaskType, rec parse.Record, subject, snippet string) bool {
	haystack := subject + "\n" + snippet

	switch taskType {
	case parse.TypeAppointment:
		// A bare date is not evidence on its own — it must come with
		// either a keyword or other metadata (location/organizer).
		if appointmentKwRe.MatchString(haystack) {
			return true
		}
		return !rec.StartAt.IsZero() && (rec.Location != "" || rec.Organizer != "")
	case parse.TypeBill:
		if rec.Amount > 0 || !rec.DueAt.IsZero() || rec.ReferenceNumber != "" || rec.StatementPeriod != "" || rec.Vendor != "" {
			return true
		}
		return billingKeywordRe.MatchString(haystack)
	case parse.TypeMedication:
		if rec.Dosage != "" || rec.Frequency != "" || rec.PrescribingProvider != "" {
			return true
		}
		return rxKeywordRe.MatchString(haystack)
	default:
		return true
	}
}

// ShouldTombstoneMessage reports whether a message should be retracted
// outright based on provider category labels alone, without ever
// reaching the classifier.
func ShouldTombstoneMessage(labels []string) bool {
	return IsPromotionsCategory(labels)
}

// ShouldTombstoneNonActionableMessage reports whether bulk-mail signals
// are present with no hard evidence of any actionable type, which
// short-circuits the classifier call entirely. The returned reason is
// suitable for the ingestion event log.
func ShouldTombstoneNonActionableMessage(h Headers, rec parse.Record) (bool, string) {
	if !HasBulkHeaderSignals(h) {
		return false, ""
	}
	hasHardEvidence := rec.Amount > 0 || !rec.DueAt.IsZero() || !rec.StartAt.IsZero() ||
		rec.Dosage != "" || rec.Frequency != "" || rec.PrescribingProvider != ""
	if hasHardEvidence {
		return false, ""
	}
	return true, "bulk_no_evidence"
}

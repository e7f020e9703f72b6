// Package parse implements the heuristic field extractor (C2): given a
// message's decoded subject, sender, and body, it guesses a care task
// type and pulls out typed fields — dates, dollar amounts, dosages —
// using pattern matching alone, with no model call. Its output feeds
// both the classifier prompt (as "extracted signals") and the routing
// decision as a fallback when the classifier is unavailable.
package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caresync/ingest/internal/mailmime"
)

// TaskType is the care task category a message is heuristically routed
// to before the classifier runs.
type TaskType string

const (
	TypeAppointment TaskType = "appointment"
	TypeBill        TaskType = "bill"
	TypeMedication  TaskType = "medication"
	TypeGeneral     TaskType = "general"
)

// Record is the typed extraction produced by the heuristic parser. Zero
// values mean "not found" for every optional field.
type Record struct {
	Type       TaskType
	Confidence float64

	// Common
	Date time.Time

	// Appointment (also populated from an embedded ICS invite)
	StartAt   time.Time
	EndAt     time.Time
	Location  string
	Organizer string

	// Bill
	Amount           float64
	Currency         string
	DueAt            time.Time
	StatementPeriod  string
	ReferenceNumber  string
	Vendor           string

	// Medication
	Dosage              string
	Frequency           string
	Route               string
	PrescribingProvider string
}

// baseConfidence gives each type a starting heuristic confidence before
// evidence adjustments. Values mirror the spread used by the routing
// decision's evidence calculation.
var baseConfidence = map[TaskType]float64{
	TypeAppointment: 0.72,
	TypeBill:        0.62,
	TypeMedication:  0.58,
	TypeGeneral:     0.35,
}

var (
	typeAppointmentRe = regexp.MustCompile(`(?i)appointment|appt|calendar|meeting`)
	typeBillRe        = regexp.MustCompile(`(?i)bill|invoice|statement|amount due|payment`)
	typeMedicationRe  = regexp.MustCompile(`(?i)medication|prescription|\brx\b|refill`)

	isoDateRe   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})(T\d{2}:\d{2}(:\d{2})?)?\b`)
	usDateRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{2}|\d{4})\b`)
	monthDateRe = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),?\s+(\d{4})\b`)

	amountRe          = regexp.MustCompile(`\$\s?(\d{1,6}(?:,\d{3})*(?:\.\d{2})?)`)
	dueDateRe         = regexp.MustCompile(`(?i)due (?:on|by)\s+([A-Za-z0-9/,\s-]{3,30})`)
	statementPeriodRe = regexp.MustCompile(`(?i)statement period[:\s]+(.+)`)
	referenceNumberRe = regexp.MustCompile(`(?i)(?:invoice|statement|account)\s*(?:#|number)?\s*:?\s*([A-Z0-9-]{4,})`)
	vendorAtRe        = regexp.MustCompile(`@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	vendorFromRe      = regexp.MustCompile(`\bfrom\s+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*)`)

	dosageRe    = regexp.MustCompile(`(?i)\b(\d+\s?(?:mg|mcg|ml|tabs?))\b`)
	frequencyRe = regexp.MustCompile(`(?i)\b(once daily|twice daily|q\d+h|every \d+ (?:hours|hrs|days)|bid|tid|qid)\b`)
	routeRe     = regexp.MustCompile(`(?i)\b(oral|topical|inhaled?|ophthalmic|nasal)\b`)
	prescriberRe = regexp.MustCompile(`\bDr\.\s([A-Z][a-z]+)\s+([A-Z][a-z]+)\b`)
)

// Parse extracts a Record from a decoded message. sender is the From
// address (used for vendor inference); icsRaw is the raw content of an
// embedded calendar invite, if any (empty if none).
func Parse(subject, sender, body, icsRaw string) Record {
	haystack := subject + "\n" + body

	rec := Record{Type: classifyType(haystack)}

	if ics, ok := mailmime.ExtractICS(icsRaw); ok {
		rec.Type = TypeAppointment
		rec.StartAt = ics.Start
		rec.EndAt = ics.End
		rec.Location = ics.Location
		rec.Organizer = ics.Organizer
	}

	if d, ok := extractDate(haystack); ok {
		rec.Date = d
		if rec.Type == TypeAppointment && rec.StartAt.IsZero() {
			rec.StartAt = d
		}
	}

	if amt, cur, ok := extractAmount(haystack); ok {
		rec.Amount, rec.Currency = amt, cur
	}
	if m := dueDateRe.FindStringSubmatch(haystack); m != nil {
		if d, ok := extractDate(m[1]); ok {
			rec.DueAt = d
		}
	}
	if m := statementPeriodRe.FindStringSubmatch(haystack); m != nil {
		rec.StatementPeriod = strings.TrimSpace(firstLine(m[1]))
	}
	if m := referenceNumberRe.FindStringSubmatch(haystack); m != nil {
		rec.ReferenceNumber = m[1]
	}
	rec.Vendor = extractVendor(sender, body)

	if m := dosageRe.FindStringSubmatch(haystack); m != nil {
		rec.Dosage = m[1]
	}
	if m := frequencyRe.FindStringSubmatch(haystack); m != nil {
		rec.Frequency = m[1]
	}
	if m := routeRe.FindStringSubmatch(haystack); m != nil {
		rec.Route = strings.ToLower(m[1])
	}
	if m := prescriberRe.FindStringSubmatch(haystack); m != nil {
		rec.PrescribingProvider = "Dr. " + m[1] + " " + m[2]
	}

	rec.Confidence = computeConfidence(rec)
	return rec
}

// classifyType picks a task type by first-match substring search.
// Matching against ICS presence happens separately in Parse, which
// forces TypeAppointment regardless of what classifyType returns.
func classifyType(haystack string) TaskType {
	switch {
	case typeAppointmentRe.MatchString(haystack):
		return TypeAppointment
	case typeBillRe.MatchString(haystack):
		return TypeBill
	case typeMedicationRe.MatchString(haystack):
		return TypeMedication
	default:
		return TypeGeneral
	}
}

func extractDate(s string) (time.Time, bool) {
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		layout := "2006-01-02"
		val := m[1]
		if m[2] != "" {
			val += m[2]
			layout += "T15:04"
			if m[3] != "" {
				layout += ":05"
			}
		}
		if t, err := time.Parse(layout, val); err == nil {
			return t, true
		}
	}
	if m := usDateRe.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
		}
	}
	if m := monthDateRe.FindStringSubmatch(s); m != nil {
		val := m[1] + " " + m[2] + " " + m[3]
		if t, err := time.Parse("January 2 2006", val); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func extractAmount(s string) (float64, string, bool) {
	m := amountRe.FindStringSubmatch(s)
	if m == nil {
		return 0, "", false
	}
	clean := strings.ReplaceAll(m[1], ",", "")
	amt, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, "", false
	}
	return amt, "USD", true
}

func extractVendor(sender, body string) string {
	if m := vendorAtRe.FindStringSubmatch(sender); m != nil {
		return m[1]
	}
	if m := vendorFromRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// KnownVendor is the subset of a directory lookup result EnrichVendor
// needs — kept narrow so parse never imports internal/directory
// directly and stays a pure, dependency-free package.
type KnownVendor struct {
	Name string
}

// EnrichVendor fills in rec.Vendor from a known-vendor directory hit
// when the heuristic extractor found nothing, and nudges confidence up
// slightly — a recognized vendor domain is real evidence the message
// is legitimate vendor mail, not a guess. A miss (found == false)
// leaves rec unchanged.
func EnrichVendor(rec Record, vendor KnownVendor, found bool) Record {
	if !found {
		return rec
	}
	if rec.Vendor == "" {
		rec.Vendor = vendor.Name
	}
	if rec.Type != TypeGeneral {
		rec.Confidence = clampConfidence(rec.Confidence + 0.05)
	}
	return rec
}

func clampConfidence(c float64) float64 {
	if c > 0.95 {
		return 0.95
	}
	if c < 0.05 {
		return 0.05
	}
	return c
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// computeConfidence starts from the type's base and adds evidence
// bonuses, clamped to [0.05, 0.95]. The routing decision (C5) applies
// its own, separate evidence-based adjustments on top of this value
// when a classifier result is unavailable.
func computeConfidence(r Record) float64 {
	c := baseConfidence[r.Type]

	switch r.Type {
	case TypeAppointment:
		if !r.StartAt.IsZero() {
			c += 0.15
		}
		if r.Location != "" {
			c += 0.05
		}
	case TypeBill:
		if r.Amount > 0 {
			c += 0.15
		}
		if !r.DueAt.IsZero() {
			c += 0.08
		}
		if r.ReferenceNumber != "" {
			c += 0.05
		}
	case TypeMedication:
		if r.Dosage != "" {
			c += 0.15
		}
		if r.Frequency != "" {
			c += 0.1
		}
		if r.PrescribingProvider != "" {
			c += 0.05
		}
	}

	if c < 0.05 {
		c = 0.05
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// Package pipeline implements the mail ingestion pipeline (C6): the
// per-message walk from a fetched IMAP message to a routed task
// outcome. The core decision logic (ProcessMessage) is a pure function
// of its inputs and the current time; the classifier call and the
// suppression lookup are injected so the walk is deterministically
// testable without a live model or database.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caresync/ingest/internal/classifier"
	"github.com/caresync/ingest/internal/classify"
	"github.com/caresync/ingest/internal/decision"
	"github.com/caresync/ingest/internal/directory"
	"github.com/caresync/ingest/internal/mailmime"
	"github.com/caresync/ingest/internal/parse"
	"github.com/caresync/ingest/internal/store"
)

// maxMessageBytes bounds the size of a message this pipeline will
// attempt to classify; larger messages are skipped outright.
const maxMessageBytes = 200_000

// Classifier is the subset of classifier.Classifier the pipeline needs,
// narrowed to an interface so tests can substitute a fake.
type Classifier interface {
	Classify(ctx context.Context, req classifier.Request) classifier.Result
}

// SuppressionChecker reports whether a caregiver has suppressed a
// sender domain, narrowed from *store.Store.
type SuppressionChecker interface {
	IsSuppressed(caregiverID, provider, senderDomain string) (bool, error)
}

// VendorDirectory resolves a sender domain to a known vendor, narrowed
// from *directory.Directory so the pipeline doesn't depend on its
// loading/parsing concerns.
type VendorDirectory interface {
	Lookup(domain string) (directory.Entry, bool)
}

// Message is the subset of a fetched mail message the pipeline needs.
// Mirrors mail.Message's fields relevant to ingestion.
type Message struct {
	MessageID string
	Subject   string
	From      string
	TextBody  string
	HTMLBody  string
	ICSRaw    string
	Size      uint32
	Headers   map[string]string
	Labels    []string
	Date      time.Time
}

// Input bundles a fetched message with the caregiver/source context
// needed to route it.
type Input struct {
	CaregiverID        string
	Provider           string
	SourceID           string
	SourceLink         string
	Message            Message
	IgnoredExternalIDs map[string]struct{}
}

// Result is the pipeline's outcome for one message, ready to hand to
// the upsert layer (C11).
type Result struct {
	Outcome store.Outcome
	Reason  string
	Task    *store.Task // nil unless Outcome is created/updated or tombstoned
}

// Deps bundles the pipeline's injected I/O.
type Deps struct {
	Classifier  Classifier
	Suppression SuppressionChecker
	Vendors     VendorDirectory
}

// ProcessMessage walks one message through C1–C5 and assembles the
// upsert payload. It never returns a Go error for a single message's
// classification failure — per the error handling design, a classifier
// outage routes to pending review rather than failing the run.
func ProcessMessage(ctx context.Context, deps Deps, in Input) Result {
	msg := in.Message

	// Step 1: size guard.
	if msg.Size > maxMessageBytes {
		return Result{Outcome: store.OutcomeSkipped, Reason: "message_too_large"}
	}

	// Step 2: folder/label guard.
	if rejectByLabel(msg.Labels) {
		return Result{Outcome: store.OutcomeSkipped, Reason: "not_inbox_or_is_draft"}
	}

	// Step 3: decode headers, derive externalId.
	subject := mailmime.DecodeHeader(msg.Subject)
	from := mailmime.DecodeHeader(msg.From)
	externalID := externalIDFromMessageID(msg.MessageID)

	// Step 4: caregiver-level ignore list.
	if _, ignored := in.IgnoredExternalIDs[externalID]; ignored {
		return Result{Outcome: store.OutcomeSkippedIgnored, Reason: "ignored_external_id"}
	}

	senderDomain := domainOf(from)

	// Step 5: sender-level suppression.
	if deps.Suppression != nil && senderDomain != "" {
		suppressed, err := deps.Suppression.IsSuppressed(in.CaregiverID, in.Provider, senderDomain)
		if err == nil && suppressed {
			return tombstoneResult(in, externalID, senderDomain, subject, "sender_suppressed")
		}
	}

	// Step 6: category tombstone.
	if classify.ShouldTombstoneMessage(msg.Labels) {
		return tombstoneResult(in, externalID, senderDomain, subject, "category_tombstone")
	}

	// Step 7: heuristic parse, then bulk-no-evidence tombstone.
	body := msg.TextBody
	if body == "" && msg.HTMLBody != "" {
		body = mailmime.StripHTML(msg.HTMLBody)
	}
	body = mailmime.TruncateFooterNoise(body)
	rec := parse.Parse(subject, from, body, msg.ICSRaw)
	if deps.Vendors != nil && senderDomain != "" {
		if entry, ok := deps.Vendors.Lookup(senderDomain); ok {
			rec = parse.EnrichVendor(rec, parse.KnownVendor{Name: entry.Name}, true)
		}
	}

	if tombstone, reason := classify.ShouldTombstoneNonActionableMessage(classify.Headers(msg.Headers), rec); tombstone {
		return tombstoneResult(in, externalID, senderDomain, subject, reason)
	}

	snippet := firstNChars(body, 300)
	bulkSignals := classify.HasBulkHeaderSignals(classify.Headers(msg.Headers))

	// Step 8: classify.
	req := classifier.Request{
		Subject: subject,
		Sender:  from,
		Snippet: snippet,
		Body:    extractedSignalsBlock(rec) + "\n\n" + body,
		Labels:  msg.Labels,
		Headers: msg.Headers,
		Mission: string(rec.Type),
	}
	result := deps.Classifier.Classify(ctx, req)

	// Step 9: route.
	out := decision.Decide(decision.Input{
		Bucket:               classifier.Label(result.Label),
		ClassificationFailed: result.Error,
		ModelConfidence:      result.Confidence,
		Parsed:               rec,
		Subject:              subject,
		Snippet:              snippet,
		BulkSignals:          bulkSignals,
	})

	if out.ShouldDrop {
		return Result{Outcome: store.OutcomeSkippedLowConf, Reason: "low_confidence_no_evidence"}
	}

	// Step 10: assemble the upsert payload.
	description := body
	if result.Error && body != "" {
		description = "[model failed] " + body
	}

	status := store.StatusTodo
	if out.TaskType == parse.TypeAppointment {
		status = store.StatusScheduled
	}

	task := &store.Task{
		CaregiverID:         in.CaregiverID,
		Type:                store.TaskType(out.TaskType),
		Status:              status,
		ReviewState:         store.ReviewState(out.ReviewState),
		Confidence:          roundTo2(out.Confidence),
		ExternalID:          externalID,
		SourceID:            in.SourceID,
		SourceLink:          in.SourceLink,
		Snippet:             snippet,
		Description:         description,
		Title:               subject,
		StartAt:             rec.StartAt,
		EndAt:               rec.EndAt,
		Location:            rec.Location,
		Organizer:           rec.Organizer,
		Amount:              rec.Amount,
		Currency:            rec.Currency,
		DueAt:               rec.DueAt,
		Vendor:              rec.Vendor,
		ReferenceNumber:     rec.ReferenceNumber,
		StatementPeriod:     rec.StatementPeriod,
		Dosage:              rec.Dosage,
		Frequency:           rec.Frequency,
		Route:               rec.Route,
		PrescribingProvider: rec.PrescribingProvider,
		SenderDomain:        senderDomain,
		IngestionDebug:      ingestionDebugBlob(result, rec, bulkSignals, out),
	}

	return Result{Outcome: store.OutcomeCreated, Task: task}
}

// tombstoneResult builds a tombstone outcome carrying a fully-formed
// task payload. A tombstone means "remembered as handled," per the
// glossary — so it must persist a row even for a sender or category
// never seen before, not just update one that already exists; the
// caller upserts this task rather than calling an update-only
// tombstone so a first-contact promo or suppressed sender is both
// recorded and excluded from re-classification on the next sync.
func tombstoneResult(in Input, externalID, senderDomain, subject, reason string) Result {
	return Result{
		Outcome: store.OutcomeTombstoned,
		Reason:  reason,
		Task: &store.Task{
			CaregiverID:  in.CaregiverID,
			Type:         store.TaskGeneral,
			Status:       store.StatusDone,
			ReviewState:  store.ReviewIgnored,
			ExternalID:   externalID,
			SourceID:     in.SourceID,
			SourceLink:   in.SourceLink,
			Title:        subject,
			SenderDomain: senderDomain,
		},
	}
}

// rejectByLabel implements step 2: a Gmail-label-aware account rejects
// anything not in INBOX or explicitly a draft. Non-Gmail accounts never
// populate Labels, so an empty slice always passes (the IMAP folder
// selection already scoped the fetch to INBOX).
func rejectByLabel(labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	hasInbox, hasDraft := false, false
	for _, l := range labels {
		switch l {
		case "INBOX":
			hasInbox = true
		case "DRAFT":
			hasDraft = true
		}
	}
	return hasDraft || !hasInbox
}

// externalIDFromMessageID strips a single surrounding "<...>", per C6
// step 3. An empty Message-ID yields an empty externalId; no provider
// message id is substituted, so the store keys such a task by
// (caregiverId, sourceId) instead.
func externalIDFromMessageID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") && len(id) >= 2 {
		return id[1 : len(id)-1]
	}
	return id
}

func domainOf(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 || at == len(address)-1 {
		return ""
	}
	domain := address[at+1:]
	domain = strings.TrimRight(domain, ">")
	return strings.ToLower(strings.TrimSpace(domain))
}

func firstNChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func roundTo2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// extractedSignalsBlock lists every non-zero parsed field so the model
// gets the heuristic parser's extraction as a head start.
func extractedSignalsBlock(r parse.Record) string {
	var sb strings.Builder
	sb.WriteString("Extracted signals:\n")
	write := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
	}
	write("type", string(r.Type))
	if !r.StartAt.IsZero() {
		write("startAt", r.StartAt.Format(time.RFC3339))
	}
	write("location", r.Location)
	write("organizer", r.Organizer)
	if r.Amount > 0 {
		write("amount", strconv.FormatFloat(r.Amount, 'f', 2, 64)+" "+r.Currency)
	}
	if !r.DueAt.IsZero() {
		write("dueAt", r.DueAt.Format(time.RFC3339))
	}
	write("vendor", r.Vendor)
	write("referenceNumber", r.ReferenceNumber)
	write("dosage", r.Dosage)
	write("frequency", r.Frequency)
	write("prescribingProvider", r.PrescribingProvider)
	return sb.String()
}

// ingestionDebugBlob is a human-readable diagnostic string capturing
// classifier output, heuristic signals, and the final decision — stored
// opaquely on the task for later triage.
func ingestionDebugBlob(result classifier.Result, rec parse.Record, bulkSignals bool, out decision.Outcome) string {
	return fmt.Sprintf(
		"classifier={label=%s confidence=%.2f error=%v msg=%q} parsed={type=%s confidence=%.2f} bulkSignals=%v decision={type=%s review=%s confidence=%.2f hasEvidence=%v}",
		result.Label, result.Confidence, result.Error, result.ErrMessage,
		rec.Type, rec.Confidence, bulkSignals,
		out.TaskType, out.ReviewState, out.Confidence, out.HasEvidence,
	)
}

package decision

import (
	"testing"
	"time"

	"github.com/caresync/ingest/internal/classifier"
	"github.com/caresync/ingest/internal/parse"
)

func TestDecide_HappyPathApproved(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelAppointments,
		ModelConfidence: 0.95,
		Subject:         "Appointment confirmed",
		Parsed:          parse.Record{StartAt: time.Now(), Location: "Clinic"},
	})
	if out.ReviewState != ReviewApproved {
		t.Errorf("ReviewState = %v, want approved", out.ReviewState)
	}
	if out.TaskType != parse.TypeAppointment {
		t.Errorf("TaskType = %v, want appointment", out.TaskType)
	}
	if !out.HasEvidence {
		t.Error("expected evidence")
	}
	if out.ShouldDrop {
		t.Error("should not drop")
	}
}

func TestDecide_ClassificationFailedFallsBackToParsed(t *testing.T) {
	out := Decide(Input{
		ClassificationFailed: true,
		Parsed:               parse.Record{Type: parse.TypeBill, Confidence: 0.4},
	})
	if out.Confidence != 0.4 {
		t.Errorf("Confidence = %v, want 0.4", out.Confidence)
	}
	if out.ReviewState != ReviewPending {
		t.Errorf("ReviewState = %v, want pending on failure", out.ReviewState)
	}
	if out.TaskType != parse.TypeBill {
		t.Errorf("TaskType = %v, want bill (from parsed fallback)", out.TaskType)
	}
}

func TestDecide_BulkSignalsDiscountConfidence(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelBills,
		ModelConfidence: 0.9,
		BulkSignals:     true,
		Parsed:          parse.Record{Amount: 50},
	})
	if out.Confidence != 0.65 {
		t.Errorf("Confidence = %v, want 0.65 after bulk discount", out.Confidence)
	}
	// Rule 8 forces pending regardless of confidence once bulk signals fire.
	if out.ReviewState != ReviewPending {
		t.Errorf("ReviewState = %v, want pending (rule 8)", out.ReviewState)
	}
}

func TestDecide_IgnoreBucketIsIgnoredNotPending(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelIgnore,
		ModelConfidence: 0.99,
	})
	if out.ReviewState != ReviewIgnored {
		t.Errorf("ReviewState = %v, want ignored", out.ReviewState)
	}
}

func TestDecide_NeedsReviewBucketIsPending(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelNeedsReview,
		ModelConfidence: 0.99,
	})
	if out.ReviewState != ReviewPending {
		t.Errorf("ReviewState = %v, want pending", out.ReviewState)
	}
}

func TestDecide_MarketingCopyForcesPending(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelBills,
		ModelConfidence: 0.95,
		Subject:         "50% off your next statement!",
		Parsed:          parse.Record{Amount: 20},
	})
	if out.ReviewState != ReviewPending {
		t.Errorf("ReviewState = %v, want pending due to marketing copy", out.ReviewState)
	}
}

func TestDecide_MissingEvidenceDiscountsAndForcesPending(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelMedications,
		ModelConfidence: 0.9,
		Subject:         "Hi there",
		Parsed:          parse.Record{},
	})
	if out.HasEvidence {
		t.Error("expected no evidence")
	}
	if out.Confidence != 0.7 {
		t.Errorf("Confidence = %v, want 0.7 after evidence discount", out.Confidence)
	}
	if out.ReviewState != ReviewPending {
		t.Errorf("ReviewState = %v, want pending", out.ReviewState)
	}
}

func TestDecide_BelowThresholdConfidenceForcesPending(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelAppointments,
		ModelConfidence: 0.8,
		Subject:         "Appointment reminder",
		Parsed:          parse.Record{StartAt: time.Now()},
	})
	if out.ReviewState != ReviewPending {
		t.Errorf("ReviewState = %v, want pending (confidence below 0.85)", out.ReviewState)
	}
}

func TestDecide_ShouldDropQuietLowConfidenceNoise(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelBills,
		ModelConfidence: 0.5,
		Subject:         "hey",
		Parsed:          parse.Record{},
	})
	if !out.ShouldDrop {
		t.Error("expected ShouldDrop for quiet low-confidence noise")
	}
}

func TestDecide_NotDroppedWhenBulkOrMarketingEvenIfLowConfidence(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelBills,
		ModelConfidence: 0.5,
		BulkSignals:     true,
		Parsed:          parse.Record{},
	})
	if out.ShouldDrop {
		t.Error("bulk-signaled messages should route to pending, not drop")
	}
}

func TestDecide_NonActionableNeverDropped(t *testing.T) {
	out := Decide(Input{
		Bucket:          classifier.LabelNeedsReview,
		ModelConfidence: 0.1,
	})
	if out.ShouldDrop {
		t.Error("needs_review bucket is not actionable, should never be dropped")
	}
}

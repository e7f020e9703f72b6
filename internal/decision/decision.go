// Package decision implements the routing decision (C5): it combines
// the heuristic parser's output with the classifier's verdict (or its
// absence, on failure) into a single outcome — task type, review
// state, confidence, and whether the message should be dropped
// silently. The rules run in a fixed order; each later rule may
// override an earlier one's confidence or review state.
package decision

import (
	"github.com/caresync/ingest/internal/classifier"
	"github.com/caresync/ingest/internal/classify"
	"github.com/caresync/ingest/internal/parse"
)

// ReviewState is the task's initial moderation state.
type ReviewState string

const (
	ReviewApproved ReviewState = "approved"
	ReviewPending  ReviewState = "pending"
	ReviewIgnored  ReviewState = "ignored"
)

// Input collects everything the decision needs. ModelConfidence and
// Bucket are the zero value when ClassificationFailed is true.
type Input struct {
	Bucket               classifier.Label
	ClassificationFailed bool
	ModelConfidence      float64
	Parsed               parse.Record
	Subject              string
	Snippet              string
	BulkSignals          bool
}

// Outcome is the routing decision's result.
type Outcome struct {
	TaskType    parse.TaskType
	ReviewState ReviewState
	Confidence  float64
	HasEvidence bool
	ShouldDrop  bool
}

// isActionable reports whether a classifier bucket maps to a real care
// task type (as opposed to ignore/needs_review, which never do).
func isActionable(bucket classifier.Label, failed bool) bool {
	if failed {
		return false
	}
	switch bucket {
	case classifier.LabelAppointments, classifier.LabelBills, classifier.LabelMedications:
		return true
	default:
		return false
	}
}

func taskTypeFromBucket(bucket classifier.Label) (parse.TaskType, bool) {
	switch bucket {
	case classifier.LabelAppointments:
		return parse.TypeAppointment, true
	case classifier.LabelBills:
		return parse.TypeBill, true
	case classifier.LabelMedications:
		return parse.TypeMedication, true
	default:
		return "", false
	}
}

// Decide applies the routing rules in order and returns the final
// outcome. See rule comments for the spec each step implements.
func Decide(in Input) Outcome {
	// Rule 1: confidence starts from the model's, falling back to the
	// heuristic parser's when classification failed.
	confidence := in.ModelConfidence
	if in.ClassificationFailed {
		confidence = in.Parsed.Confidence
	}

	// Rule 2: bulk signals discount confidence unless the model already
	// flagged the message as ignore/needs_review.
	if !in.ClassificationFailed && in.BulkSignals && in.Bucket != classifier.LabelIgnore && in.Bucket != classifier.LabelNeedsReview {
		confidence = maxF(0, confidence-0.25)
	}

	// Rule 3: default review state, overridden by an ignore/needs_review
	// bucket, a classification failure, or low confidence.
	review := ReviewApproved
	switch {
	case in.Bucket == classifier.LabelIgnore:
		review = ReviewIgnored
	case in.Bucket == classifier.LabelNeedsReview || in.ClassificationFailed || confidence < 0.8:
		review = ReviewPending
	}

	// Rule 4: task type comes from the bucket when actionable, else
	// falls back to the heuristic parser's guess.
	taskType := in.Parsed.Type
	if t, ok := taskTypeFromBucket(in.Bucket); ok {
		taskType = t
	}

	// Rule 5: marketing copy is never auto-approved, even if the model
	// missed it, unless the model already said ignore.
	if classify.LooksMarketing(in.Subject, in.Snippet) && in.Bucket != classifier.LabelIgnore {
		review = ReviewPending
	}

	// Rule 6: evidence check only applies to actionable, non-failed
	// classifications; everything else is vacuously "has evidence".
	hasEvidence := true
	actionable := isActionable(in.Bucket, in.ClassificationFailed)
	if actionable {
		hasEvidence = classify.HasEvidenceForType(taskType, in.Parsed, in.Subject, in.Snippet)
	}

	// Rule 7: missing evidence further discounts confidence and forces
	// pending review; low confidence alone also forces pending review.
	if actionable {
		if !hasEvidence {
			confidence = maxF(0, confidence-0.2)
			review = ReviewPending
		} else if confidence < 0.85 {
			review = ReviewPending
		}
	}

	// Rule 8: bulk signals force pending review regardless of what rule
	// 3 already decided, unless the model said ignore.
	if !in.ClassificationFailed && in.BulkSignals && in.Bucket != classifier.LabelIgnore {
		review = ReviewPending
	}

	// Rule 9: drop silently only when the message is actionable, low
	// confidence, lacks evidence, and shows no bulk or marketing signal
	// — i.e. we believe it's uninteresting noise rather than a
	// borderline case that deserves human review.
	shouldDrop := !in.ClassificationFailed &&
		confidence < 0.6 &&
		actionable &&
		!hasEvidence &&
		!in.BulkSignals &&
		!classify.LooksMarketing(in.Subject, in.Snippet)

	return Outcome{
		TaskType:    taskType,
		ReviewState: review,
		Confidence:  confidence,
		HasEvidence: hasEvidence,
		ShouldDrop:  shouldDrop,
	}
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

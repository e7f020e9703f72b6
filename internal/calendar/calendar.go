// Package calendar implements the calendar sync pipeline (C7): a state
// machine over an opaque sync token that walks a provider's event
// delta feed and upserts or tombstones the corresponding tasks. The
// RPC itself is behind the EventLister interface so the merge logic is
// testable without a live CalDAV server.
package calendar

import (
	"context"
	"time"

	"github.com/caresync/ingest/internal/ingesterr"
	"github.com/caresync/ingest/internal/store"
)

// Event is one calendar event as returned by a provider's delta feed.
type Event struct {
	ID          string
	ICalUID     string
	Status      string // confirmed, tentative, cancelled/canceled
	Summary     string
	Description string
	Location    string
	Organizer   string
	StartAt     time.Time
	EndAt       time.Time
}

// cancelledStatuses covers both provider spellings of "cancelled".
var cancelledStatuses = map[string]bool{"cancelled": true, "canceled": true}

// ExternalID is the event's idempotency key: iCalUID when present,
// falling back to the provider's event id.
func (e Event) ExternalID() string {
	if e.ICalUID != "" {
		return e.ICalUID
	}
	return e.ID
}

// EventLister fetches one page of the delta feed starting from
// syncToken (empty means a full resync). It returns
// ingesterr.KindProviderInvalidCursor when the token has expired
// (410/404), per §4.7.
type EventLister interface {
	ListEvents(ctx context.Context, syncToken string) (events []Event, nextSyncToken string, err error)
}

// TaskStore is the subset of *store.Store the calendar pipeline writes
// through.
type TaskStore interface {
	UpsertTask(t *store.Task) (store.Outcome, error)
	TombstoneTask(caregiverID, externalID string) error
}

// Input bundles the caregiver/source context for one sync run.
type Input struct {
	CaregiverID string
	SourceID    string
	SourceLink  string
	SyncToken   string
}

// Result summarizes one sync run for the ingestion event log (C11).
type Result struct {
	NextSyncToken  string
	ResetSyncToken bool
	Created        int
	Updated        int
	Tombstoned     int
	Errors         int
}

// Sync runs one calendar delta and merges it into the task store. On an
// invalid cursor, it discards the stored token and retries once from a
// full resync, per §4.7 and the ProviderInvalidCursor propagation rule
// in §7.
func Sync(ctx context.Context, lister EventLister, tasks TaskStore, in Input) (Result, error) {
	events, nextToken, err := lister.ListEvents(ctx, in.SyncToken)
	resetToken := false

	if ingesterr.Is(err, ingesterr.KindProviderInvalidCursor) {
		events, nextToken, err = lister.ListEvents(ctx, "")
		resetToken = true
	}
	if err != nil {
		return Result{ResetSyncToken: resetToken}, err
	}

	result := Result{NextSyncToken: nextToken, ResetSyncToken: resetToken}
	for _, ev := range events {
		externalID := ev.ExternalID()
		if externalID == "" {
			continue
		}

		if cancelledStatuses[ev.Status] {
			if err := tasks.TombstoneTask(in.CaregiverID, externalID); err != nil {
				result.Errors++
				continue
			}
			result.Tombstoned++
			continue
		}

		task := &store.Task{
			CaregiverID: in.CaregiverID,
			Type:        store.TaskAppointment,
			Status:      store.StatusScheduled,
			ReviewState: store.ReviewApproved,
			Confidence:  0.9,
			ExternalID:  externalID,
			SourceID:    in.SourceID,
			SourceLink:  in.SourceLink,
			Title:       ev.Summary,
			Description: ev.Description,
			StartAt:     ev.StartAt,
			EndAt:       ev.EndAt,
			Location:    ev.Location,
			Organizer:   ev.Organizer,
		}
		outcome, err := tasks.UpsertTask(task)
		if err != nil {
			result.Errors++
			continue
		}
		switch outcome {
		case store.OutcomeCreated:
			result.Created++
		case store.OutcomeUpdated:
			result.Updated++
		}
	}

	return result, nil
}

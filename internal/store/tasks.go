package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertTask implements C11: idempotent insert-or-update keyed by
// (caregiverId, externalId) when externalId is present, else by
// (caregiverId, sourceId) as a weaker proxy. createdAt is preserved
// across updates; updatedAt always advances.
func (s *Store) UpsertTask(t *Task) (Outcome, error) {
	now := time.Now().UTC()
	t.SyncedAt = now

	existing, err := s.findExistingTask(t)
	if err != nil {
		return OutcomeErrored, err
	}

	if existing == nil {
		if t.ID == "" {
			t.ID = NewID()
		}
		t.CreatedAt, t.UpdatedAt = now, now
		if err := s.insertTask(t); err != nil {
			// A unique-constraint race lost to a concurrent insert is
			// treated as an update, per the storage-conflict policy.
			if isUniqueConstraintErr(err) {
				existing, findErr := s.findExistingTask(t)
				if findErr != nil || existing == nil {
					return OutcomeErrored, err
				}
				t.ID, t.CreatedAt = existing.ID, existing.CreatedAt
				t.UpdatedAt = now
				if err := s.updateTask(t); err != nil {
					return OutcomeErrored, err
				}
				return OutcomeUpdated, nil
			}
			return OutcomeErrored, err
		}
		return OutcomeCreated, nil
	}

	t.ID, t.CreatedAt = existing.ID, existing.CreatedAt
	t.UpdatedAt = now
	if err := s.updateTask(t); err != nil {
		return OutcomeErrored, err
	}
	return OutcomeUpdated, nil
}

func (s *Store) findExistingTask(t *Task) (*Task, error) {
	if t.ExternalID != "" {
		return s.getTaskByKey("caregiver_id = ? AND external_id = ?", t.CaregiverID, t.ExternalID)
	}
	return s.getTaskByKey("caregiver_id = ? AND source_id = ? AND external_id IS NULL", t.CaregiverID, t.SourceID)
}

func (s *Store) getTaskByKey(where string, args ...any) (*Task, error) {
	row := s.db.QueryRow(taskSelectQuery+" WHERE "+where, args...)
	task, err := s.scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return task, err
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelectQuery+" WHERE id = ?", id)
	return s.scanTask(row)
}

// ListTasksBySource returns all tasks for a source, most recently
// synced first.
func (s *Store) ListTasksBySource(sourceID string) ([]*Task, error) {
	rows, err := s.db.Query(taskSelectQuery+" WHERE source_id = ? ORDER BY synced_at DESC", sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TombstoneTask marks an existing task done-ignored by updating it in
// place. It only affects a row that already exists, so it is scoped to
// C7's cancelled-calendar-event handling (§4.7: "any existing task").
// A mail tombstone is a different case — the first message from a
// suppressed sender or tombstoned category has no existing row to
// update — so C6 upserts its own tombstone task instead of calling
// this (internal/pipeline's tombstoneResult, upserted in
// cmd/ingestd/sync.go).
func (s *Store) TombstoneTask(caregiverID, externalID string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, review_state = ?, updated_at = ?
		WHERE caregiver_id = ? AND external_id = ?
	`, StatusDone, ReviewIgnored, time.Now().UTC().Format(time.RFC3339Nano), caregiverID, externalID)
	return err
}

func (s *Store) insertTask(t *Task) error {
	_, err := s.db.Exec(insertTaskSQL, taskArgs(t)...)
	return err
}

func (s *Store) updateTask(t *Task) error {
	args := append(taskArgs(t)[1:], t.ID)
	_, err := s.db.Exec(updateTaskSQL, args...)
	return err
}

const taskSelectQuery = `
	SELECT id, caregiver_id, type, status, review_state, confidence, external_id, source_id,
		source_link, snippet, description, title, start_at, end_at, location, organizer,
		amount, currency, due_at, vendor, reference_number, statement_period,
		medication_name, dosage, frequency, route, prescribing_provider, next_dose_at,
		sender_domain, synced_at, ingestion_debug, created_at, updated_at
	FROM tasks`

const insertTaskSQL = `
	INSERT INTO tasks (
		id, caregiver_id, type, status, review_state, confidence, external_id, source_id,
		source_link, snippet, description, title, start_at, end_at, location, organizer,
		amount, currency, due_at, vendor, reference_number, statement_period,
		medication_name, dosage, frequency, route, prescribing_provider, next_dose_at,
		sender_domain, synced_at, ingestion_debug, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updateTaskSQL = `
	UPDATE tasks SET
		caregiver_id = ?, type = ?, status = ?, review_state = ?, confidence = ?, external_id = ?, source_id = ?,
		source_link = ?, snippet = ?, description = ?, title = ?, start_at = ?, end_at = ?, location = ?, organizer = ?,
		amount = ?, currency = ?, due_at = ?, vendor = ?, reference_number = ?, statement_period = ?,
		medication_name = ?, dosage = ?, frequency = ?, route = ?, prescribing_provider = ?, next_dose_at = ?,
		sender_domain = ?, synced_at = ?, ingestion_debug = ?, updated_at = ?
	WHERE id = ?`

func taskArgs(t *Task) []any {
	var externalID any
	if t.ExternalID != "" {
		externalID = t.ExternalID
	}
	return []any{
		t.ID, t.CaregiverID, t.Type, t.Status, t.ReviewState, t.Confidence, externalID, t.SourceID,
		t.SourceLink, t.Snippet, t.Description, t.Title, nullTime(t.StartAt), nullTime(t.EndAt), t.Location, t.Organizer,
		t.Amount, t.Currency, nullTime(t.DueAt), t.Vendor, t.ReferenceNumber, t.StatementPeriod,
		t.MedicationName, t.Dosage, t.Frequency, t.Route, t.PrescribingProvider, nullTime(t.NextDoseAt),
		t.SenderDomain, nullTime(t.SyncedAt), t.IngestionDebug, t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Store) scanTask(row scannable) (*Task, error) {
	var t Task
	var externalID sql.NullString
	var startAt, endAt, dueAt, nextDoseAt, syncedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.CaregiverID, &t.Type, &t.Status, &t.ReviewState, &t.Confidence, &externalID, &t.SourceID,
		&t.SourceLink, &t.Snippet, &t.Description, &t.Title, &startAt, &endAt, &t.Location, &t.Organizer,
		&t.Amount, &t.Currency, &dueAt, &t.Vendor, &t.ReferenceNumber, &t.StatementPeriod,
		&t.MedicationName, &t.Dosage, &t.Frequency, &t.Route, &t.PrescribingProvider, &nextDoseAt,
		&t.SenderDomain, &syncedAt, &t.IngestionDebug, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.ExternalID = externalID.String
	t.StartAt = parseNullTime(startAt)
	t.EndAt = parseNullTime(endAt)
	t.DueAt = parseNullTime(dueAt)
	t.NextDoseAt = parseNullTime(nextDoseAt)
	t.SyncedAt = parseNullTime(syncedAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

// isUniqueConstraintErr detects a SQLite unique-constraint violation by
// message substring rather than by a driver-specific error type.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

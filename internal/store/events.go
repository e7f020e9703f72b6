package store

import "time"

// RecordIngestionEvent appends an audit row for a sync run. Callers
// should only call this when the run touched at least one task — the
// spec treats a no-op run as unremarkable and not worth an event.
func (s *Store) RecordIngestionEvent(e *IngestionEvent) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO ingestion_events (id, source_id, reason, created, updated, skipped, errors, history_id, duration_ms, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SourceID, e.Reason, e.Created, e.Updated, e.Skipped, e.Errors, e.HistoryID, e.DurationMs,
		e.OccurredAt.Format(time.RFC3339Nano))
	return err
}

// ListIngestionEvents returns the most recent events for a source, newest
// first, capped at limit (default 50).
func (s *Store) ListIngestionEvents(sourceID string, limit int) ([]*IngestionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, source_id, reason, created, updated, skipped, errors, history_id, duration_ms, occurred_at
		FROM ingestion_events WHERE source_id = ? ORDER BY occurred_at DESC LIMIT ?
	`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IngestionEvent
	for rows.Next() {
		var e IngestionEvent
		var occurredAt string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Reason, &e.Created, &e.Updated, &e.Skipped, &e.Errors,
			&e.HistoryID, &e.DurationMs, &occurredAt); err != nil {
			return nil, err
		}
		e.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

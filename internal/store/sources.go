package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSource inserts a new source. isPrimary is not validated against
// existing primaries here — callers (C9) are expected to check that
// invariant before flipping a source to primary.
func (s *Store) CreateSource(src *Source) error {
	if src.ID == "" {
		src.ID = NewID()
	}
	now := time.Now().UTC()
	src.CreatedAt, src.UpdatedAt = now, now

	_, err := s.db.Exec(`
		INSERT INTO sources (
			id, caregiver_id, provider, account_email, refresh_credential, status,
			is_primary, history_id, calendar_sync_token, watch_id, watch_expiration,
			calendar_channel_id, calendar_resource_id, last_sync_at, last_push_at,
			error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.ID, src.CaregiverID, src.Provider, src.AccountEmail, src.RefreshCredential, src.Status,
		boolToInt(src.IsPrimary), src.HistoryID, src.CalendarSyncToken, src.WatchID, nullTime(src.WatchExpiration),
		src.CalendarChannelID, src.CalendarResourceID, nullTime(src.LastSyncAt), nullTime(src.LastPushAt),
		src.ErrorMessage, src.CreatedAt.Format(time.RFC3339Nano), src.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// GetSource retrieves a source by id.
func (s *Store) GetSource(id string) (*Source, error) {
	row := s.db.QueryRow(sourceSelectQuery+" WHERE id = ?", id)
	return s.scanSource(row)
}

// GetSourceByAccountEmail finds a source by (provider, accountEmail).
// Returns ErrNotFound if none exists.
func (s *Store) GetSourceByAccountEmail(provider, accountEmail string) (*Source, error) {
	row := s.db.QueryRow(sourceSelectQuery+" WHERE provider = ? AND account_email = ?", provider, accountEmail)
	return s.scanSource(row)
}

// GetSourceByWatchID finds a source whose mail watch or calendar channel
// matches the given id — used by the webhook dispatcher (C9) to resolve
// a push notification back to its owning source.
func (s *Store) GetSourceByWatchID(watchOrChannelID string) (*Source, error) {
	row := s.db.QueryRow(sourceSelectQuery+" WHERE watch_id = ? OR calendar_channel_id = ?", watchOrChannelID, watchOrChannelID)
	return s.scanSource(row)
}

// ListSourcesNeedingRenewal returns active sources whose watch expires
// within the given horizon (C8's renewal ticker).
func (s *Store) ListSourcesNeedingRenewal(horizon time.Duration) ([]*Source, error) {
	deadline := time.Now().UTC().Add(horizon).Format(time.RFC3339Nano)
	rows, err := s.db.Query(sourceSelectQuery+` WHERE status = ? AND watch_expiration IS NOT NULL AND watch_expiration <= ?`,
		SourceActive, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanSources(rows)
}

// ListSourcesNeedingPoll returns active sources whose last sync predates
// staleness, or whose watch has already expired (C8's polling ticker).
func (s *Store) ListSourcesNeedingPoll(staleness time.Duration) ([]*Source, error) {
	cutoff := time.Now().UTC().Add(-staleness).Format(time.RFC3339Nano)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.Query(sourceSelectQuery+` WHERE status = ? AND (
		last_sync_at IS NULL OR last_sync_at <= ? OR (watch_expiration IS NOT NULL AND watch_expiration <= ?)
	)`, SourceActive, cutoff, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanSources(rows)
}

// UpdateSourceCursor persists the fields only the source-lock holder may
// write: historyId, calendarSyncToken, lastSyncAt, status, errorMessage.
func (s *Store) UpdateSourceCursor(id, historyID, calendarSyncToken string, status SourceStatus, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE sources SET history_id = ?, calendar_sync_token = ?, status = ?, error_message = ?,
			last_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, historyID, calendarSyncToken, status, errMsg, time.Now().UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// TouchLastPush updates lastPushAt outside the source lock — safe
// because it is monotonic and last-write-wins, per the concurrency model.
func (s *Store) TouchLastPush(id string) error {
	_, err := s.db.Exec(`UPDATE sources SET last_push_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// UpdateWatch persists renewed watch/channel registration fields.
func (s *Store) UpdateWatch(id, watchID string, watchExpiration time.Time, channelID, resourceID string) error {
	_, err := s.db.Exec(`
		UPDATE sources SET watch_id = ?, watch_expiration = ?, calendar_channel_id = ?,
			calendar_resource_id = ?, updated_at = ?
		WHERE id = ?
	`, watchID, nullTime(watchExpiration), channelID, resourceID,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

const sourceSelectQuery = `
	SELECT id, caregiver_id, provider, account_email, refresh_credential, status,
		is_primary, history_id, calendar_sync_token, watch_id, watch_expiration,
		calendar_channel_id, calendar_resource_id, last_sync_at, last_push_at,
		error_message, created_at, updated_at
	FROM sources`

type scannable interface {
	Scan(dest ...any) error
}

func (s *Store) scanSource(row scannable) (*Source, error) {
	var src Source
	var isPrimary int
	var watchExp, lastSync, lastPush sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&src.ID, &src.CaregiverID, &src.Provider, &src.AccountEmail, &src.RefreshCredential, &src.Status,
		&isPrimary, &src.HistoryID, &src.CalendarSyncToken, &src.WatchID, &watchExp,
		&src.CalendarChannelID, &src.CalendarResourceID, &lastSync, &lastPush,
		&src.ErrorMessage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.IsPrimary = isPrimary != 0
	src.WatchExpiration = parseNullTime(watchExp)
	src.LastSyncAt = parseNullTime(lastSync)
	src.LastPushAt = parseNullTime(lastPush)
	src.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	src.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &src, nil
}

func (s *Store) scanSources(rows *sql.Rows) ([]*Source, error) {
	var out []*Source
	for rows.Next() {
		src, err := s.scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

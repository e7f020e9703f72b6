package store

import (
	"database/sql"
	"errors"
	"time"
)

// SuppressThreshold is the default ignoreCount at which a sender domain
// becomes suppressed.
const SuppressThreshold = 3

// RecordIgnored implements C10: on a task transition to
// reviewState=ignored, atomically increments the sender's ignore count
// and flips suppressed once the threshold is reached. Returns the
// updated row.
func (s *Store) RecordIgnored(caregiverID, provider, senderDomain string) (*SenderSuppression, error) {
	if senderDomain == "" {
		return nil, nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.Exec(`
		INSERT INTO sender_suppressions (caregiver_id, provider, sender_domain, ignore_count, suppressed, last_ignored_at)
		VALUES (?, ?, ?, 1, 0, ?)
		ON CONFLICT (caregiver_id, provider, sender_domain) DO UPDATE
		SET ignore_count = ignore_count + 1, last_ignored_at = excluded.last_ignored_at
	`, caregiverID, provider, senderDomain, now)
	if err != nil {
		return nil, err
	}

	sup, err := s.GetSuppression(caregiverID, provider, senderDomain)
	if err != nil {
		return nil, err
	}
	if sup.IgnoreCount >= SuppressThreshold && !sup.Suppressed {
		if err := s.SetSuppressed(caregiverID, provider, senderDomain, true, false); err != nil {
			return nil, err
		}
		sup.Suppressed = true
	}
	return sup, nil
}

// SetSuppressed applies a manual suppress/unsuppress action. resetCount,
// when true, zeroes ignoreCount as well (an explicit caregiver reset);
// otherwise the count is left untouched per the spec's override rule.
func (s *Store) SetSuppressed(caregiverID, provider, senderDomain string, suppressed, resetCount bool) error {
	if resetCount {
		_, err := s.db.Exec(`
			UPDATE sender_suppressions SET suppressed = ?, ignore_count = 0
			WHERE caregiver_id = ? AND provider = ? AND sender_domain = ?
		`, boolToInt(suppressed), caregiverID, provider, senderDomain)
		return err
	}
	_, err := s.db.Exec(`
		UPDATE sender_suppressions SET suppressed = ?
		WHERE caregiver_id = ? AND provider = ? AND sender_domain = ?
	`, boolToInt(suppressed), caregiverID, provider, senderDomain)
	return err
}

// IsSuppressed reports whether a sender domain is currently suppressed
// for a caregiver+provider. A domain with no row is never suppressed.
func (s *Store) IsSuppressed(caregiverID, provider, senderDomain string) (bool, error) {
	sup, err := s.GetSuppression(caregiverID, provider, senderDomain)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sup.Suppressed, nil
}

// GetSuppression retrieves the suppression row for a sender domain.
// Returns ErrNotFound if the domain has never been ignored.
func (s *Store) GetSuppression(caregiverID, provider, senderDomain string) (*SenderSuppression, error) {
	var sup SenderSuppression
	var suppressed int
	var lastIgnored sql.NullString
	err := s.db.QueryRow(`
		SELECT caregiver_id, provider, sender_domain, ignore_count, suppressed, last_ignored_at
		FROM sender_suppressions WHERE caregiver_id = ? AND provider = ? AND sender_domain = ?
	`, caregiverID, provider, senderDomain).Scan(
		&sup.CaregiverID, &sup.Provider, &sup.SenderDomain, &sup.IgnoreCount, &suppressed, &lastIgnored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sup.Suppressed = suppressed != 0
	sup.LastIgnoredAt = parseNullTime(lastIgnored)
	return &sup, nil
}

// Package store persists the ingestion domain: sources, care tasks,
// sender suppressions, and the ingestion audit log (C10, C11). It
// mirrors the scheduler package's SQLite conventions — one file per
// connection, JSON-encoded blob columns for nested data, UUIDv7 ids.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SourceStatus is a Source's connection lifecycle state.
type SourceStatus string

const (
	SourceActive       SourceStatus = "active"
	SourceErrored      SourceStatus = "errored"
	SourceDisconnected SourceStatus = "disconnected"
)

// Source is one connection for one (caregiver, provider, account).
type Source struct {
	ID                 string
	CaregiverID        string
	Provider           string
	AccountEmail       string
	RefreshCredential  string
	Status             SourceStatus
	IsPrimary          bool
	HistoryID          string
	CalendarSyncToken  string
	WatchID            string
	WatchExpiration    time.Time
	CalendarChannelID  string
	CalendarResourceID string
	LastSyncAt         time.Time
	LastPushAt         time.Time
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TaskType mirrors parse.TaskType; duplicated here to keep the storage
// layer free of a dependency on the parsing package.
type TaskType string

const (
	TaskAppointment TaskType = "appointment"
	TaskBill        TaskType = "bill"
	TaskMedication  TaskType = "medication"
	TaskGeneral     TaskType = "general"
)

// TaskStatus is a Task's workflow state.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusScheduled  TaskStatus = "scheduled"
	StatusSnoozed    TaskStatus = "snoozed"
	StatusDone       TaskStatus = "done"
)

// ReviewState is a Task's moderation state, matching decision.ReviewState.
type ReviewState string

const (
	ReviewPending  ReviewState = "pending"
	ReviewApproved ReviewState = "approved"
	ReviewIgnored  ReviewState = "ignored"
)

// Task is a care item surfaced to the caregiver.
type Task struct {
	ID         string
	CaregiverID string
	Type        TaskType
	Status      TaskStatus
	ReviewState ReviewState
	Confidence  float64
	ExternalID  string
	SourceID    string
	SourceLink  string
	Snippet     string
	Description string
	Title       string

	// Appointment fields
	StartAt   time.Time
	EndAt     time.Time
	Location  string
	Organizer string

	// Bill fields
	Amount          float64
	Currency        string
	DueAt           time.Time
	Vendor          string
	ReferenceNumber string
	StatementPeriod string

	// Medication fields
	MedicationName      string
	Dosage              string
	Frequency           string
	Route               string
	PrescribingProvider string
	NextDoseAt          time.Time

	SenderDomain   string
	SyncedAt       time.Time
	IngestionDebug string // opaque JSON diagnostic blob

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SenderSuppression tracks how often a caregiver has ignored mail from
// a given sender domain, on a per-provider basis (C10).
type SenderSuppression struct {
	CaregiverID   string
	Provider      string
	SenderDomain  string
	IgnoreCount   int
	Suppressed    bool
	LastIgnoredAt time.Time
}

// IngestionEvent is an append-only audit row, emitted once per sync run
// that touched at least one task (C11).
type IngestionEvent struct {
	ID         string
	SourceID   string
	Reason     string // push, poll, manual
	Created    int
	Updated    int
	Skipped    int
	Errors     int
	HistoryID  string
	DurationMs int64
	OccurredAt time.Time
}

// Outcome is the per-message result of an upsert (C11).
type Outcome string

const (
	OutcomeCreated            Outcome = "created"
	OutcomeUpdated            Outcome = "updated"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeSkippedLowConf     Outcome = "skipped_low_confidence"
	OutcomeSkippedIgnored     Outcome = "skipped_ignored"
	OutcomeTombstoned         Outcome = "tombstoned"
	OutcomeErrored            Outcome = "errored"
)

// Store is the SQLite-backed ingestion store.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) an ingestion store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		caregiver_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		account_email TEXT NOT NULL,
		refresh_credential TEXT NOT NULL,
		status TEXT NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0,
		history_id TEXT NOT NULL DEFAULT '',
		calendar_sync_token TEXT NOT NULL DEFAULT '',
		watch_id TEXT NOT NULL DEFAULT '',
		watch_expiration TEXT,
		calendar_channel_id TEXT NOT NULL DEFAULT '',
		calendar_resource_id TEXT NOT NULL DEFAULT '',
		last_sync_at TEXT,
		last_push_at TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sources_account_email ON sources(account_email);
	CREATE INDEX IF NOT EXISTS idx_sources_watch_id ON sources(watch_id);
	CREATE INDEX IF NOT EXISTS idx_sources_calendar_channel_id ON sources(calendar_channel_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		caregiver_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		review_state TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		external_id TEXT,
		source_id TEXT NOT NULL,
		source_link TEXT NOT NULL DEFAULT '',
		snippet TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		start_at TEXT,
		end_at TEXT,
		location TEXT NOT NULL DEFAULT '',
		organizer TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		due_at TEXT,
		vendor TEXT NOT NULL DEFAULT '',
		reference_number TEXT NOT NULL DEFAULT '',
		statement_period TEXT NOT NULL DEFAULT '',
		medication_name TEXT NOT NULL DEFAULT '',
		dosage TEXT NOT NULL DEFAULT '',
		frequency TEXT NOT NULL DEFAULT '',
		route TEXT NOT NULL DEFAULT '',
		prescribing_provider TEXT NOT NULL DEFAULT '',
		next_dose_at TEXT,
		sender_domain TEXT NOT NULL DEFAULT '',
		synced_at TEXT,
		ingestion_debug TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (caregiver_id, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_source_id ON tasks(source_id);

	CREATE TABLE IF NOT EXISTS sender_suppressions (
		caregiver_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		sender_domain TEXT NOT NULL,
		ignore_count INTEGER NOT NULL DEFAULT 0,
		suppressed INTEGER NOT NULL DEFAULT 0,
		last_ignored_at TEXT,
		PRIMARY KEY (caregiver_id, provider, sender_domain)
	);

	CREATE TABLE IF NOT EXISTS ingestion_events (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		history_id TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ingestion_events_source_id ON ingestion_events(source_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7, falling back to UUIDv4 if the clock-based
// generator fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func nullTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

var ErrNotFound = errors.New("store: not found")

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

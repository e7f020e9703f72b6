package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSource(t *testing.T) {
	s := newTestStore(t)
	src := &Source{
		CaregiverID:  "cg1",
		Provider:     "google",
		AccountEmail: "care@example.com",
		Status:       SourceActive,
		IsPrimary:    true,
	}
	if err := s.CreateSource(src); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if src.ID == "" {
		t.Fatal("expected ID to be assigned")
	}

	got, err := s.GetSource(src.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.AccountEmail != "care@example.com" || !got.IsPrimary {
		t.Errorf("got %+v", got)
	}
}

func TestGetSourceByAccountEmail(t *testing.T) {
	s := newTestStore(t)
	src := &Source{CaregiverID: "cg1", Provider: "google", AccountEmail: "care@example.com", Status: SourceActive}
	if err := s.CreateSource(src); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	got, err := s.GetSourceByAccountEmail("google", "care@example.com")
	if err != nil {
		t.Fatalf("GetSourceByAccountEmail: %v", err)
	}
	if got.ID != src.ID {
		t.Errorf("ID = %q, want %q", got.ID, src.ID)
	}

	if _, err := s.GetSourceByAccountEmail("google", "nobody@example.com"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertTask_CreatesThenUpdatesByExternalID(t *testing.T) {
	s := newTestStore(t)
	task := &Task{
		CaregiverID: "cg1",
		Type:        TaskBill,
		Status:      StatusTodo,
		ReviewState: ReviewApproved,
		Confidence:  0.9,
		ExternalID:  "msg-1",
		SourceID:    "src-1",
		Amount:      50,
	}

	outcome, err := s.UpsertTask(task)
	if err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Errorf("outcome = %v, want created", outcome)
	}
	firstID := task.ID
	firstCreatedAt := task.CreatedAt

	task2 := &Task{
		CaregiverID: "cg1",
		Type:        TaskBill,
		Status:      StatusTodo,
		ReviewState: ReviewApproved,
		Confidence:  0.95,
		ExternalID:  "msg-1",
		SourceID:    "src-1",
		Amount:      75,
	}
	outcome, err = s.UpsertTask(task2)
	if err != nil {
		t.Fatalf("UpsertTask (update): %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Errorf("outcome = %v, want updated", outcome)
	}
	if task2.ID != firstID {
		t.Errorf("ID changed across update: %q != %q", task2.ID, firstID)
	}
	if !task2.CreatedAt.Equal(firstCreatedAt) {
		t.Error("CreatedAt should be preserved across update")
	}

	got, err := s.GetTask(firstID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Amount != 75 {
		t.Errorf("Amount = %v, want 75 (updated)", got.Amount)
	}
}

func TestUpsertTask_NoExternalIDFallsBackToSourceID(t *testing.T) {
	s := newTestStore(t)
	task1 := &Task{CaregiverID: "cg1", Type: TaskGeneral, Status: StatusTodo, ReviewState: ReviewPending, SourceID: "src-2"}
	if _, err := s.UpsertTask(task1); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	task2 := &Task{CaregiverID: "cg1", Type: TaskGeneral, Status: StatusTodo, ReviewState: ReviewPending, SourceID: "src-2", Snippet: "second"}
	outcome, err := s.UpsertTask(task2)
	if err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Errorf("outcome = %v, want updated (same source-id proxy key)", outcome)
	}
	if task2.ID != task1.ID {
		t.Error("expected same row reused via source-id fallback key")
	}
}

func TestTombstoneTask(t *testing.T) {
	s := newTestStore(t)
	task := &Task{CaregiverID: "cg1", Type: TaskAppointment, Status: StatusScheduled, ReviewState: ReviewApproved, ExternalID: "evt-1", SourceID: "src-1"}
	if _, err := s.UpsertTask(task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	if err := s.TombstoneTask("cg1", "evt-1"); err != nil {
		t.Fatalf("TombstoneTask: %v", err)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusDone || got.ReviewState != ReviewIgnored {
		t.Errorf("got status=%v review=%v, want done/ignored", got.Status, got.ReviewState)
	}
}

func TestRecordIgnored_SuppressesAtThreshold(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < SuppressThreshold-1; i++ {
		sup, err := s.RecordIgnored("cg1", "google", "newsletter.example.com")
		if err != nil {
			t.Fatalf("RecordIgnored: %v", err)
		}
		if sup.Suppressed {
			t.Fatalf("should not be suppressed before threshold (count=%d)", sup.IgnoreCount)
		}
	}

	sup, err := s.RecordIgnored("cg1", "google", "newsletter.example.com")
	if err != nil {
		t.Fatalf("RecordIgnored: %v", err)
	}
	if !sup.Suppressed {
		t.Errorf("expected suppressed at count %d", sup.IgnoreCount)
	}
	if sup.IgnoreCount != SuppressThreshold {
		t.Errorf("IgnoreCount = %d, want %d", sup.IgnoreCount, SuppressThreshold)
	}
}

func TestSetSuppressed_ManualOverrideKeepsCountUnlessReset(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RecordIgnored("cg1", "google", "x.example.com"); err != nil {
		t.Fatalf("RecordIgnored: %v", err)
	}

	if err := s.SetSuppressed("cg1", "google", "x.example.com", true, false); err != nil {
		t.Fatalf("SetSuppressed: %v", err)
	}
	sup, err := s.GetSuppression("cg1", "google", "x.example.com")
	if err != nil {
		t.Fatalf("GetSuppression: %v", err)
	}
	if !sup.Suppressed || sup.IgnoreCount != 1 {
		t.Errorf("got suppressed=%v count=%d, want true/1", sup.Suppressed, sup.IgnoreCount)
	}

	if err := s.SetSuppressed("cg1", "google", "x.example.com", false, true); err != nil {
		t.Fatalf("SetSuppressed (reset): %v", err)
	}
	sup, err = s.GetSuppression("cg1", "google", "x.example.com")
	if err != nil {
		t.Fatalf("GetSuppression: %v", err)
	}
	if sup.Suppressed || sup.IgnoreCount != 0 {
		t.Errorf("got suppressed=%v count=%d, want false/0 after reset", sup.Suppressed, sup.IgnoreCount)
	}
}

func TestIsSuppressed_UnknownDomainIsNotSuppressed(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.IsSuppressed("cg1", "google", "never-seen.example.com")
	if err != nil {
		t.Fatalf("IsSuppressed: %v", err)
	}
	if ok {
		t.Error("expected false for unknown domain")
	}
}

func TestRecordAndListIngestionEvents(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordIngestionEvent(&IngestionEvent{
		SourceID: "src-1",
		Reason:   "poll",
		Created:  2,
		Updated:  1,
	})
	if err != nil {
		t.Fatalf("RecordIngestionEvent: %v", err)
	}

	events, err := s.ListIngestionEvents("src-1", 10)
	if err != nil {
		t.Fatalf("ListIngestionEvents: %v", err)
	}
	if len(events) != 1 || events[0].Created != 2 {
		t.Errorf("got %+v", events)
	}
}

func TestListSourcesNeedingPoll(t *testing.T) {
	s := newTestStore(t)
	stale := &Source{CaregiverID: "cg1", Provider: "google", AccountEmail: "stale@example.com", Status: SourceActive}
	if err := s.CreateSource(stale); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	fresh := &Source{CaregiverID: "cg1", Provider: "google", AccountEmail: "fresh@example.com", Status: SourceActive}
	if err := s.CreateSource(fresh); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if err := s.UpdateSourceCursor(fresh.ID, "h1", "", SourceActive, ""); err != nil {
		t.Fatalf("UpdateSourceCursor: %v", err)
	}

	// stale has never synced (last_sync_at NULL) so it qualifies immediately.
	sources, err := s.ListSourcesNeedingPoll(6 * time.Minute)
	if err != nil {
		t.Fatalf("ListSourcesNeedingPoll: %v", err)
	}
	found := false
	for _, src := range sources {
		if src.ID == stale.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected never-synced source to need polling")
	}
}

package persistence

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveTaskRecordIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	completed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec := TaskRecord{
		TaskID:      "t1",
		TaskType:    "build",
		AgentID:     "a1",
		Status:      "completed",
		Result:      "artifact",
		Duration:    3 * time.Second,
		CompletedAt: completed,
	}
	if err := store.SaveTaskRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// Re-archiving the same outcome updates in place.
	rec.Result = "artifact-v2"
	if err := store.SaveTaskRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListTaskRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1 after idempotent save", len(got))
	}
	if got[0].Result != "artifact-v2" || got[0].Duration != 3*time.Second {
		t.Fatalf("record = %+v, want updated result with preserved duration", got[0])
	}
}

func TestListTaskRecordsOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"t1", "t2", "t3"} {
		rec := TaskRecord{
			TaskID:      id,
			Status:      "completed",
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveTaskRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListTaskRecords(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want limit of 2", len(got))
	}
	if got[0].TaskID != "t3" || got[1].TaskID != "t2" {
		t.Fatalf("order = [%s %s], want newest first", got[0].TaskID, got[1].TaskID)
	}
}

func TestConflictRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	detected := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec := ConflictRecord{
		ConflictID: "c1",
		Kind:       "resource",
		SubjectID:  "r1",
		Agents:     []string{"a1", "a2"},
		Winner:     "a1",
		Strategy:   "priority",
		Reason:     "priority 5 beats 2",
		DetectedAt: detected,
		ResolvedAt: detected.Add(time.Second),
	}
	if err := store.SaveConflictRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListConflictRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	c := got[0]
	if c.Winner != "a1" || c.Strategy != "priority" || c.SubjectID != "r1" {
		t.Fatalf("record = %+v, want saved fields back", c)
	}
	if len(c.Agents) != 2 || c.Agents[0] != "a1" || c.Agents[1] != "a2" {
		t.Fatalf("agents = %v, want [a1 a2]", c.Agents)
	}
}

func TestConflictRecordUpsertOverwritesResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec := ConflictRecord{ConflictID: "c1", Kind: "task", SubjectID: "t1", DetectedAt: now}
	if err := store.SaveConflictRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Winner = "a2"
	rec.Strategy = "voting"
	rec.ResolvedAt = now.Add(time.Minute)
	if err := store.SaveConflictRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListConflictRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Winner != "a2" || got[0].Strategy != "voting" {
		t.Fatalf("records = %+v, want single updated row", got)
	}
}

func TestDeadlockRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.CountDeadlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("count = %d, want 0 in a fresh store", n)
	}

	for i := 0; i < 2; i++ {
		rec := DeadlockRecord{
			Agents:     []string{"a1", "a2"},
			Resources:  []string{"r1", "r2"},
			Victim:     "a2",
			DetectedAt: time.Now(),
		}
		if err := store.SaveDeadlockRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err = store.CountDeadlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestFileBackedStore(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/history/coordinator.db"

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	rec := TaskRecord{TaskID: "t1", Status: "completed", CompletedAt: time.Now()}
	if err := store.SaveTaskRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen and confirm the history survived.
	store, err = NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	got, err := store.ListTaskRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Fatalf("records after reopen = %+v, want the archived task", got)
	}
}

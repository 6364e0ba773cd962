package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// testJournal creates an in-memory journal for testing and registers cleanup.
func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewMemoryJournal(context.Background())
	if err != nil {
		t.Fatalf("failed to create test journal: %v", err)
	}
	t.Cleanup(func() {
		j.Close()
	})
	return j
}

func TestJournal_RecordAndQuery(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	entries := []JournalEntry{
		{Kind: "dispatched", TaskID: "A", AgentID: "agent-1", Message: "spawned pid 10", CreatedAt: base},
		{Kind: "reclaimed", TaskID: "A", AgentID: "agent-1", Message: "process gone", CreatedAt: base.Add(time.Minute)},
		{Kind: "dispatched", TaskID: "B", AgentID: "agent-2", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent returned %d entries, want 3", len(recent))
	}
	if recent[0].TaskID != "B" || recent[2].Kind != "dispatched" {
		t.Errorf("Recent should be newest first, got %+v", recent)
	}
	if recent[0].ID == "" {
		t.Error("Record should assign an id")
	}
	if !recent[1].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("created_at = %v", recent[1].CreatedAt)
	}

	forA, err := j.ForTask(ctx, "A", 0)
	if err != nil {
		t.Fatalf("ForTask: %v", err)
	}
	if len(forA) != 2 || forA[0].Kind != "reclaimed" {
		t.Errorf("ForTask(A) = %+v", forA)
	}

	dispatched, err := j.Query(ctx, JournalFilter{Kind: "dispatched", Since: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(dispatched) != 1 || dispatched[0].AgentID != "agent-2" {
		t.Errorf("Query(kind, since) = %+v", dispatched)
	}

	limited, _ := j.Recent(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit not applied, got %d", len(limited))
	}
}

func TestJournal_MemoryJournalsAreIsolated(t *testing.T) {
	a := testJournal(t)
	b := testJournal(t)
	ctx := context.Background()

	if err := a.Record(ctx, JournalEntry{Kind: "tick"}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("second journal sees %d entries from the first", len(got))
	}
}

func TestJournal_FileBackedPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", JournalFile)
	ctx := context.Background()

	j, err := OpenJournal(ctx, path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.Record(ctx, JournalEntry{Kind: "loop_fired", TaskID: "T", Message: "iteration 1/2"}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = OpenJournal(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	got, err := j.ForTask(ctx, "T", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Message != "iteration 1/2" {
		t.Errorf("entries after reopen = %+v", got)
	}
}

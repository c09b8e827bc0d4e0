package usage

import (
	"context"
	"testing"

	"github.com/dmm-sh/dmm/internal/db"
)

func setupTracker(t *testing.T) *Tracker {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func TestRecordQueryCounters(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	ids := []string{"mem_a", "mem_b"}
	if err := tr.RecordQuery(ctx, "first query", 2000, ids); err != nil {
		t.Fatalf("RecordQuery: %v", err)
	}
	if err := tr.RecordQuery(ctx, "second query", 2000, []string{"mem_a"}); err != nil {
		t.Fatalf("RecordQuery: %v", err)
	}

	a, err := tr.MemoryStats(ctx, "mem_a")
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if a == nil || a.RetrievalCount != 2 {
		t.Errorf("mem_a = %+v, want retrieval count 2", a)
	}
	if a.FirstUsed == nil || a.LastUsed == nil {
		t.Error("timestamps should be set")
	}

	b, err := tr.MemoryStats(ctx, "mem_b")
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if b == nil || b.RetrievalCount != 1 {
		t.Errorf("mem_b = %+v, want retrieval count 1", b)
	}
}

func TestCoOccurrence(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	tr.RecordQuery(ctx, "q1", 2000, []string{"mem_a", "mem_b", "mem_c"})
	tr.RecordQuery(ctx, "q2", 2000, []string{"mem_a", "mem_b"})

	a, err := tr.MemoryStats(ctx, "mem_a")
	if err != nil || a == nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if a.CoOccurrence["mem_b"] != 2 {
		t.Errorf("mem_a/mem_b co-occurrence = %d, want 2", a.CoOccurrence["mem_b"])
	}
	if a.CoOccurrence["mem_c"] != 1 {
		t.Errorf("mem_a/mem_c co-occurrence = %d, want 1", a.CoOccurrence["mem_c"])
	}
	if _, ok := a.CoOccurrence["mem_a"]; ok {
		t.Error("a memory must not co-occur with itself")
	}
}

func TestMemoryStatsUnknown(t *testing.T) {
	tr := setupTracker(t)
	u, err := tr.MemoryStats(context.Background(), "mem_never_seen")
	if err != nil {
		t.Fatalf("MemoryStats: %v", err)
	}
	if u != nil {
		t.Errorf("unknown memory should return nil, got %+v", u)
	}
}

func TestTopUsedOrdering(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	tr.RecordQuery(ctx, "q1", 2000, []string{"mem_a", "mem_b"})
	tr.RecordQuery(ctx, "q2", 2000, []string{"mem_a"})
	tr.RecordQuery(ctx, "q3", 2000, []string{"mem_a", "mem_c"})

	top, err := tr.TopUsed(ctx, 2)
	if err != nil {
		t.Fatalf("TopUsed: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("got %d entries, want 2", len(top))
	}
	if top[0].MemoryID != "mem_a" || top[0].RetrievalCount != 3 {
		t.Errorf("top[0] = %+v", top[0])
	}
	// Ties break by memory id.
	if top[1].MemoryID != "mem_b" {
		t.Errorf("top[1] = %+v, want mem_b before mem_c", top[1])
	}
}

func TestGetStats(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	empty, err := tr.GetStats(ctx, 10)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if empty.TotalQueries != 0 || empty.TrackedCount != 0 || empty.LastQueriedAt != nil {
		t.Errorf("empty stats = %+v", empty)
	}

	tr.RecordQuery(ctx, "q1", 2000, []string{"mem_a"})
	tr.RecordQuery(ctx, "q2", 1500, []string{"mem_a", "mem_b"})

	stats, err := tr.GetStats(ctx, 10)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalQueries != 2 || stats.TrackedCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastQueriedAt == nil {
		t.Error("LastQueriedAt should be set")
	}
	if len(stats.TopUsed) != 2 {
		t.Errorf("TopUsed = %+v", stats.TopUsed)
	}
}

func TestRecentQueries(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()

	tr.RecordQuery(ctx, "oldest", 1000, nil)
	tr.RecordQuery(ctx, "newest", 2000, []string{"mem_a"})

	recent, err := tr.RecentQueries(ctx, 5)
	if err != nil {
		t.Fatalf("RecentQueries: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d records", len(recent))
	}
	for _, r := range recent {
		if r.Query == "newest" {
			if r.Budget != 2000 || len(r.RetrievedIDs) != 1 {
				t.Errorf("record = %+v", r)
			}
		}
	}
}

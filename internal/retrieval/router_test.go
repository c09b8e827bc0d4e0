package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/store"
)

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopKDirectories:    3,
		MaxCandidates:      50,
		DiversityThreshold: 0.92,
		DefaultBudget:      2000,
		BaselineBudget:     800,
	}
}

func setupRouter(t *testing.T, cfg config.RetrievalConfig) (*Router, *store.Store, embeddings.Embedder) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	e := embeddings.NewMemoryEmbedder(embeddings.NewMockEmbedder(32))
	return NewRouter(cfg, s, e), s, e
}

func addMemory(t *testing.T, s *store.Store, e embeddings.Embedder, id, relPath, body string, priority float64) {
	t.Helper()
	ctx := context.Background()
	dir := relPath[:strings.Index(relPath, "/")]
	m := &memory.MemoryFile{
		Header: memory.Header{
			ID: id, Tags: []string{"tag"}, Scope: memory.Scope(dir),
			Priority: priority, Confidence: memory.ConfidenceActive, Status: memory.StatusActive,
		},
		Body:       body,
		Title:      "Title " + id,
		TokenCount: (len(body) + 3) / 4,
		FileHash:   id + "-" + body,
		RelPath:    relPath,
		Directory:  dir,
	}
	vecs, err := e.EmbedMemory(ctx, m)
	if err != nil {
		t.Fatalf("EmbedMemory: %v", err)
	}
	if err := s.Upsert(ctx, m.ToIndexed(time.Now()), vecs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestRetrieveRespectsBudget(t *testing.T) {
	r, s, e := setupRouter(t, testConfig())
	ctx := context.Background()

	// Each body is 40 chars, 10 tokens.
	for i, id := range []string{"mem_2026_01_15_001", "mem_2026_01_15_002", "mem_2026_01_15_003"} {
		body := strings.Repeat(string(rune('a'+i)), 40)
		addMemory(t, s, e, id, "project/"+id+".md", body, 0.5)
	}

	res, err := r.Retrieve(ctx, "anything", 25, store.DefaultFilters())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.TotalTokens > 25 {
		t.Errorf("TotalTokens = %d exceeds budget 25", res.TotalTokens)
	}
	if len(res.Entries) != 2 {
		t.Errorf("got %d entries, want 2 within 25 tokens", len(res.Entries))
	}
	if len(res.ExcludedForBudget) != 1 {
		t.Errorf("ExcludedForBudget = %v, want one path", res.ExcludedForBudget)
	}
	if res.CandidatesConsidered != 3 {
		t.Errorf("CandidatesConsidered = %d", res.CandidatesConsidered)
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	r, s, e := setupRouter(t, testConfig())
	ctx := context.Background()

	for _, id := range []string{"mem_2026_01_15_001", "mem_2026_01_15_002", "mem_2026_01_15_003", "mem_2026_01_15_004"} {
		addMemory(t, s, e, id, "project/"+id+".md", "Distinct body for "+id+".", 0.5)
	}

	first, err := r.Retrieve(ctx, "stable query", 2000, store.DefaultFilters())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	second, err := r.Retrieve(ctx, "stable query", 2000, store.DefaultFilters())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("entry counts differ: %d vs %d", len(first.Entries), len(second.Entries))
	}
	for i := range first.Entries {
		if first.Entries[i].ID != second.Entries[i].ID {
			t.Fatalf("order differs at %d: %s vs %s", i, first.Entries[i].ID, second.Entries[i].ID)
		}
		if first.Entries[i].Score != second.Entries[i].Score {
			t.Errorf("score differs for %s", first.Entries[i].ID)
		}
	}
}

func TestRetrieveDiversityFilter(t *testing.T) {
	r, s, e := setupRouter(t, testConfig())
	ctx := context.Background()

	// Two files with identical composite signals (same directory, title,
	// tags, scope, body) produce identical vectors; only one may survive.
	sameBody := "Identical guidance repeated in two files."
	for _, spec := range []struct{ id, path string }{
		{"mem_2026_01_15_001", "project/a.md"},
		{"mem_2026_01_15_002", "project/b.md"},
	} {
		m := &memory.MemoryFile{
			Header: memory.Header{
				ID: spec.id, Tags: []string{"dup"}, Scope: memory.ScopeProject,
				Priority: 0.5, Confidence: memory.ConfidenceActive, Status: memory.StatusActive,
			},
			Body: sameBody, Title: "Same Title",
			TokenCount: (len(sameBody) + 3) / 4,
			FileHash:   spec.id, RelPath: spec.path, Directory: "project",
		}
		vecs, _ := e.EmbedMemory(ctx, m)
		if err := s.Upsert(ctx, m.ToIndexed(time.Now()), vecs); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	addMemory(t, s, e, "mem_2026_01_15_003", "project/c.md", "Entirely different content here.", 0.5)

	res, err := r.Retrieve(ctx, "guidance", 2000, store.DefaultFilters())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	dupCount := 0
	for _, entry := range res.Entries {
		if entry.ID == "mem_2026_01_15_001" || entry.ID == "mem_2026_01_15_002" {
			dupCount++
		}
	}
	if dupCount != 1 {
		t.Errorf("diversity filter kept %d of the identical pair, want 1", dupCount)
	}
}

func TestRetrieveDirectoryGating(t *testing.T) {
	cfg := testConfig()
	cfg.TopKDirectories = 1
	r, s, e := setupRouter(t, cfg)
	ctx := context.Background()

	addMemory(t, s, e, "mem_2026_01_15_001", "project/a.md", "Project conventions.", 0.5)
	addMemory(t, s, e, "mem_2026_01_15_002", "global/b.md", "Global conventions.", 0.5)

	res, err := r.Retrieve(ctx, "conventions", 2000, store.DefaultFilters())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.DirectoriesSearched) != 1 {
		t.Fatalf("DirectoriesSearched = %v, want exactly one", res.DirectoriesSearched)
	}
	gated := res.DirectoriesSearched[0]
	for _, entry := range res.Entries {
		if !strings.HasPrefix(entry.Path, gated+"/") {
			t.Errorf("entry %s escaped the gated directory %s", entry.Path, gated)
		}
	}
}

func TestRetrieveScoreWeights(t *testing.T) {
	r, s, e := setupRouter(t, testConfig())
	ctx := context.Background()

	addMemory(t, s, e, "mem_2026_01_15_001", "project/a.md", "Some body.", 1.0)

	res, err := r.Retrieve(ctx, "query", 2000, store.DefaultFilters())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("got %d entries", len(res.Entries))
	}
	entry := res.Entries[0]
	want := entry.Similarity*0.60 + 1.0*0.25 + 0.8*0.15
	if diff := entry.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", entry.Score, want)
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	r, _, _ := setupRouter(t, testConfig())
	res, err := r.Retrieve(context.Background(), "anything", 2000, store.DefaultFilters())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Entries) != 0 || res.TotalTokens != 0 {
		t.Errorf("empty store should retrieve nothing, got %+v", res)
	}
}

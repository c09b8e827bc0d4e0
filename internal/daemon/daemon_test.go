package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmm-sh/dmm/internal/baseline"
	"github.com/dmm-sh/dmm/internal/commit"
	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/db"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/indexer"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/queue"
	"github.com/dmm-sh/dmm/internal/retrieval"
	"github.com/dmm-sh/dmm/internal/reviewer"
	"github.com/dmm-sh/dmm/internal/store"
	"github.com/dmm-sh/dmm/internal/usage"
)

// setupDaemon wires the subsystems over an in-memory database and a temp
// memory root, skipping PID and watcher handling, and serves the real
// router over httptest.
func setupDaemon(t *testing.T) (*Daemon, *httptest.Server, string) {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Validation = config.ValidationConfig{MinTokens: 5, MaxTokens: 100, MaxHardTokens: 200}
	cfg.Embeddings = config.EmbeddingsConfig{Provider: config.ProviderMock, Dimensions: 32}

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	s, err := store.New(database)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	e := embeddings.NewMemoryEmbedder(embeddings.NewMockEmbedder(32))
	p := parser.New(cfg.Validation)
	ix := indexer.New(cfg, root, p, e, s)
	bm := baseline.NewManager(s, filepath.Join(root, ".cache", "baseline_pack.json"), cfg.Retrieval.BaselineBudget)
	q := queue.New(database)

	d := &Daemon{
		cfg:       cfg,
		db:        database,
		store:     s,
		embedder:  e,
		parser:    p,
		indexer:   ix,
		baseline:  bm,
		router:    retrieval.NewRouter(cfg.Retrieval, s, e),
		queue:     q,
		reviewer:  reviewer.New(cfg.Reviewer, cfg.Validation, s, e),
		committer: commit.New(root, cfg.Validation, q, s, ix, bm),
		usage:     usage.New(database),
		startedAt: time.Now().UTC(),
		state:     StateRunning,
		shutdown:  make(chan struct{}),
	}
	srv := httptest.NewServer(d.buildRouter())
	t.Cleanup(srv.Close)
	return d, srv, root
}

func memoryContent(id, title, body string) string {
	return fmt.Sprintf(`---
id: %s
tags: [daemon, testing]
scope: project
priority: 0.6
confidence: active
status: active
---

# %s

%s
`, id, title, body)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	d, srv, _ := setupDaemon(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var health map[string]any
	decodeBody(t, resp, &health)
	if health["status"] != "ok" {
		t.Errorf("status field = %v", health["status"])
	}
	if health["version"] != Version {
		t.Errorf("version = %v", health["version"])
	}
	for _, field := range []string{"uptime_seconds", "indexed_count", "baseline_tokens", "last_reindex", "watcher_active"} {
		if _, ok := health[field]; !ok {
			t.Errorf("health response missing %s", field)
		}
	}
	if health["indexed_count"] != float64(0) {
		t.Errorf("indexed_count = %v", health["indexed_count"])
	}
	if health["watcher_active"] != false {
		t.Errorf("watcher_active = %v", health["watcher_active"])
	}

	d.setState(StateStarting)
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("non-running daemon should report 503, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["code"] != "unavailable" {
		t.Errorf("envelope = %v", body)
	}
}

func TestStatus(t *testing.T) {
	_, srv, _ := setupDaemon(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["state"] != "running" {
		t.Errorf("state = %v", body["state"])
	}
	if body["embedder"] != "mock" {
		t.Errorf("embedder = %v", body["embedder"])
	}
	if body["indexed_count"] != float64(0) {
		t.Errorf("indexed_count = %v", body["indexed_count"])
	}
	if body["baseline_files"] != float64(0) {
		t.Errorf("baseline_files = %v", body["baseline_files"])
	}
	if _, ok := body["by_scope"]; !ok {
		t.Error("status response missing by_scope")
	}
	if _, ok := body["queue"]; !ok {
		t.Error("status response missing queue")
	}
}

func TestQueryEndpoint(t *testing.T) {
	d, srv, root := setupDaemon(t)
	ctx := context.Background()

	rel := "project/naming.md"
	abs := filepath.Join(root, rel)
	os.MkdirAll(filepath.Dir(abs), 0o755)
	os.WriteFile(abs, []byte(memoryContent("mem_2026_02_01_001", "Naming conventions",
		"Use snake case for file names because tooling splits on underscores.")), 0o644)
	if _, err := d.indexer.IndexFile(ctx, abs); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	resp := postJSON(t, srv.URL+"/query", map[string]any{"query": "how are files named"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Pack struct {
			Retrieved []struct {
				ID   string `json:"id"`
				Path string `json:"path"`
			} `json:"retrieved"`
		} `json:"pack"`
		Rendered string `json:"rendered"`
	}
	decodeBody(t, resp, &body)
	if len(body.Pack.Retrieved) != 1 || body.Pack.Retrieved[0].ID != "mem_2026_02_01_001" {
		t.Errorf("retrieved = %+v", body.Pack.Retrieved)
	}
	if body.Rendered == "" {
		t.Error("rendered pack should not be empty")
	}

	// Each served query lands in the usage log.
	stats, err := d.usage.GetStats(ctx, 5)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalQueries != 1 {
		t.Errorf("TotalQueries = %d", stats.TotalQueries)
	}
}

func TestQueryRequiresQuery(t *testing.T) {
	_, srv, _ := setupDaemon(t)
	resp := postJSON(t, srv.URL+"/query", map[string]any{"budget": 500})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["code"] != "bad_request" {
		t.Errorf("envelope = %v", body)
	}
}

func TestQueryIncludeDeprecated(t *testing.T) {
	d, srv, root := setupDaemon(t)
	ctx := context.Background()

	rel := "project/old_convention.md"
	abs := filepath.Join(root, rel)
	os.MkdirAll(filepath.Dir(abs), 0o755)
	os.WriteFile(abs, []byte(`---
id: mem_2026_02_01_009
tags: [daemon, testing]
scope: project
priority: 0.6
confidence: active
status: deprecated
---

# Old convention

Tabs over spaces was the rule before the formatter settled it.
`), 0o644)
	if _, err := d.indexer.IndexFile(ctx, abs); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	var body struct {
		Pack struct {
			Retrieved []struct {
				ID string `json:"id"`
			} `json:"retrieved"`
		} `json:"pack"`
	}

	resp := postJSON(t, srv.URL+"/query", map[string]any{"query": "tabs or spaces"})
	decodeBody(t, resp, &body)
	if len(body.Pack.Retrieved) != 0 {
		t.Errorf("default query surfaced deprecated memory: %+v", body.Pack.Retrieved)
	}

	resp = postJSON(t, srv.URL+"/query", map[string]any{"query": "tabs or spaces", "include_deprecated": true})
	decodeBody(t, resp, &body)
	if len(body.Pack.Retrieved) != 1 || body.Pack.Retrieved[0].ID != "mem_2026_02_01_009" {
		t.Errorf("include_deprecated should surface the memory, got %+v", body.Pack.Retrieved)
	}
}

func TestProposePrecheckReportsErrors(t *testing.T) {
	_, srv, _ := setupDaemon(t)

	resp := postJSON(t, srv.URL+"/write/propose", map[string]any{
		"type":        "create",
		"target_path": "project/broken.md",
		"content":     "no frontmatter here, just prose",
		"reason":      "test",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("propose status = %d; malformed content should still enqueue", resp.StatusCode)
	}
	var proposal proposeResponse
	decodeBody(t, resp, &proposal)
	if proposal.PrecheckPassed {
		t.Error("precheck passed for content with no header")
	}
	if len(proposal.PrecheckErrors) == 0 {
		t.Fatal("precheck_errors is empty")
	}
	if proposal.Status != string(queue.StatusPending) {
		t.Errorf("status = %s, want pending", proposal.Status)
	}
}

func TestProposePrecheckSkipsDeprecate(t *testing.T) {
	_, srv, _ := setupDaemon(t)

	resp := postJSON(t, srv.URL+"/write/propose", map[string]any{
		"type":        "deprecate",
		"target_path": "project/naming.md",
		"memory_id":   "mem_2026_02_01_001",
		"reason":      "superseded by the formatter",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("propose status = %d", resp.StatusCode)
	}
	var proposal proposeResponse
	decodeBody(t, resp, &proposal)
	if !proposal.PrecheckPassed || len(proposal.PrecheckErrors) != 0 {
		t.Errorf("content-free proposal should pass trivially: %+v", proposal)
	}
}

func TestProposalLifecycle(t *testing.T) {
	_, srv, root := setupDaemon(t)

	// Propose.
	resp := postJSON(t, srv.URL+"/write/propose", map[string]any{
		"type":        "create",
		"target_path": "project/review_rules.md",
		"content": memoryContent("mem_2026_02_01_002", "Review rules",
			"Request a second reviewer for schema changes because they are hard to revert."),
		"reason": "captures an agreed convention",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("propose status = %d", resp.StatusCode)
	}
	var proposal proposeResponse
	decodeBody(t, resp, &proposal)
	if proposal.ProposalID == "" || proposal.Status != string(queue.StatusPending) {
		t.Fatalf("proposal = %+v", proposal)
	}
	if !proposal.PrecheckPassed {
		t.Fatalf("clean content failed precheck: %+v", proposal.PrecheckErrors)
	}

	// Automated review approves clean content.
	resp = postJSON(t, srv.URL+"/review/process/"+proposal.ProposalID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review status = %d", resp.StatusCode)
	}
	var review reviewer.Result
	decodeBody(t, resp, &review)
	if review.Decision != reviewer.DecisionApprove {
		t.Fatalf("decision = %s, issues = %+v", review.Decision, review.Issues)
	}

	// Commit writes the file and closes out the proposal.
	resp = postJSON(t, srv.URL+"/commit/"+proposal.ProposalID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit status = %d", resp.StatusCode)
	}
	var res commit.Result
	decodeBody(t, resp, &res)
	if !res.Success {
		t.Fatalf("commit failed: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(root, "project/review_rules.md")); err != nil {
		t.Errorf("committed file missing: %v", err)
	}

	// History shows the full pending → committed walk.
	resp, err := http.Get(srv.URL + "/proposals/" + proposal.ProposalID)
	if err != nil {
		t.Fatalf("GET proposal: %v", err)
	}
	var detail struct {
		Proposal queue.Proposal       `json:"proposal"`
		History  []queue.HistoryEntry `json:"history"`
	}
	decodeBody(t, resp, &detail)
	if detail.Proposal.Status != queue.StatusCommitted {
		t.Errorf("final status = %s", detail.Proposal.Status)
	}
	if len(detail.History) != 4 {
		t.Errorf("history has %d entries, want 4", len(detail.History))
	}
}

func TestHumanRejectFromPending(t *testing.T) {
	_, srv, _ := setupDaemon(t)

	resp := postJSON(t, srv.URL+"/write/propose", map[string]any{
		"type":        "create",
		"target_path": "project/unwanted.md",
		"content":     memoryContent("mem_2026_02_01_003", "Unwanted rules", "Content that a human turns down directly."),
		"reason":      "speculative",
	})
	var proposal proposeResponse
	decodeBody(t, resp, &proposal)

	resp = postJSON(t, srv.URL+"/review/reject/"+proposal.ProposalID,
		map[string]string{"notes": "not a real convention", "actor": "reviewer-jo"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject status = %d", resp.StatusCode)
	}
	var rejected queue.Proposal
	decodeBody(t, resp, &rejected)
	if rejected.Status != queue.StatusRejected {
		t.Errorf("status = %s", rejected.Status)
	}
}

func TestProposalNotFound(t *testing.T) {
	_, srv, _ := setupDaemon(t)
	resp, err := http.Get(srv.URL + "/proposals/prop_missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["code"] != "not_found" {
		t.Errorf("envelope = %v", body)
	}
}

func TestListProposalsByStatus(t *testing.T) {
	_, srv, _ := setupDaemon(t)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/write/propose", map[string]any{
			"type":        "create",
			"target_path": fmt.Sprintf("project/mem_%d.md", i),
			"content":     memoryContent(fmt.Sprintf("mem_2026_02_01_00%d", i+1), "Some rules", "Body content with enough words here."),
			"reason":      "test",
		})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/proposals?status=pending")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &body)
	if body.Count != 2 {
		t.Errorf("count = %d", body.Count)
	}

	resp, err = http.Get(srv.URL + "/proposals?status=committed")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	decodeBody(t, resp, &body)
	if body.Count != 0 {
		t.Errorf("committed count = %d", body.Count)
	}
}

func TestPathTo(t *testing.T) {
	cases := []struct {
		from   queue.Status
		target queue.Status
		want   int
	}{
		{queue.StatusPending, queue.StatusApproved, 2},
		{queue.StatusInReview, queue.StatusApproved, 1},
		{queue.StatusDeferred, queue.StatusRejected, 3},
		{queue.StatusFailed, queue.StatusApproved, 3},
	}
	for _, tc := range cases {
		steps := pathTo(tc.from, tc.target)
		if len(steps) != tc.want {
			t.Errorf("pathTo(%s, %s) = %v", tc.from, tc.target, steps)
		}
		if steps[len(steps)-1] != tc.target {
			t.Errorf("pathTo(%s, %s) does not end at the target", tc.from, tc.target)
		}
	}
}

func TestShutdownEndpoint(t *testing.T) {
	d, srv, _ := setupDaemon(t)
	resp := postJSON(t, srv.URL+"/shutdown", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	select {
	case <-d.shutdown:
	case <-time.After(2 * time.Second):
		t.Error("shutdown channel never closed")
	}
}

package commit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmm-sh/dmm/internal/baseline"
	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/db"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/indexer"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/queue"
	"github.com/dmm-sh/dmm/internal/store"
)

func testLimits() config.ValidationConfig {
	return config.ValidationConfig{MinTokens: 5, MaxTokens: 100, MaxHardTokens: 200}
}

func setupEngine(t *testing.T) (*Engine, *queue.Queue, *store.Store, string) {
	t.Helper()
	root := t.TempDir()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	s, err := store.New(database)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	q := queue.New(database)
	e := embeddings.NewMemoryEmbedder(embeddings.NewMockEmbedder(32))
	ix := indexer.New(config.DefaultConfig(), root, parser.New(testLimits()), e, s)
	bm := baseline.NewManager(s, filepath.Join(root, ".cache", "baseline_pack.json"), 800)
	return New(root, testLimits(), q, s, ix, bm), q, s, root
}

func memoryContent(id, scope, title, body string) string {
	return fmt.Sprintf(`---
id: %s
tags: [commits, testing]
scope: %s
priority: 0.6
confidence: active
status: active
---

# %s

%s
`, id, scope, title, body)
}

func approvedProposal(t *testing.T, q *queue.Queue, p *queue.Proposal) string {
	t.Helper()
	ctx := context.Background()
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for _, to := range []queue.Status{queue.StatusInReview, queue.StatusApproved} {
		if err := q.UpdateStatus(ctx, p.ProposalID, to, "test", ""); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}
	return p.ProposalID
}

func writeMemory(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestCommitCreate(t *testing.T) {
	e, q, s, root := setupEngine(t)
	ctx := context.Background()

	content := memoryContent("mem_2026_02_01_001", "project", "Commit rules",
		"Squash fixups before merging because history reads better linear.")
	id := approvedProposal(t, q, &queue.Proposal{
		Type: queue.TypeCreate, TargetPath: "project/commit_rules.md",
		Content: content, ProposedBy: "agent-1",
	})

	res, err := e.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.Success {
		t.Fatalf("commit failed: %s", res.Error)
	}
	if res.MemoryPath != "project/commit_rules.md" {
		t.Errorf("MemoryPath = %q", res.MemoryPath)
	}

	raw, err := os.ReadFile(filepath.Join(root, "project/commit_rules.md"))
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if string(raw) != content {
		t.Error("file content differs from proposal content")
	}

	p, _ := q.Get(ctx, id)
	if p.Status != queue.StatusCommitted {
		t.Errorf("status = %s", p.Status)
	}
	m, err := s.GetByPath(ctx, "project/commit_rules.md")
	if err != nil || m == nil {
		t.Fatalf("committed file not indexed: %v", err)
	}
	if res.MemoryID != m.ID {
		t.Errorf("MemoryID = %q, want %q", res.MemoryID, m.ID)
	}
}

func TestCommitCreateExistingFile(t *testing.T) {
	e, q, _, root := setupEngine(t)
	ctx := context.Background()

	writeMemory(t, root, "project/taken.md", "already here")
	id := approvedProposal(t, q, &queue.Proposal{
		Type: queue.TypeCreate, TargetPath: "project/taken.md",
		Content: memoryContent("mem_2026_02_01_001", "project", "Taken", "Body text goes here for tokens."),
	})

	res, err := e.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Success {
		t.Fatal("creating over an existing file should fail")
	}
	if !strings.Contains(res.Error, "already exists") {
		t.Errorf("error = %q", res.Error)
	}

	p, _ := q.Get(ctx, id)
	if p.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", p.Status)
	}
	if p.CommitError == "" {
		t.Error("commit_error should be recorded")
	}
	// The original file is untouched.
	raw, _ := os.ReadFile(filepath.Join(root, "project/taken.md"))
	if string(raw) != "already here" {
		t.Errorf("original file was modified: %q", raw)
	}
}

func TestCommitRequiresApprovedStatus(t *testing.T) {
	e, q, _, _ := setupEngine(t)
	ctx := context.Background()

	p := &queue.Proposal{
		Type: queue.TypeCreate, TargetPath: "project/x.md",
		Content: memoryContent("mem_2026_02_01_001", "project", "X rules", "Body text goes here for tokens."),
	}
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := e.Commit(ctx, p.ProposalID); err == nil {
		t.Error("committing a pending proposal should error")
	}
}

func TestCommitUpdate(t *testing.T) {
	e, q, _, root := setupEngine(t)
	ctx := context.Background()

	original := memoryContent("mem_2026_02_01_001", "project", "Old title", "The first version of this memory.")
	writeMemory(t, root, "project/doc.md", original)

	updated := memoryContent("mem_2026_02_01_001", "project", "New title", "The second version replaces the first entirely.")
	id := approvedProposal(t, q, &queue.Proposal{
		Type: queue.TypeUpdate, TargetPath: "project/doc.md", Content: updated,
	})

	res, err := e.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.Success {
		t.Fatalf("commit failed: %s", res.Error)
	}
	raw, _ := os.ReadFile(filepath.Join(root, "project/doc.md"))
	if string(raw) != updated {
		t.Error("file not overwritten with updated content")
	}
}

func TestCommitUpdatePreflightFailure(t *testing.T) {
	e, q, _, root := setupEngine(t)
	ctx := context.Background()

	original := memoryContent("mem_2026_02_01_001", "project", "Old title", "The first version of this memory.")
	writeMemory(t, root, "project/doc.md", original)

	id := approvedProposal(t, q, &queue.Proposal{
		Type: queue.TypeUpdate, TargetPath: "project/doc.md", Content: "not a memory file",
	})
	res, err := e.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Success {
		t.Fatal("unparsable content should fail preflight")
	}
	raw, _ := os.ReadFile(filepath.Join(root, "project/doc.md"))
	if string(raw) != original {
		t.Error("failed update must leave the original intact")
	}
}

func TestCommitDeprecate(t *testing.T) {
	e, q, s, root := setupEngine(t)
	ctx := context.Background()

	writeMemory(t, root, "project/old.md",
		memoryContent("mem_2026_02_01_001", "project", "Old guidance", "This guidance no longer applies to anything."))

	id := approvedProposal(t, q, &queue.Proposal{
		Type: queue.TypeDeprecate, TargetPath: "project/old.md",
		Reason: "superseded by the new pipeline",
	})
	res, err := e.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.Success {
		t.Fatalf("commit failed: %s", res.Error)
	}
	if res.MemoryPath != "deprecated/project/old.md" {
		t.Errorf("MemoryPath = %q", res.MemoryPath)
	}

	if _, err := os.Stat(filepath.Join(root, "project/old.md")); !os.IsNotExist(err) {
		t.Error("original file should be gone")
	}
	raw, err := os.ReadFile(filepath.Join(root, "deprecated/project/old.md"))
	if err != nil {
		t.Fatalf("reading moved file: %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, "status: deprecated") {
		t.Errorf("moved file keeps active status:\n%s", text)
	}
	if !strings.Contains(text, "deprecation_reason") || !strings.Contains(text, "superseded by the new pipeline") {
		t.Errorf("deprecation reason missing:\n%s", text)
	}
	if m, _ := s.GetByPath(ctx, "project/old.md"); m != nil {
		t.Error("old path should be removed from the index")
	}
}

func TestCommitPromote(t *testing.T) {
	e, q, s, root := setupEngine(t)
	ctx := context.Background()

	writeMemory(t, root, "project/naming.md",
		memoryContent("mem_2026_02_01_001", "project", "Naming conventions", "Use snake case for file names everywhere."))

	id := approvedProposal(t, q, &queue.Proposal{
		Type: queue.TypePromote, TargetPath: "project/naming.md", NewScope: "global",
	})
	res, err := e.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.Success {
		t.Fatalf("commit failed: %s", res.Error)
	}
	if res.MemoryPath != "global/naming.md" {
		t.Errorf("MemoryPath = %q", res.MemoryPath)
	}

	raw, err := os.ReadFile(filepath.Join(root, "global/naming.md"))
	if err != nil {
		t.Fatalf("reading promoted file: %v", err)
	}
	if !strings.Contains(string(raw), "scope: global") {
		t.Errorf("promoted file keeps old scope:\n%s", raw)
	}
	m, err := s.GetByPath(ctx, "global/naming.md")
	if err != nil || m == nil {
		t.Fatalf("promoted file not indexed: %v", err)
	}
	if m, _ := s.GetByPath(ctx, "project/naming.md"); m != nil {
		t.Error("old path should be removed from the index")
	}
}

func TestCommitPromoteInvalidScope(t *testing.T) {
	e, q, _, root := setupEngine(t)
	ctx := context.Background()

	writeMemory(t, root, "project/naming.md",
		memoryContent("mem_2026_02_01_001", "project", "Naming conventions", "Use snake case for file names everywhere."))

	id := approvedProposal(t, q, &queue.Proposal{
		Type: queue.TypePromote, TargetPath: "project/naming.md", NewScope: "cosmic",
	})
	res, err := e.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Success {
		t.Fatal("invalid scope should fail the commit")
	}
	if _, err := os.Stat(filepath.Join(root, "project/naming.md")); err != nil {
		t.Error("original file must remain in place")
	}
}

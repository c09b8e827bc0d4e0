package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/dmm-sh/dmm/internal/db"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func newTestProposal(id string) *Proposal {
	return &Proposal{
		ProposalID: id,
		Type:       TypeCreate,
		TargetPath: "project/new_memory.md",
		Reason:     "captures an agreed convention",
		Content:    "---\nid: mem_2026_01_15_001\n---\n\nbody\n",
		ProposedBy: "agent-1",
	}
}

func TestEnqueueAndGet(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if p.ProposalID == "" {
		t.Fatal("Enqueue should assign an id")
	}
	if p.Status != StatusPending {
		t.Errorf("status = %s, want pending", p.Status)
	}

	got, err := q.Get(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TargetPath != p.TargetPath || got.ProposedBy != "agent-1" {
		t.Errorf("Get = %+v", got)
	}

	if _, err := q.Get(ctx, "prop_nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id should return ErrNotFound, got %v", err)
	}
}

func TestEnqueueDuplicateID(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newTestProposal("prop_fixed")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	err := q.Enqueue(ctx, newTestProposal("prop_fixed"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate id should return ErrDuplicateID, got %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	bad := newTestProposal("")
	bad.Type = "rename"
	if err := q.Enqueue(ctx, bad); err == nil {
		t.Error("unknown type should fail")
	}

	noPath := newTestProposal("")
	noPath.TargetPath = ""
	if err := q.Enqueue(ctx, noPath); err == nil {
		t.Error("missing target path should fail")
	}
}

func TestStatusTransitions(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id := p.ProposalID

	steps := []Status{StatusInReview, StatusApproved, StatusCommitted}
	for _, to := range steps {
		if err := q.UpdateStatus(ctx, id, to, "test", ""); err != nil {
			t.Fatalf("UpdateStatus to %s: %v", to, err)
		}
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusCommitted {
		t.Errorf("status = %s", got.Status)
	}
	if got.CommittedAt == nil {
		t.Error("committed proposal should record committed_at")
	}
}

func TestInvalidTransitions(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	q.Enqueue(ctx, p)

	// pending can only go to in_review.
	for _, to := range []Status{StatusApproved, StatusCommitted, StatusRejected, StatusDeferred} {
		if err := q.UpdateStatus(ctx, p.ProposalID, to, "test", ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("pending -> %s should be invalid, got %v", to, err)
		}
	}

	// Terminal statuses admit nothing.
	q.UpdateStatus(ctx, p.ProposalID, StatusInReview, "test", "")
	q.UpdateStatus(ctx, p.ProposalID, StatusRejected, "test", "")
	if err := q.UpdateStatus(ctx, p.ProposalID, StatusPending, "test", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("rejected is terminal, got %v", err)
	}
}

func TestDeferredAndFailedReturnToPending(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	q.Enqueue(ctx, p)
	id := p.ProposalID

	for _, to := range []Status{StatusInReview, StatusDeferred, StatusPending, StatusInReview, StatusApproved, StatusFailed, StatusPending} {
		if err := q.UpdateStatus(ctx, id, to, "test", ""); err != nil {
			t.Fatalf("UpdateStatus to %s: %v", to, err)
		}
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusPending {
		t.Errorf("status = %s", got.Status)
	}
}

func TestHistoryRecordsEveryChange(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	q.Enqueue(ctx, p)
	q.UpdateStatus(ctx, p.ProposalID, StatusInReview, "reviewer", "")
	q.UpdateStatus(ctx, p.ProposalID, StatusApproved, "human", "looks right")

	history, err := q.GetHistory(ctx, p.ProposalID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d history rows, want 3", len(history))
	}
	if history[0].ToStatus != StatusPending || history[0].FromStatus != "" {
		t.Errorf("first row = %+v", history[0])
	}
	if history[2].Actor != "human" || history[2].Notes != "looks right" {
		t.Errorf("last row = %+v", history[2])
	}
}

func TestHasPendingForPath(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	q.Enqueue(ctx, p)

	has, err := q.HasPendingForPath(ctx, p.TargetPath)
	if err != nil || !has {
		t.Errorf("HasPendingForPath = %v, %v", has, err)
	}
	has, _ = q.HasPendingForPath(ctx, "project/other.md")
	if has {
		t.Error("unrelated path should have no pending proposal")
	}

	// Terminal statuses do not count.
	q.UpdateStatus(ctx, p.ProposalID, StatusInReview, "t", "")
	q.UpdateStatus(ctx, p.ProposalID, StatusRejected, "t", "")
	has, _ = q.HasPendingForPath(ctx, p.TargetPath)
	if has {
		t.Error("rejected proposal should not count as pending")
	}
}

func TestRetryAndCommitError(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	q.Enqueue(ctx, p)
	q.UpdateStatus(ctx, p.ProposalID, StatusInReview, "t", "")
	q.UpdateStatus(ctx, p.ProposalID, StatusApproved, "t", "")

	n, err := q.IncrementRetry(ctx, p.ProposalID)
	if err != nil || n != 1 {
		t.Errorf("IncrementRetry = %d, %v", n, err)
	}

	if err := q.SetCommitError(ctx, p.ProposalID, "disk full", "commit-engine"); err != nil {
		t.Fatalf("SetCommitError: %v", err)
	}
	got, _ := q.Get(ctx, p.ProposalID)
	if got.Status != StatusFailed || got.CommitError != "disk full" {
		t.Errorf("after commit error: %+v", got)
	}
}

func TestGetPendingAndStats(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	a := newTestProposal("")
	b := newTestProposal("")
	b.TargetPath = "project/second.md"
	q.Enqueue(ctx, a)
	q.Enqueue(ctx, b)
	q.UpdateStatus(ctx, b.ProposalID, StatusInReview, "t", "")

	pending, err := q.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ProposalID != a.ProposalID {
		t.Errorf("pending = %+v", pending)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[StatusPending] != 1 || stats[StatusInReview] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestDelete(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	p := newTestProposal("")
	q.Enqueue(ctx, p)
	if err := q.Delete(ctx, p.ProposalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := q.Get(ctx, p.ProposalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted proposal should be gone, got %v", err)
	}
	if err := q.Delete(ctx, p.ProposalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should return ErrNotFound, got %v", err)
	}
}

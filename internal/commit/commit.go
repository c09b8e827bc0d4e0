// Package commit applies approved proposals to the memory tree. Every
// write goes through an atomic rename; originals are snapshotted before
// any change so a failed update, deprecate, or promote can be rolled
// back. A reindex failure is reported on the result but never undoes the
// file change.
package commit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/dmm-sh/dmm/internal/baseline"
	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/indexer"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/queue"
	"github.com/dmm-sh/dmm/internal/store"
)

const actor = "commit-engine"

// Result reports the outcome of one commit.
type Result struct {
	Success           bool   `json:"success"`
	MemoryID          string `json:"memory_id,omitempty"`
	MemoryPath        string `json:"memory_path,omitempty"`
	Error             string `json:"error,omitempty"`
	RollbackPerformed bool   `json:"rollback_performed"`
	RollbackSuccess   bool   `json:"rollback_success,omitempty"`
	CommitDurationMS  int64  `json:"commit_duration_ms"`
	ReindexDurationMS int64  `json:"reindex_duration_ms"`
}

// Engine materializes approved proposals.
type Engine struct {
	root     string // memory root on disk
	limits   config.ValidationConfig
	queue    *queue.Queue
	store    *store.Store
	indexer  *indexer.Indexer
	baseline *baseline.Manager
}

// New creates an Engine writing under memoryRoot.
func New(memoryRoot string, limits config.ValidationConfig, q *queue.Queue, s *store.Store, ix *indexer.Indexer, bm *baseline.Manager) *Engine {
	return &Engine{
		root:     memoryRoot,
		limits:   limits,
		queue:    q,
		store:    s,
		indexer:  ix,
		baseline: bm,
	}
}

// Commit applies one approved proposal. The returned error covers
// infrastructure failures; proposal-level failures are reported on the
// Result with the proposal moved to failed status.
func (e *Engine) Commit(ctx context.Context, proposalID string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	p, err := e.queue.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != queue.StatusApproved {
		return nil, fmt.Errorf("commit %s: status is %s, want approved", proposalID, p.Status)
	}

	oldRel, newRel, err := e.materialize(ctx, p, result)
	result.CommitDurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		if qerr := e.queue.SetCommitError(ctx, proposalID, err.Error(), actor); qerr != nil {
			return result, qerr
		}
		return result, nil
	}
	result.Success = true
	result.MemoryPath = newRel

	// Reindex the affected paths. Failure stands alone: the file change is
	// already durable.
	reindexStart := time.Now()
	var reindexErr error
	if oldRel != "" && oldRel != newRel {
		reindexErr = e.indexer.DeleteFile(ctx, filepath.Join(e.root, oldRel))
	}
	if reindexErr == nil {
		_, reindexErr = e.indexer.IndexFile(ctx, filepath.Join(e.root, newRel))
	}
	result.ReindexDurationMS = time.Since(reindexStart).Milliseconds()
	if reindexErr != nil {
		result.Error = fmt.Sprintf("reindex after commit: %v", reindexErr)
	}
	if m, err := e.store.GetByPath(ctx, newRel); err == nil && m != nil {
		result.MemoryID = m.ID
	}

	if isBaselinePath(oldRel) || isBaselinePath(newRel) {
		e.baseline.Invalidate()
	}

	if err := e.queue.UpdateStatus(ctx, proposalID, queue.StatusCommitted, actor, ""); err != nil {
		return result, err
	}
	return result, nil
}

// materialize performs the type-specific file operation and returns the
// old and new relative paths (old is empty for create).
func (e *Engine) materialize(ctx context.Context, p *queue.Proposal, result *Result) (oldRel, newRel string, err error) {
	switch p.Type {
	case queue.TypeCreate:
		newRel, err = e.create(p)
		return "", newRel, err
	case queue.TypeUpdate:
		return e.update(ctx, p, result)
	case queue.TypeDeprecate:
		return e.deprecate(ctx, p, result)
	case queue.TypePromote:
		return e.promote(ctx, p, result)
	default:
		return "", "", fmt.Errorf("unknown proposal type %q", p.Type)
	}
}

func (e *Engine) create(p *queue.Proposal) (string, error) {
	if err := e.preflightContent(p.Content, p.TargetPath); err != nil {
		return "", err
	}
	abs := filepath.Join(e.root, p.TargetPath)
	if _, err := os.Stat(abs); err == nil {
		return "", fmt.Errorf("create %s: file already exists", p.TargetPath)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("create %s: %w", p.TargetPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", p.TargetPath, err)
	}
	if err := atomic.WriteFile(abs, strings.NewReader(p.Content)); err != nil {
		return "", fmt.Errorf("create %s: %w", p.TargetPath, err)
	}
	return p.TargetPath, nil
}

func (e *Engine) update(ctx context.Context, p *queue.Proposal, result *Result) (string, string, error) {
	if err := e.preflightContent(p.Content, p.TargetPath); err != nil {
		return "", "", err
	}
	rel, err := e.resolvePath(ctx, p)
	if err != nil {
		return "", "", err
	}
	abs := filepath.Join(e.root, rel)
	snapshot, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("update %s: reading original: %w", rel, err)
	}
	if err := atomic.WriteFile(abs, strings.NewReader(p.Content)); err != nil {
		e.rollback(result, abs, snapshot)
		return "", "", fmt.Errorf("update %s: %w", rel, err)
	}
	return rel, rel, nil
}

func (e *Engine) deprecate(ctx context.Context, p *queue.Proposal, result *Result) (string, string, error) {
	rel, err := e.resolvePath(ctx, p)
	if err != nil {
		return "", "", err
	}
	abs := filepath.Join(e.root, rel)
	snapshot, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("deprecate %s: reading original: %w", rel, err)
	}

	mf, err := e.parseSnapshot(snapshot, rel)
	if err != nil {
		return "", "", fmt.Errorf("deprecate %s: %w", rel, err)
	}
	mf.Header.Status = memory.StatusDeprecated
	if mf.Header.Extra == nil {
		mf.Header.Extra = map[string]any{}
	}
	mf.Header.Extra["deprecated_at"] = time.Now().UTC().Format("2006-01-02")
	if p.Reason != "" {
		mf.Header.Extra["deprecation_reason"] = p.Reason
	}
	serialized, err := mf.Serialize()
	if err != nil {
		return "", "", fmt.Errorf("deprecate %s: %w", rel, err)
	}

	destRel := filepath.ToSlash(filepath.Join("deprecated", rel))
	destAbs := filepath.Join(e.root, destRel)
	if _, err := os.Stat(destAbs); err == nil {
		suffix := time.Now().UTC().Format("20060102T150405")
		ext := filepath.Ext(destRel)
		destRel = strings.TrimSuffix(destRel, ext) + "_" + suffix + ext
		destAbs = filepath.Join(e.root, destRel)
	}
	if err := e.moveWithContent(abs, destAbs, serialized); err != nil {
		e.rollback(result, abs, snapshot)
		return "", "", fmt.Errorf("deprecate %s: %w", rel, err)
	}
	return rel, destRel, nil
}

func (e *Engine) promote(ctx context.Context, p *queue.Proposal, result *Result) (string, string, error) {
	newScope := memory.Scope(p.NewScope)
	if !newScope.Valid() {
		return "", "", fmt.Errorf("promote: invalid target scope %q", p.NewScope)
	}
	rel, err := e.resolvePath(ctx, p)
	if err != nil {
		return "", "", err
	}
	abs := filepath.Join(e.root, rel)
	snapshot, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("promote %s: reading original: %w", rel, err)
	}

	mf, err := e.parseSnapshot(snapshot, rel)
	if err != nil {
		return "", "", fmt.Errorf("promote %s: %w", rel, err)
	}
	mf.Header.Scope = newScope
	serialized, err := mf.Serialize()
	if err != nil {
		return "", "", fmt.Errorf("promote %s: %w", rel, err)
	}

	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	rest := parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	destRel := filepath.ToSlash(filepath.Join(string(newScope), rest))
	destAbs := filepath.Join(e.root, destRel)
	if _, err := os.Stat(destAbs); err == nil {
		return "", "", fmt.Errorf("promote %s: destination %s already exists", rel, destRel)
	}
	if err := e.moveWithContent(abs, destAbs, serialized); err != nil {
		e.rollback(result, abs, snapshot)
		return "", "", fmt.Errorf("promote %s: %w", rel, err)
	}
	return rel, destRel, nil
}

// preflightContent re-parses the proposal content. A proposal that passed
// review can still fail here when the index changed underneath it.
func (e *Engine) preflightContent(content, targetPath string) error {
	res := parser.New(e.limits).Parse([]byte(content), targetPath)
	if !res.OK() {
		return fmt.Errorf("preflight: %w", res.Err)
	}
	return nil
}

// resolvePath finds the current on-disk relative path for the proposal's
// subject, preferring the indexed record over the target path.
func (e *Engine) resolvePath(ctx context.Context, p *queue.Proposal) (string, error) {
	if p.MemoryID != "" {
		m, err := e.store.GetByID(ctx, p.MemoryID)
		if err != nil {
			return "", err
		}
		if m != nil {
			return m.RelPath, nil
		}
	}
	m, err := e.store.GetByPath(ctx, p.TargetPath)
	if err != nil {
		return "", err
	}
	if m != nil {
		return m.RelPath, nil
	}
	abs := filepath.Join(e.root, p.TargetPath)
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("no memory found at %s", p.TargetPath)
	}
	return p.TargetPath, nil
}

func (e *Engine) parseSnapshot(raw []byte, rel string) (*memory.MemoryFile, error) {
	res := parser.New(e.limits).Parse(raw, rel)
	if !res.OK() {
		return nil, fmt.Errorf("original file no longer parses: %w", res.Err)
	}
	return res.Memory, nil
}

// moveWithContent writes the (possibly rewritten) content to dest and
// removes the source. The write lands first so a crash between the two
// steps leaves a duplicate, never a loss.
func (e *Engine) moveWithContent(srcAbs, destAbs string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(destAbs), 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(destAbs, bytes.NewReader(content)); err != nil {
		return err
	}
	if err := os.Remove(srcAbs); err != nil {
		return fmt.Errorf("removing original after move: %w", err)
	}
	return nil
}

func (e *Engine) rollback(result *Result, abs string, snapshot []byte) {
	result.RollbackPerformed = true
	err := atomic.WriteFile(abs, bytes.NewReader(snapshot))
	result.RollbackSuccess = err == nil
}

func isBaselinePath(rel string) bool {
	return strings.HasPrefix(filepath.ToSlash(rel), "baseline/")
}

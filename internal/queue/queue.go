// Package queue is the durable proposal queue backing the write-back
// pipeline. Proposals move through a fixed status graph and every change
// is recorded in an audit history table.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmm-sh/dmm/internal/db"
)

var (
	// ErrNotFound is returned when a proposal id does not exist.
	ErrNotFound = errors.New("proposal not found")
	// ErrDuplicateID is returned when enqueueing an id already present.
	ErrDuplicateID = errors.New("proposal id already exists")
	// ErrInvalidTransition is returned for status changes outside the graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Queue stores proposals in the shared database.
type Queue struct {
	db *db.DB
}

// New creates a Queue over an opened database.
func New(database *db.DB) *Queue {
	return &Queue{db: database}
}

// NewProposalID returns a fresh proposal identifier.
func NewProposalID() string {
	return "prop_" + uuid.NewString()
}

// Enqueue inserts a new proposal in pending status. The proposal's
// ProposalID must be unique; an empty one is generated.
func (q *Queue) Enqueue(ctx context.Context, p *Proposal) error {
	if !p.Type.Valid() {
		return fmt.Errorf("enqueue: invalid proposal type %q", p.Type)
	}
	if p.TargetPath == "" {
		return fmt.Errorf("enqueue: target path is required")
	}
	if p.ProposalID == "" {
		p.ProposalID = NewProposalID()
	}
	now := time.Now().UTC()
	p.Status = StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO proposals
		 (proposal_id, type, target_path, reason, content, memory_id, new_scope,
		  proposed_by, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ProposalID, string(p.Type), p.TargetPath, p.Reason, p.Content,
		nullable(p.MemoryID), nullable(p.NewScope), p.ProposedBy,
		string(StatusPending), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("enqueue %s: %w", p.ProposalID, ErrDuplicateID)
		}
		return fmt.Errorf("enqueue %s: %w", p.ProposalID, err)
	}
	if err := recordHistory(ctx, tx, p.ProposalID, "", StatusPending, p.ProposedBy, "proposal created"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("enqueue %s: %w", p.ProposalID, err)
	}
	return nil
}

// Get returns one proposal by id.
func (q *Queue) Get(ctx context.Context, id string) (*Proposal, error) {
	row := q.db.QueryRowContext(ctx, selectProposal+` WHERE proposal_id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return p, nil
}

// GetByStatus returns proposals in a given status, oldest first.
func (q *Queue) GetByStatus(ctx context.Context, status Status) ([]*Proposal, error) {
	rows, err := q.db.QueryContext(ctx,
		selectProposal+` WHERE status = ? ORDER BY created_at, proposal_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("get by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanProposals(rows)
}

// GetPending returns proposals awaiting review, oldest first.
func (q *Queue) GetPending(ctx context.Context) ([]*Proposal, error) {
	return q.GetByStatus(ctx, StatusPending)
}

// GetAll returns every proposal, newest first.
func (q *Queue) GetAll(ctx context.Context) ([]*Proposal, error) {
	rows, err := q.db.QueryContext(ctx,
		selectProposal+` ORDER BY created_at DESC, proposal_id`)
	if err != nil {
		return nil, fmt.Errorf("get all proposals: %w", err)
	}
	defer rows.Close()
	return scanProposals(rows)
}

// GetByPath returns proposals targeting a given path, newest first.
func (q *Queue) GetByPath(ctx context.Context, targetPath string) ([]*Proposal, error) {
	rows, err := q.db.QueryContext(ctx,
		selectProposal+` WHERE target_path = ? ORDER BY created_at DESC, proposal_id`, targetPath)
	if err != nil {
		return nil, fmt.Errorf("get by path %s: %w", targetPath, err)
	}
	defer rows.Close()
	return scanProposals(rows)
}

// HasPendingForPath reports whether an unresolved proposal already targets
// the given path. Terminal statuses do not count.
func (q *Queue) HasPendingForPath(ctx context.Context, targetPath string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals
		 WHERE target_path = ? AND status IN ('pending','in_review','approved','deferred','failed')`,
		targetPath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pending for path %s: %w", targetPath, err)
	}
	return n > 0, nil
}

// UpdateStatus moves a proposal to a new status, enforcing the transition
// graph and appending an audit record.
func (q *Queue) UpdateStatus(ctx context.Context, id string, to Status, actor, notes string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM proposals WHERE proposal_id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return fmt.Errorf("update status %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if !CanTransition(Status(from), to) {
		return fmt.Errorf("update status %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	if to == StatusCommitted {
		_, err = tx.ExecContext(ctx,
			`UPDATE proposals SET status = ?, updated_at = ?, committed_at = ? WHERE proposal_id = ?`,
			string(to), now, now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE proposals SET status = ?, updated_at = ? WHERE proposal_id = ?`,
			string(to), now, id)
	}
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if notes != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE proposals SET reviewer_notes = ? WHERE proposal_id = ?`, notes, id); err != nil {
			return fmt.Errorf("update status %s: %w", id, err)
		}
	}
	if err := recordHistory(ctx, tx, id, Status(from), to, actor, notes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return nil
}

// UpdateContent replaces a proposal's content during a modified-review
// cycle. Only non-terminal proposals may be edited.
func (q *Queue) UpdateContent(ctx context.Context, id, content string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE proposals SET content = ?, updated_at = ?
		 WHERE proposal_id = ? AND status NOT IN ('committed','rejected')`,
		content, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update content %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update content %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementRetry bumps the retry counter after a failed commit.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (int, error) {
	_, err := q.db.ExecContext(ctx,
		`UPDATE proposals SET retry_count = retry_count + 1, updated_at = ? WHERE proposal_id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, err)
	}
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT retry_count FROM proposals WHERE proposal_id = ?`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, err)
	}
	return n, nil
}

// SetCommitError records why a commit failed and moves the proposal to
// failed status.
func (q *Queue) SetCommitError(ctx context.Context, id, commitErr, actor string) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE proposals SET commit_error = ? WHERE proposal_id = ?`, commitErr, id); err != nil {
		return fmt.Errorf("set commit error %s: %w", id, err)
	}
	return q.UpdateStatus(ctx, id, StatusFailed, actor, commitErr)
}

// Delete removes a proposal and its history.
func (q *Queue) Delete(ctx context.Context, id string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM proposal_history WHERE proposal_id = ?`, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM proposals WHERE proposal_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// GetHistory returns the audit trail for a proposal, oldest first.
func (q *Queue) GetHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT proposal_id, from_status, to_status, actor, notes, created_at
		 FROM proposal_history WHERE proposal_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var from, to string
		if err := rows.Scan(&h.ProposalID, &from, &to, &h.Actor, &h.Notes, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("history %s: %w", id, err)
		}
		h.FromStatus, h.ToStatus = Status(from), Status(to)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Stats returns proposal counts per status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		stats[Status(s)] = n
	}
	return stats, rows.Err()
}

const selectProposal = `SELECT proposal_id, type, target_path, reason, content,
	memory_id, new_scope, proposed_by, status, retry_count,
	reviewer_notes, commit_error, created_at, updated_at, committed_at
	FROM proposals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var p Proposal
	var typ, status string
	var memoryID, newScope, reviewerNotes, commitError sql.NullString
	var committedAt sql.NullTime
	err := row.Scan(&p.ProposalID, &typ, &p.TargetPath, &p.Reason, &p.Content,
		&memoryID, &newScope, &p.ProposedBy, &status, &p.RetryCount,
		&reviewerNotes, &commitError, &p.CreatedAt, &p.UpdatedAt, &committedAt)
	if err != nil {
		return nil, err
	}
	p.Type = Type(typ)
	p.Status = Status(status)
	p.MemoryID = memoryID.String
	p.NewScope = newScope.String
	p.ReviewerNotes = reviewerNotes.String
	p.CommitError = commitError.String
	if committedAt.Valid {
		t := committedAt.Time
		p.CommittedAt = &t
	}
	return &p, nil
}

func scanProposals(rows *sql.Rows) ([]*Proposal, error) {
	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func recordHistory(ctx context.Context, tx *sql.Tx, id string, from, to Status, actor, notes string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO proposal_history (proposal_id, from_status, to_status, actor, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(from), string(to), actor, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording history for %s: %w", id, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

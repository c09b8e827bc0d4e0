// Package usage records which memories each query retrieved. The query
// log keeps raw history; per-memory counters and pairwise co-occurrence
// feed usage reports and future pruning decisions.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmm-sh/dmm/internal/db"
)

// Tracker persists query and retrieval statistics.
type Tracker struct {
	db *db.DB
}

// New creates a Tracker over an opened database.
func New(database *db.DB) *Tracker {
	return &Tracker{db: database}
}

// QueryRecord is one logged retrieval.
type QueryRecord struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	Budget       int       `json:"budget"`
	RetrievedIDs []string  `json:"retrieved_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

// MemoryUsage is the accumulated stats for one memory.
type MemoryUsage struct {
	MemoryID       string         `json:"memory_id"`
	RetrievalCount int            `json:"retrieval_count"`
	FirstUsed      *time.Time     `json:"first_used,omitempty"`
	LastUsed       *time.Time     `json:"last_used,omitempty"`
	CoOccurrence   map[string]int `json:"co_occurrence,omitempty"`
}

// Stats is the aggregate view served by the usage endpoint.
type Stats struct {
	TotalQueries  int           `json:"total_queries"`
	TrackedCount  int           `json:"tracked_count"`
	TopUsed       []MemoryUsage `json:"top_used,omitempty"`
	LastQueriedAt *time.Time    `json:"last_queried_at,omitempty"`
}

// RecordQuery logs one query and bumps the counters of every retrieved
// memory, including pairwise co-occurrence.
func (t *Tracker) RecordQuery(ctx context.Context, query string, budget int, retrievedIDs []string) error {
	now := time.Now().UTC()
	ids, err := json.Marshal(retrievedIDs)
	if err != nil {
		return fmt.Errorf("usage: encoding retrieved ids: %w", err)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("usage: record query: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO query_log (id, query, budget, retrieved_ids, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), query, budget, string(ids), now)
	if err != nil {
		return fmt.Errorf("usage: record query: %w", err)
	}

	for _, id := range retrievedIDs {
		var coRaw string
		err := tx.QueryRowContext(ctx,
			`SELECT co_occurrence FROM memory_usage WHERE memory_id = ?`, id).Scan(&coRaw)
		co := map[string]int{}
		if err == nil {
			json.Unmarshal([]byte(coRaw), &co)
		}
		for _, other := range retrievedIDs {
			if other != id {
				co[other]++
			}
		}
		coEnc, _ := json.Marshal(co)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_usage (memory_id, retrieval_count, first_used, last_used, co_occurrence)
			 VALUES (?, 1, ?, ?, ?)
			 ON CONFLICT(memory_id) DO UPDATE SET
			   retrieval_count = retrieval_count + 1,
			   last_used = excluded.last_used,
			   co_occurrence = excluded.co_occurrence`,
			id, now, now, string(coEnc))
		if err != nil {
			return fmt.Errorf("usage: updating memory %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("usage: record query: %w", err)
	}
	return nil
}

// MemoryStats returns the usage record for one memory, or nil when it has
// never been retrieved.
func (t *Tracker) MemoryStats(ctx context.Context, memoryID string) (*MemoryUsage, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT memory_id, retrieval_count, first_used, last_used, co_occurrence
		 FROM memory_usage WHERE memory_id = ?`, memoryID)
	u, err := scanUsage(row)
	if err != nil {
		return nil, fmt.Errorf("usage: stats for %s: %w", memoryID, err)
	}
	return u, nil
}

// TopUsed returns the n most retrieved memories.
func (t *Tracker) TopUsed(ctx context.Context, n int) ([]MemoryUsage, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT memory_id, retrieval_count, first_used, last_used, co_occurrence
		 FROM memory_usage ORDER BY retrieval_count DESC, memory_id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("usage: top used: %w", err)
	}
	defer rows.Close()

	var out []MemoryUsage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("usage: top used: %w", err)
		}
		if u != nil {
			out = append(out, *u)
		}
	}
	return out, rows.Err()
}

// GetStats returns the aggregate usage view.
func (t *Tracker) GetStats(ctx context.Context, topN int) (*Stats, error) {
	stats := &Stats{}
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_log`).Scan(&stats.TotalQueries); err != nil {
		return nil, fmt.Errorf("usage: stats: %w", err)
	}
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_usage`).Scan(&stats.TrackedCount); err != nil {
		return nil, fmt.Errorf("usage: stats: %w", err)
	}
	var last *time.Time
	var lastRaw time.Time
	err := t.db.QueryRowContext(ctx, `SELECT created_at FROM query_log ORDER BY created_at DESC LIMIT 1`).Scan(&lastRaw)
	if err == nil {
		last = &lastRaw
	}
	stats.LastQueriedAt = last

	top, err := t.TopUsed(ctx, topN)
	if err != nil {
		return nil, err
	}
	stats.TopUsed = top
	return stats, nil
}

// RecentQueries returns the latest n logged queries, newest first.
func (t *Tracker) RecentQueries(ctx context.Context, n int) ([]QueryRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, query, budget, retrieved_ids, created_at
		 FROM query_log ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("usage: recent queries: %w", err)
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		var r QueryRecord
		var idsRaw string
		if err := rows.Scan(&r.ID, &r.Query, &r.Budget, &idsRaw, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("usage: recent queries: %w", err)
		}
		json.Unmarshal([]byte(idsRaw), &r.RetrievedIDs)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*MemoryUsage, error) {
	var u MemoryUsage
	var first, last *time.Time
	var coRaw string
	err := row.Scan(&u.MemoryID, &u.RetrievalCount, &first, &last, &coRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.FirstUsed, u.LastUsed = first, last
	if coRaw != "" && coRaw != "{}" {
		u.CoOccurrence = map[string]int{}
		json.Unmarshal([]byte(coRaw), &u.CoOccurrence)
	}
	return &u, nil
}

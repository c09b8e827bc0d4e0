package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/memory"
)

const memoryColumns = `id, rel_path, directory, title, tags, scope, priority, confidence, status,
	created, last_used, usage_count, supersedes, related, expires, body, token_count, file_hash, indexed_at`

// Upsert inserts or replaces the record and vectors for a memory. It is
// idempotent on (id, file_hash): an unchanged hash is a no-op.
func (s *Store) Upsert(ctx context.Context, m *memory.IndexedMemory, vecs embeddings.MemoryVectors) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getByID(ctx, m.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.FileHash == m.FileHash && existing.RelPath == m.RelPath {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: upsert %s: begin: %w", m.ID, err)
	}
	defer tx.Rollback()

	// A file replaced on disk may carry a new id at the same path; the old
	// record at that path goes away with it.
	var displaced []string
	rows, err := tx.QueryContext(ctx, `SELECT id FROM memories WHERE rel_path = ? AND id != ?`, m.RelPath, m.ID)
	if err != nil {
		return fmt.Errorf("store: upsert %s: %w", m.ID, err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("store: upsert %s: %w", m.ID, err)
		}
		displaced = append(displaced, id)
	}
	rows.Close()
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE rel_path = ? AND id != ?`, m.RelPath, m.ID); err != nil {
		return fmt.Errorf("store: upsert %s: %w", m.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`, composite, directory_emb)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rel_path = excluded.rel_path, directory = excluded.directory,
			title = excluded.title, tags = excluded.tags, scope = excluded.scope,
			priority = excluded.priority, confidence = excluded.confidence,
			status = excluded.status, created = excluded.created,
			last_used = excluded.last_used, usage_count = excluded.usage_count,
			supersedes = excluded.supersedes, related = excluded.related,
			expires = excluded.expires, body = excluded.body,
			token_count = excluded.token_count, file_hash = excluded.file_hash,
			indexed_at = excluded.indexed_at, composite = excluded.composite,
			directory_emb = excluded.directory_emb`,
		m.ID, m.RelPath, m.Directory, m.Title, marshalList(m.Tags), m.Scope, m.Priority,
		m.Confidence, m.Status, m.Created, m.LastUsed, m.UsageCount,
		marshalList(m.Supersedes), marshalList(m.Related), m.Expires, m.Body,
		m.TokenCount, m.FileHash, m.IndexedAt,
		encodeVector(vecs.Composite), encodeVector(vecs.Directory),
	)
	if err != nil {
		return fmt.Errorf("store: upsert %s: %w", m.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: upsert %s: commit: %w", m.ID, err)
	}

	// The vector collections are updated after the row commits, so there
	// is a window where the row exists without current vectors. Search
	// tolerates it: SearchByContent joins chromem hits against the rows by
	// id, so a missing vector only delays retrievability until this call
	// returns, and a vector for a displaced row drops out of the join. The
	// embedding blobs on the committed row let Load rebuild the
	// collections if the process dies inside the window.
	for _, id := range displaced {
		if err := s.deleteVectors(ctx, id); err != nil {
			return err
		}
	}
	return s.addVectors(ctx, m.ID, m.RelPath, m.Directory, vecs.Composite, vecs.Directory)
}

// DeleteByID removes the record and vectors for a memory id. Missing ids
// are a silent no-op.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return s.deleteVectors(ctx, id)
}

// DeleteByPath removes the record at the given relative path, if any.
func (s *Store) DeleteByPath(ctx context.Context, relPath string) error {
	m, err := s.GetByPath(ctx, relPath)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	return s.DeleteByID(ctx, m.ID)
}

// GetByID returns the record for id, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*memory.IndexedMemory, error) {
	return s.getByID(ctx, id)
}

func (s *Store) getByID(ctx context.Context, id string) (*memory.IndexedMemory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// GetByPath returns the record at relPath, or nil when absent.
func (s *Store) GetByPath(ctx context.Context, relPath string) (*memory.IndexedMemory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE rel_path = ?`, relPath)
	return scanMemory(row)
}

// GetAll returns every record ordered by relative path.
func (s *Store) GetAll(ctx context.Context) ([]*memory.IndexedMemory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY rel_path`)
	if err != nil {
		return nil, fmt.Errorf("store: get all: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetBaseline returns every active memory in the baseline scope, ordered by
// relative path.
func (s *Store) GetBaseline(ctx context.Context) ([]*memory.IndexedMemory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE scope = ? AND status = ? ORDER BY rel_path`,
		memory.ScopeBaseline, memory.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("store: get baseline: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetFileHash returns the stored hash for relPath; found is false when the
// path is not indexed.
func (s *Store) GetFileHash(ctx context.Context, relPath string) (hash string, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT file_hash FROM memories WHERE rel_path = ?`, relPath).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get file hash %s: %w", relPath, err)
	}
	return hash, true, nil
}

// CountByScope returns the number of memories per scope.
func (s *Store) CountByScope(ctx context.Context) (map[memory.Scope]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, COUNT(*) FROM memories GROUP BY scope`)
	if err != nil {
		return nil, fmt.Errorf("store: count by scope: %w", err)
	}
	defer rows.Close()

	counts := map[memory.Scope]int{}
	for rows.Next() {
		var scope memory.Scope
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, fmt.Errorf("store: count by scope: %w", err)
		}
		counts[scope] = n
	}
	return counts, rows.Err()
}

// GetComposite returns the stored composite embedding for a memory id.
func (s *Store) GetComposite(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT composite FROM memories WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get composite %s: %w", id, err)
	}
	return decodeVector(blob), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*memory.IndexedMemory, error) {
	var m memory.IndexedMemory
	var tags, supersedes, related string
	err := row.Scan(&m.ID, &m.RelPath, &m.Directory, &m.Title, &tags, &m.Scope,
		&m.Priority, &m.Confidence, &m.Status, &m.Created, &m.LastUsed,
		&m.UsageCount, &supersedes, &related, &m.Expires, &m.Body,
		&m.TokenCount, &m.FileHash, &m.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning memory: %w", err)
	}
	m.Tags = unmarshalList(tags)
	m.Supersedes = unmarshalList(supersedes)
	m.Related = unmarshalList(related)
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*memory.IndexedMemory, error) {
	var out []*memory.IndexedMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var list []string
	_ = json.Unmarshal([]byte(raw), &list)
	return list
}

// Package indexer orchestrates parse → embed → upsert for the memory root.
// A full reindex is best-effort: one bad file is recorded and skipped, never
// fatal. Incremental indexing short-circuits on an unchanged file hash.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/store"
	"github.com/dmm-sh/dmm/internal/watcher"
)

// MetaLastFullReindex is the system_meta key recording the last full reindex.
const MetaLastFullReindex = "last_full_reindex"

// ProgressFunc reports per-file progress during a full reindex.
type ProgressFunc func(current, total int, path string)

// FileError records a per-file failure during reindexing.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result summarizes a full reindex.
type Result struct {
	Indexed    int         `json:"indexed"`
	Deleted    int         `json:"deleted"`
	Skipped    int         `json:"skipped"`
	Errors     []FileError `json:"errors,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// Indexer wires the parser, embedder, and store together.
type Indexer struct {
	cfg        *config.Config
	root       string // memory root directory
	parser     *parser.Parser
	embedder   embeddings.Embedder
	store      *store.Store
	onProgress ProgressFunc
}

// New creates an Indexer over the memory root.
func New(cfg *config.Config, root string, p *parser.Parser, e embeddings.Embedder, s *store.Store) *Indexer {
	return &Indexer{cfg: cfg, root: root, parser: p, embedder: e, store: s}
}

// SetProgressFunc installs a progress callback for full reindexes.
func (ix *Indexer) SetProgressFunc(fn ProgressFunc) { ix.onProgress = fn }

type fileEntry struct {
	absPath string
	relPath string
}

type parsedFile struct {
	relPath string
	mem     *memory.MemoryFile
}

// enumerate lists every .md file under the root, pruning deprecated/
// subtrees and the configured exclude globs.
func (ix *Indexer) enumerate() ([]fileEntry, error) {
	var files []fileEntry
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		rel, err := filepath.Rel(ix.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "deprecated" || strings.HasPrefix(rel, "deprecated/") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".md" {
			return nil
		}
		for _, pattern := range ix.cfg.Indexer.Exclude {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return nil
			}
		}
		files = append(files, fileEntry{absPath: path, relPath: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: enumerating %s: %w", ix.root, err)
	}
	return files, nil
}

// ReindexAll walks the memory root, parses every changed file, batch-embeds
// them, upserts the results, and prunes records whose files are gone.
func (ix *Indexer) ReindexAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	files, err := ix.enumerate()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var changed []parsedFile
	for i, f := range files {
		seen[f.relPath] = true
		if ix.onProgress != nil {
			ix.onProgress(i+1, len(files), f.relPath)
		}

		raw, err := os.ReadFile(f.absPath)
		if err != nil {
			result.Errors = append(result.Errors, FileError{Path: f.relPath, Error: err.Error()})
			continue
		}

		stored, found, err := ix.store.GetFileHash(ctx, f.relPath)
		if err != nil {
			return nil, err
		}
		if found && stored == hashBytes(raw) {
			result.Skipped++
			continue
		}

		res := ix.parser.Parse(raw, f.relPath)
		if !res.OK() {
			result.Errors = append(result.Errors, FileError{Path: f.relPath, Error: res.Err.Error()})
			continue
		}
		changed = append(changed, parsedFile{relPath: f.relPath, mem: res.Memory})
	}

	batchSize := ix.cfg.Indexer.BatchSize
	if batchSize < 1 {
		batchSize = 50
	}
	for lo := 0; lo < len(changed); lo += batchSize {
		hi := lo + batchSize
		if hi > len(changed) {
			hi = len(changed)
		}
		ix.embedAndUpsert(ctx, changed[lo:hi], result)
	}

	// Prune records whose files no longer exist.
	all, err := ix.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if seen[m.RelPath] {
			continue
		}
		if err := ix.store.DeleteByID(ctx, m.ID); err != nil {
			result.Errors = append(result.Errors, FileError{Path: m.RelPath, Error: err.Error()})
			continue
		}
		result.Deleted++
	}

	if err := ix.store.SetSystemMeta(ctx, MetaLastFullReindex, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}

	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

// embedAndUpsert embeds one batch and upserts each memory. A failed
// embedding call fails the batch's files, not the reindex.
func (ix *Indexer) embedAndUpsert(ctx context.Context, batch []parsedFile, result *Result) {
	mems := make([]*memory.MemoryFile, len(batch))
	for i, pf := range batch {
		mems[i] = pf.mem
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, mems)
	if err != nil {
		for _, pf := range batch {
			result.Errors = append(result.Errors, FileError{Path: pf.relPath, Error: err.Error()})
		}
		return
	}

	now := time.Now()
	for i, pf := range batch {
		if err := ix.store.Upsert(ctx, pf.mem.ToIndexed(now), vectors[i]); err != nil {
			result.Errors = append(result.Errors, FileError{Path: pf.relPath, Error: err.Error()})
			continue
		}
		result.Indexed++
	}
}

// IndexFile incrementally indexes one file. It returns (false, nil) when the
// stored hash already matches the file on disk; the previously indexed
// record is untouched on any failure.
func (ix *Indexer) IndexFile(ctx context.Context, absPath string) (bool, error) {
	rel, err := filepath.Rel(ix.root, absPath)
	if err != nil {
		return false, fmt.Errorf("indexer: %s is outside the memory root", absPath)
	}
	rel = filepath.ToSlash(rel)

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return false, fmt.Errorf("indexer: reading %s: %w", rel, err)
	}

	stored, found, err := ix.store.GetFileHash(ctx, rel)
	if err != nil {
		return false, err
	}
	if found && stored == hashBytes(raw) {
		return false, nil
	}

	res := ix.parser.Parse(raw, rel)
	if !res.OK() {
		return false, fmt.Errorf("indexer: parsing %s: %w", rel, res.Err)
	}

	vecs, err := ix.embedder.EmbedMemory(ctx, res.Memory)
	if err != nil {
		return false, fmt.Errorf("indexer: %w", err)
	}
	if err := ix.store.Upsert(ctx, res.Memory.ToIndexed(time.Now()), vecs); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteFile removes the record for a deleted file. Missing records are a
// silent no-op.
func (ix *Indexer) DeleteFile(ctx context.Context, absPath string) error {
	rel, err := filepath.Rel(ix.root, absPath)
	if err != nil {
		return fmt.Errorf("indexer: %s is outside the memory root", absPath)
	}
	return ix.store.DeleteByPath(ctx, filepath.ToSlash(rel))
}

// HandleEvent processes one watcher event. Errors are logged, not fatal.
func (ix *Indexer) HandleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Type {
	case watcher.Created, watcher.Modified:
		if _, err := ix.IndexFile(ctx, ev.Path); err != nil {
			log.Printf("indexer: %v", err)
		}
	case watcher.Deleted:
		if err := ix.DeleteFile(ctx, ev.Path); err != nil {
			log.Printf("indexer: %v", err)
		}
	}
}

func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

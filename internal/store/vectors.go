package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
)

// noEmbedFunc is installed on both collections. Every document and query
// carries a precomputed vector, so chromem must never embed on its own.
func noEmbedFunc(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("store: embedding function should not be called")
}

func (s *Store) initCollections() error {
	s.vdb = chromem.NewDB()
	return s.acquireCollections()
}

func (s *Store) acquireCollections() error {
	mem, err := s.vdb.GetOrCreateCollection(memoriesCollection, nil, noEmbedFunc)
	if err != nil {
		return fmt.Errorf("store: create %s collection: %w", memoriesCollection, err)
	}
	dirs, err := s.vdb.GetOrCreateCollection(directoriesCollection, nil, noEmbedFunc)
	if err != nil {
		return fmt.Errorf("store: create %s collection: %w", directoriesCollection, err)
	}
	s.memories = mem
	s.dirs = dirs
	return nil
}

// addVectors inserts (or replaces) the two vector documents for a memory.
func (s *Store) addVectors(ctx context.Context, id, relPath, directory string, composite, directoryVec []float32) error {
	// chromem has no upsert; delete-then-add.
	if err := s.memories.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("store: delete composite vector %s: %w", id, err)
	}
	if err := s.dirs.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("store: delete directory vector %s: %w", id, err)
	}

	meta := map[string]string{"rel_path": relPath, "directory": directory}
	err := s.memories.AddDocuments(ctx, []chromem.Document{{
		ID:        id,
		Metadata:  meta,
		Embedding: composite,
	}}, 1)
	if err != nil {
		return fmt.Errorf("store: add composite vector %s: %w", id, err)
	}
	err = s.dirs.AddDocuments(ctx, []chromem.Document{{
		ID:        id,
		Metadata:  map[string]string{"directory": directory},
		Embedding: directoryVec,
	}}, 1)
	if err != nil {
		return fmt.Errorf("store: add directory vector %s: %w", id, err)
	}
	return nil
}

func (s *Store) deleteVectors(ctx context.Context, id string) error {
	if err := s.memories.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("store: delete composite vector %s: %w", id, err)
	}
	if err := s.dirs.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("store: delete directory vector %s: %w", id, err)
	}
	return nil
}

// Persist exports the vector collections under dir.
func (s *Store) Persist(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: creating vector directory: %w", err)
	}
	if err := s.vdb.ExportToFile(filepath.Join(dir, vectorsFile), true, ""); err != nil {
		return fmt.Errorf("store: export vectors: %w", err)
	}
	return nil
}

// Load imports the vector collections from dir. When the export file is
// missing or unreadable, the collections are rebuilt from the BLOB columns
// instead — no re-embedding needed.
func (s *Store) Load(ctx context.Context, dir string) error {
	path := filepath.Join(dir, vectorsFile)
	if err := s.vdb.ImportFromFile(path, ""); err != nil {
		return s.RebuildVectors(ctx)
	}

	mem := s.vdb.GetCollection(memoriesCollection, noEmbedFunc)
	dirs := s.vdb.GetCollection(directoriesCollection, noEmbedFunc)
	if mem == nil || dirs == nil {
		return s.RebuildVectors(ctx)
	}
	s.memories = mem
	s.dirs = dirs

	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if s.memories.Count() != count {
		return s.RebuildVectors(ctx)
	}
	return nil
}

// RebuildVectors repopulates both collections from the persisted embedding
// blobs in SQLite.
func (s *Store) RebuildVectors(ctx context.Context) error {
	s.vdb = chromem.NewDB()
	if err := s.acquireCollections(); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, rel_path, directory, composite, directory_emb FROM memories`)
	if err != nil {
		return fmt.Errorf("store: rebuild vectors: %w", err)
	}
	defer rows.Close()

	var memDocs, dirDocs []chromem.Document
	for rows.Next() {
		var id, relPath, directory string
		var composite, directoryEmb []byte
		if err := rows.Scan(&id, &relPath, &directory, &composite, &directoryEmb); err != nil {
			return fmt.Errorf("store: rebuild vectors: %w", err)
		}
		memDocs = append(memDocs, chromem.Document{
			ID:        id,
			Metadata:  map[string]string{"rel_path": relPath, "directory": directory},
			Embedding: decodeVector(composite),
		})
		dirDocs = append(dirDocs, chromem.Document{
			ID:        id,
			Metadata:  map[string]string{"directory": directory},
			Embedding: decodeVector(directoryEmb),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: rebuild vectors: %w", err)
	}

	if len(memDocs) > 0 {
		if err := s.memories.AddDocuments(ctx, memDocs, 1); err != nil {
			return fmt.Errorf("store: rebuild composite vectors: %w", err)
		}
		if err := s.dirs.AddDocuments(ctx, dirDocs, 1); err != nil {
			return fmt.Errorf("store: rebuild directory vectors: %w", err)
		}
	}
	return nil
}

// encodeVector packs a float32 slice into little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

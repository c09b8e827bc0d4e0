// Package embeddings generates the composite, directory, and query vectors
// the index store searches over. All vectors are unit-normalized, so the dot
// product of any two is their cosine similarity.
package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmm-sh/dmm/internal/memory"
)

// MemoryVectors pairs the two vectors derived from one memory.
type MemoryVectors struct {
	Composite []float32
	Directory []float32
}

// Embedder is the contract the indexer and retrieval router consume. The
// vector dimension is fixed for the lifetime of a store; switching models
// requires a full reindex.
type Embedder interface {
	// EmbedMemory returns the composite and directory vectors for one memory.
	EmbedMemory(ctx context.Context, m *memory.MemoryFile) (MemoryVectors, error)

	// EmbedDirectory embeds a directory path with an optional description.
	EmbedDirectory(ctx context.Context, path, description string) ([]float32, error)

	// EmbedQuery embeds free query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch is equivalent to calling EmbedMemory for each memory but
	// lets providers batch the underlying requests.
	EmbedBatch(ctx context.Context, ms []*memory.MemoryFile) ([]MemoryVectors, error)

	Dimensions() int
	Name() string
}

// CompositeText builds the single text that encodes a memory's structural
// and textual signals together.
func CompositeText(m *memory.MemoryFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[DIRECTORY] %s\n", m.Directory)
	fmt.Fprintf(&b, "[TITLE] %s\n", m.Title)
	fmt.Fprintf(&b, "[TAGS] %s\n", strings.Join(m.Header.Tags, ", "))
	fmt.Fprintf(&b, "[SCOPE] %s\n", m.Header.Scope)
	fmt.Fprintf(&b, "[CONTENT]\n%s", m.Body)
	return b.String()
}

// DirectoryText builds the text embedded for a directory path.
func DirectoryText(path, description string) string {
	if description == "" {
		return "[DIRECTORY] " + path
	}
	return fmt.Sprintf("[DIRECTORY] %s\n%s", path, description)
}

// memoryEmbedder adapts a TextEmbedder to the memory contract.
type memoryEmbedder struct {
	text TextEmbedder
}

// NewMemoryEmbedder wraps a provider-level embedder.
func NewMemoryEmbedder(t TextEmbedder) Embedder {
	return &memoryEmbedder{text: t}
}

func (e *memoryEmbedder) Dimensions() int { return e.text.Dimensions() }
func (e *memoryEmbedder) Name() string    { return e.text.Name() }

func (e *memoryEmbedder) EmbedMemory(ctx context.Context, m *memory.MemoryFile) (MemoryVectors, error) {
	vecs, err := e.text.Embed(ctx, []string{CompositeText(m), DirectoryText(m.Directory, "")})
	if err != nil {
		return MemoryVectors{}, fmt.Errorf("embedding memory %s: %w", m.Header.ID, err)
	}
	if len(vecs) != 2 {
		return MemoryVectors{}, fmt.Errorf("embedding memory %s: provider returned %d vectors, expected 2", m.Header.ID, len(vecs))
	}
	return MemoryVectors{Composite: Normalize(vecs[0]), Directory: Normalize(vecs[1])}, nil
}

func (e *memoryEmbedder) EmbedDirectory(ctx context.Context, path, description string) ([]float32, error) {
	vecs, err := e.text.Embed(ctx, []string{DirectoryText(path, description)})
	if err != nil {
		return nil, fmt.Errorf("embedding directory %s: %w", path, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding directory %s: provider returned %d vectors", path, len(vecs))
	}
	return Normalize(vecs[0]), nil
}

func (e *memoryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.text.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding query: provider returned %d vectors", len(vecs))
	}
	return Normalize(vecs[0]), nil
}

// EmbedBatch embeds every composite text plus one vector per distinct
// directory in a single provider call.
func (e *memoryEmbedder) EmbedBatch(ctx context.Context, ms []*memory.MemoryFile) ([]MemoryVectors, error) {
	if len(ms) == 0 {
		return nil, nil
	}

	texts := make([]string, 0, len(ms)+4)
	for _, m := range ms {
		texts = append(texts, CompositeText(m))
	}

	dirIndex := map[string]int{}
	for _, m := range ms {
		if _, seen := dirIndex[m.Directory]; !seen {
			dirIndex[m.Directory] = len(texts)
			texts = append(texts, DirectoryText(m.Directory, ""))
		}
	}

	vecs, err := e.text.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("batch embedding %d memories: %w", len(ms), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("batch embedding: provider returned %d vectors, expected %d", len(vecs), len(texts))
	}

	out := make([]MemoryVectors, len(ms))
	for i, m := range ms {
		out[i] = MemoryVectors{
			Composite: Normalize(vecs[i]),
			Directory: Normalize(vecs[dirIndex[m.Directory]]),
		}
	}
	return out, nil
}

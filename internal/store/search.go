package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/dmm-sh/dmm/internal/memory"
)

// SearchFilters narrows content search results. IncludeDeprecated is an
// explicit per-request override that wins over ExcludeDeprecated, so
// callers can opt deprecated memories back in without rebuilding the
// default filter set.
type SearchFilters struct {
	Scopes            []memory.Scope
	ExcludeDeprecated bool
	IncludeDeprecated bool
	ExcludeEphemeral  bool
	MinPriority       float64
	MaxTokenCount     int
}

// DefaultFilters excludes deprecated memories and nothing else.
func DefaultFilters() SearchFilters {
	return SearchFilters{ExcludeDeprecated: true}
}

func (f SearchFilters) matches(m *memory.IndexedMemory) bool {
	if f.ExcludeDeprecated && !f.IncludeDeprecated &&
		(m.Status == memory.StatusDeprecated || m.Scope == memory.ScopeDeprecated) {
		return false
	}
	if f.ExcludeEphemeral && m.Scope == memory.ScopeEphemeral {
		return false
	}
	if m.Priority < f.MinPriority {
		return false
	}
	if f.MaxTokenCount > 0 && m.TokenCount > f.MaxTokenCount {
		return false
	}
	if len(f.Scopes) > 0 {
		ok := false
		for _, s := range f.Scopes {
			if m.Scope == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// DirectoryMatch is one Stage-1 result.
type DirectoryMatch struct {
	Directory  string
	Similarity float64
}

// ContentMatch is one Stage-2 result. The composite embedding is carried
// along so the diversity filter never refetches it.
type ContentMatch struct {
	Memory     *memory.IndexedMemory
	Similarity float64
	Composite  []float32
}

// SearchByDirectory returns the top-k directories by cosine similarity,
// aggregated as the maximum over each directory's member vectors. Ties
// break alphabetically.
func (s *Store) SearchByDirectory(ctx context.Context, queryVec []float32, k int) ([]DirectoryMatch, error) {
	n := s.dirs.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}

	results, err := s.dirs.QueryEmbedding(ctx, queryVec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("store: directory search: %w", err)
	}

	best := map[string]float64{}
	for _, r := range results {
		dir := r.Metadata["directory"]
		sim := clamp01(float64(r.Similarity))
		if sim > best[dir] {
			best[dir] = sim
		} else if _, seen := best[dir]; !seen {
			best[dir] = sim
		}
	}

	matches := make([]DirectoryMatch, 0, len(best))
	for dir, sim := range best {
		matches = append(matches, DirectoryMatch{Directory: dir, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Directory < matches[j].Directory
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// SearchByContent returns up to limit memories ordered by cosine similarity,
// restricted to the given directories when non-empty, after applying the
// filters. chromem's where clause is equality-only, so the directory set and
// filters are applied as a post-filter join against the record rows.
func (s *Store) SearchByContent(ctx context.Context, queryVec []float32, directories []string, filters SearchFilters, limit int) ([]ContentMatch, error) {
	n := s.memories.Count()
	if n == 0 || limit <= 0 {
		return nil, nil
	}

	results, err := s.memories.QueryEmbedding(ctx, queryVec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("store: content search: %w", err)
	}

	dirSet := map[string]bool{}
	for _, d := range directories {
		dirSet[d] = true
	}

	records, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*memory.IndexedMemory, len(records))
	for _, m := range records {
		byID[m.ID] = m
	}

	matches := make([]ContentMatch, 0, limit)
	for _, r := range results {
		m, ok := byID[r.ID]
		if !ok {
			continue
		}
		if len(dirSet) > 0 && !dirSet[m.Directory] {
			continue
		}
		if !filters.matches(m) {
			continue
		}
		matches = append(matches, ContentMatch{
			Memory:     m,
			Similarity: clamp01(float64(r.Similarity)),
			Composite:  r.Embedding,
		})
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package retrieval implements the query pipeline: directory gating,
// candidate search, ranking, diversity filtering, and token-budget
// selection. Given identical store state and query, the result order is
// fully deterministic.
package retrieval

import (
	"context"
	"sort"

	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/store"
)

// Ranking weights.
const (
	weightSimilarity = 0.60
	weightPriority   = 0.25
	weightConfidence = 0.15
)

// Entry is one retrieved memory.
type Entry struct {
	ID         string       `json:"id"`
	Path       string       `json:"path"`
	Title      string       `json:"title"`
	Content    string       `json:"content"`
	TokenCount int          `json:"token_count"`
	Scope      memory.Scope `json:"scope"`
	Similarity float64      `json:"similarity"`
	Score      float64      `json:"score"`

	// Composite is carried for diversity verification; not serialized.
	Composite []float32 `json:"-"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Entries              []Entry  `json:"entries"`
	TotalTokens          int      `json:"total_tokens"`
	DirectoriesSearched  []string `json:"directories_searched"`
	CandidatesConsidered int      `json:"candidates_considered"`
	ExcludedForBudget    []string `json:"excluded_for_budget,omitempty"`
}

// Router runs the two-stage retrieval pipeline.
type Router struct {
	cfg      config.RetrievalConfig
	store    *store.Store
	embedder embeddings.Embedder
}

// NewRouter creates a Router.
func NewRouter(cfg config.RetrievalConfig, s *store.Store, e embeddings.Embedder) *Router {
	return &Router{cfg: cfg, store: s, embedder: e}
}

// Retrieve runs the full pipeline for one query under the given token
// budget.
func (r *Router) Retrieve(ctx context.Context, query string, budget int, filters store.SearchFilters) (*Result, error) {
	result := &Result{}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	// Stage 1: directory gating. An empty result skips the restriction.
	dirMatches, err := r.store.SearchByDirectory(ctx, queryVec, r.cfg.TopKDirectories)
	if err != nil {
		return nil, err
	}
	for _, d := range dirMatches {
		result.DirectoriesSearched = append(result.DirectoriesSearched, d.Directory)
	}

	// Stage 2: candidate search.
	candidates, err := r.store.SearchByContent(ctx, queryVec, result.DirectoriesSearched, filters, r.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}
	result.CandidatesConsidered = len(candidates)

	// Stage 3: ranking.
	rankCandidates(candidates)

	// Stage 4: diversity filter.
	kept := r.diversityFilter(candidates)

	// Stage 5: budget selection.
	for _, c := range kept {
		if c.Memory.TokenCount <= budget-result.TotalTokens {
			result.Entries = append(result.Entries, Entry{
				ID:         c.Memory.ID,
				Path:       c.Memory.RelPath,
				Title:      c.Memory.Title,
				Content:    c.Memory.Body,
				TokenCount: c.Memory.TokenCount,
				Scope:      c.Memory.Scope,
				Similarity: c.Similarity,
				Score:      score(c),
				Composite:  c.Composite,
			})
			result.TotalTokens += c.Memory.TokenCount
		} else {
			result.ExcludedForBudget = append(result.ExcludedForBudget, c.Memory.RelPath)
		}
	}
	return result, nil
}

func score(c store.ContentMatch) float64 {
	return c.Similarity*weightSimilarity +
		c.Memory.Priority*weightPriority +
		c.Memory.Confidence.Score()*weightConfidence
}

// rankCandidates sorts by score descending, breaking ties by similarity,
// then priority, then path.
func rankCandidates(candidates []store.ContentMatch) {
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj
		}
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		if candidates[i].Memory.Priority != candidates[j].Memory.Priority {
			return candidates[i].Memory.Priority > candidates[j].Memory.Priority
		}
		return candidates[i].Memory.RelPath < candidates[j].Memory.RelPath
	})
}

// diversityFilter keeps a candidate only when its composite embedding stays
// below the threshold against every already-kept candidate.
func (r *Router) diversityFilter(candidates []store.ContentMatch) []store.ContentMatch {
	var kept []store.ContentMatch
	for _, c := range candidates {
		redundant := false
		for _, k := range kept {
			if embeddings.Cosine(c.Composite, k.Composite) >= r.cfg.DiversityThreshold {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, c)
		}
	}
	return kept
}

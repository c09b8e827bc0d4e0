// Package pack assembles the final Memory Pack from the baseline pack and a
// retrieval result, and renders it as a markdown document.
package pack

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dmm-sh/dmm/internal/baseline"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/retrieval"
)

// MemoryPack is the ordered, budgeted output of one query.
type MemoryPack struct {
	Query     string            `json:"query"`
	Baseline  []baseline.Entry  `json:"baseline"`
	Retrieved []retrieval.Entry `json:"retrieved"`

	BaselineTokens  int `json:"baseline_tokens"`
	RetrievedTokens int `json:"retrieved_tokens"`
	TotalTokens     int `json:"total_tokens"`
	Budget          int `json:"budget"`
	RetrievedBudget int `json:"retrieved_budget"`

	DirectoriesSearched  []string  `json:"directories_searched,omitempty"`
	CandidatesConsidered int       `json:"candidates_considered"`
	ExcludedForBudget    []string  `json:"excluded_for_budget,omitempty"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// Assemble concatenates baseline entries (baseline order preserved) with
// retrieved entries sorted by scope priority, then score. The retrieved
// budget is whatever the total budget leaves after the baseline.
func Assemble(query string, bp *baseline.Pack, rr *retrieval.Result, budget int) *MemoryPack {
	p := &MemoryPack{
		Query:       query,
		Budget:      budget,
		GeneratedAt: time.Now().UTC(),
	}

	if bp != nil {
		p.Baseline = bp.Entries
		p.BaselineTokens = bp.TotalTokens
	}
	p.RetrievedBudget = budget - p.BaselineTokens
	if p.RetrievedBudget < 0 {
		p.RetrievedBudget = 0
	}

	if rr != nil {
		p.Retrieved = make([]retrieval.Entry, len(rr.Entries))
		copy(p.Retrieved, rr.Entries)
		sort.SliceStable(p.Retrieved, func(i, j int) bool {
			oi, oj := p.Retrieved[i].Scope.PackOrder(), p.Retrieved[j].Scope.PackOrder()
			if oi != oj {
				return oi < oj
			}
			return p.Retrieved[i].Score > p.Retrieved[j].Score
		})
		p.RetrievedTokens = rr.TotalTokens
		p.DirectoriesSearched = rr.DirectoriesSearched
		p.CandidatesConsidered = rr.CandidatesConsidered
		p.ExcludedForBudget = rr.ExcludedForBudget
	}

	p.TotalTokens = p.BaselineTokens + p.RetrievedTokens
	return p
}

// Render produces the pack as a markdown document. Verbose mode appends
// relevance scores to retrieved entries.
func (p *MemoryPack) Render(verbose bool) string {
	var b strings.Builder

	b.WriteString("# Memory Pack\n\n")

	b.WriteString("## Baseline (Always Included)\n\n")
	if len(p.Baseline) == 0 {
		b.WriteString("_No baseline memories._\n\n")
	}
	for _, e := range p.Baseline {
		writeEntry(&b, e.Path, e.Content, "")
	}

	b.WriteString("## Retrieved Context\n\n")
	if len(p.Retrieved) == 0 {
		b.WriteString("_No retrieved memories._\n\n")
	}
	var currentScope memory.Scope
	for i, e := range p.Retrieved {
		if i == 0 || e.Scope != currentScope {
			currentScope = e.Scope
			fmt.Fprintf(&b, "### %s\n\n", currentScope)
		}
		note := ""
		if verbose {
			note = fmt.Sprintf(" score=%.3f similarity=%.3f", e.Score, e.Similarity)
		}
		writeEntry(&b, e.Path, e.Content, note)
	}

	b.WriteString("## Pack Statistics\n\n")
	fmt.Fprintf(&b, "- Baseline: %d memories, %d tokens\n", len(p.Baseline), p.BaselineTokens)
	fmt.Fprintf(&b, "- Retrieved: %d memories, %d tokens\n", len(p.Retrieved), p.RetrievedTokens)
	fmt.Fprintf(&b, "- Total: %d tokens (budget %d)\n", p.TotalTokens, p.Budget)
	fmt.Fprintf(&b, "- Candidates considered: %d\n", p.CandidatesConsidered)
	if len(p.DirectoriesSearched) > 0 {
		fmt.Fprintf(&b, "- Directories searched: %s\n", strings.Join(p.DirectoriesSearched, ", "))
	}
	if len(p.ExcludedForBudget) > 0 {
		fmt.Fprintf(&b, "- Excluded for budget: %s\n", strings.Join(p.ExcludedForBudget, ", "))
	}
	return b.String()
}

func writeEntry(b *strings.Builder, path, content, note string) {
	fmt.Fprintf(b, "<!-- %s%s -->\n", path, note)
	b.WriteString(strings.TrimSpace(content))
	b.WriteString("\n\n")
}

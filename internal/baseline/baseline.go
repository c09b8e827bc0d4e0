// Package baseline maintains the always-included memory pack. The pack is
// rebuilt only when the set of baseline file hashes changes; otherwise it is
// served from an in-memory copy backed by a JSON cache on disk.
package baseline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/dmm-sh/dmm/internal/store"
)

// Entry is one baseline memory in pack order.
type Entry struct {
	Path       string  `json:"path"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	TokenCount int     `json:"token_count"`
	Priority   float64 `json:"priority"`
	Relevance  float64 `json:"relevance"` // always 1.0
	Source     string  `json:"source"`    // always "baseline"
}

// Pack is the assembled baseline with its cache-invalidation snapshot.
type Pack struct {
	Entries     []Entry           `json:"entries"`
	TotalTokens int               `json:"total_tokens"`
	GeneratedAt time.Time         `json:"generated_at"`
	FileHashes  map[string]string `json:"file_hashes"`
}

// BudgetReport signals baseline overflow without truncating the pack.
type BudgetReport struct {
	TotalTokens    int      `json:"total_tokens"`
	Budget         int      `json:"budget"`
	IsValid        bool     `json:"is_valid"`
	OverflowFiles  []string `json:"overflow_files,omitempty"`
	OverflowTokens int      `json:"overflow_tokens"`
}

// Manager builds and caches the baseline pack.
type Manager struct {
	store     *store.Store
	cachePath string
	budget    int

	mu     sync.Mutex
	cached *Pack
}

// NewManager creates a Manager. cachePath is the on-disk pack cache;
// budget is the configured baseline token budget.
func NewManager(s *store.Store, cachePath string, budget int) *Manager {
	return &Manager{store: s, cachePath: cachePath, budget: budget}
}

// GetPack returns the current baseline pack, regenerating only when the
// stored baseline hashes differ from the cached snapshot.
func (m *Manager) GetPack(ctx context.Context) (*Pack, error) {
	current, err := m.currentHashes(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && hashesEqual(m.cached.FileHashes, current) {
		return m.cached, nil
	}
	if pack := m.loadDiskCache(); pack != nil && hashesEqual(pack.FileHashes, current) {
		m.cached = pack
		return pack, nil
	}

	pack, err := m.build(ctx, current)
	if err != nil {
		return nil, err
	}
	m.cached = pack
	m.writeDiskCache(pack)
	return pack, nil
}

// ValidateBudget reports which baseline files fall past the cumulative
// budget when members are taken in priority-descending order. The pack
// itself is never truncated.
func (m *Manager) ValidateBudget(ctx context.Context) (*BudgetReport, error) {
	pack, err := m.GetPack(ctx)
	if err != nil {
		return nil, err
	}

	report := &BudgetReport{
		TotalTokens: pack.TotalTokens,
		Budget:      m.budget,
		IsValid:     pack.TotalTokens <= m.budget,
	}
	if report.IsValid {
		return report, nil
	}

	byPriority := make([]Entry, len(pack.Entries))
	copy(byPriority, pack.Entries)
	sort.SliceStable(byPriority, func(i, j int) bool {
		return byPriority[i].Priority > byPriority[j].Priority
	})

	running := 0
	for _, e := range byPriority {
		if running+e.TokenCount > m.budget {
			report.OverflowFiles = append(report.OverflowFiles, e.Path)
			report.OverflowTokens += e.TokenCount
			continue
		}
		running += e.TokenCount
	}
	return report, nil
}

// Invalidate clears the in-memory and on-disk cache. Called whenever a
// baseline file is committed or a full reindex completes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	_ = os.Remove(m.cachePath)
}

func (m *Manager) currentHashes(ctx context.Context) (map[string]string, error) {
	records, err := m.store.GetBaseline(ctx)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(records))
	for _, r := range records {
		hashes[r.RelPath] = r.FileHash
	}
	return hashes, nil
}

// build assembles the pack in deterministic order: identity.md first,
// hard_constraints.md second, the rest alphabetical.
func (m *Manager) build(ctx context.Context, hashes map[string]string) (*Pack, error) {
	records, err := m.store.GetBaseline(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := orderRank(records[i].RelPath), orderRank(records[j].RelPath)
		if ri != rj {
			return ri < rj
		}
		return records[i].RelPath < records[j].RelPath
	})

	pack := &Pack{
		GeneratedAt: time.Now().UTC(),
		FileHashes:  hashes,
	}
	for _, r := range records {
		pack.Entries = append(pack.Entries, Entry{
			Path:       r.RelPath,
			Title:      r.Title,
			Content:    r.Body,
			TokenCount: r.TokenCount,
			Priority:   r.Priority,
			Relevance:  1.0,
			Source:     "baseline",
		})
		pack.TotalTokens += r.TokenCount
	}
	return pack, nil
}

func orderRank(relPath string) int {
	switch path.Base(relPath) {
	case "identity.md":
		return 0
	case "hard_constraints.md":
		return 1
	}
	return 2
}

func (m *Manager) loadDiskCache() *Pack {
	raw, err := os.ReadFile(m.cachePath)
	if err != nil {
		return nil
	}
	var pack Pack
	if err := json.Unmarshal(raw, &pack); err != nil {
		return nil
	}
	return &pack
}

func (m *Manager) writeDiskCache(pack *Pack) {
	raw, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.cachePath), 0o755); err != nil {
		return
	}
	// Best effort; the pack is rebuildable from the store.
	_ = atomic.WriteFile(m.cachePath, bytes.NewReader(raw))
}

func hashesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Package memory defines the shared types for markdown memory files:
// header schema, scope/confidence/status enums, and the indexed projection
// persisted by the store.
package memory

import (
	"regexp"
	"time"
)

// Scope partitions memories by intended lifetime and authority. The first
// path segment of a memory's relative path must equal its scope.
type Scope string

const (
	ScopeBaseline   Scope = "baseline"
	ScopeGlobal     Scope = "global"
	ScopeAgent      Scope = "agent"
	ScopeProject    Scope = "project"
	ScopeEphemeral  Scope = "ephemeral"
	ScopeDeprecated Scope = "deprecated"
)

// Valid reports whether s is a recognized scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeBaseline, ScopeGlobal, ScopeAgent, ScopeProject, ScopeEphemeral, ScopeDeprecated:
		return true
	}
	return false
}

// PackOrder returns the sort rank used when assembling retrieved entries
// into a pack: global, agent, project, ephemeral, then everything else.
func (s Scope) PackOrder() int {
	switch s {
	case ScopeGlobal:
		return 0
	case ScopeAgent:
		return 1
	case ScopeProject:
		return 2
	case ScopeEphemeral:
		return 3
	}
	return 4
}

// Confidence grades how settled a memory is.
type Confidence string

const (
	ConfidenceExperimental Confidence = "experimental"
	ConfidenceActive       Confidence = "active"
	ConfidenceStable       Confidence = "stable"
	ConfidenceDeprecated   Confidence = "deprecated"
)

// Valid reports whether c is a recognized confidence level.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceExperimental, ConfidenceActive, ConfidenceStable, ConfidenceDeprecated:
		return true
	}
	return false
}

// Score maps a confidence level to its ranking weight.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceExperimental:
		return 0.4
	case ConfidenceActive:
		return 0.8
	case ConfidenceStable:
		return 1.0
	}
	return 0.0
}

// Status is the lifecycle flag of a memory.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusDeprecated
}

// IDPattern matches well-formed memory ids: mem_YYYY_MM_DD_NNN.
var IDPattern = regexp.MustCompile(`^mem_\d{4}_\d{2}_\d{2}_\d{3,}$`)

// RequiredHeaderFields lists the header keys every memory must carry.
var RequiredHeaderFields = []string{"id", "tags", "scope", "priority", "confidence", "status"}

// Header is the structured metadata block at the top of a memory file.
// Unknown keys are preserved in Extra but otherwise ignored.
type Header struct {
	ID         string     `yaml:"id"`
	Tags       []string   `yaml:"tags"`
	Scope      Scope      `yaml:"scope"`
	Priority   float64    `yaml:"priority"`
	Confidence Confidence `yaml:"confidence"`
	Status     Status     `yaml:"status"`
	Created    string     `yaml:"created,omitempty"`
	LastUsed   string     `yaml:"last_used,omitempty"`
	UsageCount int        `yaml:"usage_count,omitempty"`
	Supersedes []string   `yaml:"supersedes,omitempty"`
	Related    []string   `yaml:"related,omitempty"`
	Expires    string     `yaml:"expires,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// MemoryFile is a fully parsed memory: header, markdown body, and the
// values derived from them during parsing.
type MemoryFile struct {
	Header Header
	Body   string

	Title      string // text of the first # heading in the body
	TokenCount int    // estimated tokens of the body
	FileHash   string // SHA-256 hex of the raw file bytes
	RelPath    string // path relative to the memory root, slash-separated
	Directory  string // first segment of RelPath
}

// IndexedMemory is the persisted projection of a MemoryFile.
type IndexedMemory struct {
	ID         string     `json:"id"`
	RelPath    string     `json:"rel_path"`
	Directory  string     `json:"directory"`
	Title      string     `json:"title"`
	Tags       []string   `json:"tags"`
	Scope      Scope      `json:"scope"`
	Priority   float64    `json:"priority"`
	Confidence Confidence `json:"confidence"`
	Status     Status     `json:"status"`
	Created    string     `json:"created,omitempty"`
	LastUsed   string     `json:"last_used,omitempty"`
	UsageCount int        `json:"usage_count,omitempty"`
	Supersedes []string   `json:"supersedes,omitempty"`
	Related    []string   `json:"related,omitempty"`
	Expires    string     `json:"expires,omitempty"`
	Body       string     `json:"body"`
	TokenCount int        `json:"token_count"`
	FileHash   string     `json:"file_hash"`
	IndexedAt  time.Time  `json:"indexed_at"`
}

// ToIndexed converts a parsed file into its store projection.
func (m *MemoryFile) ToIndexed(now time.Time) *IndexedMemory {
	return &IndexedMemory{
		ID:         m.Header.ID,
		RelPath:    m.RelPath,
		Directory:  m.Directory,
		Title:      m.Title,
		Tags:       m.Header.Tags,
		Scope:      m.Header.Scope,
		Priority:   m.Header.Priority,
		Confidence: m.Header.Confidence,
		Status:     m.Header.Status,
		Created:    m.Header.Created,
		LastUsed:   m.Header.LastUsed,
		UsageCount: m.Header.UsageCount,
		Supersedes: m.Header.Supersedes,
		Related:    m.Header.Related,
		Expires:    m.Header.Expires,
		Body:       m.Body,
		TokenCount: m.TokenCount,
		FileHash:   m.FileHash,
		IndexedAt:  now.UTC(),
	}
}

// Package reviewer validates write proposals and renders an automated
// decision. Four validators run in order (schema, quality, duplicates,
// conflicts); a fatal schema error short-circuits the rest. The decision
// engine turns the collected issues into approve, reject, or defer with a
// confidence score. Baseline memories are never changed automatically.
package reviewer

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/queue"
	"github.com/dmm-sh/dmm/internal/store"
)

const baselineNote = "Baseline modifications require human review"

// criticalCodes always yield rejection confidence 1.0.
var criticalCodes = map[string]bool{
	"duplicate_exact":         true,
	"duplicate_semantic":      true,
	"missing_required_fields": true,
	"invalid_yaml":            true,
	"empty_content":           true,
	"token_count_hard_limit":  true,
}

// minorCodes deduct less confidence than other warnings.
var minorCodes = map[string]bool{
	"missing_rationale": true,
	"low_coherence":     true,
	"vague_tag":         true,
	"missing_title":     true,
}

// Reviewer validates proposals against the current index.
type Reviewer struct {
	cfg      config.ReviewerConfig
	parser   *parser.Parser
	store    *store.Store
	embedder embeddings.Embedder
}

// New creates a Reviewer.
func New(cfg config.ReviewerConfig, limits config.ValidationConfig, s *store.Store, e embeddings.Embedder) *Reviewer {
	return &Reviewer{
		cfg:      cfg,
		parser:   parser.New(limits),
		store:    s,
		embedder: e,
	}
}

// Review runs the validator pipeline on one proposal and decides.
func (r *Reviewer) Review(ctx context.Context, p *queue.Proposal) (*Result, error) {
	result := &Result{
		ProposalID:  p.ProposalID,
		SchemaOK:    true,
		QualityOK:   true,
		DuplicateOK: true,
	}

	if touchesBaseline(p) {
		result.Decision = DecisionDefer
		result.Confidence = 1.0
		result.Notes = baselineNote
		return result, nil
	}

	switch p.Type {
	case queue.TypeDeprecate, queue.TypePromote:
		return r.reviewMove(ctx, p, result)
	}

	mem, schemaIssues := r.validateSchema(p.Content, p.TargetPath)
	result.Issues = append(result.Issues, schemaIssues...)
	if mem == nil {
		result.SchemaOK = false
		decide(result, r.cfg.AutoApproveConfidence)
		return result, nil
	}
	if hasError(schemaIssues) {
		result.SchemaOK = false
	}

	qualityIssues := r.validateQuality(mem)
	result.Issues = append(result.Issues, qualityIssues...)
	if hasError(qualityIssues) {
		result.QualityOK = false
	}

	dupIssues, matches, err := r.detectDuplicates(ctx, mem, p.MemoryID)
	if err != nil {
		return nil, fmt.Errorf("review %s: %w", p.ProposalID, err)
	}
	result.Issues = append(result.Issues, dupIssues...)
	result.Duplicates = matches
	if hasError(dupIssues) {
		result.DuplicateOK = false
	}

	conflictIssues, err := r.checkConflicts(ctx, mem)
	if err != nil {
		return nil, fmt.Errorf("review %s: %w", p.ProposalID, err)
	}
	result.Issues = append(result.Issues, conflictIssues...)

	decide(result, r.cfg.AutoApproveConfidence)
	return result, nil
}

// reviewMove handles deprecate and promote, which carry no content; the
// only check is that the referenced memory exists.
func (r *Reviewer) reviewMove(ctx context.Context, p *queue.Proposal, result *Result) (*Result, error) {
	var found *memory.IndexedMemory
	var err error
	if p.MemoryID != "" {
		found, err = r.store.GetByID(ctx, p.MemoryID)
	} else {
		found, err = r.store.GetByPath(ctx, p.TargetPath)
	}
	if err != nil {
		return nil, fmt.Errorf("review %s: %w", p.ProposalID, err)
	}
	if found == nil {
		result.Issues = append(result.Issues, Issue{
			Code:     "memory_not_found",
			Message:  fmt.Sprintf("no indexed memory at %s", p.TargetPath),
			Severity: SeverityError,
		})
	}
	if p.Type == queue.TypePromote && !memory.Scope(p.NewScope).Valid() {
		result.Issues = append(result.Issues, Issue{
			Code:     "invalid_enum",
			Message:  fmt.Sprintf("unknown target scope %q", p.NewScope),
			Severity: SeverityError,
			Field:    "new_scope",
		})
	}
	decide(result, r.cfg.AutoApproveConfidence)
	return result, nil
}

func touchesBaseline(p *queue.Proposal) bool {
	return strings.HasPrefix(p.TargetPath, "baseline/") ||
		(p.Type == queue.TypePromote && p.NewScope == string(memory.ScopeBaseline))
}

// decide converts collected issues into a decision and confidence.
func decide(result *Result, autoApprove float64) {
	var errs, warns []Issue
	for _, i := range result.Issues {
		switch i.Severity {
		case SeverityError:
			errs = append(errs, i)
		default:
			warns = append(warns, i)
		}
	}

	switch {
	case len(errs) > 0:
		result.Decision = DecisionReject
		result.Confidence = rejectConfidence(errs)
		result.Notes = summarize(errs, 5)
	case len(warns) > 0:
		result.Decision = DecisionDefer
		result.Confidence = warnConfidence(warns)
		if result.Confidence >= autoApprove {
			result.Decision = DecisionApprove
		}
		result.Notes = summarize(warns, 5)
	default:
		result.Decision = DecisionApprove
		result.Confidence = 1.0
	}
}

func rejectConfidence(errs []Issue) float64 {
	for _, e := range errs {
		if criticalCodes[e.Code] {
			return 1.0
		}
	}
	c := 0.8 + 0.05*float64(len(errs))
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func warnConfidence(warns []Issue) float64 {
	c := 1.0
	for _, w := range warns {
		if minorCodes[w.Code] {
			c -= 0.02
		} else {
			c -= 0.05
		}
	}
	if c < 0.5 {
		c = 0.5
	}
	return c
}

func summarize(issues []Issue, limit int) string {
	var parts []string
	for i, issue := range issues {
		if i == limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(issues)-limit))
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Code, issue.Message))
	}
	return strings.Join(parts, "; ")
}

func hasError(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

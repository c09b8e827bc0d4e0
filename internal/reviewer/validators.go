package reviewer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/store"
)

// Parser warning codes are renamed where the review vocabulary differs.
var warningCodeMap = map[string]string{
	parser.WarnLowTokenCount:   "token_count_low",
	parser.WarnHighTokenCount:  "token_count_high",
	parser.WarnInvalidIDFormat: "invalid_format",
}

var vagueWords = map[string]bool{
	"misc": true, "stuff": true, "things": true, "notes": true,
	"info": true, "general": true, "other": true, "temp": true,
	"update": true, "memory": true,
}

// validateSchema re-parses the proposal content and maps parse findings to
// review issues. A parse error is fatal; callers skip the later validators.
func (r *Reviewer) validateSchema(content, targetPath string) (*memory.MemoryFile, []Issue) {
	var issues []Issue
	res := r.parser.Parse([]byte(content), targetPath)
	if res.Err != nil {
		issues = append(issues, Issue{
			Code:     res.Err.Code,
			Message:  res.Err.Message,
			Severity: SeverityError,
			Field:    res.Err.Field,
		})
		return nil, issues
	}
	for _, w := range res.Warnings {
		code := w.Code
		if mapped, ok := warningCodeMap[code]; ok {
			code = mapped
		}
		issues = append(issues, Issue{Code: code, Message: w.Message, Severity: SeverityWarning, Field: w.Field})
	}
	if strings.TrimSpace(res.Memory.Body) == "" {
		issues = append(issues, Issue{
			Code:     "empty_content",
			Message:  "memory body is empty",
			Severity: SeverityError,
		})
	}
	return res.Memory, issues
}

// validateQuality checks content shape: heading structure, title and tag
// hygiene, rationale, title/tag coherence. Token-count findings come from
// the schema pass.
func (r *Reviewer) validateQuality(m *memory.MemoryFile) []Issue {
	var issues []Issue

	if n := parser.CountH1([]byte(m.Body)); n > 1 {
		sev := SeverityWarning
		if n > 3 {
			sev = SeverityError
		}
		issues = append(issues, Issue{
			Code:       "multiple_concepts",
			Message:    fmt.Sprintf("body contains %d top-level headings; one memory should hold one concept", n),
			Severity:   sev,
			Suggestion: "split into separate memory files",
		})
	}

	title := strings.TrimSpace(m.Title)
	if title != "" {
		words := strings.Fields(strings.ToLower(title))
		if len(words) < 2 || (len(words) == 1 && vagueWords[words[0]]) || allVague(words) {
			issues = append(issues, Issue{
				Code:       "vague_title",
				Message:    fmt.Sprintf("title %q does not describe the memory", title),
				Severity:   SeverityWarning,
				Field:      "title",
				Suggestion: "use a descriptive title naming the subject",
			})
		}
	}

	issues = append(issues, checkTags(m.Header.Tags)...)

	if !hasRationale(m.Body) {
		issues = append(issues, Issue{
			Code:       "missing_rationale",
			Message:    "body states a rule without the reason behind it",
			Severity:   SeverityInfo,
			Suggestion: "add a sentence explaining why",
		})
	}

	if title != "" && len(m.Header.Tags) > 0 && !coherent(title, m.Header.Tags) {
		issues = append(issues, Issue{
			Code:     "low_coherence",
			Message:  "no tag relates to the title",
			Severity: SeverityWarning,
			Field:    "tags",
		})
	}
	return issues
}

func checkTags(tags []string) []Issue {
	var issues []Issue
	if len(tags) == 1 {
		issues = append(issues, Issue{
			Code:     "too_few_tags",
			Message:  "a single tag limits retrieval; two or three work better",
			Severity: SeverityInfo,
			Field:    "tags",
		})
	}
	if len(tags) > 8 {
		issues = append(issues, Issue{
			Code:     "too_many_tags",
			Message:  fmt.Sprintf("%d tags dilute retrieval signal", len(tags)),
			Severity: SeverityWarning,
			Field:    "tags",
		})
	}
	seen := map[string]bool{}
	for _, t := range tags {
		lower := strings.ToLower(strings.TrimSpace(t))
		if seen[lower] {
			issues = append(issues, Issue{
				Code:     "duplicate_tags",
				Message:  fmt.Sprintf("tag %q appears more than once", t),
				Severity: SeverityInfo,
				Field:    "tags",
			})
			continue
		}
		seen[lower] = true
		if vagueWords[lower] {
			issues = append(issues, Issue{
				Code:     "vague_tag",
				Message:  fmt.Sprintf("tag %q carries no signal", t),
				Severity: SeverityWarning,
				Field:    "tags",
			})
		}
	}
	return issues
}

func allVague(words []string) bool {
	for _, w := range words {
		if !vagueWords[w] {
			return false
		}
	}
	return len(words) > 0
}

func hasRationale(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"because", "so that", "rationale", "why:", "reason:"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func coherent(title string, tags []string) bool {
	lower := strings.ToLower(title)
	for _, t := range tags {
		for _, part := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return r == '-' || r == '_' || r == ' '
		}) {
			if len(part) >= 3 && strings.Contains(lower, part) {
				return true
			}
		}
	}
	return false
}

// detectDuplicates finds exact and semantic overlaps with existing active
// memories. excludeID skips the memory a proposal updates in place.
func (r *Reviewer) detectDuplicates(ctx context.Context, m *memory.MemoryFile, excludeID string) ([]Issue, []DuplicateMatch, error) {
	var issues []Issue
	var matches []DuplicateMatch

	active, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	bodyHash := hashBody(m.Body)
	for _, existing := range active {
		if existing.ID == excludeID || existing.Status != memory.StatusActive {
			continue
		}
		if hashBody(existing.Body) == bodyHash {
			issues = append(issues, Issue{
				Code:     "duplicate_exact",
				Message:  fmt.Sprintf("body is identical to %s (%s)", existing.ID, existing.RelPath),
				Severity: SeverityError,
			})
			matches = append(matches, DuplicateMatch{
				MemoryID: existing.ID, Path: existing.RelPath, Similarity: 1.0, MatchType: MatchExact,
			})
		}
	}
	if len(matches) > 0 {
		// An exact hit already rejects the proposal; no need to embed.
		return issues, matches, nil
	}

	vecs, err := r.embedder.EmbedMemory(ctx, m)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding proposal for duplicate check: %w", err)
	}
	hits, err := r.store.SearchByContent(ctx, vecs.Composite, nil,
		store.SearchFilters{ExcludeDeprecated: true}, len(active))
	if err != nil {
		return nil, nil, err
	}
	for _, h := range hits {
		if h.Memory.ID == excludeID || h.Memory.Status != memory.StatusActive {
			continue
		}
		switch {
		case h.Similarity >= r.cfg.DuplicateSemantic:
			issues = append(issues, Issue{
				Code:     "duplicate_semantic",
				Message:  fmt.Sprintf("semantically duplicates %s (%s), similarity %.2f", h.Memory.ID, h.Memory.RelPath, h.Similarity),
				Severity: SeverityError,
			})
			matches = append(matches, DuplicateMatch{
				MemoryID: h.Memory.ID, Path: h.Memory.RelPath,
				Similarity: h.Similarity, MatchType: MatchSemantic,
			})
		case h.Similarity >= r.cfg.DuplicateWarning:
			issues = append(issues, Issue{
				Code:       "similar_memory",
				Message:    fmt.Sprintf("resembles %s (%s), similarity %.2f", h.Memory.ID, h.Memory.RelPath, h.Similarity),
				Severity:   SeverityWarning,
				Suggestion: "consider updating the existing memory instead",
			})
			matches = append(matches, DuplicateMatch{
				MemoryID: h.Memory.ID, Path: h.Memory.RelPath,
				Similarity: h.Similarity, MatchType: MatchSimilar,
			})
		}
	}
	return issues, matches, nil
}

// contradictions lists token pairs whose asymmetric presence across two
// memories sharing tags suggests conflicting guidance. Longer phrase first
// so "must not" is not swallowed by "must".
var contradictions = [][2]string{
	{"must not", "must"},
	{"always", "never"},
	{"use", "avoid"},
	{"enable", "disable"},
	{"sync", "async"},
	{"allow", "forbid"},
}

// checkConflicts flags active memories that share at least two tags with
// the proposal and disagree on a contradictory token pair.
func (r *Reviewer) checkConflicts(ctx context.Context, m *memory.MemoryFile) ([]Issue, error) {
	active, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	propTags := tagSet(m.Header.Tags)
	propBody := strings.ToLower(m.Body)

	for _, existing := range active {
		if existing.Status != memory.StatusActive || existing.ID == m.Header.ID {
			continue
		}
		if sharedTags(propTags, existing.Tags) < 2 {
			continue
		}
		existingBody := strings.ToLower(existing.Body)
		for _, pair := range contradictions {
			if opposed(propBody, existingBody, pair) || opposed(existingBody, propBody, pair) {
				issues = append(issues, Issue{
					Code:     "conflict_warning",
					Message:  fmt.Sprintf("may contradict %s (%s) on %q vs %q", existing.ID, existing.RelPath, pair[0], pair[1]),
					Severity: SeverityWarning,
				})
				break
			}
		}
	}
	return issues, nil
}

// opposed reports whether a holds one side of the pair but not the other,
// while b holds the reverse.
func opposed(a, b string, pair [2]string) bool {
	return hasSide(a, pair[0], pair[1]) && !hasSide(a, pair[1], pair[0]) &&
		hasSide(b, pair[1], pair[0]) && !hasSide(b, pair[0], pair[1])
}

// hasSide checks for token presence. When the counterpart phrase contains
// the token ("must" inside "must not"), counterpart occurrences are removed
// first so they do not count as the shorter side.
func hasSide(text, token, counterpart string) bool {
	if strings.Contains(counterpart, token) {
		text = strings.ReplaceAll(text, counterpart, "")
	}
	return containsToken(text, token)
}

func containsToken(text, token string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], token)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(token)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func tagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

func sharedTags(set map[string]bool, tags []string) int {
	n := 0
	for _, t := range tags {
		if set[strings.ToLower(strings.TrimSpace(t))] {
			n++
		}
	}
	return n
}

func hashBody(body string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(body)))
	return hex.EncodeToString(sum[:])
}

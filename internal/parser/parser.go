// Package parser turns on-disk memory files into structured MemoryFile
// values. Failures are returned as structured errors, never panics; one bad
// file must never poison the parse of another.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/memory"
	"github.com/dmm-sh/dmm/internal/tokens"
)

// Parser validates memory files against the configured token limits.
type Parser struct {
	limits config.ValidationConfig
}

// New creates a Parser with the given validation limits.
func New(limits config.ValidationConfig) *Parser {
	return &Parser{limits: limits}
}

// ParseFile reads and parses the file at path. relPath is the
// slash-separated path relative to the memory root.
func (p *Parser) ParseFile(path, relPath string) ParseResult {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ParseResult{Err: &ParseError{Code: CodeIO, Message: fmt.Sprintf("reading %s: %v", path, err)}}
	}
	return p.Parse(raw, relPath)
}

// Parse parses raw file bytes. It is the same pipeline ParseFile runs after
// reading; the reviewer uses it directly on proposal content.
func (p *Parser) Parse(raw []byte, relPath string) ParseResult {
	var result ParseResult

	headerBytes, body, ok := splitFrontmatter(raw)
	if !ok {
		result.Err = &ParseError{Code: CodeMissingFrontmatter, Message: "file does not start with a --- fenced header"}
		return result
	}

	fields := map[string]any{}
	if err := yaml.Unmarshal(headerBytes, &fields); err != nil {
		result.Err = &ParseError{Code: CodeInvalidYAML, Message: fmt.Sprintf("header is not valid YAML: %v", err)}
		return result
	}

	// Legacy alias: memory_context is equivalent to memory, with memory
	// winning on collision.
	if _, hasAlias := fields["memory_context"]; hasAlias {
		result.Warnings = append(result.Warnings, Warning{
			Code: WarnDeprecatedKey, Field: "memory_context",
			Message: "memory_context is deprecated; use memory",
		})
		if _, hasCanonical := fields["memory"]; !hasCanonical {
			fields["memory"] = fields["memory_context"]
		}
		delete(fields, "memory_context")
	}

	var missing []string
	for _, f := range memory.RequiredHeaderFields {
		if _, ok := fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		result.Err = &ParseError{
			Code:    CodeMissingRequiredFields,
			Field:   strings.Join(missing, ", "),
			Message: fmt.Sprintf("header is missing required fields: %s", strings.Join(missing, ", ")),
		}
		return result
	}

	hdr, perr, warns := buildHeader(fields)
	result.Warnings = append(result.Warnings, warns...)
	if perr != nil {
		result.Err = perr
		return result
	}

	bodyStr := string(body)
	tokenCount := tokens.Count(bodyStr)
	if p.limits.MaxHardTokens > 0 && tokenCount > p.limits.MaxHardTokens {
		result.Err = &ParseError{
			Code:    CodeTokenCountHardLimit,
			Message: fmt.Sprintf("body is %d tokens, hard limit is %d", tokenCount, p.limits.MaxHardTokens),
		}
		return result
	}
	if tokenCount < p.limits.MinTokens {
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarnLowTokenCount,
			Message: fmt.Sprintf("body is %d tokens, below the soft minimum %d", tokenCount, p.limits.MinTokens),
		})
	}
	if tokenCount > p.limits.MaxTokens {
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarnHighTokenCount,
			Message: fmt.Sprintf("body is %d tokens, above the soft maximum %d", tokenCount, p.limits.MaxTokens),
		})
	}

	title := ExtractTitle(body)
	if title == "" {
		result.Warnings = append(result.Warnings, Warning{Code: WarnMissingTitle, Message: "body has no # title heading"})
	}

	relPath = strings.TrimPrefix(strings.ReplaceAll(relPath, "\\", "/"), "/")
	directory := relPath
	if i := strings.Index(relPath, "/"); i >= 0 {
		directory = relPath[:i]
	}
	if directory != "" && directory != string(hdr.Scope) {
		result.Warnings = append(result.Warnings, Warning{
			Code:    WarnScopeMismatch,
			Field:   "scope",
			Message: fmt.Sprintf("scope %q does not match directory %q", hdr.Scope, directory),
		})
	}

	sum := sha256.Sum256(raw)

	result.Memory = &memory.MemoryFile{
		Header:     *hdr,
		Body:       bodyStr,
		Title:      title,
		TokenCount: tokenCount,
		FileHash:   hex.EncodeToString(sum[:]),
		RelPath:    relPath,
		Directory:  directory,
	}
	return result
}

// buildHeader validates field types and enum values and assembles a Header.
// Unknown keys are preserved in Extra.
func buildHeader(fields map[string]any) (*memory.Header, *ParseError, []Warning) {
	var warns []Warning
	hdr := &memory.Header{}

	id, ok := fields["id"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Field: "id", Message: "id must be a string"}, warns
	}
	hdr.ID = id
	if !memory.IDPattern.MatchString(id) {
		warns = append(warns, Warning{
			Code: WarnInvalidIDFormat, Field: "id",
			Message: fmt.Sprintf("id %q does not match mem_YYYY_MM_DD_NNN", id),
		})
	}

	tags, perr := asStringList(fields["tags"], "tags")
	if perr != nil {
		return nil, perr, warns
	}
	hdr.Tags = tags
	if len(tags) == 0 {
		warns = append(warns, Warning{Code: WarnEmptyTags, Field: "tags", Message: "tags is empty"})
	}

	scopeStr, ok := fields["scope"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Field: "scope", Message: "scope must be a string"}, warns
	}
	hdr.Scope = memory.Scope(scopeStr)
	if !hdr.Scope.Valid() {
		return nil, &ParseError{Code: CodeInvalidEnum, Field: "scope", Message: fmt.Sprintf("unknown scope %q", scopeStr)}, warns
	}

	priority, ok := asFloat(fields["priority"])
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Field: "priority", Message: "priority must be a number"}, warns
	}
	if priority < 0 || priority > 1 {
		return nil, &ParseError{Code: CodeOutOfRange, Field: "priority", Message: fmt.Sprintf("priority %g is outside [0, 1]", priority)}, warns
	}
	hdr.Priority = priority

	confStr, ok := fields["confidence"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Field: "confidence", Message: "confidence must be a string"}, warns
	}
	hdr.Confidence = memory.Confidence(confStr)
	if !hdr.Confidence.Valid() {
		return nil, &ParseError{Code: CodeInvalidEnum, Field: "confidence", Message: fmt.Sprintf("unknown confidence %q", confStr)}, warns
	}

	statusStr, ok := fields["status"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Field: "status", Message: "status must be a string"}, warns
	}
	hdr.Status = memory.Status(statusStr)
	if !hdr.Status.Valid() {
		return nil, &ParseError{Code: CodeInvalidEnum, Field: "status", Message: fmt.Sprintf("unknown status %q", statusStr)}, warns
	}

	if hdr.Confidence == memory.ConfidenceDeprecated && hdr.Status == memory.StatusActive {
		warns = append(warns, Warning{
			Code: WarnStatusMismatch, Field: "status",
			Message: "confidence is deprecated but status is active",
		})
	}

	known := map[string]bool{
		"id": true, "tags": true, "scope": true, "priority": true,
		"confidence": true, "status": true, "created": true, "last_used": true,
		"usage_count": true, "supersedes": true, "related": true, "expires": true,
	}
	for key, val := range fields {
		if known[key] {
			continue
		}
		if hdr.Extra == nil {
			hdr.Extra = map[string]any{}
		}
		hdr.Extra[key] = val
	}

	for key, dst := range map[string]*string{"created": &hdr.Created, "last_used": &hdr.LastUsed, "expires": &hdr.Expires} {
		if v, present := fields[key]; present {
			s, ok := v.(string)
			if !ok {
				return nil, &ParseError{Code: CodeInvalidType, Field: key, Message: key + " must be an ISO date string"}, warns
			}
			*dst = s
		}
	}
	if v, present := fields["usage_count"]; present {
		n, ok := asFloat(v)
		if !ok {
			return nil, &ParseError{Code: CodeInvalidType, Field: "usage_count", Message: "usage_count must be an integer"}, warns
		}
		hdr.UsageCount = int(n)
	}
	for key, dst := range map[string]*[]string{"supersedes": &hdr.Supersedes, "related": &hdr.Related} {
		if v, present := fields[key]; present {
			list, perr := asStringList(v, key)
			if perr != nil {
				return nil, perr, warns
			}
			*dst = list
		}
	}

	if hdr.Scope == memory.ScopeEphemeral && hdr.Expires == "" {
		warns = append(warns, Warning{Code: WarnMissingExpires, Field: "expires", Message: "ephemeral memory has no expires date"})
	}

	return hdr, nil, warns
}

// splitFrontmatter extracts the YAML header between the leading --- fences.
func splitFrontmatter(raw []byte) (header, body []byte, ok bool) {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if !strings.HasPrefix(s, "---\n") {
		return nil, nil, false
	}
	rest := s[len("---\n"):]

	if idx := strings.Index(rest, "\n---\n"); idx >= 0 {
		header = []byte(rest[:idx+1])
		body = []byte(strings.TrimLeft(rest[idx+len("\n---\n"):], "\n"))
		return header, body, true
	}
	// Closing fence at end of file with no trailing newline.
	if strings.HasSuffix(rest, "\n---") {
		return []byte(rest[:len(rest)-len("---")]), nil, true
	}
	return nil, nil, false
}

// asStringList accepts either a YAML sequence of strings or a single string.
func asStringList(v any, field string) ([]string, *ParseError) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, &ParseError{Code: CodeInvalidType, Field: field, Message: field + " must be a list of strings"}
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, &ParseError{Code: CodeInvalidType, Field: field, Message: field + " must be a list of strings"}
}

// asFloat converts the numeric types the YAML decoder produces.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

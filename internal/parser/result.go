package parser

import (
	"fmt"

	"github.com/dmm-sh/dmm/internal/memory"
)

// Error codes. Errors make a file unindexable; warnings do not.
const (
	CodeIO                    = "io"
	CodeMissingFrontmatter    = "missing_frontmatter"
	CodeInvalidYAML           = "invalid_yaml"
	CodeMissingRequiredFields = "missing_required_fields"
	CodeInvalidType           = "invalid_type"
	CodeInvalidEnum           = "invalid_enum"
	CodeOutOfRange            = "out_of_range"
	CodeTokenCountHardLimit   = "token_count_hard_limit"
)

// Warning codes.
const (
	WarnLowTokenCount   = "low_token_count"
	WarnHighTokenCount  = "high_token_count"
	WarnMissingTitle    = "missing_title"
	WarnInvalidIDFormat = "invalid_id_format"
	WarnEmptyTags       = "empty_tags"
	WarnMissingExpires  = "missing_expires"
	WarnStatusMismatch  = "status_mismatch"
	WarnScopeMismatch   = "scope_mismatch"
	WarnDeprecatedKey   = "deprecated_key"
)

// ParseError is a structured failure local to one file.
type ParseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Warning is a non-fatal finding attached to an otherwise valid parse.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ParseResult carries either a parsed memory or a structured error, plus
// any warnings collected along the way.
type ParseResult struct {
	Memory   *memory.MemoryFile `json:"memory,omitempty"`
	Err      *ParseError        `json:"error,omitempty"`
	Warnings []Warning          `json:"warnings,omitempty"`
}

// OK reports whether the parse produced a usable memory.
func (r ParseResult) OK() bool { return r.Err == nil && r.Memory != nil }

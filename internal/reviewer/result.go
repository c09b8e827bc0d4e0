package reviewer

// Severity grades an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one finding produced by a validator.
type Issue struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	Field      string   `json:"field,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// MatchType classifies a duplicate match.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchSemantic MatchType = "semantic"
	MatchSimilar  MatchType = "similar"
)

// DuplicateMatch points at an existing memory resembling the proposal.
type DuplicateMatch struct {
	MemoryID   string    `json:"memory_id"`
	Path       string    `json:"path"`
	Similarity float64   `json:"similarity"`
	MatchType  MatchType `json:"match_type"`
}

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
	DecisionDefer   Decision = "defer"
)

// Result is the full outcome of reviewing one proposal.
type Result struct {
	ProposalID string   `json:"proposal_id"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`

	SchemaOK    bool `json:"schema_ok"`
	QualityOK   bool `json:"quality_ok"`
	DuplicateOK bool `json:"duplicate_ok"`

	Issues          []Issue          `json:"issues,omitempty"`
	Duplicates      []DuplicateMatch `json:"duplicates,omitempty"`
	ModifiedContent string           `json:"modified_content,omitempty"`
	Notes           string           `json:"notes,omitempty"`
}

// HasErrors reports whether any issue is error severity.
func (r *Result) HasErrors() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

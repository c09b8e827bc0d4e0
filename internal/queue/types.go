package queue

import "time"

// Type enumerates what a proposal asks for.
type Type string

const (
	TypeCreate    Type = "create"
	TypeUpdate    Type = "update"
	TypeDeprecate Type = "deprecate"
	TypePromote   Type = "promote"
)

// Valid reports whether t is a recognized proposal type.
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDeprecate, TypePromote:
		return true
	}
	return false
}

// Status is the lifecycle stage of a proposal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInReview  Status = "in_review"
	StatusApproved  Status = "approved"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
	StatusModified  Status = "modified"
	StatusDeferred  Status = "deferred"
	StatusFailed    Status = "failed"
)

// validTransitions is the status DAG. Anything not listed is rejected.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusInReview},
	StatusInReview: {StatusApproved, StatusRejected, StatusModified, StatusDeferred},
	StatusApproved: {StatusCommitted, StatusFailed},
	StatusDeferred: {StatusPending},
	StatusFailed:   {StatusPending},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Proposal is a queued write request. Immutable except for status fields.
type Proposal struct {
	ProposalID    string     `json:"proposal_id"`
	Type          Type       `json:"type"`
	TargetPath    string     `json:"target_path"`
	Reason        string     `json:"reason"`
	Content       string     `json:"content,omitempty"`
	MemoryID      string     `json:"memory_id,omitempty"`
	NewScope      string     `json:"new_scope,omitempty"`
	ProposedBy    string     `json:"proposed_by"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	ReviewerNotes string     `json:"reviewer_notes,omitempty"`
	CommitError   string     `json:"commit_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CommittedAt   *time.Time `json:"committed_at,omitempty"`
}

// HistoryEntry is one audit record of a status change.
type HistoryEntry struct {
	ProposalID string    `json:"proposal_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

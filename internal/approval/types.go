package approval

import (
	"context"
	"time"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
	// StatusConsumed marks an approved request whose action already ran.
	StatusConsumed RequestStatus = "consumed"
)

// Request is a persisted approval request record.
type Request struct {
	ID           string        `json:"id"`
	ToolName     string        `json:"tool_name"`
	ArgsJSON     string        `json:"args_json"`
	Session      string        `json:"session,omitempty"`
	Risk         string        `json:"risk,omitempty"`
	Rule         string        `json:"rule,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	DecisionNote string        `json:"decision_note,omitempty"`
	Status       RequestStatus `json:"status"`
	RequestedAt  time.Time     `json:"requested_at"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
	DecidedAt    time.Time     `json:"decided_at,omitempty"`
	DecidedBy    string        `json:"decided_by,omitempty"`
}

func (r Request) expiredAt(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// CreateInput contains fields needed to create an approval request.
type CreateInput struct {
	ToolName string
	ArgsJSON string
	Session  string
	Risk     string
	Rule     string
	Reason   string
	TTL      time.Duration
}

// DecisionInput contains fields needed to approve/reject a request.
type DecisionInput struct {
	DecidedBy string
	Note      string
}

// Query filters approval requests when listing.
type Query struct {
	ID       string
	Status   RequestStatus
	ToolName string
	Session  string
}

// Answer is an operator's reply to an approval prompt.
type Answer string

const (
	AnswerYes    Answer = "yes"
	AnswerNo     Answer = "no"
	AnswerAlways Answer = "always"
	// AnswerPending means the request was queued for an out-of-band decision.
	AnswerPending Answer = "pending"
)

// Prompt describes the action an operator is asked about.
type Prompt struct {
	ToolName string
	ArgsJSON string
	Summary  string
	Session  string
	Risk     string
	Rule     string
	Reason   string
}

// Approver obtains a decision for an action the policy engine gated.
type Approver interface {
	Ask(ctx context.Context, prompt Prompt) (Answer, error)
}

// Committer is implemented by approvers whose yes is backed by a stored,
// single-use approval. Commit spends it once the action is cleared to run.
type Committer interface {
	Commit(ctx context.Context, prompt Prompt) error
}

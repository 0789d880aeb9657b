// Package task defines the task domain model, the status state machine, and
// the store port.
//
// The store is the single source of truth for status: every status change goes
// through Advance, which enforces the legal-transition table and records an
// audit transition under the store's optimistic concurrency.
package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusRejected         Status = "rejected"
	StatusFailed           Status = "failed"
	StatusDeduplicated     Status = "deduplicated"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed, StatusDeduplicated:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses lists every status that counts against the
// one-active-task-per-fingerprint invariant.
func NonTerminalStatuses() []Status {
	return []Status{StatusQueued, StatusPlanning, StatusAwaitingApproval, StatusApproved, StatusExecuting}
}

// Kind classifies what a task is asked to do.
type Kind string

const (
	KindEnrich  Kind = "enrich"
	KindFix     Kind = "fix"
	KindApprove Kind = "approve"
	KindImprove Kind = "improve"
	KindReview  Kind = "review"
)

// ValidKind reports whether k is a recognized task kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindEnrich, KindFix, KindApprove, KindImprove, KindReview:
		return true
	default:
		return false
	}
}

// Priority orders queue dequeues. Higher ranks dequeue first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to a sortable weight; unknown priorities rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// Provider tags which external system an installation or origin belongs to.
type Provider string

const (
	ProviderCodeHost      Provider = "code-host"
	ProviderIssueTracker  Provider = "issue-tracker"
	ProviderChat          Provider = "chat"
	ProviderErrorReporter Provider = "error-reporter"
)

// Origin describes where a task came from.
type Origin struct {
	Provider       Provider `json:"provider"`
	OrganizationID string   `json:"organization_id"`
	EventID        string   `json:"event_id"`
	Actor          string   `json:"actor,omitempty"`
	Surface        string   `json:"surface,omitempty"` // e.g. "pr-comment", "ticket", "chat"
}

// Target describes what a task operates on.
type Target struct {
	Repo string `json:"repo"`          // full name, e.g. "org/repo"
	Ref  string `json:"ref,omitempty"` // PR or issue reference, e.g. "PR#17"
}

// Usage accumulates subprocess cost counters.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	WallSeconds  float64 `json:"wall_seconds"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.WallSeconds += other.WallSeconds
	u.CostUSD += other.CostUSD
}

// Task is the unit of autonomous work.
type Task struct {
	TaskID      string `json:"task_id"`
	Fingerprint string `json:"fingerprint"`

	Origin Origin `json:"origin"`
	Target Target `json:"target"`

	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	// Artifacts produced by the agent stages.
	PlanRef string `json:"plan_ref,omitempty"`
	PRRef   string `json:"pr_ref,omitempty"`

	// Reviewer feedback attached by the improve command; visible in the next
	// planning invocation's task descriptor.
	Feedback string `json:"feedback,omitempty"`

	Usage Usage `json:"usage"`

	// Version increments on every store update; Update calls check-and-set it.
	Version int64 `json:"version"`
}

// Outcome classifies how an agent execution finished.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Terminal reports whether the outcome is final. An empty outcome marks an
// execution still in flight.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeTimeout, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// ExecutionRecord captures one agent pass over a task. Records for a task form
// an ordered chain; only the last may be non-terminal.
type ExecutionRecord struct {
	ExecutionID string     `json:"execution_id"`
	TaskID      string     `json:"task_id"`
	AgentName   string     `json:"agent_name"`
	SessionID   string     `json:"session_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	Usage       Usage      `json:"usage"`
	NextAgent   string     `json:"next_agent,omitempty"`
}

// Transition records one status change in the audit trail.
type Transition struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Event      Event     `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Package collab declares the narrow interfaces the core asks of external
// collaboration surfaces. Provider REST clients implement these elsewhere;
// the core only depends on the contracts.
package collab

import (
	"context"

	"mend/internal/task"
)

// CodeHost is the PR/review surface.
type CodeHost interface {
	// PostPlanComment publishes a plan artifact for human review and returns
	// a reference to it (e.g. a PR or comment URL).
	PostPlanComment(ctx context.Context, t *task.Task, plan string) (ref string, err error)

	// Comment posts a progress or status comment on the task's target.
	Comment(ctx context.Context, t *task.Task, body string) error

	// CIStatus reports the latest CI state for the task's target.
	CIStatus(ctx context.Context, t *task.Task) (string, error)

	// CILogs fetches the tail of the failing CI job's log.
	CILogs(ctx context.Context, t *task.Task) (string, error)

	// RetryCI re-runs the failed CI jobs.
	RetryCI(ctx context.Context, t *task.Task) error
}

// IssueTracker is the ticket surface.
type IssueTracker interface {
	Comment(ctx context.Context, t *task.Task, body string) error
	TransitionTicket(ctx context.Context, t *task.Task, state string) error
}

// Chat is the notification surface.
type Chat interface {
	Notify(ctx context.Context, t *task.Task, message string) error
}

// ErrorReporter is the alerting surface.
type ErrorReporter interface {
	ResolveIssue(ctx context.Context, t *task.Task) error
}

// Set bundles all collaborator surfaces for fan-out.
type Set struct {
	CodeHost      CodeHost
	IssueTracker  IssueTracker
	Chat          Chat
	ErrorReporter ErrorReporter
}

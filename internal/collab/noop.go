package collab

import (
	"context"
	"sync"

	"mend/internal/task"
)

// NoopSet returns collaborators that accept everything and do nothing. Used
// when serve mode runs without provider credentials.
func NoopSet() Set {
	n := noop{}
	return Set{CodeHost: n, IssueTracker: n, Chat: n, ErrorReporter: n}
}

type noop struct{}

func (noop) PostPlanComment(ctx context.Context, t *task.Task, plan string) (string, error) {
	return "", nil
}
func (noop) Comment(ctx context.Context, t *task.Task, body string) error              { return nil }
func (noop) CIStatus(ctx context.Context, t *task.Task) (string, error)                { return "unknown", nil }
func (noop) CILogs(ctx context.Context, t *task.Task) (string, error)                  { return "", nil }
func (noop) RetryCI(ctx context.Context, t *task.Task) error                           { return nil }
func (noop) TransitionTicket(ctx context.Context, t *task.Task, state string) error    { return nil }
func (noop) Notify(ctx context.Context, t *task.Task, message string) error            { return nil }
func (noop) ResolveIssue(ctx context.Context, t *task.Task) error                      { return nil }

// Recorder captures collaborator calls for tests.
type Recorder struct {
	mu       sync.Mutex
	PlanRefs []string
	Comments []string
	Notices  []string
	Retries  int
	PlanRef  string // returned by PostPlanComment; defaults to "plan-ref"
}

func (r *Recorder) PostPlanComment(ctx context.Context, t *task.Task, plan string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.PlanRef
	if ref == "" {
		ref = "plan-ref"
	}
	r.PlanRefs = append(r.PlanRefs, ref)
	return ref, nil
}

func (r *Recorder) Comment(ctx context.Context, t *task.Task, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Comments = append(r.Comments, body)
	return nil
}

func (r *Recorder) CIStatus(ctx context.Context, t *task.Task) (string, error) { return "passing", nil }
func (r *Recorder) CILogs(ctx context.Context, t *task.Task) (string, error)   { return "ci log tail", nil }

func (r *Recorder) RetryCI(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Retries++
	return nil
}

func (r *Recorder) TransitionTicket(ctx context.Context, t *task.Task, state string) error {
	return nil
}

func (r *Recorder) Notify(ctx context.Context, t *task.Task, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notices = append(r.Notices, message)
	return nil
}

func (r *Recorder) ResolveIssue(ctx context.Context, t *task.Task) error { return nil }

// RecorderSet bundles one recorder behind every surface.
func RecorderSet(r *Recorder) Set {
	return Set{CodeHost: r, IssueTracker: r, Chat: r, ErrorReporter: r}
}

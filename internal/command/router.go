package command

import (
	"context"
	"fmt"

	"mend/internal/faults"
	"mend/internal/logging"
	"mend/internal/orchestrator"
	"mend/internal/task"
)

// Surface identifies where a command was issued.
type Surface string

const (
	SurfacePRComment Surface = "pr-comment"
	SurfaceChat      Surface = "chat"
	SurfaceTicket    Surface = "ticket"
)

// Context carries what the surface knows about the invocation.
type Context struct {
	Surface        Surface
	Provider       task.Provider
	OrganizationID string
	EventID        string
	Actor          string

	// TaskID is set when the surface names a task directly. Otherwise the
	// router resolves it from Repo/Ref.
	TaskID string
	Repo   string
	Ref    string
}

// Result is what the router reports back to the origin surface.
type Result struct {
	Status  string     `json:"status"` // ok, ignored, error
	TaskID  string     `json:"task_id,omitempty"`
	Message string     `json:"message,omitempty"`
	Task    *task.Task `json:"-"`
}

// surfaceMatrix lists which surfaces may issue each verb.
var surfaceMatrix = map[Verb][]Surface{
	VerbApprove:  {SurfacePRComment, SurfaceChat},
	VerbReject:   {SurfacePRComment, SurfaceChat},
	VerbImprove:  {SurfacePRComment, SurfaceChat},
	VerbStatus:   {SurfacePRComment, SurfaceChat, SurfaceTicket},
	VerbHelp:     {SurfacePRComment, SurfaceChat, SurfaceTicket},
	VerbCIStatus: {SurfacePRComment},
	VerbCILogs:   {SurfacePRComment},
	VerbRetryCI:  {SurfacePRComment},
	VerbAsk:      {SurfacePRComment, SurfaceChat, SurfaceTicket},
}

func surfaceAllowed(verb Verb, surface Surface) bool {
	for _, s := range surfaceMatrix[verb] {
		if s == surface {
			return true
		}
	}
	return false
}

// Router dispatches parsed commands to the orchestrator.
type Router struct {
	svc    *orchestrator.Service
	logger logging.Logger
}

// NewRouter constructs a Router over the orchestrator service.
func NewRouter(svc *orchestrator.Service) *Router {
	return &Router{svc: svc, logger: logging.NewComponentLogger("CommandRouter")}
}

// Execute runs one command. Unknown verbs answer with usage and mutate
// nothing.
func (r *Router) Execute(ctx context.Context, cmd *Command, sctx Context) (*Result, error) {
	if cmd == nil {
		return &Result{Status: "ignored"}, nil
	}
	if cmd.Verb == VerbUnknown {
		return &Result{Status: "ok", Message: Usage("")}, nil
	}
	if cmd.Verb == VerbHelp {
		return &Result{Status: "ok", Message: Usage(cmd.Args)}, nil
	}
	if !surfaceAllowed(cmd.Verb, sctx.Surface) {
		return nil, faults.New(faults.KindValidation, "unsupported-surface")
	}

	switch cmd.Verb {
	case VerbAsk:
		return r.ask(ctx, cmd, sctx)
	}

	t, err := r.resolveTask(ctx, sctx)
	if err != nil {
		return nil, err
	}

	switch cmd.Verb {
	case VerbApprove:
		updated, err := r.svc.Approve(ctx, t.TaskID, sctx.Actor)
		if err != nil {
			return nil, err
		}
		return &Result{Status: "ok", TaskID: updated.TaskID, Message: "approved; execution queued", Task: updated}, nil

	case VerbReject:
		updated, err := r.svc.Reject(ctx, t.TaskID, sctx.Actor, cmd.Args)
		if err != nil {
			return nil, err
		}
		return &Result{Status: "ok", TaskID: updated.TaskID, Message: "rejected", Task: updated}, nil

	case VerbImprove:
		if cmd.Args == "" {
			return nil, faults.New(faults.KindValidation, "improve requires feedback text")
		}
		updated, err := r.svc.Improve(ctx, t.TaskID, sctx.Actor, cmd.Args)
		if err != nil {
			return nil, err
		}
		return &Result{Status: "ok", TaskID: updated.TaskID, Message: "replanning with feedback", Task: updated}, nil

	case VerbStatus:
		return &Result{
			Status: "ok",
			TaskID: t.TaskID,
			Message: fmt.Sprintf("%s: %s (kind=%s, attempts=%d)",
				t.TaskID, t.Status, t.Kind, t.Attempts),
			Task: t,
		}, nil

	case VerbCIStatus:
		state, err := r.svc.Collaborators().CodeHost.CIStatus(ctx, t)
		if err != nil {
			return nil, err
		}
		return &Result{Status: "ok", TaskID: t.TaskID, Message: "ci: " + state, Task: t}, nil

	case VerbCILogs:
		logs, err := r.svc.Collaborators().CodeHost.CILogs(ctx, t)
		if err != nil {
			return nil, err
		}
		return &Result{Status: "ok", TaskID: t.TaskID, Message: logs, Task: t}, nil

	case VerbRetryCI:
		if err := r.svc.Collaborators().CodeHost.RetryCI(ctx, t); err != nil {
			return nil, err
		}
		return &Result{Status: "ok", TaskID: t.TaskID, Message: "ci retry requested", Task: t}, nil
	}

	return &Result{Status: "ignored"}, nil
}

func (r *Router) ask(ctx context.Context, cmd *Command, sctx Context) (*Result, error) {
	if sctx.Repo == "" {
		return nil, faults.New(faults.KindNotFound, "no-task-in-context")
	}
	t, duplicate, err := r.svc.CreateTask(ctx, orchestrator.CreateParams{
		Origin: task.Origin{
			Provider:       sctx.Provider,
			OrganizationID: sctx.OrganizationID,
			EventID:        sctx.EventID,
			Actor:          sctx.Actor,
			Surface:        string(sctx.Surface),
		},
		Target:   task.Target{Repo: sctx.Repo, Ref: sctx.Ref},
		Kind:     task.KindReview,
		Priority: task.PriorityLow,
	})
	if err != nil {
		return nil, err
	}
	status := "ok"
	if duplicate {
		status = "duplicate"
	}
	return &Result{Status: status, TaskID: t.TaskID, Message: "review task queued", Task: t}, nil
}

// resolveTask finds the task a surface-context command refers to.
func (r *Router) resolveTask(ctx context.Context, sctx Context) (*task.Task, error) {
	if sctx.TaskID != "" {
		t, err := r.svc.Store().Get(ctx, sctx.TaskID)
		if err != nil {
			if faults.Is(err, faults.KindNotFound) {
				return nil, faults.New(faults.KindNotFound, "no-task-in-context")
			}
			return nil, err
		}
		return t, nil
	}
	if sctx.Repo == "" {
		return nil, faults.New(faults.KindNotFound, "no-task-in-context")
	}

	// Match the newest non-terminal task on the same target. PR surfaces also
	// match tasks whose plan artifact points at the PR the comment is on.
	page, err := r.svc.Store().List(ctx, task.Filter{Statuses: task.NonTerminalStatuses()}, "", 200)
	if err != nil {
		return nil, err
	}
	for _, t := range page.Tasks {
		if t.Target.Repo != sctx.Repo {
			continue
		}
		if t.Target.Ref == sctx.Ref || (sctx.Ref != "" && t.PlanRef == sctx.Ref) {
			return t, nil
		}
	}
	return nil, faults.New(faults.KindNotFound, "no-task-in-context")
}

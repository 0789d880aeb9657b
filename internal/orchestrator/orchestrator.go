// Package orchestrator wires task creation and state transitions to their
// side effects: queue movements, collaborator notifications, and metrics.
//
// It is the only caller of task.Advance outside of tests, which keeps every
// status change on a legal state-machine path.
package orchestrator

import (
	"context"
	"time"

	"mend/internal/clock"
	"mend/internal/collab"
	"mend/internal/faults"
	"mend/internal/ids"
	"mend/internal/logging"
	"mend/internal/observability"
	"mend/internal/queue"
	"mend/internal/task"
)

// Service coordinates the task lifecycle.
type Service struct {
	store   task.Store
	queue   queue.Queue
	collabs collab.Set
	metrics *observability.Metrics
	clock   clock.Clock
	logger  logging.Logger

	maxAttempts int
}

// New constructs the orchestrator service.
func New(store task.Store, q queue.Queue, collabs collab.Set, metrics *observability.Metrics, clk clock.Clock, maxAttempts int) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if metrics == nil {
		metrics = observability.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		store:       store,
		queue:       q,
		collabs:     collabs,
		metrics:     metrics,
		clock:       clk,
		logger:      logging.NewComponentLogger("Orchestrator"),
		maxAttempts: maxAttempts,
	}
}

// Store exposes the underlying task store for read paths.
func (s *Service) Store() task.Store { return s.store }

// Queue exposes the underlying queue for inspection paths.
func (s *Service) Queue() queue.Queue { return s.queue }

// CreateParams describe a task to create.
type CreateParams struct {
	Origin   task.Origin
	Target   task.Target
	Kind     task.Kind
	Priority task.Priority
}

// CreateTask builds, persists, and enqueues a task into the plan queue.
// A fingerprint collision with an active task returns that task with
// duplicate=true and enqueues nothing.
func (s *Service) CreateTask(ctx context.Context, params CreateParams) (t *task.Task, duplicate bool, err error) {
	if !task.ValidKind(params.Kind) {
		return nil, false, faults.New(faults.KindValidation, "unknown task kind %q", params.Kind)
	}
	if params.Target.Repo == "" {
		return nil, false, faults.New(faults.KindValidation, "target repo is required")
	}
	if params.Priority.Rank() < 0 {
		params.Priority = task.PriorityNormal
	}

	fingerprint := ids.Fingerprint(string(params.Origin.Provider), params.Origin.EventID,
		params.Target.Repo, params.Target.Ref)

	now := s.clock.Now()
	t = &task.Task{
		TaskID:      ids.NewTaskID(),
		Fingerprint: fingerprint,
		Origin:      params.Origin,
		Target:      params.Target,
		Kind:        params.Kind,
		Priority:    params.Priority,
		Status:      task.StatusQueued,
		CreatedAt:   now,
	}

	if err := s.store.Create(ctx, t); err != nil {
		if faults.Is(err, faults.KindDuplicate) {
			existing, findErr := s.store.FindActiveByFingerprint(ctx, fingerprint)
			if findErr != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		return nil, false, err
	}

	if err := s.store.RecordTransition(ctx, &task.Transition{
		TaskID:    t.TaskID,
		ToStatus:  task.StatusQueued,
		Event:     task.EventCreated,
		Actor:     params.Origin.Actor,
		CreatedAt: now,
	}); err != nil {
		return nil, false, err
	}

	if err := s.enqueue(ctx, t, queue.Plan); err != nil {
		if faults.Is(err, faults.KindDuplicate) {
			// The store row is new, so a queue-side duplicate means a racing
			// create won; report the winner.
			existing, findErr := s.store.FindActiveByFingerprint(ctx, fingerprint)
			if findErr == nil && existing.TaskID != t.TaskID {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	s.metrics.TasksCreated.WithLabelValues(string(t.Kind), string(t.Origin.Provider)).Inc()
	s.logger.Info("task %s created kind=%s target=%s", t.TaskID, t.Kind, t.Target.Repo)
	return t, false, nil
}

func (s *Service) enqueue(ctx context.Context, t *task.Task, name queue.Name) error {
	return s.queue.Enqueue(ctx, queue.Item{
		Queue:       name,
		TaskID:      t.TaskID,
		Fingerprint: t.Fingerprint,
		Priority:    t.Priority,
		EnqueuedAt:  s.clock.Now(),
	})
}

func (s *Service) advance(ctx context.Context, taskID string, event task.Event, opts ...task.AdvanceOption) (*task.Task, error) {
	t, err := task.Advance(ctx, s.store, s.clock.Now, taskID, event, opts...)
	if err != nil {
		return nil, err
	}
	s.metrics.TaskTransitions.WithLabelValues(string(event), string(t.Status)).Inc()
	return t, nil
}

// Approve moves an awaiting-approval task to approved and enqueues execution.
func (s *Service) Approve(ctx context.Context, taskID, actor string) (*task.Task, error) {
	t, err := s.advance(ctx, taskID, task.EventApprove, task.WithActor(actor))
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, t, queue.Execute); err != nil && !faults.Is(err, faults.KindDuplicate) {
		return nil, err
	}
	s.notify(ctx, t, "plan approved by "+actor+"; execution queued")
	return t, nil
}

// Reject terminates an awaiting-approval task.
func (s *Service) Reject(ctx context.Context, taskID, actor, reason string) (*task.Task, error) {
	t, err := s.advance(ctx, taskID, task.EventReject,
		task.WithActor(actor), task.WithReason(reason))
	if err != nil {
		return nil, err
	}
	s.notify(ctx, t, "plan rejected by "+actor)
	return t, nil
}

// Improve sends an awaiting-approval task back to planning with feedback and
// re-enqueues the plan stage.
func (s *Service) Improve(ctx context.Context, taskID, actor, feedback string) (*task.Task, error) {
	t, err := s.advance(ctx, taskID, task.EventImprove,
		task.WithActor(actor),
		task.WithMutation(func(t *task.Task) error {
			t.Feedback = feedback
			return nil
		}))
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, t, queue.Plan); err != nil && !faults.Is(err, faults.KindDuplicate) {
		return nil, err
	}
	return t, nil
}

// BeginStage marks a claimed task as planning or executing and opens its
// execution record.
func (s *Service) BeginStage(ctx context.Context, taskID, agentName string) (*task.Task, *task.ExecutionRecord, error) {
	t, err := s.advance(ctx, taskID, task.EventWorkerClaim, task.WithActor(agentName))
	if err != nil {
		return nil, nil, err
	}
	rec := &task.ExecutionRecord{
		ExecutionID: ids.NewExecutionID(),
		TaskID:      taskID,
		AgentName:   agentName,
		StartedAt:   s.clock.Now(),
	}
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		return nil, nil, err
	}
	return t, rec, nil
}

// PlanSucceeded publishes the plan artifact and parks the task for approval.
func (s *Service) PlanSucceeded(ctx context.Context, taskID, planRef string, usage task.Usage) (*task.Task, error) {
	t, err := s.advance(ctx, taskID, task.EventPlanSucceeded,
		task.WithMutation(func(t *task.Task) error {
			t.PlanRef = planRef
			t.Usage.Add(usage)
			t.LastError = ""
			return nil
		}))
	if err != nil {
		return nil, err
	}
	s.notify(ctx, t, "plan ready for review: "+planRef)
	return t, nil
}

// ExecSucceeded records the PR artifact and completes the task.
func (s *Service) ExecSucceeded(ctx context.Context, taskID, prRef string, usage task.Usage) (*task.Task, error) {
	t, err := s.advance(ctx, taskID, task.EventExecSucceeded,
		task.WithMutation(func(t *task.Task) error {
			t.PRRef = prRef
			t.Usage.Add(usage)
			t.LastError = ""
			return nil
		}))
	if err != nil {
		return nil, err
	}
	s.notify(ctx, t, "execution complete: "+prRef)
	return t, nil
}

// StageFailed routes a stage failure: retryable failures below the attempt cap
// go back to their queue-visible status, everything else terminates the task.
// The caller still nacks or acks the queue item; requeued reports which.
func (s *Service) StageFailed(ctx context.Context, t *task.Task, stageEvent task.Event, reason string, retryable bool, usage task.Usage) (requeued bool, err error) {
	attempts := t.Attempts + 1
	mutation := task.WithMutation(func(t *task.Task) error {
		t.Attempts = attempts
		t.LastError = reason
		t.Usage.Add(usage)
		return nil
	})

	if retryable && attempts < s.maxAttempts {
		if _, err := s.advance(ctx, t.TaskID, stageEvent, mutation, task.WithReason(reason)); err != nil {
			return false, err
		}
		return true, nil
	}

	finalReason := reason
	if retryable {
		finalReason = "max-retries: " + reason
	}
	if _, err := s.advance(ctx, t.TaskID, task.EventFailed,
		task.WithReason(finalReason),
		task.WithMutation(func(t *task.Task) error {
			t.Attempts = attempts
			t.LastError = finalReason
			t.Usage.Add(usage)
			return nil
		})); err != nil {
		return false, err
	}
	updated, getErr := s.store.Get(ctx, t.TaskID)
	if getErr == nil {
		s.notify(ctx, updated, "task failed: "+finalReason)
	}
	return false, nil
}

// FailDeadLettered terminates a task whose queue item exhausted its attempts.
func (s *Service) FailDeadLettered(ctx context.Context, taskID string) error {
	_, err := s.advance(ctx, taskID, task.EventFailed,
		task.WithReason("max-retries"),
		task.WithMutation(func(t *task.Task) error {
			t.LastError = "max-retries"
			return nil
		}))
	if err != nil && faults.Is(err, faults.KindIllegalTransition) {
		// Already terminal; nothing to do.
		return nil
	}
	return err
}

// Cancel forces a non-terminal task to a terminal state. Awaiting-approval
// tasks reject; anything else fails with the cancelled reason.
func (s *Service) Cancel(ctx context.Context, taskID, actor string) (*task.Task, error) {
	current, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, faults.New(faults.KindIllegalTransition, "task %s already %s", taskID, current.Status)
	}
	if current.Status == task.StatusAwaitingApproval {
		return s.Reject(ctx, taskID, actor, "cancelled")
	}
	return s.advance(ctx, taskID, task.EventFailed,
		task.WithActor(actor), task.WithReason("cancelled"),
		task.WithMutation(func(t *task.Task) error {
			t.LastError = "cancelled"
			return nil
		}))
}

// FinishExecution closes the open execution record.
func (s *Service) FinishExecution(ctx context.Context, executionID string, outcome task.Outcome, usage task.Usage, nextAgent string) error {
	return s.store.FinishExecution(ctx, executionID, outcome, usage, nextAgent, s.clock.Now())
}

func (s *Service) notify(ctx context.Context, t *task.Task, message string) {
	if s.collabs.Chat == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := faults.Retry(notifyCtx, faults.DefaultRetryConfig(), func(ctx context.Context) error {
		if err := s.collabs.Chat.Notify(ctx, t, message); err != nil {
			return faults.Wrap(faults.KindUnavailable, err, "chat notify")
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("chat notify failed for %s: %v", t.TaskID, err)
	}
}

// Collaborators exposes the collaborator set for handlers that delegate
// (ci-status, ci-logs, retry-ci).
func (s *Service) Collaborators() collab.Set { return s.collabs }

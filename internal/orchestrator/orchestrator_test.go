package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"mend/internal/collab"
	"mend/internal/faults"
	"mend/internal/queue"
	queuemem "mend/internal/queue/memory"
	"mend/internal/task"
	taskmem "mend/internal/task/memory"
)

type fixture struct {
	svc      *Service
	queue    queue.Queue
	recorder *collab.Recorder
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	rec := &collab.Recorder{}
	q := queuemem.New(queuemem.Options{})
	svc := New(taskmem.New(nil), q, collab.RecorderSet(rec), nil, nil, maxAttempts)
	return &fixture{svc: svc, queue: q, recorder: rec}
}

func (f *fixture) create(t *testing.T, eventID string) *task.Task {
	t.Helper()
	created, dup, err := f.svc.CreateTask(context.Background(), CreateParams{
		Origin: task.Origin{Provider: task.ProviderCodeHost, EventID: eventID, Actor: "alice"},
		Target: task.Target{Repo: "acme/api", Ref: "main"},
		Kind:   task.KindFix,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if dup {
		t.Fatalf("unexpected duplicate for %s", eventID)
	}
	return created
}

// toAwaitingApproval drives a fresh task through a successful plan stage.
func (f *fixture) toAwaitingApproval(t *testing.T, taskID string) *task.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.queue.Claim(ctx, queue.Plan, "worker-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, rec, err := f.svc.BeginStage(ctx, taskID, "worker-a")
	if err != nil {
		t.Fatalf("begin stage: %v", err)
	}
	updated, err := f.svc.PlanSucceeded(ctx, taskID, "https://example.test/pr/1", task.Usage{InputTokens: 100})
	if err != nil {
		t.Fatalf("plan succeeded: %v", err)
	}
	if err := f.svc.FinishExecution(ctx, rec.ExecutionID, task.OutcomeSuccess, task.Usage{}, ""); err != nil {
		t.Fatalf("finish execution: %v", err)
	}
	if err := f.queue.Ack(ctx, queue.Plan, taskID, "worker-a"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	return updated
}

func TestCreateTaskEnqueuesPlanStage(t *testing.T) {
	f := newFixture(t, 0)
	created := f.create(t, "ev-1")

	if created.Status != task.StatusQueued {
		t.Fatalf("status = %q", created.Status)
	}
	item, err := f.queue.Claim(context.Background(), queue.Plan, "worker-a", time.Minute)
	if err != nil || item == nil || item.TaskID != created.TaskID {
		t.Fatalf("plan claim = %v, %v", item, err)
	}

	trail, err := f.svc.Store().Transitions(context.Background(), created.TaskID)
	if err != nil || len(trail) != 1 || trail[0].Event != task.EventCreated {
		t.Fatalf("trail = %+v, %v", trail, err)
	}
}

func TestCreateTaskDeduplicates(t *testing.T) {
	f := newFixture(t, 0)
	first := f.create(t, "ev-1")

	again, dup, err := f.svc.CreateTask(context.Background(), CreateParams{
		Origin: task.Origin{Provider: task.ProviderCodeHost, EventID: "ev-1", Actor: "bob"},
		Target: task.Target{Repo: "acme/api", Ref: "main"},
		Kind:   task.KindFix,
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if !dup || again.TaskID != first.TaskID {
		t.Fatalf("dup=%v task=%s, want winner %s", dup, again.TaskID, first.TaskID)
	}
}

func TestCreateTaskValidates(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, _, err := f.svc.CreateTask(ctx, CreateParams{
		Origin: task.Origin{Provider: task.ProviderCodeHost, EventID: "ev-1"},
		Target: task.Target{Repo: "acme/api"},
		Kind:   task.Kind("mystery"),
	})
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("bad kind: want validation, got %v", err)
	}

	_, _, err = f.svc.CreateTask(ctx, CreateParams{
		Origin: task.Origin{Provider: task.ProviderCodeHost, EventID: "ev-2"},
		Kind:   task.KindFix,
	})
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("missing repo: want validation, got %v", err)
	}
}

func TestApproveQueuesExecutionAndNotifies(t *testing.T) {
	f := newFixture(t, 0)
	created := f.create(t, "ev-1")
	f.toAwaitingApproval(t, created.TaskID)
	ctx := context.Background()

	approved, err := f.svc.Approve(ctx, created.TaskID, "bob")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != task.StatusApproved {
		t.Fatalf("status = %q", approved.Status)
	}

	item, err := f.queue.Claim(ctx, queue.Execute, "worker-a", time.Minute)
	if err != nil || item == nil || item.TaskID != created.TaskID {
		t.Fatalf("execute claim = %v, %v", item, err)
	}

	found := false
	for _, msg := range f.recorder.Notices {
		if strings.Contains(msg, "approved by bob") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no approval notice in %v", f.recorder.Notices)
	}
}

func TestImproveRequeuesPlanWithFeedback(t *testing.T) {
	f := newFixture(t, 0)
	created := f.create(t, "ev-1")
	f.toAwaitingApproval(t, created.TaskID)
	ctx := context.Background()

	improved, err := f.svc.Improve(ctx, created.TaskID, "bob", "handle the nil case")
	if err != nil {
		t.Fatalf("improve: %v", err)
	}
	if improved.Status != task.StatusPlanning || improved.Feedback != "handle the nil case" {
		t.Fatalf("after improve = %+v", improved)
	}

	// The next plan cycle runs with the feedback on the task.
	item, err := f.queue.Claim(ctx, queue.Plan, "worker-b", time.Minute)
	if err != nil || item == nil || item.TaskID != created.TaskID {
		t.Fatalf("plan claim = %v, %v", item, err)
	}
	if _, _, err := f.svc.BeginStage(ctx, created.TaskID, "worker-b"); err != nil {
		t.Fatalf("begin stage after improve: %v", err)
	}
}

func TestStageFailedRetriesBelowCap(t *testing.T) {
	f := newFixture(t, 3)
	created := f.create(t, "ev-1")
	ctx := context.Background()

	if _, err := f.queue.Claim(ctx, queue.Plan, "worker-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, _, err := f.svc.BeginStage(ctx, created.TaskID, "worker-a")
	if err != nil {
		t.Fatalf("begin stage: %v", err)
	}

	requeued, err := f.svc.StageFailed(ctx, claimed, task.EventPlanRetry, "token unavailable", true, task.Usage{})
	if err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if !requeued {
		t.Fatalf("retryable failure below cap should requeue")
	}

	after, err := f.svc.Store().Get(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != task.StatusQueued || after.Attempts != 1 || after.LastError != "token unavailable" {
		t.Fatalf("after retry = %+v", after)
	}
}

func TestStageFailedTerminatesAtCap(t *testing.T) {
	f := newFixture(t, 1)
	created := f.create(t, "ev-1")
	ctx := context.Background()

	if _, err := f.queue.Claim(ctx, queue.Plan, "worker-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, _, err := f.svc.BeginStage(ctx, created.TaskID, "worker-a")
	if err != nil {
		t.Fatalf("begin stage: %v", err)
	}

	requeued, err := f.svc.StageFailed(ctx, claimed, task.EventPlanRetry, "clone failed", true, task.Usage{})
	if err != nil || requeued {
		t.Fatalf("stage failed: requeued=%v err=%v", requeued, err)
	}

	after, err := f.svc.Store().Get(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != task.StatusFailed || after.LastError != "max-retries: clone failed" {
		t.Fatalf("after cap = %+v", after)
	}
}

func TestStageFailedNonRetryableTerminates(t *testing.T) {
	f := newFixture(t, 5)
	created := f.create(t, "ev-1")
	ctx := context.Background()

	if _, err := f.queue.Claim(ctx, queue.Plan, "worker-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed, _, err := f.svc.BeginStage(ctx, created.TaskID, "worker-a")
	if err != nil {
		t.Fatalf("begin stage: %v", err)
	}

	requeued, err := f.svc.StageFailed(ctx, claimed, task.EventPlanRetry, "repo access denied", false, task.Usage{})
	if err != nil || requeued {
		t.Fatalf("stage failed: requeued=%v err=%v", requeued, err)
	}

	after, err := f.svc.Store().Get(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != task.StatusFailed || after.LastError != "repo access denied" {
		t.Fatalf("non-retryable = %+v", after)
	}
}

func TestFailDeadLetteredToleratesTerminalTask(t *testing.T) {
	f := newFixture(t, 0)
	created := f.create(t, "ev-1")
	f.toAwaitingApproval(t, created.TaskID)
	ctx := context.Background()

	if _, err := f.svc.Reject(ctx, created.TaskID, "bob", "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := f.svc.FailDeadLettered(ctx, created.TaskID); err != nil {
		t.Fatalf("dead-letter on terminal task: %v", err)
	}
}

func TestCancelPaths(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// A queued task cancels to failed.
	queued := f.create(t, "ev-1")
	cancelled, err := f.svc.Cancel(ctx, queued.TaskID, "alice")
	if err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if cancelled.Status != task.StatusFailed || cancelled.LastError != "cancelled" {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	// The stale queue item is dropped the way a worker would drop it.
	if item, _ := f.queue.Claim(ctx, queue.Plan, "sweeper", time.Minute); item != nil {
		if err := f.queue.Ack(ctx, queue.Plan, item.TaskID, "sweeper"); err != nil {
			t.Fatalf("ack stale item: %v", err)
		}
	}

	// An awaiting-approval task cancels as a rejection.
	second := f.create(t, "ev-2")
	f.toAwaitingApproval(t, second.TaskID)
	rejected, err := f.svc.Cancel(ctx, second.TaskID, "alice")
	if err != nil {
		t.Fatalf("cancel awaiting: %v", err)
	}
	if rejected.Status != task.StatusRejected {
		t.Fatalf("status = %q", rejected.Status)
	}

	// Terminal tasks refuse a second cancel.
	if _, err := f.svc.Cancel(ctx, second.TaskID, "alice"); !faults.Is(err, faults.KindIllegalTransition) {
		t.Fatalf("want illegal-transition, got %v", err)
	}
}

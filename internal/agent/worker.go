package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mend/internal/clock"
	"mend/internal/faults"
	"mend/internal/ids"
	"mend/internal/logchan"
	"mend/internal/logging"
	"mend/internal/observability"
	"mend/internal/orchestrator"
	"mend/internal/queue"
	"mend/internal/repocache"
	"mend/internal/token"
	"mend/internal/task"
)

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	Visibility      time.Duration // claim visibility window
	Heartbeat       time.Duration // Extend cadence; must be below Visibility
	RepoAcquireWait time.Duration // cap on waiting for the repo lock
	CloneBaseURL    string        // e.g. https://github.com
	PollInterval    time.Duration // sleep when both queues are empty
}

func (c *WorkerConfig) defaults() {
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.Visibility {
		c.Heartbeat = c.Visibility / 4
	}
	if c.RepoAcquireWait <= 0 {
		c.RepoAcquireWait = 5 * time.Minute
	}
	if c.CloneBaseURL == "" {
		c.CloneBaseURL = "https://github.com"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Worker claims stage items and drives them through the subprocess.
type Worker struct {
	id      string
	cfg     WorkerConfig
	svc     *orchestrator.Service
	queue   queue.Queue
	runner  *Runner
	repos   *repocache.Manager
	tokens  token.Broker
	logs    logchan.Channel
	clock   clock.Clock
	metrics *observability.Metrics
	logger  logging.Logger
}

// NewWorker builds one worker with a fresh worker id.
func NewWorker(cfg WorkerConfig, svc *orchestrator.Service, runner *Runner, repos *repocache.Manager, tokens token.Broker, logs logchan.Channel, clk clock.Clock, metrics *observability.Metrics) *Worker {
	cfg.defaults()
	if clk == nil {
		clk = clock.System()
	}
	if metrics == nil {
		metrics = observability.Default()
	}
	id := ids.NewWorkerID()
	return &Worker{
		id:      id,
		cfg:     cfg,
		svc:     svc,
		queue:   svc.Queue(),
		runner:  runner,
		repos:   repos,
		tokens:  tokens,
		logs:    logs,
		clock:   clk,
		metrics: metrics,
		logger:  logging.NewComponentLogger("Worker " + id),
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Run claims and processes items until ctx is cancelled. Backend outages
// pause the loop with exponential sleep instead of spinning.
func (w *Worker) Run(ctx context.Context) error {
	outage := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := w.claimNext(ctx)
		if err != nil {
			w.logger.Warn("claim failed: %v; pausing %s", err, outage)
			if !sleep(ctx, outage) {
				return ctx.Err()
			}
			if outage < 30*time.Second {
				outage *= 2
			}
			continue
		}
		outage = time.Second
		if item == nil {
			if !sleep(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		w.process(ctx, item)
	}
}

// claimNext prefers finishing approved work over starting new plans.
func (w *Worker) claimNext(ctx context.Context) (*queue.Item, error) {
	item, err := w.queue.Claim(ctx, queue.Execute, w.id, w.cfg.Visibility)
	if err != nil || item != nil {
		return item, err
	}
	return w.queue.Claim(ctx, queue.Plan, w.id, w.cfg.Visibility)
}

func (w *Worker) process(ctx context.Context, item *queue.Item) {
	w.metrics.WorkersActive.Inc()
	defer w.metrics.WorkersActive.Dec()

	stage := StagePlan
	if item.Queue == queue.Execute {
		stage = StageExecute
	}

	t, err := w.svc.Store().Get(ctx, item.TaskID)
	if err != nil {
		if faults.Is(err, faults.KindNotFound) {
			_ = w.queue.Ack(ctx, item.Queue, item.TaskID, w.id)
			return
		}
		w.nack(ctx, item, nil)
		return
	}
	if !claimable(t.Status, stage) {
		// The task moved on (cancelled, deduplicated, replanned) while the
		// item sat in the queue; drop the stale delivery.
		w.logger.Info("task %s is %s, dropping stale %s item", t.TaskID, t.Status, item.Queue)
		_ = w.queue.Ack(ctx, item.Queue, item.TaskID, w.id)
		return
	}

	t, rec, err := w.svc.BeginStage(ctx, t.TaskID, w.id)
	if err != nil {
		if faults.Is(err, faults.KindIllegalTransition) {
			_ = w.queue.Ack(ctx, item.Queue, item.TaskID, w.id)
			return
		}
		w.nack(ctx, item, nil)
		return
	}

	result, runErr := w.runStage(ctx, t, stage, item)
	outcome := task.OutcomeFailed
	var usage task.Usage
	if result != nil {
		outcome = result.Outcome
		usage = result.Usage
	}

	if runErr == nil {
		if err := w.succeed(ctx, t, stage, result); err != nil {
			w.logger.Error("task %s: apply %s success: %v", t.TaskID, stage, err)
			w.nack(ctx, item, t)
		} else {
			_ = w.queue.Ack(ctx, item.Queue, item.TaskID, w.id)
		}
		w.finishRecord(ctx, rec.ExecutionID, outcome, usage, result)
		w.metrics.ObserveSubprocess(string(stage), string(outcome), w.clock.Since(rec.StartedAt))
		return
	}

	reason := runErr.Error()
	retryable := faults.Retryable(runErr)
	w.appendSystemLog(ctx, t.TaskID, fmt.Sprintf("%s stage failed: %s", stage, reason))

	requeued, ferr := w.svc.StageFailed(ctx, t, stage.Event(), reason, retryable, usage)
	if ferr != nil {
		w.logger.Error("task %s: record %s failure: %v", t.TaskID, stage, ferr)
	}
	if requeued {
		w.nack(ctx, item, t)
	} else {
		_ = w.queue.Ack(ctx, item.Queue, item.TaskID, w.id)
	}
	w.finishRecord(ctx, rec.ExecutionID, outcome, usage, result)
	w.metrics.ObserveSubprocess(string(stage), string(outcome), w.clock.Since(rec.StartedAt))
}

// runStage acquires credentials and the repo, then runs the subprocess under
// a heartbeat that extends the claim and watches for external cancellation.
func (w *Worker) runStage(ctx context.Context, t *task.Task, stage Stage, item *queue.Item) (*Result, error) {
	tok, err := w.tokens.Token(ctx, task.ProviderCodeHost, t.Origin.OrganizationID)
	if err != nil {
		return nil, err
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, w.cfg.RepoAcquireWait)
	ws, err := w.repos.Acquire(acquireCtx, repocache.AcquireParams{
		OrganizationID: t.Origin.OrganizationID,
		Repo:           t.Target.Repo,
		Ref:            t.Target.Ref,
		CloneURL:       w.cloneURL(t.Target.Repo),
		Token:          tok.Value,
	})
	cancelAcquire()
	if err != nil {
		return nil, err
	}
	defer ws.Release(ctx)

	runCtx, cancelRun := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go w.heartbeat(runCtx, cancelRun, t, item, heartbeatDone)
	defer func() { <-heartbeatDone }()
	defer cancelRun()

	return w.runner.Run(runCtx, t, stage, ws.Path)
}

// heartbeat extends the claim and cancels the run when the task leaves its
// running status (external cancel).
func (w *Worker) heartbeat(ctx context.Context, cancelRun context.CancelFunc, t *task.Task, item *queue.Item, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.queue.Extend(ctx, item.Queue, item.TaskID, w.id, w.cfg.Visibility); err != nil {
			w.logger.Warn("task %s: extend claim: %v", t.TaskID, err)
		}
		current, err := w.svc.Store().Get(ctx, t.TaskID)
		if err != nil {
			continue
		}
		if current.Status != task.StatusPlanning && current.Status != task.StatusExecuting {
			w.logger.Info("task %s moved to %s externally, cancelling run", t.TaskID, current.Status)
			cancelRun()
			return
		}
	}
}

func (w *Worker) succeed(ctx context.Context, t *task.Task, stage Stage, result *Result) error {
	if stage == StagePlan {
		planRef := result.PlanRef
		if planRef == "" && result.PlanText != "" {
			ref, err := w.svc.Collaborators().CodeHost.PostPlanComment(ctx, t, result.PlanText)
			if err != nil {
				return faults.Wrap(faults.KindUnavailable, err, "post plan")
			}
			planRef = ref
		}
		if planRef == "" {
			return faults.New(faults.KindSubprocessFailure, "plan stage produced no plan")
		}
		_, err := w.svc.PlanSucceeded(ctx, t.TaskID, planRef, result.Usage)
		return err
	}

	if result.PRRef == "" {
		return faults.New(faults.KindSubprocessFailure, "execute stage produced no pull request")
	}
	_, err := w.svc.ExecSucceeded(ctx, t.TaskID, result.PRRef, result.Usage)
	return err
}

func (w *Worker) finishRecord(ctx context.Context, executionID string, outcome task.Outcome, usage task.Usage, result *Result) {
	next := ""
	if result != nil {
		next = result.Next
	}
	if err := w.svc.FinishExecution(ctx, executionID, outcome, usage, next); err != nil {
		w.logger.Warn("close execution %s: %v", executionID, err)
	}
}

func (w *Worker) nack(ctx context.Context, item *queue.Item, t *task.Task) {
	delay := time.Duration(item.Attempts+1) * 30 * time.Second
	deadLettered, err := w.queue.Nack(ctx, item.Queue, item.TaskID, w.id, delay)
	if err != nil {
		w.logger.Warn("nack %s/%s: %v", item.Queue, item.TaskID, err)
		return
	}
	if deadLettered {
		w.appendSystemLog(ctx, item.TaskID, "delivery attempts exhausted; task failed")
		if err := w.svc.FailDeadLettered(ctx, item.TaskID); err != nil {
			w.logger.Error("dead-letter %s: %v", item.TaskID, err)
		}
	}
}

func (w *Worker) appendSystemLog(ctx context.Context, taskID, message string) {
	if err := w.logs.Append(ctx, taskID, logchan.StreamSystem, message); err != nil {
		w.logger.Warn("task %s: system log append: %v", taskID, err)
	}
}

func (w *Worker) cloneURL(repo string) string {
	return strings.TrimSuffix(w.cfg.CloneBaseURL, "/") + "/" + repo + ".git"
}

// claimable reports whether the task's status admits a worker claim for the
// stage the item came from. Plan items also arrive for tasks already in
// planning: improve parks them there with feedback attached.
func claimable(status task.Status, stage Stage) bool {
	if stage == StageExecute {
		return status == task.StatusApproved
	}
	return status == task.StatusQueued || status == task.StatusPlanning
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

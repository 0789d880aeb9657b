package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"mend/internal/faults"
	"mend/internal/logchan"
	"mend/internal/logging"
	"mend/internal/task"
)

// Stage names the pipeline stage a run belongs to.
type Stage string

const (
	StagePlan    Stage = "plan"
	StageExecute Stage = "execute"
)

// Event maps the stage to its retry event in the task state machine.
func (s Stage) Event() task.Event {
	if s == StageExecute {
		return task.EventExecRetry
	}
	return task.EventPlanRetry
}

// Result envelope delimiters. The subprocess prints the envelope as JSON
// between these two lines on stdout; the lines never reach the task log.
const (
	resultBegin = "---mend-result---"
	resultEnd   = "---end-mend-result---"
)

// fatalExitCode is the exit code the CLI uses for errors no retry can fix
// (bad arguments, unsupported repo state).
const fatalExitCode = 2

// Descriptor is the task handoff file written for the subprocess. It holds
// no credentials; the subprocess reaches the checkout through the workspace
// path alone.
type Descriptor struct {
	TaskID    string    `json:"task_id"`
	Stage     Stage     `json:"stage"`
	Kind      task.Kind `json:"kind"`
	Repo      string    `json:"repo"`
	Ref       string    `json:"ref,omitempty"`
	Workspace string    `json:"workspace"`
	Feedback  string    `json:"feedback,omitempty"`
	PlanRef   string    `json:"plan_ref,omitempty"`
}

// envelope is the delimited JSON result the subprocess reports.
type envelope struct {
	Outcome  string `json:"outcome"` // success, failed, fatal
	PlanText string `json:"plan,omitempty"`
	PlanRef  string `json:"plan_ref,omitempty"`
	PRRef    string `json:"pr_ref,omitempty"`
	Next     string `json:"next,omitempty"`
	Message  string `json:"message,omitempty"`
	Usage    struct {
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		WallSeconds  float64 `json:"wall_seconds"`
		CostUSD      float64 `json:"cost_usd"`
	} `json:"usage"`
}

// Result is one finished stage run.
type Result struct {
	Outcome  task.Outcome
	PlanText string
	PlanRef  string
	PRRef    string
	Next     string
	Usage    task.Usage
}

// RunnerConfig tunes subprocess invocation.
type RunnerConfig struct {
	Binary         string
	PlanTimeout    time.Duration
	ExecuteTimeout time.Duration
	MaxLineBytes   int
}

// Runner invokes the agent CLI for one stage and streams its output into the
// task's log channel.
type Runner struct {
	cfg    RunnerConfig
	logs   logchan.Channel
	logger logging.Logger
}

// NewRunner constructs a Runner writing subprocess output to logs.
func NewRunner(cfg RunnerConfig, logs logchan.Channel) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = 30 * time.Minute
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 60 * time.Minute
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	return &Runner{cfg: cfg, logs: logs, logger: logging.NewComponentLogger("AgentRunner")}
}

func (r *Runner) timeout(stage Stage) time.Duration {
	if stage == StageExecute {
		return r.cfg.ExecuteTimeout
	}
	return r.cfg.PlanTimeout
}

// Run executes one stage. Classification of the returned error decides retry:
// subprocess-timeout and subprocess-failure are retryable, subprocess-fatal
// is not.
func (r *Runner) Run(ctx context.Context, t *task.Task, stage Stage, workspace string) (*Result, error) {
	desc := Descriptor{
		TaskID:    t.TaskID,
		Stage:     stage,
		Kind:      t.Kind,
		Repo:      t.Target.Repo,
		Ref:       t.Target.Ref,
		Workspace: workspace,
		Feedback:  t.Feedback,
		PlanRef:   t.PlanRef,
	}
	descPath, cleanup, err := writeDescriptor(desc)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout(stage))
	defer cancel()

	started := time.Now()
	proc := NewSubprocess(SubprocessConfig{
		Command:    r.cfg.Binary,
		Args:       []string{"run", "--task-file", descPath, "--stage", string(stage)},
		WorkingDir: workspace,
	})
	if err := proc.Start(runCtx); err != nil {
		return nil, faults.Wrap(faults.KindSubprocessFailure, err, "spawn agent")
	}

	var (
		wg  sync.WaitGroup
		env *envelope
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		env = r.scanStdout(ctx, t.TaskID, proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		r.scanStderr(ctx, t.TaskID, proc)
	}()

	waitErr := proc.Wait()
	wg.Wait()
	elapsed := time.Since(started)

	result := &Result{Outcome: task.OutcomeSuccess, Usage: task.Usage{WallSeconds: elapsed.Seconds()}}
	if env != nil {
		result.PlanText = env.PlanText
		result.PlanRef = env.PlanRef
		result.PRRef = env.PRRef
		result.Next = env.Next
		result.Usage = task.Usage{
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
			WallSeconds:  elapsed.Seconds(),
			CostUSD:      env.Usage.CostUSD,
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Outcome = task.OutcomeTimeout
		return result, faults.New(faults.KindSubprocessTimeout, "%s stage exceeded %s", stage, r.timeout(stage))
	}
	if ctx.Err() != nil {
		result.Outcome = task.OutcomeCancelled
		return result, faults.Wrap(faults.KindSubprocessFailure, ctx.Err(), "run cancelled")
	}

	if waitErr != nil {
		result.Outcome = task.OutcomeFailed
		kind := faults.KindSubprocessFailure
		if proc.ExitCode() == fatalExitCode || (env != nil && env.Outcome == "fatal") {
			kind = faults.KindSubprocessFatal
		}
		return result, faults.New(kind, "agent exit %d: %s", proc.ExitCode(), tailSnippet(proc.StderrTail()))
	}

	// Exit 0 with an explicit failure envelope still fails the stage.
	if env != nil && env.Outcome != "" && env.Outcome != "success" {
		result.Outcome = task.OutcomeFailed
		kind := faults.KindSubprocessFailure
		if env.Outcome == "fatal" {
			kind = faults.KindSubprocessFatal
		}
		return result, faults.New(kind, "agent reported %s: %s", env.Outcome, env.Message)
	}
	return result, nil
}

// scanStdout streams stdout lines into the log channel and captures the
// result envelope.
func (r *Runner) scanStdout(ctx context.Context, taskID string, rd io.Reader) *envelope {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		inEnvelope bool
		envBuf     strings.Builder
		env        *envelope
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == resultBegin:
			inEnvelope = true
			envBuf.Reset()
		case line == resultEnd:
			inEnvelope = false
			var e envelope
			if err := json.Unmarshal([]byte(envBuf.String()), &e); err != nil {
				r.logger.Warn("task %s: malformed result envelope: %v", taskID, err)
			} else {
				env = &e
			}
		case inEnvelope:
			envBuf.WriteString(line)
		default:
			r.append(ctx, taskID, logchan.StreamStdout, line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		r.logger.Warn("task %s: stdout scan: %v", taskID, err)
	}
	return env
}

func (r *Runner) scanStderr(ctx context.Context, taskID string, proc *Subprocess) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		proc.NoteStderr(line)
		r.append(ctx, taskID, logchan.StreamStderr, line)
	}
}

func (r *Runner) append(ctx context.Context, taskID string, stream logchan.Stream, line string) {
	for _, chunk := range logchan.SplitLine(line, r.cfg.MaxLineBytes) {
		if err := r.logs.Append(ctx, taskID, stream, chunk); err != nil {
			r.logger.Warn("task %s: log append: %v", taskID, err)
			return
		}
	}
}

func writeDescriptor(desc Descriptor) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "mend-task-*.json")
	if err != nil {
		return "", nil, err
	}
	name := f.Name()
	enc := json.NewEncoder(f)
	if err := enc.Encode(desc); err != nil {
		f.Close()
		os.Remove(name)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", nil, err
	}
	return name, func() { os.Remove(name) }, nil
}

func tailSnippet(tail string) string {
	tail = strings.TrimSpace(tail)
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	return tail
}

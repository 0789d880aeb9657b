package agent

import (
	"context"
	"strings"
	"testing"

	"mend/internal/logchan"
	logmem "mend/internal/logchan/memory"
	"mend/internal/task"
)

func TestStageEvent(t *testing.T) {
	if got := StagePlan.Event(); got != task.EventPlanRetry {
		t.Fatalf("plan event = %q", got)
	}
	if got := StageExecute.Event(); got != task.EventExecRetry {
		t.Fatalf("execute event = %q", got)
	}
}

func TestScanStdoutCapturesEnvelope(t *testing.T) {
	logs := logmem.New(logmem.Options{})
	r := NewRunner(RunnerConfig{}, logs)

	stdout := strings.Join([]string{
		"analyzing repository",
		"running tests",
		resultBegin,
		`{"outcome": "success", "plan": "1. fix the nil check", "pr_ref": "https://example.test/pr/9",`,
		` "usage": {"input_tokens": 1200, "output_tokens": 340, "cost_usd": 0.12}}`,
		resultEnd,
		"cleaning up",
	}, "\n")

	env := r.scanStdout(context.Background(), "task-1", strings.NewReader(stdout))
	if env == nil {
		t.Fatalf("no envelope captured")
	}
	if env.Outcome != "success" || env.PlanText != "1. fix the nil check" || env.PRRef != "https://example.test/pr/9" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Usage.InputTokens != 1200 || env.Usage.CostUSD != 0.12 {
		t.Fatalf("usage = %+v", env.Usage)
	}

	// The envelope lines never reach the task log.
	res, err := logs.Read(context.Background(), "task-1", 0, 100)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("logged %d lines, want 3", len(res.Entries))
	}
	for _, e := range res.Entries {
		if strings.Contains(e.Message, "outcome") || e.Message == resultBegin || e.Message == resultEnd {
			t.Fatalf("envelope leaked into log: %q", e.Message)
		}
		if e.Stream != logchan.StreamStdout {
			t.Fatalf("stream = %q", e.Stream)
		}
	}
}

func TestScanStdoutMalformedEnvelope(t *testing.T) {
	logs := logmem.New(logmem.Options{})
	r := NewRunner(RunnerConfig{}, logs)

	stdout := strings.Join([]string{
		"working",
		resultBegin,
		"this is not json",
		resultEnd,
	}, "\n")

	if env := r.scanStdout(context.Background(), "task-1", strings.NewReader(stdout)); env != nil {
		t.Fatalf("malformed envelope parsed to %+v", env)
	}
}

func TestClaimable(t *testing.T) {
	cases := []struct {
		status task.Status
		stage  Stage
		want   bool
	}{
		{task.StatusQueued, StagePlan, true},
		// Improve leaves the task in planning with a fresh plan item queued.
		{task.StatusPlanning, StagePlan, true},
		{task.StatusApproved, StageExecute, true},
		{task.StatusApproved, StagePlan, false},
		{task.StatusQueued, StageExecute, false},
		{task.StatusPlanning, StageExecute, false},
		{task.StatusAwaitingApproval, StagePlan, false},
		{task.StatusCompleted, StageExecute, false},
		{task.StatusFailed, StagePlan, false},
	}
	for _, tc := range cases {
		if got := claimable(tc.status, tc.stage); got != tc.want {
			t.Fatalf("claimable(%q, %q) = %v, want %v", tc.status, tc.stage, got, tc.want)
		}
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := newTailBuffer(16)
	tb.Write([]byte("0123456789"))
	tb.Write([]byte("abcdefghij"))

	got := tb.String()
	if len(got) > 16 {
		t.Fatalf("tail length = %d, cap 16", len(got))
	}
	if !strings.HasSuffix(got, "abcdefghij") {
		t.Fatalf("tail = %q, want newest bytes kept", got)
	}
}

func TestTailSnippet(t *testing.T) {
	long := strings.Repeat("x", 600) + "END"
	got := tailSnippet(long + "\n")
	if len(got) != 512 || !strings.HasSuffix(got, "END") {
		t.Fatalf("snippet length = %d, suffix = %q", len(got), got[len(got)-8:])
	}
	if got := tailSnippet("  short  "); got != "short" {
		t.Fatalf("snippet = %q", got)
	}
}

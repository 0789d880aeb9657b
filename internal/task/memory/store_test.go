package memory

import (
	"context"
	"testing"
	"time"

	"mend/internal/faults"
	"mend/internal/task"
)

func newTask(id, fingerprint string, status task.Status) *task.Task {
	return &task.Task{
		TaskID:      id,
		Fingerprint: fingerprint,
		Origin:      task.Origin{Provider: task.ProviderCodeHost, EventID: "ev-" + id, Actor: "alice"},
		Target:      task.Target{Repo: "acme/api", Ref: "main"},
		Kind:        task.KindFix,
		Priority:    task.PriorityNormal,
		Status:      status,
	}
}

func TestCreateRejectsActiveFingerprint(t *testing.T) {
	ctx := context.Background()
	store := New(nil)

	if err := store.Create(ctx, newTask("task-1", "fp-1", task.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, newTask("task-2", "fp-1", task.StatusQueued))
	if !faults.Is(err, faults.KindDuplicate) {
		t.Fatalf("want duplicate, got %v", err)
	}

	// A terminal task frees the fingerprint.
	if _, err := store.Update(ctx, "task-1", 1, func(tt *task.Task) error {
		tt.Status = task.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Create(ctx, newTask("task-3", "fp-1", task.StatusQueued)); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	if err := store.Create(ctx, newTask("task-1", "fp-1", task.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.Update(ctx, "task-1", 1, func(tt *task.Task) error {
		tt.Status = task.StatusPlanning
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}

	_, err = store.Update(ctx, "task-1", 1, func(tt *task.Task) error { return nil })
	if !faults.Is(err, faults.KindVersionConflict) {
		t.Fatalf("want version-conflict, got %v", err)
	}
}

func TestAdvanceRecordsTransition(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := New(func() time.Time { return now })

	if err := store.Create(ctx, newTask("task-1", "fp-1", task.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := task.Advance(ctx, store, func() time.Time { return now }, "task-1",
		task.EventWorkerClaim, task.WithActor("worker-a"))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if updated.Status != task.StatusPlanning {
		t.Fatalf("status = %q, want planning", updated.Status)
	}

	trail, err := store.Transitions(ctx, "task-1")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("trail length = %d, want 1", len(trail))
	}
	tr := trail[0]
	if tr.FromStatus != task.StatusQueued || tr.ToStatus != task.StatusPlanning || tr.Actor != "worker-a" {
		t.Fatalf("unexpected transition record: %+v", tr)
	}
}

func TestAdvanceRefusesIllegalEvent(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	if err := store.Create(ctx, newTask("task-1", "fp-1", task.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := task.Advance(ctx, store, time.Now, "task-1", task.EventApprove)
	if !faults.Is(err, faults.KindIllegalTransition) {
		t.Fatalf("want illegal-transition, got %v", err)
	}
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	current := base
	store := New(func() time.Time { return current })

	for i := 0; i < 5; i++ {
		current = base.Add(time.Duration(i) * time.Minute)
		tt := newTask(taskID(i), fingerprint(i), task.StatusQueued)
		if err := store.Create(ctx, tt); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	page, err := store.List(ctx, task.Filter{}, "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Tasks) != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("first page: %d tasks, hasMore=%v", len(page.Tasks), page.HasMore)
	}
	// Newest update first.
	if page.Tasks[0].TaskID != taskID(4) {
		t.Fatalf("first task = %s, want %s", page.Tasks[0].TaskID, taskID(4))
	}

	seen := map[string]bool{}
	for _, tt := range page.Tasks {
		seen[tt.TaskID] = true
	}
	cursor := page.NextCursor
	for cursor != "" {
		page, err = store.List(ctx, task.Filter{}, cursor, 2)
		if err != nil {
			t.Fatalf("list page: %v", err)
		}
		for _, tt := range page.Tasks {
			if seen[tt.TaskID] {
				t.Fatalf("task %s returned twice", tt.TaskID)
			}
			seen[tt.TaskID] = true
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("saw %d tasks, want 5", len(seen))
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	store := New(nil)

	a := newTask("task-a", "fp-a", task.StatusQueued)
	a.Origin.Actor = "alice"
	b := newTask("task-b", "fp-b", task.StatusQueued)
	b.Origin.Actor = "bob"
	for _, tt := range []*task.Task{a, b} {
		if err := store.Create(ctx, tt); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := store.Update(ctx, "task-b", 1, func(tt *task.Task) error {
		tt.Status = task.StatusFailed
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	page, err := store.List(ctx, task.Filter{Statuses: []task.Status{task.StatusQueued}}, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Tasks) != 1 || page.Tasks[0].TaskID != "task-a" {
		t.Fatalf("status filter returned %d tasks", len(page.Tasks))
	}

	page, err = store.List(ctx, task.Filter{Actor: "bob"}, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Tasks) != 1 || page.Tasks[0].TaskID != "task-b" {
		t.Fatalf("actor filter returned %d tasks", len(page.Tasks))
	}
}

func TestExecutionChain(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	if err := store.Create(ctx, newTask("task-1", "fp-1", task.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &task.ExecutionRecord{ExecutionID: "exec-1", TaskID: "task-1", AgentName: "worker-a", StartedAt: time.Now()}
	if err := store.AppendExecution(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A second open record on the same task is refused.
	err := store.AppendExecution(ctx, &task.ExecutionRecord{ExecutionID: "exec-2", TaskID: "task-1", StartedAt: time.Now()})
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("want validation, got %v", err)
	}

	if err := store.FinishExecution(ctx, "exec-1", task.OutcomeSuccess, task.Usage{InputTokens: 10}, "", time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.AppendExecution(ctx, &task.ExecutionRecord{ExecutionID: "exec-2", TaskID: "task-1", StartedAt: time.Now()}); err != nil {
		t.Fatalf("append after finish: %v", err)
	}

	chain, err := store.Executions(ctx, "task-1")
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(chain) != 2 || chain[0].Outcome != task.OutcomeSuccess {
		t.Fatalf("chain = %+v", chain)
	}
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	current := base
	store := New(func() time.Time { return current })

	if err := store.Create(ctx, newTask("task-old", "fp-old", task.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Update(ctx, "task-old", 1, func(tt *task.Task) error {
		tt.Status = task.StatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	current = base.Add(48 * time.Hour)
	if err := store.Create(ctx, newTask("task-live", "fp-live", task.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := store.DeleteExpired(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 || store.Len() != 1 {
		t.Fatalf("removed %d, remaining %d", n, store.Len())
	}
	// Non-terminal tasks never expire.
	if _, err := store.Get(ctx, "task-live"); err != nil {
		t.Fatalf("live task gone: %v", err)
	}
}

func taskID(i int) string      { return "task-" + string(rune('a'+i)) }
func fingerprint(i int) string { return "fp-" + string(rune('a'+i)) }

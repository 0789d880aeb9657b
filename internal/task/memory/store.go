// Package memory implements the task store port in process memory.
//
// It backs unit tests and single-node development; the postgres store is the
// production implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"mend/internal/faults"
	"mend/internal/task"
)

// Store is an in-memory task.Store.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*task.Task
	executions  map[string][]*task.ExecutionRecord
	transitions map[string][]*task.Transition
	execIndex   map[string]*task.ExecutionRecord
	nextTrID    int64
	now         func() time.Time
}

// New creates an empty store. now defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		tasks:       make(map[string]*task.Task),
		executions:  make(map[string][]*task.ExecutionRecord),
		transitions: make(map[string][]*task.Transition),
		execIndex:   make(map[string]*task.ExecutionRecord),
		now:         now,
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error { return nil }

func (s *Store) Create(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.TaskID]; exists {
		return faults.New(faults.KindValidation, "task %s already exists", t.TaskID)
	}
	for _, existing := range s.tasks {
		if existing.Fingerprint == t.Fingerprint && !existing.Status.IsTerminal() {
			return faults.New(faults.KindDuplicate, "active task %s shares fingerprint", existing.TaskID)
		}
	}

	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.tasks[t.TaskID] = &cp
	t.CreatedAt = cp.CreatedAt
	t.UpdatedAt = cp.UpdatedAt
	t.Version = cp.Version
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "task %s", taskID)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) Update(ctx context.Context, taskID string, expectedVersion int64, mutate task.Mutation) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "task %s", taskID)
	}
	if t.Version != expectedVersion {
		return nil, faults.New(faults.KindVersionConflict, "task %s at version %d, expected %d", taskID, t.Version, expectedVersion)
	}

	cp := *t
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = s.now()
	s.tasks[taskID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.Fingerprint == fingerprint && !t.Status.IsTerminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, faults.New(faults.KindNotFound, "no active task for fingerprint")
}

func (s *Store) List(ctx context.Context, filter task.Filter, cursor string, limit int) (*task.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	matched := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if matches(t, filter) {
			cp := *t
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].TaskID > matched[j].TaskID
	})

	start := 0
	if cursor != "" {
		curTime, curID, err := task.DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		for i, t := range matched {
			if t.UpdatedAt.Before(curTime) || (t.UpdatedAt.Equal(curTime) && t.TaskID < curID) {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	hasMore := end < len(matched)
	if end > len(matched) {
		end = len(matched)
	}
	page := &task.Page{Tasks: matched[start:end], HasMore: hasMore}
	if hasMore && len(page.Tasks) > 0 {
		last := page.Tasks[len(page.Tasks)-1]
		page.NextCursor = task.EncodeCursor(last.UpdatedAt, last.TaskID)
	}
	return page, nil
}

func matches(t *task.Task, f task.Filter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if t.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Provider != "" && t.Origin.Provider != f.Provider {
		return false
	}
	if f.Actor != "" && t.Origin.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && t.UpdatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.UpdatedAt.After(f.Until) {
		return false
	}
	return true
}

func (s *Store) AppendExecution(ctx context.Context, rec *task.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.executions[rec.TaskID]
	if n := len(chain); n > 0 && !chain[n-1].Outcome.Terminal() {
		return faults.New(faults.KindValidation, "task %s has an open execution record", rec.TaskID)
	}
	cp := *rec
	s.executions[rec.TaskID] = append(chain, &cp)
	s.execIndex[rec.ExecutionID] = &cp
	return nil
}

func (s *Store) FinishExecution(ctx context.Context, executionID string, outcome task.Outcome, usage task.Usage, nextAgent string, finishedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.execIndex[executionID]
	if !ok {
		return faults.New(faults.KindNotFound, "execution %s", executionID)
	}
	if rec.Outcome.Terminal() {
		return faults.New(faults.KindValidation, "execution %s already finished", executionID)
	}
	rec.Outcome = outcome
	rec.Usage = usage
	rec.NextAgent = nextAgent
	rec.FinishedAt = &finishedAt
	return nil
}

func (s *Store) Executions(ctx context.Context, taskID string) ([]*task.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.executions[taskID]
	out := make([]*task.ExecutionRecord, len(chain))
	for i, rec := range chain {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) RecordTransition(ctx context.Context, tr *task.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrID++
	cp := *tr
	cp.ID = s.nextTrID
	s.transitions[tr.TaskID] = append(s.transitions[tr.TaskID], &cp)
	return nil
}

func (s *Store) Transitions(ctx context.Context, taskID string) ([]*task.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.transitions[taskID]
	out := make([]*task.Transition, len(trail))
	for i, tr := range trail {
		cp := *tr
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			delete(s.tasks, id)
			delete(s.executions, id)
			delete(s.transitions, id)
			removed++
		}
	}
	return removed, nil
}

var _ task.Store = (*Store)(nil)

// Len reports the number of stored tasks, for tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

package task

import (
	"context"
	"time"

	"mend/internal/faults"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []Status
	Provider Provider
	Actor    string
	Since    time.Time
	Until    time.Time
}

// Page is one slice of a List result, ordered by updated-at descending.
type Page struct {
	Tasks      []*Task
	NextCursor string
	HasMore    bool
}

// Mutation edits a task in place inside an Update call. Returning an error
// aborts the update without writing.
type Mutation func(*Task) error

// Store is the task persistence port. It is authoritative for status.
type Store interface {
	// EnsureSchema creates or migrates the schema.
	EnsureSchema(ctx context.Context) error

	// Create persists a new task. A non-terminal task with the same
	// fingerprint makes Create fail with faults.KindDuplicate.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Update applies mutate under optimistic concurrency: it fails with
	// faults.KindVersionConflict when the stored version no longer equals
	// expectedVersion. On success the version increments and UpdatedAt is set.
	Update(ctx context.Context, taskID string, expectedVersion int64, mutate Mutation) (*Task, error)

	// FindActiveByFingerprint returns the unique non-terminal task with the
	// given fingerprint, or faults.KindNotFound.
	FindActiveByFingerprint(ctx context.Context, fingerprint string) (*Task, error)

	// List returns a page of tasks matching filter, newest update first.
	List(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error)

	// AppendExecution adds a record to the task's execution chain.
	AppendExecution(ctx context.Context, rec *ExecutionRecord) error

	// FinishExecution closes the last open execution record for the task.
	FinishExecution(ctx context.Context, executionID string, outcome Outcome, usage Usage, nextAgent string, finishedAt time.Time) error

	// Executions returns the ordered execution chain for a task.
	Executions(ctx context.Context, taskID string) ([]*ExecutionRecord, error)

	// RecordTransition appends to the task's audit trail.
	RecordTransition(ctx context.Context, tr *Transition) error

	// Transitions returns the audit trail for a task, oldest first.
	Transitions(ctx context.Context, taskID string) ([]*Transition, error)

	// DeleteExpired removes terminal tasks last updated before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// AdvanceOption customises an Advance call.
type AdvanceOption func(*advanceParams)

type advanceParams struct {
	reason   string
	actor    string
	mutation Mutation
}

// WithReason records why the status changed.
func WithReason(reason string) AdvanceOption {
	return func(p *advanceParams) { p.reason = reason }
}

// WithActor records who drove the transition.
func WithActor(actor string) AdvanceOption {
	return func(p *advanceParams) { p.actor = actor }
}

// WithMutation applies extra field edits in the same optimistic update that
// moves the status.
func WithMutation(m Mutation) AdvanceOption {
	return func(p *advanceParams) { p.mutation = m }
}

// Advance applies a state-machine event to a task through the store. The
// version check is retried up to three times with linear backoff before the
// conflict surfaces. Returns the updated task.
func Advance(ctx context.Context, store Store, now func() time.Time, taskID string, event Event, opts ...AdvanceOption) (*Task, error) {
	var params advanceParams
	for _, fn := range opts {
		fn(&params)
	}

	var updated *Task
	var from, to Status

	attempt := func() error {
		current, err := store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		next, err := Next(current.Status, event)
		if err != nil {
			return err
		}
		from, to = current.Status, next

		updated, err = store.Update(ctx, taskID, current.Version, func(t *Task) error {
			t.Status = next
			if params.mutation != nil {
				return params.mutation(t)
			}
			return nil
		})
		return err
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = attempt()
		if lastErr == nil {
			break
		}
		if !faults.Is(lastErr, faults.KindVersionConflict) {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	tr := &Transition{
		TaskID:     taskID,
		FromStatus: from,
		ToStatus:   to,
		Event:      event,
		Reason:     params.reason,
		Actor:      params.actor,
		CreatedAt:  now(),
	}
	if err := store.RecordTransition(ctx, tr); err != nil {
		return nil, err
	}
	return updated, nil
}

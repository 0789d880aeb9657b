// Package postgres implements the task store port on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mend/internal/faults"
	"mend/internal/logging"
	"mend/internal/task"
)

const (
	taskTable       = "tasks"
	transitionTable = "task_transitions"
	executionTable  = "task_executions"
)

// Store is a Postgres-backed task.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed task store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskPostgresStore"),
	}
}

// EnsureSchema creates the task tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    task_id TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    provider TEXT NOT NULL,
    organization_id TEXT NOT NULL DEFAULT '',
    event_id TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    surface TEXT NOT NULL DEFAULT '',
    target_repo TEXT NOT NULL,
    target_ref TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    priority TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    plan_ref TEXT NOT NULL DEFAULT '',
    pr_ref TEXT NOT NULL DEFAULT '',
    feedback TEXT NOT NULL DEFAULT '',
    usage_input_tokens BIGINT NOT NULL DEFAULT 0,
    usage_output_tokens BIGINT NOT NULL DEFAULT 0,
    usage_wall_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    usage_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_fingerprint
    ON %[1]s (fingerprint)
    WHERE status NOT IN ('completed', 'rejected', 'failed', 'deduplicated');
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON %[1]s (updated_at DESC, task_id DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON %[1]s (status);
CREATE TABLE IF NOT EXISTS %[2]s (
    id BIGSERIAL PRIMARY KEY,
    task_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    event TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON %[2]s (task_id, id);
CREATE TABLE IF NOT EXISTS %[3]s (
    execution_id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    outcome TEXT NOT NULL DEFAULT '',
    usage_input_tokens BIGINT NOT NULL DEFAULT 0,
    usage_output_tokens BIGINT NOT NULL DEFAULT 0,
    usage_wall_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    usage_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    next_agent TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_executions_task ON %[3]s (task_id, started_at);
`, taskTable, transitionTable, executionTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

const taskColumns = `task_id, fingerprint, provider, organization_id, event_id, actor, surface,
target_repo, target_ref, kind, priority, status, attempts, last_error, plan_ref, pr_ref, feedback,
usage_input_tokens, usage_output_tokens, usage_wall_seconds, usage_cost, version, created_at, updated_at`

func (s *Store) Create(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Version == 0 {
		t.Version = 1
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
`, taskTable, taskColumns)

	_, err := s.pool.Exec(ctx, query,
		t.TaskID, t.Fingerprint, t.Origin.Provider, t.Origin.OrganizationID, t.Origin.EventID,
		t.Origin.Actor, t.Origin.Surface, t.Target.Repo, t.Target.Ref, t.Kind, t.Priority,
		t.Status, t.Attempts, t.LastError, t.PlanRef, t.PRRef, t.Feedback,
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.WallSeconds, t.Usage.CostUSD,
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return faults.Wrap(faults.KindDuplicate, err, "active task shares fingerprint")
		}
		return err
	}
	return nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	err := row.Scan(
		&t.TaskID, &t.Fingerprint, &t.Origin.Provider, &t.Origin.OrganizationID, &t.Origin.EventID,
		&t.Origin.Actor, &t.Origin.Surface, &t.Target.Repo, &t.Target.Ref, &t.Kind, &t.Priority,
		&t.Status, &t.Attempts, &t.LastError, &t.PlanRef, &t.PRRef, &t.Feedback,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.WallSeconds, &t.Usage.CostUSD,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.New(faults.KindNotFound, "task not found")
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_id = $1`, taskColumns, taskTable)
	return scanTask(s.pool.QueryRow(ctx, query, taskID))
}

func (s *Store) Update(ctx context.Context, taskID string, expectedVersion int64, mutate task.Mutation) (*task.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, faults.Wrap(faults.KindUnavailable, err, "begin update")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_id = $1 FOR UPDATE`, taskColumns, taskTable)
	current, err := scanTask(tx.QueryRow(ctx, query, taskID))
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, faults.New(faults.KindVersionConflict, "task %s at version %d, expected %d", taskID, current.Version, expectedVersion)
	}

	if err := mutate(current); err != nil {
		return nil, err
	}
	current.Version = expectedVersion + 1
	current.UpdatedAt = time.Now()

	update := fmt.Sprintf(`
UPDATE %s SET
    status = $2, attempts = $3, last_error = $4, plan_ref = $5, pr_ref = $6, feedback = $7,
    usage_input_tokens = $8, usage_output_tokens = $9, usage_wall_seconds = $10, usage_cost = $11,
    priority = $12, version = $13, updated_at = $14
WHERE task_id = $1 AND version = $15
`, taskTable)

	tag, err := tx.Exec(ctx, update,
		taskID, current.Status, current.Attempts, current.LastError, current.PlanRef,
		current.PRRef, current.Feedback, current.Usage.InputTokens, current.Usage.OutputTokens,
		current.Usage.WallSeconds, current.Usage.CostUSD, current.Priority,
		current.Version, current.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, faults.New(faults.KindVersionConflict, "task %s moved during update", taskID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, faults.Wrap(faults.KindUnavailable, err, "commit update")
	}
	return current, nil
}

func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*task.Task, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE fingerprint = $1 AND status NOT IN ('completed', 'rejected', 'failed', 'deduplicated')
`, taskColumns, taskTable)
	return scanTask(s.pool.QueryRow(ctx, query, fingerprint))
}

func (s *Store) List(ctx context.Context, filter task.Filter, cursor string, limit int) (*task.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, taskColumns, taskTable)
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY(%s)", arg(statuses))
	}
	if filter.Provider != "" {
		query += fmt.Sprintf(" AND provider = %s", arg(string(filter.Provider)))
	}
	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = %s", arg(filter.Actor))
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND updated_at >= %s", arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND updated_at <= %s", arg(filter.Until))
	}
	if cursor != "" {
		curTime, curID, err := task.DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND (updated_at, task_id) < (%s, %s)", arg(curTime), arg(curID))
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC, task_id DESC LIMIT %s", arg(limit+1))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &task.Page{Tasks: tasks}
	if len(tasks) > limit {
		page.Tasks = tasks[:limit]
		page.HasMore = true
		last := page.Tasks[limit-1]
		page.NextCursor = task.EncodeCursor(last.UpdatedAt, last.TaskID)
	}
	return page, nil
}

func (s *Store) AppendExecution(ctx context.Context, rec *task.ExecutionRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (execution_id, task_id, agent_name, session_id, started_at, finished_at, outcome,
    usage_input_tokens, usage_output_tokens, usage_wall_seconds, usage_cost, next_agent)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, executionTable)
	var finished *time.Time
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt
	}
	_, err := s.pool.Exec(ctx, query,
		rec.ExecutionID, rec.TaskID, rec.AgentName, rec.SessionID, rec.StartedAt, finished,
		string(rec.Outcome), rec.Usage.InputTokens, rec.Usage.OutputTokens,
		rec.Usage.WallSeconds, rec.Usage.CostUSD, rec.NextAgent,
	)
	return err
}

func (s *Store) FinishExecution(ctx context.Context, executionID string, outcome task.Outcome, usage task.Usage, nextAgent string, finishedAt time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET outcome = $2, usage_input_tokens = $3, usage_output_tokens = $4,
    usage_wall_seconds = $5, usage_cost = $6, next_agent = $7, finished_at = $8
WHERE execution_id = $1 AND outcome = ''
`, executionTable)
	tag, err := s.pool.Exec(ctx, query,
		executionID, string(outcome), usage.InputTokens, usage.OutputTokens,
		usage.WallSeconds, usage.CostUSD, nextAgent, finishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.New(faults.KindNotFound, "open execution %s", executionID)
	}
	return nil
}

func (s *Store) Executions(ctx context.Context, taskID string) ([]*task.ExecutionRecord, error) {
	query := fmt.Sprintf(`
SELECT execution_id, task_id, agent_name, session_id, started_at, finished_at, outcome,
    usage_input_tokens, usage_output_tokens, usage_wall_seconds, usage_cost, next_agent
FROM %s WHERE task_id = $1 ORDER BY started_at
`, executionTable)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.ExecutionRecord
	for rows.Next() {
		var rec task.ExecutionRecord
		var outcome string
		if err := rows.Scan(&rec.ExecutionID, &rec.TaskID, &rec.AgentName, &rec.SessionID,
			&rec.StartedAt, &rec.FinishedAt, &outcome, &rec.Usage.InputTokens,
			&rec.Usage.OutputTokens, &rec.Usage.WallSeconds, &rec.Usage.CostUSD, &rec.NextAgent); err != nil {
			return nil, err
		}
		rec.Outcome = task.Outcome(outcome)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) RecordTransition(ctx context.Context, tr *task.Transition) error {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, from_status, to_status, event, reason, actor, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id
`, transitionTable)
	return s.pool.QueryRow(ctx, query,
		tr.TaskID, tr.FromStatus, tr.ToStatus, tr.Event, tr.Reason, tr.Actor, tr.CreatedAt,
	).Scan(&tr.ID)
}

func (s *Store) Transitions(ctx context.Context, taskID string) ([]*task.Transition, error) {
	query := fmt.Sprintf(`
SELECT id, task_id, from_status, to_status, event, reason, actor, created_at
FROM %s WHERE task_id = $1 ORDER BY id
`, transitionTable)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Transition
	for rows.Next() {
		var tr task.Transition
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.FromStatus, &tr.ToStatus, &tr.Event,
			&tr.Reason, &tr.Actor, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE status IN ('completed', 'rejected', 'failed', 'deduplicated') AND updated_at < $1
`, taskTable)
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var _ task.Store = (*Store)(nil)

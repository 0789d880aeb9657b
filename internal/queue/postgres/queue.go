// Package postgres implements the queue port on PostgreSQL.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never receive the
// same item, and the visibility deadline lives in the row so a crashed worker's
// claim expires without coordination.
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
	"mend/internal/queue"
	"mend/internal/task"
)

const itemTable = "queue_items"

// Options tune the Postgres queue.
type Options struct {
	MaxAttempts int // dead-letter threshold (default 5)
	HighWater   int // max live items per queue (default 1000)
}

// Queue is a Postgres-backed queue.Queue.
type Queue struct {
	pool   *pgxpool.Pool
	opts   Options
	logger logging.Logger
}

// New constructs a Postgres-backed queue.
func New(pool *pgxpool.Pool, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.HighWater <= 0 {
		opts.HighWater = 1000
	}
	return &Queue{pool: pool, opts: opts, logger: logging.NewComponentLogger("QueuePostgres")}
}

// EnsureSchema creates the queue table if it does not exist.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	if q == nil || q.pool == nil {
		return fmt.Errorf("queue not initialized")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    queue TEXT NOT NULL,
    task_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    priority_rank INT NOT NULL DEFAULT 1,
    priority TEXT NOT NULL DEFAULT 'normal',
    enqueued_at TIMESTAMPTZ NOT NULL,
    available_at TIMESTAMPTZ NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    worker_id TEXT NOT NULL DEFAULT '',
    claim_deadline TIMESTAMPTZ,
    dead BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (queue, task_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_live_fingerprint
    ON %[1]s (fingerprint) WHERE NOT dead AND fingerprint <> '';
CREATE INDEX IF NOT EXISTS idx_queue_items_claim
    ON %[1]s (queue, priority_rank DESC, enqueued_at)
    WHERE NOT dead AND worker_id = '';
`, itemTable)
	_, err := q.pool.Exec(ctx, query)
	return err
}

func (q *Queue) Enqueue(ctx context.Context, item queue.Item) error {
	if !item.Queue.Valid() {
		return faults.New(faults.KindValidation, "unknown queue %q", item.Queue)
	}

	var depth int
	err := q.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE queue = $1 AND NOT dead`, itemTable), item.Queue).Scan(&depth)
	if err != nil {
		return faults.Wrap(faults.KindUnavailable, err, "queue depth")
	}
	if depth >= q.opts.HighWater {
		return faults.New(faults.KindQuotaExhausted, "queue %s at high-water mark", item.Queue)
	}

	now := time.Now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = now
	}

	_, err = q.pool.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (queue, task_id, fingerprint, priority_rank, priority, enqueued_at, available_at, attempts)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, itemTable),
		item.Queue, item.TaskID, item.Fingerprint, item.Priority.Rank(), string(item.Priority),
		item.EnqueuedAt, item.AvailableAt, item.Attempts,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return faults.Wrap(faults.KindDuplicate, err, "fingerprint already enqueued or in flight")
		}
		return err
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, name queue.Name, workerID string, visibility time.Duration) (*queue.Item, error) {
	now := time.Now()
	query := fmt.Sprintf(`
UPDATE %[1]s SET worker_id = $1, claim_deadline = $2
WHERE (queue, task_id) = (
    SELECT queue, task_id FROM %[1]s
    WHERE queue = $3 AND NOT dead AND worker_id = '' AND available_at <= $4
    ORDER BY priority_rank DESC, enqueued_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING queue, task_id, fingerprint, priority, enqueued_at, available_at, attempts, worker_id, claim_deadline
`, itemTable)

	row := q.pool.QueryRow(ctx, query, workerID, now.Add(visibility), name, now)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func scanItem(row pgx.Row) (*queue.Item, error) {
	var item queue.Item
	var priority string
	var deadline *time.Time
	err := row.Scan(&item.Queue, &item.TaskID, &item.Fingerprint, &priority,
		&item.EnqueuedAt, &item.AvailableAt, &item.Attempts, &item.WorkerID, &deadline)
	if err != nil {
		return nil, err
	}
	item.Priority = task.Priority(priority)
	if deadline != nil {
		item.ClaimDeadline = *deadline
	}
	return &item, nil
}

func (q *Queue) Ack(ctx context.Context, name queue.Name, taskID, workerID string) error {
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE queue = $1 AND task_id = $2 AND worker_id = $3 AND NOT dead`, itemTable),
		name, taskID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.New(faults.KindNotFound, "no claim on %s by %s", taskID, workerID)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, name queue.Name, taskID, workerID string, delay time.Duration) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
    attempts = attempts + 1,
    worker_id = '',
    claim_deadline = NULL,
    available_at = $4,
    dead = (attempts + 1 >= $5)
WHERE queue = $1 AND task_id = $2 AND worker_id = $3 AND NOT dead
RETURNING dead
`, itemTable)

	var dead bool
	err := q.pool.QueryRow(ctx, query, name, taskID, workerID,
		time.Now().Add(delay), q.opts.MaxAttempts).Scan(&dead)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, faults.New(faults.KindNotFound, "no claim on %s by %s", taskID, workerID)
		}
		return false, err
	}
	return dead, nil
}

func (q *Queue) Extend(ctx context.Context, name queue.Name, taskID, workerID string, visibility time.Duration) error {
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET claim_deadline = $4 WHERE queue = $1 AND task_id = $2 AND worker_id = $3 AND NOT dead`, itemTable),
		name, taskID, workerID, time.Now().Add(visibility))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.New(faults.KindNotFound, "no claim on %s by %s", taskID, workerID)
	}
	return nil
}

func (q *Queue) Reclaim(ctx context.Context) (int, []string, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
    attempts = attempts + 1,
    worker_id = '',
    claim_deadline = NULL,
    available_at = NOW(),
    dead = (attempts + 1 >= $1)
WHERE worker_id <> '' AND NOT dead AND claim_deadline <= NOW()
RETURNING task_id, dead
`, itemTable)
	rows, err := q.pool.Query(ctx, query, q.opts.MaxAttempts)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	requeued := 0
	var deadLettered []string
	for rows.Next() {
		var taskID string
		var dead bool
		if err := rows.Scan(&taskID, &dead); err != nil {
			return requeued, deadLettered, err
		}
		if dead {
			deadLettered = append(deadLettered, taskID)
		} else {
			requeued++
		}
	}
	return requeued, deadLettered, rows.Err()
}

func (q *Queue) Stats(ctx context.Context, name queue.Name) (*queue.Stats, error) {
	query := fmt.Sprintf(`
SELECT
    COUNT(*) FILTER (WHERE NOT dead AND worker_id = ''),
    COUNT(*) FILTER (WHERE NOT dead AND worker_id <> ''),
    COUNT(*) FILTER (WHERE dead)
FROM %s WHERE queue = $1
`, itemTable)
	stats := &queue.Stats{Queue: name}
	if err := q.pool.QueryRow(ctx, query, name).Scan(&stats.Visible, &stats.Claimed, &stats.DeadLetters); err != nil {
		return nil, err
	}
	return stats, nil
}

func (q *Queue) DeadLetters(ctx context.Context, name queue.Name) ([]queue.Item, error) {
	query := fmt.Sprintf(`
SELECT queue, task_id, fingerprint, priority, enqueued_at, available_at, attempts, worker_id, claim_deadline
FROM %s WHERE queue = $1 AND dead ORDER BY enqueued_at
`, itemTable)
	rows, err := q.pool.Query(ctx, query, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

var _ queue.Queue = (*Queue)(nil)

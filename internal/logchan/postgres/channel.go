// Package postgres implements the log channel port on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mend/internal/faults"
	"mend/internal/logchan"
	"mend/internal/logging"
)

const (
	entryTable = "log_entries"
	stateTable = "log_state"
)

// Options tune the Postgres channel.
type Options struct {
	MaxLines int // per-task retention cap (default 50000)
}

// Channel is a Postgres-backed logchan.Channel.
type Channel struct {
	pool   *pgxpool.Pool
	opts   Options
	logger logging.Logger
}

// New constructs a Postgres-backed log channel.
func New(pool *pgxpool.Pool, opts Options) *Channel {
	if opts.MaxLines <= 0 {
		opts.MaxLines = 50000
	}
	return &Channel{pool: pool, opts: opts, logger: logging.NewComponentLogger("LogChannelPostgres")}
}

// EnsureSchema creates the log tables if they do not exist.
func (c *Channel) EnsureSchema(ctx context.Context) error {
	if c == nil || c.pool == nil {
		return fmt.Errorf("log channel not initialized")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    task_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    stream TEXT NOT NULL,
    message TEXT NOT NULL,
    PRIMARY KEY (task_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_log_entries_ts ON %[1]s (ts);
CREATE TABLE IF NOT EXISTS %[2]s (
    task_id TEXT PRIMARY KEY,
    next_sequence BIGINT NOT NULL DEFAULT 0,
    truncated BIGINT NOT NULL DEFAULT 0
);
`, entryTable, stateTable)
	_, err := c.pool.Exec(ctx, query)
	return err
}

func (c *Channel) Append(ctx context.Context, taskID string, stream logchan.Stream, line string) error {
	// Sequence allocation and insert run in one transaction; concurrent
	// appenders for the same task serialize on the state row.
	for attempt := 0; attempt < 3; attempt++ {
		err := c.appendOnce(ctx, taskID, stream, line)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "40001") {
			continue
		}
		return err
	}
	return faults.New(faults.KindUnavailable, "log append contention on task %s", taskID)
}

func (c *Channel) appendOnce(ctx context.Context, taskID string, stream logchan.Stream, line string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return faults.Wrap(faults.KindUnavailable, err, "begin append")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx, fmt.Sprintf(`
INSERT INTO %[1]s (task_id, next_sequence) VALUES ($1, 1)
ON CONFLICT (task_id) DO UPDATE SET next_sequence = %[1]s.next_sequence + 1
RETURNING next_sequence - 1
`, stateTable), taskID).Scan(&seq)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (task_id, sequence, ts, stream, message) VALUES ($1,$2,$3,$4,$5)
`, entryTable), taskID, seq, time.Now(), string(stream), line)
	if err != nil {
		return err
	}

	// Enforce the per-task cap inside the same transaction.
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
DELETE FROM %[1]s WHERE task_id = $1 AND sequence <= $2 - $3
`, entryTable), taskID, seq, int64(c.opts.MaxLines))
	if err != nil {
		return err
	}
	if dropped := tag.RowsAffected(); dropped > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET truncated = truncated + $2 WHERE task_id = $1
`, stateTable), taskID, dropped); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (c *Channel) Read(ctx context.Context, taskID string, offset int64, max int) (*logchan.ReadResult, error) {
	if max <= 0 {
		max = 100
	}

	var nextSeq, truncated int64
	err := c.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT next_sequence, truncated FROM %s WHERE task_id = $1`, stateTable), taskID).
		Scan(&nextSeq, &truncated)
	if err != nil {
		// No state row means the task never logged.
		return &logchan.ReadResult{NextOffset: offset}, nil
	}

	result := &logchan.ReadResult{Total: nextSeq, NextOffset: offset}

	var firstRetained int64
	err = c.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT COALESCE(MIN(sequence), $2) FROM %s WHERE task_id = $1`, entryTable), taskID, nextSeq).
		Scan(&firstRetained)
	if err != nil {
		return nil, err
	}

	if truncated > 0 && offset < firstRetained {
		result.Entries = append(result.Entries, logchan.Entry{
			TaskID:    taskID,
			Sequence:  firstRetained - 1,
			Timestamp: time.Now(),
			Stream:    logchan.StreamSystem,
			Message:   logchan.TruncationMessage(truncated),
		})
		offset = firstRetained
		max--
	}

	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
SELECT sequence, ts, stream, message FROM %s
WHERE task_id = $1 AND sequence >= $2 ORDER BY sequence LIMIT $3
`, entryTable), taskID, offset, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e logchan.Entry
		var stream string
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &stream, &e.Message); err != nil {
			return nil, err
		}
		e.TaskID = taskID
		e.Stream = logchan.Stream(stream)
		result.Entries = append(result.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if n := len(result.Entries); n > 0 {
		result.NextOffset = result.Entries[n-1].Sequence + 1
	}
	result.HasMore = result.NextOffset < nextSeq
	return result, nil
}

func (c *Channel) Evict(ctx context.Context, before time.Time) (int, error) {
	tag, err := c.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE ts < $1`, entryTable), before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var _ logchan.Channel = (*Channel)(nil)

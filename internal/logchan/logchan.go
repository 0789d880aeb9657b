// Package logchan defines the per-task bounded log channel port.
//
// Every task gets an append-only history of subprocess output lines with
// strictly monotonic, contiguous sequence numbers. The history is bounded two
// ways: a per-task line cap (oldest entries evicted, marked by a system entry)
// and a retention TTL enforced by the janitor.
package logchan

import (
	"context"
	"fmt"
	"time"
)

// Stream tags which descriptor a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// Entry is one log line.
type Entry struct {
	TaskID    string    `json:"-"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Message   string    `json:"message"`
}

// ReadResult is one page of a task's log.
type ReadResult struct {
	Entries    []Entry `json:"entries"`
	NextOffset int64   `json:"next_offset"`
	Total      int64   `json:"total"`
	HasMore    bool    `json:"has_more"`
}

// Channel is the log storage port. Writers never wait on readers.
type Channel interface {
	// EnsureSchema creates or migrates the backing schema.
	EnsureSchema(ctx context.Context) error

	// Append adds one line to the task's history. Lines longer than the
	// configured byte cap must be split by the caller (see SplitLine).
	Append(ctx context.Context, taskID string, stream Stream, line string) error

	// Read returns up to max entries with sequence >= offset.
	Read(ctx context.Context, taskID string, offset int64, max int) (*ReadResult, error)

	// Evict removes entries older than the retention cutoff.
	Evict(ctx context.Context, before time.Time) (int, error)
}

// TruncationMessage is the system entry inserted when the per-task cap drops
// old entries.
func TruncationMessage(n int64) string {
	return fmt.Sprintf("[truncated %d lines]", n)
}

// SplitLine cuts a line into chunks of at most maxBytes bytes, splitting on
// the byte boundary. A line within the cap comes back as a single chunk.
func SplitLine(line string, maxBytes int) []string {
	if maxBytes <= 0 || len(line) <= maxBytes {
		return []string{line}
	}
	var parts []string
	for len(line) > maxBytes {
		parts = append(parts, line[:maxBytes])
		line = line[maxBytes:]
	}
	if len(line) > 0 {
		parts = append(parts, line)
	}
	return parts
}

// Package memory implements the log channel port in process memory.
package memory

import (
	"context"
	"sync"
	"time"

	"mend/internal/logchan"
)

// Options tune the in-memory channel.
type Options struct {
	MaxLines int // per-task retention cap (default 50000)
	Now      func() time.Time
}

type taskLog struct {
	mu        sync.Mutex
	entries   []logchan.Entry // contiguous retained window
	nextSeq   int64
	truncated int64 // total lines dropped by the cap
}

// Channel is an in-memory logchan.Channel.
type Channel struct {
	mu   sync.RWMutex
	logs map[string]*taskLog
	opts Options
}

// New creates an empty channel.
func New(opts Options) *Channel {
	if opts.MaxLines <= 0 {
		opts.MaxLines = 50000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{logs: make(map[string]*taskLog), opts: opts}
}

func (c *Channel) EnsureSchema(ctx context.Context) error { return nil }

func (c *Channel) taskLog(taskID string) *taskLog {
	c.mu.RLock()
	tl := c.logs[taskID]
	c.mu.RUnlock()
	if tl != nil {
		return tl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tl = c.logs[taskID]; tl == nil {
		tl = &taskLog{}
		c.logs[taskID] = tl
	}
	return tl
}

func (c *Channel) Append(ctx context.Context, taskID string, stream logchan.Stream, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tl := c.taskLog(taskID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.entries = append(tl.entries, logchan.Entry{
		TaskID:    taskID,
		Sequence:  tl.nextSeq,
		Timestamp: c.opts.Now(),
		Stream:    stream,
		Message:   line,
	})
	tl.nextSeq++

	if over := len(tl.entries) - c.opts.MaxLines; over > 0 {
		tl.truncated += int64(over)
		tl.entries = append([]logchan.Entry(nil), tl.entries[over:]...)
	}
	return nil
}

func (c *Channel) Read(ctx context.Context, taskID string, offset int64, max int) (*logchan.ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 100
	}

	tl := c.taskLog(taskID)
	tl.mu.Lock()
	entries := tl.entries
	truncated := tl.truncated
	nextSeq := tl.nextSeq
	tl.mu.Unlock()

	result := &logchan.ReadResult{Total: nextSeq, NextOffset: offset}

	var firstRetained int64
	if len(entries) > 0 {
		firstRetained = entries[0].Sequence
	} else {
		firstRetained = nextSeq
	}

	// A read that starts inside the truncated range gets the marker first.
	if truncated > 0 && offset < firstRetained {
		result.Entries = append(result.Entries, logchan.Entry{
			TaskID:    taskID,
			Sequence:  firstRetained - 1,
			Timestamp: c.opts.Now(),
			Stream:    logchan.StreamSystem,
			Message:   logchan.TruncationMessage(truncated),
		})
		offset = firstRetained
		max--
	}

	start := int(offset - firstRetained)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(entries) && max > 0; i++ {
		result.Entries = append(result.Entries, entries[i])
		max--
	}

	if n := len(result.Entries); n > 0 {
		result.NextOffset = result.Entries[n-1].Sequence + 1
	}
	result.HasMore = result.NextOffset < nextSeq
	return result, nil
}

func (c *Channel) Evict(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for taskID, tl := range c.logs {
		tl.mu.Lock()
		kept := tl.entries[:0:0]
		for _, e := range tl.entries {
			if e.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		tl.entries = kept
		// Drop the bookkeeping only for tasks that never logged, so sequence
		// numbers stay monotonic for tasks that outlive the TTL.
		unused := tl.nextSeq == 0
		tl.mu.Unlock()
		if unused {
			delete(c.logs, taskID)
		}
	}
	return removed, nil
}

var _ logchan.Channel = (*Channel)(nil)

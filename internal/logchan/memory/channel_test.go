package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"mend/internal/logchan"
)

func TestAppendAssignsContiguousSequences(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	for i := 0; i < 5; i++ {
		if err := c.Append(ctx, "task-1", logchan.StreamStdout, fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	res, err := c.Read(ctx, "task-1", 0, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(res.Entries) != 5 || res.Total != 5 || res.HasMore {
		t.Fatalf("read = %+v", res)
	}
	for i, e := range res.Entries {
		if e.Sequence != int64(i) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
	}
	if res.NextOffset != 5 {
		t.Fatalf("next offset = %d, want 5", res.NextOffset)
	}
}

func TestCapInsertsTruncationMarker(t *testing.T) {
	ctx := context.Background()
	c := New(Options{MaxLines: 10})

	for i := 0; i < 25; i++ {
		if err := c.Append(ctx, "task-1", logchan.StreamStdout, fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	res, err := c.Read(ctx, "task-1", 0, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Marker plus the retained window.
	if len(res.Entries) != 11 {
		t.Fatalf("got %d entries, want 11", len(res.Entries))
	}
	marker := res.Entries[0]
	if marker.Stream != logchan.StreamSystem || marker.Message != "[truncated 15 lines]" {
		t.Fatalf("marker = %+v", marker)
	}
	if marker.Sequence != 14 {
		t.Fatalf("marker sequence = %d, want 14", marker.Sequence)
	}
	// Retained entries stay contiguous after the marker.
	for i, e := range res.Entries[1:] {
		if e.Sequence != int64(15+i) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
	}

	// Reading from inside the retained window skips the marker.
	res, err = c.Read(ctx, "task-1", 20, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(res.Entries) != 5 || res.Entries[0].Sequence != 20 {
		t.Fatalf("offset read = %+v", res)
	}
}

func TestReadPagination(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	for i := 0; i < 10; i++ {
		if err := c.Append(ctx, "task-1", logchan.StreamStdout, "x"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var offset int64
	pages := 0
	for {
		res, err := c.Read(ctx, "task-1", offset, 4)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(res.Entries) == 0 {
			break
		}
		pages++
		offset = res.NextOffset
		if !res.HasMore {
			break
		}
	}
	if pages != 3 || offset != 10 {
		t.Fatalf("pages=%d offset=%d", pages, offset)
	}
}

func TestSplitLine(t *testing.T) {
	line := strings.Repeat("a", 10)
	parts := logchan.SplitLine(line, 4)
	if len(parts) != 3 || parts[0] != "aaaa" || parts[2] != "aa" {
		t.Fatalf("parts = %v", parts)
	}
	if got := logchan.SplitLine("short", 64); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short line split: %v", got)
	}
}

func TestEvictKeepsSequenceBookkeeping(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	current := base
	c := New(Options{Now: func() time.Time { return current }})

	if err := c.Append(ctx, "task-1", logchan.StreamStdout, "old"); err != nil {
		t.Fatalf("append: %v", err)
	}

	current = base.Add(48 * time.Hour)
	n, err := c.Evict(ctx, base.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("evict: n=%d err=%v", n, err)
	}

	// New lines continue the old sequence instead of restarting at zero.
	if err := c.Append(ctx, "task-1", logchan.StreamStdout, "new"); err != nil {
		t.Fatalf("append: %v", err)
	}
	res, err := c.Read(ctx, "task-1", 1, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Sequence != 1 {
		t.Fatalf("read after evict = %+v", res.Entries)
	}
}

// Package memory implements the queue port with in-process heaps.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"mend/internal/faults"
	"mend/internal/queue"
)

// Options tune the in-memory queue.
type Options struct {
	MaxAttempts      int  // dead-letter threshold (default 5)
	HighWater        int  // max visible+claimed items per queue (default 1000)
	BlockOnHighWater bool // block Enqueue instead of failing fast
	Now              func() time.Time
}

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu           sync.Mutex
	cond         *sync.Cond
	opts         Options
	seq          int64
	heaps        map[queue.Name]*itemHeap
	claimed      map[queue.Name]map[string]*queue.Item // taskID → item
	deadLetters  map[queue.Name][]queue.Item
	fingerprints map[string]struct{} // enqueued or in-flight, across queues
}

// New creates an empty queue pair.
func New(opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.HighWater <= 0 {
		opts.HighWater = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		opts:         opts,
		heaps:        map[queue.Name]*itemHeap{queue.Plan: {}, queue.Execute: {}},
		claimed:      map[queue.Name]map[string]*queue.Item{queue.Plan: {}, queue.Execute: {}},
		deadLetters:  map[queue.Name][]queue.Item{},
		fingerprints: map[string]struct{}{},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) EnsureSchema(ctx context.Context) error { return nil }

func (q *Queue) Enqueue(ctx context.Context, item queue.Item) error {
	if !item.Queue.Valid() {
		return faults.New(faults.KindValidation, "unknown queue %q", item.Queue)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.fingerprints[item.Fingerprint]; dup && item.Fingerprint != "" {
		return faults.New(faults.KindDuplicate, "fingerprint already enqueued or in flight")
	}

	for q.depthLocked(item.Queue) >= q.opts.HighWater {
		if !q.opts.BlockOnHighWater {
			return faults.New(faults.KindQuotaExhausted, "queue %s at high-water mark", item.Queue)
		}
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-waitDone:
			}
		}()
		q.cond.Wait()
		close(waitDone)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	now := q.opts.Now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = now
	}
	q.seq++
	heap.Push(q.heaps[item.Queue], &entry{item: item, seq: q.seq})
	if item.Fingerprint != "" {
		q.fingerprints[item.Fingerprint] = struct{}{}
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, name queue.Name, workerID string, visibility time.Duration) (*queue.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.heaps[name]
	if h == nil {
		return nil, faults.New(faults.KindValidation, "unknown queue %q", name)
	}

	now := q.opts.Now()
	// Skim items that are not yet available and push them back afterwards.
	var deferred []*entry
	var picked *entry
	for h.Len() > 0 {
		e := heap.Pop(h).(*entry)
		if e.item.AvailableAt.After(now) {
			deferred = append(deferred, e)
			continue
		}
		picked = e
		break
	}
	for _, e := range deferred {
		heap.Push(h, e)
	}
	if picked == nil {
		return nil, nil
	}

	item := picked.item
	item.WorkerID = workerID
	item.ClaimDeadline = now.Add(visibility)
	q.claimed[name][item.TaskID] = &item
	q.cond.Broadcast()
	cp := item
	return &cp, nil
}

func (q *Queue) Ack(ctx context.Context, name queue.Name, taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.claimed[name][taskID]
	if !ok || item.WorkerID != workerID {
		return faults.New(faults.KindNotFound, "no claim on %s by %s", taskID, workerID)
	}
	delete(q.claimed[name], taskID)
	delete(q.fingerprints, item.Fingerprint)
	q.cond.Broadcast()
	return nil
}

func (q *Queue) Nack(ctx context.Context, name queue.Name, taskID, workerID string, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.claimed[name][taskID]
	if !ok || item.WorkerID != workerID {
		return false, faults.New(faults.KindNotFound, "no claim on %s by %s", taskID, workerID)
	}
	delete(q.claimed[name], taskID)

	item.Attempts++
	item.WorkerID = ""
	item.ClaimDeadline = time.Time{}

	if item.Attempts >= q.opts.MaxAttempts {
		q.deadLetters[name] = append(q.deadLetters[name], *item)
		delete(q.fingerprints, item.Fingerprint)
		q.cond.Broadcast()
		return true, nil
	}

	item.AvailableAt = q.opts.Now().Add(delay)
	q.seq++
	heap.Push(q.heaps[name], &entry{item: *item, seq: q.seq})
	return false, nil
}

func (q *Queue) Extend(ctx context.Context, name queue.Name, taskID, workerID string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.claimed[name][taskID]
	if !ok || item.WorkerID != workerID {
		return faults.New(faults.KindNotFound, "no claim on %s by %s", taskID, workerID)
	}
	item.ClaimDeadline = q.opts.Now().Add(visibility)
	return nil
}

func (q *Queue) Reclaim(ctx context.Context) (int, []string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	requeued := 0
	var deadLettered []string
	for name, claims := range q.claimed {
		for taskID, item := range claims {
			if item.ClaimDeadline.After(now) {
				continue
			}
			delete(claims, taskID)
			item.Attempts++
			item.WorkerID = ""
			item.ClaimDeadline = time.Time{}
			if item.Attempts >= q.opts.MaxAttempts {
				q.deadLetters[name] = append(q.deadLetters[name], *item)
				delete(q.fingerprints, item.Fingerprint)
				deadLettered = append(deadLettered, taskID)
			} else {
				item.AvailableAt = now
				q.seq++
				heap.Push(q.heaps[name], &entry{item: *item, seq: q.seq})
				requeued++
			}
		}
	}
	if requeued > 0 || len(deadLettered) > 0 {
		q.cond.Broadcast()
	}
	return requeued, deadLettered, nil
}

func (q *Queue) Stats(ctx context.Context, name queue.Name) (*queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.heaps[name]
	if h == nil {
		return nil, faults.New(faults.KindValidation, "unknown queue %q", name)
	}
	return &queue.Stats{
		Queue:       name,
		Visible:     h.Len(),
		Claimed:     len(q.claimed[name]),
		DeadLetters: len(q.deadLetters[name]),
	}, nil
}

func (q *Queue) DeadLetters(ctx context.Context, name queue.Name) ([]queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Item, len(q.deadLetters[name]))
	copy(out, q.deadLetters[name])
	return out, nil
}

func (q *Queue) depthLocked(name queue.Name) int {
	return q.heaps[name].Len() + len(q.claimed[name])
}

var _ queue.Queue = (*Queue)(nil)

// entry orders items by priority rank, then enqueue time, then insertion order.
type entry struct {
	item queue.Item
	seq  int64
}

type itemHeap []*entry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	ri, rj := h[i].item.Priority.Rank(), h[j].item.Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	if !h[i].item.EnqueuedAt.Equal(h[j].item.EnqueuedAt) {
		return h[i].item.EnqueuedAt.Before(h[j].item.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

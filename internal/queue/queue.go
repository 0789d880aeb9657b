// Package queue defines the two-stage priority queue port.
//
// Two named queues, plan and execute, carry task ids between the dispatcher
// and the agent workers. Delivery is at-least-once: a claim hides an item
// until its visibility deadline, and an unacked claim becomes reclaimable.
package queue

import (
	"context"
	"time"

	"mend/internal/task"
)

// Name identifies one of the two stage queues.
type Name string

const (
	Plan    Name = "plan"
	Execute Name = "execute"
)

// Valid reports whether n names a known queue.
func (n Name) Valid() bool { return n == Plan || n == Execute }

// Item is one queued unit of work.
type Item struct {
	Queue       Name          `json:"queue"`
	TaskID      string        `json:"task_id"`
	Fingerprint string        `json:"fingerprint"`
	Priority    task.Priority `json:"priority"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	AvailableAt time.Time     `json:"available_at"`
	Attempts    int           `json:"attempts"`

	// Claim state; zero while the item is visible.
	WorkerID      string    `json:"worker_id,omitempty"`
	ClaimDeadline time.Time `json:"claim_deadline,omitempty"`
}

// Stats summarises one queue for inspection.
type Stats struct {
	Queue       Name `json:"queue"`
	Visible     int  `json:"visible"`
	Claimed     int  `json:"claimed"`
	DeadLetters int  `json:"dead_letters"`
}

// Queue is the delivery port shared by the dispatcher and workers.
type Queue interface {
	// EnsureSchema creates or migrates the backing schema.
	EnsureSchema(ctx context.Context) error

	// Enqueue adds an item. It fails with faults.KindDuplicate when an item
	// with the same fingerprint is already enqueued or in flight on any
	// queue, and with faults.KindQuotaExhausted when the queue depth sits at
	// the high-water mark (unless the queue was configured to block).
	Enqueue(ctx context.Context, item Item) error

	// Claim returns the highest-priority visible item and hides it for
	// visibility. Returns (nil, nil) when the queue is empty.
	Claim(ctx context.Context, queue Name, workerID string, visibility time.Duration) (*Item, error)

	// Ack removes a claimed item.
	Ack(ctx context.Context, queue Name, taskID, workerID string) error

	// Nack returns a claimed item to the queue with attempts incremented and
	// visibility delayed by delay. When attempts reach the configured cap the
	// item moves to the dead-letter channel instead; deadLettered reports
	// which happened.
	Nack(ctx context.Context, queue Name, taskID, workerID string, delay time.Duration) (deadLettered bool, err error)

	// Extend pushes out the claim deadline for a heartbeat.
	Extend(ctx context.Context, queue Name, taskID, workerID string, visibility time.Duration) error

	// Reclaim makes items whose claim deadline passed visible again. Items
	// that exhaust their attempts move to the dead-letter channel instead;
	// deadLettered lists their task ids so the caller can fail the owning
	// tasks.
	Reclaim(ctx context.Context) (requeued int, deadLettered []string, err error)

	// Stats reports depth counters for one queue.
	Stats(ctx context.Context, queue Name) (*Stats, error)

	// DeadLetters lists dead-lettered items for one queue.
	DeadLetters(ctx context.Context, queue Name) ([]Item, error)
}

package task

import (
	"mend/internal/faults"
)

// Event names a cause for a status transition.
type Event string

const (
	EventCreated       Event = "created"
	EventWorkerClaim   Event = "worker_claim"
	EventPlanSucceeded Event = "plan_succeeded"
	EventPlanRetry     Event = "plan_retry"
	EventExecRetry     Event = "exec_retry"
	EventApprove       Event = "approve"
	EventImprove       Event = "improve"
	EventReject        Event = "reject"
	EventExecSucceeded Event = "exec_succeeded"
	EventFailed        Event = "failed"
)

// transitions is the legal-path table. A missing entry means the move is
// refused with faults.KindIllegalTransition.
var transitions = map[Status]map[Event]Status{
	StatusQueued: {
		EventWorkerClaim: StatusPlanning,
		EventFailed:      StatusFailed,
	},
	StatusPlanning: {
		// Improve parks the task in planning before a worker holds it; the
		// claim of the re-enqueued item lands here again.
		EventWorkerClaim:   StatusPlanning,
		EventPlanSucceeded: StatusAwaitingApproval,
		EventPlanRetry:     StatusQueued,
		EventFailed:        StatusFailed,
	},
	StatusAwaitingApproval: {
		EventApprove: StatusApproved,
		EventImprove: StatusPlanning,
		EventReject:  StatusRejected,
		EventFailed:  StatusFailed,
	},
	StatusApproved: {
		EventWorkerClaim: StatusExecuting,
		EventFailed:      StatusFailed,
	},
	StatusExecuting: {
		EventExecSucceeded: StatusCompleted,
		EventExecRetry:     StatusApproved,
		EventFailed:        StatusFailed,
	},
}

// Next resolves the status reached by applying event in state from.
func Next(from Status, event Event) (Status, error) {
	if event == EventCreated {
		if from != "" {
			return "", faults.New(faults.KindIllegalTransition, "created event on existing task in %q", from)
		}
		return StatusQueued, nil
	}
	row, ok := transitions[from]
	if !ok {
		return "", faults.New(faults.KindIllegalTransition, "no transitions from %q", from)
	}
	to, ok := row[event]
	if !ok {
		return "", faults.New(faults.KindIllegalTransition, "%q not legal in %q", event, from)
	}
	return to, nil
}

// CanTransition reports whether event is legal in state from.
func CanTransition(from Status, event Event) bool {
	_, err := Next(from, event)
	return err == nil
}

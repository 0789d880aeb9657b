// Package faults classifies errors into the kinds the orchestrator reacts to.
//
// Every kind maps to one recovery policy: transient kinds are retried with
// backoff, permanent kinds surface to the task record and the user.
package faults

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation - malformed input, reject without retry.
	KindValidation
	// KindAuthentication - signature or credential mismatch.
	KindAuthentication
	// KindDuplicate - fingerprint collision with an active task.
	KindDuplicate
	// KindTokenUnavailable - token broker refresh failed.
	KindTokenUnavailable
	// KindSubprocessTimeout - subprocess exceeded its deadline.
	KindSubprocessTimeout
	// KindSubprocessFailure - nonzero exit with a retryable signal.
	KindSubprocessFailure
	// KindSubprocessFatal - nonzero exit with a fatal signal, no retry.
	KindSubprocessFatal
	// KindVersionConflict - optimistic concurrency check failed.
	KindVersionConflict
	// KindCacheBusy - repository cache lock contention.
	KindCacheBusy
	// KindQuotaExhausted - queue high-water or per-task log cap reached.
	KindQuotaExhausted
	// KindNotFound - referenced entity does not exist.
	KindNotFound
	// KindIllegalTransition - state machine refused the requested move.
	KindIllegalTransition
	// KindAccessDenied - sensitive path policy rejected an operation.
	KindAccessDenied
	// KindUnavailable - a backend (store, queue) is unreachable.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindDuplicate:
		return "duplicate"
	case KindTokenUnavailable:
		return "token-unavailable"
	case KindSubprocessTimeout:
		return "subprocess-timeout"
	case KindSubprocessFailure:
		return "subprocess-failure"
	case KindSubprocessFatal:
		return "subprocess-fatal"
	case KindVersionConflict:
		return "version-conflict"
	case KindCacheBusy:
		return "cache-busy"
	case KindQuotaExhausted:
		return "quota-exhausted"
	case KindNotFound:
		return "not-found"
	case KindIllegalTransition:
		return "illegal-transition"
	case KindAccessDenied:
		return "access-denied"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	ErrKind Kind
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.ErrKind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.ErrKind, e.Err)
	default:
		return e.ErrKind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a kinded error with a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{ErrKind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind. Returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{ErrKind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ErrKind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error class warrants a retry with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTokenUnavailable, KindSubprocessTimeout, KindSubprocessFailure,
		KindVersionConflict, KindCacheBusy, KindUnavailable:
		return true
	default:
		return false
	}
}

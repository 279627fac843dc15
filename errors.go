package tasksync

import (
	"errors"
	"fmt"

	"github.com/erennakbas/tasksync/types"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("task not found")
	ErrTransient  = errors.New("transient remote failure")
	ErrConflict   = errors.New("revision conflict")
	ErrPermanent  = errors.New("permanent remote failure")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client is closed")
)

// ValidationError reports bad input. It never reaches the remote store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an operation on an id the local collection does not hold.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransientError is a retryable remote failure (timeout, network, 5xx).
type TransientError struct {
	Op      types.OpKind
	TaskID  string
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: attempt %d: %v", e.Op, e.TaskID, e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// PermanentError is delivered when an operation will not be retried anymore,
// either because retries were exhausted or the remote rejected it outright.
type PermanentError struct {
	Op       types.OpKind
	TaskID   string
	Attempts int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.TaskID, e.Attempts, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Is(target error) bool { return target == ErrPermanent }

// ConflictError carries both versions of a task whose update or delete was
// rejected for a stale revision. Remote is nil when the remote copy could not
// be fetched; RemoteMissing is set when it no longer exists.
type ConflictError struct {
	Op            types.OpKind
	Local         types.Task
	Patch         types.Patch
	Remote        *types.Task
	RemoteMissing bool
	Err           error
}

func (e *ConflictError) Error() string {
	if e.RemoteMissing {
		return fmt.Sprintf("%s %s: conflict at local revision %d, remote copy was deleted", e.Op, e.Local.ID, e.Local.Revision)
	}
	if e.Remote == nil {
		return fmt.Sprintf("%s %s: conflict at local revision %d, remote copy unavailable", e.Op, e.Local.ID, e.Local.Revision)
	}
	return fmt.Sprintf("%s %s: conflict at local revision %d, remote revision %d", e.Op, e.Local.ID, e.Local.Revision, e.Remote.Revision)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

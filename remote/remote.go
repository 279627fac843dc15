// Package remote defines the interface for the backend store that owns the
// authoritative copy of every task.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/erennakbas/tasksync/types"
)

var (
	// ErrNotFound is returned when the remote object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrStaleRevision is returned when an update or delete carried a revision
	// older than the one stored remotely.
	ErrStaleRevision = errors.New("stale revision")
)

// Remote is the contract of the backend-as-a-service holding the Task class.
// The primary implementation talks to a Parse REST API.
type Remote interface {
	// Create stores a new task and returns its assigned id and initial revision
	Create(ctx context.Context, task types.Task) (types.RemoteAck, error)

	// List returns every task visible to the session
	List(ctx context.Context) ([]types.Task, error)

	// Get returns a single task by remote id
	Get(ctx context.Context, id string) (types.Task, error)

	// Update applies patch if revision is still current and returns the new revision
	Update(ctx context.Context, id string, patch types.Patch, revision int64) (types.RemoteAck, error)

	// Delete removes a task if revision is still current
	Delete(ctx context.Context, id string, revision int64) error
}

// StatusError is a rejected HTTP call.
type StatusError struct {
	StatusCode int
	Code       int
	Message    string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote: http %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: http %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the server asked to be called again later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient checks if an error is transient and the call should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrStaleRevision) || errors.Is(err, ErrNotFound) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Check for common transient network errors
	errStr := err.Error()
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"EOF",
		"network is unreachable",
		"no route to host",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

type sessionTokenKey struct{}

// WithSessionToken returns a context carrying an opaque session token that
// Remote implementations forward unmodified.
func WithSessionToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionTokenKey{}, token)
}

// SessionToken returns the session token carried by ctx, if any.
func SessionToken(ctx context.Context) string {
	token, _ := ctx.Value(sessionTokenKey{}).(string)
	return token
}

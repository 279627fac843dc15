// Package types provides core types for the tasksync synchronization core.
package types

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for logging in tasksync.
// It uses logrus.FieldLogger which is implemented by both *logrus.Logger and *logrus.Entry.
type Logger = logrus.FieldLogger

// DefaultLogger returns the default logrus logger.
func DefaultLogger() Logger {
	return logrus.StandardLogger()
}

// SyncState represents how a local task relates to its remote copy.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending"
	SyncStateFailed  SyncState = "failed"
)

// String returns the string representation of SyncState.
func (s SyncState) String() string {
	return string(s)
}

// Task is the local view of a remote Task object.
type Task struct {
	ID        string    `json:"id"`
	LocalID   string    `json:"local_id,omitempty"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	Revision  int64     `json:"revision"`
	SyncState SyncState `json:"sync_state"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Key returns the stable lane key of the task: the temporary id it was created
// with, or its remote id for tasks that were hydrated from the remote store.
func (t Task) Key() string {
	if t.LocalID != "" {
		return t.LocalID
	}
	return t.ID
}

// Patch is a partial update of a task. Nil fields are left untouched.
type Patch struct {
	Title *string `json:"title,omitempty"`
	Done  *bool   `json:"done,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Done == nil
}

// Apply returns a copy of t with the patch applied.
func (p Patch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Done != nil {
		t.Done = *p.Done
	}
	return t
}

// FullPatch returns a patch that sets every mutable field of t.
func FullPatch(t Task) Patch {
	title, done := t.Title, t.Done
	return Patch{Title: &title, Done: &done}
}

// SetTitle returns a patch that only changes the title.
func SetTitle(title string) Patch {
	return Patch{Title: &title}
}

// SetDone returns a patch that only changes the completion flag.
func SetDone(done bool) Patch {
	return Patch{Done: &done}
}

// OpKind identifies the remote call an operation turns into.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// String returns the string representation of OpKind.
func (k OpKind) String() string {
	return string(k)
}

// Operation is a queued remote mutation for a single task.
type Operation struct {
	ID         string    `json:"id"`
	Kind       OpKind    `json:"kind"`
	Key        string    `json:"key"`
	TaskID     string    `json:"task_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Done       bool      `json:"done,omitempty"`
	Patch      Patch     `json:"patch,omitempty"`
	Revision   int64     `json:"revision,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RemoteAck is what the remote store returns for a confirmed write.
type RemoteAck struct {
	ID        string
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventKind describes a change of the local collection.
type EventKind string

const (
	EventInserted     EventKind = "inserted"
	EventUpdated      EventKind = "updated"
	EventRemoved      EventKind = "removed"
	EventStateChanged EventKind = "state_changed"
)

// Event is delivered to subscribers whenever the local collection changes.
type Event struct {
	Kind       EventKind `json:"kind"`
	Task       Task      `json:"task"`
	PreviousID string    `json:"previous_id,omitempty"`
	Err        error     `json:"-"`
}

// Stats summarizes the local collection and the dispatcher.
type Stats struct {
	Synced      int `json:"synced"`
	Pending     int `json:"pending"`
	Failed      int `json:"failed"`
	QueuedOps   int `json:"queued_ops"`
	ActiveLanes int `json:"active_lanes"`
}

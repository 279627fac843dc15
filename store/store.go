// Package store defines the interface for task snapshot persistence.
package store

import (
	"context"
	"errors"

	"github.com/erennakbas/tasksync/types"
)

// ErrTaskNotFound is returned when a task is not in the store.
var ErrTaskNotFound = errors.New("task not found in store")

// Store persists the last state confirmed by the remote store.
// This is optional and used to show a consistent collection before the remote
// store is reachable again.
type Store interface {
	// SaveTask inserts or replaces a confirmed task.
	SaveTask(ctx context.Context, task types.Task) error

	// DeleteTask removes a task by remote id.
	DeleteTask(ctx context.Context, id string) error

	// GetTask retrieves a task by remote id.
	GetTask(ctx context.Context, id string) (types.Task, error)

	// LoadTasks returns every stored task in creation order.
	LoadTasks(ctx context.Context) ([]types.Task, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

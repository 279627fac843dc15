// Package journal defines the interface for the durable outbox of remote
// operations that have not been confirmed yet.
package journal

import (
	"context"

	"github.com/erennakbas/tasksync/types"
)

// Journal keeps operations until the remote store has confirmed them, so that
// pending intents survive a restart.
// The primary implementation uses Redis Streams.
type Journal interface {
	// Append records an operation before it is sent to the remote store
	Append(ctx context.Context, op *types.Operation) error

	// Ack removes an operation once it reached a terminal outcome
	Ack(ctx context.Context, opID string) error

	// Pending returns every unacknowledged operation in append order
	Pending(ctx context.Context) ([]*types.Operation, error)

	// Ping checks if the journal is healthy
	Ping(ctx context.Context) error

	// Close closes the journal connection
	Close() error
}

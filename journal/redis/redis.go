// Package redis provides a Redis Streams implementation of the Journal interface.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/erennakbas/tasksync/types"
)

const (
	// Key prefix
	journalPrefix = "tasksync:journal:"

	// DefaultNamespace separates the journals of clients sharing a Redis instance.
	DefaultNamespace = "default"
)

// Journal implements the journal.Journal interface using a Redis stream.
// Every entry carries the JSON encoded operation; a hash maps operation ids to
// stream ids so acknowledged entries can be deleted directly.
type Journal struct {
	client    *redis.Client
	namespace string
	logger    types.Logger
	mu        sync.RWMutex
	closed    bool
}

// Option configures the journal
type Option func(*Journal)

// WithNamespace sets the namespace of the journal keys
func WithNamespace(ns string) Option {
	return func(j *Journal) {
		if ns != "" {
			j.namespace = ns
		}
	}
}

// WithLogger sets the logger for the journal
func WithLogger(logger types.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// NewJournal creates a new Redis Streams journal
func NewJournal(client *redis.Client, opts ...Option) *Journal {
	j := &Journal{
		client:    client,
		namespace: DefaultNamespace,
		logger:    logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// streamKey returns the stream holding the operations
func (j *Journal) streamKey() string {
	return journalPrefix + j.namespace
}

// indexKey returns the hash mapping operation ids to stream ids
func (j *Journal) indexKey() string {
	return journalPrefix + j.namespace + ":ids"
}

// Append adds an operation to the journal
func (j *Journal) Append(ctx context.Context, op *types.Operation) error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	streamID, err := j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: j.streamKey(),
		Values: map[string]interface{}{
			"op_id": op.ID,
			"data":  string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}

	if err := j.client.HSet(ctx, j.indexKey(), op.ID, streamID).Err(); err != nil {
		return fmt.Errorf("failed to index operation: %w", err)
	}

	j.logger.WithFields(logrus.Fields{
		"op_id":     op.ID,
		"stream_id": streamID,
		"op":        op.Kind,
	}).Debug("operation journaled")

	return nil
}

// Ack removes an operation from the journal. Unknown ids are ignored.
func (j *Journal) Ack(ctx context.Context, opID string) error {
	if err := j.checkOpen(); err != nil {
		return err
	}

	streamID, err := j.client.HGet(ctx, j.indexKey(), opID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to look up operation: %w", err)
	}

	pipe := j.client.TxPipeline()
	pipe.XDel(ctx, j.streamKey(), streamID)
	pipe.HDel(ctx, j.indexKey(), opID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack operation: %w", err)
	}

	return nil
}

// Pending returns every unacknowledged operation in append order
func (j *Journal) Pending(ctx context.Context) ([]*types.Operation, error) {
	if err := j.checkOpen(); err != nil {
		return nil, err
	}

	messages, err := j.client.XRange(ctx, j.streamKey(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	ops := make([]*types.Operation, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok {
			j.logger.WithField("stream_id", msg.ID).Warn("journal entry without data, skipping")
			continue
		}
		op := &types.Operation{}
		if err := json.Unmarshal([]byte(data), op); err != nil {
			j.logger.WithField("stream_id", msg.ID).WithError(err).Warn("malformed journal entry, skipping")
			continue
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// Len returns the number of unacknowledged operations
func (j *Journal) Len(ctx context.Context) (int64, error) {
	return j.client.XLen(ctx, j.streamKey()).Result()
}

// Purge drops every entry of the journal
func (j *Journal) Purge(ctx context.Context) error {
	return j.client.Del(ctx, j.streamKey(), j.indexKey()).Err()
}

// Ping checks if the journal is healthy
func (j *Journal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

// Close closes the journal. The Redis client is owned by the caller.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return errors.New("journal already closed")
	}

	j.closed = true
	return nil
}

func (j *Journal) checkOpen() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return errors.New("journal is closed")
	}
	return nil
}

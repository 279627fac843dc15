package tasksync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/erennakbas/tasksync/remote"
	"github.com/erennakbas/tasksync/types"
)

// lane is the FIFO of operations for one task. A lane exists in Client.lanes
// exactly while its goroutine runs.
type lane struct {
	ops []*laneOp
}

// laneOp is a queued operation. written is closed once the journal holds
// the operation; it is nil when there is nothing to wait for.
type laneOp struct {
	op      *types.Operation
	written chan struct{}
}

// outcome is the result of executing one operation, retries included.
type outcome struct {
	ack      types.RemoteAck
	err      error
	conflict *ConflictError
	aborted  bool
}

// persistence is the store write that follows a reconciled outcome.
type persistence struct {
	save   *types.Task
	delete string
	ack    []string
	// await holds journal writes that must finish before ack is sent.
	await []chan struct{}
}

// enqueueLocked appends op to its lane, starting the lane if it is idle.
func (c *Client) enqueueLocked(op *types.Operation) {
	c.enqueueOpLocked(op, false)
}

func (c *Client) enqueueOpLocked(op *types.Operation, journaled bool) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	l, running := c.lanes[op.Key]
	if !running {
		l = &lane{}
		c.lanes[op.Key] = l
		if c.idle == nil {
			c.idle = make(chan struct{})
		}
		c.wg.Add(1)
		go c.runLane(op.Key)
	}
	lo := &laneOp{op: op}
	if c.journal != nil && !journaled {
		lo.written = make(chan struct{})
		c.journalQueue = append(c.journalQueue, lo)
		select {
		case c.journalWake <- struct{}{}:
		default:
		}
	}
	l.ops = append(l.ops, lo)

	c.logger.WithFields(logrus.Fields{
		"task_id": op.Key,
		"op":      op.Kind,
		"queued":  len(l.ops),
	}).Debug("operation enqueued")
}

// runLane executes the operations of one lane in order until it is empty.
func (c *Client) runLane(key string) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		l := c.lanes[key]
		if len(l.ops) == 0 || c.ctx.Err() != nil {
			delete(c.lanes, key)
			if len(c.lanes) == 0 && c.idle != nil {
				close(c.idle)
				c.idle = nil
			}
			c.mu.Unlock()
			return
		}
		head := l.ops[0]
		op := head.op
		c.prepareLocked(op)
		c.mu.Unlock()

		if head.written != nil {
			select {
			case <-head.written:
			case <-c.ctx.Done():
				continue
			}
		}

		out := c.execute(op)
		if out.aborted {
			continue
		}

		c.mu.Lock()
		l.ops = l.ops[1:]
		p := c.reconcileLocked(op, out)
		c.metrics.setTasks(c.statsLocked())
		c.mu.Unlock()

		c.drain()
		c.persist(p)
	}
}

// prepareLocked resolves the remote id and the revision an operation carries.
// Both are taken when the lane reaches the operation, so that operations
// queued behind an unconfirmed one on the same task build on its result.
func (c *Client) prepareLocked(op *types.Operation) {
	rec := c.records[op.Key]
	if rec == nil || op.Kind == types.OpCreate {
		return
	}
	op.TaskID = rec.remoteID
	op.Revision = rec.confirmed.Revision
}

// execute runs an operation against the remote store, retrying transient failures.
func (c *Client) execute(op *types.Operation) outcome {
	for attempt := 1; ; attempt++ {
		op.Attempts = attempt

		c.logger.WithFields(logrus.Fields{
			"task_id":  op.Key,
			"remote":   op.TaskID,
			"op":       op.Kind,
			"revision": op.Revision,
			"attempt":  attempt,
		}).Debug("executing operation")

		ack, err := c.call(op)
		if err == nil {
			return outcome{ack: ack}
		}

		if c.ctx.Err() != nil {
			return outcome{aborted: true}
		}

		if op.Kind == types.OpDelete && errors.Is(err, remote.ErrNotFound) {
			c.logger.WithField("task_id", op.TaskID).Debug("task already gone remotely")
			return outcome{}
		}

		if errors.Is(err, remote.ErrStaleRevision) {
			c.metrics.conflict(op.Kind)
			return outcome{conflict: c.fetchConflict(op, err)}
		}

		if !remote.IsTransient(err) {
			return outcome{err: &PermanentError{Op: op.Kind, TaskID: op.Key, Attempts: attempt, Err: err}}
		}

		transient := &TransientError{Op: op.Kind, TaskID: op.Key, Attempt: attempt, Err: err}
		if attempt >= c.maxAttempts {
			c.logger.WithFields(logrus.Fields{
				"task_id":  op.Key,
				"op":       op.Kind,
				"attempts": attempt,
			}).WithError(err).Warn("max attempts exceeded, giving up")
			return outcome{err: &PermanentError{Op: op.Kind, TaskID: op.Key, Attempts: attempt, Err: transient}}
		}

		delay := c.calculateBackoff(attempt)
		c.metrics.retry(op.Kind)
		c.logger.WithFields(logrus.Fields{
			"task_id": op.Key,
			"op":      op.Kind,
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("transient failure, scheduling retry")

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return outcome{aborted: true}
		case <-timer.C:
		}
	}
}

// call performs a single remote call under the concurrency limit and the call timeout.
func (c *Client) call(op *types.Operation) (ack types.RemoteAck, err error) {
	select {
	case c.sem <- struct{}{}:
	case <-c.ctx.Done():
		return types.RemoteAck{}, c.ctx.Err()
	}
	defer func() { <-c.sem }()

	ctx, cancel := c.callContext()
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.logger.WithFields(logrus.Fields{
				"task_id": op.Key,
				"op":      op.Kind,
				"panic":   r,
			}).Error("remote call panicked")
		}
		c.metrics.observeCall(op.Kind, callOutcome(err), time.Since(start))
	}()

	switch op.Kind {
	case types.OpCreate:
		return c.remote.Create(ctx, types.Task{Title: op.Title, Done: op.Done})
	case types.OpUpdate:
		if op.TaskID == "" {
			return types.RemoteAck{}, errors.New("task has no remote id")
		}
		return c.remote.Update(ctx, op.TaskID, op.Patch, op.Revision)
	case types.OpDelete:
		if op.TaskID == "" {
			// Never created remotely.
			return types.RemoteAck{}, nil
		}
		return types.RemoteAck{ID: op.TaskID}, c.remote.Delete(ctx, op.TaskID, op.Revision)
	default:
		return types.RemoteAck{}, fmt.Errorf("unknown operation kind: %s", op.Kind)
	}
}

// fetchConflict loads the current remote copy of a task whose operation was
// rejected for a stale revision.
func (c *Client) fetchConflict(op *types.Operation, cause error) *ConflictError {
	conflict := &ConflictError{Op: op.Kind, Patch: op.Patch, Err: cause}

	select {
	case c.sem <- struct{}{}:
	case <-c.ctx.Done():
		return conflict
	}
	defer func() { <-c.sem }()

	ctx, cancel := c.callContext()
	defer cancel()

	current, err := c.remote.Get(ctx, op.TaskID)
	switch {
	case err == nil:
		conflict.Remote = &current
	case errors.Is(err, remote.ErrNotFound):
		conflict.RemoteMissing = true
	default:
		c.logger.WithField("task_id", op.TaskID).WithError(err).Warn("failed to fetch remote copy of conflicted task")
	}
	return conflict
}

func (c *Client) callContext() (context.Context, context.CancelFunc) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	ctx := remote.WithSessionToken(c.ctx, token)
	return context.WithTimeout(ctx, c.callTimeout)
}

// reconcileLocked folds the outcome of op into the local collection.
func (c *Client) reconcileLocked(op *types.Operation, out outcome) persistence {
	p := persistence{ack: []string{op.ID}}

	rec := c.records[op.Key]
	if rec == nil {
		return p
	}
	busy := len(c.lanes[op.Key].ops) > 0

	if out.conflict != nil || out.err != nil {
		return c.failLocked(rec, op, out, p)
	}

	switch op.Kind {
	case types.OpCreate:
		previous := rec.task.ID
		if key, known := c.aliases[out.ack.ID]; known && key != op.Key {
			// Hydrated by a refresh before the create was answered.
			if dup := c.records[key]; dup != nil {
				removed := dup.task
				c.forgetLocked(dup)
				if !dup.deleted {
					c.emitLocked(types.Event{Kind: types.EventRemoved, Task: removed})
				}
			}
		}
		rec.remoteID = out.ack.ID
		rec.createQueued = false
		c.aliases[out.ack.ID] = op.Key
		rec.confirmed = types.Task{
			ID:        out.ack.ID,
			LocalID:   rec.task.LocalID,
			Title:     op.Title,
			Done:      op.Done,
			Revision:  out.ack.Revision,
			SyncState: types.SyncStateSynced,
			CreatedAt: out.ack.CreatedAt,
			UpdatedAt: out.ack.UpdatedAt,
		}
		rec.task.ID = out.ack.ID
		rec.task.Revision = out.ack.Revision
		rec.task.CreatedAt = out.ack.CreatedAt
		rec.task.UpdatedAt = out.ack.UpdatedAt
		if !busy {
			rec.task.SyncState = types.SyncStateSynced
		}
		saved := rec.confirmed
		p.save = &saved

		c.logger.WithFields(logrus.Fields{
			"task_id":  op.Key,
			"remote":   out.ack.ID,
			"revision": out.ack.Revision,
		}).Info("task created remotely")

		if !rec.deleted {
			c.emitLocked(types.Event{Kind: types.EventUpdated, Task: rec.task, PreviousID: previous})
		}

	case types.OpUpdate:
		rec.confirmed = op.Patch.Apply(rec.confirmed)
		rec.confirmed.Revision = out.ack.Revision
		if !out.ack.UpdatedAt.IsZero() {
			rec.confirmed.UpdatedAt = out.ack.UpdatedAt
			rec.task.UpdatedAt = out.ack.UpdatedAt
		}
		rec.task.Revision = out.ack.Revision
		if !busy {
			rec.task.SyncState = types.SyncStateSynced
		}
		saved := rec.confirmed
		p.save = &saved

		c.logger.WithFields(logrus.Fields{
			"task_id":  rec.task.ID,
			"revision": out.ack.Revision,
		}).Info("task updated remotely")

		if !rec.deleted {
			c.emitLocked(types.Event{Kind: types.EventStateChanged, Task: rec.task})
		}

	case types.OpDelete:
		p.delete = rec.remoteID
		c.forgetLocked(rec)

		c.logger.WithField("task_id", op.TaskID).Info("task deleted remotely")
	}

	return p
}

// failLocked marks a record failed after a terminal outcome. The remaining
// operations of its lane are dropped; their local effect stays on the record.
func (c *Client) failLocked(rec *record, op *types.Operation, out outcome, p persistence) persistence {
	l := c.lanes[op.Key]
	for _, dropped := range l.ops {
		p.ack = append(p.ack, dropped.op.ID)
		if dropped.written != nil {
			p.await = append(p.await, dropped.written)
		}
	}
	if len(l.ops) > 0 {
		c.logger.WithFields(logrus.Fields{
			"task_id": op.Key,
			"dropped": len(l.ops),
		}).Warn("dropping operations queued behind a failed one")
	}
	l.ops = nil

	if op.Kind == types.OpCreate || rec.remoteID == "" {
		rec.createQueued = false
	}

	// Deleted before the remote store ever held it: nothing to bring back.
	if op.Kind == types.OpCreate && rec.deleted {
		c.forgetLocked(rec)
		c.logger.WithField("task_id", op.Key).WithError(out.err).Info("create of a deleted task failed, dropping it")
		return p
	}

	kind := types.EventStateChanged
	if rec.deleted {
		c.reinsertLocked(rec)
		kind = types.EventInserted
	}

	var cause error
	rec.failedOp = op.Kind
	rec.task.SyncState = types.SyncStateFailed
	if out.conflict != nil {
		out.conflict.Local = rec.task
		rec.conflict = out.conflict
		cause = out.conflict
	} else {
		cause = out.err
	}
	rec.task.LastError = cause.Error()

	c.logger.WithFields(logrus.Fields{
		"task_id": rec.task.ID,
		"op":      op.Kind,
	}).WithError(cause).Error("operation failed permanently")

	c.emitLocked(types.Event{Kind: kind, Task: rec.task, Err: cause})
	return p
}

// calculateBackoff returns the delay before the next attempt using exponential backoff.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1)
	delay := c.retryBaseDuration * time.Duration(math.Pow(2, float64(attempt-1)))

	if c.retryMaxDuration > 0 && delay > c.retryMaxDuration {
		delay = c.retryMaxDuration
	}

	return delay
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, remote.ErrStaleRevision):
		return "conflict"
	case remote.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

package tasksync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/erennakbas/tasksync/remote"
	"github.com/erennakbas/tasksync/types"
)

// Refresh hydrates the local collection from the remote store. Unknown remote
// tasks are inserted as synced, synced local tasks take newer remote revisions
// and disappear when the remote store no longer has them. Tasks with local
// changes in flight or in the failed state are left alone, and unknown remote
// tasks wait for a later refresh while any create is still unanswered.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	token := c.token
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(remote.WithSessionToken(ctx, token), c.callTimeout)
	defer cancel()

	remoteTasks, err := c.remote.List(callCtx)
	if err != nil {
		return fmt.Errorf("failed to list remote tasks: %w", err)
	}

	var saves []types.Task
	var deletes []string

	c.mu.Lock()
	// An unanswered create may already be committed remotely under an id we
	// cannot match yet; its task is picked up by a later refresh.
	creating := c.createsQueuedLocked()
	seen := make(map[string]bool, len(remoteTasks))
	for _, rt := range remoteTasks {
		seen[rt.ID] = true
		rt.LocalID = ""
		rt.SyncState = types.SyncStateSynced
		rt.LastError = ""

		key, known := c.aliases[rt.ID]
		if !known {
			if creating {
				continue
			}
			c.insertSyncedLocked(rt)
			saves = append(saves, rt)
			continue
		}

		rec := c.records[key]
		if rec.deleted || c.busyLocked(key) || rec.task.SyncState != types.SyncStateSynced {
			continue
		}
		if rt.Revision <= rec.confirmed.Revision {
			continue
		}

		rt.LocalID = rec.task.LocalID
		rec.task = rt
		rec.confirmed = rt
		saves = append(saves, rt)
		c.emitLocked(types.Event{Kind: types.EventUpdated, Task: rt})
	}

	for _, key := range append([]string(nil), c.order...) {
		rec := c.records[key]
		if rec.remoteID == "" || seen[rec.remoteID] || c.busyLocked(key) || rec.task.SyncState != types.SyncStateSynced {
			continue
		}
		removed := rec.task
		deletes = append(deletes, rec.remoteID)
		c.forgetLocked(rec)
		c.emitLocked(types.Event{Kind: types.EventRemoved, Task: removed})
	}
	c.metrics.setTasks(c.statsLocked())
	c.mu.Unlock()

	c.drain()

	c.logger.WithFields(logrus.Fields{
		"remote":  len(remoteTasks),
		"saved":   len(saves),
		"removed": len(deletes),
	}).Info("refreshed from remote")

	for i := range saves {
		c.persist(persistence{save: &saves[i]})
	}
	for _, id := range deletes {
		c.persist(persistence{delete: id})
	}
	return nil
}

// Restore loads the last confirmed snapshot from the store and replays the
// operations the journal still holds. Call it once, before issuing intents.
func (c *Client) Restore(ctx context.Context) error {
	var snapshot []types.Task
	if c.store != nil {
		tasks, err := c.store.LoadTasks(ctx)
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		snapshot = tasks
	}

	var ops []*types.Operation
	if c.journal != nil {
		pending, err := c.journal.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		ops = pending
	}

	var stale []string

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	for _, t := range snapshot {
		if _, known := c.aliases[t.ID]; known {
			continue
		}
		t.SyncState = types.SyncStateSynced
		t.LastError = ""
		c.insertSyncedLocked(t)
	}
	for _, op := range ops {
		if !c.replayLocked(op) {
			stale = append(stale, op.ID)
		}
	}
	c.metrics.setTasks(c.statsLocked())
	c.mu.Unlock()

	c.drain()

	c.logger.WithFields(logrus.Fields{
		"snapshot": len(snapshot),
		"replayed": len(ops) - len(stale),
		"stale":    len(stale),
	}).Info("restored local state")

	c.persist(persistence{ack: stale})
	return nil
}

// replayLocked re-applies a journaled operation. It returns false when the
// operation no longer applies and should be acknowledged.
func (c *Client) replayLocked(op *types.Operation) bool {
	op.Attempts = 0

	switch op.Kind {
	case types.OpCreate:
		if key, known := c.aliases[op.Key]; known && c.records[key].remoteID != "" {
			// Confirmed before the journal entry could be acknowledged.
			return false
		}
		if _, known := c.aliases[op.Key]; !known {
			rec := &record{
				task: types.Task{
					ID:        op.Key,
					LocalID:   op.Key,
					Title:     op.Title,
					Done:      op.Done,
					SyncState: types.SyncStatePending,
				},
			}
			c.records[op.Key] = rec
			c.aliases[op.Key] = op.Key
			c.order = append(c.order, op.Key)
			c.emitLocked(types.Event{Kind: types.EventInserted, Task: rec.task})
		}
		c.records[op.Key].createQueued = true
		c.enqueueOpLocked(op, true)
		return true

	case types.OpUpdate:
		rec := c.lookupLocked(op.Key)
		if rec == nil {
			return false
		}
		rec.task = op.Patch.Apply(rec.task)
		rec.task.SyncState = types.SyncStatePending
		c.emitLocked(types.Event{Kind: types.EventUpdated, Task: rec.task})
		c.enqueueOpLocked(op, true)
		return true

	case types.OpDelete:
		rec := c.lookupLocked(op.Key)
		if rec == nil {
			return false
		}
		idx := c.indexLocked(op.Key)
		if idx >= 0 {
			c.order = append(c.order[:idx], c.order[idx+1:]...)
		}
		removed := rec.task
		rec.deleted = true
		rec.tombIndex = idx
		rec.task.SyncState = types.SyncStatePending
		c.emitLocked(types.Event{Kind: types.EventRemoved, Task: removed})
		c.enqueueOpLocked(op, true)
		return true
	}

	return false
}

// insertSyncedLocked adds a task confirmed by the remote store.
func (c *Client) insertSyncedLocked(t types.Task) {
	key := t.Key()
	rec := &record{task: t, confirmed: t, remoteID: t.ID}
	c.records[key] = rec
	c.aliases[t.ID] = key
	c.aliases[key] = key
	c.order = append(c.order, key)
	c.emitLocked(types.Event{Kind: types.EventInserted, Task: t})
}

func (c *Client) createsQueuedLocked() bool {
	for _, rec := range c.records {
		if rec.createQueued {
			return true
		}
	}
	return false
}

func (c *Client) busyLocked(key string) bool {
	_, running := c.lanes[key]
	return running
}

// persist writes confirmed state to the store and acknowledges journal
// entries. Failures are logged and never fail the operation.
func (c *Client) persist(p persistence) {
	for _, written := range p.await {
		select {
		case <-written:
		case <-c.ctx.Done():
			// The journal writer is draining; the entry is replayed and
			// found stale on the next Restore.
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()

	if c.store != nil {
		if p.save != nil {
			if err := c.store.SaveTask(ctx, *p.save); err != nil {
				c.logger.WithField("task_id", p.save.ID).WithError(err).Warn("failed to save task to store")
			}
		}
		if p.delete != "" {
			if err := c.store.DeleteTask(ctx, p.delete); err != nil {
				c.logger.WithField("task_id", p.delete).WithError(err).Warn("failed to delete task from store")
			}
		}
	}

	if c.journal != nil {
		for _, id := range p.ack {
			if err := c.journal.Ack(ctx, id); err != nil {
				c.logger.WithField("op_id", id).WithError(err).Warn("failed to acknowledge journal entry")
			}
		}
	}
}

// runJournal appends queued operations to the journal in enqueue order.
// On shutdown it writes whatever is still queued before returning.
func (c *Client) runJournal() {
	defer c.wg.Done()

	for {
		select {
		case <-c.journalWake:
		case <-c.ctx.Done():
			c.writeJournal()
			return
		}
		c.writeJournal()
	}
}

func (c *Client) writeJournal() {
	for {
		c.mu.Lock()
		batch := c.journalQueue
		c.journalQueue = nil
		ops := make([]types.Operation, len(batch))
		for i, lo := range batch {
			ops[i] = *lo.op
		}
		c.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for i, lo := range batch {
			c.journalAppend(&ops[i])
			close(lo.written)
		}
	}
}

// journalAppend records an operation before its first remote call.
func (c *Client) journalAppend(op *types.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()

	if err := c.journal.Append(ctx, op); err != nil {
		c.logger.WithFields(logrus.Fields{
			"task_id": op.Key,
			"op_id":   op.ID,
		}).WithError(err).Warn("failed to journal operation")
	}
}

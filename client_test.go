package tasksync_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erennakbas/tasksync"
	"github.com/erennakbas/tasksync/remote"
	"github.com/erennakbas/tasksync/remote/memory"
	"github.com/erennakbas/tasksync/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(t *testing.T, r remote.Remote, opts ...tasksync.ClientOption) *tasksync.Client {
	t.Helper()
	base := []tasksync.ClientOption{
		tasksync.WithLogger(quietLogger()),
		tasksync.WithRetryConfig(time.Millisecond, 5*time.Millisecond),
		tasksync.WithShutdownTimeout(time.Second),
	}
	c := tasksync.NewClient(r, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func flush(t *testing.T, c *tasksync.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) record(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

func (r *recorder) withErr() []types.Event {
	var out []types.Event
	for _, ev := range r.all() {
		if ev.Err != nil {
			out = append(out, ev)
		}
	}
	return out
}

// gateCreates blocks remote creates until the returned function is called.
func gateCreates(r *memory.Remote) (release func()) {
	gate := make(chan struct{})
	r.SetHook(func(c memory.Call) error {
		if c.Kind == types.OpCreate {
			<-gate
		}
		return nil
	})
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func seedAndRefresh(t *testing.T, c *tasksync.Client, r *memory.Remote, titles ...string) []types.Task {
	t.Helper()
	var seeded []types.Task
	for _, title := range titles {
		seeded = append(seeded, r.Seed(types.Task{Title: title}))
	}
	require.NoError(t, c.Refresh(context.Background()))
	return seeded
}

func TestCreateTask_OptimisticThenSynced(t *testing.T) {
	r := memory.New()
	release := gateCreates(r)
	defer release()
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.ID, tasksync.TempIDPrefix))
	assert.Equal(t, types.SyncStatePending, created.SyncState)

	tasks := c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, created.ID, tasks[0].ID)
	assert.Equal(t, "Buy milk", tasks[0].Title)
	assert.Equal(t, types.SyncStatePending, tasks[0].SyncState)

	release()
	flush(t, c)

	tasks = c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, "Buy milk", tasks[0].Title)
	assert.False(t, tasks[0].Done)
	assert.Equal(t, int64(1), tasks[0].Revision)
	assert.Equal(t, types.SyncStateSynced, tasks[0].SyncState)
	assert.Equal(t, created.ID, tasks[0].LocalID)
}

func TestCreateTask_TemporaryIDStaysValid(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)

	rec := &recorder{}
	c.Subscribe(rec.record)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	byTemp, err := c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "T1", byTemp.ID)

	byRemote, err := c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, byTemp, byRemote)

	var replaced bool
	for _, ev := range rec.all() {
		if ev.Kind == types.EventUpdated && ev.PreviousID == created.ID && ev.Task.ID == "T1" {
			replaced = true
		}
	}
	assert.True(t, replaced, "expected an update event carrying the temporary id")
}

func TestCreateTask_Validation(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)

	for _, title := range []string{"", "   ", "\t\n"} {
		_, err := c.CreateTask(title)

		var vErr *tasksync.ValidationError
		require.ErrorAs(t, err, &vErr, "title %q", title)
		assert.Equal(t, "title", vErr.Field)
		assert.ErrorIs(t, err, tasksync.ErrValidation)
	}

	assert.Empty(t, c.ListTasks())
	assert.Empty(t, r.Calls())
}

func TestUpdateTask_Validation(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")

	_, err := c.UpdateTask("T1", types.Patch{})
	assert.ErrorIs(t, err, tasksync.ErrValidation)

	_, err = c.UpdateTask("T1", types.SetTitle("  "))
	assert.ErrorIs(t, err, tasksync.ErrValidation)

	task, err := c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", task.Title)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.Empty(t, r.CallsFor(types.OpUpdate))
}

func TestUpdateTask_NotFound(t *testing.T) {
	c := newTestClient(t, memory.New())

	_, err := c.UpdateTask("T404", types.SetDone(true))

	var nfErr *tasksync.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "T404", nfErr.ID)
	assert.ErrorIs(t, err, tasksync.ErrNotFound)
}

func TestUpdateTask_SyncedRevisionMatchesRemote(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")

	updated, err := c.UpdateTask("T1", types.SetDone(true))
	require.NoError(t, err)
	assert.True(t, updated.Done)
	assert.Equal(t, types.SyncStatePending, updated.SyncState)

	flush(t, c)

	task, err := c.Get("T1")
	require.NoError(t, err)
	remoteCopy := r.Snapshot()[0]
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.Equal(t, remoteCopy.Revision, task.Revision)
	assert.Equal(t, int64(2), task.Revision)
	assert.True(t, remoteCopy.Done)
}

func TestOperationsOnOneTaskReachRemoteInOrder(t *testing.T) {
	r := memory.New()
	r.SetLatency(5 * time.Millisecond)
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	_, err = c.UpdateTask(created.ID, types.SetDone(true))
	require.NoError(t, err)
	_, err = c.UpdateTask(created.ID, types.SetTitle("Buy oat milk"))
	require.NoError(t, err)
	_, err = c.UpdateTask(created.ID, types.SetDone(false))
	require.NoError(t, err)
	require.NoError(t, c.DeleteTask(created.ID))

	flush(t, c)

	calls := r.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, types.OpCreate, calls[0].Kind)
	assert.Equal(t, "Buy milk", calls[0].Title)

	assert.Equal(t, types.OpUpdate, calls[1].Kind)
	require.NotNil(t, calls[1].Patch.Done)
	assert.True(t, *calls[1].Patch.Done)
	assert.Equal(t, int64(1), calls[1].Revision)

	assert.Equal(t, types.OpUpdate, calls[2].Kind)
	require.NotNil(t, calls[2].Patch.Title)
	assert.Equal(t, "Buy oat milk", *calls[2].Patch.Title)
	assert.Equal(t, int64(2), calls[2].Revision)

	assert.Equal(t, types.OpUpdate, calls[3].Kind)
	assert.Equal(t, int64(3), calls[3].Revision)

	assert.Equal(t, types.OpDelete, calls[4].Kind)
	assert.Equal(t, "T1", calls[4].ID)
	assert.Equal(t, int64(4), calls[4].Revision)

	assert.Empty(t, r.Snapshot())
	assert.Empty(t, c.ListTasks())
}

func TestTransientFailuresRetriedUntilSuccess(t *testing.T) {
	r := memory.New()
	r.FailNext(types.OpCreate,
		errors.New("dial tcp: connection refused"),
		&remote.StatusError{StatusCode: 503, Message: "unavailable"},
	)
	c := newTestClient(t, r)

	_, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	tasks := c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, types.SyncStateSynced, tasks[0].SyncState)
	assert.Len(t, r.CallsFor(types.OpCreate), 3)
	assert.Len(t, r.Snapshot(), 1)
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	r := memory.New()
	errs := make([]error, tasksync.DefaultMaxAttempts)
	for i := range errs {
		errs[i] = &remote.StatusError{StatusCode: 503, Message: "unavailable"}
	}
	r.FailNext(types.OpCreate, errs...)
	c := newTestClient(t, r)

	rec := &recorder{}
	c.Subscribe(rec.record)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	task, err := c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, task.SyncState)
	assert.NotEmpty(t, task.LastError)
	assert.Len(t, r.CallsFor(types.OpCreate), tasksync.DefaultMaxAttempts)

	failures := rec.withErr()
	require.Len(t, failures, 1)
	var permErr *tasksync.PermanentError
	require.ErrorAs(t, failures[0].Err, &permErr)
	assert.Equal(t, tasksync.DefaultMaxAttempts, permErr.Attempts)
	assert.ErrorIs(t, failures[0].Err, tasksync.ErrTransient)

	// No further automatic calls.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, r.CallsFor(types.OpCreate), tasksync.DefaultMaxAttempts)
	assert.Equal(t, 1, c.Stats().Failed)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	r := memory.New()
	r.FailNext(types.OpCreate, &remote.StatusError{StatusCode: 400, Code: 209, Message: "invalid session token"})
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	task, err := c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, task.SyncState)
	assert.Contains(t, task.LastError, "invalid session token")
	assert.Len(t, r.CallsFor(types.OpCreate), 1)
}

func TestCallTimeoutIsTransient(t *testing.T) {
	r := memory.New()
	r.SetLatency(200 * time.Millisecond)
	c := newTestClient(t, r, tasksync.WithCallTimeout(10*time.Millisecond), tasksync.WithMaxAttempts(2))

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	task, err := c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, task.SyncState)
	assert.Len(t, r.CallsFor(types.OpCreate), 2)

	r.SetLatency(0)
	_, err = c.Retry(created.ID)
	require.NoError(t, err)
	flush(t, c)

	task, err = c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.Equal(t, "T1", task.ID)
}

func TestStaleRevisionSurfacesConflict(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")

	// Changed elsewhere: remote revision is now 2.
	_, err := r.Touch("T1", types.SetTitle("Buy milk and eggs"))
	require.NoError(t, err)

	rec := &recorder{}
	c.Subscribe(rec.record)

	_, err = c.UpdateTask("T1", types.SetDone(true))
	require.NoError(t, err)
	flush(t, c)

	task, err := c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, task.SyncState)
	assert.True(t, task.Done)

	// Remote value untouched.
	remoteCopy := r.Snapshot()[0]
	assert.Equal(t, int64(2), remoteCopy.Revision)
	assert.False(t, remoteCopy.Done)
	assert.Equal(t, "Buy milk and eggs", remoteCopy.Title)
	assert.Len(t, r.CallsFor(types.OpUpdate), 1)

	failures := rec.withErr()
	require.Len(t, failures, 1)
	var conflict *tasksync.ConflictError
	require.ErrorAs(t, failures[0].Err, &conflict)
	require.NotNil(t, conflict.Remote)
	assert.Equal(t, int64(2), conflict.Remote.Revision)
	assert.ErrorIs(t, failures[0].Err, tasksync.ErrConflict)
	assert.ErrorIs(t, failures[0].Err, remote.ErrStaleRevision)

	stored, ok := c.Conflict("T1")
	require.True(t, ok)
	assert.True(t, stored.Local.Done)
	assert.Equal(t, int64(1), stored.Local.Revision)
	assert.Equal(t, "Buy milk and eggs", stored.Remote.Title)
	require.NotNil(t, stored.Patch.Done)
	assert.True(t, *stored.Patch.Done)
}

func TestResolveConflict_KeepRemote(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")
	_, err := r.Touch("T1", types.SetTitle("Buy milk and eggs"))
	require.NoError(t, err)

	_, err = c.UpdateTask("T1", types.SetDone(true))
	require.NoError(t, err)
	flush(t, c)

	task, err := c.ResolveConflict("T1", tasksync.KeepRemote)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.Equal(t, "Buy milk and eggs", task.Title)
	assert.False(t, task.Done)
	assert.Equal(t, int64(2), task.Revision)
	assert.Empty(t, task.LastError)

	_, ok := c.Conflict("T1")
	assert.False(t, ok)

	// A later update builds on the adopted revision.
	_, err = c.UpdateTask("T1", types.SetDone(true))
	require.NoError(t, err)
	flush(t, c)

	task, err = c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.Equal(t, int64(3), task.Revision)
}

func TestResolveConflict_KeepLocal(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")
	_, err := r.Touch("T1", types.SetTitle("Buy milk and eggs"))
	require.NoError(t, err)

	_, err = c.UpdateTask("T1", types.SetDone(true))
	require.NoError(t, err)
	flush(t, c)

	task, err := c.ResolveConflict("T1", tasksync.KeepLocal)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatePending, task.SyncState)
	flush(t, c)

	task, err = c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.Equal(t, int64(3), task.Revision)

	remoteCopy := r.Snapshot()[0]
	assert.Equal(t, "Buy milk", remoteCopy.Title)
	assert.True(t, remoteCopy.Done)
	assert.Equal(t, int64(3), remoteCopy.Revision)

	updates := r.CallsFor(types.OpUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, int64(2), updates[1].Revision)
}

func TestResolveConflict_WithoutConflict(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")

	_, err := c.ResolveConflict("T1", tasksync.KeepRemote)
	assert.ErrorIs(t, err, tasksync.ErrValidation)

	_, err = c.ResolveConflict("T9", tasksync.KeepRemote)
	assert.ErrorIs(t, err, tasksync.ErrNotFound)
}

func TestUpdateOnConflictedTaskOverrides(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")
	_, err := r.Touch("T1", types.SetTitle("Buy milk and eggs"))
	require.NoError(t, err)

	_, err = c.UpdateTask("T1", types.SetDone(true))
	require.NoError(t, err)
	flush(t, c)

	_, err = c.UpdateTask("T1", types.SetTitle("Buy bread"))
	require.NoError(t, err)
	flush(t, c)

	task, err := c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)

	remoteCopy := r.Snapshot()[0]
	assert.Equal(t, "Buy bread", remoteCopy.Title)
	assert.True(t, remoteCopy.Done)
	assert.Equal(t, task.Revision, remoteCopy.Revision)
}

func TestConflictWithDeletedRemote(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")

	// Removed elsewhere while the update was in flight.
	r.Remove("T1")
	r.FailNext(types.OpUpdate, remote.ErrStaleRevision)

	_, err := c.UpdateTask("T1", types.SetDone(true))
	require.NoError(t, err)
	flush(t, c)

	conflict, ok := c.Conflict("T1")
	require.True(t, ok)
	assert.True(t, conflict.RemoteMissing)
	assert.Nil(t, conflict.Remote)

	_, err = c.ResolveConflict("T1", tasksync.KeepRemote)
	require.NoError(t, err)

	_, err = c.Get("T1")
	assert.ErrorIs(t, err, tasksync.ErrNotFound)
	assert.Empty(t, c.ListTasks())
}

func TestDeleteTask_Twice(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")

	require.NoError(t, c.DeleteTask("T1"))
	assert.Empty(t, c.ListTasks())

	err := c.DeleteTask("T1")
	var nfErr *tasksync.NotFoundError
	require.ErrorAs(t, err, &nfErr)

	flush(t, c)

	err = c.DeleteTask("T1")
	assert.ErrorIs(t, err, tasksync.ErrNotFound)
	assert.Len(t, r.CallsFor(types.OpDelete), 1)
	assert.Empty(t, r.Snapshot())
}

func TestDeleteFailureReinsertsAtFormerPosition(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "one", "two", "three")

	r.FailNext(types.OpDelete, &remote.StatusError{StatusCode: 403, Message: "forbidden"})

	rec := &recorder{}
	c.Subscribe(rec.record)

	require.NoError(t, c.DeleteTask("T2"))
	ids := func() []string {
		var out []string
		for _, task := range c.ListTasks() {
			out = append(out, task.ID)
		}
		return out
	}
	assert.Equal(t, []string{"T1", "T3"}, ids())

	flush(t, c)

	assert.Equal(t, []string{"T1", "T2", "T3"}, ids())
	task, err := c.Get("T2")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, task.SyncState)

	failures := rec.withErr()
	require.Len(t, failures, 1)
	assert.Equal(t, types.EventInserted, failures[0].Kind)
	assert.ErrorIs(t, failures[0].Err, tasksync.ErrPermanent)

	// Retry re-issues the delete.
	_, err = c.Retry("T2")
	require.NoError(t, err)
	flush(t, c)

	assert.Equal(t, []string{"T1", "T3"}, ids())
	assert.Len(t, r.Snapshot(), 2)
}

func TestDeleteConflictKeepsTask(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")
	_, err := r.Touch("T1", types.SetDone(true))
	require.NoError(t, err)

	require.NoError(t, c.DeleteTask("T1"))
	flush(t, c)

	task, err := c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, task.SyncState)
	assert.Len(t, r.Snapshot(), 1)

	conflict, ok := c.Conflict("T1")
	require.True(t, ok)
	assert.Equal(t, types.OpDelete, conflict.Op)
	assert.Equal(t, int64(2), conflict.Remote.Revision)

	// Insisting deletes at the remote revision.
	_, err = c.ResolveConflict("T1", tasksync.KeepLocal)
	require.NoError(t, err)
	flush(t, c)

	assert.Empty(t, c.ListTasks())
	assert.Empty(t, r.Snapshot())
}

func TestDeleteWhileCreateInFlight(t *testing.T) {
	r := memory.New()
	release := gateCreates(r)
	defer release()
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	require.NoError(t, c.DeleteTask(created.ID))
	assert.Empty(t, c.ListTasks())

	release()
	flush(t, c)

	calls := r.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, types.OpCreate, calls[0].Kind)
	assert.Equal(t, types.OpDelete, calls[1].Kind)
	assert.Equal(t, "T1", calls[1].ID)
	assert.Empty(t, r.Snapshot())
	assert.Empty(t, c.ListTasks())
}

func TestDeleteWhileFailingCreateInFlight(t *testing.T) {
	r := memory.New()
	r.FailNext(types.OpCreate, &remote.StatusError{StatusCode: 401, Message: "unauthorized"})
	release := gateCreates(r)
	defer release()
	c := newTestClient(t, r)

	rec := &recorder{}
	c.Subscribe(rec.record)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	require.NoError(t, c.DeleteTask(created.ID))
	assert.Empty(t, c.ListTasks())

	release()
	flush(t, c)

	assert.Empty(t, c.ListTasks())
	_, err = c.Get(created.ID)
	assert.ErrorIs(t, err, tasksync.ErrNotFound)
	assert.Empty(t, r.CallsFor(types.OpDelete))
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, 0, c.Stats().Failed)

	assert.Empty(t, rec.withErr())
	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventRemoved, events[len(events)-1].Kind)
}

func TestDeleteOfTaskNeverCreatedRemotely(t *testing.T) {
	r := memory.New()
	r.FailNext(types.OpCreate, &remote.StatusError{StatusCode: 400, Message: "bad request"})
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	require.NoError(t, c.DeleteTask(created.ID))
	flush(t, c)

	assert.Empty(t, c.ListTasks())
	assert.Empty(t, r.CallsFor(types.OpDelete))
}

func TestDeleteOfRemotelyMissingTaskSucceeds(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")
	r.Remove("T1")

	rec := &recorder{}
	c.Subscribe(rec.record)

	require.NoError(t, c.DeleteTask("T1"))
	flush(t, c)

	assert.Empty(t, c.ListTasks())
	assert.Empty(t, rec.withErr())
}

func TestFailureDropsQueuedOperationsAndRetrySendsLocalState(t *testing.T) {
	r := memory.New()
	r.FailNext(types.OpCreate, &remote.StatusError{StatusCode: 400, Message: "bad request"})
	release := gateCreates(r)
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	_, err = c.UpdateTask(created.ID, types.SetDone(true))
	require.NoError(t, err)
	_, err = c.UpdateTask(created.ID, types.SetTitle("Buy oat milk"))
	require.NoError(t, err)

	release()
	flush(t, c)

	task, err := c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateFailed, task.SyncState)
	assert.True(t, task.Done)
	assert.Equal(t, "Buy oat milk", task.Title)
	assert.Empty(t, r.CallsFor(types.OpUpdate))

	_, err = c.Retry(created.ID)
	require.NoError(t, err)
	flush(t, c)

	task, err = c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "Buy oat milk", snapshot[0].Title)
	assert.True(t, snapshot[0].Done)
}

func TestRetryRequiresFailedTask(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "Buy milk")

	_, err := c.Retry("T1")
	assert.ErrorIs(t, err, tasksync.ErrValidation)

	_, err = c.Retry("T9")
	assert.ErrorIs(t, err, tasksync.ErrNotFound)
}

func TestEvict(t *testing.T) {
	r := memory.New()
	r.FailNext(types.OpCreate, &remote.StatusError{StatusCode: 400, Message: "bad request"})
	c := newTestClient(t, r)

	failed, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	synced, err := c.CreateTask("Buy bread")
	require.NoError(t, err)
	flush(t, c)

	assert.ErrorIs(t, c.Evict(synced.ID), tasksync.ErrValidation)
	require.NoError(t, c.Evict(failed.ID))

	tasks := c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "Buy bread", tasks[0].Title)

	_, err = c.Get(failed.ID)
	assert.ErrorIs(t, err, tasksync.ErrNotFound)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)

	rec := &recorder{}
	unsubscribe := c.Subscribe(rec.record)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	events := rec.all()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, types.EventInserted, events[0].Kind)
	assert.Equal(t, created.ID, events[0].Task.ID)
	assert.Equal(t, types.SyncStatePending, events[0].Task.SyncState)
	last := events[len(events)-1]
	assert.Equal(t, types.SyncStateSynced, last.Task.SyncState)

	unsubscribe()
	unsubscribe()

	_, err = c.CreateTask("Buy bread")
	require.NoError(t, err)
	flush(t, c)
	assert.Len(t, rec.all(), len(events))
}

func TestSubscriberMayCallClient(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)

	var seen atomic.Int32
	c.Subscribe(func(ev types.Event) {
		// Re-entrant calls must not deadlock.
		_ = c.ListTasks()
		if ev.Kind == types.EventInserted && ev.Task.Title == "parent" {
			_, _ = c.CreateTask("child")
		}
		seen.Add(1)
	})

	_, err := c.CreateTask("parent")
	require.NoError(t, err)
	flush(t, c)

	assert.Len(t, c.ListTasks(), 2)
	assert.Greater(t, seen.Load(), int32(2))
}

func TestPanickingSubscriberDoesNotBreakDelivery(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)

	c.Subscribe(func(types.Event) { panic("boom") })
	rec := &recorder{}
	c.Subscribe(rec.record)

	_, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	assert.NotEmpty(t, rec.all())
}

func TestConcurrencyIsBounded(t *testing.T) {
	r := memory.New()
	var inFlight, peak atomic.Int32
	r.SetHook(func(memory.Call) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	c := newTestClient(t, r, tasksync.WithConcurrency(2))

	for i := 0; i < 8; i++ {
		_, err := c.CreateTask("task")
		require.NoError(t, err)
	}
	flush(t, c)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, r.Snapshot(), 8)
	assert.Equal(t, 8, c.Stats().Synced)
}

func TestSessionTokenForwarded(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r, tasksync.WithSessionToken("r:first"))

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	c.SetSessionToken("r:second")
	_, err = c.UpdateTask(created.ID, types.SetDone(true))
	require.NoError(t, err)
	flush(t, c)

	calls := r.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "r:first", calls[0].Token)
	assert.Equal(t, "r:second", calls[1].Token)
}

func TestRefreshMergesRemoteCollection(t *testing.T) {
	r := memory.New()
	c := newTestClient(t, r)
	seedAndRefresh(t, c, r, "one", "two", "three")

	tasks := c.ListTasks()
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, types.SyncStateSynced, task.SyncState)
	}

	_, err := r.Touch("T1", types.SetDone(true))
	require.NoError(t, err)
	r.Remove("T2")
	r.Seed(types.Task{Title: "four"})

	require.NoError(t, c.Refresh(context.Background()))

	tasks = c.ListTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.True(t, tasks[0].Done)
	assert.Equal(t, int64(2), tasks[0].Revision)
	assert.Equal(t, "T3", tasks[1].ID)
	assert.Equal(t, "four", tasks[2].Title)
}

// commitThenWait stores creates right away but holds the answer back.
type commitThenWait struct {
	*memory.Remote
	committed chan struct{}
	release   chan struct{}
}

func (r *commitThenWait) Create(ctx context.Context, task types.Task) (types.RemoteAck, error) {
	ack, err := r.Remote.Create(ctx, task)
	close(r.committed)
	<-r.release
	return ack, err
}

func TestRefreshDuringUnansweredCreateKeepsOneRecord(t *testing.T) {
	r := &commitThenWait{Remote: memory.New(), committed: make(chan struct{}), release: make(chan struct{})}
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	<-r.committed

	require.NoError(t, c.Refresh(context.Background()))
	tasks := c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, created.ID, tasks[0].ID)

	close(r.release)
	flush(t, c)

	require.NoError(t, c.Refresh(context.Background()))
	tasks = c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, created.ID, tasks[0].LocalID)
	assert.Equal(t, types.SyncStateSynced, tasks[0].SyncState)
}

func TestRefreshLeavesPendingTasksAlone(t *testing.T) {
	r := memory.New()
	release := gateCreates(r)
	defer release()
	c := newTestClient(t, r)

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)

	require.NoError(t, c.Refresh(context.Background()))

	task, err := c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatePending, task.SyncState)

	release()
	flush(t, c)
	assert.Len(t, c.ListTasks(), 1)
}

func TestRefreshFailure(t *testing.T) {
	r := memory.New()
	r.FailNext("list", errors.New("connection refused"))
	c := newTestClient(t, r)

	assert.Error(t, c.Refresh(context.Background()))
}

func TestStats(t *testing.T) {
	r := memory.New()
	release := gateCreates(r)
	defer release()
	c := newTestClient(t, r)

	_, err := c.CreateTask("Buy milk")
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.ActiveLanes)
	assert.Equal(t, 1, stats.QueuedOps)

	release()
	flush(t, c)

	stats = c.Stats()
	assert.Equal(t, 1, stats.Synced)
	assert.Equal(t, 0, stats.ActiveLanes)
}

func TestClose(t *testing.T) {
	c := tasksync.NewClient(memory.New(), tasksync.WithLogger(quietLogger()))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), tasksync.ErrClosed)

	_, err := c.CreateTask("Buy milk")
	assert.ErrorIs(t, err, tasksync.ErrClosed)
	assert.ErrorIs(t, c.Refresh(context.Background()), tasksync.ErrClosed)
}

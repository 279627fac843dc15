package tasksync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erennakbas/tasksync"
	"github.com/erennakbas/tasksync/remote/memory"
	"github.com/erennakbas/tasksync/store"
	"github.com/erennakbas/tasksync/types"
)

// memJournal is a journal.Journal kept in memory.
type memJournal struct {
	mu        sync.Mutex
	ops       []types.Operation
	appendErr error
}

func (j *memJournal) Append(_ context.Context, op *types.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.appendErr != nil {
		return j.appendErr
	}
	j.ops = append(j.ops, *op)
	return nil
}

func (j *memJournal) Ack(_ context.Context, opID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, op := range j.ops {
		if op.ID == opID {
			j.ops = append(j.ops[:i], j.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (j *memJournal) Pending(context.Context) ([]*types.Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*types.Operation, len(j.ops))
	for i := range j.ops {
		op := j.ops[i]
		out[i] = &op
	}
	return out, nil
}

func (j *memJournal) Ping(context.Context) error { return nil }
func (j *memJournal) Close() error               { return nil }

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ops)
}

// memStore is a store.Store kept in memory.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]types.Task
	order []string
}

func newMemStore(tasks ...types.Task) *memStore {
	s := &memStore{tasks: make(map[string]types.Task)}
	for _, task := range tasks {
		_ = s.SaveTask(context.Background(), task)
	}
	return s
}

func (s *memStore) SaveTask(_ context.Context, task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *memStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return types.Task{}, store.ErrTaskNotFound
	}
	return task, nil
}

func (s *memStore) LoadTasks(context.Context) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func TestRestoreReplaysJournaledOperations(t *testing.T) {
	j := &memJournal{}

	// First run: the remote never answers before shutdown.
	slow := memory.New()
	slow.SetLatency(10 * time.Second)
	first := tasksync.NewClient(slow,
		tasksync.WithLogger(quietLogger()),
		tasksync.WithJournal(j),
		tasksync.WithShutdownTimeout(2*time.Second),
	)

	created, err := first.CreateTask("Buy milk")
	require.NoError(t, err)
	_, err = first.UpdateTask(created.ID, types.SetDone(true))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	pending, err := j.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.OpCreate, pending[0].Kind)
	assert.Equal(t, types.OpUpdate, pending[1].Kind)
	assert.Empty(t, slow.Snapshot())

	// Second run replays both operations.
	r := memory.New()
	c := newTestClient(t, r, tasksync.WithJournal(j))
	require.NoError(t, c.Restore(context.Background()))

	task, err := c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatePending, task.SyncState)
	assert.True(t, task.Done)

	flush(t, c)

	task, err = c.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "T1", task.ID)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.Equal(t, int64(2), task.Revision)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "Buy milk", snapshot[0].Title)
	assert.True(t, snapshot[0].Done)
	assert.Equal(t, 0, j.len())
}

func TestRestoreLoadsStoredSnapshot(t *testing.T) {
	s := newMemStore(
		types.Task{ID: "T1", Title: "stored one", Revision: 3},
		types.Task{ID: "T2", LocalID: "local-abc", Title: "stored two", Done: true, Revision: 1},
	)
	c := newTestClient(t, memory.New(), tasksync.WithStore(s))
	require.NoError(t, c.Restore(context.Background()))

	tasks := c.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, int64(3), tasks[0].Revision)
	assert.Equal(t, types.SyncStateSynced, tasks[0].SyncState)

	// Both ids resolve.
	byLocal, err := c.Get("local-abc")
	require.NoError(t, err)
	assert.Equal(t, "T2", byLocal.ID)
	assert.True(t, byLocal.Done)
}

func TestRestoreAcknowledgesConfirmedCreate(t *testing.T) {
	s := newMemStore(types.Task{ID: "T1", LocalID: "local-x", Title: "Buy milk", Revision: 1})
	j := &memJournal{ops: []types.Operation{
		{ID: "op-1", Kind: types.OpCreate, Key: "local-x", Title: "Buy milk"},
	}}

	r := memory.New()
	c := newTestClient(t, r, tasksync.WithStore(s), tasksync.WithJournal(j))
	require.NoError(t, c.Restore(context.Background()))
	flush(t, c)

	tasks := c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, types.SyncStateSynced, tasks[0].SyncState)
	assert.Empty(t, r.Calls())
	assert.Equal(t, 0, j.len())
}

func TestRestoreReplaysUpdateOnStoredTask(t *testing.T) {
	r := memory.New()
	r.Seed(types.Task{Title: "Buy milk"})

	s := newMemStore(types.Task{ID: "T1", Title: "Buy milk", Revision: 1})
	j := &memJournal{ops: []types.Operation{
		{ID: "op-1", Kind: types.OpUpdate, Key: "T1", Patch: types.SetDone(true)},
	}}

	c := newTestClient(t, r, tasksync.WithStore(s), tasksync.WithJournal(j))
	require.NoError(t, c.Restore(context.Background()))
	flush(t, c)

	task, err := c.Get("T1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStateSynced, task.SyncState)
	assert.True(t, task.Done)
	assert.Equal(t, int64(2), task.Revision)

	stored, err := s.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, stored.Done)
	assert.Equal(t, int64(2), stored.Revision)
	assert.Equal(t, 0, j.len())
}

func TestRestoreDropsOperationsForUnknownTasks(t *testing.T) {
	j := &memJournal{ops: []types.Operation{
		{ID: "op-1", Kind: types.OpUpdate, Key: "T9", Patch: types.SetDone(true)},
		{ID: "op-2", Kind: types.OpDelete, Key: "T9"},
	}}

	r := memory.New()
	c := newTestClient(t, r, tasksync.WithJournal(j))
	require.NoError(t, c.Restore(context.Background()))
	flush(t, c)

	assert.Empty(t, c.ListTasks())
	assert.Empty(t, r.Calls())
	assert.Equal(t, 0, j.len())
}

func TestStoreFollowsConfirmedState(t *testing.T) {
	s := newMemStore()
	r := memory.New()
	c := newTestClient(t, r, tasksync.WithStore(s))

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	stored, err := s.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.LocalID)
	assert.Equal(t, int64(1), stored.Revision)

	require.NoError(t, c.DeleteTask("T1"))
	flush(t, c)

	_, err = s.GetTask(context.Background(), "T1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestJournalFailureDoesNotBlockSync(t *testing.T) {
	j := &memJournal{appendErr: errors.New("journal unavailable")}
	r := memory.New()
	c := newTestClient(t, r, tasksync.WithJournal(j))

	_, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	flush(t, c)

	tasks := c.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, types.SyncStateSynced, tasks[0].SyncState)
}

func TestJournalEntriesAcknowledgedAfterSync(t *testing.T) {
	j := &memJournal{}
	r := memory.New()
	r.FailNext(types.OpCreate, errors.New("connection reset by peer"))
	c := newTestClient(t, r, tasksync.WithJournal(j))

	created, err := c.CreateTask("Buy milk")
	require.NoError(t, err)
	_, err = c.UpdateTask(created.ID, types.SetTitle("Buy oat milk"))
	require.NoError(t, err)
	flush(t, c)

	assert.Equal(t, 0, j.len())
	assert.Len(t, r.CallsFor(types.OpCreate), 2)
}

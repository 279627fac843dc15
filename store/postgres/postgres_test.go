package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erennakbas/tasksync/store"
	"github.com/erennakbas/tasksync/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TASKSYNC_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKSYNC_POSTGRES_DSN not set; skipping integration test")
	}

	s, err := New(Config{DSN: dsn, MaxOpenConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.db.ExecContext(ctx, `TRUNCATE tasksync_tasks`)
	require.NoError(t, err)
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveTask(ctx, types.Task{ID: "T2", Title: "second", Revision: 1, CreatedAt: created.Add(time.Minute)}))
	require.NoError(t, s.SaveTask(ctx, types.Task{ID: "T1", LocalID: "local-1", Title: "first", Done: true, Revision: 3, CreatedAt: created}))

	tasks, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, "local-1", tasks[0].LocalID)
	assert.True(t, tasks[0].Done)
	assert.Equal(t, int64(3), tasks[0].Revision)
	assert.Equal(t, types.SyncStateSynced, tasks[0].SyncState)
	assert.True(t, created.Equal(tasks[0].CreatedAt))
	assert.Equal(t, "T2", tasks[1].ID)

	task, err := s.GetTask(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, "second", task.Title)
}

func TestSaveNeverLowersRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, types.Task{ID: "T1", Title: "newer", Revision: 4}))
	require.NoError(t, s.SaveTask(ctx, types.Task{ID: "T1", Title: "older", Revision: 2}))

	task, err := s.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "newer", task.Title)
	assert.Equal(t, int64(4), task.Revision)

	require.NoError(t, s.SaveTask(ctx, types.Task{ID: "T1", Title: "newest", Revision: 5}))
	task, err = s.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "newest", task.Title)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, types.Task{ID: "T1", Title: "Buy milk", Revision: 1}))
	require.NoError(t, s.DeleteTask(ctx, "T1"))
	require.NoError(t, s.DeleteTask(ctx, "T1"))

	_, err := s.GetTask(ctx, "T1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

// Package memory provides an in-memory implementation of remote.Remote.
// It checks revisions like the real backend, records every call and supports
// error injection, which makes it the remote of choice for tests and examples.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erennakbas/tasksync/remote"
	"github.com/erennakbas/tasksync/types"
)

// Call records a single remote invocation.
type Call struct {
	Kind     types.OpKind
	ID       string
	Title    string
	Patch    types.Patch
	Revision int64
	Token    string
}

// Remote is an in-memory task store.
type Remote struct {
	mu     sync.Mutex
	tasks  map[string]types.Task
	order  []string
	nextID int
	calls  []Call

	// Error injection: each call pops the head of its queue.
	failures map[types.OpKind][]error

	// Latency delays every call; the delay honors context cancellation.
	Latency time.Duration

	// Hook, if set, runs before every call and may fail it.
	Hook func(Call) error
}

// New creates an empty Remote. Assigned ids are T1, T2, ...
func New() *Remote {
	return &Remote{
		tasks:    make(map[string]types.Task),
		failures: make(map[types.OpKind][]error),
	}
}

// Seed stores a task directly, as if another client had created it.
// A zero revision becomes 1.
func (r *Remote) Seed(task types.Task) types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = r.newID()
	}
	if task.Revision == 0 {
		task.Revision = 1
	}
	task.LocalID = ""
	task.SyncState = types.SyncStateSynced
	if _, exists := r.tasks[task.ID]; !exists {
		r.order = append(r.order, task.ID)
	}
	r.tasks[task.ID] = task
	return task
}

// Touch modifies a task out of band, bumping its revision.
func (r *Remote) Touch(id string, patch types.Patch) (types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, remote.ErrNotFound
	}
	task = patch.Apply(task)
	task.Revision++
	task.UpdatedAt = time.Now()
	r.tasks[id] = task
	return task, nil
}

// Remove deletes a task out of band.
func (r *Remote) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
}

// SetLatency changes the delay applied to every call.
func (r *Remote) SetLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Latency = d
}

// SetHook replaces the function run before every call.
func (r *Remote) SetHook(fn func(Call) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Hook = fn
}

// FailNext makes the next len(errs) calls of the given kind fail with errs.
func (r *Remote) FailNext(kind types.OpKind, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[kind] = append(r.failures[kind], errs...)
}

// Calls returns every recorded call in order.
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsFor returns the recorded calls of a single kind.
func (r *Remote) CallsFor(kind types.OpKind) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns the stored tasks in creation order.
func (r *Remote) Snapshot() []types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out
}

// Create implements remote.Remote.
func (r *Remote) Create(ctx context.Context, task types.Task) (types.RemoteAck, error) {
	if err := r.begin(ctx, Call{Kind: types.OpCreate, Title: task.Title}); err != nil {
		return types.RemoteAck{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	stored := types.Task{
		ID:        r.newID(),
		Title:     task.Title,
		Done:      task.Done,
		Revision:  1,
		SyncState: types.SyncStateSynced,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.tasks[stored.ID] = stored
	r.order = append(r.order, stored.ID)

	return types.RemoteAck{ID: stored.ID, Revision: stored.Revision, CreatedAt: now, UpdatedAt: now}, nil
}

// List implements remote.Remote.
func (r *Remote) List(ctx context.Context) ([]types.Task, error) {
	if err := r.begin(ctx, Call{Kind: "list"}); err != nil {
		return nil, err
	}
	return r.Snapshot(), nil
}

// Get implements remote.Remote.
func (r *Remote) Get(ctx context.Context, id string) (types.Task, error) {
	if err := r.begin(ctx, Call{Kind: "get", ID: id}); err != nil {
		return types.Task{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, remote.ErrNotFound
	}
	return task, nil
}

// Update implements remote.Remote.
func (r *Remote) Update(ctx context.Context, id string, patch types.Patch, revision int64) (types.RemoteAck, error) {
	if err := r.begin(ctx, Call{Kind: types.OpUpdate, ID: id, Patch: patch, Revision: revision}); err != nil {
		return types.RemoteAck{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.RemoteAck{}, remote.ErrNotFound
	}
	if task.Revision != revision {
		return types.RemoteAck{}, fmt.Errorf("update %s at revision %d (current %d): %w", id, revision, task.Revision, remote.ErrStaleRevision)
	}

	task = patch.Apply(task)
	task.Revision++
	task.UpdatedAt = time.Now()
	r.tasks[id] = task

	return types.RemoteAck{ID: id, Revision: task.Revision, CreatedAt: task.CreatedAt, UpdatedAt: task.UpdatedAt}, nil
}

// Delete implements remote.Remote.
func (r *Remote) Delete(ctx context.Context, id string, revision int64) error {
	if err := r.begin(ctx, Call{Kind: types.OpDelete, ID: id, Revision: revision}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return remote.ErrNotFound
	}
	if task.Revision != revision {
		return fmt.Errorf("delete %s at revision %d (current %d): %w", id, revision, task.Revision, remote.ErrStaleRevision)
	}
	r.remove(id)
	return nil
}

// begin records the call, waits out the latency and applies injected failures.
func (r *Remote) begin(ctx context.Context, call Call) error {
	call.Token = remote.SessionToken(ctx)

	r.mu.Lock()
	r.calls = append(r.calls, call)
	var injected error
	if queue := r.failures[call.Kind]; len(queue) > 0 {
		injected = queue[0]
		r.failures[call.Kind] = queue[1:]
	}
	hook := r.Hook
	latency := r.Latency
	r.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if hook != nil {
		if err := hook(call); err != nil {
			return err
		}
	}

	if injected != nil {
		return injected
	}
	return ctx.Err()
}

func (r *Remote) newID() string {
	for {
		r.nextID++
		id := fmt.Sprintf("T%d", r.nextID)
		if _, taken := r.tasks[id]; !taken {
			return id
		}
	}
}

func (r *Remote) remove(id string) {
	if _, ok := r.tasks[id]; !ok {
		return
	}
	delete(r.tasks, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

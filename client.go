// Package tasksync keeps a local task collection in sync with a remote task
// store. Mutations are applied optimistically and pushed to the remote store
// through per-task FIFO lanes executed by a bounded pool of workers.
package tasksync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erennakbas/tasksync/journal"
	"github.com/erennakbas/tasksync/remote"
	"github.com/erennakbas/tasksync/store"
	"github.com/erennakbas/tasksync/types"
)

// Default configuration values
const (
	DefaultConcurrency       = 4
	DefaultMaxAttempts       = 5
	DefaultRetryBaseDuration = 200 * time.Millisecond
	DefaultRetryMaxDuration  = 5 * time.Second
	DefaultCallTimeout       = 1000 * time.Millisecond
	DefaultShutdownTimeout   = 10 * time.Second

	// TempIDPrefix marks ids generated locally before the remote store assigned one.
	TempIDPrefix = "local-"
)

// Resolution selects how a conflict is settled by ResolveConflict.
type Resolution int

const (
	// KeepRemote discards the local change and adopts the remote record.
	KeepRemote Resolution = iota
	// KeepLocal re-sends the local state on top of the remote revision.
	KeepLocal
)

// record is the Client's bookkeeping for one task.
type record struct {
	task         types.Task
	confirmed    types.Task
	remoteID     string
	createQueued bool
	deleted      bool
	tombIndex    int
	failedOp     types.OpKind
	conflict     *ConflictError
}

// Client owns the local task collection and synchronizes it with a remote store.
type Client struct {
	remote  remote.Remote
	store   store.Store
	journal journal.Journal
	logger  Logger
	metrics *Metrics
	newID   func() string

	// Configuration
	concurrency       int
	maxAttempts       int
	retryBaseDuration time.Duration
	retryMaxDuration  time.Duration
	callTimeout       time.Duration
	shutdownTimeout   time.Duration

	// State, guarded by mu
	mu        sync.Mutex
	records   map[string]*record
	aliases   map[string]string
	order     []string
	lanes     map[string]*lane
	idle      chan struct{}
	token     string
	closed    bool
	listeners []subscription
	nextSubID int
	events    []types.Event
	draining  bool

	// Operations waiting to be journaled, in enqueue order
	journalQueue []*laneOp
	journalWake  chan struct{}

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithConcurrency sets the maximum number of concurrent remote calls.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithMaxAttempts sets how many times a transient failure is attempted in total.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryConfig sets the retry backoff configuration.
func WithRetryConfig(base, max time.Duration) ClientOption {
	return func(c *Client) {
		c.retryBaseDuration = base
		c.retryMaxDuration = max
	}
}

// WithCallTimeout sets the timeout of a single remote call.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithShutdownTimeout sets how long Close waits for in-flight calls.
func WithShutdownTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.shutdownTimeout = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithStore sets the optional store for confirmed task snapshots.
func WithStore(s store.Store) ClientOption {
	return func(c *Client) {
		c.store = s
	}
}

// WithJournal sets the optional journal that keeps unconfirmed operations.
func WithJournal(j journal.Journal) ClientOption {
	return func(c *Client) {
		c.journal = j
	}
}

// WithMetrics sets the Prometheus collectors updated by the client.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithSessionToken sets the opaque credential forwarded to the remote store.
func WithSessionToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithIDGenerator replaces the generator of temporary ids. The TempIDPrefix
// is prepended to every generated value.
func WithIDGenerator(fn func() string) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// NewClient creates a new synchronization client for the given remote store.
func NewClient(r remote.Remote, opts ...ClientOption) *Client {
	c := &Client{
		remote:            r,
		logger:            defaultLogger(),
		newID:             uuid.NewString,
		concurrency:       DefaultConcurrency,
		maxAttempts:       DefaultMaxAttempts,
		retryBaseDuration: DefaultRetryBaseDuration,
		retryMaxDuration:  DefaultRetryMaxDuration,
		callTimeout:       DefaultCallTimeout,
		shutdownTimeout:   DefaultShutdownTimeout,
		records:           make(map[string]*record),
		aliases:           make(map[string]string),
		lanes:             make(map[string]*lane),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.sem = make(chan struct{}, c.concurrency)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.journal != nil {
		c.journalWake = make(chan struct{}, 1)
		c.wg.Add(1)
		go c.runJournal()
	}

	return c
}

// ListTasks returns a snapshot of the local collection in insertion order.
func (c *Client) ListTasks() []types.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Task, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.records[key].task)
	}
	return out
}

// Get returns a task by remote or temporary id.
func (c *Client) Get(id string) (types.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.lookupLocked(id)
	if rec == nil {
		return types.Task{}, &NotFoundError{ID: id}
	}
	return rec.task, nil
}

// CreateTask inserts a task optimistically and enqueues its remote creation.
func (c *Client) CreateTask(title string) (types.Task, error) {
	if strings.TrimSpace(title) == "" {
		return types.Task{}, &ValidationError{Field: "title", Reason: "must not be empty"}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Task{}, ErrClosed
	}

	key := TempIDPrefix + c.newID()
	rec := &record{
		task: types.Task{
			ID:        key,
			LocalID:   key,
			Title:     title,
			SyncState: types.SyncStatePending,
		},
	}
	c.records[key] = rec
	c.aliases[key] = key
	c.order = append(c.order, key)

	c.enqueueCreateLocked(rec)
	c.emitLocked(types.Event{Kind: types.EventInserted, Task: rec.task})
	task := rec.task
	c.mu.Unlock()

	c.drain()
	return task, nil
}

// UpdateTask applies patch locally and enqueues a remote update carrying the
// last known revision. Re-issuing an update on a failed task sends the whole
// local state; on a conflicted task it overrides the remote revision.
func (c *Client) UpdateTask(id string, patch types.Patch) (types.Task, error) {
	if err := validatePatch(patch); err != nil {
		return types.Task{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Task{}, ErrClosed
	}

	rec := c.lookupLocked(id)
	if rec == nil {
		c.mu.Unlock()
		return types.Task{}, &NotFoundError{ID: id}
	}

	rec.task = patch.Apply(rec.task)
	if rec.task.SyncState == types.SyncStateFailed {
		c.reissueLocked(rec)
	} else {
		rec.task.SyncState = types.SyncStatePending
		c.enqueueLocked(&types.Operation{Kind: types.OpUpdate, Key: rec.task.Key(), Patch: patch})
	}

	c.emitLocked(types.Event{Kind: types.EventUpdated, Task: rec.task})
	task := rec.task
	c.mu.Unlock()

	c.drain()
	return task, nil
}

// DeleteTask removes a task from the local view and enqueues its remote deletion.
// If the deletion fails for good the task comes back marked failed.
func (c *Client) DeleteTask(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	rec := c.lookupLocked(id)
	if rec == nil {
		c.mu.Unlock()
		return &NotFoundError{ID: id}
	}

	c.deleteLocked(rec)
	c.mu.Unlock()

	c.drain()
	return nil
}

// Retry re-issues the failed intent of a task in the failed state.
func (c *Client) Retry(id string) (types.Task, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Task{}, ErrClosed
	}

	rec := c.lookupLocked(id)
	if rec == nil {
		c.mu.Unlock()
		return types.Task{}, &NotFoundError{ID: id}
	}
	if rec.task.SyncState != types.SyncStateFailed {
		c.mu.Unlock()
		return types.Task{}, &ValidationError{Field: "state", Reason: "task " + id + " is " + rec.task.SyncState.String() + ", not failed"}
	}

	c.retryLocked(rec)
	task := rec.task
	c.mu.Unlock()

	c.drain()
	return task, nil
}

// Conflict returns the conflict attached to a failed task, if any.
func (c *Client) Conflict(id string) (*ConflictError, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.lookupLocked(id)
	if rec == nil || rec.conflict == nil {
		return nil, false
	}
	conflict := *rec.conflict
	return &conflict, true
}

// ResolveConflict settles the conflict of a task. KeepRemote adopts the
// remote record; KeepLocal sends the local state on top of the remote revision.
func (c *Client) ResolveConflict(id string, resolution Resolution) (types.Task, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Task{}, ErrClosed
	}

	rec := c.lookupLocked(id)
	if rec == nil {
		c.mu.Unlock()
		return types.Task{}, &NotFoundError{ID: id}
	}
	if rec.conflict == nil {
		c.mu.Unlock()
		return types.Task{}, &ValidationError{Field: "state", Reason: "task " + id + " has no conflict"}
	}

	switch resolution {
	case KeepRemote:
		if rec.conflict.Remote == nil && !rec.conflict.RemoteMissing {
			c.mu.Unlock()
			return types.Task{}, &ValidationError{Field: "resolution", Reason: "remote copy of " + id + " is unavailable"}
		}
		if rec.conflict.RemoteMissing {
			// The remote copy is gone; so is ours.
			task := rec.task
			c.forgetLocked(rec)
			c.emitLocked(types.Event{Kind: types.EventRemoved, Task: task})
			c.mu.Unlock()
			c.drain()
			return task, nil
		}
		remoteTask := *rec.conflict.Remote
		rec.task.Title = remoteTask.Title
		rec.task.Done = remoteTask.Done
		rec.task.Revision = remoteTask.Revision
		rec.task.UpdatedAt = remoteTask.UpdatedAt
		rec.task.SyncState = types.SyncStateSynced
		rec.task.LastError = ""
		rec.confirmed = rec.task
		rec.conflict = nil
		rec.failedOp = ""
		c.emitLocked(types.Event{Kind: types.EventUpdated, Task: rec.task})
	case KeepLocal:
		c.retryLocked(rec)
	default:
		c.mu.Unlock()
		return types.Task{}, &ValidationError{Field: "resolution", Reason: "unknown resolution"}
	}

	task := rec.task
	c.mu.Unlock()

	c.drain()
	return task, nil
}

// Evict acknowledges a failed task and drops it from the local collection.
func (c *Client) Evict(id string) error {
	c.mu.Lock()
	rec := c.lookupLocked(id)
	if rec == nil {
		c.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	if rec.task.SyncState != types.SyncStateFailed {
		c.mu.Unlock()
		return &ValidationError{Field: "state", Reason: "only failed tasks can be evicted"}
	}

	task := rec.task
	c.forgetLocked(rec)
	c.emitLocked(types.Event{Kind: types.EventRemoved, Task: task})
	c.mu.Unlock()

	c.drain()
	return nil
}

// SetSessionToken replaces the credential forwarded with every remote call.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Stats returns counts of the local collection and the dispatcher.
func (c *Client) Stats() types.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

// Flush blocks until no operation is queued or in flight.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	if idle == nil {
		return nil
	}

	select {
	case <-idle:
		// New lanes may have started while we waited.
		return c.Flush(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops dispatching and releases resources. Operations still queued
// stay pending and remain in the journal, if one is configured.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Debug("all lanes stopped")
	case <-time.After(c.shutdownTimeout):
		c.logger.Warn("shutdown timeout exceeded, abandoning in-flight calls")
	}

	var firstErr error
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// lookupLocked resolves an id to a visible record.
func (c *Client) lookupLocked(id string) *record {
	key, ok := c.aliases[id]
	if !ok {
		return nil
	}
	rec := c.records[key]
	if rec == nil || rec.deleted {
		return nil
	}
	return rec
}

// enqueueCreateLocked queues the remote creation of the record's current state.
func (c *Client) enqueueCreateLocked(rec *record) {
	rec.createQueued = true
	c.enqueueLocked(&types.Operation{
		Kind:  types.OpCreate,
		Key:   rec.task.Key(),
		Title: rec.task.Title,
		Done:  rec.task.Done,
	})
}

// retryLocked re-issues whatever failed last for the record.
func (c *Client) retryLocked(rec *record) {
	if rec.failedOp == types.OpDelete {
		c.deleteLocked(rec)
		return
	}
	c.reissueLocked(rec)
	c.emitLocked(types.Event{Kind: types.EventStateChanged, Task: rec.task})
}

// overrideLocked makes the next operation of a conflicted record target the
// remote revision the caller has been shown.
func (c *Client) overrideLocked(rec *record) {
	if rec.conflict == nil {
		return
	}
	switch {
	case rec.conflict.Remote != nil:
		rec.confirmed.Revision = rec.conflict.Remote.Revision
	case rec.conflict.RemoteMissing:
		rec.remoteID = ""
	}
	rec.conflict = nil
}

// reissueLocked queues the operation that brings the remote store to the
// record's current local state after a terminal failure.
func (c *Client) reissueLocked(rec *record) {
	c.overrideLocked(rec)
	rec.failedOp = ""
	rec.task.LastError = ""
	rec.task.SyncState = types.SyncStatePending

	if rec.remoteID == "" {
		if !rec.createQueued {
			c.enqueueCreateLocked(rec)
		}
		return
	}

	c.enqueueLocked(&types.Operation{
		Kind:  types.OpUpdate,
		Key:   rec.task.Key(),
		Patch: types.FullPatch(rec.task),
	})
}

// deleteLocked hides the record and queues its remote deletion.
func (c *Client) deleteLocked(rec *record) {
	key := rec.task.Key()
	idx := c.indexLocked(key)
	if idx >= 0 {
		c.order = append(c.order[:idx], c.order[idx+1:]...)
	}

	removed := rec.task
	c.overrideLocked(rec)

	// Never reached the remote store: nothing to delete there.
	if rec.remoteID == "" && !rec.createQueued {
		c.forgetLocked(rec)
		c.emitLocked(types.Event{Kind: types.EventRemoved, Task: removed})
		return
	}

	rec.deleted = true
	rec.tombIndex = idx
	rec.failedOp = ""
	rec.task.LastError = ""
	rec.task.SyncState = types.SyncStatePending
	c.enqueueLocked(&types.Operation{Kind: types.OpDelete, Key: key})
	c.emitLocked(types.Event{Kind: types.EventRemoved, Task: removed})
}

// forgetLocked drops every trace of a record.
func (c *Client) forgetLocked(rec *record) {
	key := rec.task.Key()
	if idx := c.indexLocked(key); idx >= 0 {
		c.order = append(c.order[:idx], c.order[idx+1:]...)
	}
	delete(c.records, key)
	for alias, target := range c.aliases {
		if target == key {
			delete(c.aliases, alias)
		}
	}
}

// reinsertLocked brings a tombstoned record back at its former position.
func (c *Client) reinsertLocked(rec *record) {
	rec.deleted = false
	idx := rec.tombIndex
	if idx < 0 || idx > len(c.order) {
		idx = len(c.order)
	}
	key := rec.task.Key()
	c.order = append(c.order, "")
	copy(c.order[idx+1:], c.order[idx:])
	c.order[idx] = key
}

func (c *Client) indexLocked(key string) int {
	for i, k := range c.order {
		if k == key {
			return i
		}
	}
	return -1
}

func (c *Client) statsLocked() types.Stats {
	var stats types.Stats
	for _, key := range c.order {
		switch c.records[key].task.SyncState {
		case types.SyncStateSynced:
			stats.Synced++
		case types.SyncStatePending:
			stats.Pending++
		case types.SyncStateFailed:
			stats.Failed++
		}
	}
	for _, l := range c.lanes {
		stats.QueuedOps += len(l.ops)
	}
	stats.ActiveLanes = len(c.lanes)
	return stats
}

func validatePatch(patch types.Patch) error {
	if patch.IsEmpty() {
		return &ValidationError{Field: "patch", Reason: "no fields to update"}
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	return nil
}

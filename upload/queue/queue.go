// Package queue schedules many uploads under a global concurrency ceiling with
// priority ordering, bounded automatic retries and bandwidth-adaptive chunk
// concurrency.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bitrise-io/go-uploadqueue/upload/resumable"
	"github.com/bitrise-io/go-uploadqueue/upload/source"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Queue is an upload task scheduler. It is safe for concurrent use.
type Queue struct {
	opts   Options
	logger log.Logger

	mu        sync.Mutex
	tasks     map[string]*task
	active    map[string]*run
	running   bool
	finishing int
	seq       uint64
	restored  []TaskRecord
	changed   chan struct{}

	notifier notifier
	// persistMu orders snapshot writes.
	persistMu sync.Mutex
}

type task struct {
	Task
	seq uint64
	// run is the engine bound to the task: uploading, or parked after a pause.
	run *run
}

type run struct {
	engine Engine
}

// New creates a Queue. Either opts.Client or opts.NewEngine is required.
func New(opts Options) (*Queue, error) {
	opts = opts.withDefaults()
	if opts.NewEngine == nil {
		return nil, errors.New("either an upload client or an engine factory is required")
	}
	if opts.Persist && opts.Store == nil {
		return nil, errors.New("persistence requires a store")
	}

	q := &Queue{
		opts:    opts,
		logger:  opts.Logger,
		tasks:   map[string]*task{},
		active:  map[string]*run{},
		changed: make(chan struct{}),
	}
	q.notifier.onIdle = func() {
		q.mu.Lock()
		q.signalLocked()
		q.mu.Unlock()
	}

	if opts.Persist {
		q.load()
	}
	if opts.AutoStart {
		q.Start()
	}

	return q, nil
}

// AddTask enqueues a file. Priority 0 selects DefaultPriority, other values are
// clamped to [MinPriority, MaxPriority].
func (q *Queue) AddTask(file source.File, priority int, opts resumable.Options) string {
	q.mu.Lock()
	id := q.addLocked(file, priority, opts)
	q.mu.Unlock()

	q.logger.Debugf("Task %s queued", id)
	q.changedState()
	q.schedule()
	return id
}

// AddBatch enqueues files with the same priority and options.
func (q *Queue) AddBatch(files []source.File, priority int, opts resumable.Options) []string {
	ids := make([]string, 0, len(files))

	q.mu.Lock()
	for _, file := range files {
		ids = append(ids, q.addLocked(file, priority, opts))
	}
	q.mu.Unlock()

	q.logger.Debugf("%d tasks queued", len(ids))
	q.changedState()
	q.schedule()
	return ids
}

// RemoveTask cancels the task's engine if it has one and deletes the task.
func (q *Queue) RemoveTask(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	r := q.detachLocked(t)
	q.mu.Unlock()

	if r != nil {
		r.engine.Cancel()
	}

	q.changedState()
	q.schedule()
	return nil
}

// CancelTask cancels the task's engine, asks the server to discard the session
// and deletes the task. Discard failures are logged, not returned.
func (q *Queue) CancelTask(ctx context.Context, id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	sessionID := t.SessionID
	r := q.detachLocked(t)
	q.mu.Unlock()

	var engine Engine
	if r != nil {
		r.engine.Cancel()
		engine = r.engine
	}
	if sessionID != "" {
		if engine == nil {
			engine = q.opts.NewEngine()
		}
		q.discardSession(ctx, engine, sessionID)
	}

	q.logger.Infof("Task %s cancelled", id)
	q.changedState()
	q.schedule()
	return nil
}

// CancelAll cancels every task.
func (q *Queue) CancelAll(ctx context.Context) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.CancelTask(ctx, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
			q.logger.Warnf("cancel task %s: %s", id, err)
		}
	}
}

// PauseTask pauses an uploading task's engine, or marks a pending task paused.
func (q *Queue) PauseTask(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}

	switch t.Status {
	case StatusUploading:
		t.run.engine.Pause()
		delete(q.active, id)
		t.Status = StatusPaused
	case StatusPending:
		t.Status = StatusPaused
	default:
		q.mu.Unlock()
		return fmt.Errorf("pause %s task: %w", t.Status, ErrInvalidState)
	}
	q.mu.Unlock()

	q.changedState()
	q.schedule()
	return nil
}

// ResumeTask returns a paused task to the pending state.
func (q *Queue) ResumeTask(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != StatusPaused {
		q.mu.Unlock()
		return fmt.Errorf("resume %s task: %w", t.Status, ErrInvalidState)
	}
	t.Status = StatusPending
	q.mu.Unlock()

	q.changedState()
	q.schedule()
	return nil
}

// SetPriority changes the priority of a pending task.
func (q *Queue) SetPriority(id string, priority int) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != StatusPending {
		q.mu.Unlock()
		return fmt.Errorf("set priority of %s task: %w", t.Status, ErrInvalidState)
	}
	t.Priority = clampPriority(priority)
	q.mu.Unlock()

	q.changedState()
	return nil
}

// Start enables processing.
func (q *Queue) Start() {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	q.schedule()
}

// Stop disables processing and pauses every uploading task. Queued tasks are kept.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopLocked()
	q.mu.Unlock()

	q.changedState()
}

// Clear stops processing, deletes every task and resets the bandwidth estimate.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.stopLocked()
	var runs []*run
	for _, t := range q.tasks {
		if r := q.detachLocked(t); r != nil {
			runs = append(runs, r)
		}
	}
	q.mu.Unlock()

	for _, r := range runs {
		r.engine.Cancel()
	}
	q.opts.Monitor.Reset()

	q.changedState()
}

// Tasks returns the tasks ordered by priority, then submission.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasksLocked()
}

// Task returns a single task.
func (q *Queue) Task(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// RestoredTasks returns the records loaded from the store on construction.
// They are informational: the files have to be added again to upload them.
func (q *Queue) RestoredTasks() []TaskRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]TaskRecord(nil), q.restored...)
}

// Wait blocks until no task is uploading and, while processing is enabled,
// no task is pending.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		busy := len(q.active) > 0 || q.finishing > 0 || (q.running && q.nextPendingLocked() != nil)
		changed := q.changed
		q.mu.Unlock()

		busy = busy || q.notifier.busy()

		if !busy {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) addLocked(file source.File, priority int, opts resumable.Options) string {
	id := q.taskIDLocked(file)
	q.seq++
	q.tasks[id] = &task{
		Task: Task{
			ID:       id,
			File:     file,
			Priority: clampPriority(priority),
			Status:   StatusPending,
			AddedAt:  q.opts.Now(),
			Options:  opts,
		},
		seq: q.seq,
	}
	return id
}

func (q *Queue) taskIDLocked(file source.File) string {
	base := fmt.Sprintf("%d_%s_%d", q.opts.Now().UnixMilli(), file.Name(), file.Size())
	id := base
	for n := 1; ; n++ {
		if _, exists := q.tasks[id]; !exists {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// detachLocked deletes the task and returns its engine run, if any.
func (q *Queue) detachLocked(t *task) *run {
	r := t.run
	t.run = nil
	delete(q.active, t.ID)
	delete(q.tasks, t.ID)
	return r
}

func (q *Queue) stopLocked() {
	q.running = false
	for id := range q.active {
		t := q.tasks[id]
		t.run.engine.Pause()
		t.Status = StatusPaused
	}
	q.active = map[string]*run{}
}

func (q *Queue) tasksLocked() []Task {
	sorted := make([]*task, 0, len(q.tasks))
	for _, t := range q.tasks {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})

	tasks := make([]Task, 0, len(sorted))
	for _, t := range sorted {
		tasks = append(tasks, t.Task)
	}
	return tasks
}

func (q *Queue) nextPendingLocked() *task {
	var next *task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if next == nil || less(t, next) {
			next = t
		}
	}
	return next
}

// less orders by priority descending, then submission time, then submission sequence.
func less(a, b *task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.Before(b.AddedAt)
	}
	return a.seq < b.seq
}

func (q *Queue) discardSession(ctx context.Context, engine Engine, sessionID string) {
	err := retry.Times(q.opts.DiscardRetries).Wait(q.opts.DiscardRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		err := engine.CancelSession(ctx, sessionID)
		if err != nil {
			q.logger.Debugf("discard session %s (attempt %d): %s", sessionID, attempt, err)
		}
		return err, err == nil || ctx.Err() != nil
	})
	if err != nil {
		q.logger.Warnf("Failed to discard upload session %s: %s", sessionID, err)
	}
}

// changedState wakes waiters, persists the task records and notifies listeners.
func (q *Queue) changedState() {
	q.mu.Lock()
	q.signalLocked()
	q.mu.Unlock()

	q.persist()

	if q.opts.OnQueueUpdate != nil {
		tasks := q.Tasks()
		q.notify(func() { q.opts.OnQueueUpdate(tasks) })
	}
}

func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) notify(fn func()) {
	q.notifier.post(fn)
}

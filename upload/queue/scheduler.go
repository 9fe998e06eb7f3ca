package queue

import (
	"context"
	"errors"

	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-uploadqueue/upload/resumable"
	"github.com/bitrise-io/go-uploadqueue/upload/source"
	"github.com/docker/go-units"
)

// schedule starts pending tasks while the concurrency ceiling allows.
func (q *Queue) schedule() {
	for {
		q.mu.Lock()
		if !q.running || len(q.active) >= q.opts.MaxConcurrent {
			q.mu.Unlock()
			return
		}
		t := q.nextPendingLocked()
		if t == nil {
			q.mu.Unlock()
			return
		}

		parked := t.run
		r := &run{engine: q.opts.NewEngine()}
		t.run = r
		t.Status = StatusUploading
		t.StartedAt = q.opts.Now()
		t.Error = ""
		q.active[t.ID] = r

		opts := mergeUploadOptions(q.opts.UploadOptions, t.Options)
		if q.opts.MaxBandwidth > 0 {
			opts.Concurrency = q.optimalConcurrency(opts.Concurrency)
		}
		opts = q.wrapCallbacks(t.ID, r, opts)
		file := t.File
		id := t.ID
		q.mu.Unlock()

		if parked != nil {
			// A fresh engine continues from the server side session state.
			parked.engine.Cancel()
		}

		q.logger.Infof("Starting upload of %s (%s)", file.Name(), units.HumanSizeWithPrecision(float64(file.Size()), 3))
		go q.run(id, r, file, opts)

		q.changedState()
	}
}

func (q *Queue) run(id string, r *run, file source.File, opts resumable.Options) {
	result, err := r.engine.Upload(context.Background(), file, opts)
	q.finish(id, r, result, err)
}

// finish applies the outcome of an engine run. Outcomes of engines that were
// replaced or whose task was deleted are discarded.
func (q *Queue) finish(id string, r *run, result *network.UploadedFile, err error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok || t.run != r {
		q.mu.Unlock()
		return
	}

	q.finishing++
	t.run = nil
	delete(q.active, id)

	var notification func()
	switch {
	case errors.Is(err, resumable.ErrCancelled):
		if t.Status == StatusUploading {
			t.Status = StatusPending
		}
	case err != nil:
		t.Retries++
		t.Error = err.Error()
		if t.Retries < MaxAttempts {
			if t.Status == StatusUploading {
				t.Status = StatusPending
			}
			q.logger.Warnf("Task %s failed, retrying (attempt %d of %d): %s", id, t.Retries, MaxAttempts, err)
		} else {
			t.Status = StatusFailed
			t.CompletedAt = q.opts.Now()
			q.logger.Errorf("Task %s failed: %s", id, err)
			if q.opts.OnTaskFailed != nil {
				snapshot := t.Task
				notification = func() { q.opts.OnTaskFailed(snapshot, err) }
			}
		}
	default:
		t.Status = StatusCompleted
		t.Progress = 100
		t.CompletedAt = q.opts.Now()
		t.Result = result
		t.Error = ""
		q.logger.Donef("Task %s completed", id)
		if q.opts.OnTaskComplete != nil {
			snapshot := t.Task
			notification = func() { q.opts.OnTaskComplete(snapshot) }
		}
	}
	q.mu.Unlock()

	if notification != nil {
		q.notify(notification)
	}
	q.changedState()
	q.schedule()

	q.mu.Lock()
	q.finishing--
	q.signalLocked()
	q.mu.Unlock()
}

// wrapCallbacks routes engine callbacks through the queue before forwarding
// them to the task's own callbacks.
func (q *Queue) wrapCallbacks(id string, r *run, opts resumable.Options) resumable.Options {
	onPrepared := opts.OnPrepared
	opts.OnPrepared = func(session *network.Session) {
		q.mu.Lock()
		if t, ok := q.tasks[id]; ok && t.run == r {
			t.SessionID = session.SessionID
		}
		q.mu.Unlock()

		if onPrepared != nil {
			q.notify(func() { onPrepared(session) })
		}
	}

	onProgress := opts.OnProgress
	opts.OnProgress = func(progress resumable.Progress) {
		q.mu.Lock()
		t, ok := q.tasks[id]
		if !ok || t.run != r {
			q.mu.Unlock()
			return
		}
		t.Progress = progress.Percent
		size := t.File.Size()
		q.mu.Unlock()

		q.opts.Monitor.RecordProgress(progress.Percent, size)

		if onProgress != nil {
			q.notify(func() { onProgress(progress) })
		}
		if q.opts.OnQueueUpdate != nil {
			tasks := q.Tasks()
			q.notify(func() { q.opts.OnQueueUpdate(tasks) })
		}
	}

	if onChunkComplete := opts.OnChunkComplete; onChunkComplete != nil {
		opts.OnChunkComplete = func(event resumable.ChunkEvent) {
			if q.isCurrent(id, r) {
				q.notify(func() { onChunkComplete(event) })
			}
		}
	}
	if onComplete := opts.OnComplete; onComplete != nil {
		opts.OnComplete = func(file *network.UploadedFile) {
			if q.isCurrent(id, r) {
				q.notify(func() { onComplete(file) })
			}
		}
	}
	if onError := opts.OnError; onError != nil {
		opts.OnError = func(err error) {
			if q.isCurrent(id, r) {
				q.notify(func() { onError(err) })
			}
		}
	}

	return opts
}

func (q *Queue) isCurrent(id string, r *run) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	return ok && t.run == r
}

// optimalConcurrency picks the chunk concurrency of a new engine from its
// configured base by comparing the measured bandwidth with the per-task share
// of MaxBandwidth. The result stays in [1, 5].
func (q *Queue) optimalConcurrency(base int) int {
	if base <= 0 {
		base = resumable.DefaultConcurrency
	}
	current := q.opts.Monitor.Current()
	target := q.opts.MaxBandwidth / float64(q.opts.MaxConcurrent)

	concurrency := base
	switch {
	case current > target*2:
		concurrency = base + 1
	case current < target*0.5:
		concurrency = base - 1
	}
	if concurrency > maxChunkConcurrency {
		concurrency = maxChunkConcurrency
	}
	if concurrency < minChunkConcurrency {
		concurrency = minChunkConcurrency
	}

	q.logger.Debugf("Chunk concurrency %d (base %d, bandwidth %s/s, target %s/s)", concurrency, base,
		units.HumanSizeWithPrecision(current, 3), units.HumanSizeWithPrecision(target, 3))
	return concurrency
}

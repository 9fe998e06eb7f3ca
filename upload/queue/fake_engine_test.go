package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-uploadqueue/upload/resumable"
	"github.com/bitrise-io/go-uploadqueue/upload/source"
)

type uploadFunc func(e *fakeEngine, file source.File, opts resumable.Options) (*network.UploadedFile, error)

type fakeEngine struct {
	upload uploadFunc

	mu              sync.Mutex
	pauses          int
	cancelled       bool
	cancelCh        chan struct{}
	discarded       []string
	concurrencyUsed int
}

func (e *fakeEngine) Upload(_ context.Context, file source.File, opts resumable.Options) (*network.UploadedFile, error) {
	e.mu.Lock()
	e.concurrencyUsed = opts.Concurrency
	e.mu.Unlock()
	return e.upload(e, file, opts)
}

func (e *fakeEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses++
}

func (e *fakeEngine) Resume() {}

func (e *fakeEngine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cancelled {
		e.cancelled = true
		close(e.cancelCh)
	}
}

func (e *fakeEngine) CancelSession(_ context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discarded = append(e.discarded, sessionID)
	return nil
}

func (e *fakeEngine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *fakeEngine) pauseCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauses
}

// blockUntil waits for release or cancellation.
func (e *fakeEngine) blockUntil(release <-chan struct{}) error {
	select {
	case <-release:
		return nil
	case <-e.cancelCh:
		return resumable.ErrCancelled
	case <-time.After(10 * time.Second):
		return resumable.ErrCancelled
	}
}

type engineRecorder struct {
	mu      sync.Mutex
	engines []*fakeEngine
	upload  uploadFunc
}

func (r *engineRecorder) factory() Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &fakeEngine{upload: r.upload, cancelCh: make(chan struct{})}
	r.engines = append(r.engines, e)
	return e
}

func (r *engineRecorder) all() []*fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeEngine(nil), r.engines...)
}

func succeed(_ *fakeEngine, file source.File, opts resumable.Options) (*network.UploadedFile, error) {
	if opts.OnProgress != nil {
		opts.OnProgress(resumable.Progress{Percent: 100, ChunkIndex: -1, ChunkRatio: 1})
	}
	return &network.UploadedFile{FileID: "id-" + file.Name(), FileName: file.Name(), Size: file.Size()}, nil
}

func (e *fakeEngine) concurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.concurrencyUsed
}

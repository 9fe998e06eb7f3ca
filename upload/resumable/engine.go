// Package resumable drives the lifecycle of one file upload: content digest,
// session negotiation, parallel chunk transfer and completion.
package resumable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-uploadqueue/upload/digest"
	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-uploadqueue/upload/network/chunkuploader"
	"github.com/bitrise-io/go-uploadqueue/upload/source"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Engine uploads a single file. An Engine is single use: after Upload returns
// a new Engine is needed for another attempt.
type Engine struct {
	api    network.API
	logger log.Logger

	// mu guards the control state. Nothing is called out while it is held.
	mu        sync.Mutex
	started   bool
	cancelled bool
	aborted   bool
	resumeCh  chan struct{}
	cancel    context.CancelFunc
	inFlight  map[int]context.CancelFunc
	sessionID string

	// progressMu serializes progress state and callback emission.
	progressMu   sync.Mutex
	partial      map[int]float64
	completed    int
	total        int
	lastReported float64
}

// New creates an Engine talking to the given upload API.
func New(api network.API, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Engine{
		api:      api,
		logger:   logger,
		inFlight: map[int]context.CancelFunc{},
		partial:  map[int]float64{},
	}
}

// Upload transfers file and returns the server's artifact reference.
// It returns ErrCancelled if Cancel was called or ctx was cancelled, otherwise
// one of *ReadError, *PrepareError, *ChunkError or *CompleteError on failure.
// Failures are also reported once through Options.OnError.
func (e *Engine) Upload(ctx context.Context, file source.File, opts Options) (*network.UploadedFile, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, errors.New("engine already used")
	}
	e.started = true
	if e.cancelled {
		e.mu.Unlock()
		return nil, ErrCancelled
	}
	e.cancel = cancel
	e.mu.Unlock()

	result, err := e.upload(ctx, file, opts)
	if err != nil {
		if e.isCancelled() || ctx.Err() != nil {
			e.logger.Debugf("Upload of %s cancelled", file.Name())
			return nil, ErrCancelled
		}

		e.logger.Warnf("Upload of %s failed: %s", file.Name(), err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return nil, err
	}

	return result, nil
}

// Pause stops workers from starting new chunks. In-flight chunks finish.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled || e.resumeCh != nil {
		return
	}
	e.resumeCh = make(chan struct{})
}

// Resume wakes paused workers.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
	}
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeCh != nil
}

// Cancel aborts the upload. It is terminal.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		return
	}
	e.cancelled = true

	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
	}
	for index, cancel := range e.inFlight {
		cancel()
		delete(e.inFlight, index)
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// CancelSession asks the server to discard a session.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) error {
	if err := e.api.Cancel(ctx, sessionID); err != nil {
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}
	return nil
}

// SessionID returns the server session id, empty until prepare completed.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *Engine) upload(ctx context.Context, file source.File, opts Options) (*network.UploadedFile, error) {
	reader, err := file.Open()
	if err != nil {
		return nil, &ReadError{Err: err}
	}
	defer func() {
		if err := reader.Close(); err != nil {
			e.logger.Warnf("close %s: %s", file.Name(), err)
		}
	}()

	e.logger.Debugf("Computing digest of %s (%s)", file.Name(), units.HumanSizeWithPrecision(float64(file.Size()), 3))
	hash, err := digest.ReaderAt(ctx, reader, file.Size(), opts.HashBlockSize)
	if err != nil {
		return nil, &ReadError{Err: err}
	}

	session, err := e.api.Prepare(ctx, network.PrepareRequest{
		FileName: file.Name(),
		FileSize: file.Size(),
		FileHash: hash,
	})
	if err != nil {
		return nil, &PrepareError{Err: err}
	}

	e.mu.Lock()
	e.sessionID = session.SessionID
	cancelled := e.cancelled
	e.mu.Unlock()
	if cancelled {
		return nil, ErrCancelled
	}

	if opts.OnPrepared != nil {
		opts.OnPrepared(session)
	}

	if session.Completed {
		e.logger.Infof("%s is already stored on the server", file.Name())
		result := &network.UploadedFile{
			FileID:       session.FinalFileID,
			FileName:     file.Name(),
			DownloadLink: session.DownloadURL,
			Size:         file.Size(),
		}
		e.finish(opts, result)
		return result, nil
	}

	chunkSize := session.ChunkSize
	if chunkSize <= 0 {
		chunkSize = opts.ChunkSize
	}
	total := session.TotalChunks
	if total <= 0 {
		total = chunkuploader.NumChunks(file.Size(), chunkSize)
	}

	toUpload := pendingChunks(total, session.UploadedChunks)

	e.progressMu.Lock()
	e.total = total
	e.completed = total - len(toUpload)
	e.progressMu.Unlock()

	if session.Resumable {
		e.logger.Infof("Resuming %s: %d of %d chunks already uploaded", file.Name(), total-len(toUpload), total)
	}

	if len(toUpload) > 0 {
		e.emitProgress(opts, -1, 0)

		provider, err := chunkuploader.NewReaderChunkProvider(reader, file.Size(), chunkSize, total)
		if err != nil {
			return nil, &ReadError{Err: err}
		}
		if err := e.transfer(ctx, session.SessionID, provider, toUpload, opts); err != nil {
			return nil, err
		}
	}

	if e.isCancelled() {
		return nil, ErrCancelled
	}

	result, err := e.api.Complete(ctx, session.SessionID)
	if err != nil {
		return nil, &CompleteError{Err: err}
	}
	if e.isCancelled() {
		return nil, ErrCancelled
	}

	e.logger.Donef("Uploaded %s (%s)", file.Name(), units.HumanSizeWithPrecision(float64(file.Size()), 3))
	e.finish(opts, result)
	return result, nil
}

func (e *Engine) transfer(ctx context.Context, sessionID string, provider chunkuploader.ChunkProvider, toUpload []int, opts Options) error {
	uploader := chunkuploader.New(chunkuploader.Config{
		MaxRetries:    opts.MaxRetries,
		RetryDelay:    opts.RetryDelay,
		HungThreshold: opts.HungThreshold,
		SendChunkHash: true,
	}, e.api, e.logger)

	work := newWorkList(toUpload)
	workers := opts.Concurrency
	if workers > len(toUpload) {
		workers = len(toUpload)
	}

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		firstErr error
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				if err := e.waitResumed(ctx); err != nil {
					return
				}

				index, ok := work.next()
				if !ok {
					return
				}

				chunkCtx, ok := e.startChunk(ctx, index)
				if !ok {
					return
				}

				_, err := uploader.UploadChunk(chunkCtx, sessionID, provider, index, func(sent, total int64) {
					if total > 0 {
						e.chunkProgress(opts, index, float64(sent)/float64(total))
					}
				})
				if owned := e.endChunk(index); !owned || ctx.Err() != nil {
					// Cancelled or aborted by another chunk's failure.
					e.dropPartial(index)
					return
				}

				if err != nil {
					e.dropPartial(index)
					failOnce.Do(func() {
						firstErr = &ChunkError{Index: index, Attempts: uploader.RetryCount(index), Err: err}
						work.clear()
						e.abortInFlight()
					})
					uploader.ResetRetries(index)
					return
				}

				e.chunkDone(opts, sessionID, index)
			}
		}()
	}

	wg.Wait()

	if stats := uploader.Stats(); stats.Chunks > 0 {
		e.logger.Debugf("Sent %s", stats)
	}

	if firstErr == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return firstErr
}

func (e *Engine) waitResumed(ctx context.Context) error {
	for {
		e.mu.Lock()
		ch := e.resumeCh
		e.mu.Unlock()

		if ch == nil {
			return ctx.Err()
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) startChunk(ctx context.Context, index int) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled || e.aborted || ctx.Err() != nil {
		return nil, false
	}

	chunkCtx, cancel := context.WithCancel(ctx)
	e.inFlight[index] = cancel
	return chunkCtx, true
}

// endChunk releases the chunk's request context. It reports false when the
// request was already aborted by Cancel or by a failing chunk.
func (e *Engine) endChunk(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.inFlight[index]
	if ok {
		cancel()
		delete(e.inFlight, index)
	}
	return ok
}

func (e *Engine) abortInFlight() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.aborted = true
	for index, cancel := range e.inFlight {
		cancel()
		delete(e.inFlight, index)
	}
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Engine) chunkProgress(opts Options, index int, ratio float64) {
	if ratio > 1 {
		ratio = 1
	}

	e.progressMu.Lock()
	defer e.progressMu.Unlock()

	e.partial[index] = 0.5 * ratio
	e.emitLocked(opts, index, ratio)
}

func (e *Engine) dropPartial(index int) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	delete(e.partial, index)
}

func (e *Engine) chunkDone(opts Options, sessionID string, index int) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()

	delete(e.partial, index)
	e.completed++
	e.emitLocked(opts, index, 1)

	if opts.OnChunkComplete != nil && !e.isCancelled() {
		opts.OnChunkComplete(ChunkEvent{
			SessionID: sessionID,
			Index:     index,
			Total:     e.total,
			Completed: e.completed,
		})
	}
}

func (e *Engine) emitProgress(opts Options, index int, ratio float64) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	e.emitLocked(opts, index, ratio)
}

func (e *Engine) emitLocked(opts Options, index int, ratio float64) {
	percent := 100.0
	if e.total > 0 {
		sum := float64(e.completed)
		for _, p := range e.partial {
			sum += p
		}
		percent = sum / float64(e.total) * 100
	}
	if percent > 100 {
		percent = 100
	}
	if percent < e.lastReported {
		percent = e.lastReported
	}
	e.lastReported = percent

	if opts.OnProgress != nil && !e.isCancelled() {
		opts.OnProgress(Progress{Percent: percent, ChunkIndex: index, ChunkRatio: ratio})
	}
}

func (e *Engine) finish(opts Options, result *network.UploadedFile) {
	e.progressMu.Lock()
	e.partial = map[int]float64{}
	e.completed = e.total
	e.lastReported = 100
	if opts.OnProgress != nil {
		opts.OnProgress(Progress{Percent: 100, ChunkIndex: -1, ChunkRatio: 1})
	}
	e.progressMu.Unlock()

	if opts.OnComplete != nil {
		opts.OnComplete(result)
	}
}

// pendingChunks returns [0, total) without the already uploaded indices.
func pendingChunks(total int, uploaded []int) []int {
	done := make(map[int]bool, len(uploaded))
	for _, index := range uploaded {
		done[index] = true
	}

	pending := make([]int, 0, total)
	for i := 0; i < total; i++ {
		if !done[i] {
			pending = append(pending, i)
		}
	}
	return pending
}

type workList struct {
	mu      sync.Mutex
	indices []int
}

func newWorkList(indices []int) *workList {
	return &workList{indices: append([]int(nil), indices...)}
}

func (w *workList) next() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.indices) == 0 {
		return 0, false
	}
	index := w.indices[0]
	w.indices = w.indices[1:]
	return index, true
}

func (w *workList) clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indices = nil
}

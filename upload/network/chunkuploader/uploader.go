package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/digest"
	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrHung is reported for an attempt that was aborted by hung detection.
var ErrHung = errors.New("chunk upload hung")

// Uploader sends single chunks of a session with retry and hung detection.
// One Uploader serves one upload session; it is safe for concurrent use by the
// workers of that session.
type Uploader struct {
	config Config
	api    network.API
	logger log.Logger
	stats  Stats

	mu      sync.Mutex
	retries map[int]int
}

// New creates a new Uploader with the given configuration.
func New(config Config, api network.API, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config:  config,
		api:     api,
		logger:  logger,
		retries: map[int]int{},
	}
}

// UploadChunk sends the chunk at index to the session, retrying failed attempts
// with exponential backoff. Cancelling ctx aborts the in-flight request and any
// pending backoff; the returned error then wraps ctx.Err().
// onProgress receives the byte progress of the current attempt and restarts from
// zero on every retry.
func (u *Uploader) UploadChunk(ctx context.Context, sessionID string, provider ChunkProvider, index int, onProgress network.ProgressFunc) (*network.ChunkResult, error) {
	data, err := provider.GetChunk(index)
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", index, err)
	}

	var hash string
	if u.config.SendChunkHash {
		hash = digest.Bytes(data)
	}

	req := network.ChunkRequest{
		SessionID: sessionID,
		Index:     index,
		Data:      data,
		Hash:      hash,
	}
	totalChunks := provider.NumChunks()

	var uploadErr error
	for attempt := 0; attempt <= u.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := u.config.Backoff(attempt)
			u.logger.Debugf("Retrying chunk %d in %s (retry %d/%d)", index, backoff, attempt, u.config.MaxRetries)
			if err := wait(ctx, backoff); err != nil {
				return nil, fmt.Errorf("chunk %d upload cancelled: %w", index, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("chunk %d upload cancelled: %w", index, err)
		}

		u.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [%s]",
			index+1, totalChunks, attempt+1, u.config.MaxRetries+1, u.stats.Snapshot())

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)
		hung := make(chan struct{})

		// The last attempt runs without hung detection.
		if attempt < u.config.MaxRetries && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, hung, start, index)
		}

		var result *network.ChunkResult
		result, uploadErr = u.api.UploadChunk(chunkCtx, req, onProgress)
		cancelChunk()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.record(took, int64(len(data)))
			u.resetRetries(index)
			u.logger.Debugf("Chunk %d uploaded in %v", index, took.Round(time.Millisecond))
			return result, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("chunk %d upload cancelled: %w", index, err)
		}

		select {
		case <-hung:
			uploadErr = fmt.Errorf("%w: %s", ErrHung, uploadErr)
		default:
		}

		u.recordRetry(index)
		u.logger.Warnf("Chunk %d attempt %d failed: %s", index, attempt+1, uploadErr)
	}

	return nil, fmt.Errorf("upload chunk %d: %w", index, uploadErr)
}

// RetryCount returns the number of failed attempts of the chunk since its last success.
func (u *Uploader) RetryCount(index int) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.retries[index]
}

// ResetRetries forgets the failed attempts of a chunk.
func (u *Uploader) ResetRetries(index int) {
	u.resetRetries(index)
}

// Stats returns the totals of the successful chunk requests.
func (u *Uploader) Stats() Snapshot {
	return u.stats.Snapshot()
}

func (u *Uploader) recordRetry(index int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.retries[index]++
}

func (u *Uploader) resetRetries(index int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.retries, index)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, hung chan<- struct{}, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if snapshot := u.stats.Snapshot(); snapshot.Chunks > 0 {
				elapsed := time.Since(start)
				avg := snapshot.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index, elapsed.Round(time.Second), avg.Round(time.Second))
					close(hung)
					cancel()
					return
				}
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

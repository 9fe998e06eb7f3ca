package chunkuploader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/network"
)

type fakeAPI struct {
	mu       sync.Mutex
	attempts map[int]int
	hashes   map[int]string
	// failures is the number of failed attempts per chunk before success; -1 always fails.
	failures int
	block    chan struct{}
	calls    int32
}

func newFakeAPI(failures int) *fakeAPI {
	return &fakeAPI{attempts: map[int]int{}, hashes: map[int]string{}, failures: failures}
}

func (f *fakeAPI) Prepare(context.Context, network.PrepareRequest) (*network.Session, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) UploadChunk(ctx context.Context, req network.ChunkRequest, progress network.ProgressFunc) (*network.ChunkResult, error) {
	atomic.AddInt32(&f.calls, 1)

	f.mu.Lock()
	f.attempts[req.Index]++
	attempt := f.attempts[req.Index]
	f.hashes[req.Index] = req.Hash
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.block:
		}
	}

	if f.failures < 0 || attempt <= f.failures {
		return nil, errors.New("temporary error")
	}

	if progress != nil {
		progress(int64(len(req.Data)), int64(len(req.Data)))
	}
	return &network.ChunkResult{SessionID: req.SessionID, ChunkIndex: req.Index, Success: true}, nil
}

func (f *fakeAPI) Complete(context.Context, string) (*network.UploadedFile, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) Cancel(context.Context, string) error {
	return nil
}

func testConfig() Config {
	config := DefaultConfig()
	config.RetryDelay = time.Millisecond
	config.HungThreshold = 0
	return config
}

func TestUploader_UploadChunk_Success(t *testing.T) {
	api := newFakeAPI(0)
	provider := NewByteSliceChunkProvider([][]byte{[]byte("chunk0"), []byte("chunk1")})
	uploader := New(testConfig(), api, nil)

	var sent, total int64
	result, err := uploader.UploadChunk(context.Background(), "session-1", provider, 1, func(s, t int64) {
		sent, total = s, t
	})
	if err != nil {
		t.Fatalf("UploadChunk failed: %v", err)
	}

	if result.ChunkIndex != 1 || !result.Success {
		t.Errorf("unexpected result: %+v", result)
	}
	if sent != total || total != int64(len("chunk1")) {
		t.Errorf("progress: sent=%d total=%d", sent, total)
	}
	if api.hashes[1] == "" {
		t.Error("expected chunk hash to be sent")
	}
	if stats := uploader.Stats(); stats.Chunks != 1 || stats.Bytes != 6 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestUploader_UploadChunk_WithoutHash(t *testing.T) {
	api := newFakeAPI(0)
	config := testConfig()
	config.SendChunkHash = false
	uploader := New(config, api, nil)

	if _, err := uploader.UploadChunk(context.Background(), "s", NewByteSliceChunkProvider([][]byte{[]byte("x")}), 0, nil); err != nil {
		t.Fatalf("UploadChunk failed: %v", err)
	}
	if api.hashes[0] != "" {
		t.Errorf("expected no chunk hash, got %q", api.hashes[0])
	}
}

func TestUploader_UploadChunk_RetryThenSuccess(t *testing.T) {
	api := newFakeAPI(2)
	uploader := New(testConfig(), api, nil)
	provider := NewByteSliceChunkProvider([][]byte{[]byte("data")})

	if _, err := uploader.UploadChunk(context.Background(), "s", provider, 0, nil); err != nil {
		t.Fatalf("UploadChunk failed: %v", err)
	}

	if got := atomic.LoadInt32(&api.calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if got := uploader.RetryCount(0); got != 0 {
		t.Errorf("retry count should reset on success, got %d", got)
	}
}

func TestUploader_UploadChunk_ExhaustsRetries(t *testing.T) {
	api := newFakeAPI(-1)
	config := testConfig()
	config.MaxRetries = 3
	uploader := New(config, api, nil)

	_, err := uploader.UploadChunk(context.Background(), "s", NewByteSliceChunkProvider([][]byte{[]byte("data")}), 0, nil)
	if err == nil {
		t.Fatal("expected error")
	}

	if got := atomic.LoadInt32(&api.calls); got != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", got)
	}
	if got := uploader.RetryCount(0); got != 4 {
		t.Errorf("expected retry count 4, got %d", got)
	}

	uploader.ResetRetries(0)
	if got := uploader.RetryCount(0); got != 0 {
		t.Errorf("expected retry count 0 after reset, got %d", got)
	}
}

func TestUploader_UploadChunk_CancelDuringBackoff(t *testing.T) {
	api := newFakeAPI(-1)
	config := testConfig()
	config.RetryDelay = time.Hour
	uploader := New(config, api, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := uploader.UploadChunk(ctx, "s", NewByteSliceChunkProvider([][]byte{[]byte("data")}), 0, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff was not interrupted by cancellation")
	}
	if got := atomic.LoadInt32(&api.calls); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestUploader_UploadChunk_CancelInFlight(t *testing.T) {
	api := newFakeAPI(0)
	api.block = make(chan struct{})
	uploader := New(testConfig(), api, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := uploader.UploadChunk(ctx, "s", NewByteSliceChunkProvider([][]byte{[]byte("data")}), 0, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request was not aborted")
	}
}

func TestUploader_UploadChunk_ProviderError(t *testing.T) {
	api := newFakeAPI(0)
	uploader := New(testConfig(), api, nil)

	_, err := uploader.UploadChunk(context.Background(), "s", NewByteSliceChunkProvider(nil), 0, nil)
	if err == nil {
		t.Fatal("expected error for out of range chunk")
	}
	if got := atomic.LoadInt32(&api.calls); got != 0 {
		t.Errorf("expected no request, got %d", got)
	}
}

func TestConfig_Backoff(t *testing.T) {
	config := DefaultConfig()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := config.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestStats(t *testing.T) {
	var stats Stats

	empty := stats.Snapshot()
	if empty.Average() != 0 || empty.Throughput() != 0 {
		t.Errorf("Expected zero average and throughput for empty stats, got %v and %v", empty.Average(), empty.Throughput())
	}

	stats.record(100*time.Millisecond, 10)
	stats.record(200*time.Millisecond, 20)
	stats.record(300*time.Millisecond, 30)

	snapshot := stats.Snapshot()
	if snapshot.Chunks != 3 {
		t.Errorf("Expected 3 finished chunks, got %d", snapshot.Chunks)
	}
	if avg := snapshot.Average(); avg != 200*time.Millisecond {
		t.Errorf("Expected 200ms average, got %v", avg)
	}
	if snapshot.Busy != 600*time.Millisecond {
		t.Errorf("Expected 600ms busy time, got %v", snapshot.Busy)
	}
	if snapshot.Bytes != 60 {
		t.Errorf("Expected 60 bytes, got %d", snapshot.Bytes)
	}
	if rate := snapshot.Throughput(); rate != 100 {
		t.Errorf("Expected 100 B/s, got %v", rate)
	}
	if got := snapshot.String(); got != "3 chunks, 60B, 200ms/chunk, 100B/s per request" {
		t.Errorf("unexpected summary %q", got)
	}

	stats.record(0, 1)
	if snapshot.Chunks != 3 {
		t.Errorf("Expected snapshot to be a copy")
	}
}

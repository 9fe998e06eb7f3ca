package resumable

import (
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/digest"
	"github.com/bitrise-io/go-uploadqueue/upload/network"
)

const (
	// DefaultConcurrency is the number of parallel chunk workers.
	DefaultConcurrency = 3
	// DefaultMaxRetries is the number of retries after the first attempt of a chunk.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the base of the exponential retry backoff.
	DefaultRetryDelay = time.Second
	// DefaultChunkSize is used when the server does not dictate a chunk size.
	DefaultChunkSize = 10 * 1024 * 1024
)

// Progress is reported whenever the overall upload progress changes.
type Progress struct {
	// Percent of the file confirmed by the server, 0-100. Non-decreasing.
	Percent float64
	// ChunkIndex is the chunk that triggered the report, -1 for session level reports.
	ChunkIndex int
	// ChunkRatio is the sent ratio (0-1) of the reporting chunk's request.
	ChunkRatio float64
}

// ChunkEvent is reported after the server confirmed a chunk.
type ChunkEvent struct {
	SessionID string
	Index     int
	Total     int
	Completed int
}

// Options configure a single upload. Zero values select the defaults.
type Options struct {
	Concurrency int
	// MaxRetries is the number of retries after the first attempt of a chunk.
	// A negative value disables retries.
	MaxRetries int
	RetryDelay time.Duration
	// ChunkSize is used only when the server does not send one.
	ChunkSize     int64
	HashBlockSize int64
	// HungThreshold enables hung request detection when positive.
	HungThreshold time.Duration

	OnPrepared      func(session *network.Session)
	OnProgress      func(progress Progress)
	OnChunkComplete func(event ChunkEvent)
	OnComplete      func(file *network.UploadedFile)
	OnError         func(err error)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.HashBlockSize <= 0 {
		o.HashBlockSize = digest.DefaultBlockSize
	}
	return o
}

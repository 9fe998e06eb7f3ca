package queue

import (
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/bandwidth"
	"github.com/bitrise-io/go-uploadqueue/upload/kv"
	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-uploadqueue/upload/resumable"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultMaxConcurrent is the number of tasks uploading at the same time.
	DefaultMaxConcurrent = 3
	// DefaultPriority is used when a task is added with priority 0.
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
	// MaxAttempts is the number of failed attempts after which a task fails terminally.
	MaxAttempts = 3
	// StorageKey is the key task records are persisted under.
	StorageKey = "upload_queue"

	minChunkConcurrency = 1
	maxChunkConcurrency = 5

	defaultDiscardRetries   = 2
	defaultDiscardRetryWait = time.Second
)

// Options configure a Queue.
type Options struct {
	MaxConcurrent int
	// AutoStart starts processing on construction.
	AutoStart bool
	// Persist saves task records to Store after every mutation.
	Persist bool
	Store   kv.Store
	// MaxBandwidth in bytes per second enables adaptive chunk concurrency when positive.
	MaxBandwidth float64

	OnTaskComplete func(task Task)
	OnTaskFailed   func(task Task, err error)
	OnQueueUpdate  func(tasks []Task)

	// Client backs the default engine factory.
	Client network.API
	// NewEngine overrides the engine factory.
	NewEngine EngineFactory
	// UploadOptions are the defaults of every task's upload options.
	UploadOptions resumable.Options

	// DiscardRetries and DiscardRetryWait control the best-effort server side
	// session discard of cancelled tasks.
	DiscardRetries   uint
	DiscardRetryWait time.Duration

	Monitor *bandwidth.Monitor
	Logger  log.Logger
	Now     func() time.Time
}

// DefaultOptions returns options with processing started on construction and
// persistence to an in-memory store.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: DefaultMaxConcurrent,
		AutoStart:     true,
		Persist:       true,
		Store:         kv.NewMemoryStore(),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.DiscardRetries == 0 {
		o.DiscardRetries = defaultDiscardRetries
	}
	if o.DiscardRetryWait <= 0 {
		o.DiscardRetryWait = defaultDiscardRetryWait
	}
	if o.Monitor == nil {
		o.Monitor = bandwidth.NewMonitor()
	}
	if o.Logger == nil {
		o.Logger = log.NewLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewEngine == nil && o.Client != nil {
		client, logger := o.Client, o.Logger
		o.NewEngine = func() Engine {
			return resumable.New(client, logger)
		}
	}
	return o
}

// mergeUploadOptions overlays the non-zero fields of task on base.
func mergeUploadOptions(base, task resumable.Options) resumable.Options {
	merged := base
	if task.Concurrency != 0 {
		merged.Concurrency = task.Concurrency
	}
	if task.MaxRetries != 0 {
		merged.MaxRetries = task.MaxRetries
	}
	if task.RetryDelay != 0 {
		merged.RetryDelay = task.RetryDelay
	}
	if task.ChunkSize != 0 {
		merged.ChunkSize = task.ChunkSize
	}
	if task.HashBlockSize != 0 {
		merged.HashBlockSize = task.HashBlockSize
	}
	if task.HungThreshold != 0 {
		merged.HungThreshold = task.HungThreshold
	}
	merged.OnPrepared = task.OnPrepared
	merged.OnProgress = task.OnProgress
	merged.OnChunkComplete = task.OnChunkComplete
	merged.OnComplete = task.OnComplete
	merged.OnError = task.OnError
	return merged
}

func clampPriority(priority int) int {
	switch {
	case priority == 0:
		return DefaultPriority
	case priority < MinPriority:
		return MinPriority
	case priority > MaxPriority:
		return MaxPriority
	}
	return priority
}

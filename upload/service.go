// Package upload wires the upload client, persistence store and queue from
// an environment driven Config.
package upload

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-uploadqueue/upload/kv"
	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-uploadqueue/upload/queue"
	"github.com/bitrise-io/go-uploadqueue/upload/resumable"
	"github.com/bitrise-io/go-uploadqueue/upload/source"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

// Service is a configured upload queue.
type Service struct {
	Client  *network.Client
	Queue   *queue.Queue
	Sources *source.Provider
	Store   kv.Store
	logger  log.Logger
	tracker *uploadTracker
}

// NewService creates the client, store and queue described by cfg. Callbacks
// and other settings not covered by Config are taken from opts.
func NewService(ctx context.Context, cfg Config, opts queue.Options, logger log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.NewLogger()
	}

	var tracker *uploadTracker
	if cfg.Analytics {
		t := newUploadTracker(env.NewRepository(), logger)
		tracker = &t
	}
	return newService(ctx, cfg, opts, logger, tracker)
}

func newService(ctx context.Context, cfg Config, opts queue.Options, logger log.Logger, tracker *uploadTracker) (*Service, error) {

	client, err := network.NewClient(network.ClientParams{
		BaseURL:    cfg.APIURL,
		Token:      string(cfg.APIToken),
		MaxRetries: cfg.ClientRetries(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create upload client: %w", err)
	}

	store, err := NewStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts.MaxConcurrent = cfg.MaxConcurrent
	opts.MaxBandwidth = cfg.MaxBandwidth
	opts.Persist = cfg.Persist
	opts.Store = store
	opts.Client = client
	opts.UploadOptions = cfg.UploadOptions()
	opts.Logger = logger
	if tracker != nil {
		opts.OnTaskComplete = trackCompleted(tracker, opts.OnTaskComplete)
		opts.OnTaskFailed = trackFailed(tracker, opts.OnTaskFailed)
	}

	q, err := queue.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create upload queue: %w", err)
	}

	return &Service{
		Client:  client,
		Queue:   q,
		Sources: source.NewProvider(http.DefaultClient, pathutil.NewPathProvider(), pathutil.NewPathModifier(), logger),
		Store:   store,
		logger:  logger,
		tracker: tracker,
	}, nil
}

func trackCompleted(tracker *uploadTracker, next func(queue.Task)) func(queue.Task) {
	return func(task queue.Task) {
		tracker.logTaskCompleted(task)
		if next != nil {
			next(task)
		}
	}
}

func trackFailed(tracker *uploadTracker, next func(queue.Task, error)) func(queue.Task, error) {
	return func(task queue.Task, err error) {
		tracker.logTaskFailed(task, err)
		if next != nil {
			next(task, err)
		}
	}
}

// Close stops processing and flushes pending analytics events.
func (s *Service) Close() {
	s.Queue.Stop()
	if s.tracker != nil {
		s.tracker.wait()
	}
}

// NewStore creates the persistence backend selected by cfg.Store.
func NewStore(ctx context.Context, cfg Config, logger log.Logger) (kv.Store, error) {
	switch cfg.Store {
	case StoreFile:
		store, err := kv.NewFileStore(cfg.StoreDir, logger)
		if err != nil {
			return nil, fmt.Errorf("create file store: %w", err)
		}
		return store, nil
	case StoreS3:
		store, err := kv.NewS3Store(ctx, kv.S3Params{
			Bucket:          cfg.StoreBucket,
			Region:          cfg.StoreRegion,
			Endpoint:        cfg.StoreEndpoint,
			AccessKeyID:     string(cfg.AWSAccessKeyID),
			SecretAccessKey: string(cfg.AWSSecretAccessKey),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 store: %w", err)
		}
		return store, nil
	case StoreMemory, "":
		return kv.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// AddFiles expands the glob patterns, resolves local and remote locations and
// enqueues the files. Locations that cannot be resolved are skipped with a warning.
func (s *Service) AddFiles(ctx context.Context, patterns []string, priority int) ([]string, error) {
	locations, err := s.Sources.Expand(patterns)
	if err != nil {
		return nil, fmt.Errorf("expand patterns: %w", err)
	}

	var files []source.File
	var totalSize int64
	for _, location := range locations {
		file, err := s.Sources.File(ctx, location)
		if err != nil {
			s.logger.Warnf("Skipping %s: %s", location, err)
			continue
		}
		files = append(files, file)
		totalSize += file.Size()
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no files matched %v", patterns)
	}

	s.logger.Infof("Queueing %d files (%s)", len(files), units.HumanSizeWithPrecision(float64(totalSize), 3))
	return s.Queue.AddBatch(files, priority, resumable.Options{}), nil
}

// Sessions lists the server side sessions of the current user.
func (s *Service) Sessions(ctx context.Context) ([]network.SessionInfo, error) {
	return s.Client.ListSessions(ctx)
}

// DiscardSessions deletes server side sessions.
func (s *Service) DiscardSessions(ctx context.Context, ids []string) error {
	return s.Client.DeleteSessions(ctx, ids)
}

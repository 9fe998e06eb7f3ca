package upload

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/queue"
	"github.com/bitrise-io/go-uploadqueue/upload/resumable"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment variables read by NewConfig.
const (
	EnvAPIURL             = "UPLOAD_API_URL"
	EnvAPIToken           = "UPLOAD_API_TOKEN"
	EnvMaxConcurrent      = "UPLOAD_MAX_CONCURRENT"
	EnvChunkConcurrency   = "UPLOAD_CHUNK_CONCURRENCY"
	EnvMaxRetries         = "UPLOAD_MAX_RETRIES"
	EnvRetryDelayMS       = "UPLOAD_RETRY_DELAY_MS"
	EnvMaxBandwidth       = "UPLOAD_MAX_BANDWIDTH"
	EnvPersist            = "UPLOAD_PERSIST"
	EnvStore              = "UPLOAD_STORE"
	EnvStoreDir           = "UPLOAD_STORE_DIR"
	EnvStoreBucket        = "UPLOAD_STORE_BUCKET"
	EnvStoreRegion        = "UPLOAD_STORE_REGION"
	EnvStoreEndpoint      = "UPLOAD_STORE_ENDPOINT"
	EnvAnalytics          = "UPLOAD_ANALYTICS"
	EnvAWSAccessKeyID     = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
)

// StoreKind selects the persistence backend of the queue.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreS3     StoreKind = "s3"
)

// Secret is a string that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config is the environment driven configuration of the uploader.
type Config struct {
	APIURL   string
	APIToken Secret

	MaxConcurrent    int
	ChunkConcurrency int
	MaxRetries       int
	RetryDelay       time.Duration
	// MaxBandwidth in bytes per second, 0 disables adaptive chunk concurrency.
	MaxBandwidth float64
	Persist      bool

	Store              StoreKind
	StoreDir           string
	StoreBucket        string
	StoreRegion        string
	StoreEndpoint      string
	AWSAccessKeyID     Secret
	AWSSecretAccessKey Secret

	// Analytics enables tracking of task outcomes.
	Analytics bool
}

// NewConfig reads the configuration from the environment.
func NewConfig(envRepo env.Repository) (Config, error) {
	cfg := Config{
		APIURL:             envRepo.Get(EnvAPIURL),
		APIToken:           Secret(envRepo.Get(EnvAPIToken)),
		MaxConcurrent:      queue.DefaultMaxConcurrent,
		ChunkConcurrency:   resumable.DefaultConcurrency,
		MaxRetries:         resumable.DefaultMaxRetries,
		RetryDelay:         resumable.DefaultRetryDelay,
		Persist:            true,
		Store:              StoreMemory,
		StoreDir:           envRepo.Get(EnvStoreDir),
		StoreBucket:        envRepo.Get(EnvStoreBucket),
		StoreRegion:        envRepo.Get(EnvStoreRegion),
		StoreEndpoint:      envRepo.Get(EnvStoreEndpoint),
		AWSAccessKeyID:     Secret(envRepo.Get(EnvAWSAccessKeyID)),
		AWSSecretAccessKey: Secret(envRepo.Get(EnvAWSSecretAccessKey)),
	}

	if cfg.APIURL == "" {
		return Config{}, fmt.Errorf("the variable '%s' is not defined", EnvAPIURL)
	}

	var err error
	if cfg.MaxConcurrent, err = positiveInt(envRepo, EnvMaxConcurrent, cfg.MaxConcurrent); err != nil {
		return Config{}, err
	}
	if cfg.ChunkConcurrency, err = positiveInt(envRepo, EnvChunkConcurrency, cfg.ChunkConcurrency); err != nil {
		return Config{}, err
	}

	if value := envRepo.Get(EnvMaxRetries); value != "" {
		retries, err := strconv.Atoi(value)
		if err != nil || retries < 0 {
			return Config{}, fmt.Errorf("'%s' must be a non-negative integer, got %q", EnvMaxRetries, value)
		}
		cfg.MaxRetries = retries
	}

	if value := envRepo.Get(EnvRetryDelayMS); value != "" {
		ms, err := strconv.Atoi(value)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("'%s' must be a positive integer, got %q", EnvRetryDelayMS, value)
		}
		cfg.RetryDelay = time.Duration(ms) * time.Millisecond
	}

	if value := envRepo.Get(EnvMaxBandwidth); value != "" {
		bandwidth, err := units.FromHumanSize(value)
		if err != nil || bandwidth < 0 {
			return Config{}, fmt.Errorf("'%s' must be a size per second such as 10MB, got %q", EnvMaxBandwidth, value)
		}
		cfg.MaxBandwidth = float64(bandwidth)
	}

	if value := envRepo.Get(EnvPersist); value != "" {
		persist, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("'%s' must be a boolean, got %q", EnvPersist, value)
		}
		cfg.Persist = persist
	}

	if value := envRepo.Get(EnvAnalytics); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("'%s' must be a boolean, got %q", EnvAnalytics, value)
		}
		cfg.Analytics = enabled
	}

	if value := envRepo.Get(EnvStore); value != "" {
		cfg.Store = StoreKind(strings.ToLower(value))
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreFile:
		if cfg.StoreDir == "" {
			return Config{}, fmt.Errorf("the variable '%s' is required for the %s store", EnvStoreDir, cfg.Store)
		}
	case StoreS3:
		if cfg.StoreBucket == "" {
			return Config{}, fmt.Errorf("the variable '%s' is required for the %s store", EnvStoreBucket, cfg.Store)
		}
		if cfg.StoreRegion == "" {
			return Config{}, fmt.Errorf("the variable '%s' is required for the %s store", EnvStoreRegion, cfg.Store)
		}
	default:
		return Config{}, fmt.Errorf("'%s' must be one of memory, file or s3, got %q", EnvStore, cfg.Store)
	}

	return cfg, nil
}

// ClientRetries returns the control request retry count of the upload client.
// An explicit 0 disables retries instead of selecting the client default.
func (c Config) ClientRetries() int {
	if c.MaxRetries == 0 {
		return -1
	}
	return c.MaxRetries
}

// UploadOptions returns the per upload engine settings.
func (c Config) UploadOptions() resumable.Options {
	maxRetries := c.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	return resumable.Options{
		Concurrency: c.ChunkConcurrency,
		MaxRetries:  maxRetries,
		RetryDelay:  c.RetryDelay,
	}
}

func positiveInt(envRepo env.Repository, key string, fallback int) (int, error) {
	value := envRepo.Get(key)
	if value == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("'%s' must be a positive integer, got %q", key, value)
	}
	return n, nil
}

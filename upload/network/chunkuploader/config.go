package chunkuploader

import (
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// MaxRetries is the number of retries after the first failed attempt of a chunk.
	// Default: 3
	MaxRetries int

	// RetryDelay is the base of the exponential backoff between attempts:
	// RetryDelay * 2^(retry-1).
	// Default: 1 second
	RetryDelay time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. 0 disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// SendChunkHash attaches a digest of every chunk so the server can verify it.
	// Default: true
	SendChunkHash bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		HungThreshold: 30 * time.Second,
		SendChunkHash: true,
	}
}

// Backoff returns the wait before the given retry (1 based).
func (c Config) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	return c.RetryDelay * time.Duration(1<<uint(retry-1))
}

package resumable

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-uploadqueue/upload/network"
)

// ErrCancelled is returned by Upload when the upload was cancelled.
// Cancellation is not a failure and is never reported through OnError.
var ErrCancelled = errors.New("upload cancelled")

// ReadError reports that the file content could not be read.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read file: %s", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// PrepareError reports a failed upload session negotiation.
type PrepareError struct {
	Err error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare upload: %s", e.Err)
}

func (e *PrepareError) Unwrap() error {
	return e.Err
}

// Message returns the server provided failure message, if any.
func (e *PrepareError) Message() string {
	return serverMessage(e.Err)
}

// ChunkError reports a chunk that could not be transferred.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("upload chunk %d failed after %d attempts: %s", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// CompleteError reports that the server refused to finalize the upload.
type CompleteError struct {
	Err error
}

func (e *CompleteError) Error() string {
	return fmt.Sprintf("complete upload: %s", e.Err)
}

func (e *CompleteError) Unwrap() error {
	return e.Err
}

// Message returns the server provided failure message, if any.
func (e *CompleteError) Message() string {
	return serverMessage(e.Err)
}

func serverMessage(err error) string {
	var apiErr *network.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

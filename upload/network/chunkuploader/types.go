// Package chunkuploader transfers single chunks of a resumable upload session.
// It supports progress reporting, hung request detection and retries with
// exponential backoff.
package chunkuploader

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns the bytes of the chunk at the given index.
	// For retries, GetChunk may be called multiple times for the same index.
	GetChunk(index int) ([]byte, error)
}

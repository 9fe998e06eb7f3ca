package chunkuploader

import (
	"fmt"
	"io"
)

// ReaderChunkProvider reads fixed size chunks from random access content.
// Safe for parallel chunk reads when the underlying io.ReaderAt is.
type ReaderChunkProvider struct {
	reader    io.ReaderAt
	size      int64
	chunkSize int64
	numChunks int
}

// NewReaderChunkProvider creates a ChunkProvider over size bytes of reader.
// numChunks overrides the chunk count derived from size and chunkSize when positive.
func NewReaderChunkProvider(reader io.ReaderAt, size, chunkSize int64, numChunks int) (*ReaderChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if numChunks <= 0 {
		numChunks = NumChunks(size, chunkSize)
	}

	return &ReaderChunkProvider{
		reader:    reader,
		size:      size,
		chunkSize: chunkSize,
		numChunks: numChunks,
	}, nil
}

// NumChunks returns ceil(size / chunkSize).
func NumChunks(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// NumChunks returns the total number of chunks.
func (p *ReaderChunkProvider) NumChunks() int {
	return p.numChunks
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ReaderChunkProvider) ChunkSize(index int) int64 {
	start := int64(index) * p.chunkSize
	if index < 0 || start >= p.size {
		return 0
	}
	end := start + p.chunkSize
	if end > p.size {
		end = p.size
	}
	return end - start
}

// GetChunk reads the byte range [index*chunkSize, min((index+1)*chunkSize, size)).
func (p *ReaderChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= p.numChunks {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.numChunks)
	}

	size := p.ChunkSize(index)
	offset := int64(index) * p.chunkSize
	chunk := make([]byte, size)
	n, err := p.reader.ReadAt(chunk, offset)
	if int64(n) < size {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}

	return chunk, nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return p.chunks[index], nil
}

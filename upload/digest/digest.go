// Package digest computes content digests of files too large to hold in memory.
package digest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// DefaultBlockSize is the size of the sub-chunks fed into the hash.
const DefaultBlockSize = 2 * 1024 * 1024

// NewHash creates the hash used by the upload API to identify content.
var NewHash = func() hash.Hash { return md5.New() }

// ReaderAt computes the hex encoded digest of the first size bytes of r,
// reading blockSize bytes at a time. Cancellation is checked between blocks.
func ReaderAt(ctx context.Context, r io.ReaderAt, size, blockSize int64) (string, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	h := NewHash()
	buf := make([]byte, blockSize)
	for offset := int64(0); offset < size; offset += blockSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n := blockSize
		if remaining := size - offset; remaining < n {
			n = remaining
		}

		read, err := r.ReadAt(buf[:n], offset)
		if int64(read) < n {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("read block at offset %d: %w", offset, err)
		}

		h.Write(buf[:n])
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Bytes returns the hex encoded digest of data.
func Bytes(data []byte) string {
	h := NewHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

package network

import (
	"bytes"
	"sync"
)

// progressReader reports how much of an in-memory request body has been read
// by the transport.
type progressReader struct {
	reader   *bytes.Reader
	total    int64
	sent     int64
	progress ProgressFunc
	mu       sync.Mutex
}

func newProgressReader(data []byte, progress ProgressFunc) *progressReader {
	return &progressReader{
		reader:   bytes.NewReader(data),
		total:    int64(len(data)),
		progress: progress,
	}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 && r.progress != nil {
		r.mu.Lock()
		r.sent += int64(n)
		sent := r.sent
		r.mu.Unlock()
		r.progress(sent, r.total)
	}
	return n, err
}

// Len lets retryablehttp set the request content length.
func (r *progressReader) Len() int {
	return r.reader.Len()
}

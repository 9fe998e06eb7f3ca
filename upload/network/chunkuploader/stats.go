package chunkuploader

import (
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// Snapshot is the accumulated outcome of the chunks sent so far.
type Snapshot struct {
	Chunks int64
	Bytes  int64
	// Busy is the summed request time of the successful chunks. Parallel
	// requests overlap, so it can exceed the wall clock time.
	Busy time.Duration
}

// Average is the mean request time of one chunk, 0 before the first chunk.
func (s Snapshot) Average() time.Duration {
	if s.Chunks == 0 {
		return 0
	}
	return s.Busy / time.Duration(s.Chunks)
}

// Throughput is the per-request rate in bytes per second.
func (s Snapshot) Throughput() float64 {
	if s.Busy <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Busy.Seconds()
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%d chunks, %s, %s/chunk, %s/s per request", s.Chunks,
		units.HumanSizeWithPrecision(float64(s.Bytes), 3), s.Average().Round(time.Millisecond),
		units.HumanSizeWithPrecision(s.Throughput(), 3))
}

// Stats accumulates successful chunk requests. The average request time feeds
// hung detection.
type Stats struct {
	mu       sync.Mutex
	snapshot Snapshot
}

func (s *Stats) record(took time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot.Chunks++
	s.snapshot.Bytes += size
	s.snapshot.Busy += took
}

// Snapshot returns a copy of the current totals.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

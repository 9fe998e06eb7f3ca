// Package bandwidth estimates upload throughput from progress samples.
package bandwidth

import (
	"sync"
	"time"
)

const (
	// WindowSize is the number of samples kept by the Monitor.
	WindowSize = 10
	// RateSamples is the number of most recent samples used for the rate.
	RateSamples = 5
)

// Sample is a cumulative byte count observed at a point in time.
type Sample struct {
	Time  time.Time
	Bytes float64
}

// Monitor is a sliding-window throughput estimator.
// It is safe for concurrent use.
type Monitor struct {
	samples []Sample
	now     func() time.Time
	mu      sync.Mutex
}

// NewMonitor creates a Monitor using the wall clock.
func NewMonitor() *Monitor {
	return NewMonitorWithClock(time.Now)
}

// NewMonitorWithClock creates a Monitor reading timestamps from now.
func NewMonitorWithClock(now func() time.Time) *Monitor {
	return &Monitor{
		samples: make([]Sample, 0, WindowSize+1),
		now:     now,
	}
}

// RecordProgress records that percent of totalBytes has been transferred.
func (m *Monitor) RecordProgress(percent float64, totalBytes int64) {
	bytes := percent / 100 * float64(totalBytes)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, Sample{Time: m.now(), Bytes: bytes})
	if len(m.samples) > WindowSize {
		m.samples = m.samples[1:]
	}
}

// Current returns the throughput in bytes/second over the most recent samples.
// It is 0 until at least two samples exist.
func (m *Monitor) Current() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.samples
	if len(recent) > RateSamples {
		recent = recent[len(recent)-RateSamples:]
	}
	if len(recent) < 2 {
		return 0
	}

	first := recent[0]
	last := recent[len(recent)-1]
	elapsed := last.Time.Sub(first.Time).Seconds()
	if elapsed <= 0 {
		return 0
	}

	rate := (last.Bytes - first.Bytes) / elapsed
	if rate < 0 {
		return 0
	}
	return rate
}

// Samples returns a copy of the retained samples, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Reset drops every sample.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
}

package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestMonitor() (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMonitorWithClock(clock.now), clock
}

func TestMonitor_CurrentWithoutEnoughSamples(t *testing.T) {
	m, _ := newTestMonitor()
	assert.Equal(t, 0.0, m.Current())

	m.RecordProgress(10, 1000)
	assert.Equal(t, 0.0, m.Current())
}

func TestMonitor_CurrentConvergesToRate(t *testing.T) {
	m, clock := newTestMonitor()

	// 1% of 100 000 bytes per second = 1000 B/s
	for i := 0; i <= 20; i++ {
		m.RecordProgress(float64(i), 100_000)
		clock.advance(time.Second)
	}

	assert.InDelta(t, 1000.0, m.Current(), 0.0001)
}

func TestMonitor_UsesOnlyMostRecentSamples(t *testing.T) {
	m, clock := newTestMonitor()

	// slow start
	for i := 0; i < 5; i++ {
		m.RecordProgress(float64(i), 1000)
		clock.advance(time.Second)
	}
	// fast finish: 10 bytes per second -> 100 bytes per second
	for i := 0; i < 5; i++ {
		m.RecordProgress(float64(10+i*10), 1000)
		clock.advance(time.Second)
	}

	assert.InDelta(t, 100.0, m.Current(), 0.0001)
}

func TestMonitor_WindowEviction(t *testing.T) {
	m, clock := newTestMonitor()
	for i := 0; i < 25; i++ {
		m.RecordProgress(float64(i), 100)
		clock.advance(time.Millisecond)
	}

	samples := m.Samples()
	require.Len(t, samples, WindowSize)
	assert.Equal(t, 15.0, samples[0].Bytes)
	assert.Equal(t, 24.0, samples[len(samples)-1].Bytes)
}

func TestMonitor_ZeroOrNegativeDelta(t *testing.T) {
	tests := []struct {
		name   string
		record func(m *Monitor, clock *fakeClock)
	}{
		{
			name: "same timestamp",
			record: func(m *Monitor, _ *fakeClock) {
				m.RecordProgress(10, 1000)
				m.RecordProgress(50, 1000)
			},
		},
		{
			name: "clock going backwards",
			record: func(m *Monitor, clock *fakeClock) {
				m.RecordProgress(10, 1000)
				clock.advance(-time.Second)
				m.RecordProgress(50, 1000)
			},
		},
		{
			name: "bytes going backwards",
			record: func(m *Monitor, clock *fakeClock) {
				m.RecordProgress(90, 1000)
				clock.advance(time.Second)
				m.RecordProgress(10, 1000)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock := newTestMonitor()
			tt.record(m, clock)
			assert.Equal(t, 0.0, m.Current())
		})
	}
}

func TestMonitor_Reset(t *testing.T) {
	m, clock := newTestMonitor()
	m.RecordProgress(1, 100)
	clock.advance(time.Second)
	m.RecordProgress(2, 100)
	require.NotZero(t, m.Current())

	m.Reset()
	assert.Empty(t, m.Samples())
	assert.Equal(t, 0.0, m.Current())
}

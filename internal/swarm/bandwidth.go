package swarm

import (
	"sync"
	"time"
)

type sample struct {
	at    time.Time
	bytes int64
}

// bandwidthMeter sums traffic samples over a sliding window.
type bandwidthMeter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int64
	samples []sample
}

// newBandwidthMeter converts a megabit per second budget into a byte limit
// for the window. A non-positive budget disables the limit.
func newBandwidthMeter(mbps float64, window time.Duration) *bandwidthMeter {
	m := &bandwidthMeter{window: window}
	if mbps > 0 {
		m.limit = int64(mbps * 1e6 / 8 * window.Seconds())
	}
	return m
}

func (m *bandwidthMeter) add(now time.Time, n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{at: now, bytes: n})
	m.pruneLocked(now)
}

func (m *bandwidthMeter) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && !m.samples[i].at.After(cutoff) {
		i++
	}
	m.samples = m.samples[i:]
}

func (m *bandwidthMeter) total(now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	var sum int64
	for _, s := range m.samples {
		sum += s.bytes
	}
	return sum
}

func (m *bandwidthMeter) exceeded(now time.Time) bool {
	return m.limit > 0 && m.total(now) >= m.limit
}

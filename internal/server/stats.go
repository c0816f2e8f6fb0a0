package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/vigil/internal/errors"
)

// sketchAccuracy is the relative accuracy of latency quantiles.
const sketchAccuracy = 0.01

// HandshakeStats keeps running handshake latency statistics for one
// reporting interval.
type HandshakeStats struct {
	mu       sync.Mutex
	sketch   *ddsketch.DDSketch
	count    int64
	failures int64
	max      time.Duration
}

// StatsSnapshot is the summary of one interval.
type StatsSnapshot struct {
	Count    int64
	Failures int64
	P50      time.Duration
	P90      time.Duration
	P99      time.Duration
	Max      time.Duration
}

// NewHandshakeStats creates empty statistics.
func NewHandshakeStats() (*HandshakeStats, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return nil, fmt.Errorf("create latency sketch: %v: %w", err, errors.ErrConfiguration)
	}
	return &HandshakeStats{sketch: sketch}, nil
}

// Observe records the latency of an established handshake.
func (h *HandshakeStats) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	if d > h.max {
		h.max = d
	}
	h.sketch.Add(float64(d) / float64(time.Millisecond))
}

// Failure counts a failed handshake.
func (h *HandshakeStats) Failure() {
	h.mu.Lock()
	h.failures++
	h.mu.Unlock()
}

// Snapshot summarizes the current interval.
func (h *HandshakeStats) Snapshot() StatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// Rotate summarizes the current interval and starts a new one.
func (h *HandshakeStats) Rotate() StatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := h.snapshotLocked()
	// DDSketch has no Clear method.
	if sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy); err == nil {
		h.sketch = sketch
	}
	h.count, h.failures, h.max = 0, 0, 0
	return snap
}

func (h *HandshakeStats) snapshotLocked() StatsSnapshot {
	snap := StatsSnapshot{Count: h.count, Failures: h.failures, Max: h.max}
	if h.count == 0 {
		return snap
	}
	snap.P50 = h.quantile(0.50)
	snap.P90 = h.quantile(0.90)
	snap.P99 = h.quantile(0.99)
	return snap
}

func (h *HandshakeStats) quantile(q float64) time.Duration {
	ms, err := h.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

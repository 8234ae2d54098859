// Package bandwidth implements a sliding-window estimator that converts a
// single (bytes, elapsed) transfer sample into a "bytes per time-target"
// figure, used by the cache manager to size its dirty-byte window.
//
// Grounded on andromeda's BandwidthMeasure.cpp: a 4-slot ring buffer of
// extrapolated byte counts, averaged on every read.
package bandwidth

import "time"

// window is the number of historical samples averaged together, matching
// BANDWIDTH_WINDOW in the source.
const window = 4

// Measure estimates sustained throughput from a short history of transfer
// samples. It is not safe for concurrent use -- the spec restricts it to a
// single background goroutine (the cache manager's cleanup loop).
type Measure struct {
	timeTarget time.Duration
	history    [window]uint64
	next       int
}

// New returns a Measure that extrapolates every sample to timeTarget.
func New(timeTarget time.Duration) *Measure {
	return &Measure{timeTarget: timeTarget}
}

// Update records a transfer of bytes over elapsed time and returns the
// current mean estimate in bytes-per-timeTarget. A zero-byte sample is
// ignored (it carries no information) but the mean is still returned.
func (m *Measure) Update(bytes uint64, elapsed time.Duration) uint64 {
	if bytes > 0 && elapsed > 0 {
		timeFrac := float64(elapsed) / float64(m.timeTarget)
		target := uint64(float64(bytes) / timeFrac)

		m.history[m.next] = target
		m.next = (m.next + 1) % window
	}

	var sum uint64
	for _, v := range m.history {
		sum += v
	}
	return sum / window
}

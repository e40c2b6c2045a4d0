// Package metrics implements DataMetrics, the thread-safe byte and
// operation counters SecureTransport and ManagedSession expose
// read-only to consumers.
package metrics

import (
	"sync/atomic"
	"time"
)

// DataMetrics tracks cumulative bytes and operation counts for reads
// and writes, plus a settable rolling average read speed sampled by
// callers (e.g. a benchmark command) rather than computed internally.
type DataMetrics struct {
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	readOps      atomic.Uint64
	writeOps     atomic.Uint64

	avgReadSpeed atomic.Uint64 // bytes/sec, truncated to an integer
}

// New returns a zeroed DataMetrics.
func New() *DataMetrics {
	return &DataMetrics{}
}

// AddRead records n bytes read in one operation.
func (m *DataMetrics) AddRead(n int) {
	m.bytesRead.Add(uint64(n))
	m.readOps.Add(1)
}

// AddWrite records n bytes written in one operation.
func (m *DataMetrics) AddWrite(n int) {
	m.bytesWritten.Add(uint64(n))
	m.writeOps.Add(1)
}

// BytesRead returns the cumulative bytes read.
func (m *DataMetrics) BytesRead() uint64 { return m.bytesRead.Load() }

// BytesWritten returns the cumulative bytes written.
func (m *DataMetrics) BytesWritten() uint64 { return m.bytesWritten.Load() }

// ReadOps returns the cumulative number of read operations.
func (m *DataMetrics) ReadOps() uint64 { return m.readOps.Load() }

// WriteOps returns the cumulative number of write operations.
func (m *DataMetrics) WriteOps() uint64 { return m.writeOps.Load() }

// SetAverageReadSpeed records a caller-computed bytes/sec figure,
// typically produced by a benchmark timing a bulk transfer.
func (m *DataMetrics) SetAverageReadSpeed(bytesPerSec float64) {
	m.avgReadSpeed.Store(uint64(bytesPerSec))
}

// AverageReadSpeed returns the last value SetAverageReadSpeed recorded,
// in bytes/sec.
func (m *DataMetrics) AverageReadSpeed() float64 {
	return float64(m.avgReadSpeed.Load())
}

// Reset zeroes the byte counters only; operation counts and the
// last-recorded average read speed are left untouched.
func (m *DataMetrics) Reset() {
	m.bytesRead.Store(0)
	m.bytesWritten.Store(0)
}

// Snapshot is an immutable point-in-time copy of a DataMetrics, useful
// for the idle-detection poll in RunIdleKeepAlive.
type Snapshot struct {
	BytesRead    uint64
	BytesWritten uint64
	At           time.Time
}

// Snap captures the current counters.
func (m *DataMetrics) Snap() Snapshot {
	return Snapshot{
		BytesRead:    m.BytesRead(),
		BytesWritten: m.BytesWritten(),
		At:           time.Now(),
	}
}

// Unchanged reports whether s reflects no read/write activity compared
// to m's current counters.
func (s Snapshot) Unchanged(m *DataMetrics) bool {
	return s.BytesRead == m.BytesRead() && s.BytesWritten == m.BytesWritten()
}

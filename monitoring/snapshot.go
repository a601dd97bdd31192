package monitoring

import (
	"time"
)

// MetricSnapshot is a single immutable reading of runtime health. Snapshots
// are produced by the Sampler once per interval and passed by value through
// the pipeline, so a consumer can never mutate another consumer's view.
//
// JSON keys follow the dashboard wire schema, which predates this package.
type MetricSnapshot struct {
	// Timestamp is the capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	FPS    FPSStats    `json:"fps"`
	Memory MemoryStats `json:"memory"`
	CPU    CPUStats    `json:"cpu"`

	// RenderTimeMs is the smoothed per-frame render cost in milliseconds.
	RenderTimeMs float64 `json:"renderTime"`
}

// FPSStats aggregates frame-rate figures over the sampling window.
type FPSStats struct {
	Current int `json:"current"`
	Average int `json:"average"`
	Min     int `json:"min"`
	Max     int `json:"max"`
}

// MemoryStats describes memory pressure at capture time. Used and Total are
// bytes; Percentage is Used relative to Limit on a 0..100 scale.
type MemoryStats struct {
	Used       uint64  `json:"used"`
	Total      uint64  `json:"total"`
	Limit      uint64  `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// CPUStats carries the estimated CPU load on a 0..100 scale. The estimate is
// a relative approximation, not an OS scheduler reading.
type CPUStats struct {
	Usage float64 `json:"usage"`
}

// Time converts the snapshot timestamp back to a time.Time.
func (s MetricSnapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// HistoryBuffer retains the most recent snapshots up to a fixed capacity.
// Pushing beyond capacity discards the oldest entry first. The buffer does
// no locking of its own; the owning component synchronizes access.
type HistoryBuffer struct {
	entries  []MetricSnapshot
	capacity int
}

// NewHistoryBuffer returns a buffer that keeps at most capacity snapshots.
// Capacities below one are raised to one.
func NewHistoryBuffer(capacity int) *HistoryBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryBuffer{
		entries:  make([]MetricSnapshot, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a snapshot, evicting the oldest entries once the buffer is
// full.
func (h *HistoryBuffer) Push(s MetricSnapshot) {
	h.entries = append(h.entries, s)
	if len(h.entries) > h.capacity {
		overflow := len(h.entries) - h.capacity
		h.entries = h.entries[overflow:]
	}
}

// Len reports how many snapshots are currently retained.
func (h *HistoryBuffer) Len() int {
	return len(h.entries)
}

// Capacity reports the maximum number of retained snapshots.
func (h *HistoryBuffer) Capacity() int {
	return h.capacity
}

// SetCapacity changes the retention limit, evicting the oldest entries if the
// buffer already holds more than the new limit allows.
func (h *HistoryBuffer) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	h.capacity = capacity
	if len(h.entries) > h.capacity {
		overflow := len(h.entries) - h.capacity
		h.entries = h.entries[overflow:]
	}
}

// Snapshots returns a copy of the retained snapshots in oldest-first order.
func (h *HistoryBuffer) Snapshots() []MetricSnapshot {
	out := make([]MetricSnapshot, len(h.entries))
	copy(out, h.entries)
	return out
}

// Last returns a copy of the most recent n snapshots in oldest-first order.
// When n exceeds the retained count the whole history is returned.
func (h *HistoryBuffer) Last(n int) []MetricSnapshot {
	if n <= 0 {
		return nil
	}
	if n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]MetricSnapshot, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Latest returns the most recent snapshot, if any.
func (h *HistoryBuffer) Latest() (MetricSnapshot, bool) {
	if len(h.entries) == 0 {
		return MetricSnapshot{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Each walks the retained snapshots in oldest-first order. The walk stops
// early when fn returns false. Each can be called any number of times.
func (h *HistoryBuffer) Each(fn func(MetricSnapshot) bool) {
	for _, s := range h.entries {
		if !fn(s) {
			return
		}
	}
}

// Clear drops every retained snapshot while keeping the capacity.
func (h *HistoryBuffer) Clear() {
	h.entries = h.entries[:0]
}

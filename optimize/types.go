package optimize

import (
	"time"

	"github.com/sk8metalme/perfgov/monitoring"
)

// RequestType classifies what an optimization request targets.
type RequestType string

const (
	// RequestPerformance shrinks the particle pool to win frames back.
	RequestPerformance RequestType = "performance"

	// RequestMemory lowers the quality tier to relieve memory pressure.
	RequestMemory RequestType = "memory"

	// RequestUI steps the quality tier down when render time drags.
	RequestUI RequestType = "ui"

	// RequestEmergency sheds everything sheddable at once.
	RequestEmergency RequestType = "emergency"

	// RequestRecovery restores quality after a sustained healthy streak. It
	// is produced by the governor itself, never by the decision engine.
	RequestRecovery RequestType = "recovery"
)

// Priority orders requests in the queue. Higher values run first.
type Priority int

const (
	PriorityLow      Priority = 3
	PriorityMedium   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// normalizePriority maps values outside the defined levels to medium.
func normalizePriority(p Priority) Priority {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p
	default:
		return PriorityMedium
	}
}

// OptimizationRequest is one demand produced by the decision engine. Value
// carries the rule-specific magnitude: the pool reduction fraction for
// performance requests, the target quality tier for memory requests, zero
// otherwise.
type OptimizationRequest struct {
	ID       string      `json:"id"`
	Type     RequestType `json:"type"`
	Priority Priority    `json:"priority"`
	Reason   string      `json:"reason"`
	Value    float64     `json:"value"`

	// Metrics is a copy of the snapshot that triggered the request.
	Metrics monitoring.MetricSnapshot `json:"metrics"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	index int
	seq   uint64
}

// RecordStatus is the outcome recorded for a processed request.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordFailed  RecordStatus = "failed"
	RecordDropped RecordStatus = "dropped"
)

// OptimizationRecord is one audit trail entry. Records are kept in a bounded
// history and optionally persisted through a RecordSink.
type OptimizationRecord struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Type      RequestType   `json:"type"`
	Priority  Priority      `json:"priority"`
	Status    RecordStatus  `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	AppliedAt time.Time     `json:"applied_at"`
}

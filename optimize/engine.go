package optimize

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/sk8metalme/perfgov/config/adaptive"
	"github.com/sk8metalme/perfgov/monitoring"
)

var log = logging.Logger("optimize/engine")

// TierSource exposes the current quality tier. The QualityController
// satisfies this.
type TierSource interface {
	Tier() QualityTier
}

// DecisionEngine turns a metric snapshot into at most one optimization
// request per tick. Rules are evaluated in a fixed order and the first match
// wins: emergency, performance, memory, ui. While a request is being applied
// the engine suppresses new decisions entirely; the in-flight apply will
// change the metrics the next tick observes, so deciding from stale numbers
// would only queue duplicates.
type DecisionEngine struct {
	mu             sync.Mutex
	thresholds     adaptive.ThresholdConfig
	aggressiveness adaptive.Aggressiveness

	tiers TierSource

	applying   int32
	suppressed uint64
	decisions  uint64
}

// NewDecisionEngine builds an engine from a validated configuration
// snapshot.
func NewDecisionEngine(cfg *adaptive.Config, tiers TierSource) (*DecisionEngine, error) {
	if cfg == nil || cfg.Thresholds == nil || cfg.Optimization == nil {
		return nil, errors.New("engine: incomplete config")
	}
	if tiers == nil {
		return nil, fmt.Errorf("engine: tier source: %w", ErrNilDependency)
	}
	return &DecisionEngine{
		thresholds:     *cfg.Thresholds,
		aggressiveness: cfg.Optimization.Aggressiveness,
		tiers:          tiers,
	}, nil
}

// Name implements adaptive.Reconfigurable.
func (e *DecisionEngine) Name() string { return "engine" }

// ApplyConfig implements adaptive.Reconfigurable.
func (e *DecisionEngine) ApplyConfig(cfg *adaptive.Config) error {
	if cfg == nil || cfg.Thresholds == nil || cfg.Optimization == nil {
		return fmt.Errorf("engine: incomplete config")
	}
	e.mu.Lock()
	e.thresholds = *cfg.Thresholds
	e.aggressiveness = cfg.Optimization.Aggressiveness
	e.mu.Unlock()
	return nil
}

// BeginApply marks the engine as applying. It reports false when another
// apply is already in flight.
func (e *DecisionEngine) BeginApply() bool {
	return atomic.CompareAndSwapInt32(&e.applying, 0, 1)
}

// EndApply clears the applying mark.
func (e *DecisionEngine) EndApply() {
	atomic.StoreInt32(&e.applying, 0)
}

// Applying reports whether an apply is in flight.
func (e *DecisionEngine) Applying() bool {
	return atomic.LoadInt32(&e.applying) == 1
}

// SuppressedDecisions counts ticks skipped because an apply was in flight.
func (e *DecisionEngine) SuppressedDecisions() uint64 {
	return atomic.LoadUint64(&e.suppressed)
}

// Decisions counts requests produced since construction.
func (e *DecisionEngine) Decisions() uint64 {
	return atomic.LoadUint64(&e.decisions)
}

// Decide evaluates the rules against one snapshot and the analyzer's verdict
// on it. It returns nil when the report detected nothing, when no rule
// matches, or while a previous request is still being applied.
func (e *DecisionEngine) Decide(snap monitoring.MetricSnapshot, report monitoring.BottleneckReport) *OptimizationRequest {
	if e.Applying() {
		atomic.AddUint64(&e.suppressed, 1)
		log.Debugw("decision suppressed, apply in flight", "fps", snap.FPS.Current)
		return nil
	}
	if !report.Detected {
		return nil
	}

	e.mu.Lock()
	t := e.thresholds
	aggr := e.aggressiveness
	e.mu.Unlock()

	fps := float64(snap.FPS.Current)
	mem := snap.Memory.Percentage

	var req *OptimizationRequest
	switch {
	case fps < t.FPS.Critical && mem > t.Memory.Critical:
		req = &OptimizationRequest{
			Type:     RequestEmergency,
			Priority: PriorityCritical,
			Reason: fmt.Sprintf("fps %.0f and memory %.1f%% both past critical thresholds (%.0f, %.1f%%)",
				fps, mem, t.FPS.Critical, t.Memory.Critical),
		}

	case fps < t.FPS.Warning:
		req = &OptimizationRequest{
			Type:     RequestPerformance,
			Priority: PriorityHigh,
			Value:    reductionFraction(aggr),
			Reason:   fmt.Sprintf("fps %.0f below warning threshold %.0f", fps, t.FPS.Warning),
		}

	case mem > t.Memory.Warning:
		target := e.tiers.Tier() - QualityTier(tierSteps(aggr))
		if target < TierLow {
			target = TierLow
		}
		req = &OptimizationRequest{
			Type:     RequestMemory,
			Priority: PriorityHigh,
			Value:    float64(target),
			Reason:   fmt.Sprintf("memory %.1f%% above warning threshold %.1f%%", mem, t.Memory.Warning),
		}

	case snap.RenderTimeMs > t.RenderTime.Warning:
		req = &OptimizationRequest{
			Type:     RequestUI,
			Priority: PriorityMedium,
			Reason: fmt.Sprintf("render time %.1fms above warning threshold %.1fms",
				snap.RenderTimeMs, t.RenderTime.Warning),
		}

	default:
		return nil
	}

	req.ID = uuid.NewString()
	req.Metrics = snap
	atomic.AddUint64(&e.decisions, 1)
	log.Debugw("optimization decided",
		"type", req.Type, "priority", req.Priority.String(), "reason", req.Reason)
	return req
}

// reductionFraction is the share of pool capacity a performance request
// sheds.
func reductionFraction(a adaptive.Aggressiveness) float64 {
	switch a {
	case adaptive.AggressivenessConservative:
		return 0.10
	case adaptive.AggressivenessAggressive:
		return 0.40
	default:
		return 0.20
	}
}

// tierSteps is how many quality tiers a memory request descends.
func tierSteps(a adaptive.Aggressiveness) int {
	if a == adaptive.AggressivenessAggressive {
		return 2
	}
	return 1
}

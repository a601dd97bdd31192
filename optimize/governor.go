package optimize

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/sk8metalme/perfgov/config/adaptive"
	"github.com/sk8metalme/perfgov/monitoring"
	"github.com/sk8metalme/perfgov/particle"
)

var govLog = logging.Logger("optimize/governor")

// forecastHorizonTicks is how far ahead, in sampling intervals, the governor
// asks the forecaster to look on every tick.
const forecastHorizonTicks = 5

// eventHistoryLimit bounds the snapshot series attached to each metrics
// event.
const eventHistoryLimit = 30

// ParticleField is the slice of the particle pool the governor drives.
// *particle.ParticlePool satisfies it.
type ParticleField interface {
	Resize(newCapacity int) error
	Capacity() int
	ActiveEntries() int
	Stats() particle.PoolStats
}

// TierEvent is the payload published on the distributor's tier event stream
// whenever the quality tier changes.
type TierEvent struct {
	Tier   QualityTier `json:"tier"`
	Budget TierBudget  `json:"budget"`
}

// GovernorDeps wires a governor. Manager and Pool are required; every other
// field defaults to a collaborator built from the manager's current
// configuration snapshot. A non-nil Sink is wrapped in a persistence breaker
// so that a failing sink is probed rather than written to on every record.
type GovernorDeps struct {
	Manager *adaptive.Manager
	Pool    ParticleField

	Sampler     *monitoring.Sampler
	Analyzer    *monitoring.Analyzer
	Forecaster  *monitoring.Forecaster
	Distributor *monitoring.Distributor
	Quality     *QualityController
	Scheduler   Scheduler
	Sink        RecordSink
	Logger      *slog.Logger
}

// Governor runs the adaptation loop: sample, distribute, analyze, decide,
// apply. It owns two timers, the per-interval sampling tick and the slower
// health tick, and owns the queue and decision engine outright. The particle
// pool and the configuration manager are injected and outlive the governor.
type Governor struct {
	mu sync.Mutex

	cfg     *adaptive.Config
	manager *adaptive.Manager
	pool    ParticleField

	sampler     *monitoring.Sampler
	analyzer    *monitoring.Analyzer
	forecaster  *monitoring.Forecaster
	distributor *monitoring.Distributor
	quality     *QualityController
	engine      *DecisionEngine
	queue       *Queue
	scheduler   Scheduler

	sampleTimer TimerHandle
	healthTimer TimerHandle
	events      <-chan adaptive.ChangeEvent
	eventsDone  chan struct{}

	running   bool
	destroyed bool
	ticks     uint64
}

// NewGovernor assembles a governor around the given dependencies.
func NewGovernor(deps GovernorDeps) (*Governor, error) {
	if deps.Manager == nil {
		return nil, fmt.Errorf("governor: manager: %w", ErrNilDependency)
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("governor: pool: %w", ErrNilDependency)
	}
	cfg := deps.Manager.Current()

	g := &Governor{
		cfg:       cfg,
		manager:   deps.Manager,
		pool:      deps.Pool,
		scheduler: deps.Scheduler,
	}
	if g.scheduler == nil {
		g.scheduler = NewTickerScheduler()
	}

	var err error
	g.sampler = deps.Sampler
	if g.sampler == nil {
		g.sampler, err = monitoring.NewSampler(cfg, monitoring.SamplerOptions{
			Fallback: monitoring.PoolEstimateProvider{Counter: deps.Pool},
			Logger:   deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("governor: sampler: %w", err)
		}
	}
	g.analyzer = deps.Analyzer
	if g.analyzer == nil {
		g.analyzer, err = monitoring.NewAnalyzer(cfg, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("governor: analyzer: %w", err)
		}
	}
	g.forecaster = deps.Forecaster
	if g.forecaster == nil {
		g.forecaster, err = monitoring.NewForecaster(cfg, g.sampler, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("governor: forecaster: %w", err)
		}
	}
	g.distributor = deps.Distributor
	if g.distributor == nil {
		g.distributor, err = monitoring.NewDistributor(cfg, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("governor: distributor: %w", err)
		}
	}
	g.quality = deps.Quality
	if g.quality == nil {
		g.quality, err = NewQualityController(cfg)
		if err != nil {
			return nil, fmt.Errorf("governor: quality: %w", err)
		}
	}
	g.engine, err = NewDecisionEngine(cfg, g.quality)
	if err != nil {
		return nil, fmt.Errorf("governor: engine: %w", err)
	}
	sink := deps.Sink
	if sink != nil {
		sink = NewBreakerSink(sink, BreakerOptions{})
	}
	g.queue, err = NewQueue(cfg, g.applyRequest, QueueOptions{
		Sink:     sink,
		OnRecord: g.observeRecord,
	})
	if err != nil {
		return nil, fmt.Errorf("governor: queue: %w", err)
	}

	g.sampler.SetAlertFunc(g.distributor.RaiseAlert)
	g.quality.OnTierChange(func(tier QualityTier, budget TierBudget) {
		g.distributor.Emit(monitoring.EventTier, TierEvent{Tier: tier, Budget: budget})
	})
	return g, nil
}

// Start subscribes to configuration changes and schedules the sampling and
// health ticks.
func (g *Governor) Start() error {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return ErrDestroyed
	}
	if g.running {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	g.running = true
	cfg := g.cfg

	g.events = g.manager.Subscribe()
	g.eventsDone = make(chan struct{})
	go g.configLoop(g.events, g.eventsDone)

	g.sampleTimer = g.scheduler.Every("sample",
		time.Duration(cfg.Sampling.IntervalMs)*time.Millisecond, g.tick)
	g.healthTimer = g.scheduler.Every("health",
		time.Duration(cfg.Health.SyncIntervalMs)*time.Millisecond, g.healthTick)
	g.mu.Unlock()

	govLog.Infow("governor started",
		"sample_interval_ms", cfg.Sampling.IntervalMs,
		"health_interval_ms", cfg.Health.SyncIntervalMs)
	return nil
}

// Stop cancels the timers and the configuration subscription. Stopping a
// governor that is not running is a no-op.
func (g *Governor) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	if g.sampleTimer != nil {
		g.sampleTimer.Stop()
		g.sampleTimer = nil
	}
	if g.healthTimer != nil {
		g.healthTimer.Stop()
		g.healthTimer = nil
	}
	events := g.events
	g.events = nil
	close(g.eventsDone)
	g.eventsDone = nil
	g.mu.Unlock()

	if events != nil {
		g.manager.Unsubscribe(events)
	}
	govLog.Infow("governor stopped")
	return nil
}

// Destroy stops the governor and closes the queue, audit-recording pending
// requests as dropped. The injected pool and manager stay open; the governor
// does not own them. Destroy is idempotent.
func (g *Governor) Destroy() error {
	if err := g.Stop(); err != nil {
		return err
	}
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return nil
	}
	g.destroyed = true
	g.mu.Unlock()
	return g.queue.Close()
}

// tick runs one adaptation cycle.
func (g *Governor) tick() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	cfg := g.cfg
	g.mu.Unlock()
	tick := atomic.AddUint64(&g.ticks, 1)

	snap := g.sampler.Sample()
	history := g.sampler.History(eventHistoryLimit)
	g.distributor.Distribute(snap, history)

	// The first snapshot carries no frame-rate measurement; analysis and
	// decisions start with the second tick.
	if tick == 1 {
		g.distributor.ObserveQueueDepth(g.queue.Depth())
		g.distributor.ObservePoolUtilization(g.pool.Stats().Utilization)
		return
	}

	forecasts, err := g.forecaster.PredictAll(forecastHorizonTicks * cfg.Sampling.IntervalMs)
	if err != nil {
		govLog.Debugw("forecasts unavailable", "error", err)
		forecasts = nil
	}
	report := g.analyzer.AnalyzeWithForecasts(snap, forecasts)

	if report.Detected {
		g.quality.NoteUnhealthy()
		if req := g.engine.Decide(snap, report); req != nil {
			if err := g.queue.Enqueue(req); err != nil {
				govLog.Warnw("enqueue failed", "type", req.Type, "error", err)
			}
		}
	} else if tier, recovered := g.quality.NoteHealthy(); recovered {
		g.enqueueRecovery(tier, snap)
	}

	g.queue.Drain()
	g.distributor.ObserveQueueDepth(g.queue.Depth())
	g.distributor.ObservePoolUtilization(g.pool.Stats().Utilization)
}

// enqueueRecovery asks the applier to grow the pool toward the budget of
// the tier the quality controller just stepped up to.
func (g *Governor) enqueueRecovery(tier QualityTier, snap monitoring.MetricSnapshot) {
	req := &OptimizationRequest{
		ID:       uuid.NewString(),
		Type:     RequestRecovery,
		Priority: PriorityMedium,
		Reason:   "sustained healthy reports",
		Value:    float64(tier),
		Metrics:  snap,
	}
	if err := g.queue.Enqueue(req); err != nil {
		govLog.Warnw("recovery enqueue failed", "error", err)
	}
}

// applyRequest is the queue's applier. It holds the engine's apply latch for
// the duration so decisions made mid-apply are suppressed rather than
// stacked.
func (g *Governor) applyRequest(req *OptimizationRequest) error {
	if !g.engine.BeginApply() {
		return ErrApplyInProgress
	}
	defer g.engine.EndApply()

	switch req.Type {
	case RequestEmergency:
		g.quality.Apply(TierLow, req.Reason)
		return g.resizePool(g.pool.ActiveEntries(), "emergency")

	case RequestPerformance:
		target := int(float64(g.pool.Capacity()) * (1 - req.Value))
		return g.resizePool(target, "performance")

	case RequestMemory:
		budget := g.quality.Apply(QualityTier(int(req.Value)), req.Reason)
		target := budget.MaxParticles
		if limit := g.pool.Capacity(); target > limit {
			target = limit
		}
		return g.resizePool(target, "memory")

	case RequestUI:
		if _, stepped := g.quality.StepDown(req.Reason); !stepped {
			return nil
		}
		budget := g.quality.Budget()
		target := budget.MaxParticles
		if limit := g.pool.Capacity(); target > limit {
			target = limit
		}
		return g.resizePool(target, "ui")

	case RequestRecovery:
		budget := BudgetFor(QualityTier(int(req.Value)))
		target := budget.MaxParticles
		if limit := g.configSnapshot().Pool.MaxSize; target > limit {
			target = limit
		}
		return g.resizePool(target, "recovery")

	default:
		return fmt.Errorf("unknown optimization type %q", req.Type)
	}
}

// resizePool applies one pool resize, flooring the target at a single entry
// so shrinks can never request an invalid capacity.
func (g *Governor) resizePool(target int, kind string) error {
	if target < 1 {
		target = 1
	}
	if err := g.pool.Resize(target); err != nil {
		return fmt.Errorf("%s resize to %d: %w", kind, target, err)
	}
	govLog.Debugw("pool resized", "kind", kind, "capacity", target)
	return nil
}

func (g *Governor) observeRecord(rec OptimizationRecord) {
	g.distributor.ObserveOptimization(string(rec.Type), string(rec.Status))
	g.distributor.Emit(monitoring.EventOptimization, rec)
}

// configLoop applies accepted configuration snapshots until the subscription
// or the governor shuts down.
func (g *Governor) configLoop(events <-chan adaptive.ChangeEvent, done chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != adaptive.ChangeUpdate || !ev.Success || ev.New == nil {
				continue
			}
			g.applyConfig(ev.New, ev.Source)
		case <-done:
			return
		}
	}
}

// applyConfig pushes a new snapshot into every collaborator, shrinks the
// pool if the new bound is below its current capacity, and reschedules the
// timers whose intervals changed.
func (g *Governor) applyConfig(cfg *adaptive.Config, source string) {
	g.mu.Lock()
	old := g.cfg
	g.cfg = cfg
	g.mu.Unlock()

	for _, rc := range g.reconfigurables() {
		if err := rc.ApplyConfig(cfg); err != nil {
			govLog.Warnw("config apply failed", "component", rc.Name(), "error", err)
		}
	}

	if g.pool.Capacity() > cfg.Pool.MaxSize {
		if err := g.resizePool(cfg.Pool.MaxSize, "config"); err != nil {
			govLog.Warnw("pool shrink after config change failed", "error", err)
		}
	}

	g.mu.Lock()
	if g.running {
		if old.Sampling.IntervalMs != cfg.Sampling.IntervalMs {
			g.sampleTimer.Stop()
			g.sampleTimer = g.scheduler.Every("sample",
				time.Duration(cfg.Sampling.IntervalMs)*time.Millisecond, g.tick)
		}
		if old.Health.SyncIntervalMs != cfg.Health.SyncIntervalMs {
			g.healthTimer.Stop()
			g.healthTimer = g.scheduler.Every("health",
				time.Duration(cfg.Health.SyncIntervalMs)*time.Millisecond, g.healthTick)
		}
	}
	g.mu.Unlock()

	govLog.Infow("configuration applied", "source", source)
}

func (g *Governor) reconfigurables() []adaptive.Reconfigurable {
	return []adaptive.Reconfigurable{
		g.sampler, g.forecaster, g.analyzer, g.distributor,
		g.engine, g.queue, g.quality,
	}
}

func (g *Governor) configSnapshot() *adaptive.Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// healthTick publishes the merged pipeline health and logs it at a level
// matching its state.
func (g *Governor) healthTick() {
	report := g.Health()
	g.distributor.Emit(monitoring.EventHealth, report)
	switch report.State {
	case monitoring.HealthPoor:
		govLog.Warnw("pipeline health poor", "score", report.Score)
	case monitoring.HealthFair:
		govLog.Infow("pipeline health fair", "score", report.Score)
	default:
		govLog.Debugw("pipeline health", "score", report.Score, "state", string(report.State))
	}
}

// Health merges the distributor's fan-out components with the sampler,
// forecaster, and queue into one pipeline-wide report and publishes the
// aggregate score.
func (g *Governor) Health() monitoring.HealthReport {
	now := time.Now()
	components := g.distributor.Health(now).Components

	sstats := g.sampler.Stats()
	samplerErrs := sstats.ProviderErrors + sstats.EstimatorErrors
	components = append(components, monitoring.ComponentHealth{
		Name:   "sampler",
		Score:  monitoring.ErrorScore(samplerErrs),
		Errors: samplerErrs,
	})

	forecastErrs := g.forecaster.ComputeErrors()
	components = append(components, monitoring.ComponentHealth{
		Name:   "forecaster",
		Score:  monitoring.ErrorScore(forecastErrs),
		Errors: forecastErrs,
	})

	qstats := g.queue.Stats()
	queueComp := monitoring.ComponentHealth{
		Name:   "queue",
		Score:  monitoring.ErrorScore(qstats.Failed),
		Errors: qstats.Failed,
	}
	if qstats.Depth > 0 {
		queueComp.Detail = fmt.Sprintf("%d pending", qstats.Depth)
	}
	components = append(components, queueComp)

	report := monitoring.ComputeHealth(now, components)
	g.distributor.ObserveHealth(report.Score)
	return report
}

// Sampler exposes the sampler so render loops can report frames.
func (g *Governor) Sampler() *monitoring.Sampler { return g.sampler }

// Distributor exposes the fan-out hub for consumer registration and the
// Prometheus registry.
func (g *Governor) Distributor() *monitoring.Distributor { return g.distributor }

// Quality exposes the tier controller.
func (g *Governor) Quality() *QualityController { return g.quality }

// Tier returns the quality tier currently in force.
func (g *Governor) Tier() QualityTier { return g.quality.Tier() }

// Records returns the retained optimization audit records.
func (g *Governor) Records() []OptimizationRecord { return g.queue.Records() }

// QueueStats returns the optimization queue counters.
func (g *Governor) QueueStats() QueueStats { return g.queue.Stats() }

// Ticks reports how many adaptation cycles have run.
func (g *Governor) Ticks() uint64 { return atomic.LoadUint64(&g.ticks) }

// Running reports whether the timers are scheduled.
func (g *Governor) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

package monitoring

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

// Event names published by the distributor.
const (
	EventMetrics      = "metrics"
	EventAlert        = "alert"
	EventTier         = "tier"
	EventOptimization = "optimization"
	EventHealth       = "health"
)

// Consumer receives every distributed snapshot. Implementations must not
// block; a slow consumer delays the whole fan-out. Errors are counted
// against the consumer's health score but never interrupt delivery to the
// others.
type Consumer interface {
	Name() string
	OnMetrics(MetricSnapshot) error
}

// Handler receives event payloads. For EventMetrics the payload is a
// MetricEvent, for EventAlert an Alert; other events carry whatever the
// emitter passed to Emit.
type Handler func(payload interface{})

// MetricEvent is the payload published on EventMetrics. History carries the
// recent snapshot series for chart consumers and is omitted while the frame
// rate sits below the filter threshold, trading chart fidelity for fan-out
// cost exactly when frames are scarce.
type MetricEvent struct {
	Snapshot MetricSnapshot   `json:"snapshot"`
	History  []MetricSnapshot `json:"history,omitempty"`
	Filtered bool             `json:"filtered"`
}

// Distributor fans snapshots out to registered consumers and event
// subscribers, rate-limits alerts, and exports the pipeline's state to
// Prometheus. Consumers are addressed by name; subscribers by the id
// returned from Subscribe.
type Distributor struct {
	mu sync.Mutex

	consumers      map[string]Consumer
	consumerErrors map[string]uint64

	nextSubID uint64
	handlers  map[string]map[uint64]Handler

	filterFPS         int
	cooldown          time.Duration
	maxConsumerErrors int
	interval          time.Duration

	lastAlert       map[string]time.Time
	suppressed      uint64
	handlerPanics   uint64
	lastDistributed time.Time

	logger   *slog.Logger
	registry *prometheus.Registry

	fpsCurrent      prometheus.Gauge
	fpsAverage      prometheus.Gauge
	memoryPercent   prometheus.Gauge
	cpuEstimate     prometheus.Gauge
	renderTimeMs    prometheus.Gauge
	poolUtilization prometheus.Gauge
	queueDepth      prometheus.Gauge
	healthScore     prometheus.Gauge

	ticksTotal          prometheus.Counter
	alertsTotal         *prometheus.CounterVec
	consumerErrorsTotal *prometheus.CounterVec
	optimizationsTotal  *prometheus.CounterVec
}

// NewDistributor builds a distributor with its own Prometheus registry.
func NewDistributor(cfg *adaptive.Config, logger *slog.Logger) (*Distributor, error) {
	if cfg == nil || cfg.Health == nil || cfg.Sampling == nil {
		return nil, errors.New("distributor: incomplete config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Distributor{
		consumers:         make(map[string]Consumer),
		consumerErrors:    make(map[string]uint64),
		handlers:          make(map[string]map[uint64]Handler),
		lastAlert:         make(map[string]time.Time),
		filterFPS:         cfg.Health.FilterFPSThreshold,
		cooldown:          time.Duration(cfg.Health.AlertCooldownMs) * time.Millisecond,
		maxConsumerErrors: cfg.Health.MaxConsumerErrors,
		interval:          time.Duration(cfg.Sampling.IntervalMs) * time.Millisecond,
		logger:            logger,
		registry:          prometheus.NewRegistry(),
	}
	d.initPrometheusMetrics()
	return d, nil
}

func (d *Distributor) initPrometheusMetrics() {
	d.fpsCurrent = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "monitor",
		Name:      "fps_current",
		Help:      "Frame rate measured over the last sampling interval",
	})

	d.fpsAverage = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "monitor",
		Name:      "fps_average",
		Help:      "Frame rate averaged over the sampling window",
	})

	d.memoryPercent = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "monitor",
		Name:      "memory_percent",
		Help:      "Memory usage relative to the configured limit (0-100)",
	})

	d.cpuEstimate = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "monitor",
		Name:      "cpu_estimate",
		Help:      "Estimated CPU load (0-100), approximation only",
	})

	d.renderTimeMs = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "monitor",
		Name:      "render_time_ms",
		Help:      "Smoothed per-frame render time in milliseconds",
	})

	d.poolUtilization = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "pool",
		Name:      "utilization",
		Help:      "Fraction of pool capacity currently in use (0-1)",
	})

	d.queueDepth = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "optimize",
		Name:      "queue_depth",
		Help:      "Optimization requests waiting in the queue",
	})

	d.healthScore = promauto.With(d.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "perfgov",
		Subsystem: "health",
		Name:      "score",
		Help:      "Aggregated pipeline health score (0-100)",
	})

	d.ticksTotal = promauto.With(d.registry).NewCounter(prometheus.CounterOpts{
		Namespace: "perfgov",
		Subsystem: "pipeline",
		Name:      "ticks_total",
		Help:      "Total number of distributed snapshots",
	})

	d.alertsTotal = promauto.With(d.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perfgov",
		Subsystem: "pipeline",
		Name:      "alerts_total",
		Help:      "Threshold alerts raised, after cooldown suppression",
	}, []string{"metric", "level"})

	d.consumerErrorsTotal = promauto.With(d.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perfgov",
		Subsystem: "pipeline",
		Name:      "consumer_errors_total",
		Help:      "Errors returned or panics recovered during consumer fan-out",
	}, []string{"consumer"})

	d.optimizationsTotal = promauto.With(d.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "perfgov",
		Subsystem: "optimize",
		Name:      "optimizations_total",
		Help:      "Optimization requests processed, by type and outcome",
	}, []string{"type", "status"})
}

// Registry exposes the distributor's Prometheus registry for scraping.
func (d *Distributor) Registry() *prometheus.Registry {
	return d.registry
}

// Name implements adaptive.Reconfigurable.
func (d *Distributor) Name() string { return "distributor" }

// ApplyConfig implements adaptive.Reconfigurable.
func (d *Distributor) ApplyConfig(cfg *adaptive.Config) error {
	if cfg == nil || cfg.Health == nil || cfg.Sampling == nil {
		return fmt.Errorf("distributor: incomplete config")
	}
	d.mu.Lock()
	d.filterFPS = cfg.Health.FilterFPSThreshold
	d.cooldown = time.Duration(cfg.Health.AlertCooldownMs) * time.Millisecond
	d.maxConsumerErrors = cfg.Health.MaxConsumerErrors
	d.interval = time.Duration(cfg.Sampling.IntervalMs) * time.Millisecond
	d.mu.Unlock()
	return nil
}

// RegisterConsumer adds a named consumer to the fan-out. Names must be
// unique.
func (d *Distributor) RegisterConsumer(c Consumer) error {
	if c == nil {
		return errors.New("distributor: nil consumer")
	}
	name := c.Name()
	if name == "" {
		return errors.New("distributor: consumer has empty name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.consumers[name]; ok {
		return fmt.Errorf("distributor: consumer %q already registered", name)
	}
	d.consumers[name] = c
	return nil
}

// UnregisterConsumer removes a consumer and its error history. It reports
// whether the name was registered.
func (d *Distributor) UnregisterConsumer(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.consumers[name]; !ok {
		return false
	}
	delete(d.consumers, name)
	delete(d.consumerErrors, name)
	return true
}

// Consumers lists the registered consumer names in no particular order.
func (d *Distributor) Consumers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.consumers))
	for name := range d.consumers {
		names = append(names, name)
	}
	return names
}

// Subscribe attaches a handler to an event and returns the id to detach it
// with.
func (d *Distributor) Subscribe(event string, h Handler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSubID++
	id := d.nextSubID
	if d.handlers[event] == nil {
		d.handlers[event] = make(map[uint64]Handler)
	}
	d.handlers[event][id] = h
	return id
}

// Unsubscribe detaches a handler. It reports whether the id was subscribed
// to the event.
func (d *Distributor) Unsubscribe(event string, id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.handlers[event]
	if !ok {
		return false
	}
	if _, ok := hs[id]; !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(d.handlers, event)
	}
	return true
}

// Emit publishes a payload to every handler subscribed to the event. The
// handler set is copied first, so handlers may subscribe or unsubscribe
// from within their callback. A panicking handler is logged and skipped.
func (d *Distributor) Emit(event string, payload interface{}) {
	d.mu.Lock()
	hs := make([]Handler, 0, len(d.handlers[event]))
	for _, h := range d.handlers[event] {
		hs = append(hs, h)
	}
	d.mu.Unlock()

	for _, h := range hs {
		d.callHandler(event, h, payload)
	}
}

func (d *Distributor) callHandler(event string, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.handlerPanics++
			d.mu.Unlock()
			d.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	h(payload)
}

// Distribute publishes one snapshot to every consumer and EventMetrics
// subscriber and refreshes the Prometheus gauges. history must be a copy the
// caller does not mutate afterwards; it is attached to the event unless the
// frame rate is below the filter threshold.
func (d *Distributor) Distribute(snap MetricSnapshot, history []MetricSnapshot) {
	d.mu.Lock()
	d.lastDistributed = time.Now()
	filterFPS := d.filterFPS
	consumers := make([]Consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		consumers = append(consumers, c)
	}
	d.mu.Unlock()

	d.ticksTotal.Inc()
	d.fpsCurrent.Set(float64(snap.FPS.Current))
	d.fpsAverage.Set(float64(snap.FPS.Average))
	d.memoryPercent.Set(snap.Memory.Percentage)
	d.cpuEstimate.Set(snap.CPU.Usage)
	d.renderTimeMs.Set(snap.RenderTimeMs)

	event := MetricEvent{Snapshot: snap}
	if filterFPS > 0 && snap.FPS.Current < filterFPS {
		event.Filtered = true
	} else {
		event.History = history
	}
	d.Emit(EventMetrics, event)

	for _, c := range consumers {
		d.deliver(c, snap)
	}
}

func (d *Distributor) deliver(c Consumer, snap MetricSnapshot) {
	name := c.Name()
	defer func() {
		if r := recover(); r != nil {
			d.recordConsumerError(name)
			d.logger.Error("consumer panicked", "consumer", name, "panic", r)
		}
	}()
	if err := c.OnMetrics(snap); err != nil {
		d.recordConsumerError(name)
		d.logger.Warn("consumer rejected snapshot", "consumer", name, "err", err)
	}
}

func (d *Distributor) recordConsumerError(name string) {
	d.mu.Lock()
	if d.maxConsumerErrors <= 0 || d.consumerErrors[name] < uint64(d.maxConsumerErrors) {
		d.consumerErrors[name]++
	}
	d.mu.Unlock()
	d.consumerErrorsTotal.WithLabelValues(name).Inc()
}

// RaiseAlert publishes an alert on EventAlert unless an alert for the same
// metric and level fired within the cooldown window.
func (d *Distributor) RaiseAlert(a Alert) {
	key := a.Metric + "/" + string(a.Level)

	d.mu.Lock()
	last, seen := d.lastAlert[key]
	now := time.Now()
	if seen && now.Sub(last) < d.cooldown {
		d.suppressed++
		d.mu.Unlock()
		return
	}
	d.lastAlert[key] = now
	d.mu.Unlock()

	d.alertsTotal.WithLabelValues(a.Metric, string(a.Level)).Inc()
	d.logger.Warn("threshold alert",
		"metric", a.Metric, "level", a.Level, "value", a.Value, "threshold", a.Threshold)
	d.Emit(EventAlert, a)
}

// SuppressedAlerts reports how many alerts the cooldown window swallowed.
func (d *Distributor) SuppressedAlerts() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// ObservePoolUtilization updates the pool utilization gauge (0..1).
func (d *Distributor) ObservePoolUtilization(v float64) {
	d.poolUtilization.Set(v)
}

// ObserveQueueDepth updates the optimization queue depth gauge.
func (d *Distributor) ObserveQueueDepth(n int) {
	d.queueDepth.Set(float64(n))
}

// ObserveOptimization counts one processed optimization request.
func (d *Distributor) ObserveOptimization(kind, status string) {
	d.optimizationsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveHealth records an aggregate health score computed over the whole
// pipeline, replacing the distributor-local score on the gauge.
func (d *Distributor) ObserveHealth(score float64) {
	d.healthScore.Set(score)
}

// Health scores the fan-out: one component per registered consumer, scored
// by its error count, plus the distributor itself, scored by how recently a
// snapshot was distributed. The aggregate is also written to the health
// gauge.
func (d *Distributor) Health(now time.Time) HealthReport {
	d.mu.Lock()
	components := make([]ComponentHealth, 0, len(d.consumers)+2)
	for name := range d.consumers {
		errs := d.consumerErrors[name]
		components = append(components, ComponentHealth{
			Name:   "consumer/" + name,
			Score:  ErrorScore(errs),
			Errors: errs,
		})
	}

	self := ComponentHealth{Name: "distributor"}
	if d.lastDistributed.IsZero() {
		self.Score = 60
		self.Stale = true
		self.Detail = "no snapshots distributed yet"
	} else {
		age := now.Sub(d.lastDistributed)
		self.Score = StalenessScore(age, d.interval)
		self.Stale = age > d.interval
	}
	components = append(components, self)

	if d.handlerPanics > 0 {
		components = append(components, ComponentHealth{
			Name:   "handlers",
			Score:  ErrorScore(d.handlerPanics),
			Errors: d.handlerPanics,
			Detail: "recovered handler panics",
		})
	}
	d.mu.Unlock()

	report := ComputeHealth(now, components)
	d.healthScore.Set(report.Score)
	return report
}

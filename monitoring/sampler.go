package monitoring

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

// renderSmoothing is the weight of the newest frame in the render-time
// moving average.
const renderSmoothing = 0.1

// AlertLevel classifies how far a metric sits past its threshold.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is raised when a sampled metric crosses a configured threshold. The
// sampler re-raises on every violating sample; rate limiting is the
// distributor's job.
type Alert struct {
	Metric    string     `json:"metric"`
	Level     AlertLevel `json:"level"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message"`
}

// AlertFunc receives threshold alerts. It is called outside the sampler's
// lock, on the goroutine that called Sample.
type AlertFunc func(Alert)

// SamplerStats counts the sampler's own activity and failures.
type SamplerStats struct {
	Samples         uint64 `json:"samples"`
	FramesObserved  uint64 `json:"frames_observed"`
	ProviderErrors  uint64 `json:"provider_errors"`
	EstimatorErrors uint64 `json:"estimator_errors"`
}

// SamplerOptions configures collaborator injection. Zero-value fields select
// defaults: host memory readings with a runtime fallback, the busy-loop CPU
// estimator, and the process-wide slog logger.
type SamplerOptions struct {
	Memory   MemoryProvider
	Fallback MemoryProvider
	CPU      CPUEstimator
	Logger   *slog.Logger
}

// Sampler assembles MetricSnapshots on demand. It owns no timer; the caller
// decides the cadence and invokes Sample once per interval. Frame activity is
// reported between samples through RecordFrame, typically from the render
// loop, and the sampler derives the frame rate from the count delta.
type Sampler struct {
	mu sync.Mutex

	sampling   adaptive.SamplingConfig
	thresholds adaptive.ThresholdConfig

	memory   MemoryProvider
	fallback MemoryProvider
	cpu      CPUEstimator
	logger   *slog.Logger

	frameCount     uint64
	renderTimeMs   float64
	renderObserved bool

	lastSampleAt   time.Time
	lastFrameCount uint64
	fpsWindow      []int

	history *HistoryBuffer
	alertFn AlertFunc

	stats SamplerStats
}

// NewSampler builds a sampler from a validated configuration snapshot.
func NewSampler(cfg *adaptive.Config, opts SamplerOptions) (*Sampler, error) {
	if cfg == nil {
		return nil, errors.New("sampler: nil config")
	}
	if cfg.Sampling == nil || cfg.Thresholds == nil {
		return nil, errors.New("sampler: config missing sampling or thresholds section")
	}

	s := &Sampler{
		sampling:   *cfg.Sampling,
		thresholds: *cfg.Thresholds,
		memory:     opts.Memory,
		fallback:   opts.Fallback,
		cpu:        opts.CPU,
		logger:     opts.Logger,
		fpsWindow:  make([]int, 0, cfg.Sampling.BufferSize),
		history:    NewHistoryBuffer(cfg.Sampling.MaxHistorySize),
	}
	if s.memory == nil {
		s.memory = HostMemoryProvider{}
	}
	if s.fallback == nil {
		s.fallback = RuntimeMemoryProvider{}
	}
	if s.cpu == nil {
		s.cpu = NewBusyLoopEstimator()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Name implements adaptive.Reconfigurable.
func (s *Sampler) Name() string { return "sampler" }

// SetAlertFunc installs the threshold alert sink. Passing nil disables
// alerting.
func (s *Sampler) SetAlertFunc(fn AlertFunc) {
	s.mu.Lock()
	s.alertFn = fn
	s.mu.Unlock()
}

// RecordFrame reports one completed frame and its render cost. Safe to call
// concurrently with Sample.
func (s *Sampler) RecordFrame(renderTimeMs float64) {
	s.mu.Lock()
	s.frameCount++
	s.stats.FramesObserved++
	if renderTimeMs >= 0 {
		if !s.renderObserved {
			s.renderTimeMs = renderTimeMs
			s.renderObserved = true
		} else {
			s.renderTimeMs = (1-renderSmoothing)*s.renderTimeMs + renderSmoothing*renderTimeMs
		}
	}
	s.mu.Unlock()
}

// Sample assembles a snapshot from the frames recorded since the previous
// call plus fresh provider readings, records it into history, and fires
// threshold alerts. The first call has no measurement interval, so it
// reports a frame rate of zero, leaves the rate window untouched, and
// raises no frame-rate alert.
func (s *Sampler) Sample() MetricSnapshot {
	now := time.Now()

	s.mu.Lock()
	frames := s.frameCount
	first := s.lastSampleAt.IsZero()
	elapsed := now.Sub(s.lastSampleAt)

	current := 0
	if !first && elapsed > 0 {
		current = int(math.Round(float64(frames-s.lastFrameCount) / elapsed.Seconds()))
	}
	s.lastSampleAt = now
	s.lastFrameCount = frames

	if !first {
		s.fpsWindow = append(s.fpsWindow, current)
		if max := s.sampling.BufferSize; max > 0 && len(s.fpsWindow) > max {
			s.fpsWindow = s.fpsWindow[len(s.fpsWindow)-max:]
		}
	}
	fps := summarizeFPS(current, s.fpsWindow)
	renderTime := s.renderTimeMs
	s.mu.Unlock()

	memInfo := s.readMemory()
	cpuUsage := s.estimateCPU()

	snap := MetricSnapshot{
		Timestamp: now.UnixMilli(),
		FPS:       fps,
		Memory: MemoryStats{
			Used:       memInfo.Used,
			Total:      memInfo.Total,
			Limit:      memInfo.Limit,
			Percentage: memInfo.Percentage(),
		},
		CPU:          CPUStats{Usage: cpuUsage},
		RenderTimeMs: renderTime,
	}

	s.mu.Lock()
	s.stats.Samples++
	if s.sampling.EnableHistory {
		s.history.Push(snap)
	}
	thresholds := s.thresholds
	alertFn := s.alertFn
	s.mu.Unlock()

	if alertFn != nil {
		for _, a := range collectAlerts(snap, thresholds) {
			if first && a.Metric == "fps" {
				continue
			}
			alertFn(a)
		}
	}
	return snap
}

func (s *Sampler) readMemory() MemoryInfo {
	info, err := s.memory.MemoryInfo()
	if err == nil {
		return info
	}
	s.mu.Lock()
	s.stats.ProviderErrors++
	s.mu.Unlock()
	s.logger.Warn("primary memory provider failed, using fallback", "err", err)

	info, err = s.fallback.MemoryInfo()
	if err == nil {
		return info
	}
	s.mu.Lock()
	s.stats.ProviderErrors++
	s.mu.Unlock()
	s.logger.Error("fallback memory provider failed", "err", err)
	return MemoryInfo{}
}

func (s *Sampler) estimateCPU() float64 {
	usage, err := s.cpu.EstimateCPU()
	if err != nil {
		s.mu.Lock()
		s.stats.EstimatorErrors++
		s.mu.Unlock()
		s.logger.Warn("cpu estimate failed", "err", err)
		return 0
	}
	return usage
}

// History returns a copy of the most recent n retained snapshots, or all of
// them when n is zero or negative.
func (s *Sampler) History(n int) []MetricSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return s.history.Snapshots()
	}
	return s.history.Last(n)
}

// EachSnapshot walks retained history oldest-first under the sampler's lock.
// The walk stops when fn returns false. fn must not call back into the
// sampler.
func (s *Sampler) EachSnapshot(fn func(MetricSnapshot) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Each(fn)
}

// Latest returns the most recent retained snapshot, if any.
func (s *Sampler) Latest() (MetricSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Latest()
}

// Stats returns a copy of the sampler's activity counters.
func (s *Sampler) Stats() SamplerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Thresholds returns the thresholds currently in force.
func (s *Sampler) Thresholds() adaptive.ThresholdConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds
}

// SetThresholds replaces the alerting thresholds.
func (s *Sampler) SetThresholds(t adaptive.ThresholdConfig) {
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
}

// ApplyConfig implements adaptive.Reconfigurable. It adopts the new sampling
// and threshold sections, trimming the rate window and history retention when
// the new limits are smaller.
func (s *Sampler) ApplyConfig(cfg *adaptive.Config) error {
	if cfg == nil || cfg.Sampling == nil || cfg.Thresholds == nil {
		return fmt.Errorf("sampler: incomplete config")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampling = *cfg.Sampling
	s.thresholds = *cfg.Thresholds
	if max := s.sampling.BufferSize; max > 0 && len(s.fpsWindow) > max {
		s.fpsWindow = s.fpsWindow[len(s.fpsWindow)-max:]
	}
	s.history.SetCapacity(s.sampling.MaxHistorySize)
	return nil
}

func summarizeFPS(current int, window []int) FPSStats {
	stats := FPSStats{Current: current}
	if len(window) == 0 {
		return stats
	}
	min, max, sum := window[0], window[0], 0
	for _, v := range window {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	stats.Min = min
	stats.Max = max
	stats.Average = int(math.Round(float64(sum) / float64(len(window))))
	return stats
}

// collectAlerts evaluates one snapshot against thresholds. A metric yields at
// most one alert, the most severe level it crosses. Frame rate alerts fire
// below the threshold, memory and cpu above it.
func collectAlerts(snap MetricSnapshot, t adaptive.ThresholdConfig) []Alert {
	now := snap.Time()
	var alerts []Alert

	fps := float64(snap.FPS.Current)
	switch {
	case fps < t.FPS.Critical:
		alerts = append(alerts, Alert{
			Metric: "fps", Level: AlertCritical, Value: fps, Threshold: t.FPS.Critical,
			Timestamp: now,
			Message:   fmt.Sprintf("frame rate %.0f below critical threshold %.0f", fps, t.FPS.Critical),
		})
	case fps < t.FPS.Warning:
		alerts = append(alerts, Alert{
			Metric: "fps", Level: AlertWarning, Value: fps, Threshold: t.FPS.Warning,
			Timestamp: now,
			Message:   fmt.Sprintf("frame rate %.0f below warning threshold %.0f", fps, t.FPS.Warning),
		})
	}

	memPct := snap.Memory.Percentage
	switch {
	case memPct > t.Memory.Critical:
		alerts = append(alerts, Alert{
			Metric: "memory", Level: AlertCritical, Value: memPct, Threshold: t.Memory.Critical,
			Timestamp: now,
			Message:   fmt.Sprintf("memory at %.1f%% above critical threshold %.1f%%", memPct, t.Memory.Critical),
		})
	case memPct > t.Memory.Warning:
		alerts = append(alerts, Alert{
			Metric: "memory", Level: AlertWarning, Value: memPct, Threshold: t.Memory.Warning,
			Timestamp: now,
			Message:   fmt.Sprintf("memory at %.1f%% above warning threshold %.1f%%", memPct, t.Memory.Warning),
		})
	}

	cpu := snap.CPU.Usage
	switch {
	case cpu > t.CPU.Critical:
		alerts = append(alerts, Alert{
			Metric: "cpu", Level: AlertCritical, Value: cpu, Threshold: t.CPU.Critical,
			Timestamp: now,
			Message:   fmt.Sprintf("cpu estimate %.1f%% above critical threshold %.1f%%", cpu, t.CPU.Critical),
		})
	case cpu > t.CPU.Warning:
		alerts = append(alerts, Alert{
			Metric: "cpu", Level: AlertWarning, Value: cpu, Threshold: t.CPU.Warning,
			Timestamp: now,
			Message:   fmt.Sprintf("cpu estimate %.1f%% above warning threshold %.1f%%", cpu, t.CPU.Warning),
		})
	}
	return alerts
}

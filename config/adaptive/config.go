package adaptive

import (
	"fmt"
)

// Aggressiveness selects how strongly the decision engine reacts to a
// detected bottleneck.
type Aggressiveness string

const (
	AggressivenessConservative Aggressiveness = "conservative"
	AggressivenessModerate     Aggressiveness = "moderate"
	AggressivenessAggressive   Aggressiveness = "aggressive"
)

// Valid reports whether a is one of the recognized aggressiveness tiers.
func (a Aggressiveness) Valid() bool {
	switch a {
	case AggressivenessConservative, AggressivenessModerate, AggressivenessAggressive:
		return true
	}
	return false
}

// Clamped returns a if it is a recognized tier and AggressivenessModerate
// otherwise. Unknown tiers clamp rather than fail so that configuration
// sourced from untrusted input degrades to the middle of the range.
func (a Aggressiveness) Clamped() Aggressiveness {
	if a.Valid() {
		return a
	}
	return AggressivenessModerate
}

// Config is an immutable snapshot of the governor's configuration. Snapshots
// handed out by a Manager must be treated as read-only; all mutation happens
// through Manager.Update, which validates a fresh clone and swaps it in.
type Config struct {
	Sampling     *SamplingConfig     `json:"sampling"`
	Thresholds   *ThresholdConfig    `json:"thresholds"`
	Optimization *OptimizationConfig `json:"optimization"`
	Pool         *PoolConfig         `json:"pool"`
	Forecast     *ForecastConfig     `json:"forecast"`
	Health       *HealthConfig       `json:"health"`
}

// SamplingConfig controls the metric sampling tick and snapshot history.
type SamplingConfig struct {
	// IntervalMs is the sampling/distribution tick period in milliseconds.
	IntervalMs int `json:"interval_ms"`
	// BufferSize bounds the rolling fps window used for min/max/average.
	BufferSize int `json:"buffer_size"`
	// EnableHistory keeps a bounded snapshot history on the sampler.
	EnableHistory bool `json:"enable_history"`
	// MaxHistorySize bounds the snapshot history length.
	MaxHistorySize int `json:"max_history_size"`
}

// ThresholdBand is a warning/critical pair for one metric.
type ThresholdBand struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// ThresholdConfig holds per-metric alert bands. FPS thresholds are floors
// (values below them violate); memory, cpu and render time are ceilings.
// Memory and cpu are percent units in [0,100].
type ThresholdConfig struct {
	FPS        ThresholdBand `json:"fps"`
	Memory     ThresholdBand `json:"memory"`
	CPU        ThresholdBand `json:"cpu"`
	RenderTime ThresholdBand `json:"render_time"`
	// MaxReportHistory bounds the bottleneck report history.
	MaxReportHistory int `json:"max_report_history"`
}

// OptimizationConfig controls the decision engine and optimization queue.
type OptimizationConfig struct {
	Aggressiveness Aggressiveness `json:"aggressiveness"`
	// MaxQueueSize bounds the optimization queue; overflow drops the
	// lowest-priority pending request.
	MaxQueueSize int `json:"max_queue_size"`
	// MaxRecordHistory bounds the optimization audit trail.
	MaxRecordHistory int `json:"max_record_history"`
}

// PoolConfig sizes the governed particle pool.
type PoolConfig struct {
	InitialSize int `json:"initial_size"`
	MaxSize     int `json:"max_size"`
}

// ForecastConfig tunes the forecaster's algorithm selection and ensemble.
type ForecastConfig struct {
	// MinSamples is the history length below which forecasts degrade to a
	// low-confidence carry-forward of the latest observation.
	MinSamples int `json:"min_samples"`
	// MovingAverageWindow is the window for short-horizon forecasts.
	MovingAverageWindow int `json:"moving_average_window"`
	// SmoothingAlpha is the exponential smoothing factor. Values outside
	// [0.05, 0.95] clamp to the nearest bound.
	SmoothingAlpha float64 `json:"smoothing_alpha"`
	// ShortHorizonMs is the upper bound for moving-average forecasts.
	ShortHorizonMs int `json:"short_horizon_ms"`
	// MediumHorizonMs is the upper bound for pure regression forecasts;
	// longer horizons use the smoothing+regression ensemble.
	MediumHorizonMs int `json:"medium_horizon_ms"`
	// RegressionWeight and SmoothingWeight combine the ensemble members.
	// Regression carries the higher weight.
	RegressionWeight float64 `json:"regression_weight"`
	SmoothingWeight  float64 `json:"smoothing_weight"`
}

// HealthConfig controls the health/auto-sync tick, alert suppression and
// quality recovery.
type HealthConfig struct {
	// SyncIntervalMs is the health tick period in milliseconds.
	SyncIntervalMs int `json:"sync_interval_ms"`
	// AlertCooldownMs suppresses repeated alerts for the same metric and
	// level inside the window.
	AlertCooldownMs int `json:"alert_cooldown_ms"`
	// FilterFPSThreshold enables heavy-field filtering on distribution when
	// the current fps drops below it.
	FilterFPSThreshold int `json:"filter_fps_threshold"`
	// MaxConsumerErrors bounds per-consumer error counters used in health
	// scoring.
	MaxConsumerErrors int `json:"max_consumer_errors"`
	// RecoveryStreak is the number of consecutive healthy ticks required
	// before the quality tier steps back up.
	RecoveryStreak int `json:"recovery_streak"`
}

// DefaultConfig returns a configuration tuned for a 60 fps interactive
// workload on commodity hardware.
func DefaultConfig() *Config {
	return &Config{
		Sampling: &SamplingConfig{
			IntervalMs:     1000,
			BufferSize:     60,
			EnableHistory:  true,
			MaxHistorySize: 100,
		},
		Thresholds: &ThresholdConfig{
			FPS:              ThresholdBand{Warning: 45, Critical: 30},
			Memory:           ThresholdBand{Warning: 75, Critical: 90},
			CPU:              ThresholdBand{Warning: 70, Critical: 90},
			RenderTime:       ThresholdBand{Warning: 33.3, Critical: 50.0},
			MaxReportHistory: 1000,
		},
		Optimization: &OptimizationConfig{
			Aggressiveness:   AggressivenessModerate,
			MaxQueueSize:     10,
			MaxRecordHistory: 1000,
		},
		Pool: &PoolConfig{
			InitialSize: 100,
			MaxSize:     500,
		},
		Forecast: &ForecastConfig{
			MinSamples:          10,
			MovingAverageWindow: 10,
			SmoothingAlpha:      0.3,
			ShortHorizonMs:      3000,
			MediumHorizonMs:     10000,
			RegressionWeight:    0.6,
			SmoothingWeight:     0.4,
		},
		Health: &HealthConfig{
			SyncIntervalMs:     5000,
			AlertCooldownMs:    30000,
			FilterFPSThreshold: 30,
			MaxConsumerErrors:  20,
			RecoveryStreak:     5,
		},
	}
}

// Validate checks every section and fails fast on the first invalid field.
func (c *Config) Validate() error {
	if c.Sampling == nil {
		return fmt.Errorf("sampling section is required")
	}
	if err := c.Sampling.Validate(); err != nil {
		return err
	}
	if c.Thresholds == nil {
		return fmt.Errorf("thresholds section is required")
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Optimization == nil {
		return fmt.Errorf("optimization section is required")
	}
	if err := c.Optimization.Validate(); err != nil {
		return err
	}
	if c.Pool == nil {
		return fmt.Errorf("pool section is required")
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.Forecast == nil {
		return fmt.Errorf("forecast section is required")
	}
	if err := c.Forecast.Validate(); err != nil {
		return err
	}
	if c.Health == nil {
		return fmt.Errorf("health section is required")
	}
	return c.Health.Validate()
}

// Validate checks the sampling section.
func (s *SamplingConfig) Validate() error {
	if s.IntervalMs <= 0 {
		return fmt.Errorf("sampling: interval_ms must be positive, got %d", s.IntervalMs)
	}
	if s.BufferSize <= 0 {
		return fmt.Errorf("sampling: buffer_size must be positive, got %d", s.BufferSize)
	}
	if s.EnableHistory && s.MaxHistorySize <= 0 {
		return fmt.Errorf("sampling: max_history_size must be positive when history is enabled, got %d", s.MaxHistorySize)
	}
	return nil
}

// Validate checks the threshold section. FPS bands must order critical below
// warning; ceiling bands the other way around.
func (t *ThresholdConfig) Validate() error {
	if t.FPS.Warning <= 0 || t.FPS.Critical <= 0 {
		return fmt.Errorf("thresholds: fps bands must be positive, got warning=%v critical=%v", t.FPS.Warning, t.FPS.Critical)
	}
	if t.FPS.Critical >= t.FPS.Warning {
		return fmt.Errorf("thresholds: fps critical floor %v must be below warning floor %v", t.FPS.Critical, t.FPS.Warning)
	}
	for _, band := range []struct {
		name string
		b    ThresholdBand
	}{
		{"memory", t.Memory},
		{"cpu", t.CPU},
	} {
		if band.b.Warning <= 0 || band.b.Warning > 100 || band.b.Critical <= 0 || band.b.Critical > 100 {
			return fmt.Errorf("thresholds: %s bands must be percentages in (0,100], got warning=%v critical=%v", band.name, band.b.Warning, band.b.Critical)
		}
		if band.b.Critical <= band.b.Warning {
			return fmt.Errorf("thresholds: %s critical ceiling %v must be above warning ceiling %v", band.name, band.b.Critical, band.b.Warning)
		}
	}
	if t.RenderTime.Warning <= 0 || t.RenderTime.Critical <= t.RenderTime.Warning {
		return fmt.Errorf("thresholds: render_time bands must be positive with critical above warning, got warning=%v critical=%v", t.RenderTime.Warning, t.RenderTime.Critical)
	}
	if t.MaxReportHistory <= 0 {
		return fmt.Errorf("thresholds: max_report_history must be positive, got %d", t.MaxReportHistory)
	}
	return nil
}

// Validate checks the optimization section. Unknown aggressiveness values are
// not an error here; they clamp to moderate when the snapshot is normalized.
func (o *OptimizationConfig) Validate() error {
	if o.MaxQueueSize <= 0 {
		return fmt.Errorf("optimization: max_queue_size must be positive, got %d", o.MaxQueueSize)
	}
	if o.MaxRecordHistory <= 0 {
		return fmt.Errorf("optimization: max_record_history must be positive, got %d", o.MaxRecordHistory)
	}
	return nil
}

// Validate checks the pool section.
func (p *PoolConfig) Validate() error {
	if p.InitialSize < 0 {
		return fmt.Errorf("pool: initial_size must not be negative, got %d", p.InitialSize)
	}
	if p.MaxSize <= 0 {
		return fmt.Errorf("pool: max_size must be positive, got %d", p.MaxSize)
	}
	if p.InitialSize > p.MaxSize {
		return fmt.Errorf("pool: initial_size %d exceeds max_size %d", p.InitialSize, p.MaxSize)
	}
	return nil
}

// Validate checks the forecast section.
func (f *ForecastConfig) Validate() error {
	if f.MinSamples <= 0 {
		return fmt.Errorf("forecast: min_samples must be positive, got %d", f.MinSamples)
	}
	if f.MovingAverageWindow <= 0 {
		return fmt.Errorf("forecast: moving_average_window must be positive, got %d", f.MovingAverageWindow)
	}
	if f.ShortHorizonMs <= 0 || f.MediumHorizonMs <= f.ShortHorizonMs {
		return fmt.Errorf("forecast: horizons must be positive and ordered, got short=%d medium=%d", f.ShortHorizonMs, f.MediumHorizonMs)
	}
	if f.RegressionWeight <= 0 || f.SmoothingWeight <= 0 {
		return fmt.Errorf("forecast: ensemble weights must be positive, got regression=%v smoothing=%v", f.RegressionWeight, f.SmoothingWeight)
	}
	if f.RegressionWeight < f.SmoothingWeight {
		return fmt.Errorf("forecast: regression_weight %v must not be below smoothing_weight %v", f.RegressionWeight, f.SmoothingWeight)
	}
	return nil
}

// Validate checks the health section.
func (h *HealthConfig) Validate() error {
	if h.SyncIntervalMs <= 0 {
		return fmt.Errorf("health: sync_interval_ms must be positive, got %d", h.SyncIntervalMs)
	}
	if h.AlertCooldownMs < 0 {
		return fmt.Errorf("health: alert_cooldown_ms must not be negative, got %d", h.AlertCooldownMs)
	}
	if h.FilterFPSThreshold < 0 {
		return fmt.Errorf("health: filter_fps_threshold must not be negative, got %d", h.FilterFPSThreshold)
	}
	if h.MaxConsumerErrors <= 0 {
		return fmt.Errorf("health: max_consumer_errors must be positive, got %d", h.MaxConsumerErrors)
	}
	if h.RecoveryStreak <= 0 {
		return fmt.Errorf("health: recovery_streak must be positive, got %d", h.RecoveryStreak)
	}
	return nil
}

// normalize applies the documented clamps to a snapshot before validation:
// aggressiveness clamps to moderate, smoothing alpha clamps into [0.05, 0.95].
func (c *Config) normalize() {
	if c.Optimization != nil {
		c.Optimization.Aggressiveness = c.Optimization.Aggressiveness.Clamped()
	}
	if c.Forecast != nil {
		if c.Forecast.SmoothingAlpha < 0.05 {
			c.Forecast.SmoothingAlpha = 0.05
		}
		if c.Forecast.SmoothingAlpha > 0.95 {
			c.Forecast.SmoothingAlpha = 0.95
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := &Config{}
	if c.Sampling != nil {
		s := *c.Sampling
		clone.Sampling = &s
	}
	if c.Thresholds != nil {
		t := *c.Thresholds
		clone.Thresholds = &t
	}
	if c.Optimization != nil {
		o := *c.Optimization
		clone.Optimization = &o
	}
	if c.Pool != nil {
		p := *c.Pool
		clone.Pool = &p
	}
	if c.Forecast != nil {
		f := *c.Forecast
		clone.Forecast = &f
	}
	if c.Health != nil {
		h := *c.Health
		clone.Health = &h
	}
	return clone
}

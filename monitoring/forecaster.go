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

// TargetMetric names a forecastable series.
type TargetMetric string

const (
	MetricFPS        TargetMetric = "fps"
	MetricMemory     TargetMetric = "memory"
	MetricRenderTime TargetMetric = "renderTime"
)

// forecastTargets is the set PredictAll covers, in output order.
var forecastTargets = []TargetMetric{MetricFPS, MetricMemory, MetricRenderTime}

// Algorithm identifies which estimator produced a forecast.
type Algorithm string

const (
	AlgorithmMovingAverage    Algorithm = "moving-average"
	AlgorithmLinearRegression Algorithm = "linear-regression"
	AlgorithmEnsemble         Algorithm = "ensemble"
	AlgorithmInsufficientData Algorithm = "insufficient-data"
)

// Forecast is a predicted metric value at a point in the future, qualified
// by a confidence score on a 0..1 scale. Low-confidence forecasts are still
// returned; it is the consumer's job to discount them.
type Forecast struct {
	TargetMetric   TargetMetric `json:"target_metric"`
	HorizonMs      int          `json:"horizon_ms"`
	PredictedValue float64      `json:"predicted_value"`
	Confidence     float64      `json:"confidence"`
	Algorithm      Algorithm    `json:"algorithm"`
	ComputedAt     time.Time    `json:"computed_at"`
}

// SnapshotSource supplies recent history for forecasting. n <= 0 requests
// everything retained. The Sampler satisfies this.
type SnapshotSource interface {
	History(n int) []MetricSnapshot
}

// Forecaster projects metric series forward. Short horizons use a moving
// average, medium horizons a linear regression, and long horizons an
// ensemble of exponential smoothing and regression. A series shorter than
// the configured minimum yields a hold-last-value forecast at fixed low
// confidence rather than an error, so the loop never stalls on a cold start.
type Forecaster struct {
	mu     sync.Mutex
	cfg    adaptive.ForecastConfig
	stepMs int

	source SnapshotSource
	logger *slog.Logger

	computeErrors uint64
}

// NewForecaster builds a forecaster over the given history source. stepMs,
// the assumed spacing between samples, is taken from the sampling section.
func NewForecaster(cfg *adaptive.Config, source SnapshotSource, logger *slog.Logger) (*Forecaster, error) {
	if cfg == nil || cfg.Forecast == nil || cfg.Sampling == nil {
		return nil, errors.New("forecaster: incomplete config")
	}
	if source == nil {
		return nil, errors.New("forecaster: nil snapshot source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forecaster{
		cfg:    *cfg.Forecast,
		stepMs: cfg.Sampling.IntervalMs,
		source: source,
		logger: logger,
	}, nil
}

// Name implements adaptive.Reconfigurable.
func (f *Forecaster) Name() string { return "forecaster" }

// ApplyConfig implements adaptive.Reconfigurable.
func (f *Forecaster) ApplyConfig(cfg *adaptive.Config) error {
	if cfg == nil || cfg.Forecast == nil || cfg.Sampling == nil {
		return fmt.Errorf("forecaster: incomplete config")
	}
	f.mu.Lock()
	f.cfg = *cfg.Forecast
	f.stepMs = cfg.Sampling.IntervalMs
	f.mu.Unlock()
	return nil
}

// ComputeErrors reports how many forecast computations have been recovered
// from since construction.
func (f *Forecaster) ComputeErrors() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.computeErrors
}

// Predict forecasts one metric horizonMs into the future. It returns an
// error only for an unknown metric or a non-positive horizon; computation
// failures degrade to a low-confidence hold-last-value forecast instead.
func (f *Forecaster) Predict(metric TargetMetric, horizonMs int) (Forecast, error) {
	if !knownTarget(metric) {
		return Forecast{}, fmt.Errorf("forecaster: unknown target metric %q", metric)
	}
	if horizonMs <= 0 {
		return Forecast{}, fmt.Errorf("forecaster: horizon must be positive, got %d", horizonMs)
	}

	f.mu.Lock()
	cfg := f.cfg
	stepMs := f.stepMs
	f.mu.Unlock()
	if stepMs <= 0 {
		stepMs = 1000
	}

	values := extractSeries(f.source.History(0), metric)
	now := time.Now()

	if len(values) < cfg.MinSamples {
		return holdLastValue(metric, horizonMs, values, now, 0.2), nil
	}

	predicted, algorithm, err := f.compute(metric, values, horizonMs, stepMs, cfg)
	if err != nil {
		f.mu.Lock()
		f.computeErrors++
		f.mu.Unlock()
		f.logger.Warn("forecast computation failed, degrading to hold-last-value",
			"metric", metric, "err", err)
		return holdLastValue(metric, horizonMs, values, now, 0.1), nil
	}

	return Forecast{
		TargetMetric:   metric,
		HorizonMs:      horizonMs,
		PredictedValue: clampPrediction(metric, predicted),
		Confidence:     confidence(values),
		Algorithm:      algorithm,
		ComputedAt:     now,
	}, nil
}

// PredictAll forecasts every known target at the same horizon.
func (f *Forecaster) PredictAll(horizonMs int) (map[TargetMetric]Forecast, error) {
	if horizonMs <= 0 {
		return nil, fmt.Errorf("forecaster: horizon must be positive, got %d", horizonMs)
	}
	out := make(map[TargetMetric]Forecast, len(forecastTargets))
	for _, metric := range forecastTargets {
		fc, err := f.Predict(metric, horizonMs)
		if err != nil {
			return nil, err
		}
		out[metric] = fc
	}
	return out, nil
}

// compute runs the horizon-selected estimator. Estimator panics are turned
// into errors so a bad series degrades the forecast instead of the process.
func (f *Forecaster) compute(metric TargetMetric, values []float64, horizonMs, stepMs int, cfg adaptive.ForecastConfig) (predicted float64, algorithm Algorithm, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("estimator panic: %v", r)
		}
	}()

	switch {
	case horizonMs <= cfg.ShortHorizonMs:
		return movingAverage(values, cfg.MovingAverageWindow), AlgorithmMovingAverage, nil

	case horizonMs <= cfg.MediumHorizonMs:
		return projectRegression(values, horizonMs, stepMs), AlgorithmLinearRegression, nil

	default:
		smoothed := exponentialSmoothing(values, cfg.SmoothingAlpha)
		regressed := projectRegression(values, horizonMs, stepMs)
		wr, ws := cfg.RegressionWeight, cfg.SmoothingWeight
		if wr+ws <= 0 {
			wr, ws = 1, 1
		}
		combined := (regressed*wr + smoothed*ws) / (wr + ws)
		return combined, AlgorithmEnsemble, nil
	}
}

func knownTarget(metric TargetMetric) bool {
	for _, m := range forecastTargets {
		if m == metric {
			return true
		}
	}
	return false
}

func extractSeries(history []MetricSnapshot, metric TargetMetric) []float64 {
	values := make([]float64, 0, len(history))
	for _, s := range history {
		switch metric {
		case MetricFPS:
			values = append(values, float64(s.FPS.Current))
		case MetricMemory:
			values = append(values, s.Memory.Percentage)
		case MetricRenderTime:
			values = append(values, s.RenderTimeMs)
		}
	}
	return values
}

func holdLastValue(metric TargetMetric, horizonMs int, values []float64, at time.Time, conf float64) Forecast {
	last := 0.0
	if len(values) > 0 {
		last = values[len(values)-1]
	}
	return Forecast{
		TargetMetric:   metric,
		HorizonMs:      horizonMs,
		PredictedValue: clampPrediction(metric, last),
		Confidence:     conf,
		Algorithm:      AlgorithmInsufficientData,
		ComputedAt:     at,
	}
}

// confidence blends sample-count coverage with series stability. Both terms
// sit on a 0..1 scale and the result is their mean.
func confidence(values []float64) float64 {
	n := float64(len(values))
	sizeTerm := n / 50
	if sizeTerm > 1 {
		sizeTerm = 1
	}

	varTerm := 1 - seriesVariance(values)/100
	if varTerm < 0.1 {
		varTerm = 0.1
	}

	c := (sizeTerm + varTerm) / 2
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func seriesVariance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	return variance / float64(len(values))
}

// movingAverage is the mean of the trailing window values.
func movingAverage(values []float64, window int) float64 {
	if len(values) == 0 {
		return 0
	}
	if window <= 0 || window > len(values) {
		window = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window)
}

// exponentialSmoothing folds the series into a single smoothed level, giving
// weight alpha to each newer observation.
func exponentialSmoothing(values []float64, alpha float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := values[0]
	for _, v := range values[1:] {
		s = alpha*v + (1-alpha)*s
	}
	return s
}

// projectRegression fits values against their sample index and evaluates the
// fit horizonMs past the last sample, measured in sample steps of stepMs.
func projectRegression(values []float64, horizonMs, stepMs int) float64 {
	x := make([]float64, len(values))
	for i := range x {
		x[i] = float64(i)
	}
	slope, intercept, _ := linearRegression(x, values)
	steps := float64(horizonMs) / float64(stepMs)
	return slope*(float64(len(values)-1)+steps) + intercept
}

// linearRegression computes an ordinary least squares fit.
func linearRegression(x, y []float64) (slope, intercept, r2 float64) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, 0, 0
	}

	n := float64(len(x))
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var numerator, denominator float64
	for i := range x {
		numerator += (x[i] - meanX) * (y[i] - meanY)
		denominator += (x[i] - meanX) * (x[i] - meanX)
	}
	if denominator == 0 {
		return 0, meanY, 0
	}

	slope = numerator / denominator
	intercept = meanY - slope*meanX

	var ssRes, ssTot float64
	for i := range y {
		predicted := slope*x[i] + intercept
		ssRes += (y[i] - predicted) * (y[i] - predicted)
		ssTot += (y[i] - meanY) * (y[i] - meanY)
	}
	if ssTot == 0 {
		r2 = 1
	} else {
		r2 = 1 - ssRes/ssTot
	}
	return slope, intercept, r2
}

func clampPrediction(metric TargetMetric, v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if metric == MetricMemory && v > 100 {
		return 100
	}
	return v
}

package monitoring

import (
	"math"
	"testing"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

type fakeSource struct {
	snaps []MetricSnapshot
}

func (f fakeSource) History(n int) []MetricSnapshot {
	if n <= 0 || n > len(f.snaps) {
		n = len(f.snaps)
	}
	return f.snaps[len(f.snaps)-n:]
}

func sourceWithSeries(metric TargetMetric, values []float64) fakeSource {
	snaps := make([]MetricSnapshot, len(values))
	for i, v := range values {
		snaps[i].Timestamp = int64(i+1) * 1000
		switch metric {
		case MetricFPS:
			snaps[i].FPS.Current = int(v)
		case MetricMemory:
			snaps[i].Memory.Percentage = v
		case MetricRenderTime:
			snaps[i].RenderTimeMs = v
		}
	}
	return fakeSource{snaps}
}

func newTestForecaster(t *testing.T, source SnapshotSource) *Forecaster {
	t.Helper()
	f, err := NewForecaster(adaptive.DefaultConfig(), source, nil)
	if err != nil {
		t.Fatalf("NewForecaster failed: %v", err)
	}
	return f
}

func rampSeries(start, step float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = start + step*float64(i)
	}
	return values
}

func constantSeries(v float64, n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	return values
}

func TestPredictValidation(t *testing.T) {
	f := newTestForecaster(t, fakeSource{})

	if _, err := f.Predict("disk", 1000); err == nil {
		t.Error("expected error for unknown metric")
	}
	if _, err := f.Predict(MetricFPS, 0); err == nil {
		t.Error("expected error for zero horizon")
	}
	if _, err := f.PredictAll(-1); err == nil {
		t.Error("expected error for negative horizon")
	}
}

func TestPredictInsufficientData(t *testing.T) {
	f := newTestForecaster(t, sourceWithSeries(MetricFPS, []float64{50, 55, 60}))

	fc, err := f.Predict(MetricFPS, 1000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.Algorithm != AlgorithmInsufficientData {
		t.Errorf("Algorithm = %s, want %s", fc.Algorithm, AlgorithmInsufficientData)
	}
	if fc.Confidence != 0.2 {
		t.Errorf("Confidence = %v, want 0.2", fc.Confidence)
	}
	if fc.PredictedValue != 60 {
		t.Errorf("PredictedValue = %v, want last observation 60", fc.PredictedValue)
	}
}

func TestPredictEmptyHistory(t *testing.T) {
	f := newTestForecaster(t, fakeSource{})

	fc, err := f.Predict(MetricMemory, 1000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.Algorithm != AlgorithmInsufficientData || fc.PredictedValue != 0 {
		t.Errorf("forecast = %+v, want zero-value hold at insufficient-data", fc)
	}
}

func TestShortHorizonUsesMovingAverage(t *testing.T) {
	f := newTestForecaster(t, sourceWithSeries(MetricFPS, constantSeries(60, 20)))

	fc, err := f.Predict(MetricFPS, 2000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.Algorithm != AlgorithmMovingAverage {
		t.Errorf("Algorithm = %s, want %s", fc.Algorithm, AlgorithmMovingAverage)
	}
	if fc.PredictedValue != 60 {
		t.Errorf("PredictedValue = %v, want 60", fc.PredictedValue)
	}
}

func TestMovingAverageHonorsWindow(t *testing.T) {
	// Default window is 10, so only 11..20 contribute.
	f := newTestForecaster(t, sourceWithSeries(MetricRenderTime, rampSeries(1, 1, 20)))

	fc, err := f.Predict(MetricRenderTime, 1000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if math.Abs(fc.PredictedValue-15.5) > 1e-9 {
		t.Errorf("PredictedValue = %v, want 15.5", fc.PredictedValue)
	}
}

func TestMediumHorizonProjectsRegression(t *testing.T) {
	// fps rises one unit per one-second sample; five seconds out from the
	// last value 19 the fit should land on 24.
	f := newTestForecaster(t, sourceWithSeries(MetricFPS, rampSeries(0, 1, 20)))

	fc, err := f.Predict(MetricFPS, 5000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.Algorithm != AlgorithmLinearRegression {
		t.Errorf("Algorithm = %s, want %s", fc.Algorithm, AlgorithmLinearRegression)
	}
	if math.Abs(fc.PredictedValue-24) > 1e-6 {
		t.Errorf("PredictedValue = %v, want 24", fc.PredictedValue)
	}
}

func TestLongHorizonUsesEnsemble(t *testing.T) {
	values := rampSeries(0, 1, 20)
	f := newTestForecaster(t, sourceWithSeries(MetricRenderTime, values))

	fc, err := f.Predict(MetricRenderTime, 20000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.Algorithm != AlgorithmEnsemble {
		t.Errorf("Algorithm = %s, want %s", fc.Algorithm, AlgorithmEnsemble)
	}

	want := projectRegression(values, 20000, 1000)*0.6 + exponentialSmoothing(values, 0.3)*0.4
	if math.Abs(fc.PredictedValue-want) > 1e-9 {
		t.Errorf("PredictedValue = %v, want %v", fc.PredictedValue, want)
	}
}

func TestMemoryForecastClampsToHundred(t *testing.T) {
	f := newTestForecaster(t, sourceWithSeries(MetricMemory, rampSeries(80, 2, 10)))

	fc, err := f.Predict(MetricMemory, 20000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.PredictedValue != 100 {
		t.Errorf("PredictedValue = %v, want clamped to 100", fc.PredictedValue)
	}
}

func TestFallingSeriesClampsAtZero(t *testing.T) {
	f := newTestForecaster(t, sourceWithSeries(MetricFPS, rampSeries(90, -10, 10)))

	fc, err := f.Predict(MetricFPS, 5000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.PredictedValue != 0 {
		t.Errorf("PredictedValue = %v, want clamped to 0", fc.PredictedValue)
	}
}

func TestConfidenceScaling(t *testing.T) {
	// A long stable series earns full confidence.
	f := newTestForecaster(t, sourceWithSeries(MetricFPS, constantSeries(60, 50)))
	fc, err := f.Predict(MetricFPS, 1000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if fc.Confidence != 1 {
		t.Errorf("stable series confidence = %v, want 1", fc.Confidence)
	}

	// A short noisy series is heavily discounted.
	noisy := make([]float64, 10)
	for i := range noisy {
		if i%2 == 0 {
			noisy[i] = 100
		}
	}
	f = newTestForecaster(t, sourceWithSeries(MetricFPS, noisy))
	fc, err = f.Predict(MetricFPS, 1000)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if math.Abs(fc.Confidence-0.15) > 1e-9 {
		t.Errorf("noisy series confidence = %v, want 0.15", fc.Confidence)
	}
}

func TestPredictAllCoversEveryTarget(t *testing.T) {
	f := newTestForecaster(t, sourceWithSeries(MetricFPS, constantSeries(60, 20)))

	forecasts, err := f.PredictAll(1000)
	if err != nil {
		t.Fatalf("PredictAll failed: %v", err)
	}
	if len(forecasts) != len(forecastTargets) {
		t.Fatalf("got %d forecasts, want %d", len(forecasts), len(forecastTargets))
	}
	for _, metric := range forecastTargets {
		fc, ok := forecasts[metric]
		if !ok {
			t.Errorf("missing forecast for %s", metric)
			continue
		}
		if fc.TargetMetric != metric {
			t.Errorf("forecast for %s labeled %s", metric, fc.TargetMetric)
		}
	}
}

func TestApplyConfigChangesMinSamples(t *testing.T) {
	f := newTestForecaster(t, sourceWithSeries(MetricFPS, constantSeries(60, 5)))

	fc, _ := f.Predict(MetricFPS, 1000)
	if fc.Algorithm != AlgorithmInsufficientData {
		t.Fatalf("Algorithm = %s, want insufficient-data below default minimum", fc.Algorithm)
	}

	cfg := adaptive.DefaultConfig()
	cfg.Forecast.MinSamples = 2
	if err := f.ApplyConfig(cfg); err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}

	fc, _ = f.Predict(MetricFPS, 1000)
	if fc.Algorithm != AlgorithmMovingAverage {
		t.Errorf("Algorithm = %s, want moving-average after lowering minimum", fc.Algorithm)
	}

	if err := f.ApplyConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestLinearRegressionFit(t *testing.T) {
	x := rampSeries(0, 1, 10)
	y := make([]float64, len(x))
	for i := range x {
		y[i] = 2*x[i] + 1
	}

	slope, intercept, r2 := linearRegression(x, y)
	if math.Abs(slope-2) > 1e-9 || math.Abs(intercept-1) > 1e-9 {
		t.Errorf("fit = (%v, %v), want (2, 1)", slope, intercept)
	}
	if math.Abs(r2-1) > 1e-9 {
		t.Errorf("r2 = %v, want 1", r2)
	}
}

func TestLinearRegressionDegenerateInputs(t *testing.T) {
	if slope, intercept, r2 := linearRegression([]float64{1}, []float64{2}); slope != 0 || intercept != 0 || r2 != 0 {
		t.Error("single-point fit should be all zeros")
	}
	slope, intercept, _ := linearRegression([]float64{3, 3, 3}, []float64{1, 2, 3})
	if slope != 0 || intercept != 2 {
		t.Errorf("constant-x fit = (%v, %v), want (0, mean 2)", slope, intercept)
	}
}

func TestExponentialSmoothing(t *testing.T) {
	if got := exponentialSmoothing(nil, 0.3); got != 0 {
		t.Errorf("empty series = %v, want 0", got)
	}
	if got := exponentialSmoothing([]float64{10}, 0.3); got != 10 {
		t.Errorf("single value = %v, want 10", got)
	}
	if got := exponentialSmoothing([]float64{0, 10}, 0.3); math.Abs(got-3) > 1e-9 {
		t.Errorf("smoothed = %v, want 3", got)
	}
}

package monitoring

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

func testSamplerConfig() *adaptive.Config {
	cfg := adaptive.DefaultConfig()
	cfg.Sampling.IntervalMs = 10
	cfg.Sampling.BufferSize = 5
	cfg.Sampling.MaxHistorySize = 3
	return cfg
}

func quietSamplerOptions() SamplerOptions {
	return SamplerOptions{
		Memory: StaticMemoryProvider{Info: MemoryInfo{Used: 50, Total: 100, Limit: 100}},
		CPU:    StaticCPUEstimator{Usage: 10},
	}
}

func TestNewSamplerValidation(t *testing.T) {
	if _, err := NewSampler(nil, SamplerOptions{}); err == nil {
		t.Error("expected error for nil config")
	}

	cfg := testSamplerConfig()
	cfg.Thresholds = nil
	if _, err := NewSampler(cfg, SamplerOptions{}); err == nil {
		t.Error("expected error for missing thresholds section")
	}
}

func TestFirstSampleHasZeroRate(t *testing.T) {
	s, err := NewSampler(testSamplerConfig(), quietSamplerOptions())
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	snap := s.Sample()
	if snap.FPS.Current != 0 {
		t.Errorf("first sample FPS.Current = %d, want 0", snap.FPS.Current)
	}
	if snap.FPS.Average != 0 || snap.FPS.Min != 0 || snap.FPS.Max != 0 {
		t.Errorf("first sample window stats = %+v, want zeros", snap.FPS)
	}
	if snap.Timestamp == 0 {
		t.Error("snapshot timestamp not set")
	}
}

func TestSampleComputesRateFromFrameDelta(t *testing.T) {
	s, err := NewSampler(testSamplerConfig(), quietSamplerOptions())
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	s.Sample()
	for i := 0; i < 300; i++ {
		s.RecordFrame(16.7)
	}
	time.Sleep(20 * time.Millisecond)

	snap := s.Sample()
	if snap.FPS.Current <= 0 {
		t.Errorf("FPS.Current = %d, want positive after recording frames", snap.FPS.Current)
	}
	if snap.FPS.Average != snap.FPS.Current {
		t.Errorf("single-entry window Average = %d, want %d", snap.FPS.Average, snap.FPS.Current)
	}
}

func TestRenderTimeSmoothing(t *testing.T) {
	s, err := NewSampler(testSamplerConfig(), quietSamplerOptions())
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	s.RecordFrame(20)
	s.RecordFrame(10)

	snap := s.Sample()
	want := 0.9*20 + 0.1*10
	if math.Abs(snap.RenderTimeMs-want) > 1e-9 {
		t.Errorf("RenderTimeMs = %v, want %v", snap.RenderTimeMs, want)
	}
}

func TestHistoryRetentionIsBounded(t *testing.T) {
	s, err := NewSampler(testSamplerConfig(), quietSamplerOptions())
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.Sample()
	}

	history := s.History(0)
	if len(history) != 3 {
		t.Fatalf("history length = %d, want capped at 3", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp < history[i-1].Timestamp {
			t.Error("history out of order")
		}
	}
	if got := s.History(2); len(got) != 2 {
		t.Errorf("History(2) returned %d snapshots, want 2", len(got))
	}
}

func TestHistoryDisabled(t *testing.T) {
	cfg := testSamplerConfig()
	cfg.Sampling.EnableHistory = false
	s, err := NewSampler(cfg, quietSamplerOptions())
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	s.Sample()
	if got := s.History(0); len(got) != 0 {
		t.Errorf("history length = %d with history disabled, want 0", len(got))
	}
	if _, ok := s.Latest(); ok {
		t.Error("Latest reported a snapshot with history disabled")
	}
}

func TestMemoryProviderFallback(t *testing.T) {
	opts := SamplerOptions{
		Memory:   StaticMemoryProvider{Err: errors.New("host read failed")},
		Fallback: StaticMemoryProvider{Info: MemoryInfo{Used: 30, Total: 100, Limit: 100}},
		CPU:      StaticCPUEstimator{Usage: 10},
	}
	s, err := NewSampler(testSamplerConfig(), opts)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	snap := s.Sample()
	if snap.Memory.Percentage != 30 {
		t.Errorf("Memory.Percentage = %v, want 30 from fallback", snap.Memory.Percentage)
	}
	if got := s.Stats().ProviderErrors; got != 1 {
		t.Errorf("ProviderErrors = %d, want 1", got)
	}
}

func TestMemoryProviderDoubleFailure(t *testing.T) {
	opts := SamplerOptions{
		Memory:   StaticMemoryProvider{Err: errors.New("host read failed")},
		Fallback: StaticMemoryProvider{Err: errors.New("fallback failed")},
		CPU:      StaticCPUEstimator{Usage: 10},
	}
	s, err := NewSampler(testSamplerConfig(), opts)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	snap := s.Sample()
	if snap.Memory != (MemoryStats{}) {
		t.Errorf("Memory = %+v, want zero value when both providers fail", snap.Memory)
	}
	if got := s.Stats().ProviderErrors; got != 2 {
		t.Errorf("ProviderErrors = %d, want 2", got)
	}
}

func TestEstimatorFailureDegradesToZero(t *testing.T) {
	opts := quietSamplerOptions()
	opts.CPU = StaticCPUEstimator{Err: errors.New("probe failed")}
	s, err := NewSampler(testSamplerConfig(), opts)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	snap := s.Sample()
	if snap.CPU.Usage != 0 {
		t.Errorf("CPU.Usage = %v, want 0 on estimator failure", snap.CPU.Usage)
	}
	if got := s.Stats().EstimatorErrors; got != 1 {
		t.Errorf("EstimatorErrors = %d, want 1", got)
	}
}

func TestSamplerRaisesThresholdAlerts(t *testing.T) {
	opts := SamplerOptions{
		Memory: StaticMemoryProvider{Info: MemoryInfo{Used: 92, Total: 100, Limit: 100}},
		CPU:    StaticCPUEstimator{Usage: 95},
	}
	s, err := NewSampler(testSamplerConfig(), opts)
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}

	var alerts []Alert
	s.SetAlertFunc(func(a Alert) { alerts = append(alerts, a) })

	// The first sample has no frame-rate measurement, so only the memory and
	// cpu readings alert.
	s.Sample()
	if len(alerts) != 2 {
		t.Fatalf("first sample: got %d alerts, want 2: %+v", len(alerts), alerts)
	}

	// The second sample measures 0 fps over a real interval and alerts on
	// all three metrics.
	alerts = alerts[:0]
	time.Sleep(2 * time.Millisecond)
	s.Sample()

	if len(alerts) != 3 {
		t.Fatalf("got %d alerts, want 3: %+v", len(alerts), alerts)
	}
	byMetric := make(map[string]Alert, len(alerts))
	for _, a := range alerts {
		byMetric[a.Metric] = a
	}
	for _, metric := range []string{"fps", "memory", "cpu"} {
		a, ok := byMetric[metric]
		if !ok {
			t.Errorf("missing alert for %s", metric)
			continue
		}
		if a.Level != AlertCritical {
			t.Errorf("%s alert level = %s, want critical", metric, a.Level)
		}
		if a.Message == "" {
			t.Errorf("%s alert has empty message", metric)
		}
	}
}

func TestCollectAlertsLevels(t *testing.T) {
	thresholds := *adaptive.DefaultConfig().Thresholds

	cases := []struct {
		name  string
		snap  MetricSnapshot
		count int
		level AlertLevel
	}{
		{"healthy", makeSnapshot(1, 60), 0, ""},
		{"fps at warning boundary", func() MetricSnapshot {
			s := makeSnapshot(1, 45)
			return s
		}(), 0, ""},
		{"fps warning", makeSnapshot(1, 40), 1, AlertWarning},
		{"fps critical", makeSnapshot(1, 25), 1, AlertCritical},
		{"memory warning", func() MetricSnapshot {
			s := makeSnapshot(1, 60)
			s.Memory.Percentage = 80
			return s
		}(), 1, AlertWarning},
		{"memory at warning boundary", func() MetricSnapshot {
			s := makeSnapshot(1, 60)
			s.Memory.Percentage = 75
			return s
		}(), 0, ""},
		{"cpu critical", func() MetricSnapshot {
			s := makeSnapshot(1, 60)
			s.CPU.Usage = 95
			return s
		}(), 1, AlertCritical},
	}

	for _, tc := range cases {
		alerts := collectAlerts(tc.snap, thresholds)
		if len(alerts) != tc.count {
			t.Errorf("%s: got %d alerts, want %d", tc.name, len(alerts), tc.count)
			continue
		}
		if tc.count == 1 && alerts[0].Level != tc.level {
			t.Errorf("%s: level = %s, want %s", tc.name, alerts[0].Level, tc.level)
		}
	}
}

func TestSummarizeFPS(t *testing.T) {
	stats := summarizeFPS(59, []int{60, 58, 61, 59})
	if stats.Current != 59 {
		t.Errorf("Current = %d, want 59", stats.Current)
	}
	if stats.Min != 58 || stats.Max != 61 {
		t.Errorf("Min/Max = %d/%d, want 58/61", stats.Min, stats.Max)
	}
	if stats.Average != 60 {
		t.Errorf("Average = %d, want 60", stats.Average)
	}
}

func TestApplyConfigTrimsState(t *testing.T) {
	s, err := NewSampler(testSamplerConfig(), quietSamplerOptions())
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		s.Sample()
	}

	next := testSamplerConfig()
	next.Sampling.BufferSize = 2
	next.Sampling.MaxHistorySize = 1
	next.Thresholds.FPS = adaptive.ThresholdBand{Warning: 50, Critical: 40}
	if err := s.ApplyConfig(next); err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}

	if got := len(s.History(0)); got != 1 {
		t.Errorf("history length after shrink = %d, want 1", got)
	}
	if got := s.Thresholds().FPS.Warning; got != 50 {
		t.Errorf("FPS warning after ApplyConfig = %v, want 50", got)
	}

	if err := s.ApplyConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestEachSnapshotStopsEarly(t *testing.T) {
	s, err := NewSampler(testSamplerConfig(), quietSamplerOptions())
	if err != nil {
		t.Fatalf("NewSampler failed: %v", err)
	}
	s.Sample()
	s.Sample()

	seen := 0
	s.EachSnapshot(func(MetricSnapshot) bool {
		seen++
		return false
	})
	if seen != 1 {
		t.Errorf("walk visited %d snapshots, want 1", seen)
	}
}

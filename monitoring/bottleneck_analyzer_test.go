package monitoring

import (
	"math"
	"testing"
	"time"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(adaptive.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewAnalyzer failed: %v", err)
	}
	return a
}

func TestAnalyzeHealthySnapshot(t *testing.T) {
	a := newTestAnalyzer(t)

	report := a.Analyze(makeSnapshot(1, 60))
	if report.Detected {
		t.Error("healthy snapshot flagged as bottleneck")
	}
	if report.Severity != 0 {
		t.Errorf("Severity = %v, want 0", report.Severity)
	}
	if len(report.Categories) != 0 || len(report.Details) != 0 || len(report.Recommendations) != 0 {
		t.Errorf("healthy report carries findings: %+v", report)
	}

	// A steady series hovering around 60 stays clear of the 45 warning floor.
	snap := makeSnapshot(2, 59)
	snap.FPS = summarizeFPS(59, []int{60, 58, 61, 59})
	if report := a.Analyze(snap); report.Detected {
		t.Errorf("steady frame rate flagged as bottleneck: %+v", report)
	}
}

func TestAnalyzeLowFrameRate(t *testing.T) {
	a := newTestAnalyzer(t)

	report := a.Analyze(makeSnapshot(1, 25))
	if !report.Detected {
		t.Fatal("fps 25 against warning 45 not detected")
	}
	if len(report.Categories) != 1 || report.Categories[0] != CategoryRendering {
		t.Errorf("Categories = %v, want [rendering]", report.Categories)
	}

	detail, ok := report.Details["fps"]
	if !ok {
		t.Fatal("missing fps detail")
	}
	want := (45.0 - 25.0) / 45.0
	if math.Abs(detail.Severity-want) > 1e-9 {
		t.Errorf("fps severity = %v, want %v", detail.Severity, want)
	}
	if detail.Value != 25 || detail.Threshold != 45 {
		t.Errorf("fps detail = %+v", detail)
	}
}

func TestAnalyzeMemoryPressure(t *testing.T) {
	a := newTestAnalyzer(t)

	snap := makeSnapshot(1, 60)
	snap.Memory.Percentage = 92
	report := a.Analyze(snap)

	detail, ok := report.Details["memory"]
	if !ok {
		t.Fatal("missing memory detail")
	}
	want := (92.0 - 75.0) / 25.0
	if math.Abs(detail.Severity-want) > 1e-9 {
		t.Errorf("memory severity = %v, want %v", detail.Severity, want)
	}
	if len(report.Categories) != 1 || report.Categories[0] != CategoryMemory {
		t.Errorf("Categories = %v, want [memory]", report.Categories)
	}
}

func TestAnalyzeSlowRenderAndCPU(t *testing.T) {
	a := newTestAnalyzer(t)

	snap := makeSnapshot(1, 60)
	snap.RenderTimeMs = 50
	snap.CPU.Usage = 85
	report := a.Analyze(snap)

	rt, ok := report.Details["renderTime"]
	if !ok {
		t.Fatal("missing renderTime detail")
	}
	wantRT := (50.0 - 33.3) / 33.3
	if math.Abs(rt.Severity-wantRT) > 1e-9 {
		t.Errorf("renderTime severity = %v, want %v", rt.Severity, wantRT)
	}

	cpu, ok := report.Details["cpu"]
	if !ok {
		t.Fatal("missing cpu detail")
	}
	if math.Abs(cpu.Severity-0.5) > 1e-9 {
		t.Errorf("cpu severity = %v, want 0.5", cpu.Severity)
	}

	if len(report.Categories) != 2 || report.Categories[0] != CategoryRendering || report.Categories[1] != CategoryCPU {
		t.Errorf("Categories = %v, want [rendering cpu]", report.Categories)
	}
}

func TestSeverityIsMeanOfDetails(t *testing.T) {
	a := newTestAnalyzer(t)

	snap := makeSnapshot(1, 25)
	snap.Memory.Percentage = 92
	report := a.Analyze(snap)

	fps := (45.0 - 25.0) / 45.0
	mem := (92.0 - 75.0) / 25.0
	want := (fps + mem) / 2
	if math.Abs(report.Severity-want) > 1e-9 {
		t.Errorf("Severity = %v, want %v", report.Severity, want)
	}
}

func TestSeverityClampsAtOne(t *testing.T) {
	a := newTestAnalyzer(t)

	snap := makeSnapshot(1, 0)
	snap.Memory.Percentage = 100
	report := a.Analyze(snap)

	for metric, detail := range report.Details {
		if detail.Severity > 1 {
			t.Errorf("%s severity = %v, exceeds 1", metric, detail.Severity)
		}
	}
	if report.Severity != 1 {
		t.Errorf("Severity = %v, want 1", report.Severity)
	}
}

func TestRecommendationsFollowCategories(t *testing.T) {
	a := newTestAnalyzer(t)

	snap := makeSnapshot(1, 25)
	snap.Memory.Percentage = 92
	report := a.Analyze(snap)

	found := map[string]bool{}
	for _, r := range report.Recommendations {
		found[r] = true
	}
	if !found["reduce particle count"] {
		t.Errorf("rendering recommendation missing: %v", report.Recommendations)
	}
	if !found["trigger cleanup"] {
		t.Errorf("memory recommendation missing: %v", report.Recommendations)
	}
}

func TestReportHistoryIsBounded(t *testing.T) {
	cfg := adaptive.DefaultConfig()
	cfg.Thresholds.MaxReportHistory = 3
	a, err := NewAnalyzer(cfg, nil)
	if err != nil {
		t.Fatalf("NewAnalyzer failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		a.Analyze(makeSnapshot(int64(i), 25+i))
	}

	reports := a.Reports()
	if len(reports) != 3 {
		t.Fatalf("retained %d reports, want 3", len(reports))
	}

	latest, ok := a.LatestReport()
	if !ok {
		t.Fatal("LatestReport reported none")
	}
	if latest.Details["fps"].Value != 29 {
		t.Errorf("latest fps value = %v, want 29", latest.Details["fps"].Value)
	}
}

func TestForecastBelowConfidenceIsIgnored(t *testing.T) {
	a := newTestAnalyzer(t)

	forecasts := map[TargetMetric]Forecast{
		MetricFPS: {TargetMetric: MetricFPS, PredictedValue: 20, Confidence: 0.4},
	}
	report := a.AnalyzeWithForecasts(makeSnapshot(1, 60), forecasts)
	if report.Detected {
		t.Errorf("low-confidence forecast triggered detection: %+v", report)
	}
}

func TestForecastAddsPreemptiveDetection(t *testing.T) {
	a := newTestAnalyzer(t)

	forecasts := map[TargetMetric]Forecast{
		MetricFPS: {TargetMetric: MetricFPS, PredictedValue: 25, Confidence: 0.8},
	}
	report := a.AnalyzeWithForecasts(makeSnapshot(1, 60), forecasts)
	if !report.Detected {
		t.Fatal("confident violating forecast not detected")
	}

	detail, ok := report.Details["fps_forecast"]
	if !ok {
		t.Fatalf("missing fps_forecast detail: %+v", report.Details)
	}
	want := (45.0 - 25.0) / 45.0 * 0.8 * 0.5
	if math.Abs(detail.Severity-want) > 1e-9 {
		t.Errorf("forecast severity = %v, want %v", detail.Severity, want)
	}
	if len(report.Categories) != 1 || report.Categories[0] != CategoryRendering {
		t.Errorf("Categories = %v, want [rendering]", report.Categories)
	}
}

func TestAnalyzerApplyConfig(t *testing.T) {
	a := newTestAnalyzer(t)
	for i := 0; i < 4; i++ {
		a.Analyze(makeSnapshot(int64(i), 60))
	}

	cfg := adaptive.DefaultConfig()
	cfg.Thresholds.FPS = adaptive.ThresholdBand{Warning: 70, Critical: 50}
	cfg.Thresholds.MaxReportHistory = 2
	if err := a.ApplyConfig(cfg); err != nil {
		t.Fatalf("ApplyConfig failed: %v", err)
	}

	if got := len(a.Reports()); got != 2 {
		t.Errorf("reports after shrink = %d, want 2", got)
	}

	report := a.Analyze(makeSnapshot(9, 60))
	if !report.Detected {
		t.Error("fps 60 against raised warning 70 not detected")
	}

	if err := a.ApplyConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestReportTimestamps(t *testing.T) {
	a := newTestAnalyzer(t)
	before := time.Now()
	report := a.Analyze(makeSnapshot(1, 60))
	if report.AnalyzedAt.Before(before) {
		t.Error("AnalyzedAt precedes analysis")
	}
}

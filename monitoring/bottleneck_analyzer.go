package monitoring

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

// Category groups related bottleneck signals. Frame rate and render time
// both indict the rendering path.
type Category string

const (
	CategoryRendering Category = "rendering"
	CategoryMemory    Category = "memory"
	CategoryCPU       Category = "cpu"
)

// categoryOrder fixes the reporting order so identical inputs always yield
// identical reports.
var categoryOrder = []Category{CategoryRendering, CategoryMemory, CategoryCPU}

// recommendationsByCategory is the fixed advice table. Recommendations are
// hints for the decision layer and for dashboards; the analyzer itself never
// acts on them.
var recommendationsByCategory = map[Category][]string{
	CategoryRendering: {"reduce particle count", "lower render batch size"},
	CategoryMemory:    {"trigger cleanup", "shrink resource pool"},
	CategoryCPU:       {"reduce simulation frequency", "defer background work"},
}

// CategoryDetail records one violating metric and how far past its threshold
// it sits. Severity is normalized to 0..1, where 1 means the worst the scale
// can express.
type CategoryDetail struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Severity  float64 `json:"severity"`
}

// BottleneckReport is the outcome of analyzing one snapshot. Severity is the
// mean of the per-metric severities and is zero exactly when nothing was
// detected.
type BottleneckReport struct {
	Detected        bool                      `json:"detected"`
	Categories      []Category                `json:"categories"`
	Severity        float64                   `json:"severity"`
	Details         map[string]CategoryDetail `json:"details"`
	Recommendations []string                  `json:"recommendations"`
	AnalyzedAt      time.Time                 `json:"analyzed_at"`
}

// Analyzer turns snapshots into bottleneck reports by comparing each metric
// against the warning thresholds. Reports are retained up to a configured
// limit for trend inspection.
type Analyzer struct {
	mu         sync.Mutex
	thresholds adaptive.ThresholdConfig
	maxReports int
	reports    []BottleneckReport
	logger     *slog.Logger
}

// NewAnalyzer builds an analyzer from a validated configuration snapshot.
func NewAnalyzer(cfg *adaptive.Config, logger *slog.Logger) (*Analyzer, error) {
	if cfg == nil || cfg.Thresholds == nil {
		return nil, errors.New("analyzer: incomplete config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		thresholds: *cfg.Thresholds,
		maxReports: cfg.Thresholds.MaxReportHistory,
		logger:     logger,
	}, nil
}

// Name implements adaptive.Reconfigurable.
func (a *Analyzer) Name() string { return "analyzer" }

// ApplyConfig implements adaptive.Reconfigurable.
func (a *Analyzer) ApplyConfig(cfg *adaptive.Config) error {
	if cfg == nil || cfg.Thresholds == nil {
		return fmt.Errorf("analyzer: incomplete config")
	}
	a.mu.Lock()
	a.thresholds = *cfg.Thresholds
	a.maxReports = cfg.Thresholds.MaxReportHistory
	if a.maxReports > 0 && len(a.reports) > a.maxReports {
		a.reports = a.reports[len(a.reports)-a.maxReports:]
	}
	a.mu.Unlock()
	return nil
}

// SetThresholds replaces the detection thresholds.
func (a *Analyzer) SetThresholds(t adaptive.ThresholdConfig) {
	a.mu.Lock()
	a.thresholds = t
	a.mu.Unlock()
}

// Analyze evaluates one snapshot against the warning thresholds.
func (a *Analyzer) Analyze(snap MetricSnapshot) BottleneckReport {
	return a.AnalyzeWithForecasts(snap, nil)
}

// AnalyzeWithForecasts evaluates a snapshot plus optional forecasts. A
// forecast contributes a pre-emptive detection when it predicts a warning
// violation with confidence of at least 0.5; its severity is discounted by
// the confidence and halved again because the violation has not happened yet.
func (a *Analyzer) AnalyzeWithForecasts(snap MetricSnapshot, forecasts map[TargetMetric]Forecast) BottleneckReport {
	a.mu.Lock()
	t := a.thresholds
	a.mu.Unlock()

	details := make(map[string]CategoryDetail)
	inCategory := make(map[Category]bool)

	evaluate := func(metric string, category Category, value, threshold, severity float64) {
		if severity <= 0 {
			return
		}
		details[metric] = CategoryDetail{
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			Severity:  clamp01(severity),
		}
		inCategory[category] = true
	}

	fps := float64(snap.FPS.Current)
	if fps < t.FPS.Warning && t.FPS.Warning > 0 {
		evaluate("fps", CategoryRendering, fps, t.FPS.Warning, (t.FPS.Warning-fps)/t.FPS.Warning)
	}
	if rt := snap.RenderTimeMs; rt > t.RenderTime.Warning && t.RenderTime.Warning > 0 {
		evaluate("renderTime", CategoryRendering, rt, t.RenderTime.Warning, (rt-t.RenderTime.Warning)/t.RenderTime.Warning)
	}
	if pct := snap.Memory.Percentage; pct > t.Memory.Warning && t.Memory.Warning < 100 {
		evaluate("memory", CategoryMemory, pct, t.Memory.Warning, (pct-t.Memory.Warning)/(100-t.Memory.Warning))
	}
	if cpu := snap.CPU.Usage; cpu > t.CPU.Warning && t.CPU.Warning < 100 {
		evaluate("cpu", CategoryCPU, cpu, t.CPU.Warning, (cpu-t.CPU.Warning)/(100-t.CPU.Warning))
	}

	for metric, fc := range forecasts {
		if fc.Confidence < 0.5 {
			continue
		}
		discount := fc.Confidence * 0.5
		switch metric {
		case MetricFPS:
			if v := fc.PredictedValue; v < t.FPS.Warning && t.FPS.Warning > 0 {
				evaluate("fps_forecast", CategoryRendering, v, t.FPS.Warning,
					(t.FPS.Warning-v)/t.FPS.Warning*discount)
			}
		case MetricMemory:
			if v := fc.PredictedValue; v > t.Memory.Warning && t.Memory.Warning < 100 {
				evaluate("memory_forecast", CategoryMemory, v, t.Memory.Warning,
					(v-t.Memory.Warning)/(100-t.Memory.Warning)*discount)
			}
		case MetricRenderTime:
			if v := fc.PredictedValue; v > t.RenderTime.Warning && t.RenderTime.Warning > 0 {
				evaluate("renderTime_forecast", CategoryRendering, v, t.RenderTime.Warning,
					(v-t.RenderTime.Warning)/t.RenderTime.Warning*discount)
			}
		}
	}

	report := BottleneckReport{
		Detected:   len(details) > 0,
		Details:    details,
		AnalyzedAt: time.Now(),
	}
	if report.Detected {
		sum := 0.0
		for _, d := range details {
			sum += d.Severity
		}
		report.Severity = sum / float64(len(details))

		for _, c := range categoryOrder {
			if inCategory[c] {
				report.Categories = append(report.Categories, c)
				report.Recommendations = append(report.Recommendations, recommendationsByCategory[c]...)
			}
		}
		a.logger.Debug("bottleneck detected",
			"categories", report.Categories, "severity", report.Severity)
	}

	a.record(report)
	return report
}

func (a *Analyzer) record(report BottleneckReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
	if a.maxReports > 0 && len(a.reports) > a.maxReports {
		a.reports = a.reports[len(a.reports)-a.maxReports:]
	}
}

// Reports returns a copy of the retained reports in oldest-first order.
func (a *Analyzer) Reports() []BottleneckReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]BottleneckReport, len(a.reports))
	copy(out, a.reports)
	return out
}

// LatestReport returns the most recent report, if any.
func (a *Analyzer) LatestReport() (BottleneckReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.reports) == 0 {
		return BottleneckReport{}, false
	}
	return a.reports[len(a.reports)-1], true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

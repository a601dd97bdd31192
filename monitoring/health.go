package monitoring

import (
	"sort"
	"time"
)

// HealthState buckets a numeric health score for dashboards and logs.
type HealthState string

const (
	HealthExcellent HealthState = "excellent"
	HealthGood      HealthState = "good"
	HealthFair      HealthState = "fair"
	HealthPoor      HealthState = "poor"
)

// StateForScore maps a 0..100 score onto a HealthState.
func StateForScore(score float64) HealthState {
	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 70:
		return HealthGood
	case score >= 50:
		return HealthFair
	default:
		return HealthPoor
	}
}

// ComponentHealth scores one participant of the pipeline.
type ComponentHealth struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Errors uint64  `json:"errors"`
	Stale  bool    `json:"stale"`
	Detail string  `json:"detail,omitempty"`
}

// HealthReport aggregates component scores into one figure. Score is the
// mean of the component scores; with no components the system is considered
// healthy by default.
type HealthReport struct {
	Score       float64           `json:"score"`
	State       HealthState       `json:"state"`
	Components  []ComponentHealth `json:"components"`
	GeneratedAt time.Time         `json:"generated_at"`
}

const (
	errorPenalty    = 5.0
	stalenessGrace  = 1
	stalenessCutoff = 3
)

// ErrorScore converts an error count into a 0..100 score, costing five
// points per error.
func ErrorScore(errors uint64) float64 {
	score := 100 - errorPenalty*float64(errors)
	if score < 0 {
		return 0
	}
	return score
}

// StalenessScore rates recency of activity. Activity within maxAge scores
// full marks, activity older than maxAge loses 40 points, and anything older
// than three times maxAge scores zero.
func StalenessScore(age, maxAge time.Duration) float64 {
	if maxAge <= 0 {
		return 100
	}
	switch {
	case age <= maxAge*stalenessGrace:
		return 100
	case age <= maxAge*stalenessCutoff:
		return 60
	default:
		return 0
	}
}

// ComputeHealth folds component scores into a report, sorting components by
// name for stable output.
func ComputeHealth(at time.Time, components []ComponentHealth) HealthReport {
	report := HealthReport{
		Components:  append([]ComponentHealth(nil), components...),
		GeneratedAt: at,
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})

	if len(report.Components) == 0 {
		report.Score = 100
	} else {
		sum := 0.0
		for _, c := range report.Components {
			sum += c.Score
		}
		report.Score = sum / float64(len(report.Components))
	}
	report.State = StateForScore(report.Score)
	return report
}

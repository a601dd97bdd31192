package adaptive

// LowEndConfig returns a profile for constrained devices: slower sampling, a
// smaller particle budget and aggressive optimization so corrective actions
// bite early.
func LowEndConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sampling.IntervalMs = 2000
	cfg.Sampling.BufferSize = 30
	cfg.Thresholds.FPS = ThresholdBand{Warning: 30, Critical: 20}
	cfg.Thresholds.Memory = ThresholdBand{Warning: 65, Critical: 80}
	cfg.Optimization.Aggressiveness = AggressivenessAggressive
	cfg.Pool.InitialSize = 50
	cfg.Pool.MaxSize = 200
	cfg.Health.FilterFPSThreshold = 24
	return cfg
}

// HighRefreshConfig returns a profile for 120 Hz displays: tighter fps floors,
// a larger fps window and a bigger particle budget, with conservative
// optimization so transient dips do not trigger visible quality drops.
func HighRefreshConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sampling.BufferSize = 120
	cfg.Thresholds.FPS = ThresholdBand{Warning: 90, Critical: 60}
	cfg.Thresholds.RenderTime = ThresholdBand{Warning: 16.6, Critical: 25.0}
	cfg.Optimization.Aggressiveness = AggressivenessConservative
	cfg.Pool.InitialSize = 200
	cfg.Pool.MaxSize = 1000
	cfg.Health.FilterFPSThreshold = 60
	return cfg
}

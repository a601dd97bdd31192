// Package adaptive provides configuration management for the performance
// governor.
//
// Configuration is organized into sections mirroring the governor's
// components:
//
//   - Sampling: metric sampling tick and history sizing
//   - Thresholds: per-metric warning/critical bands
//   - Optimization: decision aggressiveness and queue bounds
//   - Pool: particle pool sizing
//   - Forecast: forecasting windows, horizons and ensemble weights
//   - Health: health tick, alert cooldown and quality recovery
//
// # Snapshots
//
// A Config is an immutable snapshot. The Manager owns the active snapshot and
// is the only way to change it: Update clones the active snapshot, applies a
// mutation to the clone, normalizes and validates it, and swaps it in. Code
// holding an older snapshot keeps a consistent view; nothing is ever mutated
// in place, so a re-entrant read during a change callback cannot observe a
// half-applied configuration.
//
//	mgr, err := adaptive.NewManager(nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	events := mgr.Subscribe()
//	go func() {
//		for ev := range events {
//			log.Printf("config %s from %s (ok=%v)", ev.Type, ev.Source, ev.Success)
//		}
//	}()
//
//	_, err = mgr.Update("operator", func(c *adaptive.Config) {
//		c.Optimization.Aggressiveness = adaptive.AggressivenessAggressive
//		c.Pool.MaxSize = 800
//	})
//
// # Validation and clamping
//
// Validate fails fast with the offending field and value. Two fields clamp
// instead of failing, and only those two: an unknown aggressiveness tier
// clamps to moderate, and the forecast smoothing alpha clamps into
// [0.05, 0.95].
//
// # Profiles
//
// DefaultConfig targets a 60 fps workload; LowEndConfig and HighRefreshConfig
// are starting points for constrained devices and 120 Hz displays.
package adaptive

// Package optimize implements the decision and actuation half of the
// performance governance loop: it watches sampled metrics, decides when the
// particle workload must shed load, queues the resulting optimization
// requests by priority, and applies them to the resource pool and the
// quality tier controller.
//
// The package is driven by the Governor, which owns the loop's two timers
// (the sampling tick and the health tick) and wires together the monitoring
// pipeline, the decision engine, the priority queue and the actuation
// targets. All other components are passive and can be exercised directly
// in tests.
//
// Key behaviors:
//
// - Ordered decision rules: emergency (frame rate and memory both critical)
//   outranks performance, memory and ui optimizations; at most one request
//   is produced per tick.
// - Single-flight application: while a request is being applied the engine
//   suppresses new decisions instead of queueing duplicates.
// - Priority queue with overflow shedding: when the queue is full the lowest
//   priority entry is dropped and audit-recorded; high and critical requests
//   bypass the queue entirely.
// - Quality tiers: high, medium and low budgets cap what the render layer
//   may spend; recovery requires a configured streak of healthy ticks.
//
// Usage:
//
//	manager, _ := adaptive.NewManager(nil)
//	pool, _ := particle.NewParticlePool(ctx, factory, 100, 500)
//
//	gov, err := optimize.NewGovernor(optimize.GovernorDeps{
//		Manager: manager,
//		Pool:    pool,
//	})
//	if err != nil {
//		return err
//	}
//	if err := gov.Start(); err != nil {
//		return err
//	}
//	defer gov.Destroy()
//
// The render loop reports frames through the governor's sampler:
//
//	gov.Sampler().RecordFrame(renderMillis)
package optimize

package optimize

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sk8metalme/perfgov/config/adaptive"
	"github.com/sk8metalme/perfgov/particle"
)

// TestGovernorConcurrentStress hammers a running governor from several
// directions at once: frame recording, spawn and despawn churn on the pool,
// sampling and health ticks, configuration updates, and read-side queries.
// The assertions are deliberately loose; the test exists to surface
// deadlocks and data races.
func TestGovernorConcurrentStress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrency stress test in short mode")
	}

	h := newGovHarness(t, func(cfg *adaptive.Config) {
		cfg.Pool.InitialSize = 64
		cfg.Pool.MaxSize = 256
		cfg.Health.RecoveryStreak = 2
	})

	var (
		stop      = make(chan struct{})
		wg        sync.WaitGroup
		frames    uint64
		ticks     uint64
		spawns    uint64
		spawnErrs uint64
		updates   uint64
	)

	// Frame recorder: a render loop reporting frame times.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.gov.Sampler().RecordFrame(16.7)
				atomic.AddUint64(&frames, 1)
				runtime.Gosched()
			}
		}
	}()

	// Pool churn: spawn and despawn while the governor resizes underneath.
	wg.Add(1)
	go func() {
		defer wg.Done()
		var live []particle.Entry
		for {
			select {
			case <-stop:
				for _, e := range live {
					_ = h.pool.Despawn(e)
				}
				return
			default:
			}
			if len(live) < 32 {
				if e, err := h.pool.Spawn(); err != nil {
					atomic.AddUint64(&spawnErrs, 1)
				} else {
					live = append(live, e)
					atomic.AddUint64(&spawns, 1)
				}
			}
			if len(live) > 0 {
				// Entries can be evicted by a shrink between spawn and
				// despawn; that error is part of the scenario.
				_ = h.pool.Despawn(live[0])
				live = live[1:]
			}
			runtime.Gosched()
		}
	}()

	// Tick driver: sampling ticks with shifting memory pressure, plus the
	// occasional health tick.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pressures := []float64{50, 80, 92, 50}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			h.memory.set(pressures[i%len(pressures)])
			h.scheduler.Fire("sample")
			atomic.AddUint64(&ticks, 1)
			if i%5 == 0 {
				h.scheduler.Fire("health")
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Config updater: flips the decision aggressiveness back and forth.
	wg.Add(1)
	go func() {
		defer wg.Done()
		levels := []adaptive.Aggressiveness{
			adaptive.AggressivenessConservative,
			adaptive.AggressivenessAggressive,
		}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			level := levels[i%len(levels)]
			_, err := h.manager.Update("stress", func(cfg *adaptive.Config) {
				cfg.Optimization.Aggressiveness = level
			})
			if err == nil {
				atomic.AddUint64(&updates, 1)
			}
			time.Sleep(3 * time.Millisecond)
		}
	}()

	// Readers: every public query the governor exposes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = h.gov.Health(), h.gov.Tier()
				_ = h.gov.QueueStats()
				_ = h.gov.Records()
				_ = h.gov.Ticks()
				_ = h.pool.Stats()
				runtime.Gosched()
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.True(t, h.gov.Running(), "governor must survive the stress run")
	assert.Greater(t, h.gov.Ticks(), uint64(1))

	stats := h.gov.QueueStats()
	assert.GreaterOrEqual(t, stats.Enqueued, stats.Completed+stats.Failed+stats.Dropped,
		"every finished request must have been enqueued first")

	cfg := h.manager.Current()
	if cfg.Optimization.MaxRecordHistory > 0 {
		assert.LessOrEqual(t, len(h.gov.Records()), cfg.Optimization.MaxRecordHistory)
	}

	t.Logf("stress run: frames=%d ticks=%d spawns=%d spawnErrs=%d configUpdates=%d",
		atomic.LoadUint64(&frames), atomic.LoadUint64(&ticks),
		atomic.LoadUint64(&spawns), atomic.LoadUint64(&spawnErrs),
		atomic.LoadUint64(&updates))
	t.Logf("final state: tier=%s capacity=%d queue=%+v",
		h.gov.Tier(), h.pool.Capacity(), stats)
}

// TestQueueConcurrentEnqueueAndClose closes the queue while producers are
// still enqueueing. Late requests must fail with ErrQueueClosed and nothing
// may panic or deadlock.
func TestQueueConcurrentEnqueueAndClose(t *testing.T) {
	applier := &recordingApplier{}
	q := newTestQueue(t, queueConfig(128), applier, QueueOptions{})

	var (
		wg       sync.WaitGroup
		accepted uint64
		rejected uint64
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := q.Enqueue(request(RequestMemory, PriorityMedium, "churn"))
				switch {
				case err == nil:
					atomic.AddUint64(&accepted, 1)
				case errors.Is(err, ErrQueueClosed):
					atomic.AddUint64(&rejected, 1)
				default:
					t.Errorf("unexpected enqueue error: %v", err)
				}
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	q.Close()
	wg.Wait()

	assert.Equal(t, uint64(800), atomic.LoadUint64(&accepted)+atomic.LoadUint64(&rejected))
	assert.ErrorIs(t, q.Enqueue(request(RequestUI, PriorityLow, "late")), ErrQueueClosed)
}

// Command governor runs a self-contained demonstration of the adaptive
// performance pipeline: a simulated render loop feeds frames into a
// governor, the governor reacts to load by resizing the particle pool and
// stepping the quality tier, and every applied optimization lands in a
// JSON-lines audit log. Metrics are served on :9090/metrics.
package main

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sk8metalme/perfgov/config/adaptive"
	"github.com/sk8metalme/perfgov/monitoring"
	"github.com/sk8metalme/perfgov/optimize"
	"github.com/sk8metalme/perfgov/particle"
)

// spark is the demo's pooled particle.
type spark struct {
	x, y, vx, vy float64
	ttl          int
}

func (s *spark) Reset() { *s = spark{} }

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := adaptive.DefaultConfig()
	cfg.Pool.InitialSize = 200
	cfg.Pool.MaxSize = 500
	cfg.Sampling.IntervalMs = 500

	manager, err := adaptive.NewManager(cfg)
	if err != nil {
		log.Fatalf("config manager: %v", err)
	}
	cfg = manager.Current()

	pool, err := particle.NewParticlePool(ctx, func() particle.Entry { return &spark{} },
		cfg.Pool.InitialSize, cfg.Pool.MaxSize)
	if err != nil {
		log.Fatalf("particle pool: %v", err)
	}
	defer pool.Close()

	sink, err := optimize.NewFileRecordSink("optimizations.jsonl")
	if err != nil {
		log.Fatalf("record sink: %v", err)
	}
	defer sink.Close()

	gov, err := optimize.NewGovernor(optimize.GovernorDeps{
		Manager: manager,
		Pool:    pool,
		Sink:    sink,
	})
	if err != nil {
		log.Fatalf("governor: %v", err)
	}
	if err := gov.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer gov.Destroy()

	gov.Distributor().Subscribe(monitoring.EventAlert, func(payload interface{}) {
		if a, ok := payload.(monitoring.Alert); ok {
			log.Printf("ALERT [%s] %s: %s", a.Level, a.Metric, a.Message)
		}
	})
	gov.Distributor().Subscribe(monitoring.EventTier, func(payload interface{}) {
		if e, ok := payload.(optimize.TierEvent); ok {
			log.Printf("quality tier now %s (max particles %d, trails %t, post fx %t)",
				e.Tier, e.Budget.MaxParticles, e.Budget.Trails, e.Budget.PostFX)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gov.Distributor().Registry(), promhttp.HandlerOpts{}))
	go func() {
		log.Println("metrics on http://localhost:9090/metrics")
		if err := http.ListenAndServe(":9090", mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	// After a while, let an operator crank the reaction strength up without
	// restarting anything.
	time.AfterFunc(30*time.Second, func() {
		_, err := manager.Update("demo-operator", func(cfg *adaptive.Config) {
			cfg.Optimization.Aggressiveness = adaptive.AggressivenessAggressive
		})
		if err != nil {
			log.Printf("config update: %v", err)
		} else {
			log.Println("switched to aggressive optimization")
		}
	})

	go renderLoop(ctx, gov, pool)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	if err := gov.Stop(); err != nil {
		log.Printf("stop: %v", err)
	}

	log.Printf("ticks run: %d", gov.Ticks())
	for _, rec := range gov.Records() {
		log.Printf("applied %-12s priority=%-8s status=%-9s detail=%q",
			rec.Type, rec.Priority, rec.Status, rec.Detail)
	}
}

// renderLoop simulates a frame loop whose cost grows with the number of live
// particles. Load ramps up over time so the governor has something to fight.
func renderLoop(ctx context.Context, gov *optimize.Governor, pool *particle.ParticlePool) {
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	elapsed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		elapsed++

		// Spawn pressure rises for the first minute, then oscillates.
		burst := 2 + elapsed/200
		if burst > 12 {
			burst = 12
		}
		for i := 0; i < burst; i++ {
			e, err := pool.Spawn()
			if err != nil {
				break
			}
			s := e.(*spark)
			s.vx, s.vy = rand.Float64()-0.5, rand.Float64()-0.5
			s.ttl = 30 + rand.Intn(90)
		}

		pool.UpdateLive(func(e particle.Entry) bool {
			s := e.(*spark)
			s.x += s.vx
			s.y += s.vy
			s.ttl--
			return s.ttl > 0
		})

		// Frame time degrades as the live set grows; the governor sees this
		// through RecordFrame and reacts once averages cross the thresholds.
		frameMs := 12 + float64(pool.ActiveEntries())*0.06
		time.Sleep(time.Duration(frameMs/4) * time.Millisecond)
		gov.Sampler().RecordFrame(frameMs)
	}
}

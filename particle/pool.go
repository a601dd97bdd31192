// Package particle provides the capacity-bounded object pools governed by the
// performance governor: a generic recycle pool and a specialization that
// tracks the live set of spawned entries for per-frame iteration.
//
// Entries move between exactly two membership states, available and active.
// Acquire moves an entry from available to active (creating one lazily while
// under capacity); Release resets it and moves it back. Shrinking the pool
// evicts available entries only; entries in use are never reclaimed.
package particle

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	metrics "github.com/ipfs/go-metrics-interface"
)

var log = logging.Logger("particle/pool")

// Entry is the contract pooled objects satisfy. Reset must return the entry
// to a reusable state; it is called on every Release before the entry rejoins
// the available set.
type Entry interface {
	Reset()
}

// Factory creates a new pool entry. It must return a distinct value on every
// call; entries are tracked by identity.
type Factory func() Entry

// PoolStats is a point-in-time view of pool accounting.
type PoolStats struct {
	Capacity       int    `json:"capacity"`
	ActiveCount    int    `json:"active_count"`
	AvailableCount int    `json:"available_count"`
	TotalCreated   uint64 `json:"total_created"`
	TotalRecycled  uint64 `json:"total_recycled"`
	TotalEvicted   uint64 `json:"total_evicted"`
	// Utilization is ActiveCount / Capacity.
	Utilization float64 `json:"utilization"`
	// MemoryEfficiency is the share of lifecycle events that were reuses
	// rather than allocations: recycled / (recycled + created).
	MemoryEfficiency float64 `json:"memory_efficiency"`
}

// Pool is a capacity-bounded recycle pool. Capacity bounds the total number
// of retained entries (active plus available); Acquire fails with
// ErrExhausted once every retained slot is active and capacity leaves no room
// to create more.
type Pool struct {
	mu        sync.Mutex
	factory   Factory
	capacity  int
	available []Entry
	active    map[Entry]struct{}
	closed    bool

	totalCreated  uint64
	totalRecycled uint64
	totalEvicted  uint64

	createdCounter   metrics.Counter
	recycledCounter  metrics.Counter
	evictedCounter   metrics.Counter
	exhaustedCounter metrics.Counter
	utilizationGauge metrics.Gauge
}

// NewPool creates a pool that retains at most maxSize entries and eagerly
// creates initialSize of them. The context scopes the pool's metrics.
func NewPool(ctx context.Context, factory Factory, initialSize, maxSize int) (*Pool, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	if maxSize <= 0 || initialSize < 0 || initialSize > maxSize {
		return nil, ErrInvalidCapacity
	}

	p := &Pool{
		factory:   factory,
		capacity:  maxSize,
		available: make([]Entry, 0, initialSize),
		active:    make(map[Entry]struct{}),
	}

	if metrics.Active() {
		p.createdCounter = metrics.NewCtx(ctx, "pool.created_total",
			"Total number of entries created").Counter()
		p.recycledCounter = metrics.NewCtx(ctx, "pool.recycled_total",
			"Total number of entries released for reuse").Counter()
		p.evictedCounter = metrics.NewCtx(ctx, "pool.evicted_total",
			"Total number of entries evicted by shrinks").Counter()
		p.exhaustedCounter = metrics.NewCtx(ctx, "pool.exhausted_total",
			"Total number of acquire attempts rejected at capacity").Counter()
		p.utilizationGauge = metrics.NewCtx(ctx, "pool.utilization",
			"Active entries over capacity").Gauge()
	}

	for i := 0; i < initialSize; i++ {
		p.available = append(p.available, p.create())
	}

	log.Debugw("pool created", "initial", initialSize, "capacity", maxSize)
	return p, nil
}

// Acquire hands out an entry, reusing a released one when possible and
// creating a new one while under capacity. At capacity with nothing available
// it returns ErrExhausted.
func (p *Pool) Acquire() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if n := len(p.available); n > 0 {
		e := p.available[n-1]
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		p.active[e] = struct{}{}
		p.updateUtilizationLocked()
		return e, nil
	}

	if len(p.active) >= p.capacity {
		if p.exhaustedCounter != nil {
			p.exhaustedCounter.Inc()
		}
		return nil, ErrExhausted
	}

	e := p.create()
	p.active[e] = struct{}{}
	p.updateUtilizationLocked()
	return e, nil
}

// Release resets an active entry and returns it to the available set. Foreign
// or already-released entries fail with ErrNotActive.
func (p *Pool) Release(e Entry) error {
	if e == nil {
		return ErrNotActive
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.active[e]; !ok {
		return ErrNotActive
	}

	delete(p.active, e)
	e.Reset()

	// A shrink may have lowered capacity below the retained count; in that
	// case the released entry is evicted instead of kept.
	if len(p.active)+len(p.available) >= p.capacity {
		p.totalEvicted++
		if p.evictedCounter != nil {
			p.evictedCounter.Inc()
		}
	} else {
		p.available = append(p.available, e)
		p.totalRecycled++
		if p.recycledCounter != nil {
			p.recycledCounter.Inc()
		}
	}
	p.updateUtilizationLocked()
	return nil
}

// Resize changes the retained-entry capacity. Shrinking evicts from the
// available set only; if the requested capacity is below the active count,
// capacity becomes exactly the active count instead.
func (p *Pool) Resize(newCapacity int) error {
	if newCapacity <= 0 {
		return ErrInvalidCapacity
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	if newCapacity < len(p.active) {
		newCapacity = len(p.active)
	}

	evicted := 0
	for len(p.active)+len(p.available) > newCapacity {
		n := len(p.available)
		p.available[n-1] = nil
		p.available = p.available[:n-1]
		p.totalEvicted++
		evicted++
		if p.evictedCounter != nil {
			p.evictedCounter.Inc()
		}
	}

	old := p.capacity
	p.capacity = newCapacity
	p.updateUtilizationLocked()

	if old != newCapacity {
		log.Debugw("pool resized", "from", old, "to", newCapacity, "evicted", evicted)
	}
	return nil
}

// Stats returns a consistent snapshot of pool accounting.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Capacity:       p.capacity,
		ActiveCount:    len(p.active),
		AvailableCount: len(p.available),
		TotalCreated:   p.totalCreated,
		TotalRecycled:  p.totalRecycled,
		TotalEvicted:   p.totalEvicted,
	}
	if p.capacity > 0 {
		s.Utilization = float64(s.ActiveCount) / float64(p.capacity)
	}
	if total := p.totalRecycled + p.totalCreated; total > 0 {
		s.MemoryEfficiency = float64(p.totalRecycled) / float64(total)
	}
	return s
}

// Capacity returns the current retained-entry capacity.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// ActiveCount returns the number of entries currently handed out.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close evicts all available entries and rejects further operations. Entries
// still active are abandoned to their holders. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	dropped := len(p.available) + len(p.active)
	for i := 0; i < dropped; i++ {
		p.totalEvicted++
		if p.evictedCounter != nil {
			p.evictedCounter.Inc()
		}
	}
	p.available = nil
	p.active = make(map[Entry]struct{})

	log.Debug("pool closed")
}

func (p *Pool) create() Entry {
	e := p.factory()
	p.totalCreated++
	if p.createdCounter != nil {
		p.createdCounter.Inc()
	}
	return e
}

func (p *Pool) updateUtilizationLocked() {
	if p.utilizationGauge == nil {
		return
	}
	if p.capacity > 0 {
		p.utilizationGauge.Set(float64(len(p.active)) / float64(p.capacity))
	}
}

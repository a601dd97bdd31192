package particle

import (
	"context"
	"sync"
)

// ParticlePool specializes Pool for renderable particles: it owns a generic
// pool and tracks the live set of spawned entries alongside it. A flattened
// view of the live set is cached for bulk iteration and invalidated lazily;
// mutations mark it dirty in O(1), and the first read after a mutation
// rebuilds it in O(n).
type ParticlePool struct {
	mu    sync.Mutex
	pool  *Pool
	live  map[Entry]struct{}
	flat  []Entry
	dirty bool

	totalSpawned   uint64
	totalDespawned uint64
}

// NewParticlePool creates the live-set specialization over a fresh generic
// pool.
func NewParticlePool(ctx context.Context, factory Factory, initialSize, maxSize int) (*ParticlePool, error) {
	pool, err := NewPool(ctx, factory, initialSize, maxSize)
	if err != nil {
		return nil, err
	}
	return &ParticlePool{
		pool: pool,
		live: make(map[Entry]struct{}),
	}, nil
}

// Spawn acquires an entry and adds it to the live set. ErrExhausted passes
// through so callers can skip spawning under pressure.
func (pp *ParticlePool) Spawn() (Entry, error) {
	e, err := pp.pool.Acquire()
	if err != nil {
		return nil, err
	}

	pp.mu.Lock()
	pp.live[e] = struct{}{}
	pp.dirty = true
	pp.totalSpawned++
	pp.mu.Unlock()
	return e, nil
}

// Despawn removes an entry from the live set and releases it back to the
// pool.
func (pp *ParticlePool) Despawn(e Entry) error {
	pp.mu.Lock()
	if _, ok := pp.live[e]; !ok {
		pp.mu.Unlock()
		return ErrNotActive
	}
	delete(pp.live, e)
	pp.dirty = true
	pp.totalDespawned++
	pp.mu.Unlock()

	return pp.pool.Release(e)
}

// Live returns the flattened live set. The returned slice is the shared
// cache: callers must not modify it and must not retain it across mutations.
func (pp *ParticlePool) Live() []Entry {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.rebuildLocked()
}

// UpdateLive runs fn over every live entry and despawns those for which fn
// returns false. It returns the number of entries despawned. The iteration
// works on the flattened view, so fn may not mutate the live set itself.
func (pp *ParticlePool) UpdateLive(fn func(Entry) bool) int {
	pp.mu.Lock()
	snapshot := pp.rebuildLocked()
	pp.mu.Unlock()

	var dead []Entry
	for _, e := range snapshot {
		if !fn(e) {
			dead = append(dead, e)
		}
	}

	for _, e := range dead {
		if err := pp.Despawn(e); err != nil {
			log.Warnw("despawn during update failed", "error", err)
		}
	}
	return len(dead)
}

// ActiveEntries returns the size of the live set. It satisfies the content
// provider capability consumed by metric providers and health checks.
func (pp *ParticlePool) ActiveEntries() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.live)
}

// Resize delegates to the generic pool: shrinking evicts available entries
// only and never below the live count.
func (pp *ParticlePool) Resize(newCapacity int) error {
	return pp.pool.Resize(newCapacity)
}

// Capacity returns the underlying pool capacity.
func (pp *ParticlePool) Capacity() int {
	return pp.pool.Capacity()
}

// Stats returns the underlying pool statistics.
func (pp *ParticlePool) Stats() PoolStats {
	return pp.pool.Stats()
}

// SpawnStats reports live-set activity totals.
func (pp *ParticlePool) SpawnStats() (live int, spawned, despawned uint64) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.live), pp.totalSpawned, pp.totalDespawned
}

// Close despawns every live entry and closes the underlying pool.
func (pp *ParticlePool) Close() {
	pp.mu.Lock()
	for e := range pp.live {
		delete(pp.live, e)
		pp.totalDespawned++
	}
	pp.dirty = true
	pp.flat = nil
	pp.mu.Unlock()

	pp.pool.Close()
}

// rebuildLocked refreshes the flattened view if a mutation invalidated it.
func (pp *ParticlePool) rebuildLocked() []Entry {
	if !pp.dirty && pp.flat != nil {
		return pp.flat
	}
	flat := make([]Entry, 0, len(pp.live))
	for e := range pp.live {
		flat = append(flat, e)
	}
	pp.flat = flat
	pp.dirty = false
	return pp.flat
}

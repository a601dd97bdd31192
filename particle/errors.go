package particle

import "errors"

// Sentinel errors for pool operations.
var (
	// ErrExhausted is returned by Acquire when the pool is at capacity and
	// no released entry is available for reuse. Callers are expected to
	// treat this as a signal to skip spawning, not as a failure.
	ErrExhausted = errors.New("pool exhausted: all entries in use")

	// ErrClosed is returned for any operation on a closed pool.
	ErrClosed = errors.New("pool is closed")

	// ErrNotActive is returned by Release when the entry was not acquired
	// from this pool or has already been released.
	ErrNotActive = errors.New("entry is not active in this pool")

	// ErrInvalidCapacity is returned by Resize for non-positive capacities.
	ErrInvalidCapacity = errors.New("capacity must be positive")

	// ErrNilFactory is returned when a pool is constructed without a
	// factory.
	ErrNilFactory = errors.New("entry factory must not be nil")
)

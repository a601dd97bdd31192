package optimize

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var breakerLog = logging.Logger("optimize/breaker")

// BreakerState is the persistence breaker's position.
type BreakerState int

const (
	// BreakerClosed passes writes through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects writes immediately.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe writes through to test
	// whether the sink has recovered.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerCounts tallies requests observed by the breaker in its current
// generation, plus lifetime totals.
type BreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *BreakerCounts) onRequest() { c.Requests++ }

func (c *BreakerCounts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *BreakerCounts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// BreakerOptions tunes a Breaker. Zero values select the defaults noted on
// each field.
type BreakerOptions struct {
	// FailureThreshold is how many consecutive failures open the breaker.
	// Defaults to 5.
	FailureThreshold uint32

	// Probes is how many writes the half-open state admits; that many
	// consecutive successes close the breaker again. Defaults to 1.
	Probes uint32

	// OpenTimeout is how long the breaker stays open before probing.
	// Defaults to 30 seconds.
	OpenTimeout time.Duration

	// OnStateChange observes every transition.
	OnStateChange func(from, to BreakerState)
}

// Breaker is a circuit breaker for the audit record sink. Consecutive
// persistence failures open it; while open, writes are rejected instantly
// instead of hammering a sink that is already failing. After OpenTimeout it
// admits probe writes and closes again once they succeed.
type Breaker struct {
	threshold     uint32
	probes        uint32
	timeout       time.Duration
	onStateChange func(from, to BreakerState)

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     BreakerCounts
	expiry     time.Time
}

// NewBreaker builds a breaker from options, filling in defaults.
func NewBreaker(opts BreakerOptions) *Breaker {
	b := &Breaker{
		threshold:     opts.FailureThreshold,
		probes:        opts.Probes,
		timeout:       opts.OpenTimeout,
		onStateChange: opts.OnStateChange,
	}
	if b.threshold == 0 {
		b.threshold = 5
	}
	if b.probes == 0 {
		b.probes = 1
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	return b
}

// Do runs fn if the breaker admits it and feeds the outcome back into the
// state machine. While open it returns ErrBreakerOpen without calling fn.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(generation, err == nil)
	return err
}

// State reports the current position, advancing open to half-open when the
// timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() BreakerCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.currentState(time.Now())
	if state == BreakerOpen {
		return generation, ErrBreakerOpen
	}
	if state == BreakerHalfOpen && b.counts.Requests >= b.probes {
		return generation, ErrBreakerOpen
	}
	b.counts.onRequest()
	return generation, nil
}

// after applies one outcome. Outcomes from a previous generation are
// discarded; the state machine already moved past them.
func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}

	if success {
		b.counts.onSuccess()
		if state == BreakerHalfOpen && b.counts.ConsecutiveSuccesses >= b.probes {
			b.setState(BreakerClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case BreakerClosed:
		if b.counts.ConsecutiveFailures >= b.threshold {
			b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (BreakerState, uint64) {
	if b.state == BreakerOpen && b.expiry.Before(now) {
		b.setState(BreakerHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.generation++
	b.counts = BreakerCounts{}
	if state == BreakerOpen {
		b.expiry = now.Add(b.timeout)
	} else {
		b.expiry = time.Time{}
	}

	breakerLog.Infow("persistence breaker state changed",
		"from", prev.String(), "to", state.String())
	if b.onStateChange != nil {
		b.onStateChange(prev, state)
	}
}

// BreakerSink guards a RecordSink with a Breaker so a failing sink is probed
// rather than hammered. Rejected and failed writes surface as errors, which
// the queue already treats as best effort.
type BreakerSink struct {
	next    RecordSink
	breaker *Breaker
}

// NewBreakerSink wraps next with a breaker built from opts.
func NewBreakerSink(next RecordSink, opts BreakerOptions) *BreakerSink {
	return &BreakerSink{next: next, breaker: NewBreaker(opts)}
}

// Persist implements RecordSink.
func (s *BreakerSink) Persist(rec OptimizationRecord) error {
	return s.breaker.Do(func() error {
		return s.next.Persist(rec)
	})
}

// State exposes the breaker position for health reporting.
func (s *BreakerSink) State() BreakerState {
	return s.breaker.State()
}

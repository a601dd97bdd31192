package optimize

import (
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

var qualityLog = logging.Logger("optimize/quality")

// QualityTier is a rung on the rendering quality ladder. Degradation steps
// down toward TierLow; sustained healthy reports step back up one tier at a
// time.
type QualityTier int

const (
	TierLow QualityTier = iota
	TierMedium
	TierHigh
)

func (t QualityTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// clampTier keeps a tier inside the ladder.
func clampTier(t QualityTier) QualityTier {
	if t < TierLow {
		return TierLow
	}
	if t > TierHigh {
		return TierHigh
	}
	return t
}

// TierBudget is the resource envelope granted at a quality tier.
type TierBudget struct {
	MaxParticles int  `json:"max_particles"`
	RenderBatch  int  `json:"render_batch"`
	Trails       bool `json:"trails"`
	PostFX       bool `json:"post_fx"`
}

var tierBudgets = map[QualityTier]TierBudget{
	TierHigh:   {MaxParticles: 500, RenderBatch: 100, Trails: true, PostFX: true},
	TierMedium: {MaxParticles: 300, RenderBatch: 50, Trails: true, PostFX: false},
	TierLow:    {MaxParticles: 100, RenderBatch: 25, Trails: false, PostFX: false},
}

// BudgetFor returns the resource budget for a tier. Out-of-range tiers are
// clamped onto the ladder first.
func BudgetFor(tier QualityTier) TierBudget {
	return tierBudgets[clampTier(tier)]
}

// TierListener observes every tier change with the budget now in force.
type TierListener func(tier QualityTier, budget TierBudget)

// TierTransition records one movement on the quality ladder.
type TierTransition struct {
	From   QualityTier `json:"from"`
	To     QualityTier `json:"to"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// maxTransitionHistory bounds the retained transition log.
const maxTransitionHistory = 100

// QualityController tracks the current quality tier. It starts at TierHigh,
// moves down immediately when asked, and moves up one tier only after a
// configured streak of consecutive healthy reports.
type QualityController struct {
	mu             sync.Mutex
	tier           QualityTier
	healthyStreak  int
	recoveryStreak int
	listeners      []TierListener
	transitions    []TierTransition
}

// NewQualityController builds a controller from a validated configuration
// snapshot.
func NewQualityController(cfg *adaptive.Config) (*QualityController, error) {
	if cfg == nil || cfg.Health == nil {
		return nil, errors.New("quality: incomplete config")
	}
	return &QualityController{
		tier:           TierHigh,
		recoveryStreak: cfg.Health.RecoveryStreak,
	}, nil
}

// Name implements adaptive.Reconfigurable.
func (c *QualityController) Name() string { return "quality" }

// ApplyConfig implements adaptive.Reconfigurable. An in-progress healthy
// streak carries over against the new target.
func (c *QualityController) ApplyConfig(cfg *adaptive.Config) error {
	if cfg == nil || cfg.Health == nil {
		return errors.New("quality: incomplete config")
	}
	c.mu.Lock()
	c.recoveryStreak = cfg.Health.RecoveryStreak
	c.mu.Unlock()
	return nil
}

// OnTierChange registers a listener for tier changes. Listeners run
// synchronously in the order registered.
func (c *QualityController) OnTierChange(fn TierListener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Tier returns the current quality tier.
func (c *QualityController) Tier() QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// Budget returns the budget in force at the current tier.
func (c *QualityController) Budget() TierBudget {
	return BudgetFor(c.Tier())
}

// Apply moves to the given tier and returns the budget now in force. A move
// in either direction resets the healthy streak; applying the current tier
// is a no-op.
func (c *QualityController) Apply(tier QualityTier, reason string) TierBudget {
	tier = clampTier(tier)

	c.mu.Lock()
	if tier == c.tier {
		budget := tierBudgets[tier]
		c.mu.Unlock()
		return budget
	}
	from := c.tier
	c.tier = tier
	c.healthyStreak = 0
	budget := tierBudgets[tier]
	listeners := append([]TierListener(nil), c.listeners...)
	c.recordLocked(from, tier, reason)
	c.mu.Unlock()

	qualityLog.Infow("quality tier changed",
		"from", from.String(), "to", tier.String(), "reason", reason)
	for _, fn := range listeners {
		fn(tier, budget)
	}
	return budget
}

// StepDown moves one tier down and reports whether a move happened. At
// TierLow there is nowhere left to go.
func (c *QualityController) StepDown(reason string) (QualityTier, bool) {
	current := c.Tier()
	if current == TierLow {
		return current, false
	}
	target := current - 1
	c.Apply(target, reason)
	return target, true
}

// NoteHealthy counts one healthy report toward recovery. After the
// configured streak at a tier below TierHigh it steps one tier up, resets
// the streak, and reports the move.
func (c *QualityController) NoteHealthy() (QualityTier, bool) {
	c.mu.Lock()
	if c.tier == TierHigh {
		c.healthyStreak = 0
		tier := c.tier
		c.mu.Unlock()
		return tier, false
	}
	c.healthyStreak++
	if c.healthyStreak < c.recoveryStreak {
		tier := c.tier
		c.mu.Unlock()
		return tier, false
	}
	target := c.tier + 1
	c.mu.Unlock()

	c.Apply(target, "sustained healthy reports")
	return target, true
}

// NoteUnhealthy resets the healthy streak without moving tiers.
func (c *QualityController) NoteUnhealthy() {
	c.mu.Lock()
	c.healthyStreak = 0
	c.mu.Unlock()
}

// Transitions returns a copy of the retained tier transition log in
// oldest-first order.
func (c *QualityController) Transitions() []TierTransition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TierTransition, len(c.transitions))
	copy(out, c.transitions)
	return out
}

func (c *QualityController) recordLocked(from, to QualityTier, reason string) {
	c.transitions = append(c.transitions, TierTransition{
		From:   from,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	if len(c.transitions) > maxTransitionHistory {
		c.transitions = c.transitions[len(c.transitions)-maxTransitionHistory:]
	}
}

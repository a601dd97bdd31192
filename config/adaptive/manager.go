package adaptive

import (
	"fmt"
	"sync"
	"time"
)

// Manager owns the current configuration snapshot and fans change events out
// to subscribers. Snapshots are immutable: Update clones the current one,
// applies the mutation, normalizes and validates the clone, and swaps it in.
// The previously published snapshot is never touched.
type Manager struct {
	mu      sync.RWMutex
	current *Config
	closed  bool

	subMu       sync.RWMutex
	subscribers []chan ChangeEvent
}

// NewManager creates a configuration manager. A nil config starts from
// DefaultConfig. The initial snapshot is normalized and validated.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.Clone()
		cfg.normalize()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Manager{
		current:     cfg,
		subscribers: make([]chan ChangeEvent, 0),
	}, nil
}

// Current returns the active configuration snapshot. The snapshot is shared
// and read-only; callers that need a mutable copy must Clone it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update clones the current snapshot, applies mutate to the clone, normalizes
// and validates it, and swaps it in as the new snapshot. On validation
// failure the active snapshot is left untouched and subscribers receive a
// failed event.
func (m *Manager) Update(source string, mutate func(*Config)) (*Config, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("config manager is closed")
	}
	old := m.current
	next := old.Clone()
	mutate(next)
	next.normalize()
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		m.notify(ChangeEvent{
			Type:      ChangeValidate,
			Source:    source,
			Timestamp: time.Now(),
			Old:       old,
			Success:   false,
			Error:     err.Error(),
		})
		return nil, fmt.Errorf("configuration rejected: %w", err)
	}
	m.current = next
	m.mu.Unlock()

	m.notify(ChangeEvent{
		Type:      ChangeUpdate,
		Source:    source,
		Timestamp: time.Now(),
		Old:       old,
		New:       next,
		Success:   true,
	})
	return next, nil
}

// Set replaces the active snapshot wholesale after normalization and
// validation.
func (m *Manager) Set(source string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration must not be nil")
	}
	_, err := m.Update(source, func(c *Config) {
		replacement := cfg.Clone()
		c.Sampling = replacement.Sampling
		c.Thresholds = replacement.Thresholds
		c.Optimization = replacement.Optimization
		c.Pool = replacement.Pool
		c.Forecast = replacement.Forecast
		c.Health = replacement.Health
	})
	return err
}

// Subscribe registers for configuration change events. The returned channel
// is buffered; a slow subscriber misses events rather than blocking updates.
func (m *Manager) Subscribe() <-chan ChangeEvent {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan ChangeEvent, 10)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe and closes
// it. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch <-chan ChangeEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Close stops event delivery and closes all subscriber channels. Further
// updates fail; Close is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.subMu.Lock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	m.subMu.Unlock()
}

// notify holds the read lock across the whole send loop. Unsubscribe and
// Close take the write lock before closing a channel, so no send can land on
// a closed channel. Sends never block: a full buffer drops the event for
// that subscriber.
func (m *Manager) notify(event ChangeEvent) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

package optimize

import (
	"sync"
	"time"
)

// TimerHandle stops one recurring task. Stop is idempotent.
type TimerHandle interface {
	Stop()
}

// Scheduler runs named recurring tasks. The governor schedules its sampling
// and health ticks through this interface so tests can drive ticks by hand.
type Scheduler interface {
	Every(name string, interval time.Duration, fn func()) TimerHandle
}

// TickerScheduler runs each task on its own goroutine with a time.Ticker.
type TickerScheduler struct{}

// NewTickerScheduler returns the production scheduler.
func NewTickerScheduler() *TickerScheduler { return &TickerScheduler{} }

// Every implements Scheduler.
func (s *TickerScheduler) Every(name string, interval time.Duration, fn func()) TimerHandle {
	_ = name
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return &tickerHandle{ticker: ticker, done: done}
}

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) Stop() {
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
	})
}

// ManualScheduler registers tasks without running them. Tests call Fire to
// run a task synchronously.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks map[string]func()
}

// NewManualScheduler returns an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[string]func())}
}

// Every implements Scheduler. The task replaces any previous task with the
// same name.
func (s *ManualScheduler) Every(name string, interval time.Duration, fn func()) TimerHandle {
	_ = interval
	s.mu.Lock()
	s.tasks[name] = fn
	s.mu.Unlock()
	return &manualHandle{scheduler: s, name: name}
}

// Fire runs the named task synchronously and reports whether it was
// registered.
func (s *ManualScheduler) Fire(name string) bool {
	s.mu.Lock()
	fn, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	fn()
	return true
}

type manualHandle struct {
	scheduler *ManualScheduler
	name      string
	once      sync.Once
}

func (h *manualHandle) Stop() {
	h.once.Do(func() {
		h.scheduler.mu.Lock()
		delete(h.scheduler.tasks, h.name)
		h.scheduler.mu.Unlock()
	})
}

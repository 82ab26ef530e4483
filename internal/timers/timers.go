// Package timers provides a per-key facility for cancellable, reschedulable
// delayed callbacks, shared by the presence engine's grace/idle/agent timers.
package timers

import (
	"log/slog"
	"sync"
	"time"
)

// Kind distinguishes the independent timer slots a single key may hold.
type Kind string

// Timer kinds used by the presence engine. A key owns at most one live timer
// per kind; starting a new one replaces the previous.
const (
	KindGrace Kind = "grace"
	KindIdle  Kind = "idle"
	KindAgent Kind = "agent"
)

type slot struct {
	key  string
	kind Kind
}

// Manager schedules at most one pending callback per (key, kind) pair.
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	timers map[slot]*time.Timer
	logger *slog.Logger
}

// NewManager creates a Manager that logs recovered callback panics through
// the provided logger. A nil logger falls back to slog.Default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timers: make(map[slot]*time.Timer),
		logger: logger,
	}
}

// Start schedules fn to run once after delay, replacing any pending timer for
// the same (key, kind). The callback runs on its own goroutine; a panic inside
// it is recovered and logged so one faulty callback cannot take the facility
// down for other keys.
func (m *Manager) Start(key string, kind Kind, delay time.Duration, fn func()) {
	s := slot{key: key, kind: kind}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.timers[s]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		// A replacement may already have been scheduled for this slot; only
		// the still-registered timer gets to clear it.
		if m.timers[s] == t {
			delete(m.timers, s)
		}
		m.mu.Unlock()

		m.dispatch(s, fn)
	})
	m.timers[s] = t
}

// Cancel stops any pending timer for (key, kind). Cancelling a timer that
// never existed or has already fired is a no-op.
func (m *Manager) Cancel(key string, kind Kind) {
	s := slot{key: key, kind: kind}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[s]; ok {
		t.Stop()
		delete(m.timers, s)
	}
}

// StopAll cancels every pending timer. Callbacks already dispatched may still
// be running when StopAll returns.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for s, t := range m.timers {
		t.Stop()
		delete(m.timers, s)
	}
}

func (m *Manager) dispatch(s slot, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("recovered panic in timer callback",
				"key", s.key, "kind", string(s.kind), "panic", r)
		}
	}()
	fn()
}

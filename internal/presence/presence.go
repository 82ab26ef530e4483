// Package presence tracks which users are currently reachable and in what
// state. It maintains a per-user set of live connection handles, applies the
// online/idle/do-not-disturb state machine with grace-period reconnection
// tolerance, and publishes one event per actual status transition on a
// bounded channel drained by the transport layer.
package presence

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/firesidehq/fireside/internal/timers"
)

// Status is a user's presence state as visible to peers.
type Status string

// Presence states. Offline is the default for untracked users and is never
// stored in the registry; a user is tracked iff their status is non-offline.
const (
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusOffline      Status = "offline"
)

// ErrInvalidStatus is returned by RequestStatus for targets a client may not
// request, including offline: going offline happens by disconnecting, not by
// asking for it.
var ErrInvalidStatus = errors.New("presence: invalid requested status")

// UserPresence is the tuple published on the event stream and returned by
// Snapshot.
type UserPresence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Status      Status `json:"status"`
	IsAgent     bool   `json:"isAgent"`
}

// Config holds the engine's clock-driven thresholds and event buffering.
type Config struct {
	// GracePeriod is how long a user keeps their status after the last
	// connection drops, tolerating brief reconnects.
	GracePeriod time.Duration
	// IdleTimeout is the heartbeat silence after which an online user is
	// auto-marked idle.
	IdleTimeout time.Duration
	// AgentTimeout is the inactivity window for API-key accounts, which
	// check in via TouchAgentActivity instead of holding a socket.
	AgentTimeout time.Duration
	// EventBuffer is the capacity of the status-event channel.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 5 * time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

type userState struct {
	displayName   string
	isAgent       bool
	status        Status
	conns         map[string]struct{}
	lastHeartbeat time.Time
}

// Engine is the presence registry. One instance is created at process start
// and injected into the transport layer; all methods are safe for concurrent
// use from independent client sessions.
type Engine struct {
	mu     sync.Mutex
	users  map[string]*userState
	timers *timers.Manager
	cfg    Config
	events chan UserPresence
	closed bool
	logger *slog.Logger
}

// NewEngine creates a presence engine with the given thresholds. Zero config
// fields fall back to defaults (grace 30s, idle 5m, agent 5m).
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		users:  make(map[string]*userState),
		timers: timers.NewManager(logger),
		cfg:    cfg,
		events: make(chan UserPresence, cfg.EventBuffer),
		logger: logger,
	}
}

// Events returns the status-change stream. Exactly one event is emitted per
// actual transition, in causal order per user. The channel must be drained
// promptly; if the buffer fills, events are dropped and logged.
func (e *Engine) Events() <-chan UserPresence {
	return e.events
}

// Connect registers a live connection for the user. The first connection (or
// a reconnect racing a pending grace timer) brings the user online; further
// connections only grow the connection set.
func (e *Engine) Connect(userID, connID, displayName string, isAgent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.timers.Cancel(userID, timers.KindGrace)

	u, ok := e.users[userID]
	if !ok {
		u = &userState{conns: make(map[string]struct{})}
		e.users[userID] = u
	}
	u.displayName = displayName
	u.isAgent = isAgent
	u.conns[connID] = struct{}{}
	u.lastHeartbeat = time.Now()
	e.armIdleTimer(userID)

	if u.status != StatusOnline {
		u.status = StatusOnline
		e.emitLocked(userID, u)
	}
}

// Disconnect removes one connection. When it was the user's last, a grace
// timer is started and true is returned; the status itself does not change
// until the grace period elapses without a reconnect.
func (e *Engine) Disconnect(userID, connID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		return false
	}
	delete(u.conns, connID)
	if len(u.conns) > 0 {
		return false
	}

	e.timers.Start(userID, timers.KindGrace, e.cfg.GracePeriod, func() {
		e.graceExpired(userID)
	})
	return true
}

// Heartbeat records client activity. Unknown users are ignored; an idle user
// returns to online.
func (e *Engine) Heartbeat(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		return
	}
	u.lastHeartbeat = time.Now()
	e.armIdleTimer(userID)

	if u.status == StatusIdle {
		u.status = StatusOnline
		e.emitLocked(userID, u)
	}
}

// RequestStatus applies an explicit client-initiated transition. Offline (or
// any unknown value) is rejected with ErrInvalidStatus. Requesting idle while
// in do-not-disturb is ignored: DND is sticky against idling. Requesting DND
// cancels the idle timer so the user cannot auto-idle out of it; requesting
// online counts as activity and re-arms it.
func (e *Engine) RequestStatus(userID string, desired Status) error {
	switch desired {
	case StatusOnline, StatusIdle, StatusDoNotDisturb:
	default:
		return ErrInvalidStatus
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		e.logger.Warn("status request for untracked user", "user", userID, "desired", string(desired))
		return nil
	}

	switch desired {
	case StatusIdle:
		if u.status == StatusDoNotDisturb {
			return nil
		}
	case StatusDoNotDisturb:
		e.timers.Cancel(userID, timers.KindIdle)
	case StatusOnline:
		u.lastHeartbeat = time.Now()
		e.armIdleTimer(userID)
	}

	if u.status != desired {
		u.status = desired
		e.emitLocked(userID, u)
	}
	return nil
}

// ForceOffline removes the user immediately, bypassing the grace period, and
// emits an offline event. Unknown users are a no-op.
func (e *Engine) ForceOffline(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		return
	}
	e.removeLocked(userID, u)
}

// GetStatus reports the user's current status, offline for untracked users.
func (e *Engine) GetStatus(userID string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		return StatusOffline
	}
	return u.status
}

// ConnectionCount reports how many live connections the user holds.
func (e *Engine) ConnectionCount(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		return 0
	}
	return len(u.conns)
}

// Snapshot returns a point-in-time view of every tracked user, for building
// who-is-online payloads when a new connection is established.
func (e *Engine) Snapshot() []UserPresence {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]UserPresence, 0, len(e.users))
	for id, u := range e.users {
		out = append(out, UserPresence{
			UserID:      id,
			DisplayName: u.displayName,
			Status:      u.status,
			IsAgent:     u.isAgent,
		})
	}
	return out
}

// TouchAgentActivity is the heartbeat equivalent for API-key accounts that
// never hold a socket. It establishes the user as online and (re)arms the
// agent-inactivity timer instead of the grace/idle pair.
func (e *Engine) TouchAgentActivity(userID, displayName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		u = &userState{conns: make(map[string]struct{})}
		e.users[userID] = u
	}
	u.displayName = displayName
	u.isAgent = true
	u.lastHeartbeat = time.Now()
	e.timers.Start(userID, timers.KindAgent, e.cfg.AgentTimeout, func() {
		e.agentExpired(userID)
	})

	// Like a heartbeat: brings absent or idle users online, leaves an
	// explicit do-not-disturb untouched.
	if u.status == "" || u.status == StatusIdle {
		u.status = StatusOnline
		e.emitLocked(userID, u)
	}
}

// Close cancels all pending timers and closes the event stream. No other
// method may be called after Close.
func (e *Engine) Close() {
	e.timers.StopAll()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}

// graceExpired commits the offline transition after the grace period. The
// emptiness re-check runs under the same lock that guards connection-set
// mutation: a reconnect racing an about-to-fire grace timer wins.
func (e *Engine) graceExpired(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok || len(u.conns) > 0 {
		return
	}
	e.removeLocked(userID, u)
}

// idleExpired recomputes heartbeat age at fire time. A heartbeat that landed
// after scheduling but before firing reschedules for the remaining window
// instead of transitioning, so each genuine idle period yields exactly one
// idle transition.
func (e *Engine) idleExpired(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		return
	}

	elapsed := time.Since(u.lastHeartbeat)
	if elapsed < e.cfg.IdleTimeout {
		e.timers.Start(userID, timers.KindIdle, e.cfg.IdleTimeout-elapsed, func() {
			e.idleExpired(userID)
		})
		return
	}

	// Do-not-disturb suppresses auto-idle regardless of heartbeat age, and
	// an already-idle user must not re-emit.
	if u.status != StatusOnline {
		return
	}
	u.status = StatusIdle
	e.emitLocked(userID, u)
}

// agentExpired mirrors graceExpired for agent accounts: re-check activity age
// and live connections under the lock before removing.
func (e *Engine) agentExpired(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[userID]
	if !ok {
		return
	}

	elapsed := time.Since(u.lastHeartbeat)
	if elapsed < e.cfg.AgentTimeout {
		e.timers.Start(userID, timers.KindAgent, e.cfg.AgentTimeout-elapsed, func() {
			e.agentExpired(userID)
		})
		return
	}
	if len(u.conns) > 0 {
		return
	}
	e.removeLocked(userID, u)
}

func (e *Engine) armIdleTimer(userID string) {
	e.timers.Start(userID, timers.KindIdle, e.cfg.IdleTimeout, func() {
		e.idleExpired(userID)
	})
}

func (e *Engine) removeLocked(userID string, u *userState) {
	e.timers.Cancel(userID, timers.KindGrace)
	e.timers.Cancel(userID, timers.KindIdle)
	e.timers.Cancel(userID, timers.KindAgent)
	delete(e.users, userID)

	e.sendLocked(UserPresence{
		UserID:      userID,
		DisplayName: u.displayName,
		Status:      StatusOffline,
		IsAgent:     u.isAgent,
	})
}

func (e *Engine) emitLocked(userID string, u *userState) {
	e.sendLocked(UserPresence{
		UserID:      userID,
		DisplayName: u.displayName,
		Status:      u.status,
		IsAgent:     u.isAgent,
	})
}

// sendLocked pushes one event onto the bounded stream. Callers hold e.mu, so
// channel order is causal order per user. A full buffer means the transport
// stopped draining; the event is dropped rather than blocking the core.
func (e *Engine) sendLocked(ev UserPresence) {
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Error("presence event buffer full, dropping event",
			"user", ev.UserID, "status", string(ev.Status))
	}
}

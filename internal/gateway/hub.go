// Package gateway coordinates session registration, presence and voice event
// fan-out, and connection cleanup for the Fireside WebSocket transport via
// the Hub type.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/firesidehq/fireside/internal/presence"
	"github.com/firesidehq/fireside/internal/voice"
)

// Hub owns the presence engine and voice relay for the process and wires
// their connection/disconnection hooks to live WebSocket sessions. It tracks
// sessions by connection handle and pumps the subsystems' event streams out
// to sockets: presence transitions to everyone, room deltas and signals to
// the handles the relay scoped them to.
type Hub struct {
	cfg      Config
	sessions map[string]*Session
	presence *presence.Engine
	relay    *voice.Relay
	origins  *originChecker

	register   chan *Session
	unregister chan *Session

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHub creates a hub together with the presence engine and voice relay it
// owns. One hub is created at process start and injected wherever live-socket
// coordination is needed; its lifetime is the process lifetime.
func NewHub(cfg *Config, logger *slog.Logger) *Hub {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	sanitized := sanitizeConfig(*cfg)

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        sanitized,
		sessions:   make(map[string]*Session),
		presence:   presence.NewEngine(sanitized.Presence, logger),
		relay:      voice.NewRelay(sanitized.Voice, logger),
		origins:    newOriginChecker(sanitized.AllowedOrigins, logger),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Presence exposes the presence engine for queries and agent-activity
// touches from HTTP collaborators.
func (h *Hub) Presence() *presence.Engine {
	return h.presence
}

// Relay exposes the voice relay for roster and ICE queries.
func (h *Hub) Relay() *voice.Relay {
	return h.relay
}

// Run starts the hub's event loop and the fan-out pumps for the presence and
// voice streams. It should be called in a separate goroutine as it runs until
// Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	h.wg.Add(3)
	go func() {
		defer h.wg.Done()
		h.presencePump()
	}()
	go func() {
		defer h.wg.Done()
		h.voiceEventPump()
	}()
	go func() {
		defer h.wg.Done()
		h.signalPump()
	}()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case session := <-h.register:
			if session == nil {
				h.logger.Warn("received nil session registration, skipping")
				continue
			}
			h.addSession(session)

		case session := <-h.unregister:
			h.removeSession(session)
		}
	}
}

// addSession registers the session, brings its user online, sends the
// initial presence snapshot, and launches the read/write pumps.
func (h *Hub) addSession(session *Session) {
	h.mutex.Lock()
	session.closed = false
	h.sessions[session.id] = session
	count := len(h.sessions)
	h.mutex.Unlock()

	h.presence.Connect(session.userID, session.id, session.displayName, session.isAgent)
	h.logger.Info("session registered",
		"addr", session.addr, "user", session.userID, "total", count)

	session.reply(ServerFrame{Type: frameSnapshot, Users: h.presence.Snapshot()})

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		session.writePump()
	}()
	go func() {
		defer h.wg.Done()
		session.readPump()
	}()
}

// removeSession unregisters the session and runs the disconnect hooks: the
// presence engine starts its grace timer if this was the user's last
// connection, and the relay evicts the handle from any voice rooms.
func (h *Hub) removeSession(session *Session) {
	h.mutex.Lock()
	if current, ok := h.sessions[session.id]; !ok || current != session {
		h.mutex.Unlock()
		return
	}
	delete(h.sessions, session.id)
	session.closed = true
	count := len(h.sessions)
	h.mutex.Unlock()

	close(session.send)

	lastConn := h.presence.Disconnect(session.userID, session.id)
	h.relay.OnDisconnect(session.id)

	h.logger.Info("session unregistered",
		"addr", session.addr, "user", session.userID,
		"graceStarted", lastConn, "total", count)
}

func (h *Hub) safeSend(session *Session, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered panic in safeSend", "panic", r)
		}
	}()

	// Hold the lock during the entire send operation so the channel cannot
	// be closed out from under the send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	current, exists := h.sessions[session.id]
	if !exists || current != session || session.closed {
		return false
	}

	select {
	case session.send <- message:
		return true
	default:
		return false
	}
}

// sendToConn delivers a payload to one connection handle, reporting whether a
// matching live session accepted it.
func (h *Hub) sendToConn(connID string, message []byte) bool {
	h.mutex.RLock()
	session, ok := h.sessions[connID]
	h.mutex.RUnlock()
	if !ok {
		return false
	}
	return h.safeSend(session, message)
}

// broadcast sends a payload to every live session, dropping the ones whose
// send buffers are full.
func (h *Hub) broadcast(message []byte) {
	h.mutex.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		targets = append(targets, session)
	}
	h.mutex.RUnlock()

	var failed []*Session
	for _, session := range targets {
		if !h.safeSend(session, message) {
			failed = append(failed, session)
		}
	}
	for _, session := range failed {
		h.logger.Warn("dropping session with full send buffer",
			"addr", session.addr, "user", session.userID)
		h.removeSession(session)
	}
}

// presencePump fans every status transition out to all connected sessions.
// It exits when the engine's event stream is closed during shutdown.
func (h *Hub) presencePump() {
	for ev := range h.presence.Events() {
		payload, err := json.Marshal(ServerFrame{
			Type:        framePresence,
			User:        ev.UserID,
			DisplayName: ev.DisplayName,
			Status:      ev.Status,
			IsAgent:     ev.IsAgent,
		})
		if err != nil {
			h.logger.Warn("error marshaling presence event", "err", err)
			continue
		}
		h.broadcast(payload)
	}
}

// voiceEventPump delivers roster deltas to the connection handles the relay
// scoped each event to.
func (h *Hub) voiceEventPump() {
	for ev := range h.relay.Events() {
		p := ev.Participant
		payload, err := json.Marshal(ServerFrame{
			Type:        frameVoice,
			Room:        ev.RoomID,
			Event:       ev.Type,
			Participant: &p,
		})
		if err != nil {
			h.logger.Warn("error marshaling voice event", "err", err)
			continue
		}
		for _, connID := range ev.Recipients {
			h.sendToConn(connID, payload)
		}
	}
}

// signalPump forwards call-setup messages to their addressed connections.
func (h *Hub) signalPump() {
	for sig := range h.relay.Signals() {
		payload, err := json.Marshal(ServerFrame{
			Type:    frameSignal,
			Kind:    sig.Kind,
			From:    sig.FromUserID,
			Payload: sig.Payload,
		})
		if err != nil {
			h.logger.Warn("error marshaling signal", "err", err)
			continue
		}
		if !h.sendToConn(sig.ToConn, payload) {
			h.logger.Warn("signal target connection no longer live",
				"kind", string(sig.Kind), "from", sig.FromUserID)
		}
	}
}

// shutdownSessions closes all active connections so their pumps unwind.
func (h *Hub) shutdownSessions() {
	h.logger.Info("shutting down all sessions")

	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.mutex.Unlock()

	for _, session := range sessions {
		if session.conn != nil {
			if err := session.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.logger.Warn("error closing session connection",
						"addr", session.addr, "err", err)
				}
			}
		}
	}

	h.logger.Info("closed session connections", "count", len(sessions))
}

// Shutdown initiates graceful shutdown: it stops the event loop, closes the
// presence and voice streams, and waits for all goroutines to finish or the
// timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	h.presence.Close()
	h.relay.Close()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// Package gateway manages individual WebSocket sessions, handling read/write
// pumps, rate limiting, command dispatch into the presence engine and voice
// relay, and lifecycle control for each connection.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/firesidehq/fireside/internal/presence"
	"github.com/firesidehq/fireside/internal/voice"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Session is one live WebSocket connection. Its id is the opaque connection
// handle the presence engine and voice relay key on: a user with several
// devices holds several sessions.
type Session struct {
	id          string
	userID      string
	displayName string
	isAgent     bool

	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewSession creates a session for an upgraded connection. The connection
// handle is freshly generated; identity fields come from the (externally
// authenticated) upgrade request.
func NewSession(conn *websocket.Conn, hub *Hub, addr, userID, displayName string, isAgent bool) *Session {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Session{
		id:             uuid.NewString(),
		userID:         userID,
		displayName:    displayName,
		isAgent:        isAgent,
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the session's connection handle.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the authenticated user owning this session.
func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.hub.logger.Warn("error setting initial read deadline", "addr", s.addr, "err", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.hub.logger.Warn("error setting read deadline in pong handler", "addr", s.addr, "err", err)
		}
		return nil
	})
}

// handleReadError logs an appropriate message for the error and reports
// whether the read loop should stop.
func (s *Session) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		s.hub.logger.Warn("frame exceeded maximum size",
			"addr", s.addr, "limit", s.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		s.hub.logger.Info("session disconnected", "addr", s.addr, "user", s.userID)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		s.hub.logger.Info("session connection closed", "addr", s.addr, "user", s.userID)
		return true
	}

	s.hub.logger.Warn("websocket read error", "addr", s.addr, "err", err)
	return true
}

func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		s.hub.logger.Warn("rate limit exceeded, discarding frame",
			"addr", s.addr, "user", s.userID,
			"burst", s.rateLimit.Burst, "interval", s.rateLimit.RefillInterval)
		return false
	}
	return true
}

// dispatch decodes one client frame and routes it into the presence engine or
// voice relay. Invalid frames are logged and dropped; the only caller-visible
// rejection is an invalid status request, answered with an error frame.
func (s *Session) dispatch(raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.hub.logger.Warn("invalid frame", "addr", s.addr, "err", err)
		return
	}

	switch frame.Type {
	case frameHeartbeat:
		s.hub.presence.Heartbeat(s.userID)

	case frameStatus:
		if err := s.hub.presence.RequestStatus(s.userID, presence.Status(frame.Status)); err != nil {
			s.reply(ServerFrame{Type: frameError, Message: err.Error()})
		}

	case frameVoiceJoin:
		roster := s.hub.relay.JoinRoom(frame.Room, s.userID, s.id, s.displayName)
		s.reply(ServerFrame{Type: frameRoster, Room: frame.Room, Roster: roster})

	case frameVoiceLeave:
		s.hub.relay.LeaveRoom(frame.Room, s.id)

	case frameSignal:
		s.hub.relay.RelaySignal(voice.SignalKind(frame.Kind), s.userID, frame.To, frame.Payload)

	case frameMute:
		s.hub.relay.ToggleMute(frame.Room, s.id, frame.Muted)

	case frameDeafen:
		s.hub.relay.ToggleDeafen(frame.Room, s.id, frame.Deafened)

	default:
		s.hub.logger.Warn("unknown frame type", "addr", s.addr, "type", frame.Type)
	}
}

// reply marshals a frame and queues it for this session only.
func (s *Session) reply(frame ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.hub.logger.Warn("error marshaling reply", "addr", s.addr, "err", err)
		return
	}
	s.hub.safeSend(s, payload)
}

func (s *Session) readPump() {
	defer func() {
		// During shutdown the hub's event loop has already returned and no
		// longer drains unregister.
		select {
		case s.hub.unregister <- s:
		case <-s.hub.ctx.Done():
		}
		if err := s.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				s.hub.logger.Warn("error closing connection in readPump", "err", err)
			}
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.handleReadError(err) {
				break
			}
		}

		if !s.checkRateLimit() {
			continue
		}

		s.dispatch(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-s.send:
		return s.handleMessage(message, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			s.hub.logger.Warn("error closing connection in writePump", "err", err)
		}
	}
}

// handleMessage writes one outgoing message and returns false if the
// connection should be closed.
func (s *Session) handleMessage(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.hub.logger.Warn("error setting write deadline", "addr", s.addr, "err", err)
		return false
	}

	if !ok {
		if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			if !isExpectedCloseError(err) {
				s.hub.logger.Warn("error writing close message", "addr", s.addr, "err", err)
			}
		}
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		s.hub.logger.Warn("error writing message", "addr", s.addr, "err", err)
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.hub.logger.Warn("error setting write deadline for ping", "addr", s.addr, "err", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.hub.logger.Warn("error writing ping message", "addr", s.addr, "err", err)
		return false
	}
	return true
}

// Package voice maintains per-room rosters of call participants and relays
// WebRTC call-setup messages between them. Roster state is deliberately
// transient: it must stay instantaneously consistent with live sockets, and
// persisting it would add a second source of truth that can drift from the
// socket lifecycle.
package voice

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// SignalKind identifies a WebRTC call-setup message.
type SignalKind string

// Supported signal kinds.
const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalIceCandidate SignalKind = "ice-candidate"
)

// EventType identifies a roster change broadcast to a room.
type EventType string

// Roster event types.
const (
	EventJoin   EventType = "join"
	EventLeave  EventType = "leave"
	EventMute   EventType = "mute"
	EventDeafen EventType = "deafen"
)

// Participant is the roster entry shape visible to clients. Connection
// handles are transport-internal and never leave the relay through it.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Muted       bool   `json:"muted"`
	Deafened    bool   `json:"deafened"`
}

// RoomEvent is one roster change, scoped by the relay: Recipients lists the
// connection handles of the room members that should be notified (the
// originator is excluded). The transport only addresses and delivers.
type RoomEvent struct {
	RoomID      string
	Type        EventType
	Participant Participant
	Recipients  []string
}

// Signal is a call-setup message addressed to a single connection handle,
// with the payload forwarded verbatim.
type Signal struct {
	ToConn     string
	Kind       SignalKind
	FromUserID string
	Payload    json.RawMessage
}

// ICEServer describes one STUN/TURN endpoint handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config holds the relay's static ICE descriptors and stream buffering.
type Config struct {
	ICEServers   []ICEServer
	EventBuffer  int
	SignalBuffer int
}

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.SignalBuffer <= 0 {
		c.SignalBuffer = 256
	}
	return c
}

type participant struct {
	userID      string
	displayName string
	muted       bool
	deafened    bool
}

// Relay is the voice-room registry. Rooms are created on first join and
// deleted the instant they become empty; no empty room survives a mutating
// call. All methods are safe for concurrent use.
type Relay struct {
	mu      sync.Mutex
	rooms   map[string]map[string]*participant // room id -> conn handle -> participant
	events  chan RoomEvent
	signals chan Signal
	ice     []ICEServer
	closed  bool
	logger  *slog.Logger
}

// NewRelay creates a relay with the given static ICE configuration.
func NewRelay(cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Relay{
		rooms:   make(map[string]map[string]*participant),
		events:  make(chan RoomEvent, cfg.EventBuffer),
		signals: make(chan Signal, cfg.SignalBuffer),
		ice:     append([]ICEServer(nil), cfg.ICEServers...),
		logger:  logger,
	}
}

// Events returns the roster-change stream.
func (r *Relay) Events() <-chan RoomEvent {
	return r.events
}

// Signals returns the stream of forwarded call-setup messages, each addressed
// to one connection handle.
func (r *Relay) Signals() <-chan Signal {
	return r.signals
}

// JoinRoom adds a participant to the room, creating it if absent, and returns
// the current roster. Joining again with the same connection handle replaces
// the existing entry rather than duplicating it; a user joining from two
// connections yields two participants. The other members receive a join
// event.
func (r *Relay) JoinRoom(roomID, userID, connID, displayName string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]*participant)
		r.rooms[roomID] = room
	}
	p := &participant{userID: userID, displayName: displayName}
	room[connID] = p

	r.emitLocked(RoomEvent{
		RoomID:      roomID,
		Type:        EventJoin,
		Participant: redact(p),
		Recipients:  othersLocked(room, connID),
	})
	return rosterLocked(room)
}

// LeaveRoom removes the participant with the given connection handle. The
// room is deleted when its last participant leaves; remaining members receive
// a leave event.
func (r *Relay) LeaveRoom(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(roomID, connID)
}

// RelaySignal forwards a call-setup payload to the first participant found
// with the target user id, scanning all rooms. A user is expected in at most
// one room at a time, so first match suffices. When no participant matches,
// the signal is dropped and logged, never surfaced to the sender: peers
// tolerate and retry lost signaling at a higher layer.
func (r *Relay) RelaySignal(kind SignalKind, fromUserID, toUserID string, payload json.RawMessage) {
	switch kind {
	case SignalOffer, SignalAnswer, SignalIceCandidate:
	default:
		r.logger.Warn("dropping signal of unknown kind",
			"kind", string(kind), "from", fromUserID, "to", toUserID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, room := range r.rooms {
		for connID, p := range room {
			if p.userID != toUserID {
				continue
			}
			r.sendSignalLocked(Signal{
				ToConn:     connID,
				Kind:       kind,
				FromUserID: fromUserID,
				Payload:    payload,
			})
			return
		}
	}
	r.logger.Warn("dropping signal for unreachable user",
		"kind", string(kind), "from", fromUserID, "to", toUserID)
}

// ToggleMute updates the participant's mute flag and notifies the rest of the
// room. Unknown rooms or handles are ignored.
func (r *Relay) ToggleMute(roomID, connID string, muted bool) {
	r.toggleFlag(roomID, connID, EventMute, func(p *participant) {
		p.muted = muted
	})
}

// ToggleDeafen updates the participant's deafen flag and notifies the rest of
// the room. Unknown rooms or handles are ignored.
func (r *Relay) ToggleDeafen(roomID, connID string, deafened bool) {
	r.toggleFlag(roomID, connID, EventDeafen, func(p *participant) {
		p.deafened = deafened
	})
}

// OnDisconnect removes the connection handle from every room it appears in,
// deleting rooms left empty and emitting one leave event per room actually
// affected. Wired to the transport's session-teardown path.
func (r *Relay) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, room := range r.rooms {
		if _, ok := room[connID]; ok {
			r.removeLocked(roomID, connID)
		}
	}
}

// RoomRoster returns the participant-visible roster for the room, empty for
// unknown rooms. Used to build the initial-state payload for a joining
// client.
func (r *Relay) RoomRoster(roomID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return []Participant{}
	}
	return rosterLocked(room)
}

// GetIceServers returns the configured STUN/TURN descriptors.
func (r *Relay) GetIceServers() []ICEServer {
	return append([]ICEServer(nil), r.ice...)
}

// Close shuts the event and signal streams. No other method may be called
// after Close.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		r.closed = true
		close(r.events)
		close(r.signals)
	}
}

func (r *Relay) toggleFlag(roomID, connID string, ev EventType, apply func(*participant)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	p, ok := room[connID]
	if !ok {
		return
	}
	apply(p)

	r.emitLocked(RoomEvent{
		RoomID:      roomID,
		Type:        ev,
		Participant: redact(p),
		Recipients:  othersLocked(room, connID),
	})
}

// removeLocked is the single removal path shared by LeaveRoom and
// OnDisconnect: deciding "is this room now empty" and deleting it happen in
// one critical section with the membership mutation.
func (r *Relay) removeLocked(roomID, connID string) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	p, ok := room[connID]
	if !ok {
		return
	}
	delete(room, connID)

	if len(room) == 0 {
		delete(r.rooms, roomID)
		return
	}
	r.emitLocked(RoomEvent{
		RoomID:      roomID,
		Type:        EventLeave,
		Participant: redact(p),
		Recipients:  othersLocked(room, connID),
	})
}

func (r *Relay) emitLocked(ev RoomEvent) {
	if r.closed || len(ev.Recipients) == 0 {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Error("voice event buffer full, dropping event",
			"room", ev.RoomID, "type", string(ev.Type))
	}
}

func (r *Relay) sendSignalLocked(s Signal) {
	if r.closed {
		return
	}
	select {
	case r.signals <- s:
	default:
		r.logger.Error("voice signal buffer full, dropping signal",
			"kind", string(s.Kind), "from", s.FromUserID)
	}
}

func redact(p *participant) Participant {
	return Participant{
		UserID:      p.userID,
		DisplayName: p.displayName,
		Muted:       p.muted,
		Deafened:    p.deafened,
	}
}

func rosterLocked(room map[string]*participant) []Participant {
	out := make([]Participant, 0, len(room))
	for _, p := range room {
		out = append(out, redact(p))
	}
	return out
}

func othersLocked(room map[string]*participant, exceptConn string) []string {
	out := make([]string, 0, len(room))
	for connID := range room {
		if connID != exceptConn {
			out = append(out, connID)
		}
	}
	return out
}

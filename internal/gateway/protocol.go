// Package gateway defines the JSON frames exchanged with clients and shared
// connection-error helpers reused across session and hub logic.
package gateway

import (
	"encoding/json"
	"strings"

	"github.com/firesidehq/fireside/internal/presence"
	"github.com/firesidehq/fireside/internal/voice"
)

// Client frame types.
const (
	frameHeartbeat  = "heartbeat"
	frameStatus     = "status"
	frameVoiceJoin  = "voice_join"
	frameVoiceLeave = "voice_leave"
	frameSignal     = "signal"
	frameMute       = "mute"
	frameDeafen     = "deafen"
)

// Server frame types.
const (
	framePresence = "presence"
	frameVoice    = "voice"
	frameSnapshot = "snapshot"
	frameRoster   = "roster"
	frameError    = "error"
)

// ClientFrame is the single JSON envelope for all client-to-server commands.
// Which fields are meaningful depends on Type.
type ClientFrame struct {
	Type     string          `json:"type"`
	Status   string          `json:"status,omitempty"`
	Room     string          `json:"room,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	To       string          `json:"to,omitempty"`
	Muted    bool            `json:"muted,omitempty"`
	Deafened bool            `json:"deafened,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is the single JSON envelope for all server-to-client messages:
// presence transitions, voice roster deltas, forwarded signals, and the
// initial-state payloads sent on connect and room join.
type ServerFrame struct {
	Type        string                  `json:"type"`
	User        string                  `json:"user,omitempty"`
	DisplayName string                  `json:"displayName,omitempty"`
	Status      presence.Status         `json:"status,omitempty"`
	IsAgent     bool                    `json:"isAgent,omitempty"`
	Room        string                  `json:"room,omitempty"`
	Event       voice.EventType         `json:"event,omitempty"`
	Participant *voice.Participant      `json:"participant,omitempty"`
	Roster      []voice.Participant     `json:"roster,omitempty"`
	Users       []presence.UserPresence `json:"users,omitempty"`
	Kind        voice.SignalKind        `json:"kind,omitempty"`
	From        string                  `json:"from,omitempty"`
	Payload     json.RawMessage         `json:"payload,omitempty"`
	Message     string                  `json:"message,omitempty"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

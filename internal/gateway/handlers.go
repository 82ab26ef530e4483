// Package gateway exposes HTTP handlers, including WebSocket upgrades,
// health checks, and the synchronous presence/voice query endpoints used to
// build initial-state payloads.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/firesidehq/fireside/internal/presence"
	"github.com/firesidehq/fireside/internal/voice"
)

func (h *Hub) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
}

// HandleWebSocket upgrades the request and registers a session for the
// authenticated user. Identity arrives in query parameters (user, name,
// agent), placed there by the authentication layer fronting this server,
// which is outside this core.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "Missing required query parameter: user", http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("name")
	if displayName == "" {
		displayName = userID
	}
	agent := r.URL.Query().Get("agent")
	isAgent := agent == "1" || agent == "true"

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	session := NewSession(conn, h, r.RemoteAddr, userID, displayName, isAgent)

	// Register the session with the hub; the hub launches the pump goroutines.
	h.register <- session
}

// HandleHealth provides a simple health check endpoint.
func (h *Hub) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Fireside server is running!")
}

// HandleSnapshot returns the point-in-time presence view of every tracked
// user.
func (h *Hub) HandleSnapshot(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, struct {
		Users []presence.UserPresence `json:"users"`
	}{Users: h.presence.Snapshot()})
}

// HandleAgentActivity records activity for an API-key account, the non-socket
// equivalent of a heartbeat. POST with user (required) and name query
// parameters.
func (h *Hub) HandleAgentActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "Missing required query parameter: user", http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("name")
	if displayName == "" {
		displayName = userID
	}

	h.presence.TouchAgentActivity(userID, displayName)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRoster returns the participant roster for a voice room, empty for
// unknown rooms.
func (h *Hub) HandleRoster(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "Missing required query parameter: room", http.StatusBadRequest)
		return
	}
	h.writeJSON(w, struct {
		Room   string              `json:"room"`
		Roster []voice.Participant `json:"roster"`
	}{Room: roomID, Roster: h.relay.RoomRoster(roomID)})
}

// HandleIceServers returns the configured STUN/TURN descriptors clients need
// to set up peer connections.
func (h *Hub) HandleIceServers(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, struct {
		ICEServers []voice.ICEServer `json:"iceServers"`
	}{ICEServers: h.relay.GetIceServers()})
}

func (h *Hub) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("error writing JSON response", "err", err)
	}
}

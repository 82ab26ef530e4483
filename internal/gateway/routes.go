// Package gateway wires HTTP handlers into a ServeMux for the Fireside
// application via routing helpers.
package gateway

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application
// routes: health check, WebSocket endpoint, and the presence/voice query
// endpoints.
func (h *Hub) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.HandleHealth)
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/api/presence", h.HandleSnapshot)
	mux.HandleFunc("/api/presence/agent", h.HandleAgentActivity)
	mux.HandleFunc("/api/voice/roster", h.HandleRoster)
	mux.HandleFunc("/api/voice/ice", h.HandleIceServers)
	return mux
}

package gateway_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesidehq/fireside/internal/gateway"
	"github.com/firesidehq/fireside/internal/presence"
	"github.com/firesidehq/fireside/internal/voice"
)

// newTestHub brings up a hub with short presence timeouts behind a real HTTP
// server, the way clients will see it.
func newTestHub(t *testing.T) (*gateway.Hub, *httptest.Server) {
	t.Helper()

	cfg := gateway.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	cfg.Presence = presence.Config{
		GracePeriod:  50 * time.Millisecond,
		IdleTimeout:  time.Hour,
		AgentTimeout: time.Hour,
	}

	hub := gateway.NewHub(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run()

	srv := httptest.NewServer(hub.Routes())
	t.Cleanup(func() {
		srv.Close()
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Logf("hub shutdown: %v", err)
		}
	})
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server, user, name string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user + "&name=" + name
	header := http.Header{"Origin": []string{"http://localhost:8080"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err, "failed to dial %s", wsURL)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForFrame reads frames until one satisfies the predicate, skipping
// unrelated traffic such as other users' presence broadcasts.
func waitForFrame(t *testing.T, conn *websocket.Conn, what string, match func(gateway.ServerFrame) bool) gateway.ServerFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", what)

		var frame gateway.ServerFrame
		require.NoError(t, json.Unmarshal(raw, &frame), "waiting for %s", what)
		if match(frame) {
			return frame
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame gateway.ClientFrame) {
	t.Helper()
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func TestWebSocketPresenceLifecycle(t *testing.T) {
	_, srv := newTestHub(t)

	alice := dialWS(t, srv, "alice", "Alice")
	snapshot := waitForFrame(t, alice, "initial snapshot", func(f gateway.ServerFrame) bool {
		return f.Type == "snapshot"
	})
	require.Len(t, snapshot.Users, 1)
	assert.Equal(t, "alice", snapshot.Users[0].UserID)
	assert.Equal(t, presence.StatusOnline, snapshot.Users[0].Status)

	bob := dialWS(t, srv, "bob", "Bob")
	online := waitForFrame(t, alice, "bob online", func(f gateway.ServerFrame) bool {
		return f.Type == "presence" && f.User == "bob"
	})
	assert.Equal(t, presence.StatusOnline, online.Status)
	assert.Equal(t, "Bob", online.DisplayName)

	// Bob's only connection drops; after the grace period alice observes
	// exactly one offline transition.
	require.NoError(t, bob.Close())
	offline := waitForFrame(t, alice, "bob offline", func(f gateway.ServerFrame) bool {
		return f.Type == "presence" && f.User == "bob"
	})
	assert.Equal(t, presence.StatusOffline, offline.Status)
}

func TestWebSocketStatusRequests(t *testing.T) {
	hub, srv := newTestHub(t)

	alice := dialWS(t, srv, "alice", "Alice")
	waitForFrame(t, alice, "initial snapshot", func(f gateway.ServerFrame) bool {
		return f.Type == "snapshot"
	})

	sendFrame(t, alice, gateway.ClientFrame{Type: "status", Status: "dnd"})
	dnd := waitForFrame(t, alice, "dnd transition", func(f gateway.ServerFrame) bool {
		return f.Type == "presence" && f.User == "alice" && f.Status == presence.StatusDoNotDisturb
	})
	assert.Equal(t, "Alice", dnd.DisplayName)
	assert.Equal(t, presence.StatusDoNotDisturb, hub.Presence().GetStatus("alice"))

	// Offline cannot be requested; the rejection comes back on this session.
	sendFrame(t, alice, gateway.ClientFrame{Type: "status", Status: "offline"})
	errFrame := waitForFrame(t, alice, "rejection", func(f gateway.ServerFrame) bool {
		return f.Type == "error"
	})
	assert.Contains(t, errFrame.Message, "invalid requested status")
}

func TestWebSocketVoiceFlow(t *testing.T) {
	_, srv := newTestHub(t)

	alice := dialWS(t, srv, "alice", "Alice")
	bob := dialWS(t, srv, "bob", "Bob")
	waitForFrame(t, alice, "snapshot", func(f gateway.ServerFrame) bool { return f.Type == "snapshot" })
	waitForFrame(t, bob, "snapshot", func(f gateway.ServerFrame) bool { return f.Type == "snapshot" })

	sendFrame(t, bob, gateway.ClientFrame{Type: "voice_join", Room: "general"})
	roster := waitForFrame(t, bob, "bob roster", func(f gateway.ServerFrame) bool {
		return f.Type == "roster" && f.Room == "general"
	})
	require.Len(t, roster.Roster, 1)
	assert.Equal(t, "bob", roster.Roster[0].UserID)

	sendFrame(t, alice, gateway.ClientFrame{Type: "voice_join", Room: "general"})
	roster = waitForFrame(t, alice, "alice roster", func(f gateway.ServerFrame) bool {
		return f.Type == "roster" && f.Room == "general"
	})
	assert.Len(t, roster.Roster, 2)

	joined := waitForFrame(t, bob, "join notification", func(f gateway.ServerFrame) bool {
		return f.Type == "voice" && f.Event == voice.EventJoin
	})
	require.NotNil(t, joined.Participant)
	assert.Equal(t, "alice", joined.Participant.UserID)

	// Call setup: alice's offer reaches bob verbatim.
	offer := json.RawMessage(`{"sdp":"v=0 test"}`)
	sendFrame(t, alice, gateway.ClientFrame{Type: "signal", Kind: "offer", To: "bob", Payload: offer})
	signal := waitForFrame(t, bob, "offer", func(f gateway.ServerFrame) bool {
		return f.Type == "signal"
	})
	assert.Equal(t, voice.SignalOffer, signal.Kind)
	assert.Equal(t, "alice", signal.From)
	assert.JSONEq(t, string(offer), string(signal.Payload))

	// Mute state propagates to the rest of the room.
	sendFrame(t, alice, gateway.ClientFrame{Type: "mute", Room: "general", Muted: true})
	muted := waitForFrame(t, bob, "mute notification", func(f gateway.ServerFrame) bool {
		return f.Type == "voice" && f.Event == voice.EventMute
	})
	require.NotNil(t, muted.Participant)
	assert.True(t, muted.Participant.Muted)

	// Leaving notifies the remaining member.
	sendFrame(t, alice, gateway.ClientFrame{Type: "voice_leave", Room: "general"})
	left := waitForFrame(t, bob, "leave notification", func(f gateway.ServerFrame) bool {
		return f.Type == "voice" && f.Event == voice.EventLeave
	})
	require.NotNil(t, left.Participant)
	assert.Equal(t, "alice", left.Participant.UserID)
}

func TestWebSocketRequiresUser(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPEndpoints(t *testing.T) {
	hub, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Fireside server is running")

	resp, err = http.Get(srv.URL + "/api/voice/ice")
	require.NoError(t, err)
	var ice struct {
		ICEServers []voice.ICEServer `json:"iceServers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ice))
	_ = resp.Body.Close()
	require.Len(t, ice.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, ice.ICEServers[0].URLs)

	resp, err = http.Get(srv.URL + "/api/voice/roster?room=nowhere")
	require.NoError(t, err)
	var roster struct {
		Room   string              `json:"room"`
		Roster []voice.Participant `json:"roster"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	_ = resp.Body.Close()
	assert.Empty(t, roster.Roster)

	resp, err = http.Get(srv.URL + "/api/voice/roster")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Agent activity is the non-socket path into the presence registry.
	resp, err = http.Post(srv.URL+"/api/presence/agent?user=bot&name=Helper+Bot", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, presence.StatusOnline, hub.Presence().GetStatus("bot"))

	resp, err = http.Get(srv.URL + "/api/presence")
	require.NoError(t, err)
	var snap struct {
		Users []presence.UserPresence `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	_ = resp.Body.Close()
	found := false
	for _, u := range snap.Users {
		if u.UserID == "bot" {
			found = true
			assert.True(t, u.IsAgent)
			assert.Equal(t, "Helper Bot", u.DisplayName)
		}
	}
	assert.True(t, found, "agent should appear in the snapshot")
}

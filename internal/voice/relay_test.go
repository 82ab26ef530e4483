package voice_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesidehq/fireside/internal/voice"
)

func newRelay(t *testing.T) *voice.Relay {
	t.Helper()
	r := voice.NewRelay(voice.Config{
		ICEServers: []voice.ICEServer{
			{URLs: []string{"stun:stun.example.org:3478"}},
			{URLs: []string{"turn:turn.example.org:3478"}, Username: "fireside", Credential: "secret"},
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Close)
	return r
}

func waitRoomEvent(t *testing.T, r *voice.Relay) voice.RoomEvent {
	t.Helper()
	select {
	case ev, ok := <-r.Events():
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for room event")
		return voice.RoomEvent{}
	}
}

func expectNoRoomEvent(t *testing.T, r *voice.Relay) {
	t.Helper()
	select {
	case ev := <-r.Events():
		t.Fatalf("expected no room event, got %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func waitSignal(t *testing.T, r *voice.Relay) voice.Signal {
	t.Helper()
	select {
	case sig, ok := <-r.Signals():
		require.True(t, ok, "signal stream closed unexpectedly")
		return sig
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
		return voice.Signal{}
	}
}

func expectNoSignal(t *testing.T, r *voice.Relay) {
	t.Helper()
	select {
	case sig := <-r.Signals():
		t.Fatalf("expected no signal, got %+v", sig)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestJoinCreatesRoomAndReturnsRoster(t *testing.T) {
	r := newRelay(t)

	roster := r.JoinRoom("general", "alice", "conn-a", "Alice")
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].UserID)
	assert.Equal(t, "Alice", roster[0].DisplayName)
	assert.False(t, roster[0].Muted)
	assert.False(t, roster[0].Deafened)

	// The first member has nobody to notify.
	expectNoRoomEvent(t, r)
}

func TestJoinBroadcastsToOtherMembers(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	roster := r.JoinRoom("general", "bob", "conn-b", "Bob")
	require.Len(t, roster, 2)

	ev := waitRoomEvent(t, r)
	assert.Equal(t, "general", ev.RoomID)
	assert.Equal(t, voice.EventJoin, ev.Type)
	assert.Equal(t, "bob", ev.Participant.UserID)
	assert.Equal(t, []string{"conn-a"}, ev.Recipients)
}

func TestRejoinSameHandleReplacesEntry(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	roster := r.JoinRoom("general", "alice", "conn-a", "Alice")
	assert.Len(t, roster, 1)
	assert.Len(t, r.RoomRoster("general"), 1)
}

func TestUserWithTwoConnectionsYieldsTwoParticipants(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "bob", "conn-1", "Bob")
	r.JoinRoom("general", "bob", "conn-2", "Bob")
	require.Len(t, r.RoomRoster("general"), 2)

	r.OnDisconnect("conn-1")
	assert.Len(t, r.RoomRoster("general"), 1)

	r.OnDisconnect("conn-2")
	assert.Empty(t, r.RoomRoster("general"))
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.LeaveRoom("general", "conn-a")

	assert.Empty(t, r.RoomRoster("general"))
	// No leave broadcast for a room that no longer exists.
	expectNoRoomEvent(t, r)
}

func TestLeaveBroadcastsToRemainingMembers(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.JoinRoom("general", "bob", "conn-b", "Bob")
	waitRoomEvent(t, r) // bob's join

	r.LeaveRoom("general", "conn-b")
	ev := waitRoomEvent(t, r)
	assert.Equal(t, voice.EventLeave, ev.Type)
	assert.Equal(t, "bob", ev.Participant.UserID)
	assert.Equal(t, []string{"conn-a"}, ev.Recipients)
	assert.Len(t, r.RoomRoster("general"), 1)
}

func TestLeaveUnknownRoomOrHandleIsNoop(t *testing.T) {
	r := newRelay(t)

	r.LeaveRoom("nowhere", "conn-x")
	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.LeaveRoom("general", "conn-x")

	assert.Len(t, r.RoomRoster("general"), 1)
	expectNoRoomEvent(t, r)
}

func TestRelaySignalDeliversToTargetConnection(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.JoinRoom("general", "bob", "conn-b", "Bob")

	payload := json.RawMessage(`{"sdp":"v=0..."}`)
	r.RelaySignal(voice.SignalOffer, "alice", "bob", payload)

	sig := waitSignal(t, r)
	assert.Equal(t, "conn-b", sig.ToConn)
	assert.Equal(t, voice.SignalOffer, sig.Kind)
	assert.Equal(t, "alice", sig.FromUserID)
	assert.Equal(t, payload, sig.Payload)
}

func TestRelaySignalUnknownTargetIsDropped(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.RelaySignal(voice.SignalAnswer, "alice", "ghost", json.RawMessage(`{}`))
	expectNoSignal(t, r)
}

func TestRelaySignalUnknownKindIsDropped(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.JoinRoom("general", "bob", "conn-b", "Bob")
	r.RelaySignal(voice.SignalKind("renegotiate"), "alice", "bob", json.RawMessage(`{}`))
	expectNoSignal(t, r)
}

func TestToggleMuteAndDeafen(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.JoinRoom("general", "bob", "conn-b", "Bob")
	waitRoomEvent(t, r) // bob's join

	r.ToggleMute("general", "conn-b", true)
	ev := waitRoomEvent(t, r)
	assert.Equal(t, voice.EventMute, ev.Type)
	assert.True(t, ev.Participant.Muted)
	assert.Equal(t, []string{"conn-a"}, ev.Recipients)

	r.ToggleDeafen("general", "conn-b", true)
	ev = waitRoomEvent(t, r)
	assert.Equal(t, voice.EventDeafen, ev.Type)
	assert.True(t, ev.Participant.Deafened)

	for _, p := range r.RoomRoster("general") {
		if p.UserID == "bob" {
			assert.True(t, p.Muted)
			assert.True(t, p.Deafened)
		}
	}

	// Unknown room and handle are ignored.
	r.ToggleMute("nowhere", "conn-b", true)
	r.ToggleDeafen("general", "conn-x", true)
	expectNoRoomEvent(t, r)
}

func TestOnDisconnectSweepsAllRooms(t *testing.T) {
	r := newRelay(t)

	r.JoinRoom("general", "alice", "conn-a", "Alice")
	r.JoinRoom("general", "bob", "conn-b", "Bob")
	r.JoinRoom("music", "alice", "conn-a", "Alice")
	r.JoinRoom("music", "carol", "conn-c", "Carol")
	waitRoomEvent(t, r) // bob joining general
	waitRoomEvent(t, r) // carol joining music

	r.OnDisconnect("conn-a")

	rooms := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		ev := waitRoomEvent(t, r)
		assert.Equal(t, voice.EventLeave, ev.Type)
		assert.Equal(t, "alice", ev.Participant.UserID)
		rooms = append(rooms, ev.RoomID)
	}
	sort.Strings(rooms)
	assert.Equal(t, []string{"general", "music"}, rooms)

	assert.Len(t, r.RoomRoster("general"), 1)
	assert.Len(t, r.RoomRoster("music"), 1)

	// A handle in no rooms affects nothing.
	r.OnDisconnect("conn-x")
	expectNoRoomEvent(t, r)
}

func TestGetIceServers(t *testing.T) {
	r := newRelay(t)

	servers := r.GetIceServers()
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
	assert.Equal(t, "fireside", servers[1].Username)
}

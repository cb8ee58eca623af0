package internal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJoinIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	client := newTestClient(hub)

	hub.Join(client, "room")
	hub.Join(client, "room")

	assert.Equal(t, 1, hub.MemberCount("room"))

	hub.EmitToRoom("room", "ping", map[string]bool{"ok": true})
	readFrame(t, client)
	// A double join must not double-deliver.
	expectNoFrame(t, client)
}

func TestEmitToRoomIncludesOrigin(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sender := newTestClient(hub)
	peer := newTestClient(hub)
	outsider := newTestClient(hub)

	hub.Join(sender, "room")
	hub.Join(peer, "room")
	hub.Join(outsider, "other")

	hub.EmitToRoom("room", "chatMessage", map[string]string{"text": "hi"})

	for _, member := range []*Client{sender, peer} {
		frame := readFrame(t, member)
		assert.Equal(t, "chatMessage", frame.Event)
	}
	expectNoFrame(t, outsider)
}

func TestBroadcastAllReachesEveryConnectionOnce(t *testing.T) {
	hub := NewHub(zap.NewNop())
	multi := newTestClient(hub)
	single := newTestClient(hub)

	hub.Join(multi, "roomA")
	hub.Join(multi, "roomB")
	hub.Join(single, "roomB")

	hub.BroadcastAll(EventUserStatusChanged, statusChange{UserID: "u1", Online: true})

	frame := readFrame(t, multi)
	assert.Equal(t, EventUserStatusChanged, frame.Event)
	var change statusChange
	require.NoError(t, json.Unmarshal(frame.Data, &change))
	assert.True(t, change.Online)
	// Membership in two rooms must not duplicate a broadcast.
	expectNoFrame(t, multi)

	readFrame(t, single)
}

func TestBroadcastAllReachesRoomlessConnections(t *testing.T) {
	hub := NewHub(zap.NewNop())
	roomless := newTestClient(hub)
	hub.Register(roomless)
	joined := newTestClient(hub)
	hub.Join(joined, "room")

	hub.BroadcastAll(EventUserStatusChanged, statusChange{UserID: "u1", Online: true})

	// A connection that has not joined any room yet still sees presence.
	frame := readFrame(t, roomless)
	assert.Equal(t, EventUserStatusChanged, frame.Event)
	readFrame(t, joined)

	hub.Remove(roomless)
	hub.BroadcastAll(EventUserStatusChanged, statusChange{UserID: "u1", Online: false})
	readFrame(t, joined)
	expectNoFrame(t, roomless)
}

func TestRemoveDropsAllMemberships(t *testing.T) {
	hub := NewHub(zap.NewNop())
	leaving := newTestClient(hub)
	staying := newTestClient(hub)

	hub.Join(leaving, "roomA")
	hub.Join(leaving, "roomB")
	hub.Join(staying, "roomA")

	hub.Remove(leaving)

	assert.Equal(t, 1, hub.MemberCount("roomA"))
	assert.False(t, hub.Exists("roomB"), "empty rooms are dropped")

	hub.EmitToRoom("roomA", "ping", nil)
	readFrame(t, staying)
	expectNoFrame(t, leaving)
}

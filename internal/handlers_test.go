package internal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/storage"
)

func dispatch(s *Server, client *Client, event string, payload any) {
	raw, _ := json.Marshal(payload)
	s.router.Dispatch(context.Background(), client, event, raw)
}

func TestJoinRoomRepliesWithHistory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.store.AppendMessage(ctx, "general", "alice", "earlier", nil, 0)
	require.NoError(t, err)

	client := newTestClient(s.hub)
	dispatch(s, client, EventJoinRoom, joinRoomPayload{RoomID: "general"})

	frame := readFrame(t, client)
	require.Equal(t, EventChatHistory, frame.Event)
	var history []storage.Message
	require.NoError(t, json.Unmarshal(frame.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "earlier", history[0].Text)

	assert.Equal(t, 1, s.hub.MemberCount("general"))
}

func TestJoinRoomAcceptsBareString(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(s.hub)

	dispatch(s, client, EventJoinRoom, "plain-room")

	frame := readFrame(t, client)
	assert.Equal(t, EventChatHistory, frame.Event)
	assert.Equal(t, 1, s.hub.MemberCount("plain-room"))
}

func TestJoinRoomWithoutRoomIDIsIgnored(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(s.hub)

	dispatch(s, client, EventJoinRoom, joinRoomPayload{})

	expectNoFrame(t, client)
	assert.False(t, s.hub.Exists(""))
}

func TestChatMessagePersistsAndFansOut(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	sender := newTestClient(s.hub)
	peer := newTestClient(s.hub)
	s.hub.Join(sender, "general")
	s.hub.Join(peer, "general")

	dispatch(s, sender, EventChatMessage, chatMessagePayload{
		RoomID: "general",
		Sender: "alice",
		Text:   "hello room",
	})

	for _, member := range []*Client{sender, peer} {
		frame := readFrame(t, member)
		require.Equal(t, EventChatMessage, frame.Event)
		var msg storage.Message
		require.NoError(t, json.Unmarshal(frame.Data, &msg))
		assert.Equal(t, "hello room", msg.Text)
		assert.Equal(t, "alice", msg.Sender)
		assert.NotEmpty(t, msg.ID)
	}

	history, err := s.store.History(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestChatMessageMissingFieldsIsIgnored(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(s.hub)
	s.hub.Join(client, "general")

	dispatch(s, client, EventChatMessage, chatMessagePayload{RoomID: "general"})
	dispatch(s, client, EventChatMessage, chatMessagePayload{Text: "orphan"})

	expectNoFrame(t, client)
	history, err := s.store.History(context.Background(), "general", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestChatMessageWithTTLExpires(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(s.hub)
	s.hub.Join(client, "general")

	dispatch(s, client, EventChatMessage, chatMessagePayload{
		RoomID: "general",
		Sender: "alice",
		Text:   "self destructing",
		TTL:    2,
	})

	frame := readFrame(t, client)
	require.Equal(t, EventChatMessage, frame.Event)
	var msg storage.Message
	require.NoError(t, json.Unmarshal(frame.Data, &msg))

	frame = readFrame(t, client)
	require.Equal(t, EventDeleteMessage, frame.Event)
	var notice deleteNotice
	require.NoError(t, json.Unmarshal(frame.Data, &notice))
	assert.Equal(t, msg.ID, notice.ID)

	history, err := s.store.History(context.Background(), "general", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFileChunkFlow(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(s.hub)
	s.hub.Join(client, "general")

	send := func(body string, last bool) {
		dispatch(s, client, EventFileChunk, FileChunkPayload{
			FileID:      "upload-1",
			Chunk:       []byte(body),
			FileName:    "notes.txt",
			MimeType:    "text/plain",
			Sender:      "alice",
			Text:        "attached",
			RoomID:      "general",
			IsLastChunk: last,
		})
	}

	send("part one, ", false)
	expectNoFrame(t, client)
	send("part two", true)

	frame := readFrame(t, client)
	require.Equal(t, EventChatFile, frame.Event)
	var msg storage.Message
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	require.NotNil(t, msg.File)
	assert.Equal(t, "notes.txt", msg.File.FileName)
	assert.Equal(t, "text/plain", msg.File.MimeType)
	assert.Equal(t, "attached", msg.Text)
	assert.Equal(t, "alice", msg.Sender)

	// The artifact referenced by the message exists on disk, assembled in order.
	onDisk := filepath.Join(s.assembler.uploadDir, strings.TrimPrefix(msg.File.FilePath, "/uploads/"))
	data, err := os.ReadFile(onDisk)
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", string(data))

	history, err := s.store.History(context.Background(), "general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].File)
	assert.Equal(t, msg.File.FilePath, history[0].File.FilePath)
}

func TestFileChunkFailureReachesClient(t *testing.T) {
	s := newTestServer(t)
	s.assembler = NewReassembler(s.log, t.TempDir(), time.Minute, 64, 4)
	client := newTestClient(s.hub)
	s.hub.Join(client, "general")

	dispatch(s, client, EventFileChunk, FileChunkPayload{
		FileID:      "too-big",
		Chunk:       []byte("exceeds the ceiling"),
		FileName:    "big.bin",
		RoomID:      "general",
		IsLastChunk: true,
	})

	frame := readFrame(t, client)
	require.Equal(t, EventServerError, frame.Event)
	var notice serverError
	require.NoError(t, json.Unmarshal(frame.Data, &notice))
	assert.Equal(t, EventFileChunk, notice.Event)
}

func TestMessageSeenBroadcastsUpdate(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	msg, err := s.store.AppendMessage(ctx, "general", "alice", "read me", nil, 0)
	require.NoError(t, err)

	reader := newTestClient(s.hub)
	peer := newTestClient(s.hub)
	s.hub.Join(reader, "general")
	s.hub.Join(peer, "general")

	dispatch(s, reader, EventMessageSeen, messageSeenPayload{
		RoomID:     "general",
		MessageIDs: []string{msg.ID},
	})

	for _, member := range []*Client{reader, peer} {
		frame := readFrame(t, member)
		require.Equal(t, EventMessageSeenUpdate, frame.Event)
		var update seenUpdate
		require.NoError(t, json.Unmarshal(frame.Data, &update))
		assert.Equal(t, []string{msg.ID}, update.MessageIDs)
	}

	history, err := s.store.History(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Seen)
}

func TestPresenceStatusBroadcasts(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	user, err := s.store.CreateUser(ctx, "Alice", "alice@example.com", "111")
	require.NoError(t, err)

	watcher := newTestClient(s.hub)
	s.hub.Join(watcher, "lobby")

	tab := newTestClient(s.hub)
	dispatch(s, tab, EventJoinRoom, joinRoomPayload{RoomID: "lobby", UserID: user.UserID})

	frame := readFrame(t, watcher)
	require.Equal(t, EventUserStatusChanged, frame.Event)
	var change statusChange
	require.NoError(t, json.Unmarshal(frame.Data, &change))
	assert.Equal(t, user.UserID, change.UserID)
	assert.True(t, change.Online)

	stored, err := s.store.GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.True(t, stored.Online)

	// A second connection for the same user announces nothing new.
	drainClient(t, tab)
	second := newTestClient(s.hub)
	dispatch(s, second, EventJoinRoom, joinRoomPayload{RoomID: "lobby", UserID: user.UserID})
	drainClient(t, second)
	expectNoFrame(t, watcher)

	// Only the last disconnect flips the user offline.
	s.onDisconnect(second)
	expectNoFrame(t, watcher)
	s.onDisconnect(tab)

	frame = readFrame(t, watcher)
	require.Equal(t, EventUserStatusChanged, frame.Event)
	require.NoError(t, json.Unmarshal(frame.Data, &change))
	assert.False(t, change.Online)

	stored, err = s.store.GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.False(t, stored.Online)
}

func TestUnknownEventLeavesConnectionUsable(t *testing.T) {
	s := newTestServer(t)
	client := newTestClient(s.hub)

	s.router.Dispatch(context.Background(), client, "definitelyNotAnEvent", mustRaw(t, map[string]string{"x": "y"}))
	expectNoFrame(t, client)

	dispatch(s, client, EventJoinRoom, joinRoomPayload{RoomID: "general"})
	frame := readFrame(t, client)
	assert.Equal(t, EventChatHistory, frame.Event)
}

// drainClient discards every frame currently queued for the client.
func drainClient(t *testing.T, client *Client) {
	t.Helper()
	for {
		select {
		case <-client.send:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

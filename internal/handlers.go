package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// handleJoinRoom subscribes the connection to a room, optionally binds a user
// identity for presence, and replies with the room's recent history. Clients
// may send either {roomId, userId} or a bare room id string.
func (s *Server) handleJoinRoom(ctx context.Context, client *Client, data json.RawMessage) error {
	var payload joinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		var roomID string
		if json.Unmarshal(data, &roomID) != nil {
			s.log.Warn("joinRoom with undecodable payload")
			return nil
		}
		payload.RoomID = roomID
	}
	if payload.RoomID == "" {
		s.log.Warn("joinRoom without room id")
		return nil
	}

	s.hub.Join(client, payload.RoomID)
	s.log.Info("joined room", zap.String("room", payload.RoomID), zap.String("user", payload.UserID))

	if payload.UserID != "" && client.userID == "" {
		client.userID = payload.UserID
		if s.presence.Connect(payload.UserID) {
			s.setUserStatus(payload.UserID, true)
		}
	}

	history, err := s.store.History(ctx, payload.RoomID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	client.Emit(EventChatHistory, history)
	return nil
}

// handleChatMessage persists a text message and fans it out to the room. The
// broadcast only happens once the append succeeded.
func (s *Server) handleChatMessage(ctx context.Context, client *Client, data json.RawMessage) error {
	var payload chatMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("chatMessage with undecodable payload", zap.Error(err))
		return nil
	}
	if payload.RoomID == "" || payload.Text == "" {
		s.log.Warn("chatMessage missing room or text")
		return nil
	}

	msg, err := s.store.AppendMessage(ctx, payload.RoomID, payload.Sender, payload.Text, nil, payload.TTL)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	s.metrics.IncMessage()
	s.expiry.Schedule(msg.RoomID, msg.ID, msg.TTL)
	s.hub.EmitToRoom(msg.RoomID, EventChatMessage, msg)
	return nil
}

// handleFileChunk feeds one chunk to the reassembler. When the transfer
// completes, the assembled artifact is persisted as a message and the room is
// notified with chatFile.
func (s *Server) handleFileChunk(ctx context.Context, client *Client, data json.RawMessage) error {
	var payload FileChunkPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("fileChunk with undecodable payload", zap.Error(err))
		return nil
	}

	completed, err := s.assembler.Ingest(payload)
	if err != nil {
		return fmt.Errorf("file chunk %s: %w", payload.FileID, err)
	}
	if completed == nil {
		return nil
	}

	msg, err := s.store.AppendMessage(ctx, completed.RoomID, completed.Sender, completed.Text, &completed.Attachment, 0)
	if err != nil {
		// Never leave an artifact on disk that no message references.
		if removeErr := os.Remove(completed.DiskPath); removeErr != nil {
			s.log.Error("orphan artifact cleanup failed", zap.String("path", completed.DiskPath), zap.Error(removeErr))
		}
		return fmt.Errorf("save file message: %w", err)
	}
	s.metrics.IncFile()
	s.hub.EmitToRoom(msg.RoomID, EventChatFile, msg)
	return nil
}

// handleMessageSeen marks the listed messages seen and tells the room. Ids
// that match nothing, or a room that vanished, are benign no-ops.
func (s *Server) handleMessageSeen(ctx context.Context, client *Client, data json.RawMessage) error {
	var payload messageSeenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("messageSeen with undecodable payload", zap.Error(err))
		return nil
	}
	if payload.RoomID == "" || len(payload.MessageIDs) == 0 {
		return nil
	}

	if err := s.store.MarkSeen(ctx, payload.RoomID, payload.MessageIDs); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	s.hub.EmitToRoom(payload.RoomID, EventMessageSeenUpdate, seenUpdate{MessageIDs: payload.MessageIDs})
	return nil
}

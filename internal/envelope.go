package internal

import "encoding/json"

// Envelope is the framing every websocket message uses in both directions:
// a named event plus its raw payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventJoinRoom    = "joinRoom"
	EventChatMessage = "chatMessage"
	EventFileChunk   = "fileChunk"
	EventMessageSeen = "messageSeen"
)

// Outbound event names.
const (
	EventChatHistory       = "chatHistory"
	EventChatFile          = "chatFile"
	EventMessageSeenUpdate = "messageSeenUpdate"
	EventDeleteMessage     = "deleteMessage"
	EventUserStatusChanged = "userStatusChanged"
	EventServerError       = "server_error"
)

type joinRoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type chatMessagePayload struct {
	RoomID string `json:"roomId"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text"`
	TTL    int    `json:"ttl,omitempty"`
}

// FileChunkPayload carries one slice of a chunked upload. Chunk bytes travel
// base64-encoded inside the JSON frame.
type FileChunkPayload struct {
	FileID      string `json:"fileId"`
	Chunk       []byte `json:"chunk"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
	Text        string `json:"text,omitempty"`
	Sender      string `json:"sender,omitempty"`
	IsLastChunk bool   `json:"isLastChunk"`
	RoomID      string `json:"roomId"`
}

type messageSeenPayload struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type seenUpdate struct {
	MessageIDs []string `json:"messageIds"`
}

type deleteNotice struct {
	ID string `json:"id"`
}

type statusChange struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type serverError struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func encodeEnvelope(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

package internal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Chunk payloads arrive base64-encoded inside the JSON frame, so the read
	// limit sits well above the 64KB chunk size clients use.
	maxMsgSize = 1 << 20
)

// Client wraps a single websocket connection, its buffered send queue, and
// the user identity bound to it by joinRoom.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	userID       string
	onDisconnect func(*Client)
	log          *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, log *zap.Logger, onDisconnect func(*Client)) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		done:         make(chan struct{}),
		onDisconnect: onDisconnect,
		log:          log,
	}
}

// Emit queues one event for this connection only.
func (client *Client) Emit(event string, v any) {
	payload, err := encodeEnvelope(event, v)
	if err != nil {
		client.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	client.enqueue(payload)
}

// enqueue hands a pre-encoded frame to the write pump. If the client cannot
// keep up we drop the connection rather than let backpressure stall a room.
func (client *Client) enqueue(payload []byte) {
	select {
	case client.send <- payload:
	default:
		client.log.Warn("send buffer full, dropping connection", zap.String("user", client.userID))
		if client.conn != nil {
			_ = client.conn.Close()
		}
	}
}

func (client *Client) readPump(router *Router) {
	defer func() {
		close(client.done)
		client.hub.Remove(client)
		client.conn.Close()
		if client.onDisconnect != nil {
			client.onDisconnect(client)
		}
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Event == "" {
			client.log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		router.Dispatch(context.Background(), client, envelope.Event, envelope.Data)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

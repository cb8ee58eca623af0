package internal

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks every live connection and which rooms each is subscribed to,
// fanning events out to them. A connection may be a member of any number of
// rooms, including none.
type Hub struct {
	mutex   sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		log:     log,
	}
}

// Register adds a live connection to the hub at upgrade time, before it joins
// any room, so global broadcasts reach it immediately.
func (hub *Hub) Register(client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.clients[client] = true
}

// Join subscribes the connection to the room. Joining twice is a no-op.
func (hub *Hub) Join(client *Client, roomID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.clients[client] = true
	members, exists := hub.rooms[roomID]
	if !exists {
		members = make(map[*Client]bool)
		hub.rooms[roomID] = members
	}
	members[client] = true
}

// Exists reports whether the room currently has live members.
func (hub *Hub) Exists(roomID string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms[roomID]) > 0
}

// MemberCount returns the number of live members in the room.
func (hub *Hub) MemberCount(roomID string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms[roomID])
}

// EmitToRoom delivers the event to every member of the room, including the
// originating connection when it is a member.
func (hub *Hub) EmitToRoom(roomID, event string, v any) {
	payload, err := encodeEnvelope(event, v)
	if err != nil {
		hub.log.Error("encode room event", zap.String("event", event), zap.Error(err))
		return
	}
	for _, client := range hub.members(roomID) {
		client.enqueue(payload)
	}
}

// BroadcastAll delivers the event to every live connection once, whether or
// not it has joined a room yet. Used for presence changes, which are not
// room-scoped.
func (hub *Hub) BroadcastAll(event string, v any) {
	payload, err := encodeEnvelope(event, v)
	if err != nil {
		hub.log.Error("encode broadcast event", zap.String("event", event), zap.Error(err))
		return
	}
	hub.mutex.RLock()
	snapshot := make([]*Client, 0, len(hub.clients))
	for client := range hub.clients {
		snapshot = append(snapshot, client)
	}
	hub.mutex.RUnlock()
	for _, client := range snapshot {
		client.enqueue(payload)
	}
}

// Remove drops the connection from the hub and from every room it joined,
// deleting rooms left without members. Called on disconnect.
func (hub *Hub) Remove(client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	delete(hub.clients, client)
	for roomID, members := range hub.rooms {
		if members[client] {
			delete(members, client)
			if len(members) == 0 {
				delete(hub.rooms, roomID)
			}
		}
	}
}

// members snapshots the room so fan-out happens outside the lock; enqueueing
// to a slow client may close its connection, which re-enters the hub.
func (hub *Hub) members(roomID string) []*Client {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	members := hub.rooms[roomID]
	snapshot := make([]*Client, 0, len(members))
	for client := range members {
		snapshot = append(snapshot, client)
	}
	return snapshot
}

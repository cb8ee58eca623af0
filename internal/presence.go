package internal

import "sync"

// PresenceTracker keeps counts of active websocket connections per user. A
// user with several tabs open stays online until the last one disconnects.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[string]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]int)}
}

// Connect records one more connection for the user and reports whether this
// took the user from offline to online.
func (p *PresenceTracker) Connect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return p.online[userID] == 1
}

// Disconnect records one connection gone and reports whether the user is now
// fully offline.
func (p *PresenceTracker) Disconnect(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.online[userID]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(p.online, userID)
		return true
	}
	p.online[userID] = count - 1
	return false
}

func (p *PresenceTracker) Online(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID] > 0
}

func (p *PresenceTracker) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

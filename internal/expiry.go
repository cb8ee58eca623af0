package internal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/storage"
)

// ExpiryScheduler arranges the deferred deletion of messages created with a
// positive ttl. The fired action is idempotent: the store reports whether the
// message was still present, and only an actual deletion is broadcast, so a
// message removed manually first produces no duplicate notice.
type ExpiryScheduler struct {
	log     *zap.Logger
	store   *storage.Store
	hub     *Hub
	metrics *Metrics
	unit    time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewExpiryScheduler(log *zap.Logger, store *storage.Store, hub *Hub, metrics *Metrics, unit time.Duration) *ExpiryScheduler {
	if unit <= 0 {
		unit = time.Second
	}
	return &ExpiryScheduler{
		log:     log,
		store:   store,
		hub:     hub,
		metrics: metrics,
		unit:    unit,
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule registers the one-shot deletion task for a message. Non-positive
// ttl values, including the -1 never-expires sentinel, schedule nothing.
func (s *ExpiryScheduler) Schedule(roomID, messageID string, ttl int) {
	if ttl <= 0 {
		return
	}
	delay := time.Duration(ttl) * s.unit
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[messageID] = time.AfterFunc(delay, func() {
		s.expire(roomID, messageID)
	})
}

// Cancel drops the pending timer for a message deleted manually. The expire
// action is idempotent regardless, so a lost race here is harmless.
func (s *ExpiryScheduler) Cancel(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[messageID]; ok {
		timer.Stop()
		delete(s.timers, messageID)
	}
}

// Pending returns the number of scheduled deletions.
func (s *ExpiryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer. Messages keep their rows; a restarted
// process will not resurrect their expiry tasks, matching the in-memory
// contract of the scheduler.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *ExpiryScheduler) expire(roomID, messageID string) {
	s.mu.Lock()
	delete(s.timers, messageID)
	s.mu.Unlock()

	deleted, err := s.store.DeleteMessage(context.Background(), roomID, messageID)
	if err != nil {
		s.log.Error("expiry delete failed", zap.String("room", roomID), zap.String("message", messageID), zap.Error(err))
		return
	}
	if !deleted {
		// Already removed, manually or with its room. Nothing to announce.
		return
	}
	s.metrics.IncExpired()
	s.hub.EmitToRoom(roomID, EventDeleteMessage, deleteNotice{ID: messageID})
	s.log.Info("message expired", zap.String("room", roomID), zap.String("message", messageID))
}

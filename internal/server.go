package internal

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatrelay/internal/storage"
)

// Options tunes the relay core.
type Options struct {
	UploadDir string
	// MaxFileSize bounds one assembled upload in bytes.
	MaxFileSize int
	// TransferIdleTTL evicts uploads that stop receiving chunks.
	TransferIdleTTL time.Duration
	// MaxTransfers caps concurrent in-flight uploads.
	MaxTransfers int
	// ExpiryUnit is the duration one ttl unit stands for.
	ExpiryUnit time.Duration
	// HistoryLimit bounds the chatHistory reply.
	HistoryLimit int
}

func (o *Options) fillDefaults() {
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 10 * 1024 * 1024
	}
	if o.TransferIdleTTL == 0 {
		o.TransferIdleTTL = 5 * time.Minute
	}
	if o.MaxTransfers == 0 {
		o.MaxTransfers = 64
	}
	if o.ExpiryUnit == 0 {
		o.ExpiryUnit = time.Second
	}
	if o.HistoryLimit == 0 {
		o.HistoryLimit = storage.DefaultHistoryLimit
	}
}

// Server ties the relay together: router, hub, store, reassembler, expiry
// scheduler, and presence.
type Server struct {
	log          *zap.Logger
	store        *storage.Store
	hub          *Hub
	router       *Router
	assembler    *Reassembler
	expiry       *ExpiryScheduler
	presence     *PresenceTracker
	metrics      *Metrics
	userLimiter  *RateLimiter
	historyLimit int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS on the HTTP surface is the deployment's concern; the socket
		// endpoint accepts any origin like the system it relays for.
		return true
	},
}

func NewServer(logger *zap.Logger, store *storage.Store, opts Options) *Server {
	opts.fillDefaults()
	hub := NewHub(logger)
	metrics := NewMetrics()
	s := &Server{
		log:          logger,
		store:        store,
		hub:          hub,
		router:       NewRouter(logger),
		assembler:    NewReassembler(logger, opts.UploadDir, opts.TransferIdleTTL, opts.MaxTransfers, opts.MaxFileSize),
		expiry:       NewExpiryScheduler(logger, store, hub, metrics, opts.ExpiryUnit),
		presence:     NewPresenceTracker(),
		metrics:      metrics,
		userLimiter:  NewRateLimiter(10, time.Minute),
		historyLimit: opts.HistoryLimit,
	}
	s.registerEvents()
	return s
}

// registerEvents is the static dispatch table: every named event the relay
// understands, bound at startup.
func (s *Server) registerEvents() {
	s.router.Register(EventJoinRoom, s.handleJoinRoom)
	s.router.Register(EventChatMessage, s.handleChatMessage)
	s.router.Register(EventFileChunk, s.handleFileChunk)
	s.router.Register(EventMessageSeen, s.handleMessageSeen)
}

// Router exposes the dispatch table, mainly for tests.
func (s *Server) Router() *Router {
	return s.router
}

// Hub exposes room membership, mainly for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// MetricsHandler serves the JSON counters endpoint.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

// Close stops background work. The store is closed by the owner that opened it.
func (s *Server) Close() {
	s.expiry.Stop()
}

// ServeWS upgrades the request and starts the connection's pumps. Rooms are
// joined later through joinRoom events, not connection parameters.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	websocketConn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(s.hub, websocketConn, s.log, s.onDisconnect)
	s.hub.Register(client)
	s.metrics.IncConn()

	go client.writePump()
	go client.readPump(s.router)
}

func (s *Server) onDisconnect(client *Client) {
	s.metrics.DecConn()
	if client.userID == "" {
		return
	}
	if s.presence.Disconnect(client.userID) {
		s.setUserStatus(client.userID, false)
	}
}

func (s *Server) setUserStatus(userID string, online bool) {
	if err := s.store.SetOnline(context.Background(), userID, online); err != nil {
		s.log.Error("persist online flag", zap.String("user", userID), zap.Error(err))
	}
	s.hub.BroadcastAll(EventUserStatusChanged, statusChange{UserID: userID, Online: online})
}

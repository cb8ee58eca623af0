package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	intrnl "chatrelay/internal"
	"chatrelay/internal/logger"
	"chatrelay/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	relay  *intrnl.Server
	store  *storage.Store
	log    *zap.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer wires the relay, opens the SQLite store, runs migrations, and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	cfg.Path = NormalizeSocketPath(cfg.Path)
	if cfg.UploadDir == "" {
		cfg.UploadDir = DefaultUploadDir()
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	log := logger.New(cfg.LogPath, cfg.Dev)

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	relay := intrnl.NewServer(log, store, intrnl.Options{
		UploadDir:       cfg.UploadDir,
		MaxFileSize:     cfg.MaxFileSize,
		TransferIdleTTL: cfg.TransferIdleTTL,
		MaxTransfers:    cfg.MaxTransfers,
		ExpiryUnit:      cfg.ExpiryUnit,
		HistoryLimit:    cfg.HistoryLimit,
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(registerRoutes(cfg, relay))

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		relay.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		relay:  relay,
		store:  store,
		log:    log,
		done:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	log.Info("chat relay listening",
		zap.String("addr", handle.addr),
		zap.String("socket_path", cfg.Path),
		zap.String("upload_dir", cfg.UploadDir))

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.relay.Close()
	if closeErr := h.store.Close(); closeErr != nil {
		h.log.Error("store close error", zap.Error(closeErr))
	}
	_ = h.log.Sync()
	h.err = err
}

func registerRoutes(cfg ServerConfig, relay *intrnl.Server) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(cfg.Path, relay.ServeWS)

	router.HandleFunc("/users", relay.HandleCreateUser).Methods(http.MethodPost)
	router.HandleFunc("/users", relay.HandleListUsers).Methods(http.MethodGet)
	router.HandleFunc("/chatrooms", relay.HandleCreatePairRoom).Methods(http.MethodPost)
	router.HandleFunc("/permissions", relay.HandleGetPermissions).Methods(http.MethodGet)
	router.HandleFunc("/permissions", relay.HandleTogglePermission).Methods(http.MethodPost)
	router.HandleFunc("/exists", relay.HandleRoomExists).Methods(http.MethodGet)
	router.Handle("/metrics", relay.MetricsHandler()).Methods(http.MethodGet)

	// Assembled artifacts are served straight off disk by their storage name.
	router.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir))))

	return router
}

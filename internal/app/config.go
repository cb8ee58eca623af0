package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServerConfig defines how the relay backend should run.
type ServerConfig struct {
	Addr   string
	Path   string
	DBPath string

	UploadDir   string
	MaxFileSize int
	LogPath     string
	Dev         bool

	TransferIdleTTL time.Duration
	MaxTransfers    int
	ExpiryUnit      time.Duration
	HistoryLimit    int

	AllowedOrigins []string
}

// Load builds a config from environment variables with sensible defaults.
func Load() ServerConfig {
	cfg := ServerConfig{
		Addr:            getEnv("CHATRELAY_ADDR", ":3000"),
		Path:            NormalizeSocketPath(os.Getenv("CHATRELAY_PATH")),
		DBPath:          getEnv("CHATRELAY_DB_PATH", DefaultDBPath()),
		UploadDir:       getEnv("CHATRELAY_UPLOAD_DIR", DefaultUploadDir()),
		MaxFileSize:     getEnvInt("CHATRELAY_MAX_FILE_SIZE", 10*1024*1024),
		LogPath:         getEnv("CHATRELAY_LOG_PATH", ""),
		Dev:             getEnv("CHATRELAY_ENV", "development") != "production",
		TransferIdleTTL: getEnvDuration("CHATRELAY_TRANSFER_IDLE_TTL", 5*time.Minute),
		MaxTransfers:    getEnvInt("CHATRELAY_MAX_TRANSFERS", 64),
		ExpiryUnit:      getEnvDuration("CHATRELAY_EXPIRY_UNIT", time.Second),
		HistoryLimit:    getEnvInt("CHATRELAY_HISTORY_LIMIT", 50),
	}

	origins := getEnv("CHATRELAY_ALLOWED_ORIGINS", "*")
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}
	return cfg
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CHATRELAY_DATA_DIR"); env != "" {
		return filepath.Join(env, "chatrelay.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatrelay", "chatrelay.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "chatrelay", "chatrelay.db")
	}
	return filepath.Join(".", ".chatrelay", "chatrelay.db")
}

// DefaultUploadDir returns where assembled upload artifacts are written.
func DefaultUploadDir() string {
	if env := os.Getenv("CHATRELAY_DATA_DIR"); env != "" {
		return filepath.Join(env, "uploads")
	}
	return filepath.Join(filepath.Dir(DefaultDBPath()), "uploads")
}

// NormalizeSocketPath guarantees the websocket path starts with '/' and
// falls back to /socket when empty.
func NormalizeSocketPath(path string) string {
	if path == "" {
		return "/socket"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

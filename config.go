package relaykit

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/gobuffalo/envy"

	"github.com/gamebridge/relaykit/auth"
	"github.com/gamebridge/relaykit/socket"
)

// Config holds everything Wire needs to assemble a broker.
type Config struct {
	// Optional database connection for the API-key store. Without one the
	// broker falls back to an in-memory store, which is fine for development
	// and tests but forgets everything on restart.
	DB *sql.DB

	// Dialect names the SQL flavor: "postgres" | "sqlite" | "mysql".
	Dialect string

	// RedisURL enables the background job runtime (daily usage reset). Empty
	// disables it.
	RedisURL string

	// LogLevel: "debug" | "info" | "warn" | "error". Defaults to info.
	LogLevel string

	// RequestTimeout bounds how long a dispatch waits for the world's reply.
	RequestTimeout time.Duration

	// PingInterval is the keepalive ping cadence per session.
	PingInterval time.Duration

	// InactivityTimeout is how long a session may stay silent before the
	// sweeper evicts it.
	InactivityTimeout time.Duration

	// SweepInterval is how often the inactivity sweeper runs.
	SweepInterval time.Duration

	// Store overrides the default KeyStore selection. Mostly for tests.
	Store auth.KeyStore

	// Push receives world-initiated frames that carry no requestId. Nil
	// means they are logged at debug and dropped.
	Push socket.PushFunc
}

// ConfigFromEnv reads broker configuration from the environment. Durations
// are millisecond integers to match how worlds configure their side.
func ConfigFromEnv() Config {
	return Config{
		RedisURL:          envy.Get("REDIS_URL", ""),
		LogLevel:          envy.Get("LOG_LEVEL", "info"),
		RequestTimeout:    msEnv("REQUEST_TIMEOUT_MS", 30000),
		PingInterval:      msEnv("WEBSOCKET_PING_INTERVAL_MS", 20000),
		InactivityTimeout: msEnv("CLIENT_INACTIVITY_TIMEOUT_MS", 60000),
		SweepInterval:     msEnv("CLIENT_CLEANUP_INTERVAL_MS", 15000),
	}
}

func msEnv(key string, def int) time.Duration {
	raw := envy.Get(key, strconv.Itoa(def))
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) fillDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
}

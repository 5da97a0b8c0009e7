// Package relaykit is a request-relay broker for game worlds: stateless HTTP
// REST callers on one side, long-lived authenticated WebSocket connections
// from running game worlds on the other. A REST call names a target world by
// clientId; the broker forwards the operation over that world's socket,
// awaits the correlated reply, and returns it as the HTTP response.
//
// The main entry point is Wire, which mounts the whole surface on a Buffalo
// application:
//
//	app := buffalo.New(buffalo.Options{...})
//	kit, err := relaykit.Wire(app, relaykit.ConfigFromEnv())
//
// Wire mounts the WebSocket upgrade endpoint at /, the relayed REST routes
// under /entity, the operational endpoints /clients, /health and /metrics,
// starts the inactivity sweeper, and (with Redis configured) the background
// job runtime.
package relaykit

import (
	"fmt"

	"github.com/gobuffalo/buffalo"
	"github.com/redis/go-redis/v9"

	"github.com/gamebridge/relaykit/auth"
	"github.com/gamebridge/relaykit/dispatch"
	"github.com/gamebridge/relaykit/jobs"
	"github.com/gamebridge/relaykit/pending"
	"github.com/gamebridge/relaykit/socket"
	"github.com/gamebridge/relaykit/telemetry"
)

// Kit holds the wired subsystems. Wire returns it so hosts can reach into
// the broker directly: kit.Registry.Snapshot(), kit.Jobs.Enqueue(...), and
// so on.
type Kit struct {
	// Registry tracks the live world sessions.
	Registry *socket.Registry

	// Pending is the request/response correlator.
	Pending *pending.Table

	// Sockets handles world WebSocket connections.
	Sockets *socket.Handler

	// Dispatcher relays REST calls over world sessions.
	Dispatcher *dispatch.Dispatcher

	// Store is the credential backend in use.
	Store auth.KeyStore

	// Jobs is the background job runtime (no-op without Redis).
	Jobs *jobs.Runtime

	Log     telemetry.Sink
	Metrics *telemetry.Metrics
	Config  Config

	rdb *redis.Client
}

// Wire assembles the broker onto app. Initialization order matters: metrics
// feed the logger, the store feeds both auth surfaces, and the registry plus
// pending table feed the socket handler and the dispatcher.
func Wire(app *buffalo.App, cfg Config) (*Kit, error) {
	cfg.fillDefaults()

	metrics := telemetry.NewMetrics()
	log := telemetry.NewLogger(cfg.LogLevel, metrics)

	store := cfg.Store
	if store == nil {
		if cfg.DB != nil {
			store = auth.NewSQLStore(cfg.DB, cfg.Dialect)
		} else {
			log.Warn("no database configured, using in-memory credential store", nil)
			store = auth.NewMemoryStore()
		}
	}

	registry := socket.NewRegistry(log, metrics.SessionsActive)
	table := pending.NewTable(log)

	sockets := socket.NewHandler(registry, table, auth.Validator{Store: store}, log, cfg.PingInterval)
	sockets.Push = cfg.Push

	dispatcher := dispatch.NewDispatcher(
		registryTargets{registry}, table, cfg.RequestTimeout, log, metrics)

	kit := &Kit{
		Registry:   registry,
		Pending:    table,
		Sockets:    sockets,
		Dispatcher: dispatcher,
		Store:      store,
		Log:        log,
		Metrics:    metrics,
		Config:     cfg,
	}

	// Worlds dial the root path; everything else is REST.
	app.GET("/", sockets.Connect)
	mountRoutes(app, kit)
	app.GET("/metrics", buffalo.WrapHandler(metrics.Handler()))

	registry.StartSweeper(cfg.SweepInterval, cfg.InactivityTimeout)

	runtime, err := jobs.NewRuntime(cfg.RedisURL, log)
	if err != nil {
		return nil, fmt.Errorf("relaykit: initializing jobs: %w", err)
	}
	kit.Jobs = runtime

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("relaykit: invalid redis URL: %w", err)
		}
		kit.rdb = redis.NewClient(opts)
		if err := runtime.RegisterUsageReset(store, kit.rdb); err != nil {
			return nil, fmt.Errorf("relaykit: scheduling usage reset: %w", err)
		}
	}

	return kit, nil
}

// Stop shuts the broker down: every session gets a going-away close, every
// outstanding waiter fails with Cancelled, and the job runtime drains.
func (k *Kit) Stop() {
	k.Registry.Stop()
	if n := k.Pending.FailAll(pending.ErrCancelled); n > 0 {
		k.Log.Info("cancelled outstanding requests on shutdown", telemetry.Fields{"count": n})
	}
	if k.Jobs != nil {
		if err := k.Jobs.Stop(); err != nil {
			k.Log.Warn("job runtime shutdown failed", telemetry.Fields{"error": err.Error()})
		}
	}
	if k.rdb != nil {
		_ = k.rdb.Close()
	}
}

// registryTargets adapts the session registry to the dispatcher's Targets.
type registryTargets struct {
	reg *socket.Registry
}

func (t registryTargets) Get(clientID string) (dispatch.Sender, bool) {
	s, ok := t.reg.Get(clientID)
	if !ok {
		return nil, false
	}
	return s, true
}

// Version returns the current relaykit version.
func Version() string {
	return "0.1.0"
}

package socket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gamebridge/relaykit/telemetry"
)

// Registry tracks the live session for each clientId. At most one session
// per clientId is registered; a new connection for the same id supersedes
// the old one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      telemetry.Sink
	gauge    prometheus.Gauge

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. gauge may be nil.
func NewRegistry(log telemetry.Sink, gauge prometheus.Gauge) *Registry {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
		gauge:    gauge,
		stopCh:   make(chan struct{}),
	}
}

// Add registers a session under its clientId, closing any previous session
// for the same id. Returns the superseded session, if any.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	old := r.sessions[s.clientID]
	r.sessions[s.clientID] = s
	size := len(r.sessions)
	r.mu.Unlock()

	if r.gauge != nil {
		r.gauge.Set(float64(size))
	}

	if old != nil {
		r.log.Info("superseding world connection", telemetry.Fields{
			"clientId":   s.clientID,
			"oldSession": old.id,
			"newSession": s.id,
		})
		old.Close()
	}
	return old
}

// Remove drops the session from the registry, but only if it is still the
// registered instance for its clientId. A superseded session's deferred
// removal must not evict its successor.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.clientID]
	if !ok || current.id != s.id {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.clientID)
	size := len(r.sessions)
	r.mu.Unlock()

	if r.gauge != nil {
		r.gauge.Set(float64(size))
	}
	return true
}

// Get returns the live session for clientId. Sessions already marked closed
// are treated as absent even if their removal hasn't landed yet.
func (r *Registry) Get(clientID string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[clientID]
	r.mu.RUnlock()

	if !ok || s.closed.Load() {
		return nil, false
	}
	return s, true
}

// SessionInfo is the inventory view of one connected world.
type SessionInfo struct {
	ClientID    string    `json:"clientId"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Snapshot returns the inventory of every registered session.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, SessionInfo{
			ClientID:    id,
			ConnectedAt: s.connectedAt,
			LastSeen:    s.LastSeen(),
		})
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepInactive closes every session idle longer than maxIdle. Returns the
// number of sessions closed.
func (r *Registry) SweepInactive(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.log.Info("closing inactive world connection", telemetry.Fields{
			"clientId": s.clientID,
			"idleFor":  time.Since(s.LastSeen()).String(),
		})
		s.Close()
	}
	return len(stale)
}

// StartSweeper runs SweepInactive on a fixed interval until Stop is called.
func (r *Registry) StartSweeper(interval, maxIdle time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepInactive(maxIdle)
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper and closes every remaining session with a
// going-away close frame.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.RLock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		remaining = append(remaining, s)
	}
	r.mu.RUnlock()

	for _, s := range remaining {
		s.CloseWithCode(websocket.CloseGoingAway, "broker shutting down")
	}
}

// Package pending implements the request/response correlator: a table of
// one-shot waiters keyed by requestId. A dispatcher registers a waiter
// before sending a request envelope; the session read pump completes it when
// the matching reply arrives. Exactly one of complete, fail, timeout, or
// cancellation resolves each waiter.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gamebridge/relaykit/protocol"
	"github.com/gamebridge/relaykit/telemetry"
)

// Terminal outcomes for a waiter that never received its reply.
var (
	ErrTimeout     = errors.New("upstream timeout")
	ErrSessionLost = errors.New("session lost")
	ErrCancelled   = errors.New("request cancelled")
)

// Result is what a resolved waiter delivers: either a reply envelope or a
// terminal error, never both.
type Result struct {
	Envelope protocol.Envelope
	Err      error
}

// Waiter is a one-shot completion slot for a single in-flight request.
type Waiter struct {
	requestID string
	sessionID string
	result    chan Result
}

// RequestID returns the correlation id this waiter was registered under.
func (w *Waiter) RequestID() string {
	return w.requestID
}

// Table maps in-flight requestIds to their waiters. It also keeps a
// per-session index so a lost session can fail its requests immediately
// instead of letting them ride out the full timeout.
type Table struct {
	mu        sync.Mutex
	waiters   map[string]*Waiter
	bySession map[string]map[string]*Waiter
	log       telemetry.Sink
}

// NewTable creates an empty correlator table.
func NewTable(log telemetry.Sink) *Table {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Table{
		waiters:   make(map[string]*Waiter),
		bySession: make(map[string]map[string]*Waiter),
		log:       log,
	}
}

// Register inserts a fresh waiter for requestID, attributed to the session
// the request is about to be sent on.
func (t *Table) Register(requestID, sessionID string) *Waiter {
	w := &Waiter{
		requestID: requestID,
		sessionID: sessionID,
		result:    make(chan Result, 1),
	}

	t.mu.Lock()
	t.waiters[requestID] = w
	byReq := t.bySession[sessionID]
	if byReq == nil {
		byReq = make(map[string]*Waiter)
		t.bySession[sessionID] = byReq
	}
	byReq[requestID] = w
	t.mu.Unlock()

	return w
}

// remove pops the waiter for requestID, or nil if it was already resolved.
// Whoever pops the waiter owns delivering its single result.
func (t *Table) remove(requestID string) *Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.waiters[requestID]
	if !ok {
		return nil
	}
	delete(t.waiters, requestID)

	if byReq, ok := t.bySession[w.sessionID]; ok {
		delete(byReq, requestID)
		if len(byReq) == 0 {
			delete(t.bySession, w.sessionID)
		}
	}

	return w
}

// Complete resolves the waiter for requestID with a reply envelope. Late,
// duplicate, or unknown replies are dropped with a warning.
func (t *Table) Complete(requestID string, env protocol.Envelope) bool {
	w := t.remove(requestID)
	if w == nil {
		t.log.Warn("dropping reply with no matching waiter", telemetry.Fields{
			"requestId": requestID,
			"type":      env.Type,
		})
		return false
	}
	w.result <- Result{Envelope: env}
	return true
}

// Fail resolves the waiter for requestID with a terminal error. Failing an
// already-resolved waiter is a no-op.
func (t *Table) Fail(requestID string, cause error) bool {
	w := t.remove(requestID)
	if w == nil {
		return false
	}
	w.result <- Result{Err: cause}
	return true
}

// FailSession fails every waiter whose request was routed to the given
// session. Returns the number of waiters failed.
func (t *Table) FailSession(sessionID string, cause error) int {
	t.mu.Lock()
	byReq := t.bySession[sessionID]
	delete(t.bySession, sessionID)
	popped := make([]*Waiter, 0, len(byReq))
	for requestID, w := range byReq {
		delete(t.waiters, requestID)
		popped = append(popped, w)
	}
	t.mu.Unlock()

	for _, w := range popped {
		w.result <- Result{Err: cause}
	}
	return len(popped)
}

// FailAll fails every outstanding waiter. Used on shutdown.
func (t *Table) FailAll(cause error) int {
	t.mu.Lock()
	popped := make([]*Waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		popped = append(popped, w)
	}
	t.waiters = make(map[string]*Waiter)
	t.bySession = make(map[string]map[string]*Waiter)
	t.mu.Unlock()

	for _, w := range popped {
		w.result <- Result{Err: cause}
	}
	return len(popped)
}

// Len returns the number of outstanding waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Await blocks until the waiter resolves, the timeout expires, or ctx is
// cancelled. On timeout or cancellation the waiter is removed from the
// table before Await returns, so no slot leaks. The error is nil on a
// delivered reply, or one of ErrTimeout, ErrSessionLost, ErrCancelled.
func (t *Table) Await(ctx context.Context, w *Waiter, timeout time.Duration) (protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return res.Envelope, res.Err
	case <-timer.C:
		t.Fail(w.requestID, ErrTimeout)
	case <-ctx.Done():
		t.Fail(w.requestID, ErrCancelled)
	}

	// Whoever removed the waiter delivered exactly one result. If a reply
	// raced the timeout and won, this returns the reply.
	res := <-w.result
	return res.Envelope, res.Err
}

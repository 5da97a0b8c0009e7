package features

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/cucumber/godog"
	"github.com/gobuffalo/buffalo"
	"github.com/gorilla/websocket"

	"github.com/gamebridge/relaykit"
	"github.com/gamebridge/relaykit/auth"
)

const worldToken = "feature-token"

// fakeWorld is a scripted game world speaking the broker's wire protocol
// over a real WebSocket connection.
type fakeWorld struct {
	conn *websocket.Conn

	mu          sync.Mutex
	mode        string // "ignore", "echo", "reverse"
	echoPayload map[string]interface{}
	received    []map[string]interface{}
	buffered    []map[string]interface{}
	expect      int
}

func (w *fakeWorld) run() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		w.mu.Lock()
		w.received = append(w.received, frame)
		mode := w.mode
		payload := w.echoPayload

		var replies []map[string]interface{}
		switch mode {
		case "echo":
			replies = append(replies, w.buildReply(frame, payload))
		case "reverse":
			w.buffered = append(w.buffered, frame)
			if len(w.buffered) == w.expect {
				for i := len(w.buffered) - 1; i >= 0; i-- {
					buffered := w.buffered[i]
					replies = append(replies, w.buildReply(buffered, map[string]interface{}{
						"uuid": buffered["uuid"],
					}))
				}
				w.buffered = nil
			}
		}
		w.mu.Unlock()

		for _, reply := range replies {
			if err := w.conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func (w *fakeWorld) buildReply(frame, payload map[string]interface{}) map[string]interface{} {
	reply := map[string]interface{}{
		"type":      fmt.Sprintf("%v-result", frame["type"]),
		"requestId": frame["requestId"],
	}
	for k, v := range payload {
		reply[k] = v
	}
	return reply
}

func (w *fakeWorld) setMode(mode string, payload map[string]interface{}, expect int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = mode
	w.echoPayload = payload
	w.expect = expect
}

func (w *fakeWorld) frames() []map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]map[string]interface{}, len(w.received))
	copy(out, w.received)
	return out
}

type callerResult struct {
	status int
	body   map[string]interface{}
	uuid   string
}

// suiteContext holds the per-scenario broker, caller, and worlds.
type suiteContext struct {
	srv    *httptest.Server
	kit    *relaykit.Kit
	store  *auth.MemoryStore
	apiKey string

	worlds map[string]*fakeWorld

	status int
	body   map[string]interface{}

	pendingCh chan callerResult
	pending   *callerResult

	concurrent []callerResult
}

func (s *suiteContext) startBroker(*godog.Scenario) error {
	s.store = auth.NewMemoryStore()
	s.worlds = make(map[string]*fakeWorld)
	s.apiKey = ""
	s.status = 0
	s.body = nil
	s.pendingCh = nil
	s.pending = nil
	s.concurrent = nil

	app := buffalo.New(buffalo.Options{Env: "test"})
	kit, err := relaykit.Wire(app, relaykit.Config{
		Store:          s.store,
		RequestTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	s.kit = kit
	s.srv = httptest.NewServer(app)
	return nil
}

func (s *suiteContext) stopBroker(*godog.Scenario, error) {
	for _, w := range s.worlds {
		_ = w.conn.Close()
	}
	if s.kit != nil {
		s.kit.Stop()
	}
	if s.srv != nil {
		s.srv.Close()
	}
}

func (s *suiteContext) anAPIKeyWithQuota(quota int) error {
	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	if err := s.store.CreateKey(context.Background(), &auth.Credential{
		APIKey:     key,
		UserID:     "feature-suite",
		DailyQuota: quota,
	}); err != nil {
		return err
	}
	s.apiKey = key
	return nil
}

func (s *suiteContext) worldConnects(clientID string) error {
	digest, err := auth.HashToken(worldToken)
	if err != nil {
		return err
	}
	err = s.store.RegisterWorld(context.Background(), clientID, digest)
	if err != nil && err != auth.ErrWorldExists {
		return err
	}

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") +
		fmt.Sprintf("/?id=%s&token=%s", clientID, worldToken)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("world dial failed: %w", err)
	}

	world := &fakeWorld{conn: conn, mode: "ignore"}
	s.worlds[clientID] = world
	go world.run()

	// The handshake finishes before the server registers the session; wait
	// for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.kit.Registry.Get(clientID); ok {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("world %s never registered", clientID)
}

func (s *suiteContext) worldConnectsAgain(clientID string) error {
	old := s.worlds[clientID]
	if err := s.worldConnects(clientID); err != nil {
		return err
	}
	// The superseded connection is closed by the broker; drop our handle.
	if old != nil {
		_ = old.conn.Close()
	}
	return nil
}

func (s *suiteContext) worldEchoes(clientID, payload string) error {
	world, ok := s.worlds[clientID]
	if !ok {
		return fmt.Errorf("world %s is not connected", clientID)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	world.setMode("echo", parsed, 0)
	return nil
}

func (s *suiteContext) worldIgnores(clientID string) error {
	world, ok := s.worlds[clientID]
	if !ok {
		return fmt.Errorf("world %s is not connected", clientID)
	}
	world.setMode("ignore", nil, 0)
	return nil
}

func (s *suiteContext) worldAnswersInReverse(clientID string) error {
	world, ok := s.worlds[clientID]
	if !ok {
		return fmt.Errorf("world %s is not connected", clientID)
	}
	world.setMode("reverse", nil, 2)
	return nil
}

func (s *suiteContext) do(method, path, body string, withKey bool) (int, map[string]interface{}, error) {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if withKey {
		req.Header.Set(auth.HeaderAPIKey, s.apiKey)
	}

	resp, err := s.srv.Client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var parsed map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp.StatusCode, parsed, nil
}

func (s *suiteContext) iGet(path string) error {
	status, body, err := s.do(http.MethodGet, path, "", true)
	if err != nil {
		return err
	}
	s.status, s.body = status, body
	return nil
}

func (s *suiteContext) iGetWithoutKey(path string) error {
	status, body, err := s.do(http.MethodGet, path, "", false)
	if err != nil {
		return err
	}
	s.status, s.body = status, body
	return nil
}

func (s *suiteContext) iGetWithoutWaiting(path string) error {
	s.pendingCh = make(chan callerResult, 1)
	go func() {
		status, body, err := s.do(http.MethodGet, path, "", true)
		if err != nil {
			s.pendingCh <- callerResult{status: -1}
			return
		}
		s.pendingCh <- callerResult{status: status, body: body}
	}()
	// Give the dispatch time to register its waiter and send upstream.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (s *suiteContext) iPostWithBody(path string, body *godog.DocString) error {
	status, parsed, err := s.do(http.MethodPost, path, body.Content, true)
	if err != nil {
		return err
	}
	s.status, s.body = status, parsed
	return nil
}

func (s *suiteContext) iSendConcurrentGets(n int, path string) error {
	results := make(chan callerResult, n)
	for i := 0; i < n; i++ {
		uuid := fmt.Sprintf("req-%d", i)
		go func() {
			status, body, err := s.do(http.MethodGet, path+"&uuid="+uuid, "", true)
			if err != nil {
				results <- callerResult{status: -1, uuid: uuid}
				return
			}
			results <- callerResult{status: status, body: body, uuid: uuid}
		}()
		// Stagger slightly so the world sees the frames in a known order.
		time.Sleep(20 * time.Millisecond)
	}

	s.concurrent = nil
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			s.concurrent = append(s.concurrent, r)
		case <-time.After(5 * time.Second):
			return fmt.Errorf("concurrent caller %d never finished", i)
		}
	}
	return nil
}

func (s *suiteContext) everyCallerGetsOwnReply() error {
	for _, r := range s.concurrent {
		if r.status != http.StatusOK {
			return fmt.Errorf("caller %s got status %d", r.uuid, r.status)
		}
		if r.body["uuid"] != r.uuid {
			return fmt.Errorf("caller %s received reply for %v", r.uuid, r.body["uuid"])
		}
	}
	return nil
}

func (s *suiteContext) responseStatusIs(expected int) error {
	if s.status != expected {
		return fmt.Errorf("expected status %d, got %d (body %v)", expected, s.status, s.body)
	}
	return nil
}

func (s *suiteContext) responseFieldIs(path, expected string) error {
	got, err := lookup(s.body, path)
	if err != nil {
		return err
	}
	if fmt.Sprintf("%v", got) != expected {
		return fmt.Errorf("expected %s=%q, got %v", path, expected, got)
	}
	return nil
}

func (s *suiteContext) awaitPending() error {
	if s.pending != nil {
		return nil
	}
	if s.pendingCh == nil {
		return fmt.Errorf("no pending request in flight")
	}
	select {
	case r := <-s.pendingCh:
		s.pending = &r
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("pending request never resolved")
	}
}

func (s *suiteContext) pendingStatusIs(expected int) error {
	if err := s.awaitPending(); err != nil {
		return err
	}
	if s.pending.status != expected {
		return fmt.Errorf("expected pending status %d, got %d (body %v)",
			expected, s.pending.status, s.pending.body)
	}
	return nil
}

func (s *suiteContext) pendingFieldIs(path, expected string) error {
	if err := s.awaitPending(); err != nil {
		return err
	}
	got, err := lookup(s.pending.body, path)
	if err != nil {
		return err
	}
	if fmt.Sprintf("%v", got) != expected {
		return fmt.Errorf("expected pending %s=%q, got %v", path, expected, got)
	}
	return nil
}

func (s *suiteContext) worldReceivedFrame(clientID, frameType, field, expected string) error {
	world, ok := s.worlds[clientID]
	if !ok {
		return fmt.Errorf("world %s is not connected", clientID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, frame := range world.frames() {
			if frame["type"] == frameType && fmt.Sprintf("%v", frame[field]) == expected {
				return nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("world %s never received a %q frame with %s=%q",
		clientID, frameType, field, expected)
}

func (s *suiteContext) worldReceivedNoFrames(clientID string) error {
	world, ok := s.worlds[clientID]
	if !ok {
		return fmt.Errorf("world %s is not connected", clientID)
	}
	// Brief settle so a stray frame would have arrived.
	time.Sleep(100 * time.Millisecond)
	if frames := world.frames(); len(frames) != 0 {
		return fmt.Errorf("world %s received %d frames, expected none", clientID, len(frames))
	}
	return nil
}

// lookup resolves a dotted path like "data.name" in a decoded JSON object.
func lookup(body map[string]interface{}, path string) (interface{}, error) {
	var current interface{} = body
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: %v is not an object", path, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("field %s missing from %v", path, body)
		}
	}
	return current, nil
}

// InitializeScenario binds the relay steps to a fresh broker per scenario.
func InitializeScenario(ctx *godog.ScenarioContext) {
	s := &suiteContext{}

	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		return c, s.startBroker(sc)
	})
	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		s.stopBroker(sc, err)
		return c, nil
	})

	ctx.Step(`^a running broker$`, func() error { return nil })
	ctx.Step(`^an API key with a daily quota of (\d+)$`, s.anAPIKeyWithQuota)
	ctx.Step(`^world "([^"]*)" is connected$`, s.worldConnects)
	ctx.Step(`^world "([^"]*)" connects again$`, s.worldConnectsAgain)
	ctx.Step(`^world "([^"]*)" echoes replies with payload '([^']*)'$`, s.worldEchoes)
	ctx.Step(`^world "([^"]*)" ignores all requests$`, s.worldIgnores)
	ctx.Step(`^world "([^"]*)" answers requests in reverse order$`, s.worldAnswersInReverse)
	ctx.Step(`^I GET "([^"]*)"$`, s.iGet)
	ctx.Step(`^I GET "([^"]*)" without an API key$`, s.iGetWithoutKey)
	ctx.Step(`^I GET "([^"]*)" without waiting$`, s.iGetWithoutWaiting)
	ctx.Step(`^I POST "([^"]*)" with body:$`, s.iPostWithBody)
	ctx.Step(`^I send (\d+) concurrent GET requests to "([^"]*)"$`, s.iSendConcurrentGets)
	ctx.Step(`^every caller receives the reply for its own request$`, s.everyCallerGetsOwnReply)
	ctx.Step(`^the response status is (\d+)$`, s.responseStatusIs)
	ctx.Step(`^the response field "([^"]*)" is "([^"]*)"$`, s.responseFieldIs)
	ctx.Step(`^the pending response status is (\d+)$`, s.pendingStatusIs)
	ctx.Step(`^the pending response field "([^"]*)" is "([^"]*)"$`, s.pendingFieldIs)
	ctx.Step(`^world "([^"]*)" received a frame of type "([^"]*)" with field "([^"]*)" equal to "([^"]*)"$`, s.worldReceivedFrame)
	ctx.Step(`^world "([^"]*)" received no frames$`, s.worldReceivedNoFrames)
}

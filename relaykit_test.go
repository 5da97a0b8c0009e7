package relaykit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobuffalo/buffalo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamebridge/relaykit"
	"github.com/gamebridge/relaykit/auth"
)

func newWiredApp(t *testing.T, cfg relaykit.Config) (*httptest.Server, *relaykit.Kit) {
	t.Helper()

	app := buffalo.New(buffalo.Options{Env: "test"})
	kit, err := relaykit.Wire(app, cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(app)
	t.Cleanup(func() {
		kit.Stop()
		srv.Close()
	})
	return srv, kit
}

func TestWireFillsDefaults(t *testing.T) {
	_, kit := newWiredApp(t, relaykit.Config{})

	assert.NotNil(t, kit.Registry)
	assert.NotNil(t, kit.Pending)
	assert.NotNil(t, kit.Sockets)
	assert.NotNil(t, kit.Dispatcher)
	assert.NotNil(t, kit.Store)
	assert.NotNil(t, kit.Jobs)
	assert.NotNil(t, kit.Log)
	assert.NotNil(t, kit.Metrics)

	assert.Equal(t, 30*time.Second, kit.Config.RequestTimeout)
	assert.Equal(t, 20*time.Second, kit.Config.PingInterval)
	assert.Equal(t, 60*time.Second, kit.Config.InactivityTimeout)
	assert.Equal(t, 15*time.Second, kit.Config.SweepInterval)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newWiredApp(t, relaykit.Config{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, relaykit.Version(), body["version"])
	assert.Equal(t, 0.0, body["sessions"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newWiredApp(t, relaykit.Config{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEntityRoutesRequireAPIKey(t *testing.T) {
	srv, _ := newWiredApp(t, relaykit.Config{})

	resp, err := http.Get(srv.URL + "/entity/get?clientId=W1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClientsEndpointRequiresAPIKey(t *testing.T) {
	srv, _ := newWiredApp(t, relaykit.Config{})

	resp, err := http.Get(srv.URL + "/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClientsEndpointListsWorlds(t *testing.T) {
	store := auth.NewMemoryStore()
	require.NoError(t, store.CreateKey(context.Background(),
		&auth.Credential{APIKey: "key-1", DailyQuota: 100}))

	srv, _ := newWiredApp(t, relaykit.Config{Store: store})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/clients", nil)
	req.Header.Set(auth.HeaderAPIKey, "key-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "clients")
}

func TestWorldOfflineThroughWiredApp(t *testing.T) {
	store := auth.NewMemoryStore()
	require.NoError(t, store.CreateKey(context.Background(),
		&auth.Credential{APIKey: "key-1", DailyQuota: 100}))

	srv, _ := newWiredApp(t, relaykit.Config{Store: store})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/entity/get?clientId=W1", nil)
	req.Header.Set(auth.HeaderAPIKey, "key-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "WorldOffline", body["error"])
}

func TestMacroDenylistThroughWiredApp(t *testing.T) {
	store := auth.NewMemoryStore()
	require.NoError(t, store.CreateKey(context.Background(),
		&auth.Credential{APIKey: "key-1", DailyQuota: 100}))

	srv, _ := newWiredApp(t, relaykit.Config{Store: store})

	payload := `{"clientId":"W1","entityType":"Macro","data":{"command":"eval(window)"}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/entity/create",
		strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, "key-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Script contains forbidden patterns", body["error"])
	assert.Equal(t, "Ensure the script does not access localStorage, sessionStorage, or eval()",
		body["suggestion"])
}

func TestStopCancelsOutstandingWork(t *testing.T) {
	app := buffalo.New(buffalo.Options{Env: "test"})
	kit, err := relaykit.Wire(app, relaykit.Config{})
	require.NoError(t, err)

	kit.Pending.Register("req-1", "sess-1")
	kit.Stop()
	assert.Equal(t, 0, kit.Pending.Len())
}

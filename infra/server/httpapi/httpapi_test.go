package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/agent-relay/internal/domain/registry"
	"github.com/relaymesh/agent-relay/internal/metrics"
	"github.com/relaymesh/agent-relay/pkg/wire"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New(registry.WithStateDir(t.TempDir()))
	_, err := reg.Register(&wire.HelloPayload{Agent: "Alice", EntityType: "agent"}, uuid.New())
	require.NoError(t, err)

	s := New("127.0.0.1:0", "/tmp/nonexistent.sock", reg, metrics.New(), slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health wire.HealthResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.Equal(t, 1, health.Agents)
}

func TestAgentsListing(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/agents")
	require.NoError(t, err)
	defer resp.Body.Close()

	var agents []wire.AgentInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "Alice", agents[0].Name)
}

func TestMetricsExposition(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "relay_"), "registry counters must be exported")
}

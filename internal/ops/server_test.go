package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/config"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/orchestrator"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/router"
)

func testServer(t *testing.T) (*Server, *orchestrator.Core, *Hub) {
	t.Helper()
	hub := NewHub()
	c, err := orchestrator.New(config.Default(), orchestrator.Deps{Emitter: hub})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	t.Cleanup(hub.Close)
	return NewServer(config.Default().Ops, c, hub), c, hub
}

func okProvider() router.Generator {
	return router.GeneratorFunc(func(_ context.Context, req core.ContentRequest) (core.Artifact, error) {
		return core.Artifact{
			Concept:    req.Concept,
			Content:    "ok",
			Provenance: core.Provenance{Provider: "steady"},
		}, nil
	})
}

func TestHealthReflectsProviderStatus(t *testing.T) {
	s, c, _ := testServer(t)
	require.NoError(t, c.Router().Register(router.Descriptor{Name: "steady", Enabled: true, Rank: 1}, okProvider()))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Status    string          `json:"status"`
		Providers []router.Health `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "healthy", body.Providers[0].Status)
}

func TestHealthDownWhenNoProviderServes(t *testing.T) {
	s, c, _ := testServer(t)
	require.NoError(t, c.Router().Register(router.Descriptor{Name: "steady", Enabled: true, Rank: 1}, okProvider()))
	require.NoError(t, c.Router().SetEnabled("steady", false))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"down"`)
}

func TestStatsSnapshotShape(t *testing.T) {
	s, c, _ := testServer(t)
	require.NoError(t, c.Router().Register(router.Descriptor{Name: "steady", Enabled: true, Rank: 1}, okProvider()))
	_, err := c.Generate(context.Background(), core.ContentRequest{Concept: "trees", Modality: "text", Complexity: 3})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var snap orchestrator.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Cache.Entries)
	assert.Equal(t, int64(1), snap.Queue.Completed)
	require.Len(t, snap.Providers, 1)
}

func TestMetricsEndpointExposesInstruments(t *testing.T) {
	s, c, _ := testServer(t)
	require.NoError(t, c.Router().Register(router.Descriptor{Name: "steady", Enabled: true, Rank: 1}, okProvider()))
	_, err := c.Generate(context.Background(), core.ContentRequest{Concept: "trees", Modality: "text", Complexity: 3})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clearlearn_router_provider_success_total")
	assert.Contains(t, rr.Body.String(), "clearlearn_admission_tasks_completed_total")
}

func TestQueueAndDeadLetterEndpoints(t *testing.T) {
	s, _, _ := testServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/queue", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status"`)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deadletters", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	s, _, _ := testServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error":"not found"`)
}

func TestRequestIDHeader(t *testing.T) {
	s, _, _ := testServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, rr.Header().Get("X-Request-ID"), 8)
}

func TestEventStreamBroadcast(t *testing.T) {
	s, c, hub := testServer(t)
	require.NoError(t, c.Router().Register(router.Descriptor{Name: "steady", Enabled: true, Rank: 1}, okProvider()))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.Generate(context.Background(), core.ContentRequest{Concept: "trees", Modality: "text", Complexity: 3})
	require.NoError(t, err)

	// The generation path emits several events; the first frame on the wire
	// must be one of them.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev wireEvent
	require.NoError(t, json.Unmarshal(frame, &ev))
	assert.NotEmpty(t, ev.Event)
	assert.False(t, ev.At.IsZero())
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.attach(conn)
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// Flood with padded frames until the client's buffer overflows: the peer
	// never reads, so the write pump stalls and Emit drops the client.
	pad := strings.Repeat("x", 1024)
	assert.Eventually(t, func() bool {
		for i := 0; i < clientBuffer*4; i++ {
			hub.Emit("flood", map[string]any{"pad": pad})
		}
		return hub.ClientCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// Package integration contains tests that verify the interaction between
// the coordinator components. These tests wire the real HTTP handler, session
// registry, dispatcher and intake against an httptest network core. Tests
// that need Redis skip when it is unavailable.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/coordinator"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/dispatch"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/handler"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/intake"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/presenter"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/session"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/redis"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// networkCore answers remote_query registrations with sequential request ids
// and a fixed peer set, recording what it was asked.
type networkCore struct {
	mu    sync.Mutex
	peers []string
	calls []*http.Request
}

func (c *networkCore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut || r.URL.Path != "/remote_query" {
		http.NotFound(w, r)
		return
	}
	c.mu.Lock()
	c.calls = append(c.calls, r)
	id := fmt.Sprintf("r-%d", len(c.calls))
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"request_uuid": id, "peers": c.peers})
}

func (c *networkCore) lastCall() *http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1]
}

type stack struct {
	server   *httptest.Server
	core     *networkCore
	registry *session.Registry
	metrics  *metrics.Metrics
}

// newStack wires the coordinator the way cmd/coordinator does. pub may be nil.
func newStack(t *testing.T, pub *presenter.RedisPublisher) *stack {
	t.Helper()
	core := &networkCore{peers: []string{"peer-a", "peer-b"}}
	coreSrv := httptest.NewServer(core)
	t.Cleanup(coreSrv.Close)

	d, err := dispatch.New(dispatch.Config{BaseURL: coreSrv.URL, APIKey: "secret", HideXXX: true, Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	reg := session.NewRegistry(ctx, session.Options{
		Build: func(id string) (*coordinator.Coordinator, session.ResultSource) {
			latest := presenter.NewLatest(id, nil)
			sinks := presenter.Multi{latest, presenter.NewMetrics(m)}
			if pub != nil {
				sinks = append(sinks, pub.For(id))
			}
			return coordinator.New(coordinator.Config{Name: id, ResponseTimeout: 5 * time.Second, Metrics: m}, d, sinks), latest
		},
		Metrics: m,
	})

	var stored handler.StoredResults
	if pub != nil {
		stored = pub
	}
	mux := http.NewServeMux()
	handler.New(reg, stored).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		reg.Shutdown(context.Background())
		cancel()
	})
	return &stack{server: srv, core: core, registry: reg, metrics: m}
}

func (s *stack) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (s *stack) openSession(t *testing.T) string {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, status)
	return body["session_id"].(string)
}

func (s *stack) awaitRequest(t *testing.T, sessionID, requestID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, snap := s.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, "")
		return snap["request_id"] == requestID
	}, 2*time.Second, 10*time.Millisecond)
}

func peerMessage(requestID, peer string, n int) []byte {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{"infohash": fmt.Sprintf("%040d", i), "name": fmt.Sprintf("%s-%d", peer, i), "size": 1}
	}
	raw, _ := json.Marshal(map[string]any{"uuid": requestID, "peer": peer, "results": items})
	return raw
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestSearchThroughNetworkCore dispatches over HTTP, feeds answers through
// the Kafka message handler and reads the finalized set.
func TestSearchThroughNetworkCore(t *testing.T) {
	s := newStack(t, nil)
	id := s.openSession(t)

	status, _ := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/search", `{"query":"ubuntu #Linux","tags":["iso"]}`)
	require.Equal(t, http.StatusAccepted, status)
	s.awaitRequest(t, id, "r-1")

	call := s.core.lastCall()
	require.NotNil(t, call)
	assert.Equal(t, `"ubuntu" "Linux"`, call.URL.Query().Get("txt_filter"))
	assert.Equal(t, []string{"iso", "linux"}, call.URL.Query()["tags"])
	assert.Equal(t, "1", call.URL.Query().Get("hide_xxx"))
	assert.Equal(t, "secret", call.Header.Get("X-Api-Key"))

	handle := intake.HandleMessage(s.registry, s.metrics)
	ctx := context.Background()
	require.NoError(t, handle(ctx, nil, []byte(`{"uuid":"","peer":"x"}`)), "invalid messages are committed")
	require.NoError(t, handle(ctx, nil, peerMessage("r-1", "peer-a", 2)))
	require.NoError(t, handle(ctx, nil, peerMessage("r-0", "peer-b", 5)), "stale messages are committed")

	status, _ = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/results", "")
	assert.Equal(t, http.StatusNotFound, status, "still waiting on peer-b")

	require.NoError(t, handle(ctx, nil, peerMessage("r-1", "peer-b", 3)))

	var results map[string]any
	require.Eventually(t, func() bool {
		status, results = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/results", "")
		return status == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "r-1", results["request_id"])
	assert.Equal(t, "complete", results["reason"])
	assert.Len(t, results["items"], 5)
}

// TestHTTPIntakeAndManualShow pushes one answer over HTTP and finalizes the
// rest on demand.
func TestHTTPIntakeAndManualShow(t *testing.T) {
	s := newStack(t, nil)
	id := s.openSession(t)

	status, _ := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/search", `{"query":"big buck bunny"}`)
	require.Equal(t, http.StatusAccepted, status)
	s.awaitRequest(t, id, "r-1")

	status, _ = s.do(t, http.MethodPost, "/api/v1/responses", string(peerMessage("r-1", "peer-a", 1)))
	require.Equal(t, http.StatusAccepted, status)

	status, body := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/show", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["shown"])

	status, results := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/results", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "manual", results["reason"])
	assert.Equal(t, float64(1), results["answered_peers"])
	assert.Equal(t, float64(2), results["expected_peers"])
}

// TestResultsSurviveSessionClose needs Redis: finalized results stay
// readable after the session is closed.
func TestResultsSurviveSessionClose(t *testing.T) {
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: envOrDefault("TEST_REDIS_ADDR", "localhost:6379"), PoolSize: 2})
	if err != nil {
		t.Skipf("skipping integration test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	pub := presenter.NewRedisPublisher(client, time.Minute, 16, pkgredis.IsNilError, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s := newStack(t, pub)
	id := s.openSession(t)
	t.Cleanup(func() { client.Del(context.Background(), presenter.ResultKey(id)) })

	status, _ := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/search", `{"query":"debian"}`)
	require.Equal(t, http.StatusAccepted, status)
	s.awaitRequest(t, id, "r-1")

	handle := intake.HandleMessage(s.registry, s.metrics)
	require.NoError(t, handle(context.Background(), nil, peerMessage("r-1", "peer-a", 1)))
	require.NoError(t, handle(context.Background(), nil, peerMessage("r-1", "peer-b", 1)))

	require.Eventually(t, func() bool {
		_, ok, err := pub.Load(context.Background(), id)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)

	status, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusNoContent, status)

	status, results := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/results", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, results["session_id"])
	assert.Len(t, results["items"], 2)
}

// ---------------------------------------------------------------------------
// Env helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

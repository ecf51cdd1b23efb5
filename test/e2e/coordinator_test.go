// Package e2e contains end-to-end tests that exercise a running deployment:
// coordinator → network core → remote result intake → analytics, with real
// Kafka, PostgreSQL and Redis.
//
// Prerequisites:
//   - search coordinator and analytics service running
//   - a network core answering PUT /remote_query
//   - Kafka, PostgreSQL and Redis running
//
// Run with:
//
//	go test -v -timeout=120s ./test/e2e/...
//
// Every test skips when the service it needs is unreachable.
package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

type e2eConfig struct {
	CoordinatorURL string
	AnalyticsURL   string
	SettleSeconds  int
}

func loadE2EConfig() e2eConfig {
	return e2eConfig{
		CoordinatorURL: envOrDefault("E2E_COORDINATOR_URL", "http://localhost:8080"),
		AnalyticsURL:   envOrDefault("E2E_ANALYTICS_URL", "http://localhost:8083"),
		SettleSeconds:  envOrDefaultInt("E2E_SETTLE_SECONDS", 3),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestPlatformHealth verifies both services respond to health checks.
func TestPlatformHealth(t *testing.T) {
	cfg := loadE2EConfig()

	services := []struct {
		name string
		url  string
	}{
		{"coordinator /health/live", cfg.CoordinatorURL + "/health/live"},
		{"coordinator /health/ready", cfg.CoordinatorURL + "/health/ready"},
		{"analytics /health/live", cfg.AnalyticsURL + "/health/live"},
	}

	client := &http.Client{Timeout: 5 * time.Second}

	for _, svc := range services {
		t.Run(svc.name, func(t *testing.T) {
			resp, err := client.Get(svc.url)
			if err != nil {
				t.Skipf("service unavailable: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// TestSearchAndAnswerEveryPeer runs a full remote search: create a session,
// dispatch a query, answer for every expected peer through the HTTP intake
// and read back the finalized result set.
func TestSearchAndAnswerEveryPeer(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	if _, err := client.Get(cfg.CoordinatorURL + "/health/live"); err != nil {
		t.Skipf("coordinator unavailable: %v", err)
	}

	// 1. Open a session.
	var created map[string]any
	status := call(t, client, http.MethodPost, cfg.CoordinatorURL+"/api/v1/sessions", "", &created)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	id, _ := created["session_id"].(string)
	base := cfg.CoordinatorURL + "/api/v1/sessions/" + id
	defer call(t, client, http.MethodDelete, base, "", nil)

	// 2. Dispatch a query.
	word := fmt.Sprintf("e2etest%d", time.Now().UnixNano())
	status = call(t, client, http.MethodPost, base+"/search", `{"query":"`+word+`"}`, nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}

	// 3. Wait for the registration to land.
	var snap map[string]any
	for attempt := 0; attempt < 20; attempt++ {
		call(t, client, http.MethodGet, base, "", &snap)
		if snap["request_id"] != nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	requestID, _ := snap["request_id"].(string)
	if requestID == "" {
		t.Skipf("search never registered, is the network core up? %v", snap)
	}
	peers, _ := snap["expected_peers"].([]any)
	t.Logf("registered request %s with %d peers", requestID, len(peers))

	// 4. Answer for every peer.
	for i, p := range peers {
		body := fmt.Sprintf(`{"uuid":%q,"peer":%q,"results":[{"infohash":"%040d","name":"%s %d","size":1}]}`,
			requestID, p, i, word, i)
		if status := call(t, client, http.MethodPost, cfg.CoordinatorURL+"/api/v1/responses", body, nil); status != http.StatusAccepted {
			t.Errorf("response for peer %v: expected 202, got %d", p, status)
		}
	}

	// 5. Read the result set.
	var results map[string]any
	for attempt := 0; attempt < 20; attempt++ {
		if call(t, client, http.MethodGet, base+"/results", "", &results) == http.StatusOK {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if results["request_id"] != requestID {
		t.Fatalf("expected results for %s, got %v", requestID, results)
	}
	items, _ := results["items"].([]any)
	if len(items) != len(peers) {
		t.Errorf("expected %d items, got %d", len(peers), len(items))
	}
	t.Logf("finalized with reason=%v after %vms", results["reason"], results["elapsed_ms"])
}

// TestSearchAnalytics verifies that searches reach the analytics service.
func TestSearchAnalytics(t *testing.T) {
	cfg := loadE2EConfig()
	client := &http.Client{Timeout: 5 * time.Second}

	var created map[string]any
	resp, err := client.Post(cfg.CoordinatorURL+"/api/v1/sessions", "application/json", nil)
	if err != nil {
		t.Skipf("coordinator unavailable: %v", err)
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	id, _ := created["session_id"].(string)
	base := cfg.CoordinatorURL + "/api/v1/sessions/" + id
	defer call(t, client, http.MethodDelete, base, "", nil)

	// An empty query is rejected before the network and still tracked.
	call(t, client, http.MethodPost, base+"/search", `{"query":"   "}`, nil)

	time.Sleep(time.Duration(cfg.SettleSeconds) * time.Second)

	var stats map[string]any
	status := call(t, client, http.MethodGet, cfg.AnalyticsURL+"/api/v1/analytics", "", &stats)
	if status == 0 {
		t.Skip("analytics service unavailable")
	}
	t.Logf("analytics: total_searches=%v, rejected=%v, finalized=%v",
		stats["total_searches"], stats["rejected"], stats["finalized"])

	if rejected, _ := stats["rejected"].(float64); rejected < 1 {
		t.Log("expected at least 1 rejected search recorded in analytics")
	}
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

// call sends a JSON request and decodes the response into out when non-nil.
// It returns 0 when the request could not be sent.
func call(t *testing.T, client *http.Client, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Logf("%s %s failed: %v", method, url, err)
		return 0
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
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

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Command loadtest drives a running search coordinator end to end.
//
// Every worker owns one session and loops: submit a query, wait for the
// registration, answer for each expected peer through POST /api/v1/responses
// and read the finalized results. It reports per-call HTTP latency and the
// submit-to-results latency of whole searches.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8080 -concurrency 10 -duration 30s
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL      string
	Concurrency  int
	Duration     time.Duration
	ItemsPerPeer int
	Queries      []string
}

type Stats struct {
	totalRequests atomic.Int64
	errorCount    atomic.Int64
	searches      atomic.Int64
	failed        atomic.Int64
	latencies     []time.Duration
	searchTimes   []time.Duration
	mu            sync.Mutex
	statusCodes   map[int]int64
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		searchTimes: make([]time.Duration, 0, 10000),
		statusCodes: make(map[int]int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	if err != nil || statusCode >= 300 {
		s.errorCount.Add(1)
	}
	if err != nil {
		return
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, duration)
	s.statusCodes[statusCode]++
	s.mu.Unlock()
}

func (s *Stats) RecordSearch(duration time.Duration, err error) {
	if err != nil {
		s.failed.Add(1)
		return
	}
	s.searches.Add(1)
	s.mu.Lock()
	s.searchTimes = append(s.searchTimes, duration)
	s.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the search coordinator")
	concurrency := flag.Int("concurrency", 10, "number of concurrent sessions")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	items := flag.Int("items", 10, "results reported per peer")
	flag.Parse()

	cfg := Config{
		BaseURL:      *baseURL,
		Concurrency:  *concurrency,
		Duration:     *duration,
		ItemsPerPeer: *items,
		Queries: []string{
			"ubuntu iso",
			"debian netinst",
			"big buck bunny",
			"sintel #1080p",
			"creative commons music",
			"public domain films",
			"open source documentary",
			"linux #distro",
			"arch linux",
			"tears of steel",
		},
	}

	fmt.Println("=== Search Coordinator Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Queries:     %d unique\n", len(cfg.Queries))
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

type snapshot struct {
	RequestID     string   `json:"request_id"`
	Query         string   `json:"query"`
	ExpectedPeers []string `json:"expected_peers"`
}

type worker struct {
	cfg    Config
	client *http.Client
	stats  *Stats
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	fmt.Print("Running")
	g, gctx := errgroup.WithContext(ctx)
	for id := 0; id < cfg.Concurrency; id++ {
		w := &worker{cfg: cfg, client: client, stats: stats}
		g.Go(func() error {
			w.run(gctx, id)
			return nil
		})
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	_ = g.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func (w *worker) run(ctx context.Context, id int) {
	var created struct {
		SessionID string `json:"session_id"`
	}
	if _, err := w.call(ctx, http.MethodPost, "/api/v1/sessions", nil, &created); err != nil || created.SessionID == "" {
		return
	}
	base := "/api/v1/sessions/" + created.SessionID
	defer w.call(context.Background(), http.MethodDelete, base, nil, nil)

	for n := id; ctx.Err() == nil; n++ {
		// A counter suffix keeps consecutive submissions clear of the
		// debounce gate.
		q := fmt.Sprintf("%s %d", w.cfg.Queries[n%len(w.cfg.Queries)], n)
		start := time.Now()
		err := w.search(ctx, base, q)
		if ctx.Err() != nil {
			return
		}
		w.stats.RecordSearch(time.Since(start), err)
	}
}

const (
	searchTimeout = 15 * time.Second
	pollInterval  = 10 * time.Millisecond
)

func (w *worker) search(ctx context.Context, base, q string) error {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{"query": q})
	if status, err := w.call(ctx, http.MethodPost, base+"/search", body, nil); err != nil {
		return err
	} else if status != http.StatusAccepted {
		return fmt.Errorf("search: status %d", status)
	}

	var snap snapshot
	for snap.Query != q || snap.RequestID == "" {
		if err := pause(ctx); err != nil {
			return err
		}
		snap = snapshot{}
		if _, err := w.call(ctx, http.MethodGet, base, nil, &snap); err != nil {
			return err
		}
	}

	for _, peer := range snap.ExpectedPeers {
		msg, _ := json.Marshal(map[string]any{"uuid": snap.RequestID, "peer": peer, "results": fakeItems(peer, w.cfg.ItemsPerPeer)})
		if _, err := w.call(ctx, http.MethodPost, "/api/v1/responses", msg, nil); err != nil {
			return err
		}
	}

	var results struct {
		RequestID string `json:"request_id"`
	}
	for results.RequestID != snap.RequestID {
		if err := pause(ctx); err != nil {
			return err
		}
		if _, err := w.call(ctx, http.MethodGet, base+"/results", nil, &results); err != nil {
			return err
		}
	}
	return nil
}

func pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollInterval):
		return nil
	}
}

func (w *worker) call(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := w.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			w.stats.RecordRequest(duration, 0, err)
		}
		return 0, err
	}
	defer resp.Body.Close()
	w.stats.RecordRequest(duration, resp.StatusCode, nil)

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s: %w", path, err)
		}
		return resp.StatusCode, nil
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func fakeItems(peer string, n int) []map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"infohash":    fmt.Sprintf("%020x%020x", len(peer), i),
			"name":        fmt.Sprintf("%s result %d", peer, i),
			"size":        int64(i+1) << 20,
			"num_seeders": i,
		}
	}
	return items
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	errCount := stats.errorCount.Load()

	fmt.Println("=== Requests ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Errors:          %d\n", errCount)
	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errCount)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	searches := stats.searches.Load()
	fmt.Println()
	fmt.Println("=== Searches ===")
	fmt.Printf("Completed:       %d\n", searches)
	fmt.Printf("Failed:          %d\n", stats.failed.Load())
	fmt.Printf("Searches/sec:    %.2f\n", float64(searches)/duration.Seconds())

	stats.mu.Lock()
	latencies := append([]time.Duration(nil), stats.latencies...)
	searchTimes := append([]time.Duration(nil), stats.searchTimes...)
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	counts := make(map[int]int64, len(codes))
	for _, code := range codes {
		counts[code] = stats.statusCodes[code]
	}
	stats.mu.Unlock()

	printLatency("HTTP Latency", latencies)
	printLatency("Submit to Results", searchTimes)

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, counts[code])
	}

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the coordinator running?")
		os.Exit(1)
	}
}

func printLatency(title string, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg := sum / time.Duration(len(latencies))

	var sumSquared float64
	for _, l := range latencies {
		diff := float64(l) - float64(avg)
		sumSquared += diff * diff
	}

	fmt.Println()
	fmt.Printf("=== %s ===\n", title)
	fmt.Printf("Min:    %s\n", latencies[0])
	fmt.Printf("Avg:    %s\n", avg)
	fmt.Printf("P50:    %s\n", percentile(latencies, 50))
	fmt.Printf("P95:    %s\n", percentile(latencies, 95))
	fmt.Printf("P99:    %s\n", percentile(latencies, 99))
	fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	fmt.Printf("StdDev: %s\n", time.Duration(math.Sqrt(sumSquared/float64(len(latencies)))))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

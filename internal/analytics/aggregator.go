// Package analytics aggregates search lifecycle events published by the
// coordinator into running statistics.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
)

const maxLatencySamples = 10000

type AggregatedStats struct {
	TotalSearches     int64            `json:"total_searches"`
	Debounced         int64            `json:"debounced"`
	Rejected          int64            `json:"rejected"`
	DispatchFailures  int64            `json:"dispatch_failures"`
	Registered        int64            `json:"registered"`
	Finalized         map[string]int64 `json:"finalized_by_reason"`
	ZeroResultCount   int64            `json:"zero_result_count"`
	AvgPeerCoverage   float64          `json:"avg_peer_coverage"`
	AvgLatencyMs      float64          `json:"avg_latency_ms"`
	P50LatencyMs      int64            `json:"p50_latency_ms"`
	P95LatencyMs      int64            `json:"p95_latency_ms"`
	P99LatencyMs      int64            `json:"p99_latency_ms"`
	SearchesPerMinute float64          `json:"searches_per_minute"`
}

type Aggregator struct {
	mu               sync.RWMutex
	totalSearches    atomic.Int64
	debounced        atomic.Int64
	rejected         atomic.Int64
	dispatchFailures atomic.Int64
	registered       atomic.Int64
	zeroResults      atomic.Int64
	finalized        map[string]int64
	coverageSum      float64
	coverageCount    int64
	latencies        []int64
	startTime        time.Time

	clock    clock.Clock
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. consumer may be nil when events are
// fed directly through Record.
func NewAggregator(consumer *kafka.Consumer, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{
		finalized: make(map[string]int64),
		latencies: make([]int64, 0, 1024),
		startTime: clk.Now(),
		clock:     clk,
		consumer:  consumer,
		logger:    logger.WithComponent("analytics-aggregator"),
	}
}

// SetConsumer attaches the Kafka consumer that feeds the aggregator.
func (a *Aggregator) SetConsumer(consumer *kafka.Consumer) {
	a.consumer = consumer
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("analytics aggregator starting")
	return a.consumer.Start(ctx)
}

func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[Event](value)
		if err != nil {
			agg.logger.Error("failed to decode analytics event",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		agg.Record(event)
		return nil
	}
}

// Record folds one event into the running totals.
func (a *Aggregator) Record(event Event) {
	switch event.Type {
	case EventSearchDispatched:
		a.totalSearches.Add(1)
	case EventSearchDebounced:
		a.debounced.Add(1)
	case EventSearchRejected:
		a.rejected.Add(1)
	case EventDispatchFailed:
		a.dispatchFailures.Add(1)
	case EventSearchRegistered:
		a.registered.Add(1)
	case EventSearchFinalized:
		a.recordFinalized(event)
	default:
		a.logger.Warn("unknown analytics event type", "type", event.Type, "id", event.ID)
	}
}

func (a *Aggregator) recordFinalized(event Event) {
	if event.Items == 0 {
		a.zeroResults.Add(1)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized[event.Reason]++
	if event.ExpectedPeers > 0 {
		a.coverageSum += float64(event.AnsweredPeers) / float64(event.ExpectedPeers)
		a.coverageCount++
	}
	if len(a.latencies) >= maxLatencySamples {
		a.latencies = a.latencies[1:]
	}
	a.latencies = append(a.latencies, event.LatencyMs)
}

// Restore seeds the counters from a persisted snapshot so totals survive a
// restart. Latency samples are not restored.
func (a *Aggregator) Restore(stats AggregatedStats) {
	a.totalSearches.Store(stats.TotalSearches)
	a.debounced.Store(stats.Debounced)
	a.rejected.Store(stats.Rejected)
	a.dispatchFailures.Store(stats.DispatchFailures)
	a.registered.Store(stats.Registered)
	a.zeroResults.Store(stats.ZeroResultCount)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = make(map[string]int64, len(stats.Finalized))
	var finalized int64
	for reason, n := range stats.Finalized {
		a.finalized[reason] = n
		finalized += n
	}
	a.coverageCount = finalized
	a.coverageSum = stats.AvgPeerCoverage * float64(finalized)
	a.logger.Info("analytics restored from snapshot", "total_searches", stats.TotalSearches)
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AggregatedStats{
		TotalSearches:    a.totalSearches.Load(),
		Debounced:        a.debounced.Load(),
		Rejected:         a.rejected.Load(),
		DispatchFailures: a.dispatchFailures.Load(),
		Registered:       a.registered.Load(),
		ZeroResultCount:  a.zeroResults.Load(),
		Finalized:        make(map[string]int64, len(a.finalized)),
	}
	for reason, n := range a.finalized {
		stats.Finalized[reason] = n
	}
	if a.coverageCount > 0 {
		stats.AvgPeerCoverage = a.coverageSum / float64(a.coverageCount)
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	elapsed := a.clock.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.SearchesPerMinute = float64(stats.TotalSearches) / elapsed
	}

	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

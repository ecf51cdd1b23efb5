// Package collector provides a batch-oriented analytics event collector
// that accumulates events in memory and flushes them to Kafka in bulk.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
)

// Publisher writes a batch of events. *kafka.Producer satisfies it.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Config tunes a BatchCollector. Zero values fall back to defaults.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffered bounds the buffer while the publisher is failing.
	MaxBuffered int
	Clock       clock.Clock
}

// BatchCollector accumulates analytics events and flushes them either when
// the batch reaches BatchSize or after FlushInterval, whichever comes first.
// Track never blocks the caller.
type BatchCollector struct {
	publisher Publisher
	cfg       Config
	mu        sync.Mutex
	buffer    []kafka.Event
	dropped   int64
	kick      chan struct{}
	logger    *slog.Logger
	done      chan struct{}
}

// NewBatchCollector creates a BatchCollector publishing through p.
func NewBatchCollector(p Publisher, cfg Config) *BatchCollector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = cfg.BatchSize * 10
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &BatchCollector{
		publisher: p,
		cfg:       cfg,
		buffer:    make([]kafka.Event, 0, cfg.BatchSize),
		kick:      make(chan struct{}, 1),
		logger:    logger.WithComponent("batch-collector"),
		done:      make(chan struct{}),
	}
}

// Run flushes on every tick or full batch until ctx is cancelled, then
// performs a final flush with a short deadline.
func (bc *BatchCollector) Run(ctx context.Context) error {
	defer close(bc.done)
	ticker := bc.cfg.Clock.Ticker(bc.cfg.FlushInterval)
	defer ticker.Stop()

	bc.logger.Info("batch collector started",
		"batch_size", bc.cfg.BatchSize,
		"flush_interval", bc.cfg.FlushInterval,
	)
	for {
		select {
		case <-ticker.C:
			bc.flush(ctx)
		case <-bc.kick:
			bc.flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			bc.flush(flushCtx)
			cancel()
			return nil
		}
	}
}

// Track adds an event to the buffer. A full batch wakes the flush loop.
func (bc *BatchCollector) Track(key string, value any) {
	bc.mu.Lock()
	if len(bc.buffer) >= bc.cfg.MaxBuffered {
		bc.dropped++
		bc.mu.Unlock()
		bc.logger.Warn("analytics event dropped (buffer full)", "key", key)
		return
	}
	bc.buffer = append(bc.buffer, kafka.Event{Key: key, Value: value})
	shouldFlush := len(bc.buffer) >= bc.cfg.BatchSize
	bc.mu.Unlock()

	if shouldFlush {
		select {
		case bc.kick <- struct{}{}:
		default:
		}
	}
}

// Done is closed when Run returns.
func (bc *BatchCollector) Done() <-chan struct{} {
	return bc.done
}

// BufferLen returns the current number of buffered events.
func (bc *BatchCollector) BufferLen() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.buffer)
}

// Dropped returns how many events were discarded because the buffer was full.
func (bc *BatchCollector) Dropped() int64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.dropped
}

func (bc *BatchCollector) flush(ctx context.Context) {
	bc.mu.Lock()
	if len(bc.buffer) == 0 {
		bc.mu.Unlock()
		return
	}
	batch := bc.buffer
	bc.buffer = make([]kafka.Event, 0, bc.cfg.BatchSize)
	bc.mu.Unlock()

	if err := bc.publisher.PublishBatch(ctx, batch); err != nil {
		bc.logger.Error("batch flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		bc.mu.Lock()
		bc.buffer = append(batch, bc.buffer...)
		if over := len(bc.buffer) - bc.cfg.MaxBuffered; over > 0 {
			bc.buffer = bc.buffer[:bc.cfg.MaxBuffered]
			bc.dropped += int64(over)
			bc.logger.Warn("buffer overflow, events dropped", "dropped", over)
		}
		bc.mu.Unlock()
		return
	}

	bc.logger.Debug("batch flushed", "events", len(batch))
}

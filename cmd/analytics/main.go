// Command analytics starts the standalone analytics aggregation service.
//
// It consumes search lifecycle events from Kafka, aggregates them in memory
// (dispatched, debounced and rejected searches, dispatch failures,
// finalizations by reason, peer coverage, time-to-results percentiles),
// snapshots the totals to PostgreSQL and exposes GET /api/v1/analytics.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/analytics/aggregator"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/resilience"
)

// main boots the analytics service: Kafka consumer, in-memory aggregator,
// optional Postgres snapshots, health checks and the HTTP API. SIGINT or
// SIGTERM triggers a graceful shutdown with a final snapshot.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
	}

	agg := analytics.NewAggregator(nil, nil)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents, analytics.HandleEvent(agg))
	agg.SetConsumer(consumer)

	g, gctx := errgroup.WithContext(ctx)
	checker := health.NewChecker()
	checker.Register("kafka", health.PingCheck(consumer.Ping, true))

	var db *postgres.Client
	err = resilience.Retry(ctx, "postgres-connect", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		var connErr error
		db, connErr = postgres.New(cfg.Postgres)
		return connErr
	})
	var snapshots analytics.SnapshotLister
	if err != nil {
		slog.Warn("postgres unavailable, snapshots disabled", "error", err)
	} else {
		defer db.Close()
		store := aggregator.NewStore(db, nil)
		if err := store.Migrate(ctx); err != nil {
			slog.Error("failed to prepare snapshot table", "error", err)
			os.Exit(1)
		}
		latest, err := store.LatestSnapshot(ctx)
		if err != nil {
			slog.Warn("could not load latest snapshot", "error", err)
		} else if latest != nil {
			agg.Restore(*latest)
		}
		snapshots = store
		checker.Register("postgres", health.PingCheck(db.Ping, false))
		g.Go(func() error { return store.RunPeriodicSave(gctx, agg, cfg.Analytics.SnapshotInterval) })
	}

	g.Go(func() error { return agg.Start(gctx) })
	slog.Info("analytics aggregator started", "topic", cfg.Kafka.Topics.AnalyticsEvents)

	analyticsHandler := analytics.NewHandler(agg, snapshots)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", analyticsHandler.Stats)
	mux.HandleFunc("GET /api/v1/analytics/snapshots", analyticsHandler.Snapshots)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		slog.Info("analytics service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("analytics service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}

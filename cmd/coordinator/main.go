// Command coordinator serves remote search sessions over HTTP.
//
// Each session dispatches debounced searches to the local network core,
// collects per-peer answers from the remote-query-results Kafka topic (or
// POST /api/v1/responses) and finalizes once every peer answered, the
// response timer fired or the user asked for the results. Finalized results
// are kept in memory, mirrored to Redis and reported as analytics events.
//
// Usage:
//
//	go run ./cmd/coordinator [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/analytics/collector"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/coordinator"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/dispatch"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/handler"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/intake"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/presenter"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/session"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/ratelimit"
	pkgredis "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search coordinator",
		"port", cfg.Server.Port,
		"core_url", cfg.Search.CoreURL,
		"response_timeout", cfg.Search.ResponseTimeout,
	)

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

	dispatcher, err := dispatch.New(dispatch.Config{
		BaseURL: cfg.Search.CoreURL,
		APIKey:  cfg.Search.APIKey,
		HideXXX: cfg.Search.HideXXX,
		Timeout: cfg.Search.DispatchTimeout,
		Breaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, to resilience.State) {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		},
	}, nil)
	if err != nil {
		slog.Error("invalid network core configuration", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	var redisClient *pkgredis.Client
	err = resilience.Retry(ctx, "redis-connect", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		var connErr error
		redisClient, connErr = pkgredis.NewClient(cfg.Redis)
		return connErr
	})
	var redisPub *presenter.RedisPublisher
	if err != nil {
		slog.Warn("redis unavailable, result hand-off disabled", "error", err)
	} else {
		defer redisClient.Close()
		redisPub = presenter.NewRedisPublisher(redisClient, cfg.Redis.ResultTTL, cfg.Search.EventBuffer, pkgredis.IsNilError, nil)
		g.Go(func() error { return redisPub.Run(gctx) })
		slog.Info("redis result hand-off enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.ResultTTL)
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
	defer producer.Close()
	events := collector.NewBatchCollector(producer, collector.Config{
		FlushInterval: time.Second,
		MaxBuffered:   cfg.Analytics.BufferSize,
	})
	g.Go(func() error { return events.Run(gctx) })

	sinkMetrics := presenter.NewMetrics(m)
	registry := session.NewRegistry(gctx, session.Options{
		Build: func(id string) (*coordinator.Coordinator, session.ResultSource) {
			latest := presenter.NewLatest(id, nil)
			sinks := presenter.Multi{latest, sinkMetrics, presenter.NewAnalytics(events, id, nil)}
			if redisPub != nil {
				sinks = append(sinks, redisPub.For(id))
			}
			c := coordinator.New(coordinator.Config{
				Name:             id,
				DebounceCooldown: cfg.Search.DebounceCooldown,
				ResponseTimeout:  cfg.Search.ResponseTimeout,
				DispatchTimeout:  cfg.Search.DispatchTimeout,
				EventBuffer:      cfg.Search.EventBuffer,
				Metrics:          m,
			}, dispatcher, sinks)
			return c, latest
		},
		MaxSessions: cfg.Search.MaxSessions,
		Metrics:     m,
	})

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RemoteResults, intake.HandleMessage(registry, m))
	g.Go(func() error { return consumer.Start(gctx) })
	slog.Info("remote result intake started", "topic", cfg.Kafka.Topics.RemoteResults)

	checker := health.NewChecker()
	checker.Register("kafka", health.PingCheck(consumer.Ping, true))
	checker.Register("network_core", func(ctx context.Context) health.ComponentHealth {
		if state := dispatcher.BreakerState(); state != resilience.StateClosed {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit " + state.String()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	if redisClient != nil {
		checker.Register("redis", health.PingCheck(redisClient.Ping, false))
	} else {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		})
	}
	checker.Register("sessions", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d active", registry.Len())}
	})

	var stored handler.StoredResults
	if redisPub != nil {
		stored = redisPub
	}

	mux := http.NewServeMux()
	handler.New(registry, stored).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	if cfg.Server.RateLimit > 0 {
		limiter := ratelimit.New(cfg.Server.RateLimit, cfg.Server.RateWindow, nil)
		g.Go(func() error { return limiter.Run(gctx) })
		chain = middleware.RateLimit(limiter)(chain)
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		chain = middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins))(chain)
	}
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		slog.Info("search coordinator listening", "addr", server.Addr)
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
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return registry.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("search coordinator failed", "error", err)
		os.Exit(1)
	}
	slog.Info("search coordinator stopped")
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/pledgeboard/internal/adapter/httpserver"
	"github.com/pscheid92/pledgeboard/internal/adapter/metrics"
	"github.com/pscheid92/pledgeboard/internal/adapter/redis"
	"github.com/pscheid92/pledgeboard/internal/app"
	"github.com/pscheid92/pledgeboard/internal/broadcast"
	"github.com/pscheid92/pledgeboard/internal/domain"
	"github.com/pscheid92/pledgeboard/internal/platform/config"
	"github.com/pscheid92/pledgeboard/internal/platform/logging"
	"github.com/pscheid92/pledgeboard/internal/platform/version"
	"github.com/pscheid92/pledgeboard/internal/ranking"
	"github.com/pscheid92/pledgeboard/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupLedger returns the rate-limit ledger for the configured backend. The
// in-memory ledger is always created; with Redis it serves as fallback.
func setupLedger(cfg *config.Config, clock clockwork.Clock, reg prometheus.Registerer) (domain.SubmissionLedger, []httpserver.HealthCheck, func()) {
	memory := ratelimit.NewMemoryLedger(clock, cfg.RateLimitInterval, cfg.RateLimitRetention)
	if cfg.RateLimitBackend != config.BackendRedis {
		return memory, nil, func() {}
	}

	client := setupRedis(context.Background(), cfg)
	client.AddHook(redis.NewMetricsHook(metrics.NewRedisMetrics(reg)))
	checks := []httpserver.HealthCheck{{
		Name:  "redis",
		Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}}
	closeFn := func() { _ = client.Close() }

	return redis.NewLedger(client, clock, cfg.RateLimitInterval, memory), checks, closeFn
}

func runGracefulShutdown(srv *httpserver.Server, cancelLoops context.CancelFunc, loops *sync.WaitGroup, hub *broadcast.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancelLoops()
		loops.Wait()
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "build", info.String(), "backend", cfg.RateLimitBackend)

	reg := metrics.NewRegistry()
	submissionMetrics := metrics.NewSubmissionMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	memoryMetrics := metrics.NewMemoryMetrics(reg)

	ledger, healthChecks, closeLedger := setupLedger(cfg, clock, reg)
	defer closeLedger()

	store := ranking.NewStore(clock, cfg.MaxParticipants, cfg.RankingCoalesceWindow)
	svc := app.NewService(store, ledger, clock, submissionMetrics)

	hub := broadcast.NewHub(svc, clock, broadcast.HubConfig{
		MaxClients:        cfg.MaxWebSocketConnections,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, wsMetrics)
	svc.OnChange(hub.NotifyChanged)

	healthChecks = append(healthChecks, httpserver.HealthCheck{
		Name: "hub",
		Check: func(ctx context.Context) error {
			if hub.ClientCount() < 0 {
				return errors.New("viewer hub not responding")
			}
			return nil
		},
	})

	sampler := app.NewMemorySampler()
	janitor := app.NewLedgerJanitor(svc, clock, cfg.RateLimitPurgeInterval)
	guard := app.NewMemoryGuard(sampler, svc, clock, cfg.MemoryCheckInterval, cfg.MemoryWarnMB, cfg.MemoryCriticalMB, memoryMetrics)

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); janitor.Run(loopCtx) }()
	go func() { defer loops.Done(); guard.Run(loopCtx) }()

	srv := httpserver.NewServer(cfg, clock, svc, hub, sampler, reg, healthChecks)

	done := runGracefulShutdown(srv, cancelLoops, &loops, hub)

	slog.Info("Server starting", "port", cfg.Port, "max_participants", cfg.MaxParticipants)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

// Package main provides the orchestrator entry point. It wires the
// scheduling loop to the work-item store, the agent runtime, and the
// event fan-out and runs until terminated.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/agentd"
	escalation "github.com/fairyhunter13/agent-orchestrator/internal/adapter/escalation/kafka"
	events "github.com/fairyhunter13/agent-orchestrator/internal/adapter/events/redis"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/store/postgres"
	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/workflow"
	"github.com/fairyhunter13/agent-orchestrator/internal/config"
	"github.com/fairyhunter13/agent-orchestrator/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose metrics on a dedicated endpoint so Prometheus can scrape
	// scheduler gauges and dispatch counters.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	pool, err := connectDB(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	weights, err := config.LoadScoringWeights(cfg.ScoringWeightsFile)
	if err != nil {
		slog.Error("scoring weights load failed", slog.Any("error", err))
		os.Exit(1)
	}

	store := postgres.NewWorkItemRepo(pool)
	publisher := events.New(cfg.RedisAddr)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("failed to close event publisher", slog.Any("error", err))
		}
	}()
	if err := publisher.Ping(context.Background()); err != nil {
		slog.Warn("redis unreachable, progress events will be dropped", slog.Any("error", err))
	}

	agents := agentd.New(cfg.AgentdURL)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Pool:      agents,
		Workflow:  workflow.New(store),
		Executor:  agents,
		Publisher: publisher,
		Sink:      publisher,
	}, orchestrator.Config{
		CycleInterval: cfg.CycleInterval,
		Limits: orchestrator.ConcurrencyLimits{
			MaxGlobal:  cfg.MaxGlobalWorkers,
			MaxPerRepo: cfg.MaxWorkersPerRepo,
			MaxPerUser: cfg.MaxWorkersPerUser,
		},
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		ScoringWeights:    weights,
		AutoSpawnWorkers:  cfg.AutoSpawnWorkers,
		DefaultTemplateID: cfg.DefaultTemplateID,
	})

	producer, err := escalation.NewProducer(cfg.KafkaBrokers, cfg.EscalationTopic)
	if err != nil {
		slog.Error("escalation producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()
	orch.RegisterEscalationHook(producer.Hook())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)

	slog.Info("orchestrator started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	orch.Stop()
	cancel()
	orch.WaitForExecutions()
	slog.Info("orchestrator stopped")
}

// connectDB opens the pgx pool with exponential backoff so the process
// survives a database that comes up a little later than it does.
func connectDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	op := func() error {
		var err error
		pool, err = postgres.NewPool(ctx, dsn)
		if err != nil {
			return err
		}
		return pool.Ping(ctx)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	notify := func(err error, wait time.Duration) {
		slog.Warn("database not ready, retrying",
			slog.Duration("wait", wait),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return pool, nil
}

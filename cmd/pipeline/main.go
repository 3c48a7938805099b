// Command pipeline launches the campaign metrics aggregation runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignkit/metricspipe/config"
	"github.com/campaignkit/metricspipe/internal/aggregator"
	"github.com/campaignkit/metricspipe/internal/deadletter"
	"github.com/campaignkit/metricspipe/internal/infra/persistence/migrations"
	pgstore "github.com/campaignkit/metricspipe/internal/infra/persistence/postgres"
	httpserver "github.com/campaignkit/metricspipe/internal/infra/server/http"
	"github.com/campaignkit/metricspipe/internal/janitor"
	"github.com/campaignkit/metricspipe/internal/observability"
	"github.com/campaignkit/metricspipe/internal/queue"
	"github.com/campaignkit/metricspipe/internal/worker"
	"github.com/campaignkit/metricspipe/lib/async"
	"github.com/campaignkit/metricspipe/lib/telemetry"
)

const (
	defaultConfigPath        = "config/pipeline.yaml"
	defaultHTTPAddr          = ":8380"
	pipelineLoggerPrefix     = "pipeline "
	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout    = 5 * time.Second
)

func main() {
	cfgPath, httpAddr := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newPipelineLogger()

	settings := config.FromEnv()
	observability.SetLogger(observability.NewStdLogger(logger, settings.Environment != config.EnvProd))
	pipelineCfg, err := config.LoadPipelineConfig(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, workers=%d, batch=%d",
		settings.Environment, pipelineCfg.Workers.Count, pipelineCfg.Queue.BatchSize)

	telemetryCfg := pipelineCfg.Telemetry
	if settings.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = settings.OTLPEndpoint
	}
	_, telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if telemetryCfg.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}

	if settings.Database.MigrateOnStart {
		if err := migrations.ApplyEmbedded(ctx, settings.Database.DSN, logger); err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := newDatabasePool(ctx, settings.Database)
	if err != nil {
		logger.Fatalf("initialise database pool: %v", err)
	}
	pgstore.ObservePoolMetrics(pool, "primary")
	store := pgstore.New(pool)

	pipelineMetrics, err := observability.NewPipelineMetrics("fleet")
	if err != nil {
		logger.Fatalf("initialise pipeline metrics: %v", err)
	}
	dlqRouter := deadletter.NewSinkRouter(store.DeadLetters, pipelineMetrics)

	agg := aggregator.New(store.Metrics,
		aggregator.WithMaxAttempts(pipelineCfg.Aggregator.MaxAttempts),
		aggregator.WithBackoff(pipelineCfg.Aggregator.InitialBackoff, pipelineCfg.Aggregator.MaxBackoff),
		aggregator.WithMetrics(pipelineMetrics),
	)

	eventQueue := queue.NewMemoryQueue(queue.MemoryConfig{
		MaxReceiveCount: pipelineCfg.Queue.MaxReceiveCount,
		OnDeadLetter: func(msg queue.Message) {
			dlqRouter.Route(context.Background(), deadletter.Letter{
				MessageID:    msg.ID,
				Body:         msg.Body,
				Reason:       "receive budget exhausted",
				ReceiveCount: msg.ReceiveCount,
			})
		},
	})

	lifecycle, err := async.NewPool(pipelineCfg.Workers.Count+1, pipelineCfg.Workers.Count+1)
	if err != nil {
		logger.Fatalf("initialise lifecycle pool: %v", err)
	}

	startWorkers(ctx, lifecycle, logger, pipelineCfg, eventQueue, store, agg, dlqRouter, pipelineMetrics)

	jan := janitor.New(janitor.Config{
		Interval:   pipelineCfg.Janitor.Interval,
		BatchLimit: pipelineCfg.Janitor.BatchLimit,
	}, store.Dedup)
	if err := lifecycle.Submit(ctx, func(ctx context.Context) error {
		if err := jan.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("janitor: %w", err)
		}
		return nil
	}); err != nil {
		logger.Fatalf("start janitor: %v", err)
	}

	apiServer := buildAPIServer(httpAddr, eventQueue, store)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server: %v", err)
			cancel()
		}
	}()
	logger.Printf("ingest API listening on %s", apiServer.Addr)

	logger.Print("pipeline started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, apiServer, cancel, lifecycle, eventQueue, pool, telemetryShutdown)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to pipeline configuration file (default: %s)", defaultConfigPath))
	httpAddr := flag.String("http-addr", defaultHTTPAddr, "Listen address for the ingest and inspection API")
	flag.Parse()
	return *cfgPath, *httpAddr
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newPipelineLogger() *log.Logger {
	return log.New(os.Stdout, pipelineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func newDatabasePool(ctx context.Context, cfg config.DatabaseSettings) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func startWorkers(
	ctx context.Context,
	lifecycle *async.Pool,
	logger *log.Logger,
	cfg config.PipelineConfig,
	eventQueue queue.Queue,
	store *pgstore.Store,
	agg *aggregator.Aggregator,
	dlqRouter deadletter.Router,
	metrics *observability.PipelineMetrics,
) {
	for i := 0; i < cfg.Workers.Count; i++ {
		workerCfg := worker.Config{
			ID:                 fmt.Sprintf("worker-%d", i),
			BatchSize:          cfg.Queue.BatchSize,
			WaitTime:           cfg.Queue.WaitTime,
			Visibility:         cfg.Queue.Visibility,
			Parallelism:        cfg.Workers.Parallelism,
			ClaimTTL:           cfg.Dedup.ClaimTTL,
			CompletedRetention: cfg.Dedup.CompletedRetention,
			PollRate:           cfg.Workers.PollRate,
		}
		w := worker.New(workerCfg, eventQueue, store.Dedup, agg, dlqRouter,
			worker.WithMetrics(metrics))
		if err := lifecycle.Submit(ctx, func(ctx context.Context) error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", workerCfg.ID, err)
			}
			return nil
		}); err != nil {
			logger.Fatalf("start worker %d: %v", i, err)
		}
	}
	logger.Printf("workers started: %d", cfg.Workers.Count)
}

func buildAPIServer(addr string, eventQueue *queue.MemoryQueue, store *pgstore.Store) *http.Server {
	handler := httpserver.NewHandler(eventQueue, store.Metrics, store.DeadLetters, store)
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
}

func performGracefulShutdown(
	ctx context.Context,
	logger *log.Logger,
	apiServer *http.Server,
	mainCancel context.CancelFunc,
	lifecycle *async.Pool,
	eventQueue *queue.MemoryQueue,
	pool *pgxpool.Pool,
	telemetryShutdown func(context.Context) error,
) {
	httpCtx, httpCancel := context.WithTimeout(ctx, httpShutdownTimeout)
	defer httpCancel()
	if err := apiServer.Shutdown(httpCtx); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}

	// Stop the poll loops, then wait for in-flight batches to finish their
	// outcome reports.
	mainCancel()
	lifecycleCtx, lifecycleCancel := context.WithTimeout(ctx, lifecycleShutdownTimeout)
	defer lifecycleCancel()
	if err := lifecycle.Shutdown(lifecycleCtx); err != nil {
		logger.Printf("lifecycle shutdown: %v", err)
	}

	eventQueue.Close()
	pool.Close()

	if telemetryShutdown != nil {
		telemetryCtx, telemetryCancel := context.WithTimeout(ctx, telemetryShutdownTimeout)
		defer telemetryCancel()
		if err := telemetryShutdown(telemetryCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}
}

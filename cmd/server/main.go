package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PulseFlow/internal/api"
	"PulseFlow/internal/config"
	"PulseFlow/internal/db"
	"PulseFlow/internal/delivery"
	"PulseFlow/internal/email"
	"PulseFlow/internal/flow"
	"PulseFlow/internal/logging"
	"PulseFlow/internal/metrics"
	"PulseFlow/internal/models"
	"PulseFlow/internal/queue"
	"PulseFlow/internal/settings"
	"PulseFlow/internal/stats"
	"PulseFlow/internal/templates"
	"PulseFlow/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Terminal job history
	// ------------------------------------------------
	var history db.History
	if cfg.DatabaseURL != "" {
		store, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		history = store
		logger.Info("using postgres job history")
	} else {
		history = db.NewMemoryHistory()
		logger.Info("using in-memory job history")
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	var limiter delivery.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid redis url", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 30 * time.Second
		ping := func() error { return rdb.Ping(ctx).Err() }
		if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}

		limiter = delivery.NewRedisWindow(rdb, "", cfg.RateLimit)
		logger.Info("using shared redis rate limiter")
	} else {
		limiter = delivery.NewSlidingWindow(cfg.RateLimit)
	}

	// ------------------------------------------------
	// Providers + Delivery
	// ------------------------------------------------
	providers := delivery.NewProviders(cfg.PrimaryProvider(), cfg.FallbackProvider())

	router := delivery.NewRouter(providers, map[models.ProviderName]email.Executor{
		models.Primary:  email.NewSMTPExecutor(),
		models.Fallback: email.NewSESExecutor(),
	}, cfg.SendTimeout, logger)

	svc, err := delivery.NewService(router, limiter, cfg.Policy(), logger)
	if err != nil {
		logger.Fatal("invalid delivery policy", zap.Error(err))
	}

	// ------------------------------------------------
	// Templates
	// ------------------------------------------------
	registry, err := templates.Load(cfg.TemplatesFile)
	if err != nil {
		logger.Fatal("failed to load templates", zap.Error(err))
	}

	// ------------------------------------------------
	// Queue + Flows
	// ------------------------------------------------
	jobs := queue.New()

	orchestrator := flow.New(jobs, registry, flow.Options{
		Policy:        svc.Policy,
		ResetTokenTTL: cfg.ResetTokenTTL,
	}, logger)

	jobs.OnTerminal(orchestrator.HandleTerminal)
	jobs.OnTerminal(func(job models.Job) {
		recordCtx, recordCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer recordCancel()
		if err := history.Record(recordCtx, job); err != nil {
			logger.Error("failed to record job history", zap.String("job_id", job.ID), zap.Error(err))
		}
	})

	var wg sync.WaitGroup

	// ------------------------------------------------
	// Stats
	// ------------------------------------------------
	aggregator := stats.NewAggregator(history)
	stats.NewRunner(aggregator, cfg.StatsPeriod, cfg.StatsInterval, jobs.Counts, logger).Start(ctx, &wg)

	// ------------------------------------------------
	// External Settings
	// ------------------------------------------------
	if cfg.ConfigStoreURL != "" {
		client := settings.NewClient(cfg.ConfigStoreURL, cfg.ConfigStoreToken, nil)
		settings.NewWatcher(client, svc, providers, cfg.ConfigRefreshInterval, logger).Start(ctx, &wg)
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	worker.StartPool(
		ctx,
		&wg,
		cfg.WorkerCount,
		jobs,
		registry,
		svc,
		cfg.PollInterval,
		logger,
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Flows:      orchestrator,
		Delivery:   svc,
		Providers:  providers,
		Stats:      aggregator,
		Templates:  registry,
		QueueDepth: jobs.Counts,
		Log:        logger,
	}

	apiServer := &http.Server{
		Addr: ":" + cfg.APIPort,
		Handler: api.NewRouter(apiHandler, api.RouterOptions{
			CORSOrigins:       cfg.CORSOrigins,
			TestSendPerMinute: cfg.TestSendPerMin,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new flows before draining workers
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// Package main is the entry point for the cryptodesk trading workstation.
// It wires the storage layer, venue client, scheduler backend, trading
// engines, and the HTTP/socket edge, then runs until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/avendel/cryptodesk/internal/clients/binance"
	"github.com/avendel/cryptodesk/internal/config"
	"github.com/avendel/cryptodesk/internal/database"
	"github.com/avendel/cryptodesk/internal/events"
	"github.com/avendel/cryptodesk/internal/hub"
	"github.com/avendel/cryptodesk/internal/modules/collector"
	"github.com/avendel/cryptodesk/internal/modules/indicators"
	"github.com/avendel/cryptodesk/internal/modules/marketdata"
	"github.com/avendel/cryptodesk/internal/modules/paper"
	"github.com/avendel/cryptodesk/internal/modules/strategy"
	"github.com/avendel/cryptodesk/internal/modules/symbols"
	"github.com/avendel/cryptodesk/internal/modules/trading"
	"github.com/avendel/cryptodesk/internal/scheduler"
	"github.com/avendel/cryptodesk/internal/server"
	"github.com/avendel/cryptodesk/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting cryptodesk")

	db, err := database.New(database.Config{Path: cfg.DatabasePath, Name: "core"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	bus := events.NewBus(log)

	venue := binance.New(binance.Config{
		BaseURL:   cfg.ExchangeBaseURL,
		APIKey:    cfg.ExchangeAPIKey,
		APISecret: cfg.ExchangeAPISecret,
		Timeout:   cfg.ExchangeTimeout,
	}, log)

	// Repositories share the single core database.
	conn := db.Conn()
	candleRepo := marketdata.NewCandleRepository(conn, log)
	indicatorRepo := marketdata.NewIndicatorRepository(conn, log)
	jobRepo := scheduler.NewJobRepository(conn, log)
	logRepo := scheduler.NewLogRepository(conn, log)
	collectorRepo := collector.NewRepository(conn, log)
	strategyRepo := strategy.NewRepository(conn, log)
	signalRepo := strategy.NewSignalRepository(conn, log)

	indicatorSvc := indicators.NewService(candleRepo, indicatorRepo, log)
	symbolRegistry := symbols.New(venue, cfg.SymbolCacheTTL, log)

	paperSvc := paper.NewService(conn, candleRepo, bus, log)
	var liveEngine trading.Engine
	if cfg.ExchangeAPIKey != "" && cfg.ExchangeAPISecret != "" {
		liveEngine = trading.NewLiveService(venue, log)
	}
	router := trading.NewRouter(paperSvc, liveEngine, log)

	// Scheduler: registry and executor are shared by both backends.
	registry := scheduler.NewRegistry()
	executor := scheduler.NewExecutor(registry, jobRepo, logRepo, bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sched scheduler.Scheduler
	switch cfg.SchedulerBackend {
	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sched = scheduler.NewRedis(redisClient, cfg.RedisQueueKey, jobRepo, registry, executor, log)
		worker := scheduler.NewWorker(redisClient, cfg.RedisQueueKey, executor, jobRepo, cfg.WorkerPoolSize, log)
		go worker.Run(ctx)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis scheduler backend")
	default:
		sched = scheduler.NewInProcess(jobRepo, registry, executor, cfg.WorkerPoolSize, log)
		log.Info().Int("pool", cfg.WorkerPoolSize).Msg("Using in-process scheduler backend")
	}

	collectorSvc := collector.NewService(collectorRepo, candleRepo, indicatorSvc, venue, sched, bus, log)
	strategySvc := strategy.NewService(strategyRepo, signalRepo, candleRepo, indicatorSvc, router, sched, bus, log)

	// Every handler must be registered before Start so recovered jobs can
	// resolve their callables.
	registry.Register(collector.HandlerName, collectorSvc.Handler())
	registry.Register(strategy.HandlerName, strategySvc.Handler())
	registry.Register("refresh_symbols", refreshSymbolsHandler(symbolRegistry))
	registry.Register("cleanup_old_data", cleanupHandler(cfg, candleRepo, indicatorRepo, signalRepo, logRepo, log))
	registry.Register("health_check", healthCheckHandler(db))

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	if err := registerHousekeepingJobs(sched, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register housekeeping jobs")
	}
	if err := collectorSvc.ReloadJobs(); err != nil {
		log.Error().Err(err).Msg("Failed to rebind collection jobs")
	}
	if err := strategySvc.ReloadJobs(); err != nil {
		log.Error().Err(err).Msg("Failed to rebind strategy jobs")
	}

	socketHub := hub.New(cfg.HubTokenSecret, log)
	socketHub.BindBus(bus)

	srv := server.New(server.Deps{
		Log:        log,
		Config:     cfg,
		DB:         db,
		Scheduler:  sched,
		Logs:       logRepo,
		Collector:  collectorSvc,
		Strategies: strategySvc,
		Portfolios: paperSvc,
		Router:     router,
		Candles:    candleRepo,
		Indicators: indicatorRepo,
		Symbols:    symbolRegistry,
		Hub:        socketHub,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server stopped")
	}

	cancel()
	sched.Shutdown(true)
	socketHub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}

// registerHousekeepingJobs installs the standing maintenance jobs. AddJob
// replaces by id, so re-registering on every boot is idempotent.
func registerHousekeepingJobs(sched scheduler.Scheduler, cfg *config.Config) error {
	jobs := []scheduler.JobSpec{
		{
			ID:          "maintenance:refresh_symbols",
			Trigger:     scheduler.Every(cfg.SymbolCacheTTL),
			HandlerName: "refresh_symbols",
		},
		{
			ID:          "maintenance:cleanup",
			Trigger:     scheduler.Cron("0 3 * * *"),
			HandlerName: "cleanup_old_data",
		},
		{
			ID:          "maintenance:health_check",
			Trigger:     scheduler.Every(5 * time.Minute),
			HandlerName: "health_check",
		},
	}
	for _, spec := range jobs {
		if _, err := sched.AddJob(spec); err != nil {
			return err
		}
	}
	return nil
}

func refreshSymbolsHandler(registry *symbols.Registry) scheduler.Handler {
	return func(ctx context.Context, args map[string]any) (scheduler.Result, error) {
		if err := registry.Refresh(ctx); err != nil {
			return scheduler.Result{}, err
		}
		return scheduler.Result{Metadata: map[string]any{
			"refreshed_at": registry.RefreshedAt().UnixMilli(),
		}}, nil
	}
}

// cleanupHandler trims time-series tables past the retention window.
func cleanupHandler(cfg *config.Config, candles *marketdata.CandleRepository,
	samples *marketdata.IndicatorRepository, signals *strategy.SignalRepository,
	logs *scheduler.LogRepository, log zerolog.Logger) scheduler.Handler {
	return func(ctx context.Context, args map[string]any) (scheduler.Result, error) {
		cutoff := time.Now().UTC().Add(-cfg.RetentionWindow)

		var total int64
		for name, fn := range map[string]func(time.Time) (int64, error){
			"candles":    candles.DeleteBefore,
			"indicators": samples.DeleteBefore,
			"signals":    signals.DeleteBefore,
			"job_logs":   logs.DeleteBefore,
		} {
			n, err := fn(cutoff)
			if err != nil {
				return scheduler.Result{}, err
			}
			log.Debug().Str("table", name).Int64("rows", n).Msg("Retention cleanup")
			total += n
		}
		return scheduler.Result{Records: int(total)}, nil
	}
}

// healthCheckHandler pings the database and forces a WAL checkpoint so the
// log file cannot grow without bound.
func healthCheckHandler(db *database.DB) scheduler.Handler {
	return func(ctx context.Context, args map[string]any) (scheduler.Result, error) {
		if err := db.HealthCheck(ctx); err != nil {
			return scheduler.Result{}, err
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			return scheduler.Result{}, err
		}
		return scheduler.Result{Metadata: map[string]any{"database": "healthy"}}, nil
	}
}

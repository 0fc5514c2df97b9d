package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quotevault/internal/adjustments"
	"github.com/aristath/quotevault/internal/cache"
	"github.com/aristath/quotevault/internal/config"
	"github.com/aristath/quotevault/internal/database"
	"github.com/aristath/quotevault/internal/jobs"
	"github.com/aristath/quotevault/internal/maintenance"
	"github.com/aristath/quotevault/internal/marketdata"
	"github.com/aristath/quotevault/internal/scheduler"
	"github.com/aristath/quotevault/internal/server"
	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/upstream"
	"github.com/aristath/quotevault/internal/upstream/yahoo"
	"github.com/aristath/quotevault/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Msg("Starting QuoteVault")

	// Databases: durable market data and the ephemeral response cache
	marketDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "market.db"),
		Profile: database.ProfileStandard,
		Name:    "market",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market database")
	}
	defer marketDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	// prices references symbols, so order matters
	schemas := []struct {
		name string
		init func() error
	}{
		{"symbols", func() error { return symbols.InitSchema(marketDB.Conn()) }},
		{"prices", func() error { return marketdata.InitSchema(marketDB.Conn()) }},
		{"adjustments", func() error { return adjustments.InitSchema(marketDB.Conn()) }},
		{"jobs", func() error { return jobs.InitSchema(marketDB.Conn()) }},
		{"cache", func() error { return cache.InitSchema(cacheDB.Conn()) }},
	}
	for _, s := range schemas {
		if err := s.init(); err != nil {
			log.Fatal().Err(err).Str("schema", s.name).Msg("Failed to initialize schema")
		}
	}

	// Repositories
	symbolRepo := symbols.NewRepository(marketDB.Conn(), log)
	priceRepo := marketdata.NewPriceRepository(marketDB.Conn(), log)
	eventRepo := adjustments.NewEventRepository(marketDB.Conn(), log)
	jobRepo := jobs.NewRepository(marketDB.Conn(), jobs.Limits{
		MaxSymbols: cfg.Jobs.MaxSymbols,
		MaxDays:    cfg.Jobs.MaxDays,
	}, log)
	cacheStore := cache.NewStore(cacheDB.Conn(), log)

	// Upstream client
	client := yahoo.NewClient(
		yahoo.WithRateLimit(cfg.Upstream.RateLimitPerSecond, cfg.Upstream.RateLimitBurst),
		yahoo.WithConcurrency(cfg.Upstream.Concurrency),
		yahoo.WithTimeout(cfg.Upstream.FetchTimeout),
		yahoo.WithRetries(cfg.Upstream.MaxRetries, upstream.Backoff{
			Base:       500 * time.Millisecond,
			Multiplier: 2.0,
			Max:        cfg.Upstream.BackoffMax,
		}),
		yahoo.WithLogger(log),
	)

	// Core services
	resolver := symbols.NewResolver(symbolRepo, cacheStore, log)
	coverage := marketdata.NewCoverageService(symbolRepo, resolver, priceRepo, client,
		eventRepo, cfg.Upstream.RefetchDays, cfg.AutoReg.Enabled, log)
	reader := marketdata.NewReader(coverage, resolver, priceRepo, cacheStore, marketdata.ReaderLimits{
		MaxSymbols:        cfg.API.MaxSymbols,
		MaxRows:           cfg.API.MaxRows,
		MaxSymbolsRelaxed: cfg.API.MaxSymbolsLocal,
		MaxRowsRelaxed:    cfg.API.MaxRowsLocal,
	}, log)

	fixer := adjustments.NewFixer(priceRepo, symbolRepo, eventRepo, jobRepo, log)
	detector := adjustments.NewDetector(priceRepo, symbolRepo, client, eventRepo, fixer,
		adjustments.DetectorConfig{
			ThresholdPct:   cfg.Adjustments.MinThresholdPct,
			SamplePoints:   cfg.Adjustments.SamplePoints,
			MinDataAgeDays: cfg.Adjustments.MinDataAgeDays,
		}, log)

	maintSvc := maintenance.NewService(symbolRepo, jobRepo, eventRepo, detector, cacheStore,
		maintenance.Config{
			BatchSize:              cfg.Cron.BatchSize,
			UpdateDays:             cfg.Cron.UpdateDays,
			JobCleanupDays:         cfg.Jobs.CleanupDays,
			AbandonedAfter:         cfg.Jobs.JobTimeout,
			AdjustmentCheckEnabled: cfg.Adjustments.CheckEnabled,
			AutoFix:                cfg.Adjustments.AutoFix,
		}, log)

	// Background worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := jobs.NewWorker(jobRepo, coverage, jobs.WorkerConfig{
		Concurrency:   cfg.Jobs.WorkerConcurrency,
		SymbolTimeout: 5 * time.Minute,
	}, log)
	worker.Start(ctx)

	// Scheduled maintenance
	sched := scheduler.New(log)
	registerCronJobs(sched, maintSvc, cfg, log)
	sched.Start()

	// HTTP API
	srv := server.New(server.Config{
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		CronSecret:  cfg.Cron.SecretToken,
		Reader:      reader,
		Prices:      priceRepo,
		Symbols:     symbolRepo,
		Jobs:        jobRepo,
		Events:      eventRepo,
		Fixer:       fixer,
		Maintenance: maintSvc,
		MarketDB:    marketDB,
		CacheDB:     cacheDB,
		Log:         log,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("QuoteVault started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sched.Stop()
	cancel()
	worker.Stop()

	log.Info().Msg("QuoteVault stopped")
}

func registerCronJobs(sched *scheduler.Scheduler, maintSvc *maintenance.Service,
	cfg *config.Config, log zerolog.Logger) {
	entries := []struct {
		schedule string
		job      scheduler.FuncJob
	}{
		{cfg.Cron.DailyUpdateSchedule, scheduler.FuncJob{
			JobName: "daily_update",
			Fn: func() error {
				_, err := maintSvc.DailyUpdate(context.Background(), false)
				return err
			},
		}},
		{cfg.Cron.AdjustmentSchedule, scheduler.FuncJob{
			JobName: "adjustment_scan",
			Fn: func() error {
				_, err := maintSvc.CheckAdjustments(context.Background(), nil, false)
				if errors.Is(err, maintenance.ErrAdjustmentCheckDisabled) {
					return nil
				}
				return err
			},
		}},
		{cfg.Cron.FixSweepSchedule, scheduler.FuncJob{
			JobName: "fix_sweep",
			Fn: func() error {
				_, err := maintSvc.SweepFixJobs()
				return err
			},
		}},
		{cfg.Cron.CleanupSchedule, scheduler.FuncJob{
			JobName: "job_cleanup",
			Fn: func() error {
				_, err := maintSvc.CleanupJobs()
				return err
			},
		}},
		{cfg.Cron.CachePurgeSchedule, scheduler.FuncJob{
			JobName: "cache_purge",
			Fn: func() error {
				_, err := maintSvc.PurgeCache()
				return err
			},
		}},
	}

	for _, e := range entries {
		if err := sched.AddJob(e.schedule, e.job); err != nil {
			log.Fatal().Err(err).Str("job", e.job.JobName).Msg("Failed to register cron job")
		}
	}
}

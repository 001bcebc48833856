// Package main is the entry point for the QuantFlow market-data platform.
// It ingests A-share market data from an upstream provider through a set of
// plugins, stores it in a versioned columnar store, and serves it over HTTP.
//
// Startup sequence:
//  1. Load configuration from environment variables and quantflow.yaml
//  2. Open the metadata database (SQLite) and the market store (DuckDB)
//  3. Build the upstream client, cache, audit logs and event bus
//  4. Register all plugins and create their tables
//  5. Wire the orchestrator, calendar, gap detector and quality runner
//  6. Register scheduled jobs (daily sync, compaction, cleanup, backup)
//  7. Start the HTTP server and wait for a shutdown signal
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantflow/quantflow/internal/audit"
	"github.com/quantflow/quantflow/internal/calendar"
	"github.com/quantflow/quantflow/internal/clientcache"
	"github.com/quantflow/quantflow/internal/clients/datahub"
	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/database"
	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/gaps"
	"github.com/quantflow/quantflow/internal/ingest"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
	"github.com/quantflow/quantflow/internal/plugins/adjfactor"
	"github.com/quantflow/quantflow/internal/plugins/dailybars"
	"github.com/quantflow/quantflow/internal/plugins/dailybasic"
	"github.com/quantflow/quantflow/internal/plugins/limitlist"
	"github.com/quantflow/quantflow/internal/plugins/moneyflow"
	"github.com/quantflow/quantflow/internal/plugins/stkfactor"
	"github.com/quantflow/quantflow/internal/plugins/stockbasic"
	"github.com/quantflow/quantflow/internal/plugins/tradecal"
	"github.com/quantflow/quantflow/internal/quality"
	"github.com/quantflow/quantflow/internal/queryservice"
	"github.com/quantflow/quantflow/internal/reliability"
	"github.com/quantflow/quantflow/internal/schedule"
	"github.com/quantflow/quantflow/internal/server"
	"github.com/quantflow/quantflow/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting QuantFlow")

	// Metadata database: audit trail, schema history, client cache.
	metaDB, err := database.New(database.Config{Path: cfg.MetaDBPath(), Name: "meta"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open metadata database")
	}
	defer metaDB.Close()

	if err := metaDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate metadata database")
	}

	// Market store: versioned columnar tables, one set per plugin.
	store, err := marketstore.Open(cfg.MarketDBPath(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market store")
	}
	defer store.Close()

	bus := events.NewBus(log)

	ingestionLog := audit.NewIngestionLog(metaDB.Conn())
	qualityLog := audit.NewQualityLog(metaDB.Conn())
	schemaLog := audit.NewSchemaLog(metaDB.Conn())

	// Upstream client. Per-plugin rate limits are applied after the
	// registry is built so overrides can be keyed by API name.
	client, err := datahub.NewClient(datahub.Config{
		BaseURL:        cfg.APIBaseURL,
		Token:          cfg.APIToken,
		ProxyURL:       cfg.ProxyURL,
		CallsPerMinute: cfg.CallsPerMinute,
		RetryAttempts:  cfg.RetryAttempts,
		CallTimeout:    cfg.CallTimeout,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create upstream client")
	}
	client.Start()
	defer client.Close()

	cache := clientcache.NewRepository(metaDB.Conn())

	registry := plugin.NewRegistry()
	plugins := []plugin.Plugin{
		tradecal.New(client, store, cache, cfg.Exchange, log),
		stockbasic.New(client, store, cache, log),
		dailybars.New(client, store, log),
		adjfactor.New(client, store, log),
		dailybasic.New(client, store, log),
		moneyflow.New(client, store, log),
		limitlist.New(client, store, log),
		stkfactor.New(store, log),
	}
	for _, p := range plugins {
		if err := registry.Register(p); err != nil {
			log.Fatal().Err(err).Str("plugin", p.Descriptor().Name).Msg("Failed to register plugin")
		}
	}
	if err := registry.Finalize(); err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve plugin dependency order")
	}

	for name := range cfg.Plugins {
		client.SetAPILimit(name, cfg.PluginCallsPerMinute(name))
		client.SetAPIRetryAttempts(name, cfg.PluginRetryAttempts(name))
		client.SetAPICallTimeout(name, cfg.PluginCallTimeout(name))
	}

	// Create every plugin table up front and track DDL changes.
	ctx := context.Background()
	for _, p := range registry.All() {
		for _, schema := range p.Descriptor().Tables {
			ddl, err := store.EnsureTable(ctx, schema)
			if err != nil {
				log.Fatal().Err(err).Str("table", schema.Name).Msg("Failed to create table")
			}
			changed, err := schemaLog.RecordIfChanged(ctx, schema.Name, ddl)
			if err != nil {
				log.Error().Err(err).Str("table", schema.Name).Msg("Failed to record schema")
			} else if changed {
				bus.Emit(events.SchemaChanged, "marketstore", map[string]interface{}{
					"table": schema.Name,
				})
			}
		}
	}

	cal := calendar.NewService(store, tradecal.Schema(), cfg.Exchange, log)
	if err := cal.Refresh(ctx); err != nil {
		// Expected on first boot; the calendar plugin must run first.
		log.Warn().Err(err).Msg("Trading calendar not loaded yet")
	}

	orch := ingest.NewOrchestrator(registry, cal, ingestionLog, bus, ingest.Options{
		CalendarPlugin:     "tradecal",
		MaxConcurrentTasks: int64(cfg.MaxConcurrentTasks),
		MaxSubRequests:     cfg.MaxSubRequests,
	}, log)

	detector := gaps.NewDetector(store, cal, registry, bus, log)

	qualityRunner := quality.NewRunner(qualityLog, bus, log)
	qualityRunner.Register(quality.NewCompletenessCheck(detector, 30*24*time.Hour))
	qualityRunner.Register(quality.NewOHLCCheck(store, "dailybars", dailybars.Schema()))
	qualityRunner.Register(quality.NewLimitConsistencyCheck(store, "limitlist", limitlist.Schema(), dailybars.Schema()))
	qualityRunner.Register(quality.NewOutlierCheck(store, "dailybars", dailybars.Schema(), 60, 4.0))

	querySvc := queryservice.NewService(registry, store, log)

	compaction := reliability.NewCompactionJob(store, registry, bus, log)
	checkpoint := reliability.NewWALCheckpointJob(metaDB, log)

	var backupSvc *reliability.BackupService
	if cfg.Backup.Bucket != "" {
		s3, err := reliability.NewS3Client(ctx, cfg.Backup, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create backup client")
		}
		backupSvc = reliability.NewBackupService(
			s3,
			[]string{cfg.MetaDBPath(), cfg.MarketDBPath()},
			cfg.Backup.Keep,
			bus,
			log,
		)
		log.Info().Str("bucket", cfg.Backup.Bucket).Msg("Backups enabled")
	} else {
		log.Info().Msg("Backups disabled, no bucket configured")
	}

	sched := schedule.New(log)
	mustSchedule := func(spec string, job schedule.Job) {
		if err := sched.AddJob(spec, job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to schedule job")
		}
	}
	mustSchedule(cfg.DailySyncAt, schedule.NewDailySyncJob(orch, log))
	mustSchedule("0 19 * * *", schedule.NewQualityJob(qualityRunner, log))
	mustSchedule("0 2 * * *", compaction)
	mustSchedule("30 2 * * *", clientcache.NewCleanupJob(cache, log))
	if backupSvc != nil {
		mustSchedule("0 3 * * *", reliability.NewBackupJob(backupSvc, checkpoint))
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Log:          log,
		Cfg:          cfg,
		Store:        store,
		Registry:     registry,
		Orchestrator: orch,
		Calendar:     cal,
		Gaps:         detector,
		Quality:      qualityRunner,
		Query:        querySvc,
		Ingestion:    ingestionLog,
		QualityLog:   qualityLog,
		SchemaLog:    schemaLog,
		Compaction:   compaction,
		Backup:       backupSvc,
		Bus:          bus,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Int("plugins", registry.Count()).Msg("QuantFlow started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}

// Package main is the entry point for the Pietra allocation engine. It wires
// the weight ledger, allocation pipeline, trigger cycles, and order flow over
// a four-database SQLite layout and serves the HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/clients/gateway"
	"github.com/dstamatis/pietra/internal/config"
	"github.com/dstamatis/pietra/internal/database"
	"github.com/dstamatis/pietra/internal/domain"
	"github.com/dstamatis/pietra/internal/events"
	"github.com/dstamatis/pietra/internal/modules/allocation"
	allocationhandlers "github.com/dstamatis/pietra/internal/modules/allocation/handlers"
	"github.com/dstamatis/pietra/internal/modules/building"
	"github.com/dstamatis/pietra/internal/modules/marketdata"
	marketdatahandlers "github.com/dstamatis/pietra/internal/modules/marketdata/handlers"
	"github.com/dstamatis/pietra/internal/modules/orders"
	ordershandlers "github.com/dstamatis/pietra/internal/modules/orders/handlers"
	"github.com/dstamatis/pietra/internal/modules/pies"
	pieshandlers "github.com/dstamatis/pietra/internal/modules/pies/handlers"
	"github.com/dstamatis/pietra/internal/modules/settings"
	settingshandlers "github.com/dstamatis/pietra/internal/modules/settings/handlers"
	"github.com/dstamatis/pietra/internal/modules/triggers"
	triggershandlers "github.com/dstamatis/pietra/internal/modules/triggers/handlers"
	"github.com/dstamatis/pietra/internal/modules/weights"
	"github.com/dstamatis/pietra/internal/reliability"
	"github.com/dstamatis/pietra/internal/scheduler"
	"github.com/dstamatis/pietra/internal/server"
	"github.com/dstamatis/pietra/pkg/logger"
)

// candleCacheMaxAge bounds how stale a cached candle series may be before
// the market data service re-reads price_history.
const candleCacheMaxAge = 15 * time.Minute

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

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Pietra")

	// Databases. The ledger profile trades speed for durability since
	// deposits, deferrals, and transactions are the audit trail.
	portfolioDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	ledgerDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	historyDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	configDB := mustOpen(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "config.db"),
		Profile: database.ProfileStandard,
		Name:    "config",
	})
	databases := map[string]*database.DB{
		"portfolio": portfolioDB,
		"ledger":    ledgerDB,
		"history":   historyDB,
		"config":    configDB,
	}
	defer func() {
		for _, db := range databases {
			_ = db.Close()
		}
	}()

	// Event bus and typed publisher
	bus := events.NewBus(log)
	publisher := events.NewPublisher(bus)

	clock := domain.RealClock{}

	// Market data over history.db
	marketRepo := marketdata.NewRepository(historyDB.Conn(), log)
	candleCache := marketdata.NewCandleCache(historyDB.Conn(), candleCacheMaxAge, log)
	marketService := marketdata.NewService(marketRepo, candleCache, log)

	// Hierarchy and weights over portfolio.db
	pieRepo := pies.NewRepository(portfolioDB.Conn(), log)
	ledger := weights.NewLedger(pieRepo, log)
	pieService := pies.NewService(pieRepo, ledger, publisher, log)

	// Order flow and position building over ledger.db
	orderRepo := orders.NewRepository(ledgerDB.Conn(), log)
	emitter := orders.NewEmitter(orderRepo, clock, log)
	buildingRepo := building.NewRepository(ledgerDB.Conn(), log)
	policy := building.NewPolicy(buildingRepo, log)

	// Build rules and evaluator over portfolio.db
	ruleRepo := triggers.NewRepository(portfolioDB.Conn(), log)
	evaluator := triggers.NewEvaluator(ruleRepo, marketService, policy, clock, log)

	// Allocation pipeline
	allocationRepo := allocation.NewRepository(ledgerDB.Conn(), log)
	allocationService := allocation.NewService(allocationRepo, pieRepo, marketService, policy, emitter, publisher, ruleRepo, log)

	// Settings over config.db
	settingsRepo := settings.NewRepository(configDB.Conn(), log)

	// Brokerage gateway and order dispatch
	gatewayClient := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAccountID, log)
	dispatcher := orders.NewDispatcher(orderRepo, gatewayClient, pieRepo, publisher, allocationService, log)

	fillStream := gateway.NewFillStream(cfg.GatewayStreamURL, func(update gateway.OrderUpdate) {
		if err := dispatcher.ApplyUpdate(update.OrderID, update.Status, update.FilledShares, update.AvgFillPrice, update.Commission); err != nil {
			log.Error().Err(err).Str("order_id", update.OrderID).Msg("Failed to apply streamed order update")
		}
	}, log)

	if authenticated, err := gatewayClient.CheckAuthStatus(); err != nil {
		log.Warn().Err(err).Msg("Gateway unreachable at startup, keepalive will retry")
	} else if !authenticated {
		if err := gatewayClient.InitBrokerageSession(); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize brokerage session at startup")
		}
	}
	if err := fillStream.Connect(); err != nil {
		log.Warn().Err(err).Msg("Order stream unavailable, relying on fill polling")
	}

	// Background cycles
	marketHours := scheduler.NewMarketHoursService(log)
	sched := scheduler.New(log)

	dailyTriggers := scheduler.NewEvaluateTriggersJob(scheduler.EvaluateTriggersConfig{
		Name:          "daily_triggers",
		Rules:         ruleRepo,
		Evaluator:     evaluator,
		Releaser:      allocationService,
		Publisher:     publisher,
		MarketHours:   marketHours,
		CycleInterval: 24 * time.Hour,
		Log:           log,
	})
	intradayTriggers := scheduler.NewEvaluateTriggersJob(scheduler.EvaluateTriggersConfig{
		Name:          "intraday_triggers",
		Rules:         ruleRepo,
		Evaluator:     evaluator,
		Releaser:      allocationService,
		Publisher:     publisher,
		MarketHours:   marketHours,
		CycleInterval: 15 * time.Minute,
		Log:           log,
	})
	allocationSweep := scheduler.NewAllocationSweepJob(allocationService, log)
	orderSync := scheduler.NewOrderSyncJob(dispatcher, log)
	keepalive := scheduler.NewGatewayKeepaliveJob(gatewayClient, log)

	// Reliability: nightly local snapshots, optional cloud upload, hourly
	// WAL checkpoints
	backupService := reliability.NewBackupService(databases, filepath.Join(cfg.DataDir, "backups"), log)
	var cloudBackup *reliability.CloudBackupService
	if cfg.Backup.Enabled {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			log.Error().Err(err).Msg("Cloud backup disabled, S3 client initialization failed")
		} else {
			cloudBackup = reliability.NewCloudBackupService(s3Client, backupService, cfg.DataDir, cfg.Backup.Retention, log)
		}
	}
	nightlyBackup := reliability.NewNightlyBackupJob(backupService, cloudBackup, log)
	maintenance := reliability.NewMaintenanceJob(databases, cfg.DataDir, log)

	schedule := []struct {
		spec string
		job  scheduler.Job
	}{
		{cfg.Schedule.DailyTriggersCron, dailyTriggers},
		{cfg.Schedule.IntradayTriggersCron, intradayTriggers},
		{cfg.Schedule.AllocationSweepCron, allocationSweep},
		{cfg.Schedule.FillPollCron, orderSync},
		{cfg.Schedule.KeepaliveCron, keepalive},
		{cfg.Schedule.BackupCron, nightlyBackup},
		{cfg.Schedule.MaintenanceCron, maintenance},
	}
	for _, entry := range schedule {
		if err := sched.AddJob(entry.spec, entry.job); err != nil {
			log.Fatal().Err(err).Str("job", entry.job.Name()).Str("spec", entry.spec).Msg("Failed to schedule job")
		}
	}
	sched.Start()

	// HTTP server
	srv := server.New(server.Config{
		Log:         log,
		Config:      cfg,
		PortfolioDB: portfolioDB,
		LedgerDB:    ledgerDB,
		HistoryDB:   historyDB,
		ConfigDB:    configDB,
		EventBus:    bus,
		Gateway:     gatewayClient,
		MarketHours: marketHours,
		Modules: []server.RouteRegistrar{
			pieshandlers.NewHandler(pieRepo, pieService, log),
			allocationhandlers.NewHandler(allocationRepo, allocationService, log),
			triggershandlers.NewHandler(ruleRepo, log),
			ordershandlers.NewHandler(orderRepo, log),
			marketdatahandlers.NewHandler(marketService, marketRepo, publisher, log),
			settingshandlers.NewHandler(settingsRepo, log),
		},
	})
	srv.SetJobs(sched, dailyTriggers, intradayTriggers, allocationSweep, orderSync, keepalive, nightlyBackup, maintenance)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sched.Stop()
	if err := fillStream.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Order stream shutdown failed")
	}

	log.Info().Msg("Pietra stopped")
}

// mustOpen opens a database and applies its schema, exiting on failure since
// nothing works without storage.
func mustOpen(log zerolog.Logger, cfg database.Config) *database.DB {
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to migrate database")
	}
	return db
}

package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	"time"

	"botfleet/config"
	"botfleet/internal/adapters/badgerstore"
	"botfleet/internal/adapters/binanceclient"
	"botfleet/internal/adapters/binancews"
	"botfleet/internal/adapters/sqlitestore"
	"botfleet/internal/adapters/zaplog"
	"botfleet/internal/agent"
	"botfleet/internal/batch"
	"botfleet/internal/connector"
	"botfleet/internal/domain"
	"botfleet/internal/marketdata"
	"botfleet/internal/orchestrator"
	"botfleet/internal/ports"
	"botfleet/internal/ratelimit"
	"botfleet/internal/reporter"
	"botfleet/internal/strategy"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := zaplog.New(zaplog.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})
	defer appLogger.Sync()
	ctx := context.Background()
	appLogger.Info(ctx, "logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Store
	store, err := openStore(cfg, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize store")
		log.Fatalf("FATAL: Failed to initialize store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing store")
		}
	}()
	appLogger.Info(ctx, "store initialized", map[string]interface{}{
		"backend": cfg.StoreBackend, "path": cfg.StorePath,
	})

	// 4. Initialize Market Data Hub
	wsDialer := binancews.NewDialer(cfg.IsTestnet)
	hub := marketdata.New(marketdata.DialerFunc(func(ctx context.Context, symbol string) (marketdata.Stream, error) {
		return wsDialer.Dial(ctx, symbol)
	}), appLogger)
	defer hub.Close()

	// 5. Shared venue rate limiter, scoped per user key inside each client
	limiter := ratelimit.New()

	// 6. Initialize Batch Persistence Queue
	queue, err := batch.New(batch.Config{
		Store:                 store,
		Logger:                appLogger,
		FlushInterval:         cfg.BatchFlushInterval,
		MaxPendingUserUpdates: cfg.MaxPendingUserFlush,
		MaxPendingTrades:      cfg.MaxPendingTradeFlush,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize batch queue")
		log.Fatalf("FATAL: Failed to initialize batch queue: %v", err)
	}

	// 7. Initialize Orchestrator
	orch, err := orchestrator.New(orchestrator.Config{
		NewVenue: func(userID string, creds orchestrator.Credentials) (agent.Venue, error) {
			client, err := binanceclient.New(binanceclient.Config{
				APIKey:     creds.APIKey,
				SecretKey:  creds.SecretKey,
				UseTestnet: cfg.IsTestnet,
				Logger:     appLogger,
				Limiter:    limiter,
				LimiterKey: userID,
			})
			if err != nil {
				return nil, err
			}
			conn, err := connector.New(connector.Config{
				UserID:   userID,
				Exchange: client,
				Prices:   hub,
				Logger:   appLogger,
			})
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		NewAgent: func(userID string, botCfg domain.BotConfig, venue agent.Venue, onTrade func(domain.Trade)) (orchestrator.ManagedAgent, error) {
			strat, err := strategy.NewEMACross(strategy.EMACrossConfig{
				FastPeriod: 9,
				SlowPeriod: 21,
				Logger:     appLogger,
			})
			if err != nil {
				return nil, err
			}
			ag, err := agent.New(agent.Config{
				UserID:   userID,
				Bot:      botCfg,
				Venue:    venue,
				Prices:   hub,
				Strategy: strat,
				Logger:   appLogger,
				OnTrade:  onTrade,
			})
			if err != nil {
				return nil, err
			}
			return ag, nil
		},
		Queue:            queue,
		Logger:           appLogger,
		MonitorInterval:  cfg.MonitorInterval,
		MaxStartsPerUser: cfg.MaxStartsPerUser,
		StartRateWindow:  cfg.StartRateWindow,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize orchestrator")
		log.Fatalf("FATAL: Failed to initialize orchestrator: %v", err)
	}
	appLogger.Info(ctx, "orchestrator ready, accepting start requests", map[string]interface{}{
		"testnet":         cfg.IsTestnet,
		"monitorInterval": cfg.MonitorInterval.String(),
	})

	// 8. Block until termination, then shut the fleet down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info(ctx, "signal received, shutting down", map[string]interface{}{"signal": sig.String()})

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, err, "orchestrator shutdown reported an error")
	}

	// 9. Final fleet report
	reporter.WriteFleetTable(os.Stdout, orch.Statuses())
	reporter.WriteSystemStats(os.Stdout, orch.Stats())
	appLogger.Info(ctx, "shutdown complete")
}

// openStore selects the persistence backend from configuration.
func openStore(cfg *config.Config, logger ports.Logger) (ports.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		return sqlitestore.New(sqlitestore.Config{DBPath: cfg.StorePath, Logger: logger})
	default:
		return badgerstore.New(badgerstore.Config{Dir: cfg.StorePath, Logger: logger})
	}
}

package main

import (
	"context"
	"log" // Standard log only for fatal errors before the logger is ready
	"os"
	"os/signal"
	"syscall"
	"time"

	"futuresPositionBot/config"
	"futuresPositionBot/internal/adapters/binanceclient"
	"futuresPositionBot/internal/adapters/logger"
	"futuresPositionBot/internal/adapters/okxclient"
	"futuresPositionBot/internal/adapters/sqlite"
	"futuresPositionBot/internal/api"
	"futuresPositionBot/internal/app"
	"futuresPositionBot/internal/ports"
	"futuresPositionBot/internal/recovery"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize Exchange Client
	var exchange ports.ExchangeClient
	switch cfg.Exchange {
	case config.ExchangeBinance:
		exchange, err = binanceclient.New(binanceclient.Config{
			APIKey:     cfg.BinanceAPIKey,
			SecretKey:  cfg.BinanceSecretKey,
			UseTestnet: cfg.BinanceTestnet,
			Logger:     appLogger,
		})
	default:
		exchange, err = okxclient.New(okxclient.Config{
			APIKey:     cfg.OKXAPIKey,
			APISecret:  cfg.OKXAPISecret,
			Passphrase: cfg.OKXPassphrase,
			Demo:       cfg.OKXDemo,
			Logger:     appLogger,
		})
	}
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize exchange client")
		log.Fatalf("FATAL: Failed to initialize exchange client: %v", err)
	}
	appLogger.Info(ctx, "Exchange client initialized", map[string]interface{}{
		"exchange": cfg.Exchange, "configured": exchange.IsConfigured(),
	})

	// 5. Initialize Recovery Policy
	policy, err := recovery.NewPolicy(repo, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize recovery policy")
		log.Fatalf("FATAL: Failed to initialize recovery policy: %v", err)
	}

	// 6. Initialize Application Service and Monitor
	tradingService, err := app.NewTradingService(cfg, appLogger, exchange, repo)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	monitor, err := app.NewMonitor(cfg, appLogger, exchange, repo, repo, policy)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize monitor")
		log.Fatalf("FATAL: Failed to initialize monitor: %v", err)
	}

	// 7. Initialize API Server
	server, err := api.NewServer(cfg, appLogger, tradingService, monitor, exchange, repo, repo)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize API server")
		log.Fatalf("FATAL: Failed to initialize API server: %v", err)
	}

	// 8. Run until interrupted
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLogger.Info(ctx, "Shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			appLogger.Error(ctx, err, "API server exited with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := monitor.Stop(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, err, "Error stopping monitor")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, err, "Error shutting down API server")
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}

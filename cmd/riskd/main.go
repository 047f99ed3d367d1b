package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/audit"
	"github.com/Aidin1998/pincex_risk/internal/config"
	"github.com/Aidin1998/pincex_risk/internal/engine"
	"github.com/Aidin1998/pincex_risk/internal/execution"
	"github.com/Aidin1998/pincex_risk/internal/marketdata"
	"github.com/Aidin1998/pincex_risk/internal/position"
	"github.com/Aidin1998/pincex_risk/internal/roll"
	"github.com/Aidin1998/pincex_risk/internal/server"
	"github.com/Aidin1998/pincex_risk/internal/telemetry"
	"github.com/Aidin1998/pincex_risk/internal/volatility"
	"github.com/Aidin1998/pincex_risk/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Bootstrap logger for config loading; rebuilt from config below
	bootLogger, err := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Load configuration with hot reload
	cfgMgr := config.NewManager(bootLogger)
	var cfgPaths []string
	if p := os.Getenv("RISKD_CONFIG"); p != "" {
		cfgPaths = append(cfgPaths, p)
	}
	if err := cfgMgr.Load(cfgPaths...); err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := cfgMgr.Current()

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer zapLogger.Sync()

	ctx := context.Background()

	// OpenTelemetry
	otelShutdown, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	// Redis mirror, optional
	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		if err := client.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("Redis unreachable, running without mirror", zap.Error(err))
		}
		cancel()
		rdb = client
	}

	// Market data
	var feed *marketdata.WebSocketFeed
	if cfg.MarketData.WebsocketURL != "" {
		feed = marketdata.NewWebSocketFeed(cfg.MarketData, zapLogger)
	} else {
		zapLogger.Warn("No websocket URL configured, running without a live feed")
	}
	builder := marketdata.NewBarBuilder(cfg.MarketData.BarInterval, zapLogger)

	sources := []marketdata.BarSource{builder}
	if rdb != nil {
		mirror := marketdata.NewRedisBarSource(rdb, zapLogger)
		builder.SetMirror(mirror)
		sources = append(sources, mirror)
	}

	// Core components
	volCache := volatility.NewCache(cfg.Volatility.CacheTTL, rdb, zapLogger)
	volEngine := volatility.NewEngine(cfg.Volatility, sources, volCache, zapLogger)
	tracker := position.NewTracker(zapLogger)
	rollEngine := roll.NewEngine(cfg.Roll, zapLogger)
	auditPub := audit.NewPublisher(cfg.Kafka, cfg.Audit, zapLogger)
	bus := execution.NewBus(cfg.Kafka, cfg.Execution, zapLogger)
	chains := marketdata.NewChainSource(rdb, zapLogger)

	eng := engine.New(cfg, engine.Deps{
		Feed:       feed,
		Builder:    builder,
		Volatility: volEngine,
		Tracker:    tracker,
		Roll:       rollEngine,
		Audit:      auditPub,
		Bus:        bus,
		Chains:     chains,
		Redis:      rdb,
	}, zapLogger)
	cfgMgr.RegisterReloadCallback(eng.ApplyConfig)

	srv := server.NewServer(zapLogger, eng, cfgMgr)

	// Start services
	if err := auditPub.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start audit publisher", zap.Error(err))
	}
	if err := bus.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start execution bus", zap.Error(err))
	}
	if err := eng.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start risk engine", zap.Error(err))
	}

	go func() {
		if err := srv.Start(); err != nil {
			zapLogger.Fatal("Ops server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	if err := srv.Stop(); err != nil {
		zapLogger.Error("Failed to stop ops server", zap.Error(err))
	}
	eng.Stop()
	bus.Stop()
	auditPub.Stop()
	if err := cfgMgr.Stop(); err != nil {
		zapLogger.Error("Failed to stop config watcher", zap.Error(err))
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			zapLogger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if err := otelShutdown(ctx); err != nil {
		zapLogger.Error("Failed to flush telemetry", zap.Error(err))
	}

	zapLogger.Info("Shutdown complete")
}

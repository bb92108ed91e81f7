package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ordexlabs/ordex/internal/bus"
	"github.com/ordexlabs/ordex/internal/config"
	"github.com/ordexlabs/ordex/internal/execution"
	"github.com/ordexlabs/ordex/internal/lock"
	"github.com/ordexlabs/ordex/internal/order"
	"github.com/ordexlabs/ordex/internal/quota"
	"github.com/ordexlabs/ordex/internal/risk"
	"github.com/ordexlabs/ordex/internal/server"
	"github.com/ordexlabs/ordex/internal/trade"
	"github.com/ordexlabs/ordex/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("ORDEX_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	gin.SetMode(cfg.Server.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(cfg.Database.DSN)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	orderStore := order.NewGormStore(db)
	tradeStore := trade.NewGormStore(db)
	limitStore := risk.NewGormLimitStore(db)
	for _, m := range []interface{ Migrate() error }{orderStore, tradeStore, limitStore} {
		if err := m.Migrate(); err != nil {
			zapLogger.Fatal("Migration failed", zap.Error(err))
		}
	}

	// Quota ledger and lock manager run on Redis in multi-node deployments
	// and in-process otherwise.
	var (
		ledger quota.Ledger
		locks  lock.Manager
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		ledger = quota.NewRedisLedger(client)
		locks = lock.NewRedisManager(client, logger.Named(zapLogger, "lock"))
	} else {
		zapLogger.Warn("Redis not configured, using in-process quota ledger and lock manager")
		ledger = quota.NewMemoryLedger()
		locks = lock.NewMemoryManager()
	}

	var eventBus bus.Bus
	if cfg.Kafka.Enabled {
		eventBus = bus.NewKafkaBus(cfg.Kafka, logger.Named(zapLogger, "bus"))
	} else {
		zapLogger.Warn("Kafka disabled, using in-process event bus")
		eventBus = bus.NewMemoryBus(logger.Named(zapLogger, "bus"))
	}
	defer eventBus.Close()

	riskSvc := risk.NewService(limitStore, ledger, cfg, logger.Named(zapLogger, "risk"))
	orderSvc := order.NewService(orderStore, locks, riskSvc, eventBus, cfg, logger.Named(zapLogger, "order"))
	engine := execution.NewEngine(orderSvc, tradeStore, riskSvc, eventBus, cfg, logger.Named(zapLogger, "execution"))

	if err := engine.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start execution engine", zap.Error(err))
	}
	zapLogger.Info("execution engine started", zap.String("engine", engine.String()))

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(logger.Named(zapLogger, "http"), orderSvc, riskSvc, tradeStore).Router(),
	}

	go func() {
		zapLogger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown failed", zap.Error(err))
	}
	cancel()
}

// openDatabase picks the driver from the DSN: postgres for server DSNs,
// sqlite for file/memory DSNs (local mode).
func openDatabase(dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{TranslateError: true}
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") || dsn == ":memory:" {
		return gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	return gorm.Open(postgres.Open(dsn), gormCfg)
}

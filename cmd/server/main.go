/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the grower payment ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env file, environment, then flags)
  2. Build the logrus logger
  3. Open the SQL store (SQLite or MySQL) and migrate the schema
  4. Connect to Redis when configured, else use the in-process cache
  5. Create API handler and router
  6. Start server with graceful shutdown

ENVIRONMENT:
  HTTP_PORT                          HTTP server port (default: 8080)
  DB_DRIVER                          sqlite3 or mysql (default: sqlite3)
  DB_DSN                             Database path or DSN (default: grower-ledger.db)
                                     Use ":memory:" for an in-memory database
  DB_MAX_OPEN_CONNS                  MySQL pool size (default: driver default)
  REDIS_ADDRESS                      Redis for cache and reconciliation locks
  CACHE_TTL_SECONDS                  Payment type cache TTL (default: 300)
  LOG_LEVEL, LOG_FORMAT              logrus level and "json" or "text"
  CONSOLIDATION_MAX_BATCHES_WARNING  Warn above this many batches (default: 5)
  CONSOLIDATION_AMOUNT_WARNING       Warn above this amount (default: 10000)
  RECONCILIATION_LOCK_TTL_SECONDS    Reconciliation lock TTL (default: 60)

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides HTTP_PORT)
  -driver  Database driver (overrides DB_DRIVER)
  -db      Database path or DSN (overrides DB_DSN)

EXAMPLES:
  # Run with in-memory database
  ./server -db=":memory:"

  # Run against MySQL
  ./server -driver=mysql -db="ledger:secret@tcp(localhost:3306)/ledger"

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close Redis and database connections
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/api"
	"github.com/warp/grower-ledger/cache"
	"github.com/warp/grower-ledger/config"
	"github.com/warp/grower-ledger/consolidation"
	"github.com/warp/grower-ledger/store/sqlstore"
)

func main() {
	cfg := config.Load()

	// Flags override the environment
	flag.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP server port")
	flag.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "Database driver (sqlite3 or mysql)")
	flag.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "Database path or DSN")
	flag.Parse()

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	// Initialize store
	store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN, sqlstore.Options{MaxOpenConns: cfg.DBMaxOpenConns})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Cache and distributed lock
	var (
		c      cache.Cache  = cache.NewMemory()
		locker cache.Locker = cache.NoopLocker{}
	)
	if cfg.RedisAddress != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := cache.Dial(ctx, cfg.RedisAddress)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("address", cfg.RedisAddress).
				Warn("redis unavailable, falling back to in-process cache")
		} else {
			defer rdb.Close()
			c = cache.NewRedis(rdb, "ledger:")
			locker = cache.NewRedisLocker(rdb, "ledger:lock:")
		}
	}

	handler := api.NewHandler(store, cache.NewPaymentTypes(c, cfg.CacheTTL, logger), api.Options{
		Consolidation: consolidation.Config{
			MaxBatchesWarning:      cfg.ConsolidationMaxBatchesWarning,
			AmountWarningThreshold: cfg.ConsolidationAmountWarning,
		},
		Locker:  locker,
		LockTTL: cfg.ReconciliationLockTTL,
	}, logger)

	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"port": cfg.HTTPPort, "driver": store.Driver()}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server stopped")
}

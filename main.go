package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/yashasviy/wallet-ledger-api/api"
	"github.com/yashasviy/wallet-ledger-api/config"
	"github.com/yashasviy/wallet-ledger-api/db"
	"github.com/yashasviy/wallet-ledger-api/ledger"
	"github.com/yashasviy/wallet-ledger-api/logger"
	"github.com/yashasviy/wallet-ledger-api/memstore"
	"github.com/yashasviy/wallet-ledger-api/middleware"
	"github.com/yashasviy/wallet-ledger-api/redisstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Redis, when a component needs it
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		log.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	}

	// 2. Balance store
	var store ledger.Store
	switch cfg.Store {
	case config.StorePostgres:
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Initialize(ctx, conn); err != nil {
			return err
		}
		store = db.NewStore(conn)
	case config.StoreRedis:
		store = redisstore.New(rdb, redisstore.Options{
			LockExpiry: cfg.RedisLockExpiry,
			Logger:     log.Named("redisstore"),
		})
	default:
		store = memstore.New()
	}
	log.Info("balance store ready", zap.String("store", cfg.Store))

	// 3. Engine and router
	engine := ledger.NewEngine(store, ledger.WithLogger(log.Named("ledger")))

	opts := api.Options{Logger: log.Named("api")}
	if cfg.IdempotencyEnabled {
		opts.Mutating = middleware.Idempotency(rdb, log.Named("idempotency"))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(engine, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 4. Serve until a signal arrives, then drain in-flight requests
	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.HTTPAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the campus shuttle booking server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, SHUTTLE_* environment)
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory)
  4. Connect the Redis booking cache, if configured
  5. Create the engine service, optionally seed demo data
  6. Start the wallet auditor and the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor
  4. Close cache and database connections

EXAMPLES:
  # SQLite file database with demo data
  ./server -db="./data/shuttle.db" -seed

  # PostgreSQL with Redis cache
  ./server -driver=postgres -db="postgres://localhost/shuttle" -redis=localhost:6379

  # Everything in memory
  ./server -driver=memory -seed

SEE ALSO:
  - config/config.go: Flags and environment variables
  - api/server.go: Router configuration
*/
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/campusride/shuttle-engine/api"
	"github.com/campusride/shuttle-engine/cache"
	"github.com/campusride/shuttle-engine/config"
	"github.com/campusride/shuttle-engine/engine"
	"github.com/campusride/shuttle-engine/engine/store"
	"github.com/campusride/shuttle-engine/logging"
	"github.com/campusride/shuttle-engine/store/postgres"
	"github.com/campusride/shuttle-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

// backend is what the server needs from a store beyond engine.TxStore.
type backend struct {
	engine.TxStore
	ping  func(context.Context) error
	close func()
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return &backend{TxStore: st, ping: st.Ping, close: st.Close}, nil
	case config.DriverMemory:
		return &backend{TxStore: store.NewMemory(), close: func() {}}, nil
	default:
		st, err := sqlite.New(cfg.DB)
		if err != nil {
			return nil, err
		}
		return &backend{TxStore: st, ping: st.Ping, close: func() { st.Close() }}, nil
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	db, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.Driver, err)
	}
	defer db.close()
	log.Info("store ready", zap.String("driver", cfg.Driver))

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithStorageTimeout(cfg.StorageTimeout),
		engine.WithFareCalculator(engine.NewFareCalculator(engine.NewPoints(cfg.PerSegment))),
	}

	// Optional booking cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing with cache errors logged", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		opts = append(opts, engine.WithCache(cache.NewRedis(rdb, cfg.CacheTTL)))
		log.Info("booking cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
	}

	svc := engine.NewService(db, opts...)

	if cfg.Seed {
		if err := api.LoadDemo(ctx, svc, db, time.Now().UTC()); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		log.Info("demo data loaded")
	}

	handler := api.NewHandler(svc, log)
	if db.ping != nil {
		handler.Health = db.ping
	}

	auditor := api.NewWalletAuditor(svc, log, cfg.AuditInterval)
	auditor.Start()
	defer auditor.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

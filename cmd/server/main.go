/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the bakehouse server: bake day scheduling,
  production capacity reservations and the auto-lock scheduler.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, environment, flags)
  2. Build the zap logger
  3. Open the store (memory, SQLite or Postgres) and migrate
  4. Create API handler with dependencies
  5. Start the lock scheduler (restores timers, runs a first sweep)
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port (overrides config)
  -driver  Store driver: memory | sqlite | postgres (overrides config)
  -db      SQLite path or Postgres DSN, by driver (overrides config)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the scheduler after its in-flight fire
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/bakehouse.db"

  # Run against Postgres
  ./server -driver=postgres -db="postgres://bakery@localhost/bakehouse"

  # Run with everything in memory on a different port
  ./server -driver=memory -port=3000

ENVIRONMENT:
  See config/config.go (BAKEHOUSE_*).

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Database implementations
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/bakehouse/api"
	"github.com/warp/bakehouse/config"
	"github.com/warp/bakehouse/metrics"
	"github.com/warp/bakehouse/store/memory"
	"github.com/warp/bakehouse/store/postgres"
	"github.com/warp/bakehouse/store/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bakehouse: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	driver := flag.String("driver", "", "Store driver: memory, sqlite or postgres")
	db := flag.String("db", "", "SQLite database path or Postgres DSN")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if *db != "" {
		if cfg.Store.Driver == config.DriverPostgres {
			cfg.Store.DSN = *db
		} else {
			cfg.Store.Path = *db
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	policy, err := cfg.CutoffPolicy()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize handler
	handler := api.NewHandler(store, api.Options{
		Policy:  policy,
		Manager: cfg.ManagerConfig(),
		Metrics: metrics.New(reg),
		Logger:  logger,
	})
	handler.Scheduler.SweepInterval = cfg.Scheduler.SweepInterval
	handler.Scheduler.Retry = cfg.Scheduler.Retry.Capacity()
	handler.Scheduler.Enabled = cfg.Scheduler.Enabled

	handler.Scheduler.Start(ctx)
	defer handler.Scheduler.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("timezone", policy.Location.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (api.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

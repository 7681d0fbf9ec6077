package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/cascade/internal/config"
	"github.com/zjrosen/cascade/internal/engine"
	"github.com/zjrosen/cascade/internal/infrastructure/rediscache"
	"github.com/zjrosen/cascade/internal/infrastructure/sqlite"
	"github.com/zjrosen/cascade/internal/log"
	"github.com/zjrosen/cascade/internal/registry"
	"github.com/zjrosen/cascade/internal/scheduler"
	"github.com/zjrosen/cascade/internal/server"
	"github.com/zjrosen/cascade/internal/state"
	"github.com/zjrosen/cascade/internal/tracing"
)

var coordinatorAddr string

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator daemon",
	Long: `Run the coordinator as a daemon exposing the HTTP API for workflow
management and the websocket endpoint workers connect to.

State is persisted to sqlite (unless disabled) so workflows survive
restarts; in-flight jobs found at startup are retried or failed with
their retry budget.

Example:
  cascade coordinator                       # Listen on localhost:8080
  cascade coordinator --addr :9000          # Listen on port 9000
  CASCADE_DEBUG=1 cascade coordinator       # With debug logging`,
	RunE: runCoordinator,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)

	coordinatorCmd.Flags().StringVar(&coordinatorAddr, "addr", "", "Address to listen on (overrides config)")
}

func runCoordinator(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("coordinator")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tracerProvider, err := newTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	// Persistence tiers
	var opts state.Options
	if cfg.Database.Enabled {
		db, err := sqlite.NewDB(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		opts.Durable = db.Repository()
	}
	if cfg.Redis.Enabled {
		cache, err := rediscache.New(context.Background(), cfg.Redis.Addr)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer cache.Close()
		opts.Cache = cache
	}

	store := state.New(opts)
	if err := store.Rebuild(context.Background()); err != nil {
		return fmt.Errorf("rebuilding state: %w", err)
	}

	sched := scheduler.New(store)
	eng := engine.New(store, sched)
	defer eng.Close()
	reg := registry.NewWithThresholds(store, eng, sched,
		cfg.Heartbeat.CheckInterval, cfg.Heartbeat.Timeout)

	// Jobs that were in flight when the previous coordinator died
	// consume a retry and go back through scheduling.
	eng.ReconcileAfterRestart(context.Background())

	addr := coordinatorAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}

	srv, err := server.NewServer(server.NewHandler(store, eng, reg), addr,
		tracing.HTTPMiddleware(tracerProvider.Tracer()))
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reg.MonitorHeartbeats(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("Cascade coordinator started on port %d\n", srv.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "error stopping API server", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatTrace, "error shutting down tracing", err)
	}

	fmt.Println("Coordinator stopped")
	return nil
}

func newTracerProvider(tcfg tracing.Config) (*tracing.Provider, error) {
	if tcfg.Enabled && tcfg.Exporter == "file" && tcfg.FilePath == "" {
		tcfg.FilePath = config.DefaultTracesFilePath()
	}
	return tracing.NewProvider(tcfg)
}

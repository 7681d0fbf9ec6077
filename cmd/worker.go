package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/cascade/internal/config"
	"github.com/zjrosen/cascade/internal/worker"
	"github.com/zjrosen/cascade/internal/workflow"
)

var (
	workerID           string
	workerCoordinator  string
	workerCapabilities []string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node",
	Long: `Run a worker node that connects to the coordinator, registers its
capabilities, and executes assigned jobs.

Example:
  cascade worker                                        # All job types
  cascade worker --id worker-1 --capabilities processing,cleanup
  cascade worker --coordinator ws://prod-host:8080`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker identifier (default: generated)")
	workerCmd.Flags().StringVar(&workerCoordinator, "coordinator", "", "Coordinator websocket URL (overrides config)")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capabilities", nil, "Job types this worker executes (default: all)")
}

func runWorker(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("worker")
	if err != nil {
		return err
	}
	defer cleanup()

	wcfg := cfg.Worker
	if workerID != "" {
		wcfg.ID = workerID
	}
	if workerCoordinator != "" {
		wcfg.CoordinatorURL = workerCoordinator
	}
	if len(workerCapabilities) > 0 {
		wcfg.Capabilities = workerCapabilities
	}
	if err := config.Validate(config.Config{Worker: wcfg}); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	capabilities := make([]workflow.JobType, 0, len(wcfg.Capabilities))
	for _, c := range wcfg.Capabilities {
		capabilities = append(capabilities, workflow.JobType(c))
	}

	w := worker.New(worker.Options{
		ID:                wcfg.ID,
		CoordinatorURL:    wcfg.CoordinatorURL,
		Capabilities:      capabilities,
		HeartbeatInterval: wcfg.HeartbeatInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	fmt.Printf("Worker %s connecting to %s\n", w.ID(), wcfg.CoordinatorURL)
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	fmt.Println("Worker stopped")
	return nil
}

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/engine"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/profile"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral - cluster lifecycle orchestration engine",
	Long: `Corral manages homogeneous clusters of nodes through typed,
queued lifecycle actions: create, scale, heal, update, destroy.

Every mutation is an action executed by a worker pool under
cooperative locks, so multiple engines can share one store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(engineCmd)
}

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Manage the Corral engine",
}

var engineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an engine instance",
	Long: `Run an engine instance against the configured data directory.

The engine registers itself in the service registry, heartbeats on the
periodic interval, and claims queued actions with its worker pool. More
than one instance may run against a shared store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		workers, _ := cmd.Flags().GetInt("workers")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := log.InfoLevel
		if verbose {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if workers > 0 {
			cfg.Workers = workers
		}

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		host, _ := os.Hostname()
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		eng := engine.New(cfg, store, clock.NewReal(), broker, host)
		// nodes run on the fake driver until a real one is registered
		eng.Profiles().SetFallback(profile.NewFakeDriver())

		if err := eng.Start(); err != nil {
			return fmt.Errorf("failed to start engine: %v", err)
		}

		metrics.Register()
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Errorf("metrics endpoint failed", err)
				}
			}()
		}

		fmt.Printf("Engine %s is running. Press Ctrl+C to stop.\n", eng.ServiceID())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		eng.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	engineCmd.AddCommand(engineRunCmd)

	engineRunCmd.Flags().String("config", "", "Path to the YAML config file")
	engineRunCmd.Flags().String("data-dir", "", "Data directory for engine state (overrides config)")
	engineRunCmd.Flags().String("metrics-addr", "127.0.0.1:9191", "Address for the Prometheus metrics endpoint")
	engineRunCmd.Flags().Int("workers", 0, "Dispatcher pool size (overrides config)")
	engineRunCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

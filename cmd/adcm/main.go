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

	"github.com/cuemby/adcm/pkg/api"
	"github.com/cuemby/adcm/pkg/gateway"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/metrics"
	"github.com/cuemby/adcm/pkg/runner"
	"github.com/cuemby/adcm/pkg/upgrade"
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
	Use:   "adcm",
	Short: "ADCM - cluster and host lifecycle manager",
	Long: `ADCM manages clusters, services, components, providers and hosts
described by uploaded bundles, and runs their actions as tasks.

Run "adcm serve" to start the control plane; the other commands talk
to a running instance over its API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ADCM version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", "127.0.0.1:8070", "API address of a running instance")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ADCM control plane",
	Long: `Run the ADCM control plane: the store, the task runner, the plugin
gateway, the gRPC API and the health/metrics endpoint.

Settings come from --config when given; flags override the file.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("data-dir", "./adcm-data", "Data directory for the store, bundles and job runs")
	f.String("api-addr", "127.0.0.1:8070", "Address for the gRPC API")
	f.String("metrics-addr", "127.0.0.1:9090", "Address for health and metrics")
	f.String("socket", "", "Unix socket for read-only local access")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Log in JSON")
	f.Int("workers", 4, "Number of tasks run concurrently")
}

func serveConfig(cmd *cobra.Command) (*manager.Config, error) {
	f := cmd.Flags()
	cfg := manager.DefaultConfig()
	if path, _ := f.GetString("config"); path != "" {
		loaded, err := manager.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
		cfg.BundleRoot, cfg.RunRoot = "", ""
	}
	if f.Changed("api-addr") {
		cfg.APIAddr, _ = f.GetString("api-addr")
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-json") {
		cfg.LogJSON, _ = f.GetBool("log-json")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
	return cfg.Normalize(), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveConfig(cmd)
	if err != nil {
		return err
	}
	socket, _ := cmd.Flags().GetString("socket")

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	fmt.Println("Starting ADCM...")
	fmt.Printf("  API Address: %s\n", cfg.APIAddr)
	fmt.Printf("  Metrics Address: %s\n", cfg.MetricsAddr)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Println()

	mgr, err := manager.NewManager(cfg)
	if err != nil {
		return fmt.Errorf("failed to create manager: %v", err)
	}
	metrics.RegisterComponent("store", true, "")
	fmt.Println("✓ Store opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := runner.New(mgr, runner.ConfigFrom(cfg), nil)
	launch := launcher.New(mgr, run)
	upgrades := upgrade.New(mgr, launch)
	run.SetSwitcher(upgrades)

	recovered, err := run.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover tasks: %v", err)
	}
	if recovered > 0 {
		logger.Warn().Int("tasks", recovered).Msg("Marked interrupted tasks as broken")
	}
	run.Start(ctx)
	metrics.RegisterComponent("runner", true, "")
	fmt.Println("✓ Runner started")

	collector := metrics.NewCollector(mgr.Store())
	collector.Start()

	apiServer := api.NewServer(api.Deps{
		Manager:  mgr,
		Runner:   run,
		Launcher: launch,
		Upgrades: upgrades,
		Gateway:  gateway.New(mgr),
	})
	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	if socket != "" {
		if err := apiServer.StartLocal(socket); err != nil {
			return fmt.Errorf("failed to listen on %s: %v", socket, err)
		}
		fmt.Printf("✓ Local socket listening on %s\n", socket)
	}
	metrics.RegisterComponent("api", true, "")
	fmt.Println("✓ API server started")

	health := api.NewHealthServer(mgr)
	go func() {
		if err := health.Start(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server error: %v", err)
		}
	}()

	go sweepTokens(ctx, mgr)

	fmt.Println()
	fmt.Println("ADCM is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	metrics.UpdateComponent("api", false, "shutting down")
	apiServer.Stop()
	_ = health.Stop()
	cancel()
	run.Stop()
	collector.Stop()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// sweepTokens drops expired task tokens until ctx ends
func sweepTokens(ctx context.Context, mgr *manager.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Tokens().CleanupExpiredTokens()
		}
	}
}

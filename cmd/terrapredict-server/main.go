// Package main provides the TerraPredict server binary.
// It serves prediction jobs and segmentation evaluation over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrapredict/terrapredict/internal/config"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
	"github.com/terrapredict/terrapredict/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "terrapredict-server",
		Short: "TerraPredict Server - raster prediction and segmentation evaluation",
		Long: `TerraPredict Server runs raster prediction jobs through the external
prediction command line and scores segmentation output against ground truth.

Endpoints:
  POST /predict                 run a prediction job and wait for it
  GET  /predict/jobs[/{id}]     prediction job history
  POST /v1/evaluation/raster    confusion-matrix evaluation of label rasters
  POST /v1/evaluation/vector    polygon evaluation of GeoJSON predictions
  GET  /health                  health check
  GET  /                        liveness stub (answers after a delay)

Examples:
  terrapredict-server                          # Start with defaults on :5000
  terrapredict-server --port 8080              # Custom port
  terrapredict-server -c terrapredict.yaml     # Load a config file`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	// Server flags
	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("port", 5000, "HTTP server port")
	rootCmd.Flags().String("host", "0.0.0.0", "server host")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("terrapredict-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")

	// Load config
	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override from flags
	if cmd.Flags().Changed("port") {
		appCfg.Port = port
	}
	if cmd.Flags().Changed("host") {
		appCfg.Host = host
	}
	if verbose {
		appCfg.Log.Level = "debug"
	}

	log := logger.New(appCfg.Log.Level, appCfg.Log.Format)
	log.Info("Starting TerraPredict Server",
		"version", version,
		"addr", appCfg.Address(),
		"storage_root", appCfg.Predict.StorageRoot,
		"bus", appCfg.Bus.Type,
		"jobs", appCfg.Jobs.Type,
	)
	if appCfg.IsDevelopment() {
		log.Debug("Effective configuration", "predict", appCfg.Predict, "eval", appCfg.Eval)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Version = version
	srv, err := server.New(srvCfg, appCfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal (platform-specific: Unix includes SIGQUIT, Windows does not)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals...)

	select {
	case err := <-errCh:
		srv.Stop(context.Background())
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-sigCh:
		log.Info("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

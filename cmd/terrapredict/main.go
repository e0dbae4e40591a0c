// Package main provides the terrapredict command line tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrapredict/terrapredict/internal/config"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "terrapredict",
		Short: "TerraPredict - run raster predictions and score segmentation output",
		Long: `TerraPredict runs raster prediction jobs and evaluates semantic
segmentation output against ground truth without a server.

Run 'terrapredict-server' to expose the same operations over HTTP.
Run 'terrapredict --help' for available commands.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		evalCmd(),
		eventsCmd(),
		predictCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the global config flag and builds a logger writing to
// stderr so stdout stays machine readable.
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, logger.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("terrapredict %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrapredict/terrapredict/internal/predict"
)

func predictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run a prediction job locally and wait for it",
		Long: `Run the configured prediction command for one model and raster layer.

The model artifact is resolved as <storage root>/<model><extension>. The
command's output is streamed to this terminal; the finished job record is
printed as JSON.`,
		RunE: runPredict,
	}

	cmd.Flags().String("model", "", "model id")
	cmd.Flags().String("layer-path", "", "raster layer to predict on")
	cmd.Flags().String("folder", "", "output folder")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("layer-path")
	cmd.MarkFlagRequired("folder")

	return cmd
}

func runPredict(cmd *cobra.Command, _ []string) error {
	appCfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	req := predict.Request{}
	req.Model, _ = cmd.Flags().GetString("model")
	req.LayerPath, _ = cmd.Flags().GetString("layer-path")
	req.Folder, _ = cmd.Flags().GetString("folder")
	if err := req.Validate(); err != nil {
		return err
	}

	runner := &predict.CommandRunner{
		Command:     appCfg.Predict.Command,
		Args:        appCfg.Predict.Args,
		StderrLimit: appCfg.Predict.StderrLimit,
		Stdout:      os.Stderr,
		Stderr:      os.Stderr,
	}
	svc := predict.NewService(appCfg.Predict, runner, nil, nil, log)

	job, err := svc.Predict(cmd.Context(), req)
	if job != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(job)
	}
	if err != nil {
		return fmt.Errorf("prediction failed: %w", err)
	}
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/classes"
	"github.com/terrapredict/terrapredict/internal/evaluation"
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate segmentation output against ground truth",
	}

	cmd.PersistentFlags().String("classes", "", "class config file (YAML or JSON)")
	cmd.PersistentFlags().StringP("output", "o", "", "write the report to a path or gs:// URI instead of stdout")
	cmd.MarkPersistentFlagRequired("classes")

	cmd.AddCommand(evalRasterCmd(), evalVectorCmd())
	return cmd
}

func evalRasterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "raster",
		Short: "Confusion-matrix evaluation of label rasters",
		Long: `Compare ground truth and prediction label rasters pixel by pixel.

Pass a single scene with --gt and --pred, or many with --scenes pointing at a
YAML/JSON list of {id, ground_truth, prediction, rgb} entries.`,
		RunE: runEvalRaster,
	}

	cmd.Flags().String("gt", "", "ground truth label raster")
	cmd.Flags().String("pred", "", "prediction label raster")
	cmd.Flags().String("scene-id", "scene", "scene id for --gt/--pred")
	cmd.Flags().Bool("rgb", false, "rasters hold class colors rather than class ids")
	cmd.Flags().String("scenes", "", "scene list file")
	cmd.Flags().Int("window-size", 0, "evaluation window size in pixels (overrides config)")
	cmd.Flags().Int("workers", 0, "concurrent windows and scenes (overrides config)")

	return cmd
}

func runEvalRaster(cmd *cobra.Command, _ []string) error {
	appCfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadClasses(cmd)
	if err != nil {
		return err
	}

	scenes, err := scenesFromFlags(cmd)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetInt("window-size"); v > 0 {
		appCfg.Eval.WindowSize = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		appCfg.Eval.Workers = v
	}

	opener := blob.NewOpener(appCfg.Storage.EnableGCS)
	defer opener.Close()

	ctx := cmd.Context()
	e := evaluation.NewEvaluator(opener, nil, evaluation.OptionsFromConfig(appCfg.Eval), log)
	report, err := e.EvaluateScenes(ctx, cfg, scenes)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output != "" {
		if err := report.Save(ctx, opener, output); err != nil {
			return err
		}
		log.Info("Report saved", "uri", output)
		return nil
	}
	return printJSON(report)
}

func scenesFromFlags(cmd *cobra.Command) ([]evaluation.Scene, error) {
	listPath, _ := cmd.Flags().GetString("scenes")
	gt, _ := cmd.Flags().GetString("gt")
	pred, _ := cmd.Flags().GetString("pred")

	if listPath != "" {
		if gt != "" || pred != "" {
			return nil, fmt.Errorf("--scenes cannot be combined with --gt/--pred")
		}
		data, err := os.ReadFile(listPath)
		if err != nil {
			return nil, fmt.Errorf("reading scene list: %w", err)
		}
		var scenes []evaluation.Scene
		if err := yaml.Unmarshal(data, &scenes); err != nil {
			return nil, fmt.Errorf("parsing scene list: %w", err)
		}
		return scenes, nil
	}

	if gt == "" || pred == "" {
		return nil, fmt.Errorf("--gt and --pred are required without --scenes")
	}
	id, _ := cmd.Flags().GetString("scene-id")
	rgb, _ := cmd.Flags().GetBool("rgb")
	return []evaluation.Scene{{ID: id, GroundTruth: gt, Prediction: pred, RGB: rgb}}, nil
}

func evalVectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vector",
		Short: "Polygon evaluation of GeoJSON predictions",
		Long: `Match predicted polygons against ground truth polygons one to one by IoU.

Each --pred file is paired with the --class-id (and optional --mode) at the
same position.`,
		RunE: runEvalVector,
	}

	cmd.Flags().String("gt", "", "ground truth GeoJSON")
	cmd.Flags().StringArray("pred", nil, "prediction GeoJSON (repeatable)")
	cmd.Flags().IntSlice("class-id", nil, "class id for each --pred")
	cmd.Flags().StringSlice("mode", nil, "mode for each --pred (polygons or buildings)")
	cmd.Flags().Float64("iou-threshold", 0, "minimum IoU for a match (overrides config)")
	cmd.MarkFlagRequired("gt")
	cmd.MarkFlagRequired("pred")

	return cmd
}

func runEvalVector(cmd *cobra.Command, _ []string) error {
	appCfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadClasses(cmd)
	if err != nil {
		return err
	}

	gt, _ := cmd.Flags().GetString("gt")
	preds, _ := cmd.Flags().GetStringArray("pred")
	ids, _ := cmd.Flags().GetIntSlice("class-id")
	modes, _ := cmd.Flags().GetStringSlice("mode")

	if len(ids) != len(preds) {
		return fmt.Errorf("got %d --class-id values for %d --pred files", len(ids), len(preds))
	}
	if len(modes) > 0 && len(modes) != len(preds) {
		return fmt.Errorf("got %d --mode values for %d --pred files", len(modes), len(preds))
	}
	outputs := make([]evaluation.VectorOutput, len(preds))
	for i := range preds {
		outputs[i].ClassID = ids[i]
		if len(modes) > 0 {
			outputs[i].Mode = modes[i]
		}
	}

	if v, _ := cmd.Flags().GetFloat64("iou-threshold"); v > 0 {
		appCfg.Eval.IoUThreshold = v
	}

	opener := blob.NewOpener(appCfg.Storage.EnableGCS)
	defer opener.Close()

	ctx := cmd.Context()
	e := evaluation.NewEvaluator(opener, nil, evaluation.OptionsFromConfig(appCfg.Eval), log)
	ev, err := e.EvaluateVector(ctx, cfg, gt, preds, outputs)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output != "" {
		return ev.Save(ctx, opener, output)
	}
	return printJSON(ev)
}

func loadClasses(cmd *cobra.Command) (*classes.Config, error) {
	path, _ := cmd.Flags().GetString("classes")
	cfg, err := classes.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.EnsureNullClass()
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

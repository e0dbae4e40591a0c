package evaluation

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/bus"
	"github.com/terrapredict/terrapredict/internal/classes"
	"github.com/terrapredict/terrapredict/internal/labels"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

const eventSource = "evaluation"

// Scene pairs a ground truth label raster with a prediction raster.
type Scene struct {
	ID          string `json:"id" yaml:"id"`
	GroundTruth string `json:"ground_truth" yaml:"ground_truth"`
	Prediction  string `json:"prediction" yaml:"prediction"`
	// RGB marks rasters whose pixels are class colors rather than IDs.
	RGB bool `json:"rgb,omitempty" yaml:"rgb,omitempty"`
}

// Report aggregates scene evaluations.
type Report struct {
	Overall  *Evaluation            `json:"overall"`
	PerScene map[string]*Evaluation `json:"per_scene"`
}

// Evaluator runs scene-level evaluations and announces finished reports
// on the bus.
type Evaluator struct {
	opener *blob.Opener
	bus    bus.Bus
	opts   Options
	log    *logger.Logger
}

// NewEvaluator creates a new evaluator. bus may be nil.
func NewEvaluator(opener *blob.Opener, b bus.Bus, opts Options, log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Default()
	}
	return &Evaluator{
		opener: opener,
		bus:    b,
		opts:   opts.normalized(),
		log:    log,
	}
}

// EvaluateScenes evaluates every scene and merges them into an overall
// evaluation. Scenes are processed concurrently; any failure aborts the
// whole report.
func (e *Evaluator) EvaluateScenes(ctx context.Context, cfg *classes.Config, scenes []Scene) (*Report, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("no scenes to evaluate")
	}
	seen := make(map[string]bool, len(scenes))
	for _, s := range scenes {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate scene id %q", s.ID)
		}
		seen[s.ID] = true
	}

	report := &Report{PerScene: make(map[string]*Evaluation, len(scenes))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for _, scene := range scenes {
		g.Go(func() error {
			ev, err := e.evaluateScene(gctx, cfg, scene)
			if err != nil {
				return fmt.Errorf("scene %s: %w", scene.ID, err)
			}
			mu.Lock()
			report.PerScene[scene.ID] = ev
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	overall, err := New(cfg, e.opts)
	if err != nil {
		return nil, err
	}
	for _, s := range scenes {
		if err := overall.Merge(report.PerScene[s.ID]); err != nil {
			return nil, err
		}
	}
	report.Overall = overall

	e.publish(ctx, map[string]any{
		"mode":   ModeRaster,
		"scenes": len(scenes),
		"recall": overall.Average().Metrics[MetricRecall],
	})

	return report, nil
}

func (e *Evaluator) evaluateScene(ctx context.Context, cfg *classes.Config, scene Scene) (*Evaluation, error) {
	log := e.log.WithScene(scene.ID)

	gt, err := labels.Open(ctx, e.opener, scene.GroundTruth, cfg, scene.RGB)
	if err != nil {
		return nil, err
	}
	pred, err := labels.Open(ctx, e.opener, scene.Prediction, cfg, scene.RGB)
	if err != nil {
		return nil, err
	}

	ev, err := New(cfg, e.opts)
	if err != nil {
		return nil, err
	}
	if err := ev.Compute(ctx, gt, pred); err != nil {
		return nil, err
	}

	log.Debug("Scene evaluated",
		"pixels", ev.ConfusionMatrix().Total(),
		"recall", float64(ev.Average().Metrics[MetricRecall]),
	)
	return ev, nil
}

// EvaluateVector scores polygon prediction files against a ground truth
// GeoJSON file.
func (e *Evaluator) EvaluateVector(ctx context.Context, cfg *classes.Config, gtURI string, predURIs []string, outputs []VectorOutput) (*Evaluation, error) {
	ev, err := New(cfg, e.opts)
	if err != nil {
		return nil, err
	}
	if err := ev.ComputeVector(ctx, e.opener, gtURI, predURIs, outputs); err != nil {
		return nil, err
	}

	e.publish(ctx, map[string]any{
		"modes":        vectorModes(outputs),
		"ground_truth": gtURI,
		"outputs":      len(outputs),
	})
	return ev, nil
}

// vectorModes returns the distinct modes of outputs, sorted.
func vectorModes(outputs []VectorOutput) []string {
	modes := make([]string, 0, len(outputs))
	for _, vo := range outputs {
		modes = append(modes, modeOrDefault(vo.Mode))
	}
	slices.Sort(modes)
	return slices.Compact(modes)
}

// Save writes the report to a local path or gs:// URI.
func (r *Report) Save(ctx context.Context, opener *blob.Opener, uri string) error {
	data, err := jsonIndent(r)
	if err != nil {
		return err
	}
	return opener.WriteFile(ctx, uri, data)
}

func (e *Evaluator) publish(ctx context.Context, payload map[string]any) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(bus.TopicEvaluationCompleted, eventSource, "", payload)
	if err := e.bus.Publish(ctx, bus.TopicEvaluationCompleted, event); err != nil {
		e.log.Warn("Failed to publish evaluation event", "error", err.Error())
	}
}

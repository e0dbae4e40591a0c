// Package evaluation scores semantic segmentation predictions against
// ground truth. Raster labels are compared pixel by pixel through a
// confusion matrix; vector labels are compared polygon by polygon.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/classes"
	"github.com/terrapredict/terrapredict/internal/config"
	"github.com/terrapredict/terrapredict/internal/labels"
	"github.com/terrapredict/terrapredict/internal/vector"
)

// Options tune how an evaluation is computed.
type Options struct {
	// WindowSize is the side of the square windows labels are read in.
	WindowSize int
	// Workers bounds concurrent window reads.
	Workers int
	// IoUThreshold is the minimum IoU for a predicted polygon to match.
	IoUThreshold float64
	// VectorResolution is the sampling grid used to estimate intersections.
	VectorResolution int
}

// DefaultOptions returns the defaults used by the server.
func DefaultOptions() Options {
	return Options{
		WindowSize:       512,
		Workers:          4,
		IoUThreshold:     0.5,
		VectorResolution: 256,
	}
}

// OptionsFromConfig maps the eval config section to Options.
func OptionsFromConfig(cfg config.EvalConfig) Options {
	return Options{
		WindowSize:       cfg.WindowSize,
		Workers:          cfg.Workers,
		IoUThreshold:     cfg.IoUThreshold,
		VectorResolution: cfg.VectorResolution,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.WindowSize <= 0 {
		o.WindowSize = d.WindowSize
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.IoUThreshold <= 0 {
		o.IoUThreshold = d.IoUThreshold
	}
	if o.VectorResolution <= 0 {
		o.VectorResolution = d.VectorResolution
	}
	return o
}

// Evaluation holds raster and vector results for one class config.
type Evaluation struct {
	classes *classes.Config
	opts    Options

	conf  *ConfusionMatrix
	items []*ClassItem
	avg   *AverageItem

	// vector results keyed by class ID, with the raw match counts kept
	// so evaluations can be merged.
	vectorItems  map[int]*ClassItem
	vectorCounts map[int]vector.Result
}

// New returns an empty evaluation over cfg's classes.
func New(cfg *classes.Config, opts Options) (*Evaluation, error) {
	if cfg == nil || cfg.Len() == 0 {
		return nil, fmt.Errorf("class config has no classes")
	}
	return &Evaluation{
		classes:      cfg,
		opts:         opts.normalized(),
		vectorItems:  make(map[int]*ClassItem),
		vectorCounts: make(map[int]vector.Result),
	}, nil
}

// Compute fills the confusion matrix by comparing gt and pred window by
// window over gt's extent, then derives per-class and average metrics.
// Prediction cells outside pred's extent count as the null class.
func (e *Evaluation) Compute(ctx context.Context, gt, pred labels.Source) error {
	n := e.classes.Len()
	total := NewConfusionMatrix(n)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for _, w := range labels.Windows(gt.Extent(), e.opts.WindowSize) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			gtArr, err := gt.LabelArray(w)
			if err != nil {
				return fmt.Errorf("ground truth window %v: %w", w, err)
			}
			predArr, err := pred.LabelArray(w)
			if err != nil {
				return fmt.Errorf("prediction window %v: %w", w, err)
			}

			local := NewConfusionMatrix(n)
			if err := local.AddArrays(gtArr, predArr); err != nil {
				return fmt.Errorf("window %v: %w", w, err)
			}

			mu.Lock()
			defer mu.Unlock()
			return total.Merge(local)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return e.ComputeFromConfusion(total)
}

// ComputeFromConfusion replaces the raster results with those derived
// from cm.
func (e *Evaluation) ComputeFromConfusion(cm *ConfusionMatrix) error {
	if cm.Size() != e.classes.Len() {
		return fmt.Errorf("confusion matrix has %d classes, class config has %d", cm.Size(), e.classes.Len())
	}

	items := make([]*ClassItem, cm.Size())
	for id := range items {
		items[id] = ClassItemFromConfusion(cm, id, e.classes.Name(id))
	}

	e.conf = cm
	e.items = items
	e.avg = newAverageItem(items, cm)
	return nil
}

// ComputeVector evaluates polygon predictions. predURIs[i] is scored for
// outputs[i].ClassID against the ground truth polygons of that class.
func (e *Evaluation) ComputeVector(ctx context.Context, opener *blob.Opener, gtURI string, predURIs []string, outputs []VectorOutput) error {
	if len(predURIs) != len(outputs) {
		return fmt.Errorf("got %d prediction files for %d vector outputs", len(predURIs), len(outputs))
	}
	for _, vo := range outputs {
		if vo.ClassID < 0 || vo.ClassID >= e.classes.Len() {
			return fmt.Errorf("vector output class %d out of range", vo.ClassID)
		}
		switch vo.Mode {
		case "", ModePolygons, ModeBuildings:
		default:
			return fmt.Errorf("unknown vector output mode %q", vo.Mode)
		}
	}

	gt, err := vector.Load(ctx, opener, gtURI)
	if err != nil {
		return err
	}

	results := make([]vector.Result, len(outputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i, uri := range predURIs {
		g.Go(func() error {
			pred, err := vector.Load(gctx, opener, uri)
			if err != nil {
				return err
			}
			classID := outputs[i].ClassID
			results[i] = vector.Match(
				vector.Polygons(gt, classID),
				vector.Polygons(pred, classID),
				e.opts.IoUThreshold,
				e.opts.VectorResolution,
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, vo := range outputs {
		e.setVector(vo.ClassID, modeOrDefault(vo.Mode), results[i])
	}
	return nil
}

func modeOrDefault(mode string) string {
	if mode == "" {
		return ModePolygons
	}
	return mode
}

func (e *Evaluation) setVector(classID int, mode string, res vector.Result) {
	item := NewClassItem(classID, e.classes.Name(classID),
		float64(res.TP), float64(res.FP), float64(res.FN), math.NaN())
	item.Mode = mode

	e.vectorCounts[classID] = res
	e.vectorItems[classID] = item
}

// Merge folds other's counts into e, as if both had been computed
// together. Both must use the same number of classes.
func (e *Evaluation) Merge(other *Evaluation) error {
	if other.classes.Len() != e.classes.Len() {
		return fmt.Errorf("cannot merge evaluations over %d and %d classes", other.classes.Len(), e.classes.Len())
	}

	if other.conf != nil {
		merged := other.conf.Clone()
		if e.conf != nil {
			merged = e.conf.Clone()
			if err := merged.Merge(other.conf); err != nil {
				return err
			}
		}
		if err := e.ComputeFromConfusion(merged); err != nil {
			return err
		}
	}

	for id, res := range other.vectorCounts {
		sum := e.vectorCounts[id]
		sum.TP += res.TP
		sum.FP += res.FP
		sum.FN += res.FN
		e.setVector(id, other.vectorItems[id].Mode, sum)
	}
	return nil
}

// ConfusionMatrix returns the raster confusion matrix, or nil before
// Compute.
func (e *Evaluation) ConfusionMatrix() *ConfusionMatrix { return e.conf }

// Items returns the raster per-class items ordered by class ID.
func (e *Evaluation) Items() []*ClassItem { return e.items }

// Item returns the raster item for classID, or nil.
func (e *Evaluation) Item(classID int) *ClassItem {
	if classID < 0 || classID >= len(e.items) {
		return nil
	}
	return e.items[classID]
}

// VectorItem returns the vector item for classID, or nil.
func (e *Evaluation) VectorItem(classID int) *ClassItem { return e.vectorItems[classID] }

// Average returns the support-weighted raster average, or nil before
// Compute.
func (e *Evaluation) Average() *AverageItem { return e.avg }

type evaluationJSON struct {
	Overall  *AverageItem `json:"overall,omitempty"`
	PerClass []*ClassItem `json:"per_class,omitempty"`
	Vector   []*ClassItem `json:"vector,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Evaluation) MarshalJSON() ([]byte, error) {
	out := evaluationJSON{Overall: e.avg, PerClass: e.items}
	for id := 0; id < e.classes.Len(); id++ {
		if it, ok := e.vectorItems[id]; ok {
			out.Vector = append(out.Vector, it)
		}
	}
	return json.Marshal(out)
}

// JSON returns the indented report.
func (e *Evaluation) JSON() ([]byte, error) {
	return jsonIndent(e)
}

func jsonIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// Save writes the report to a local path or gs:// URI.
func (e *Evaluation) Save(ctx context.Context, opener *blob.Opener, uri string) error {
	data, err := e.JSON()
	if err != nil {
		return err
	}
	return opener.WriteFile(ctx, uri, data)
}

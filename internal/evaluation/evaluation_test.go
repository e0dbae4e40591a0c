package evaluation

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/classes"
	"github.com/terrapredict/terrapredict/internal/labels"
)

const (
	gtPolygons   = "../vector/testdata/2-gt-polygons.geojson"
	predPolygons = "../vector/testdata/2-pred-polygons.geojson"
)

func twoClassConfig(t *testing.T) *classes.Config {
	t.Helper()
	cfg := classes.New("one", "two")
	require.NoError(t, cfg.Update())
	cfg.EnsureNullClass()
	return cfg
}

func arraySource(t *testing.T, g *labels.Grid, null int) *labels.ArraySource {
	t.Helper()
	src, err := labels.NewArraySource(g, null)
	require.NoError(t, err)
	return src
}

// fourByFour builds the 4x4 scene: ground truth has class 1 at (2,2) and
// the null class at (0,0); the prediction has class 1 at (1,1).
func fourByFour(t *testing.T, null int) (gt, pred labels.Source) {
	t.Helper()
	g := labels.NewGrid(4, 4, 0)
	g.Set(2, 2, 1)
	g.Set(0, 0, 2)

	p := labels.NewGrid(4, 4, 0)
	p.Set(1, 1, 1)

	return arraySource(t, g, null), arraySource(t, p, null)
}

func assertNaN(t *testing.T, m Metric, msg string) {
	t.Helper()
	assert.True(t, m.IsNaN(), "%s: expected NaN, got %v", msg, float64(m))
}

func TestCompute(t *testing.T) {
	cfg := twoClassConfig(t)
	null := cfg.NullClassID()
	require.Equal(t, 2, null)

	// Window size 3 splits the 4x4 extent into uneven tiles.
	ev, err := New(cfg, Options{WindowSize: 3, Workers: 2})
	require.NoError(t, err)

	gt, pred := fourByFour(t, null)
	require.NoError(t, ev.Compute(context.Background(), gt, pred))

	tp0, fp0, fn0 := 13.0, 2.0, 1.0
	precision0 := tp0 / (tp0 + fp0)
	recall0 := tp0 / (tp0 + fn0)
	f10 := 2 * precision0 * recall0 / (precision0 + recall0)

	item0 := ev.Item(0)
	require.NotNil(t, item0)
	assert.InDelta(t, precision0, float64(item0.Precision), 1e-12)
	assert.InDelta(t, recall0, float64(item0.Recall), 1e-12)
	assert.InDelta(t, f10, float64(item0.F1), 1e-12)

	item1 := ev.Item(1)
	assert.Equal(t, 0.0, float64(item1.Precision))
	assert.Equal(t, 0.0, float64(item1.Recall))
	assertNaN(t, item1.F1, "class 1 f1")

	item2 := ev.Item(2)
	assert.Equal(t, 0.0, float64(item2.Recall))
	assertNaN(t, item2.Precision, "null precision")
	assertNaN(t, item2.F1, "null f1")

	avg := ev.Average()
	assert.Equal(t, [][]float64{{13, 1, 0}, {1, 0, 0}, {1, 0, 0}}, avg.ConfMat.Rows())

	avgRecall := (14.0/16.0)*recall0 + (1.0/16.0)*0 + (1.0/16.0)*0
	assert.InDelta(t, avgRecall, float64(avg.Metrics[MetricRecall]), 1e-12)
	assert.Equal(t, 16.0, float64(avg.GTCount))

	// Precision averages skip the undefined null class.
	assert.InDelta(t, (14.0/16.0)*precision0, float64(avg.Metrics[MetricPrecision]), 1e-12)
}

func TestComputeSingleWindowMatchesTiled(t *testing.T) {
	cfg := twoClassConfig(t)
	gt, pred := fourByFour(t, cfg.NullClassID())

	one, err := New(cfg, Options{WindowSize: 64})
	require.NoError(t, err)
	require.NoError(t, one.Compute(context.Background(), gt, pred))

	tiled, err := New(cfg, Options{WindowSize: 1, Workers: 8})
	require.NoError(t, err)
	require.NoError(t, tiled.Compute(context.Background(), gt, pred))

	assert.Equal(t, one.ConfusionMatrix().Rows(), tiled.ConfusionMatrix().Rows())
}

func TestComputePadsSmallerPrediction(t *testing.T) {
	cfg := twoClassConfig(t)
	null := cfg.NullClassID()

	gt := arraySource(t, labels.NewGrid(2, 2, 0), null)
	pred := arraySource(t, labels.NewGrid(1, 2, 0), null)

	ev, err := New(cfg, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, ev.Compute(context.Background(), gt, pred))

	cm := ev.ConfusionMatrix()
	assert.Equal(t, 2.0, cm.At(0, 0))
	assert.Equal(t, 2.0, cm.At(0, null))
}

func TestComputeRejectsUnknownClass(t *testing.T) {
	cfg := twoClassConfig(t)
	g := labels.NewGrid(2, 2, 0)
	g.Set(1, 1, 7)

	ev, err := New(cfg, DefaultOptions())
	require.NoError(t, err)
	err = ev.Compute(context.Background(), arraySource(t, g, 2), arraySource(t, labels.NewGrid(2, 2, 0), 2))
	assert.ErrorContains(t, err, "out of range")
}

func TestComputeCanceled(t *testing.T) {
	cfg := twoClassConfig(t)
	gt, pred := fourByFour(t, cfg.NullClassID())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev, err := New(cfg, Options{WindowSize: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, ev.Compute(ctx, gt, pred), context.Canceled)
}

func TestNewRequiresClasses(t *testing.T) {
	_, err := New(nil, DefaultOptions())
	assert.Error(t, err)
	_, err = New(&classes.Config{}, DefaultOptions())
	assert.Error(t, err)
}

func TestComputeVector(t *testing.T) {
	cfg := twoClassConfig(t)
	ev, err := New(cfg, DefaultOptions())
	require.NoError(t, err)

	err = ev.ComputeVector(context.Background(), blob.NewOpener(false),
		gtPolygons, []string{predPolygons}, []VectorOutput{{ClassID: 0}})
	require.NoError(t, err)

	tp, fp, fn := 1.0, 1.0, 1.0
	item := ev.VectorItem(0)
	require.NotNil(t, item)
	assert.InDelta(t, tp/(tp+fp), float64(item.Precision), 1e-12)
	assert.InDelta(t, tp/(tp+fn), float64(item.Recall), 1e-12)
	assertNaN(t, item.Specificity, "vector specificity")

	data, err := json.Marshal(item)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "polygons", decoded["mode"])
	assert.Nil(t, decoded["true_neg"])
}

func TestComputeVectorValidation(t *testing.T) {
	cfg := twoClassConfig(t)
	ev, err := New(cfg, DefaultOptions())
	require.NoError(t, err)
	opener := blob.NewOpener(false)
	ctx := context.Background()

	err = ev.ComputeVector(ctx, opener, gtPolygons, []string{predPolygons}, nil)
	assert.Error(t, err)

	err = ev.ComputeVector(ctx, opener, gtPolygons, []string{predPolygons}, []VectorOutput{{ClassID: 9}})
	assert.Error(t, err)

	err = ev.ComputeVector(ctx, opener, gtPolygons, []string{predPolygons}, []VectorOutput{{ClassID: 0, Mode: "points"}})
	assert.Error(t, err)

	err = ev.ComputeVector(ctx, opener, gtPolygons, []string{"missing.geojson"}, []VectorOutput{{ClassID: 0}})
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	cfg := twoClassConfig(t)
	gt, pred := fourByFour(t, cfg.NullClassID())
	ctx := context.Background()
	opener := blob.NewOpener(false)

	a, err := New(cfg, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, a.Compute(ctx, gt, pred))
	require.NoError(t, a.ComputeVector(ctx, opener, gtPolygons, []string{predPolygons}, []VectorOutput{{ClassID: 0, Mode: ModeBuildings}}))

	b, err := New(cfg, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.Compute(ctx, gt, pred))
	require.NoError(t, b.ComputeVector(ctx, opener, gtPolygons, []string{predPolygons}, []VectorOutput{{ClassID: 0, Mode: ModeBuildings}}))

	require.NoError(t, a.Merge(b))
	assert.Equal(t, [][]float64{{26, 2, 0}, {2, 0, 0}, {2, 0, 0}}, a.ConfusionMatrix().Rows())
	// Ratios are unchanged when identical counts are merged.
	assert.InDelta(t, 13.0/15.0, float64(a.Item(0).Precision), 1e-12)

	v := a.VectorItem(0)
	assert.Equal(t, 2.0, float64(v.TP))
	assert.Equal(t, ModeBuildings, v.Mode)

	empty, err := New(cfg, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, empty.Merge(b))
	assert.Equal(t, b.ConfusionMatrix().Rows(), empty.ConfusionMatrix().Rows())

	other, err := New(classes.New("x"), DefaultOptions())
	require.NoError(t, err)
	assert.Error(t, a.Merge(other))
}

func TestEvaluationJSON(t *testing.T) {
	cfg := twoClassConfig(t)
	gt, pred := fourByFour(t, cfg.NullClassID())

	ev, err := New(cfg, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, ev.Compute(context.Background(), gt, pred))

	data, err := ev.JSON()
	require.NoError(t, err)

	var decoded struct {
		Overall struct {
			ConfMat [][]float64        `json:"conf_mat"`
			Metrics map[string]*float64 `json:"metrics"`
		} `json:"overall"`
		PerClass []map[string]any `json:"per_class"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, [][]float64{{13, 1, 0}, {1, 0, 0}, {1, 0, 0}}, decoded.Overall.ConfMat)
	require.NotNil(t, decoded.Overall.Metrics[MetricRecall])
	require.Len(t, decoded.PerClass, 3)
	assert.Equal(t, "null", decoded.PerClass[2]["class_name"])
	assert.Nil(t, decoded.PerClass[2]["precision"], "NaN encodes as null")

	path := filepath.Join(t.TempDir(), "out", "eval.json")
	opener := blob.NewOpener(false)
	require.NoError(t, ev.Save(context.Background(), opener, path))
	saved, err := opener.ReadAll(context.Background(), path)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(saved))
}

func TestMetricJSON(t *testing.T) {
	data, err := json.Marshal([]Metric{0.5, NaN(), Metric(math.Inf(1)), 2})
	require.NoError(t, err)
	assert.Equal(t, "[0.5,null,null,2]", string(data))

	var back []Metric
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, 4)
	assert.Equal(t, Metric(0.5), back[0])
	assert.True(t, back[1].IsNaN())
}

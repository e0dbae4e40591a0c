package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrapredict/terrapredict/internal/blob"
	"github.com/terrapredict/terrapredict/internal/bus"
	"github.com/terrapredict/terrapredict/internal/classes"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

// writeLabelPNG writes a 4x4 gray label raster with the given cells set.
func writeLabelPNG(t *testing.T, path string, cells map[image.Point]uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for p, v := range cells {
		img.SetGray(p.X, p.Y, color.Gray{Y: v})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

type sceneFiles struct {
	dir string
	gt  string
	pd  string
}

func fourByFourScene(t *testing.T) sceneFiles {
	t.Helper()
	dir := t.TempDir()
	s := sceneFiles{dir: dir, gt: filepath.Join(dir, "gt.png"), pd: filepath.Join(dir, "pred.png")}
	writeLabelPNG(t, s.gt, map[image.Point]uint8{{2, 2}: 1, {0, 0}: 2})
	writeLabelPNG(t, s.pd, map[image.Point]uint8{{1, 1}: 1})
	return s
}

type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *recordingBus) Publish(ctx context.Context, topic string, event bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string, handler bus.Handler) error {
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) last() bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestEvaluateScenes(t *testing.T) {
	s := fourByFourScene(t)
	rec := &recordingBus{}
	e := NewEvaluator(blob.NewOpener(false), rec, DefaultOptions(), logger.Discard())

	report, err := e.EvaluateScenes(context.Background(), twoClassConfig(t), []Scene{
		{ID: "a", GroundTruth: s.gt, Prediction: s.pd},
		{ID: "b", GroundTruth: s.gt, Prediction: s.pd},
	})
	require.NoError(t, err)

	require.Len(t, report.PerScene, 2)
	assert.Equal(t, [][]float64{{13, 1, 0}, {1, 0, 0}, {1, 0, 0}}, report.PerScene["a"].ConfusionMatrix().Rows())
	assert.Equal(t, [][]float64{{26, 2, 0}, {2, 0, 0}, {2, 0, 0}}, report.Overall.ConfusionMatrix().Rows())
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, bus.TopicEvaluationCompleted, rec.events[0].Type)

	out := filepath.Join(s.dir, "report.json")
	require.NoError(t, report.Save(context.Background(), blob.NewOpener(false), out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"per_scene"`)
}

func TestEvaluateScenesErrors(t *testing.T) {
	s := fourByFourScene(t)
	e := NewEvaluator(blob.NewOpener(false), nil, DefaultOptions(), logger.Discard())
	cfg := twoClassConfig(t)
	ctx := context.Background()

	_, err := e.EvaluateScenes(ctx, cfg, nil)
	assert.Error(t, err)

	_, err = e.EvaluateScenes(ctx, cfg, []Scene{
		{ID: "a", GroundTruth: s.gt, Prediction: s.pd},
		{ID: "a", GroundTruth: s.gt, Prediction: s.pd},
	})
	assert.ErrorContains(t, err, "duplicate")

	_, err = e.EvaluateScenes(ctx, cfg, []Scene{
		{ID: "a", GroundTruth: s.gt, Prediction: filepath.Join(s.dir, "missing.png")},
	})
	assert.ErrorContains(t, err, "scene a")
}

func TestEvaluateVector(t *testing.T) {
	rec := &recordingBus{}
	e := NewEvaluator(blob.NewOpener(false), rec, DefaultOptions(), logger.Discard())

	ev, err := e.EvaluateVector(context.Background(), twoClassConfig(t), gtPolygons, []string{predPolygons}, []VectorOutput{{ClassID: 0}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, float64(ev.VectorItem(0).Precision), 1e-12)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{ModePolygons}, rec.last().Payload.(map[string]any)["modes"])
}

func TestEvaluateVector_PublishesOutputModes(t *testing.T) {
	rec := &recordingBus{}
	e := NewEvaluator(blob.NewOpener(false), rec, DefaultOptions(), logger.Discard())

	ev, err := e.EvaluateVector(context.Background(), twoClassConfig(t), gtPolygons,
		[]string{predPolygons}, []VectorOutput{{ClassID: 0, Mode: ModeBuildings}})
	require.NoError(t, err)
	assert.Equal(t, ModeBuildings, ev.VectorItem(0).Mode)

	payload := rec.last().Payload.(map[string]any)
	assert.Equal(t, []string{ModeBuildings}, payload["modes"])
	assert.NotContains(t, payload, "mode")
}

func TestVectorModes(t *testing.T) {
	got := vectorModes([]VectorOutput{
		{ClassID: 1, Mode: ModePolygons},
		{ClassID: 0, Mode: ModeBuildings},
		{ClassID: 2},
	})
	assert.Equal(t, []string{ModeBuildings, ModePolygons}, got)
	assert.Empty(t, vectorModes(nil))
}

func newTestHandler(defaults *classes.Config) (*http.ServeMux, *recordingBus) {
	rec := &recordingBus{}
	opener := blob.NewOpener(false)
	h := NewHandler(NewEvaluator(opener, rec, DefaultOptions(), logger.Discard()), opener, defaults, logger.Discard())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, rec
}

func doPost(mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Raster(t *testing.T) {
	s := fourByFourScene(t)
	mux, _ := newTestHandler(nil)

	out := filepath.Join(s.dir, "reports", "raster.json")
	body, _ := json.Marshal(RasterRequest{
		ClassConfig: classes.New("one", "two"),
		Scenes:      []Scene{{ID: "s1", GroundTruth: s.gt, Prediction: s.pd}},
		OutputURI:   out,
	})

	rec := doPost(mux, "/v1/evaluation/raster", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Overall struct {
			Overall struct {
				ConfMat [][]float64 `json:"conf_mat"`
			} `json:"overall"`
		} `json:"overall"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, [][]float64{{13, 1, 0}, {1, 0, 0}, {1, 0, 0}}, resp.Overall.Overall.ConfMat)

	_, err := os.Stat(out)
	assert.NoError(t, err, "report should be saved")
}

func TestHandler_RasterUsesDefaultClasses(t *testing.T) {
	s := fourByFourScene(t)
	mux, _ := newTestHandler(classes.New("one", "two"))

	body := `{"scenes":[{"id":"s1","ground_truth":"` + s.gt + `","prediction":"` + s.pd + `"}]}`
	rec := doPost(mux, "/v1/evaluation/raster", body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandler_RasterBadRequests(t *testing.T) {
	s := fourByFourScene(t)
	mux, _ := newTestHandler(nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"trailing data", `{"class_config":{"names":["a"]},"scenes":[{"id":"x","ground_truth":"` + s.gt + `","prediction":"` + s.pd + `"}]} x`, http.StatusBadRequest},
		{"no scenes", `{"class_config":{"names":["a"]},"scenes":[]}`, http.StatusBadRequest},
		{"blank id", `{"class_config":{"names":["a"]},"scenes":[{"id":" ","ground_truth":"a","prediction":"b"}]}`, http.StatusBadRequest},
		{"no class config", `{"scenes":[{"id":"x","ground_truth":"a","prediction":"b"}]}`, http.StatusBadRequest},
		{"bad class config", `{"class_config":{"names":["a","a"]},"scenes":[{"id":"x","ground_truth":"a","prediction":"b"}]}`, http.StatusBadRequest},
		{"missing file", `{"class_config":{"names":["a"]},"scenes":[{"id":"x","ground_truth":"` + s.gt + `","prediction":"/nonexistent.png"}]}`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doPost(mux, "/v1/evaluation/raster", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var resp map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestHandler_Vector(t *testing.T) {
	mux, rec := newTestHandler(classes.New("one", "two"))

	body, _ := json.Marshal(VectorRequest{
		GroundTruth: gtPolygons,
		Predictions: []string{predPolygons},
		Outputs:     []VectorOutput{{ClassID: 0}},
	})
	resp := doPost(mux, "/v1/evaluation/vector", string(body))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var decoded struct {
		Vector []map[string]any `json:"vector"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &decoded))
	require.Len(t, decoded.Vector, 1)
	assert.Equal(t, "polygons", decoded.Vector[0]["mode"])
	assert.InDelta(t, 0.5, decoded.Vector[0]["precision"], 1e-12)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)

	bad := doPost(mux, "/v1/evaluation/vector", `{"ground_truth":"x","predictions":["a","b"],"outputs":[{"class_id":0}]}`)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

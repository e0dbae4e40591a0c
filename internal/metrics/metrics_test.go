package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/terrapredict/terrapredict/internal/bus"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_counter", "A test counter", nil)

	if c.Value() != 0 {
		t.Errorf("expected initial value 0, got %d", c.Value())
	}

	c.Inc()
	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("expected value 6, got %d", c.Value())
	}

	// Counters can't decrease
	c.Add(-10)
	if c.Value() != 6 {
		t.Errorf("expected value 6 after Add(-10), got %d", c.Value())
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("test_gauge", "A test gauge", nil)

	g.Set(42.5)
	if g.Value() != 42.5 {
		t.Errorf("expected value 42.5, got %f", g.Value())
	}

	g.Inc()
	g.Dec()
	g.Add(-0.25)
	if g.Value() != 42.25 {
		t.Errorf("expected value 42.25, got %f", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("test_histogram", "A test histogram", []float64{100, 1, 10}, nil)

	h.Observe(0.5)
	h.Observe(7)
	h.Observe(150)

	counts, sum, count := h.Snapshot()
	if count != 3 || sum != 157.5 {
		t.Errorf("count = %d, sum = %f", count, sum)
	}
	// Buckets are sorted: 1, 10, 100, +Inf (cumulative).
	want := []int64{1, 2, 2, 3}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("bucket %d = %d, want %d", i, counts[i], want[i])
		}
	}
}

func TestCounterVec(t *testing.T) {
	cv := NewCounterVec("jobs_total", "Jobs", []string{"status"})
	cv.WithLabels("failed").Inc()
	cv.WithLabels("succeeded").Add(2)
	cv.WithLabels("failed").Inc()

	all := cv.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 counters, got %d", len(all))
	}
	if all[0].Labels()["status"] != "failed" || all[0].Value() != 2 {
		t.Errorf("first counter = %v %d", all[0].Labels(), all[0].Value())
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for wrong label count")
		}
	}()
	cv.WithLabels("a", "b")
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	m.PredictionJobs.WithLabels("succeeded").Inc()
	m.PredictionDuration.Observe(12)
	m.EvaluationRecall.WithLabels("raster").Set(0.75)

	out := m.PrometheusFormat()

	for _, want := range []string{
		"# TYPE terrapredict_prediction_jobs_total counter",
		`terrapredict_prediction_jobs_total{status="succeeded"} 1`,
		`terrapredict_prediction_duration_seconds_bucket{le="30"} 1`,
		`terrapredict_prediction_duration_seconds_bucket{le="10"} 0`,
		`terrapredict_prediction_duration_seconds_bucket{le="+Inf"} 1`,
		"terrapredict_prediction_duration_seconds_sum 12",
		`terrapredict_evaluation_recall{mode="raster"} 0.75`,
		"# TYPE terrapredict_uptime_seconds gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}

	// Empty vectors are omitted.
	if strings.Contains(out, "terrapredict_evaluations_total") {
		t.Error("empty counter vector should not be exported")
	}
}

func TestEscapeString(t *testing.T) {
	if got := escapeString("a\"b\\c\nd"); got != `a\"b\\c\nd` {
		t.Errorf("escapeString = %q", got)
	}
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	m.HTTPMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/predict", nil))

	if got := m.HTTPRequests.WithLabels("POST", "418").Value(); got != 1 {
		t.Errorf("http requests = %d, want 1", got)
	}
	if m.HTTPRequestsInFlight.Value() != 0 {
		t.Errorf("in flight = %f, want 0", m.HTTPRequestsInFlight.Value())
	}

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `status="418"`) {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %s", ct)
	}

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestEventSubscriber(t *testing.T) {
	m := New()
	b := bus.NewMemoryBus(logger.Discard())
	defer b.Close()

	ctx := context.Background()
	if err := NewEventSubscriber(m, b).SubscribeToEvents(ctx); err != nil {
		t.Fatalf("SubscribeToEvents: %v", err)
	}

	b.Publish(ctx, bus.TopicPredictionStarted, bus.NewEvent(bus.TopicPredictionStarted, "test", "job-1", nil))
	b.DrainTimeout(time.Second)
	if m.PredictionsInFlight.Value() != 1 {
		t.Errorf("in flight = %f, want 1", m.PredictionsInFlight.Value())
	}

	// Kafka delivers payloads as generic JSON maps.
	b.Publish(ctx, bus.TopicPredictionFailed, bus.NewEvent(bus.TopicPredictionFailed, "test", "job-1",
		map[string]any{"status": "failed", "duration_ns": float64(2 * time.Second)}))
	b.Publish(ctx, bus.TopicEvaluationCompleted, bus.NewEvent(bus.TopicEvaluationCompleted, "test", "",
		map[string]any{"mode": "raster", "recall": 0.5}))
	b.DrainTimeout(time.Second)

	if m.PredictionsInFlight.Value() != 0 {
		t.Errorf("in flight = %f, want 0", m.PredictionsInFlight.Value())
	}
	if got := m.PredictionJobs.WithLabels("failed").Value(); got != 1 {
		t.Errorf("failed jobs = %d, want 1", got)
	}
	if _, sum, _ := m.PredictionDuration.Snapshot(); sum != 2 {
		t.Errorf("duration sum = %f, want 2", sum)
	}
	if got := m.EvaluationRecall.WithLabels("raster").Value(); got != 0.5 {
		t.Errorf("recall = %f, want 0.5", got)
	}
	if got := m.BusEvents.WithLabels(bus.TopicEvaluationCompleted).Value(); got != 1 {
		t.Errorf("bus events = %d, want 1", got)
	}

	b.Publish(ctx, bus.TopicEvaluationCompleted, bus.NewEvent(bus.TopicEvaluationCompleted, "test", "",
		map[string]any{"modes": []string{"buildings"}}))
	b.Publish(ctx, bus.TopicEvaluationCompleted, bus.NewEvent(bus.TopicEvaluationCompleted, "test", "",
		map[string]any{"modes": []any{"buildings", "polygons"}}))
	b.DrainTimeout(time.Second)

	if got := m.Evaluations.WithLabels("buildings").Value(); got != 2 {
		t.Errorf("buildings evaluations = %d, want 2", got)
	}
	if got := m.Evaluations.WithLabels("polygons").Value(); got != 1 {
		t.Errorf("polygons evaluations = %d, want 1", got)
	}
	if got := m.Evaluations.WithLabels("raster").Value(); got != 1 {
		t.Errorf("raster evaluations = %d, want 1", got)
	}
}

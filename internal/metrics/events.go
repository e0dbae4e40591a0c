package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/terrapredict/terrapredict/internal/bus"
)

// EventSubscriber subscribes to the event bus and updates metrics.
type EventSubscriber struct {
	metrics *Metrics
	bus     bus.Bus
}

// NewEventSubscriber creates a new event subscriber.
func NewEventSubscriber(metrics *Metrics, eventBus bus.Bus) *EventSubscriber {
	return &EventSubscriber{
		metrics: metrics,
		bus:     eventBus,
	}
}

// SubscribeToEvents subscribes to prediction and evaluation topics.
func (es *EventSubscriber) SubscribeToEvents(ctx context.Context) error {
	handlers := map[string]bus.Handler{
		bus.TopicPredictionStarted:   es.handlePredictionStarted,
		bus.TopicPredictionCompleted: es.handlePredictionFinished,
		bus.TopicPredictionFailed:    es.handlePredictionFinished,
		bus.TopicEvaluationCompleted: es.handleEvaluationCompleted,
	}
	for topic, h := range handlers {
		if err := es.bus.Subscribe(ctx, topic, h); err != nil {
			return err
		}
	}
	return nil
}

// jobPayload is the part of a prediction event payload metrics read.
type jobPayload struct {
	Status   string `json:"status"`
	Duration int64  `json:"duration_ns"`
}

// evaluationPayload is the part of an evaluation event payload metrics read.
// Raster evaluations carry Mode; vector evaluations carry one entry in
// Modes per distinct output mode.
type evaluationPayload struct {
	Mode   string   `json:"mode"`
	Modes  []string `json:"modes"`
	Recall *float64 `json:"recall"`
}

// decodePayload normalizes a payload that is either the publisher's own
// value (memory bus) or a generic JSON map (Kafka).
func decodePayload(payload any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (es *EventSubscriber) handlePredictionStarted(ctx context.Context, event bus.Event) error {
	es.metrics.BusEvents.WithLabels(event.Type).Inc()
	es.metrics.PredictionsInFlight.Inc()
	return nil
}

func (es *EventSubscriber) handlePredictionFinished(ctx context.Context, event bus.Event) error {
	es.metrics.BusEvents.WithLabels(event.Type).Inc()
	es.metrics.PredictionsInFlight.Dec()

	var p jobPayload
	if err := decodePayload(event.Payload, &p); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = "unknown"
	}
	es.metrics.PredictionJobs.WithLabels(p.Status).Inc()
	es.metrics.PredictionDuration.Observe(time.Duration(p.Duration).Seconds())
	return nil
}

func (es *EventSubscriber) handleEvaluationCompleted(ctx context.Context, event bus.Event) error {
	es.metrics.BusEvents.WithLabels(event.Type).Inc()

	var p evaluationPayload
	if err := decodePayload(event.Payload, &p); err != nil {
		return err
	}
	modes := p.Modes
	if p.Mode != "" {
		modes = append(modes, p.Mode)
	}
	if len(modes) == 0 {
		modes = []string{"unknown"}
	}
	for _, mode := range modes {
		es.metrics.Evaluations.WithLabels(mode).Inc()
	}
	if p.Recall != nil && p.Mode != "" {
		es.metrics.EvaluationRecall.WithLabels(p.Mode).Set(*p.Recall)
	}
	return nil
}

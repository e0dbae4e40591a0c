package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/terrapredict/terrapredict/internal/pkg/errors"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

// KafkaBus is a Kafka-based event bus implementation.
type KafkaBus struct {
	config   KafkaConfig
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	client   sarama.Client
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	// Consumer coordination. One loop consumes every subscribed topic;
	// sessionCancel ends the current session so the loop rejoins with a
	// new topic list.
	consumerWg     sync.WaitGroup
	consumerStop   chan struct{}
	consumerCancel context.CancelFunc
	consumerCtx    context.Context
	consuming      bool
	sessionCancel  context.CancelFunc
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string // Kafka broker addresses
	ConsumerGroup string   // Consumer group ID
	ClientID      string   // Client identifier
	Version       string   // Kafka version (e.g., "2.8.0")
	TopicPrefix   string   // Prepended to every bus topic
	Log           *logger.Logger
}

// NewKafkaBus creates a new Kafka-based event bus.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}

	// Set defaults
	if cfg.ClientID == "" {
		cfg.ClientID = "terrapredict-bus"
	}
	if cfg.Version == "" {
		cfg.Version = "2.8.0"
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = version
	kafkaConfig.ClientID = cfg.ClientID
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.ReadTimeout = 10 * time.Second
	kafkaConfig.Net.WriteTimeout = 10 * time.Second

	client, err := sarama.NewClient(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka client", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka producer", err)
	}

	consumer, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka consumer group", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		config:         cfg,
		producer:       producer,
		consumer:       consumer,
		client:         client,
		log:            cfg.Log,
		handlers:       make(map[string][]Handler),
		consumerStop:   make(chan struct{}),
		consumerCtx:    ctx,
		consumerCancel: cancel,
	}, nil
}

// kafkaTopic maps a bus topic to its Kafka topic name.
func (b *KafkaBus) kafkaTopic(topic string) string {
	return b.config.TopicPrefix + topic
}

// busTopic maps a consumed Kafka topic back to its bus topic.
func (b *KafkaBus) busTopic(kafkaTopic string) string {
	return strings.TrimPrefix(kafkaTopic, b.config.TopicPrefix)
}

// kafkaTopics returns the sorted Kafka topics that have handlers.
// Callers hold b.mu.
func (b *KafkaBus) kafkaTopics() []string {
	topics := make([]string, 0, len(b.handlers))
	for topic, hs := range b.handlers {
		if len(hs) > 0 {
			topics = append(topics, b.kafkaTopic(topic))
		}
	}
	slices.Sort(topics)
	return topics
}

// Publish publishes an event to a Kafka topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: b.kafkaTopic(topic),
		Value: sarama.ByteEncoder(data),
		Key:   sarama.StringEncoder(partitionKey(event)),
	}

	if event.CorrelationID != "" {
		msg.Headers = []sarama.RecordHeader{
			{
				Key:   []byte("correlation_id"),
				Value: []byte(event.CorrelationID),
			},
		}
	}

	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to kafka", err)
	}

	return nil
}

// partitionKey keeps all events of one job on the same partition.
func partitionKey(event Event) string {
	if event.CorrelationID != "" {
		return event.CorrelationID
	}
	return event.ID
}

// Subscribe registers a handler for events on a Kafka topic.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	isNewTopic := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)

	switch {
	case !isNewTopic:
	case !b.consuming:
		b.consuming = true
		b.consumerWg.Add(1)
		go b.consume()
	case b.sessionCancel != nil:
		// Rejoin the group with the new topic added.
		b.sessionCancel()
	}

	return nil
}

// consume runs consumer group sessions over all subscribed topics until
// the bus closes.
func (b *KafkaBus) consume() {
	defer b.consumerWg.Done()

	handler := &consumerGroupHandler{bus: b}

	for {
		select {
		case <-b.consumerStop:
			return
		default:
		}

		b.mu.Lock()
		topics := b.kafkaTopics()
		sessionCtx, cancel := context.WithCancel(b.consumerCtx)
		b.sessionCancel = cancel
		b.mu.Unlock()

		// Blocks until a rebalance, a new subscription or the bus closes.
		err := b.consumer.Consume(sessionCtx, topics, handler)
		rejoin := sessionCtx.Err() != nil
		cancel()
		if err == nil || rejoin {
			continue
		}

		b.log.Warn("Kafka consumer error", "topics", strings.Join(topics, ","), "error", err.Error())
		select {
		case <-b.consumerStop:
			return
		case <-time.After(time.Second):
		}
	}
}

// dispatch delivers a consumed event to the handlers of its topic.
func (b *KafkaBus) dispatch(ctx context.Context, kafkaTopic string, event Event) {
	topic := b.busTopic(kafkaTopic)

	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.log.Warn("Event handler failed",
				"topic", topic,
				"event_id", event.ID,
				"error", err.Error(),
			)
		}
	}
}

// Close closes the Kafka bus and releases resources.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.consumerStop)
	if b.consumerCancel != nil {
		b.consumerCancel()
	}
	b.consumerWg.Wait()

	var errs []error

	if err := b.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}

	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}

	if err := b.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()

	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("errors during close: %v", errs))
	}

	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	bus *KafkaBus
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, after all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a Kafka partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}

			event, err := decodeEvent(msg)
			if err != nil {
				h.bus.log.Warn("Dropping undecodable kafka message",
					"topic", msg.Topic,
					"offset", msg.Offset,
					"error", err.Error(),
				)
				session.MarkMessage(msg, "")
				continue
			}

			h.bus.dispatch(session.Context(), msg.Topic, event)
			session.MarkMessage(msg, "")
		}
	}
}

// decodeEvent unmarshals a consumed message, restoring the correlation ID
// from the header when the body omits it.
func decodeEvent(msg *sarama.ConsumerMessage) (Event, error) {
	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return Event{}, err
	}
	if event.CorrelationID == "" {
		for _, h := range msg.Headers {
			if h != nil && string(h.Key) == "correlation_id" {
				event.CorrelationID = string(h.Value)
				break
			}
		}
	}
	return event, nil
}

// ParseKafkaBrokers parses a comma-separated string of Kafka brokers.
func ParseKafkaBrokers(brokersStr string) []string {
	var brokers []string
	for _, b := range strings.Split(brokersStr, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

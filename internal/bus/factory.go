package bus

import (
	"fmt"
	"strings"

	"github.com/terrapredict/terrapredict/internal/config"
	"github.com/terrapredict/terrapredict/internal/pkg/errors"
	"github.com/terrapredict/terrapredict/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. When an
// event log path is configured the bus is wrapped in a LoggedBus.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	var inner Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		inner = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "terrapredict"
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "terrapredict-bus",
			TopicPrefix:   cfg.TopicPrefix,
			Log:           log,
		})
		if err != nil {
			return nil, err
		}
		inner = kb

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog == "" {
		return inner, nil
	}

	events, err := OpenEventLog(cfg.EventLog)
	if err != nil {
		inner.Close()
		return nil, errors.Wrap(errors.CodeInternal, "failed to open event log", err)
	}
	return NewLoggedBus(inner, events, log), nil
}

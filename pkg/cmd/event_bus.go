package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/aether/pkg/channels/gochannel"
	"github.com/dukex/aether/pkg/channels/kafka"
	"github.com/dukex/aether/pkg/eventbus"
	"github.com/google/uuid"
)

// NewEventHub builds the run event hub for provider ("gochannel" or "kafka").
func NewEventHub(provider, kafkaBrokers string, logger *slog.Logger) (*eventbus.Hub, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewHub(pub, sub, logger), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(kafkaBrokers), "aether-api-"+uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewHub(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}

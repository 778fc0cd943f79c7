package pubsub

import (
	"context"
	"errors"
	"fmt"

	"locketwan/internal/config"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
	Close() error
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPublisher creates a new PubSubPublisher using the GCP project from config.
func NewPublisher(ctx context.Context, cfg *config.Config) (*PubSubPublisher, error) {
	if cfg.GCPProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID is required for the pubsub flag publisher")
	}
	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish sends the payload to the given Pub/Sub topic and returns the message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	t := p.client.Topic(topic)
	result := t.Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

func (p *PubSubPublisher) Close() error {
	return p.client.Close()
}

// New picks the flag publisher named by FLAG_PUBLISHER and the topic it publishes to.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Publisher, string, error) {
	switch cfg.FlagPublisher {
	case "pubsub":
		p, err := NewPublisher(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return p, cfg.PubSubFlagTopic, nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers), cfg.KafkaFlagTopic, nil
	case "", "none":
		return NewNoopPublisher(logger), "", nil
	default:
		return nil, "", fmt.Errorf("unknown FLAG_PUBLISHER %q", cfg.FlagPublisher)
	}
}

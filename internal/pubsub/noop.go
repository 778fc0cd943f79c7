package pubsub

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NoopPublisher only logs. Used when FLAG_PUBLISHER=none.
type NoopPublisher struct {
	logger zerolog.Logger
}

func NewNoopPublisher(logger zerolog.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger.With().Str("publisher", "noop").Logger()}
}

func (p *NoopPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	id := uuid.NewString()
	p.logger.Debug().Str("message_id", id).RawJSON("payload", payload).Msg("Flag event dropped")
	return id, nil
}

func (p *NoopPublisher) Close() error { return nil }

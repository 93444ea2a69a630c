// Package messaging carries fire-and-forget events to external
// collaborators, e.g. alert events consumed by the alerting service.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher sends events to a topic. Delivery is best effort; callers must
// not block their pipeline on it.
type Publisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
	Close() error
}

type redisPublisher struct {
	client *redis.Client
	logger *zerolog.Logger
}

func NewRedisPublisher(client *redis.Client, logger *zerolog.Logger) Publisher {
	return &redisPublisher{client: client, logger: logger}
}

func (p *redisPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.client.Publish(ctx, topic, payload).Err()
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

// LogPublisher writes events to the log instead of a broker. Used when no
// alerting backend is configured.
type LogPublisher struct {
	Logger *zerolog.Logger
}

func (p *LogPublisher) Publish(_ context.Context, topic string, message interface{}) error {
	p.Logger.Info().Str("topic", topic).Interface("event", message).Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

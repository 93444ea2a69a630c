package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaydesk/dispatch/pkg/circuitbreaker"
	"github.com/relaydesk/dispatch/pkg/queue"
)

const (
	mainKey       = "dispatch:queue:main"
	delayedKey    = "dispatch:queue:delayed"
	deadLetterKey = "dispatch:queue:dead"
	processingKey = "dispatch:queue:processing:" // + consumer id

	popTimeout      = 5 * time.Second
	promoteInterval = time.Second
	promoteBatch    = 100
)

type Config struct {
	URL          string
	ConsumerID   string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
}

// Broker is a redis-backed queue: a list for the main FIFO, a per-consumer
// processing list so unacked envelopes survive a crash, a sorted set scored
// by ready-time for the delayed queue, and a plain list for dead letters.
type Broker struct {
	client     *redis.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zerolog.Logger
	consumerID string

	promoteOnce sync.Once
}

func NewBroker(cfg Config, logger *zerolog.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.RetryBackoff
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	consumerID := cfg.ConsumerID
	if consumerID == "" {
		consumerID = "default"
	}

	return &Broker{
		client: client,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "redis-queue",
			MaxFailures: 5,
			Timeout:     10 * time.Second,
		}),
		logger:     logger,
		consumerID: consumerID,
	}, nil
}

func (b *Broker) processingList() string {
	return processingKey + b.consumerID
}

func (b *Broker) Enqueue(ctx context.Context, env queue.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b.cb.Execute(func() error {
		return b.client.LPush(ctx, mainKey, payload).Err()
	})
}

func (b *Broker) EnqueueDelayed(ctx context.Context, env queue.Envelope, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, env)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return b.cb.Execute(func() error {
		return b.client.ZAdd(ctx, delayedKey, redis.Z{Score: readyAt, Member: payload}).Err()
	})
}

func (b *Broker) EnqueueDeadLetter(ctx context.Context, env queue.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b.cb.Execute(func() error {
		return b.client.LPush(ctx, deadLetterKey, payload).Err()
	})
}

// Consume starts the delayed-queue promoter, reclaims envelopes left on this
// consumer's processing list by a previous crash, then delivers envelopes
// with at most `concurrency` handlers in flight.
func (b *Broker) Consume(ctx context.Context, concurrency int, handler queue.Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	b.promoteOnce.Do(func() {
		go b.promoteLoop(ctx)
	})

	if err := b.reclaim(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("failed to reclaim processing list")
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Broker) consumeLoop(ctx context.Context, handler queue.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := b.client.BRPopLPush(ctx, mainKey, b.processingList(), popTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("queue pop failed, backing off")
			time.Sleep(time.Second)
			continue
		}

		var env queue.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Unparseable payloads go straight to the dead-letter list.
			b.logger.Error().Err(err).Msg("dropping malformed envelope to dead letter")
			b.client.LPush(ctx, deadLetterKey, raw)
			b.ack(ctx, raw)
			continue
		}

		if err := handler(ctx, env); err != nil {
			b.nack(ctx, raw, env, err)
			continue
		}
		b.ack(ctx, raw)
	}
}

func (b *Broker) ack(ctx context.Context, raw string) {
	if err := b.client.LRem(ctx, b.processingList(), 1, raw).Err(); err != nil {
		b.logger.Warn().Err(err).Msg("failed to ack envelope")
	}
}

// nack requeues a first failure and dead-letters a repeat one.
func (b *Broker) nack(ctx context.Context, raw string, env queue.Envelope, cause error) {
	b.ack(ctx, raw)

	if env.Redelivered {
		b.logger.Error().Err(cause).
			Str("message_id", env.MessageID.String()).
			Msg("redelivered envelope failed again, routing to dead letter")
		if err := b.EnqueueDeadLetter(ctx, env); err != nil {
			b.logger.Error().Err(err).Msg("failed to dead-letter envelope")
		}
		return
	}

	env.Redelivered = true
	b.logger.Warn().Err(cause).
		Str("message_id", env.MessageID.String()).
		Msg("handler failed, requeueing envelope")
	if err := b.Enqueue(ctx, env); err != nil {
		b.logger.Error().Err(err).Msg("failed to requeue envelope")
	}
}

// reclaim pushes envelopes a crashed consumer left in-flight back to the
// main queue, marked redelivered.
func (b *Broker) reclaim(ctx context.Context) error {
	for {
		raw, err := b.client.RPop(ctx, b.processingList()).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		var env queue.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.client.LPush(ctx, deadLetterKey, raw)
			continue
		}
		env.Redelivered = true
		if err := b.Enqueue(ctx, env); err != nil {
			return err
		}
	}
}

// promoteLoop moves due delayed envelopes onto the main queue. ZRem before
// push makes the promotion safe with concurrent promoters: only the caller
// that removed the member enqueues it.
func (b *Broker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.promoteDue(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("delayed-queue promotion failed")
			}
		}
	}
}

func (b *Broker) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, raw := range members {
		removed, err := b.client.ZRem(ctx, delayedKey, raw).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, mainKey, raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) Depths(ctx context.Context) (queue.Depths, error) {
	var d queue.Depths
	var err error
	if d.Main, err = b.client.LLen(ctx, mainKey).Result(); err != nil {
		return d, err
	}
	if d.Delayed, err = b.client.ZCard(ctx, delayedKey).Result(); err != nil {
		return d, err
	}
	if d.DeadLetter, err = b.client.LLen(ctx, deadLetterKey).Result(); err != nil {
		return d, err
	}
	if d.Processing, err = b.client.LLen(ctx, b.processingList()).Result(); err != nil {
		return d, err
	}
	return d, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

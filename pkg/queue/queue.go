// Package queue is the delivery pipeline's purpose-built broker: a durable
// FIFO queue with a delayed queue and a dead-letter queue, at-least-once
// delivery and consumer ack/nack. A handler failure on first delivery
// requeues the envelope with a redelivered flag; failing a redelivered
// envelope routes it to the dead-letter queue so a poison message cannot
// wedge the pipeline.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of work carried through the queues. All business
// state lives on the Message record; the envelope only identifies it.
type Envelope struct {
	MessageID   uuid.UUID `json:"message_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Redelivered bool      `json:"redelivered"`
	Attempt     int       `json:"attempt"`
}

// Handler processes one delivered envelope. A nil return acks the envelope;
// an error nacks it.
type Handler func(ctx context.Context, env Envelope) error

// Depths is a point-in-time snapshot of queue sizes.
type Depths struct {
	Main       int64 `json:"main"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"dead_letter"`
	Processing int64 `json:"processing"`
}

type Broker interface {
	Enqueue(ctx context.Context, env Envelope) error
	// EnqueueDelayed makes the envelope visible on the main queue once the
	// delay elapses.
	EnqueueDelayed(ctx context.Context, env Envelope, delay time.Duration) error
	EnqueueDeadLetter(ctx context.Context, env Envelope) error
	// Consume blocks until ctx is done, delivering envelopes to handler with
	// at most `concurrency` in flight.
	Consume(ctx context.Context, concurrency int, handler Handler) error
	Depths(ctx context.Context) (Depths, error)
	Close() error
}

// Package memory is an in-process queue.Broker used by tests and
// single-node development runs. It keeps the same ack/nack and dead-letter
// semantics as the redis broker without the durability.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaydesk/dispatch/pkg/queue"
)

type Broker struct {
	mu      sync.Mutex
	main    []queue.Envelope
	dead    []queue.Envelope
	delayed int
	closed  bool

	notify chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		notify: make(chan struct{}, 1),
	}
}

func (b *Broker) Enqueue(_ context.Context, env queue.Envelope) error {
	b.mu.Lock()
	b.main = append(b.main, env)
	b.mu.Unlock()
	b.wake()
	return nil
}

func (b *Broker) EnqueueDelayed(ctx context.Context, env queue.Envelope, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, env)
	}

	b.mu.Lock()
	b.delayed++
	b.mu.Unlock()

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		b.delayed--
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.main = append(b.main, env)
		b.mu.Unlock()
		b.wake()
	})
	return nil
}

func (b *Broker) EnqueueDeadLetter(_ context.Context, env queue.Envelope) error {
	b.mu.Lock()
	b.dead = append(b.dead, env)
	b.mu.Unlock()
	return nil
}

func (b *Broker) Consume(ctx context.Context, concurrency int, handler queue.Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, ok := b.pop(ctx)
				if !ok {
					return
				}
				if err := handler(ctx, env); err != nil {
					b.nack(ctx, env)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Broker) pop(ctx context.Context) (queue.Envelope, bool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		if len(b.main) > 0 {
			env := b.main[0]
			b.main = b.main[1:]
			b.mu.Unlock()
			return env, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Envelope{}, false
		case <-b.notify:
		case <-ticker.C:
		}
	}
}

func (b *Broker) nack(ctx context.Context, env queue.Envelope) {
	if env.Redelivered {
		_ = b.EnqueueDeadLetter(ctx, env)
		return
	}
	env.Redelivered = true
	_ = b.Enqueue(ctx, env)
}

func (b *Broker) Depths(context.Context) (queue.Depths, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return queue.Depths{
		Main:       int64(len(b.main)),
		Delayed:    int64(b.delayed),
		DeadLetter: int64(len(b.dead)),
	}, nil
}

// DeadLetters returns a copy of the dead-letter queue. Test helper.
func (b *Broker) DeadLetters() []queue.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]queue.Envelope, len(b.dead))
	copy(out, b.dead)
	return out
}

func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

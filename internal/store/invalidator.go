package store

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fourlexboehm/faasta/internal/logging"
)

// InvalidationChannel is the Redis Pub/Sub channel for function
// invalidation signals. When a node publishes or unpublishes a
// function it broadcasts the name; every subscribed node drops the
// function from its record cache and instance pool, so no node keeps
// serving stale code until TTL expiry.
const InvalidationChannel = "faasta:invalidate"

// InvalidationSink receives invalidation signals for one function.
type InvalidationSink interface {
	Invalidate(name string)
}

// Invalidator fans function invalidation signals out across nodes via
// Redis Pub/Sub.
type Invalidator struct {
	client *redis.Client
	sinks  []InvalidationSink
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewInvalidator creates an invalidator that forwards received signals
// to the given local sinks.
func NewInvalidator(client *redis.Client, sinks ...InvalidationSink) *Invalidator {
	return &Invalidator{client: client, sinks: sinks}
}

// Start listens for invalidation signals until ctx is cancelled or
// Close is called. Blocking; run on its own goroutine.
func (inv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	inv.mu.Lock()
	inv.cancel = cancel
	inv.mu.Unlock()

	pubsub := inv.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logging.Op().Debug("invalidation signal received", "function", msg.Payload)
			for _, sink := range inv.sinks {
				sink.Invalidate(msg.Payload)
			}
		}
	}
}

// Publish broadcasts an invalidation signal for name. Local sinks are
// notified by the subscription loop like any other node's.
func (inv *Invalidator) Publish(ctx context.Context, name string) error {
	return inv.client.Publish(ctx, InvalidationChannel, name).Err()
}

// Close stops the subscription loop.
func (inv *Invalidator) Close() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.cancel != nil {
		inv.cancel()
		inv.cancel = nil
	}
}

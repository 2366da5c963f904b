// Package pubsub provides topic-based publish/subscribe fan-out over the
// broker's Redis channels. Subscriptions are held in-process so they can
// be replayed after a broker reconnect; delivery to handlers is
// fire-and-forget from the publisher's perspective.
package pubsub

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Handler receives messages for a subscription. topic is the concrete
// channel the message arrived on (for pattern subscriptions too).
type Handler func(topic string, payload []byte)

// Broker is the slice of the broker connection the fan-out needs.
type Broker interface {
	Client() *redis.Client
	Execute(ctx context.Context, name string, op func(ctx context.Context) error) error
	OnReconnect(fn func())
}

// subscription tracks one subscriber's topics and its Redis receive loop.
type subscription struct {
	id       string
	topics   []string
	patterns []string
	handler  Handler
	ps       *redis.PubSub
	cancel   context.CancelFunc
}

// Fanout is the pub/sub layer. One Redis PubSub connection per
// subscriber; handlers run on that subscriber's receive goroutine.
type Fanout struct {
	broker Broker

	mu   sync.RWMutex
	subs map[string]*subscription
}

// New creates a Fanout and hooks subscription replay into broker
// reconnects.
func New(b Broker) *Fanout {
	f := &Fanout{
		broker: b,
		subs:   make(map[string]*subscription),
	}
	b.OnReconnect(f.replay)
	return f
}

// Subscribe registers handler for the given literal topics under
// subscriberID. Calling again with the same ID adds topics to the
// existing subscription.
func (f *Fanout) Subscribe(ctx context.Context, subscriberID string, topics []string, handler Handler) error {
	return f.register(ctx, subscriberID, topics, nil, handler)
}

// PSubscribe registers handler for the given glob patterns
// (Redis PSUBSCRIBE semantics) under subscriberID.
func (f *Fanout) PSubscribe(ctx context.Context, subscriberID string, patterns []string, handler Handler) error {
	return f.register(ctx, subscriberID, nil, patterns, handler)
}

func (f *Fanout) register(ctx context.Context, subscriberID string, topics, patterns []string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subs[subscriberID]
	if !ok {
		loopCtx, cancel := context.WithCancel(context.Background())
		sub = &subscription{
			id:      subscriberID,
			handler: handler,
			ps:      f.broker.Client().Subscribe(loopCtx),
			cancel:  cancel,
		}
		f.subs[subscriberID] = sub
		go f.receiveLoop(loopCtx, sub)
	}

	if len(topics) > 0 {
		sub.topics = appendNew(sub.topics, topics)
		if err := sub.ps.Subscribe(ctx, topics...); err != nil {
			return err
		}
	}
	if len(patterns) > 0 {
		sub.patterns = appendNew(sub.patterns, patterns)
		if err := sub.ps.PSubscribe(ctx, patterns...); err != nil {
			return err
		}
	}

	log.Printf("[PubSub] Subscriber %s: topics=%v patterns=%v", subscriberID, sub.topics, sub.patterns)
	return nil
}

// Unsubscribe drops a subscriber and closes its receive loop.
// Unknown IDs are a no-op.
func (f *Fanout) Unsubscribe(subscriberID string) {
	f.mu.Lock()
	sub, ok := f.subs[subscriberID]
	if ok {
		delete(f.subs, subscriberID)
	}
	f.mu.Unlock()

	if !ok {
		return
	}
	sub.cancel()
	sub.ps.Close()
	log.Printf("[PubSub] Subscriber %s removed", subscriberID)
}

// Publish sends payload on topic and returns how many listeners were
// registered at publish time. Zero means nobody was live; callers fall
// back to the reliable queue for offline recipients.
func (f *Fanout) Publish(ctx context.Context, topic string, payload []byte) (int64, error) {
	var count int64
	err := f.broker.Execute(ctx, "publish", func(ctx context.Context) error {
		n, err := f.broker.Client().Publish(ctx, topic, payload).Result()
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	return count, err
}

// Subscribers returns the number of registered subscribers.
func (f *Fanout) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Topics returns the literal topics a subscriber is registered for,
// or nil if the subscriber is unknown.
func (f *Fanout) Topics(subscriberID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sub, ok := f.subs[subscriberID]
	if !ok {
		return nil
	}
	out := make([]string, len(sub.topics))
	copy(out, sub.topics)
	return out
}

// Close tears down every subscription.
func (f *Fanout) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]*subscription)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.ps.Close()
	}
}

// receiveLoop pumps one subscriber's messages into its handler until
// the subscription is cancelled.
func (f *Fanout) receiveLoop(ctx context.Context, sub *subscription) {
	ch := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sub.handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// replay re-issues every active subscription after a broker reconnect.
func (f *Fanout) replay() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ctx := context.Background()
	for _, sub := range f.subs {
		if len(sub.topics) > 0 {
			if err := sub.ps.Subscribe(ctx, sub.topics...); err != nil {
				log.Printf("[PubSub] ⚠️ Replay failed for %s: %v", sub.id, err)
			}
		}
		if len(sub.patterns) > 0 {
			if err := sub.ps.PSubscribe(ctx, sub.patterns...); err != nil {
				log.Printf("[PubSub] ⚠️ Replay failed for %s: %v", sub.id, err)
			}
		}
	}
	log.Printf("[PubSub] ✅ Replayed %d subscriptions", len(f.subs))
}

func appendNew(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range add {
		if !seen[t] {
			existing = append(existing, t)
			seen[t] = true
		}
	}
	return existing
}

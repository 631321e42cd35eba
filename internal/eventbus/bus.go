// Package eventbus implements the relay's in-process pub/sub: named
// channels, concurrent handler dispatch, and per-handler failure isolation.
package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"relay/internal/eventmodel"
	"relay/internal/logging"
)

// Handler processes a single admitted event. A Handler that panics or
// returns an error is isolated: the failure is logged and never propagates
// to sibling handlers or to the publisher.
type Handler func(e eventmodel.Event) error

type subscription struct {
	id      string
	channel string
	handler Handler
}

// Bus is a mutex-guarded, channel-keyed pub/sub registry. Subscription map
// mutation is guarded by a short-held lock; Publish reads the subscriber
// list under that lock then releases it before invoking handlers.
type Bus struct {
	mu     sync.RWMutex
	logger *logging.Logger
	subs   map[string][]*subscription
	byID   map[string]*subscription
}

// New constructs an empty event bus.
func New(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.L()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string][]*subscription),
		byID:   make(map[string]*subscription),
	}
}

// Subscribe registers handler on channel and returns a subscription id
// usable with Unsubscribe.
func (b *Bus) Subscribe(channel string, handler Handler) string {
	if b == nil || handler == nil {
		return ""
	}
	sub := &subscription{id: newSubscriptionID(), channel: channel, handler: handler}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes the subscription identified by subscriptionID.
func (b *Bus) Unsubscribe(subscriptionID string) {
	if b == nil || subscriptionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[subscriptionID]
	if !ok {
		return
	}
	delete(b.byID, subscriptionID)
	siblings := b.subs[sub.channel]
	for i, candidate := range siblings {
		if candidate.id == subscriptionID {
			b.subs[sub.channel] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.channel]) == 0 {
		delete(b.subs, sub.channel)
	}
}

// Publish invokes every subscriber on channel concurrently and awaits all of
// them to complete. A handler failure (panic or returned error) is caught,
// logged with the subscription id and channel, and never propagates to
// other handlers or to the publisher. Publishing to a channel with no
// subscribers is a no-op.
func (b *Bus) Publish(channel string, e eventmodel.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[channel]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, sub := range subs {
		sub := sub
		go func() {
			defer wg.Done()
			b.invoke(sub, e)
		}()
	}
	wg.Wait()
}

func (b *Bus) invoke(sub *subscription, e eventmodel.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event bus handler panicked",
				logging.String("subscription_id", sub.id),
				logging.String("channel", sub.channel),
				logging.String("panic", toString(r)),
			)
		}
	}()
	if err := sub.handler(e); err != nil {
		b.logger.Error("event bus handler failed",
			logging.String("subscription_id", sub.id),
			logging.String("channel", sub.channel),
			logging.Error(err),
		)
	}
}

func newSubscriptionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic value"
}

// GetChannels returns the names of every channel with at least one
// subscriber.
func (b *Bus) GetChannels() []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	channels := make([]string, 0, len(b.subs))
	for channel := range b.subs {
		channels = append(channels, channel)
	}
	return channels
}

// SubscriberCount returns the number of subscribers on channel.
func (b *Bus) SubscriberCount(channel string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Clear removes every subscription from the bus.
func (b *Bus) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
	b.byID = make(map[string]*subscription)
}

package hooks

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/agentfabric/runtime/runtime/agent/telemetry"
)

type (
	// Bus publishes runtime events to registered subscribers in a fan-out pattern.
	// The bus is thread-safe and supports concurrent Publish, Register, and Close
	// operations.
	//
	// Events are delivered synchronously in the publisher's goroutine. A
	// subscriber error is logged and the bus moves on to the remaining
	// subscribers: no single subscriber can block or abort delivery to the
	// others.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		// Subscribers are invoked in registration order; a subscriber error is
		// logged and does not stop delivery to the remaining subscribers.
		//
		// The context is forwarded to each subscriber's HandleEvent method.
		// Publish itself always returns nil: subscriber failures are reported
		// through the bus's logger, not the publisher's call site, so that one
		// misbehaving subscriber (e.g., best-effort persistence) never changes
		// control flow for the publisher.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription that
		// can be closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)

		// RegisterTransformer attaches fn to run before subscriber fan-out, for
		// every event whose Category/Topic match category/topic (§4.1
		// register_transformer). An empty category or topic matches any value
		// for that field. Events that don't implement CategorizedEvent never
		// match any transformer. Transformers run in ascending order; fn may
		// replace the event or drop it by returning a nil Event, in which case
		// Publish returns without delivering to any subscriber. A returned
		// error is logged and the event passes through as if that transformer
		// were absent.
		RegisterTransformer(category, topic string, order int, fn Transformer) Subscription
	}

	// CategorizedEvent is implemented by events register_transformer can
	// filter on by category/topic. hooks.Event implementations that don't
	// also implement this are opaque to RegisterTransformer.
	CategorizedEvent interface {
		Event
		Category() string
		Topic() string
	}

	// Transformer inspects or rewrites an event before it reaches any
	// subscriber (§4.1). Returning a nil Event drops the event entirely;
	// returning an error leaves the event unmodified and is logged.
	Transformer func(ctx context.Context, event Event) (Event, error)

	// Subscriber reacts to published runtime events by implementing HandleEvent.
	// Subscribers are registered with a Bus and receive all events in FIFO order
	// until their subscription is closed.
	//
	// Implementations must be thread-safe if the same subscriber instance is
	// registered with multiple buses or if HandleEvent performs concurrent work.
	//
	// HandleEvent should return an error only to report a failure; the Bus
	// logs it and continues delivering the event to the remaining
	// subscribers. A subscriber that needs to halt a run on failure must do so
	// itself (e.g., by cancelling the task's Context), not by relying on the
	// bus to stop fan-out.
	Subscriber interface {
		// HandleEvent processes a single event. The context passed to this method
		// originates from the Bus.Publish call and may have deadlines or
		// cancellation signals that implementations should respect.
		//
		// A returned error is logged by the bus; delivery to remaining
		// subscribers proceeds regardless.
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription represents an active registration on a Bus. Calling Close
	// removes the subscriber from the bus, ensuring it receives no further events.
	//
	// Subscriptions are safe to close multiple times; subsequent Close calls are
	// no-ops. This makes it safe to use defer or cleanup patterns without tracking
	// whether Close has been called.
	Subscription interface {
		// Close removes the subscriber from the bus. The method is idempotent
		// and thread-safe. After Close returns, the subscriber will not receive
		// new events, though in-flight events may still be delivered if Close
		// is called during a Publish operation.
		//
		// Close always returns nil to satisfy io.Closer-like interfaces.
		Close() error
	}

	// bus is the concrete implementation of the Bus interface. It maintains
	// a thread-safe registry of subscribers and fans out events to all
	// registered subscribers synchronously.
	bus struct {
		// mu protects concurrent access to the subscribers map.
		mu sync.RWMutex
		// subscribers maps subscription handles to their subscriber implementations.
		// The subscription pointer is used as the key to enable efficient removal.
		subscribers map[*subscription]Subscriber
		// transformers maps transformer handles to their registration, applied
		// in ascending order before subscriber fan-out.
		transformers map[*transformerSubscription]transformerEntry
		// logger records subscriber/transformer errors that Publish swallows.
		logger telemetry.Logger
		// nextSeq numbers registrations so Publish can deliver in registration order.
		nextSeq uint64
	}

	// BusOption configures a Bus constructed by NewBus.
	BusOption func(*bus)

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// subscription represents an active registration on the bus. It holds
	// a reference back to the bus for cleanup and uses sync.Once to ensure
	// idempotent Close operations.
	subscription struct {
		// bus is the parent bus this subscription belongs to.
		bus *bus
		// once ensures Close is idempotent and thread-safe.
		once sync.Once
		// seq is the registration sequence number used to order delivery.
		seq uint64
	}

	// transformerEntry is one RegisterTransformer registration.
	transformerEntry struct {
		category string
		topic    string
		order    int
		fn       Transformer
	}

	// transformerSubscription is the Subscription handle returned by
	// RegisterTransformer, mirroring subscription's idempotent-Close pattern.
	transformerSubscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent implements Subscriber by calling f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// NewBus constructs a new in-memory event bus for publishing runtime events
// to subscribers. The returned bus is thread-safe and ready for immediate use.
//
// The bus implements a synchronous fan-out pattern: when Publish is called,
// each registered subscriber receives the event in registration order. A
// subscriber error is logged via the bus's logger (see WithLogger) and
// delivery continues to the remaining subscribers.
//
// Typical usage:
//
//	bus := hooks.NewBus()
//	sub := hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("received: %s", evt.Type())
//	    return nil
//	})
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
//
//	bus.Publish(ctx, hooks.NewRunStartedEvent("run-1", "svc.agent", run.Context{}, nil))
func NewBus(opts ...BusOption) Bus {
	b := &bus{
		subscribers:  make(map[*subscription]Subscriber),
		transformers: make(map[*transformerSubscription]transformerEntry),
		logger:       telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithLogger sets the logger used to report subscriber errors that Publish
// swallows. Defaults to a no-op logger.
func WithLogger(logger telemetry.Logger) BusOption {
	return func(b *bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Publish delivers the event to every currently registered subscriber in
// registration order. The method is thread-safe and can be called concurrently
// with Register and subscription Close operations.
//
// Delivery semantics:
//   - Subscribers are invoked synchronously in the caller's goroutine
//   - A subscriber error is logged and does not stop delivery to the
//     remaining subscribers; Publish always returns nil
//   - The snapshot of subscribers is captured before iteration begins, so
//     registrations/unregistrations during Publish do not affect the current delivery
//
// If no subscribers are registered, Publish returns nil immediately.
//
// The context passed to Publish is forwarded to each subscriber's HandleEvent
// method, allowing subscribers to respect cancellation and deadlines.
func (b *bus) Publish(ctx context.Context, event Event) error {
	event, ok := b.applyTransformers(ctx, event)
	if !ok {
		return nil
	}

	b.mu.RLock()
	keys := make([]*subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		keys = append(keys, s)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].seq < keys[j].seq })
	subs := make([]Subscriber, 0, len(keys))
	for _, s := range keys {
		subs = append(subs, b.subscribers[s])
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			b.logger.Error(ctx, "hooks: subscriber failed, skipping", "error", err)
		}
	}
	return nil
}

// applyTransformers runs every registered transformer matching event's
// category/topic, in ascending order, before subscriber fan-out. It returns
// the (possibly replaced) event and whether it survives; false means some
// transformer dropped it and Publish must not deliver it to any subscriber.
func (b *bus) applyTransformers(ctx context.Context, event Event) (Event, bool) {
	b.mu.RLock()
	entries := make([]transformerEntry, 0, len(b.transformers))
	for _, te := range b.transformers {
		entries = append(entries, te)
	}
	b.mu.RUnlock()
	if len(entries) == 0 {
		return event, true
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	for _, te := range entries {
		ce, ok := event.(CategorizedEvent)
		if !ok {
			continue
		}
		if te.category != "" && te.category != ce.Category() {
			continue
		}
		if te.topic != "" && te.topic != ce.Topic() {
			continue
		}
		next, err := te.fn(ctx, event)
		if err != nil {
			b.logger.Error(ctx, "hooks: transformer failed, keeping original event", "error", err)
			continue
		}
		if next == nil {
			return nil, false
		}
		event = next
	}
	return event, true
}

// Register adds a subscriber to the bus and returns a Subscription handle
// that can be closed to unregister. The operation is thread-safe and can be
// called concurrently with Publish and other Register calls.
//
// Register returns an error if sub is nil. Once registered, the subscriber
// will receive all subsequent events published to the bus until the returned
// subscription is closed.
//
// Example:
//
//	sub := &MySubscriber{}
//	subscription, err := bus.Register(sub)
//	if err != nil {
//	    return err
//	}
//	defer subscription.Close()
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.nextSeq++
	s.seq = b.nextSeq
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus, ensuring it receives no further
// events. The method is idempotent and thread-safe: multiple calls to Close
// on the same subscription are safe and subsequent calls are no-ops.
//
// After Close returns, the subscriber will not receive any new events, though
// events already in progress may still be delivered if Close is called during
// a Publish operation.
//
// Close always returns nil to satisfy the Subscription interface.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

// RegisterTransformer attaches fn per the Bus interface's RegisterTransformer
// contract. The operation is thread-safe and can be called concurrently with
// Publish and Register.
func (b *bus) RegisterTransformer(category, topic string, order int, fn Transformer) Subscription {
	s := &transformerSubscription{bus: b}
	b.mu.Lock()
	b.transformers[s] = transformerEntry{category: category, topic: topic, order: order, fn: fn}
	b.mu.Unlock()
	return s
}

// Close removes the transformer from the bus. Idempotent and thread-safe,
// mirroring subscription.Close.
func (s *transformerSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.transformers, s)
		s.bus.mu.Unlock()
	})
	return nil
}

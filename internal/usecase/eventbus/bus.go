// Package eventbus is the in-process publish/subscribe fabric between the
// conversation service and read-only consumers (the renderer, diagnostics).
//
// Delivery is ordered per subscriber: each subscriber owns a buffered queue
// drained by a single goroutine, so state transitions arrive in publish
// order. A subscriber that falls behind its buffer loses events (logged)
// rather than stalling the conversation event loop.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"avachat/internal/domain"
)

// queueSize is the per-subscriber buffer. The conversation loop never
// blocks on a subscriber; overflow drops with a warning.
const queueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscriber struct {
	id        uint64
	eventType domain.EventType // "" = all events
	handler   domain.EventHandler
	queue     chan delivery
	stop      chan struct{}
}

// Bus is a goroutine-safe event bus with per-subscriber ordered delivery.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

// Publish enqueues an event for every matching subscriber. Never blocks:
// a full subscriber queue drops the event and logs.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.logger.Warn("eventbus: dropped event for slow subscriber",
				"event", string(event.Type), "subscriber", sub.id)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscriber{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan delivery, queueSize),
		stop:      make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(sub)
		})
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	close(sub.stop)
}

// run drains the subscriber queue in order. On stop it finishes whatever is
// already queued, then exits.
func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case d := <-sub.queue:
			b.invoke(sub, d)
		case <-sub.stop:
			for {
				select {
				case d := <-sub.queue:
					b.invoke(sub, d)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(sub *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"subscriber", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Close prevents new publishes, delivers what is already queued, and waits
// for all subscriber loops to finish. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.stop)
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)

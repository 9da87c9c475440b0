// Package eventbus is an in-process publish/subscribe bus for correction
// notifications. It is adapted from this codebase's Hub type
// (internal/agent/hub.go): a subscriber set guarded by a mutex, with
// publish operating over a snapshot so Unsubscribe during dispatch is
// safe. Unlike that Hub, delivery here is synchronous and guaranteed to
// every listener — there is no per-subscriber channel and no
// drop-on-full path, because correction events must reach every
// subscriber (spec.md §4.3/§5).
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrorSink receives a subscriber's panic value and the event that
// triggered it. The default sink logs at Error level.
type ErrorSink func(event any, recovered any)

// Unsubscribe detaches a previously registered handler. Calling it more
// than once, or from within the handler it detaches, is safe.
type Unsubscribe func()

type subscriber struct {
	id      uuid.UUID
	handler func(event any)
}

// Bus is a single-topic ("correction") in-process pub/sub value.
// Subscribers are invoked in subscription order; a handler that panics
// is isolated via recover and reported to ErrorSink without preventing
// delivery to the remaining subscribers.
type Bus struct {
	mu        sync.Mutex
	subs      []*subscriber
	errorSink ErrorSink
	log       *slog.Logger
}

// New creates a Bus. If sink is nil, panics are reported via slog at
// Error level (the default stderr-backed sink spec.md §4.3 asks for).
func New(sink ErrorSink, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{log: logger}
	if sink != nil {
		b.errorSink = sink
	} else {
		b.errorSink = func(event any, recovered any) {
			logger.Error("event subscriber panicked", "event", event, "recovered", recovered)
		}
	}
	return b
}

// Subscribe registers handler and returns a capability to detach it.
func (b *Bus) Subscribe(handler func(event any)) Unsubscribe {
	s := &subscriber{id: uuid.New(), handler: handler}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == s.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish invokes every current subscriber with event, in subscription
// order. The subscriber list is copied before dispatch so a handler may
// unsubscribe itself (or another handler) without corrupting iteration.
// A handler that panics is recovered and reported to the error sink;
// this does not stop delivery to the remaining subscribers.
func (b *Bus) Publish(event any) {
	b.mu.Lock()
	snapshot := make([]*subscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		b.dispatch(s, event)
	}
}

func (b *Bus) dispatch(s *subscriber, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.errorSink(event, r)
		}
	}()
	s.handler(event)
}

// ListenerCount returns the number of currently subscribed handlers.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// ClearAll removes every subscriber. Intended for test teardown.
func (b *Bus) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}

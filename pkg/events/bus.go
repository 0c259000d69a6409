// Package events provides the in-process bus the fabric components use to
// observe each other's lifecycle without direct coupling. Cross-node fan-out
// goes through the broker, not this bus.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/apix-io/apix/pkg/observability"
)

// Topic enumerates the envelope kinds carried by the bus.
type Topic string

// Bus topics
const (
	TopicConnectionRegistered         Topic = "connection.registered"
	TopicConnectionDisconnected       Topic = "connection.disconnected"
	TopicConnectionReconnectScheduled Topic = "connection.reconnect_scheduled"
	TopicConnectionReconnected        Topic = "connection.reconnected"
	TopicConnectionFailed             Topic = "connection.failed"
	TopicConnectionSuspended          Topic = "connection.suspended"
	TopicConnectionQualityChanged     Topic = "connection.quality_changed"
	TopicConnectionRemoved            Topic = "connection.removed"
	TopicHealthAlertCreated           Topic = "health.alert_created"
	TopicHealthAlertResolved          Topic = "health.alert_resolved"
	TopicQueueDeadLettered            Topic = "queue.dead_lettered"
)

// Envelope is one bus message.
type Envelope struct {
	Topic   Topic
	At      time.Time
	Payload interface{}
}

// Handler consumes one envelope. Handlers run on the publisher's goroutine
// and must not block; anything slow belongs on the message queue instead.
type Handler func(ctx context.Context, env Envelope)

// Bus fans envelopes out to per-topic subscriber lists. Subscribers are
// registered at startup; delivery is synchronous so tests observe effects
// deterministically.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   observability.Logger
}

// NewBus creates an empty bus.
func NewBus(logger observability.Logger) *Bus {
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish delivers the envelope to every subscriber of its topic.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload interface{}) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	env := Envelope{Topic: topic, At: time.Now(), Payload: payload}
	for _, handler := range handlers {
		b.invoke(ctx, handler, env)
	}
}

func (b *Bus) invoke(ctx context.Context, handler Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Bus handler panicked", map[string]interface{}{
				"topic": string(env.Topic),
				"panic": r,
			})
		}
	}()
	handler(ctx, env)
}

// SubscriberCount returns the number of handlers for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

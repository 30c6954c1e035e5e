// Package eventbus provides the pub/sub abstraction the execution engine
// publishes step and flow events onto. Concrete transports (in-process
// GoChannel, Kafka) live under pkg/channels; this package only defines the
// contract and the watermill-backed implementation shared by both.
package eventbus

import (
	"context"

	"github.com/rackscale/factoryflow/pkg/events"
)

// Event is anything publishable through the bus.
type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler processes one decoded event.
type EventHandler func(ctx context.Context, event any) error

// EventBus is the engine's one dependency for fanning events out to
// subscribers (console renderers, the optional fleet export).
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

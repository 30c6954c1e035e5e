package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rackscale/factoryflow/pkg/events"
)

// WatermillEventBus adapts a watermill publisher/subscriber pair (GoChannel
// for the default in-process case, Kafka for optional fleet export) to the
// EventBus contract.
type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType][]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType][]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// Handle registers an additional handler for eventType. Multiple handlers
// for the same event type all run, in registration order, on every
// matching message (the presentation layer and optional fleet export
// subscribe independently).
func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = append(eb.subscriptions[eventType], handler)

	return nil
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			handlers, exists := eb.subscriptions[eventType]
			if !exists {
				msg.Ack()

				continue
			}

			event, err := decode(eventType, msg.Payload)
			if err != nil {
				msg.Nack()

				continue
			}

			failed := false

			for _, handler := range handlers {
				if err := handler(ctx, event); err != nil {
					failed = true
				}
			}

			if failed {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}

func decode(eventType events.EventType, payload []byte) (any, error) {
	var event any

	switch eventType {
	case events.FlowStartedEvent:
		event = &events.FlowStarted{}
	case events.FlowFinishedEvent:
		event = &events.FlowFinished{}
	case events.StepStartedEvent:
		event = &events.StepStarted{}
	case events.StepFinishedEvent:
		event = &events.StepFinished{}
	case events.JumpRecordedEvent:
		event = &events.JumpRecorded{}
	case events.OptionalFlowStartedEvent:
		event = &events.OptionalFlowStarted{}
	case events.OptionalFlowFinishedEvent:
		event = &events.OptionalFlowFinished{}
	case events.ProgressUpdatedEvent:
		event = &events.ProgressUpdated{}
	default:
		return nil, nil
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, err
	}

	return event, nil
}

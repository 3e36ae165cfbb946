package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-order-service/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// OrderSnapshotEvent is the durable order-events record: the full order as of
// the change, so downstream consumers never have to reassemble deltas
type OrderSnapshotEvent struct {
	models.BaseEvent
	OrderID string        `json:"order_id"`
	Order   *models.Order `json:"order"`
}

// EventPublisher appends order snapshots to the order-events stream
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderSnapshot appends the order's current state, keyed by order id so
// each order's events stay in sequence on one partition
func (ep *EventPublisher) PublishOrderSnapshot(ctx context.Context, order *models.Order, eventType string) error {
	event := &OrderSnapshotEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
		},
		OrderID: order.ID,
		Order:   order,
	}
	return ep.producer.PublishEvent(ctx, "order-"+order.ID, event)
}

// EventHandler routes inbound carrier-events messages
type EventHandler struct {
	onCarrierStatus func(context.Context, *models.CarrierStatusEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnCarrierStatus registers a handler for carrier status deliveries
func (eh *EventHandler) OnCarrierStatus(handler func(context.Context, *models.CarrierStatusEvent) error) {
	eh.onCarrierStatus = handler
}

// HandleMessage routes a message to the registered handler. Unknown event
// types are dropped; the webhook gateway versions independently of us.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	if baseEvent.EventType == models.EventTypeCarrierStatus && eh.onCarrierStatus != nil {
		var event models.CarrierStatusEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal carrier status event: %w", err)
		}
		return eh.onCarrierStatus(ctx, &event)
	}

	return nil
}

package models

import (
	"fmt"
	"time"
)

// Event types
const (
	EventTypeOrderUpdated      = "ORDER_UPDATED"
	EventTypeOrdersListUpdated = "ORDERS_LIST_UPDATED"
	EventTypeCartChanged       = "CART_CHANGED"
	EventTypeCarrierStatus     = "CARRIER_STATUS"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderTopic is the subscription topic for a single order
func OrderTopic(orderID string) string {
	return "order:" + orderID
}

// ListTopic is the subscription topic for one user's order list in one role
func ListTopic(userID, role string) string {
	return fmt.Sprintf("orderList:%s:%s", userID, role)
}

// OrderUpdatedEvent carries the full order snapshot. Consumers replace their
// cached copy wholesale, never merge, which makes the apply idempotent.
type OrderUpdatedEvent struct {
	BaseEvent
	Topic   string `json:"topic"`
	OrderID string `json:"order_id"`
	Order   *Order `json:"order"`
}

// OrdersListUpdatedEvent is an invalidation ping with no payload contract
// beyond "refetch the list"
type OrdersListUpdatedEvent struct {
	BaseEvent
	Topic string `json:"topic"`
}

// CartChangedEvent tells cart-display collaborators to recount
type CartChangedEvent struct {
	BaseEvent
	Topic     string `json:"topic"`
	BuyerID   string `json:"buyer_id"`
	ItemCount int    `json:"item_count"`
}

// CartTopic is the subscription topic for a buyer's cart signals
func CartTopic(buyerID string) string {
	return "cart:" + buyerID
}

// CarrierStatusEvent is an inbound carrier webhook delivery consumed from the
// carrier-events stream; it only identifies the shipment, the reconciler pulls
// the authoritative checkpoint list itself.
type CarrierStatusEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	AWBCode string `json:"awb_code"`
}

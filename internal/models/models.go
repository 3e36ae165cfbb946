package models

import "time"

// Order is the authoritative record of a marketplace order.
type Order struct {
	ID                    string         `db:"id" json:"order_id"`
	BuyerID               string         `db:"buyer_id" json:"buyer_id"`
	SellerID              string         `db:"seller_id" json:"seller_id"`
	Items                 []OrderItem    `json:"items"`
	TotalPrice            int64          `db:"total_price" json:"total_price"`
	Status                OrderStatus    `db:"status" json:"status"`
	PaymentStatus         PaymentStatus  `db:"payment_status" json:"payment_status"`
	StatusHistory         []StatusEntry  `json:"status_history"`
	AWBCode               *string        `db:"awb_code" json:"awb_code,omitempty"`
	CourierName           *string        `db:"courier_name" json:"courier_name,omitempty"`
	ShipmentID            *string        `db:"shipment_id" json:"shipment_id,omitempty"`
	TrackingURL           *string        `db:"tracking_url" json:"tracking_url,omitempty"`
	ScheduledPickupDate   *time.Time     `db:"scheduled_pickup_date" json:"scheduled_pickup_date,omitempty"`
	EstimatedDeliveryDate *time.Time     `db:"estimated_delivery_date" json:"estimated_delivery_date,omitempty"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at" json:"updated_at"`
	CancelledAt           *time.Time     `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason    *string        `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
}

// OrderItem is a line item within an order
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   string `db:"order_id" json:"order_id"`
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
	LotSize   int    `db:"lot_size" json:"lot_size"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
	LineTotal int64  `db:"line_total" json:"line_total"`
}

// StatusEntry is one append-only status history record
type StatusEntry struct {
	Status     OrderStatus `db:"status" json:"status"`
	OccurredAt time.Time   `db:"occurred_at" json:"occurred_at"`
	Note       string      `db:"note" json:"note,omitempty"`
}

// Product is the catalog row checkout prices against
type Product struct {
	ID       string `db:"id" json:"id"`
	SellerID string `db:"seller_id" json:"seller_id"`
	Name     string `db:"name" json:"name"`
	Price    int64  `db:"price" json:"price"`
	Stock    int    `db:"stock" json:"stock"`
}

// CartItem is a line in a buyer's active cart
type CartItem struct {
	ID        int64  `db:"id" json:"id"`
	BuyerID   string `db:"buyer_id" json:"buyer_id"`
	ProductID string `db:"product_id" json:"product_id"`
	LotSize   int    `db:"lot_size" json:"lot_size"`
	Quantity  int    `db:"quantity" json:"quantity"`
}

// Reservation holds cart line items taken out of the buyer's cart at checkout.
// Restored to the cart if the order is cancelled or expires before payment,
// consumed permanently when payment succeeds.
type Reservation struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   string    `db:"order_id" json:"order_id"`
	ProductID string    `db:"product_id" json:"product_id"`
	LotSize   int       `db:"lot_size" json:"lot_size"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Reservation statuses
const (
	ReservationReserved = "RESERVED"
	ReservationRestored = "RESTORED"
	ReservationConsumed = "CONSUMED"
)

// Payment represents one payment attempt against an order
type Payment struct {
	ID             int64     `db:"id" json:"id"`
	OrderID        string    `db:"order_id" json:"order_id"`
	PaymentOrderID string    `db:"payment_order_id" json:"payment_order_id"`
	Status         string    `db:"status" json:"status"`
	Amount         int64     `db:"amount" json:"amount"`
	ProviderTxID   string    `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Payment attempt statuses
const (
	PaymentAttemptPending      = "PENDING"
	PaymentAttemptSuccess      = "SUCCESS"
	PaymentAttemptFailed       = "FAILED"
	PaymentAttemptRefundNeeded = "REFUND_NEEDED"
)

// User roles for list subscriptions
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// ProcessedEvent for consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// LastEntry returns the most recent status history entry, or nil for an empty history
func (o *Order) LastEntry() *StatusEntry {
	if len(o.StatusHistory) == 0 {
		return nil
	}
	return &o.StatusHistory[len(o.StatusHistory)-1]
}

// HasStatusEntry reports whether the history already contains the given status.
// Comparison is by status value only, so replays with skewed timestamps dedupe.
func (o *Order) HasStatusEntry(status OrderStatus) bool {
	for _, e := range o.StatusHistory {
		if e.Status == status {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	cp.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	cp.AWBCode = cloneStr(o.AWBCode)
	cp.CourierName = cloneStr(o.CourierName)
	cp.ShipmentID = cloneStr(o.ShipmentID)
	cp.TrackingURL = cloneStr(o.TrackingURL)
	cp.ScheduledPickupDate = cloneTime(o.ScheduledPickupDate)
	cp.EstimatedDeliveryDate = cloneTime(o.EstimatedDeliveryDate)
	cp.CancelledAt = cloneTime(o.CancelledAt)
	cp.CancellationReason = cloneStr(o.CancellationReason)
	return &cp
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// MergeRestoredItems merges restored reservation lines into a buyer's cart.
// Lines for a product already in the cart are merged by summing quantities,
// capped at the available stock; new products are appended. The input slices
// are not mutated.
func MergeRestoredItems(cart []CartItem, restored []Reservation, stock func(productID string) int) []CartItem {
	out := append([]CartItem(nil), cart...)
	index := make(map[string]int, len(out))
	for i, ci := range out {
		index[ci.ProductID] = i
	}

	for _, r := range restored {
		if i, ok := index[r.ProductID]; ok {
			qty := out[i].Quantity + r.Quantity
			if max := stock(r.ProductID); qty > max {
				qty = max
			}
			out[i].Quantity = qty
			continue
		}
		qty := r.Quantity
		if max := stock(r.ProductID); qty > max {
			qty = max
		}
		out = append(out, CartItem{
			BuyerID:   "",
			ProductID: r.ProductID,
			LotSize:   r.LotSize,
			Quantity:  qty,
		})
		index[r.ProductID] = len(out) - 1
	}
	return out
}

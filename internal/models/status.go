package models

import (
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	StatusPaymentPending        OrderStatus = "PAYMENT_PENDING"
	StatusConfirmed             OrderStatus = "CONFIRMED"
	StatusProcessing            OrderStatus = "PROCESSING"
	StatusPacked                OrderStatus = "PACKED"
	StatusShipped               OrderStatus = "SHIPPED"
	StatusInTransit             OrderStatus = "IN_TRANSIT"
	StatusOutForDelivery        OrderStatus = "OUT_FOR_DELIVERY"
	StatusDelivered             OrderStatus = "DELIVERED"
	StatusCompleted             OrderStatus = "COMPLETED"
	StatusCancellationRequested OrderStatus = "CANCELLATION_REQUESTED"
	StatusCancelled             OrderStatus = "CANCELLED"
	StatusDeliveryFailed        OrderStatus = "DELIVERY_FAILED"
	StatusRTOInitiated          OrderStatus = "RTO_INITIATED"
	StatusRTODelivered          OrderStatus = "RTO_DELIVERED"
	StatusReturnRequested       OrderStatus = "RETURN_REQUESTED"
	StatusReturnApproved        OrderStatus = "RETURN_APPROVED"
	StatusReturnRejected        OrderStatus = "RETURN_REJECTED"
	StatusReturned              OrderStatus = "RETURNED"
	StatusRefunded              OrderStatus = "REFUNDED"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefundRequested   PaymentStatus = "REFUND_REQUESTED"
	PaymentRefundProcessing  PaymentStatus = "REFUND_PROCESSING"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
)

// Cancellation reasons recorded on the order
const (
	CancelReasonExpired      = "Expired"
	CancelReasonBuyerRequest = "Cancelled by buyer"
	CancelReasonPaymentAbort = "Payment aborted"
)

// ErrInvalidTransition is returned when the state machine rejects a transition.
// The order is left untouched.
var ErrInvalidTransition = errors.New("invalid order status transition")

// shippingChain is the linear fulfillment path. Carrier feeds can skip
// checkpoints, so any forward move along the chain is a legal transition.
var shippingChain = []OrderStatus{
	StatusPacked,
	StatusShipped,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
}

// cancellable states: post-confirmation, pre-delivery
var cancellable = []OrderStatus{
	StatusConfirmed,
	StatusProcessing,
	StatusPacked,
	StatusShipped,
	StatusInTransit,
	StatusOutForDelivery,
}

var validNext = map[OrderStatus]map[OrderStatus]bool{
	StatusPaymentPending: {
		StatusConfirmed:             true,
		StatusCancelled:             true,
		StatusCancellationRequested: true,
	},
	StatusConfirmed:  {StatusProcessing: true, StatusPacked: true},
	StatusProcessing: {StatusPacked: true},

	StatusDelivered: {StatusCompleted: true, StatusReturnRequested: true},

	StatusCancellationRequested: {StatusCancelled: true},
	StatusDeliveryFailed:        {StatusRTOInitiated: true},
	StatusRTOInitiated:          {StatusRTODelivered: true},

	StatusReturnRequested: {StatusReturnApproved: true, StatusReturnRejected: true},
	StatusReturnApproved:  {StatusReturned: true},
	StatusReturned:        {StatusRefunded: true},

	// terminal
	StatusCancelled:      {},
	StatusCompleted:      {},
	StatusRefunded:       {},
	StatusRTODelivered:   {},
	StatusReturnRejected: {},
}

func init() {
	// forward jumps along the shipping chain
	for i, from := range shippingChain[:len(shippingChain)-1] {
		next, ok := validNext[from]
		if !ok {
			next = map[OrderStatus]bool{}
			validNext[from] = next
		}
		for _, to := range shippingChain[i+1:] {
			next[to] = true
		}
	}
	// cancellation and delivery-failure branches from any in-flight state
	for _, from := range cancellable {
		validNext[from][StatusCancellationRequested] = true
		validNext[from][StatusDeliveryFailed] = true
	}
}

// CanTransition reports whether from -> to is an accepted transition
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// IsTerminal reports whether no further transitions are accepted from s
func IsTerminal(s OrderStatus) bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// IsActiveShipment reports whether the order is in the set of statuses for
// which carrier reconciliation is meaningful
func IsActiveShipment(s OrderStatus) bool {
	switch s {
	case StatusConfirmed, StatusProcessing, StatusPacked,
		StatusShipped, StatusInTransit, StatusOutForDelivery:
		return true
	}
	return false
}

// AllStatuses returns every status in the closed set
func AllStatuses() []OrderStatus {
	out := make([]OrderStatus, 0, len(validNext))
	for s := range validNext {
		out = append(out, s)
	}
	return out
}

// ApplyTransition moves the order to the given status, appending exactly one
// history entry. Timestamps are clamped so the history stays non-decreasing.
// A rejected transition returns ErrInvalidTransition and leaves the order
// untouched.
func (o *Order) ApplyTransition(to OrderStatus, at time.Time, note string) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	if last := o.LastEntry(); last != nil && at.Before(last.OccurredAt) {
		at = last.OccurredAt
	}
	o.StatusHistory = append(o.StatusHistory, StatusEntry{
		Status:     to,
		OccurredAt: at,
		Note:       note,
	})
	o.Status = to
	o.UpdatedAt = at
	return nil
}

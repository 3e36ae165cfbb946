package service

import (
	"context"
	"errors"

	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/util"

	"go.uber.org/zap"
)

// SweepStats summarizes one expiration sweep round
type SweepStats struct {
	Scanned   int
	Cancelled int
	Deferred  int
	Skipped   int
	Errors    int
}

// SweepExpired cancels payment-pending orders older than the payment window
// and restores their reserved lines to the buyers' carts.
//
// Two races are possible against an in-flight payment. An order confirmed
// between the scan and the cancel loses the cancel under the row lock and is
// skipped. An order with a payment attempt opened inside the window is mid-
// payment; when payments win ties the sweep defers it one round instead of
// cancelling under the buyer. A verification that lands after the cancel
// flags the attempt for refund rather than resurrecting the order.
func (s *OrderService) SweepExpired(ctx context.Context) (SweepStats, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SweepExpired")
	defer span.End()

	var stats SweepStats
	cutoff := s.now().Add(-s.paymentWindow)

	ids, err := s.store.ListExpiredPending(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(ids)

	for _, id := range ids {
		if s.paymentWinsTie {
			attempt, err := s.store.LatestPaymentByOrder(ctx, id)
			if err != nil {
				stats.Errors++
				s.logger.Error("Sweep failed to load payment attempt",
					zap.String("order_id", id), zap.Error(err))
				continue
			}
			if attempt != nil &&
				attempt.Status == models.PaymentAttemptPending &&
				attempt.CreatedAt.After(cutoff) {
				stats.Deferred++
				continue
			}
		}

		order, cartCount, err := s.store.CancelPendingAndRestore(ctx, id, models.CancelReasonExpired, s.now())
		if errors.Is(err, models.ErrInvalidTransition) {
			// paid and confirmed between the scan and the lock
			stats.Skipped++
			continue
		}
		if err != nil {
			stats.Errors++
			s.logger.Error("Sweep failed to cancel order",
				zap.String("order_id", id), zap.Error(err))
			continue
		}

		stats.Cancelled++
		util.OrdersExpiredTotal.Inc()
		util.OrdersCancelledTotal.WithLabelValues(models.CancelReasonExpired).Inc()
		util.ReservationsRestoredTotal.Add(float64(len(order.Items)))

		s.fanOut(ctx, order)
		if err := s.publisher.PublishCartChanged(ctx, order.BuyerID, cartCount); err != nil {
			s.logger.Error("Failed to publish cart change", zap.Error(err))
		}
	}

	if stats.Scanned > 0 {
		s.logger.Info("Expiration sweep finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("cancelled", stats.Cancelled),
			zap.Int("deferred", stats.Deferred),
			zap.Int("skipped", stats.Skipped),
			zap.Int("errors", stats.Errors))
	}
	return stats, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"marketplace-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetReservations returns the reservation lines held by an order
func (s *Store) GetReservations(ctx context.Context, orderID string) ([]models.Reservation, error) {
	var out []models.Reservation
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM reservations WHERE order_id = $1 ORDER BY id", orderID)
	return out, err
}

// ConsumeReservations marks an order's reservations as permanently consumed.
// Called when payment succeeds; the lines never return to the cart.
func (s *Store) ConsumeReservations(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reservations SET status = $1 WHERE order_id = $2 AND status = $3",
		models.ReservationConsumed, orderID, models.ReservationReserved)
	return err
}

// CancelPendingAndRestore cancels a payment-pending order and restores its
// reserved lines into the buyer's active cart, as one transaction:
// status -> Cancelled with the recorded reason, reservations marked restored,
// cart lines merged by summing quantities capped at available stock.
// Returns the updated order and the buyer's cart line count afterwards.
func (s *Store) CancelPendingAndRestore(ctx context.Context, orderID, reason string, at time.Time) (*models.Order, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	order, prevLen, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, 0, err
	}

	if order.Status != models.StatusPaymentPending && order.Status != models.StatusCancellationRequested {
		return nil, 0, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.StatusCancelled)
	}
	if err := order.ApplyTransition(models.StatusCancelled, at, reason); err != nil {
		return nil, 0, err
	}
	order.CancelledAt = &at
	order.CancellationReason = &reason

	if err := restoreReservations(ctx, tx, order); err != nil {
		return nil, 0, err
	}

	if err := persistOrder(ctx, tx, order, prevLen); err != nil {
		return nil, 0, err
	}

	var count int
	if err := tx.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM cart_items WHERE buyer_id = $1", order.BuyerID); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return order, count, nil
}

func restoreReservations(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	var reserved []models.Reservation
	if err := tx.SelectContext(ctx, &reserved,
		"SELECT * FROM reservations WHERE order_id = $1 AND status = $2 ORDER BY id",
		order.ID, models.ReservationReserved); err != nil {
		return err
	}

	for _, r := range reserved {
		var stock int
		err := tx.GetContext(ctx, &stock,
			"SELECT stock FROM products WHERE id = $1 FOR UPDATE", r.ProductID)
		if err == sql.ErrNoRows {
			stock = r.Quantity
		} else if err != nil {
			return fmt.Errorf("failed to lock product stock: %w", err)
		}

		// merge into any existing cart line, capped at stock
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cart_items (buyer_id, product_id, lot_size, quantity)
			VALUES ($1, $2, $3, LEAST($4, $5))
			ON CONFLICT (buyer_id, product_id)
			DO UPDATE SET quantity = LEAST(cart_items.quantity + $4, $5)`,
			order.BuyerID, r.ProductID, r.LotSize, r.Quantity, stock)
		if err != nil {
			return fmt.Errorf("failed to restore cart line: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx,
		"UPDATE reservations SET status = $1 WHERE order_id = $2 AND status = $3",
		models.ReservationRestored, order.ID, models.ReservationReserved)
	return err
}

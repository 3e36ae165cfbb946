package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"marketplace-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// ErrOrderNotFound is returned when an order id does not exist
var ErrOrderNotFound = fmt.Errorf("order not found")

// CreateOrder inserts the order, its items, the initial history entry and the
// cart reservations in one transaction. The reserved product lines are removed
// from the buyer's active cart.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, seller_id, total_price, status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		order.ID, order.BuyerID, order.SellerID, order.TotalPrice,
		order.Status, order.PaymentStatus, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		err = tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, quantity, lot_size, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			order.ID, item.ProductID, item.Quantity, item.LotSize, item.UnitPrice, item.LineTotal)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (order_id, product_id, lot_size, quantity, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, item.ProductID, item.LotSize, item.Quantity,
			models.ReservationReserved, order.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM cart_items WHERE buyer_id = $1 AND product_id = $2",
			order.BuyerID, item.ProductID)
		if err != nil {
			return fmt.Errorf("failed to clear cart line: %w", err)
		}
	}

	if err := insertHistory(ctx, tx, order.ID, order.StatusHistory, 0); err != nil {
		return err
	}

	return tx.Commit()
}

// GetOrder loads a full order snapshot: row, items and status history
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderDetails(ctx, s.db, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) loadOrderDetails(ctx context.Context, q sqlx.QueryerContext, order *models.Order) error {
	if err := sqlx.SelectContext(ctx, q, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", order.ID); err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	if err := sqlx.SelectContext(ctx, q, &order.StatusHistory,
		"SELECT status, occurred_at, note FROM order_status_history WHERE order_id = $1 ORDER BY seq", order.ID); err != nil {
		return fmt.Errorf("failed to load status history: %w", err)
	}
	return nil
}

// ListOrdersByUser returns one page of orders for a user in the given role
func (s *Store) ListOrdersByUser(ctx context.Context, userID, role string, page, pageSize int) ([]models.Order, error) {
	col := "buyer_id"
	if role == models.RoleSeller {
		col = "seller_id"
	}
	if page < 1 {
		page = 1
	}
	var orders []models.Order
	query := fmt.Sprintf(
		"SELECT * FROM orders WHERE %s = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3", col)
	err := s.db.SelectContext(ctx, &orders, query, userID, pageSize, (page-1)*pageSize)
	return orders, err
}

// UpdateOrder loads the order under a row lock, applies mutate to the
// in-memory model and persists the result. The lock gives every order a single
// writer at a time, which is what makes transition tie-breaks well defined.
// New history entries appended by mutate are inserted append-only.
func (s *Store) UpdateOrder(ctx context.Context, orderID string, mutate func(*models.Order) error) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, prevLen, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if err := mutate(order); err != nil {
		return nil, err
	}

	if err := persistOrder(ctx, tx, order, prevLen); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func lockOrder(ctx context.Context, tx *sqlx.Tx, orderID string) (*models.Order, int, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, 0, err
	}
	if err := sqlx.SelectContext(ctx, tx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", order.ID); err != nil {
		return nil, 0, err
	}
	if err := sqlx.SelectContext(ctx, tx, &order.StatusHistory,
		"SELECT status, occurred_at, note FROM order_status_history WHERE order_id = $1 ORDER BY seq", order.ID); err != nil {
		return nil, 0, err
	}
	return &order, len(order.StatusHistory), nil
}

func persistOrder(ctx context.Context, tx *sqlx.Tx, order *models.Order, prevHistoryLen int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $2, payment_status = $3,
			awb_code = $4, courier_name = $5, shipment_id = $6, tracking_url = $7,
			scheduled_pickup_date = $8, estimated_delivery_date = $9,
			cancelled_at = $10, cancellation_reason = $11, updated_at = $12
		WHERE id = $1`,
		order.ID, order.Status, order.PaymentStatus,
		order.AWBCode, order.CourierName, order.ShipmentID, order.TrackingURL,
		order.ScheduledPickupDate, order.EstimatedDeliveryDate,
		order.CancelledAt, order.CancellationReason, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return insertHistory(ctx, tx, order.ID, order.StatusHistory, prevHistoryLen)
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, orderID string, history []models.StatusEntry, from int) error {
	for i := from; i < len(history); i++ {
		e := history[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_status_history (order_id, seq, status, occurred_at, note)
			VALUES ($1, $2, $3, $4, $5)`,
			orderID, i, e.Status, e.OccurredAt, e.Note)
		if err != nil {
			return fmt.Errorf("failed to append status history: %w", err)
		}
	}
	return nil
}

// ListExpiredPending returns ids of payment-pending orders created before the cutoff
func (s *Store) ListExpiredPending(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM orders WHERE status = $1 AND created_at < $2 ORDER BY created_at",
		models.StatusPaymentPending, cutoff)
	return ids, err
}

// CreatePayment records a new payment attempt
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, payment_order_id, status, amount, provider_tx_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.PaymentOrderID, payment.Status, payment.Amount, payment.ProviderTxID)
}

// LatestPaymentByOrder returns the most recent payment attempt for an order
func (s *Store) LatestPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePaymentStatus updates a payment attempt's status
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID int64, status, providerTxID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, provider_tx_id = $2, updated_at = NOW() WHERE id = $3",
		status, providerTxID, paymentID)
	return err
}

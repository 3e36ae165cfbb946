package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/util"

	"go.uber.org/zap"
)

// Store is the slice of the order store the coordinator needs
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	UpdateOrder(ctx context.Context, orderID string, mutate func(*models.Order) error) (*models.Order, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	LatestPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status, providerTxID string) error
	ConsumeReservations(ctx context.Context, orderID string) error
}

var (
	// ErrNotEligible is returned by Retry when the order cannot take another
	// payment attempt; the wrapped message carries the human-readable reason
	ErrNotEligible = errors.New("payment retry not eligible")

	// ErrVerificationFailed is returned when the reported payment does not
	// carry a valid gateway signature
	ErrVerificationFailed = errors.New("payment verification failed")

	// ErrPaidAfterCancel is returned when a valid payment arrives for an
	// order that was already cancelled; the attempt is flagged for refund
	ErrPaidAfterCancel = errors.New("order was cancelled before payment completed, refund will be issued")
)

// mutate outcomes inside Verify's order lock
var (
	errCancelledRace = errors.New("order cancelled")
	errAlreadyPaid   = errors.New("order already paid")
)

// Coordinator drives payment attempts for orders awaiting payment: it opens
// gateway sessions for retries and confirms orders only after verifying the
// gateway signature server-side.
type Coordinator struct {
	store     Store
	processor Processor
	window    time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a payment coordinator. window is how long after
// checkout an unpaid order stays payable.
func NewCoordinator(store Store, processor Processor, window time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		processor: processor,
		window:    window,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CanRetry reports whether the order can take another payment attempt.
// Ineligibility is an answer, not an error: the reason string is safe to show
// to the buyer.
func (c *Coordinator) CanRetry(ctx context.Context, orderID string) (bool, string, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, "", err
	}
	return c.eligible(order)
}

func (c *Coordinator) eligible(order *models.Order) (bool, string, error) {
	if order.PaymentStatus == models.PaymentPaid {
		return false, "payment already completed", nil
	}
	if order.Status != models.StatusPaymentPending {
		return false, "order is not awaiting payment", nil
	}
	if !c.now().Before(order.CreatedAt.Add(c.window)) {
		return false, "payment window has expired", nil
	}
	return true, "", nil
}

// Retry opens a fresh gateway session for an eligible order and records the
// attempt. The returned session is handed to the buyer's payment UI.
func (c *Coordinator) Retry(ctx context.Context, orderID string) (*Session, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ok, reason, err := c.eligible(order)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, reason)
	}

	session, err := c.processor.CreateSession(ctx, order.ID, order.TotalPrice)
	if err != nil {
		return nil, fmt.Errorf("failed to open payment session: %w", err)
	}

	err = c.store.CreatePayment(ctx, &models.Payment{
		OrderID:        order.ID,
		PaymentOrderID: session.PaymentOrderID,
		Status:         models.PaymentAttemptPending,
		Amount:         order.TotalPrice,
	})
	if err != nil {
		return nil, err
	}

	util.PaymentRetriesTotal.Inc()
	c.logger.Info("Payment retry session opened",
		zap.String("order_id", order.ID),
		zap.String("payment_order_id", session.PaymentOrderID))
	return session, nil
}

// Verify checks the client-reported payment against the gateway signature and,
// if valid, confirms the order and consumes its reservations. The signature is
// verified before any state changes; a client cannot confirm an order by
// claiming success.
//
// If a valid payment lands on an order that was cancelled in the meantime
// (typically by the expiration sweep), the attempt is marked for refund and
// ErrPaidAfterCancel is returned. A duplicate verification of an already-paid
// order returns the order unchanged.
func (c *Coordinator) Verify(ctx context.Context, orderID, paymentID, signature string) (*models.Order, error) {
	attempt, err := c.store.LatestPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		util.PaymentVerificationsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: no payment attempt on record", ErrVerificationFailed)
	}

	if !c.processor.VerifySignature(attempt.PaymentOrderID, paymentID, signature) {
		if err := c.store.UpdatePaymentStatus(ctx, attempt.ID, models.PaymentAttemptFailed, paymentID); err != nil {
			c.logger.Error("Failed to record failed payment attempt",
				zap.String("order_id", orderID), zap.Error(err))
		}
		util.PaymentVerificationsTotal.WithLabelValues("failure").Inc()
		c.logger.Warn("Payment signature rejected",
			zap.String("order_id", orderID),
			zap.String("payment_id", paymentID))
		return nil, ErrVerificationFailed
	}

	updated, err := c.store.UpdateOrder(ctx, orderID, func(o *models.Order) error {
		switch {
		case o.Status == models.StatusPaymentPending:
			if err := o.ApplyTransition(models.StatusConfirmed, c.now(), "Payment verified"); err != nil {
				return err
			}
			o.PaymentStatus = models.PaymentPaid
			return nil
		case o.PaymentStatus == models.PaymentPaid:
			return errAlreadyPaid
		case o.Status == models.StatusCancelled:
			return errCancelledRace
		default:
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, o.Status, models.StatusConfirmed)
		}
	})

	switch {
	case errors.Is(err, errAlreadyPaid):
		util.PaymentVerificationsTotal.WithLabelValues("duplicate").Inc()
		return c.store.GetOrder(ctx, orderID)
	case errors.Is(err, errCancelledRace):
		if uerr := c.store.UpdatePaymentStatus(ctx, attempt.ID, models.PaymentAttemptRefundNeeded, paymentID); uerr != nil {
			c.logger.Error("Failed to flag payment for refund",
				zap.String("order_id", orderID), zap.Error(uerr))
		}
		util.PaymentVerificationsTotal.WithLabelValues("refund_needed").Inc()
		c.logger.Warn("Valid payment on cancelled order, refund flagged",
			zap.String("order_id", orderID),
			zap.String("payment_id", paymentID))
		return nil, ErrPaidAfterCancel
	case err != nil:
		return nil, err
	}

	if err := c.store.UpdatePaymentStatus(ctx, attempt.ID, models.PaymentAttemptSuccess, paymentID); err != nil {
		c.logger.Error("Failed to record successful payment",
			zap.String("order_id", orderID), zap.Error(err))
	}
	if err := c.store.ConsumeReservations(ctx, orderID); err != nil {
		c.logger.Error("Failed to consume reservations",
			zap.String("order_id", orderID), zap.Error(err))
	}

	util.PaymentVerificationsTotal.WithLabelValues("success").Inc()
	util.OrdersConfirmedTotal.Inc()
	c.logger.Info("Payment verified, order confirmed",
		zap.String("order_id", orderID),
		zap.String("payment_id", paymentID))
	return updated, nil
}

// MarkAborted records that the buyer dismissed the payment UI. The order
// itself is cancelled through the same path as a manual cancel; callers run
// that separately so the cart restore and fan-out stay in one place.
func (c *Coordinator) MarkAborted(ctx context.Context, orderID string) error {
	attempt, err := c.store.LatestPaymentByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if attempt == nil || attempt.Status != models.PaymentAttemptPending {
		return nil
	}
	return c.store.UpdatePaymentStatus(ctx, attempt.ID, models.PaymentAttemptFailed, "")
}

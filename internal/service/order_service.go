package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-order-service/internal/carrier"
	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/payment"
	"marketplace-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPageSize is the order list page size
const DefaultPageSize = 20

// Checkout and transition errors surfaced to the API layer
var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrMixedSellers      = errors.New("cart lines belong to more than one seller")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrForbidden         = errors.New("actor is not allowed to perform this transition")
	ErrDuplicateRequest  = errors.New("request with this idempotency key was already accepted")
)

// Store is the persistence surface the service depends on
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID, role string, page, pageSize int) ([]models.Order, error)
	UpdateOrder(ctx context.Context, orderID string, mutate func(*models.Order) error) (*models.Order, error)
	CancelPendingAndRestore(ctx context.Context, orderID, reason string, at time.Time) (*models.Order, int, error)
	ListExpiredPending(ctx context.Context, cutoff time.Time) ([]string, error)
	LatestPaymentByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	GetCartItems(ctx context.Context, buyerID string) ([]models.CartItem, error)
	CartItemCount(ctx context.Context, buyerID string) (int, error)
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
}

// Publisher fans order changes out to connected clients
type Publisher interface {
	PublishOrderUpdated(ctx context.Context, order *models.Order) error
	PublishOrdersListUpdated(ctx context.Context, userID, role string) error
	PublishCartChanged(ctx context.Context, buyerID string, itemCount int) error
}

// Cache is the Redis surface the service uses: the order snapshot cache,
// checkout idempotency keys and short advisory locks
type Cache interface {
	CacheOrder(ctx context.Context, order *models.Order) error
	GetCachedOrder(ctx context.Context, orderID string) (*models.Order, error)
	InvalidateOrder(ctx context.Context, orderID string) error
	SetIdempotencyKey(ctx context.Context, key string, value interface{}) error
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// Reconciler merges carrier state into an order
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string) (*models.Order, bool, error)
}

// CarrierBooker books pickups with the carrier
type CarrierBooker interface {
	CreateShipment(ctx context.Context, order *models.Order) (*carrier.Shipment, error)
}

// PaymentCoordinator drives the external payment handshake
type PaymentCoordinator interface {
	CanRetry(ctx context.Context, orderID string) (bool, string, error)
	Retry(ctx context.Context, orderID string) (*payment.Session, error)
	Verify(ctx context.Context, orderID, paymentID, signature string) (*models.Order, error)
	MarkAborted(ctx context.Context, orderID string) error
}

// EventLog appends order snapshots to the durable event stream
type EventLog interface {
	PublishOrderSnapshot(ctx context.Context, order *models.Order, eventType string) error
}

// OrderService handles the order lifecycle end to end: checkout, payment,
// fulfillment, cancellation and the fan-out that keeps clients current.
type OrderService struct {
	store          Store
	cache          Cache
	publisher      Publisher
	eventLog       EventLog
	reconciler     Reconciler
	carrier        CarrierBooker
	payments       PaymentCoordinator
	paymentWindow  time.Duration
	paymentWinsTie bool
	logger         *zap.Logger
	now            func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	store Store,
	cache Cache,
	publisher Publisher,
	eventLog EventLog,
	reconciler Reconciler,
	carrier CarrierBooker,
	payments PaymentCoordinator,
	paymentWindow time.Duration,
	paymentWinsTie bool,
) *OrderService {
	return &OrderService{
		store:          store,
		cache:          cache,
		publisher:      publisher,
		eventLog:       eventLog,
		reconciler:     reconciler,
		carrier:        carrier,
		payments:       payments,
		paymentWindow:  paymentWindow,
		paymentWinsTie: paymentWinsTie,
		logger:         util.GetLogger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// CheckoutResponse is what the buyer's payment UI needs to proceed
type CheckoutResponse struct {
	Order   *models.Order    `json:"order"`
	Session *payment.Session `json:"payment_session,omitempty"`
}

// Checkout converts the buyer's cart into a payment-pending order. The cart
// lines move into reservations held by the order; they return to the cart only
// if the order is cancelled or expires unpaid. A payment session is opened
// immediately so the buyer can pay without another round trip.
//
// idempotencyKey dedupes double-submits of the same checkout; a replayed key
// is answered with ErrDuplicateRequest rather than a second order.
func (s *OrderService) Checkout(ctx context.Context, buyerID, idempotencyKey string) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout")
	defer span.End()

	if idempotencyKey != "" {
		seen, err := s.cache.CheckIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			s.logger.Warn("Idempotency check failed, proceeding", zap.Error(err))
		} else if seen {
			return nil, ErrDuplicateRequest
		}
	}

	cart, err := s.store.GetCartItems(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if len(cart) == 0 {
		return nil, ErrEmptyCart
	}

	ids := make([]string, len(cart))
	for i, line := range cart {
		ids[i] = line.ProductID
	}
	products, err := s.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	now := s.now()
	order := &models.Order{
		ID:            uuid.New().String(),
		BuyerID:       buyerID,
		Status:        models.StatusPaymentPending,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, line := range cart {
		product, ok := byID[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product not found: %s", line.ProductID)
		}
		if order.SellerID == "" {
			order.SellerID = product.SellerID
		} else if order.SellerID != product.SellerID {
			return nil, ErrMixedSellers
		}
		if line.Quantity > product.Stock {
			return nil, fmt.Errorf("%w: product %s", ErrInsufficientStock, product.ID)
		}
		lineTotal := product.Price * int64(line.Quantity)
		order.Items = append(order.Items, models.OrderItem{
			OrderID:   order.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			LotSize:   line.LotSize,
			UnitPrice: product.Price,
			LineTotal: lineTotal,
		})
		order.TotalPrice += lineTotal
	}

	order.StatusHistory = []models.StatusEntry{{
		Status:     models.StatusPaymentPending,
		OccurredAt: now,
		Note:       "Order placed",
	}}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if idempotencyKey != "" {
		if err := s.cache.SetIdempotencyKey(ctx, idempotencyKey, order.ID); err != nil {
			s.logger.Warn("Failed to record idempotency key", zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", buyerID),
		zap.Int64("total_price", order.TotalPrice))

	session, err := s.payments.Retry(ctx, order.ID)
	if err != nil {
		// the order stands; the buyer retries payment from the order page
		s.logger.Error("Failed to open initial payment session",
			zap.String("order_id", order.ID), zap.Error(err))
		session = nil
	}

	s.fanOut(ctx, order)
	s.publishCartCount(ctx, buyerID)

	return &CheckoutResponse{Order: order, Session: session}, nil
}

// GetOrder returns the order snapshot, serving from the cache when fresh
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if cached, err := s.cache.GetCachedOrder(ctx, orderID); err == nil && cached != nil {
		return cached, nil
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.CacheOrder(ctx, order); err != nil {
		s.logger.Warn("Failed to cache order", zap.String("order_id", orderID), zap.Error(err))
	}
	return order, nil
}

// ListOrders returns one page of a user's orders in the given role
func (s *OrderService) ListOrders(ctx context.Context, userID, role string, page int) ([]models.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID, role, page, DefaultPageSize)
}

// CartCount returns the number of lines in the buyer's cart
func (s *OrderService) CartCount(ctx context.Context, buyerID string) (int, error) {
	return s.store.CartItemCount(ctx, buyerID)
}

// SyncTracking reconciles the order against the carrier and fans the result
// out if anything changed. Carrier failures degrade to the cached snapshot.
// Concurrent syncs for the same order collapse behind a short advisory lock:
// the loser serves whatever snapshot is current instead of hitting the
// carrier again.
func (s *OrderService) SyncTracking(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SyncTracking")
	defer span.End()

	lockKey := "sync:" + orderID
	acquired, err := s.cache.AcquireLock(ctx, lockKey, 10*time.Second)
	if err != nil {
		s.logger.Warn("Sync lock unavailable, proceeding unlocked", zap.Error(err))
	} else if !acquired {
		return s.GetOrder(ctx, orderID)
	} else {
		defer func() {
			if err := s.cache.ReleaseLock(ctx, lockKey); err != nil {
				s.logger.Warn("Failed to release sync lock", zap.Error(err))
			}
		}()
	}

	order, changed, err := s.reconciler.Reconcile(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.fanOut(ctx, order)
	}
	return order, nil
}

// GenerateLabel books the shipment with the carrier and moves the order to
// packed in one step. Confirmed orders may skip the processing stage.
func (s *OrderService) GenerateLabel(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GenerateLabel")
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AWBCode != nil {
		// label already generated; booking twice would strand a shipment
		return order, nil
	}
	if !models.CanTransition(order.Status, models.StatusPacked) {
		util.TransitionsRejectedTotal.WithLabelValues(string(order.Status), string(models.StatusPacked)).Inc()
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, models.StatusPacked)
	}

	shipment, err := s.carrier.CreateShipment(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to book shipment: %w", err)
	}

	updated, err := s.store.UpdateOrder(ctx, orderID, func(o *models.Order) error {
		if o.AWBCode != nil {
			return nil
		}
		note := "Shipment booked"
		if shipment.CourierName != "" {
			note = "Shipment booked with " + shipment.CourierName
		}
		if err := o.ApplyTransition(models.StatusPacked, s.now(), note); err != nil {
			return err
		}
		o.AWBCode = strPtr(shipment.AWBCode)
		o.ShipmentID = strPtr(shipment.ShipmentID)
		if shipment.CourierName != "" {
			o.CourierName = strPtr(shipment.CourierName)
		}
		if shipment.TrackingURL != "" {
			o.TrackingURL = strPtr(shipment.TrackingURL)
		}
		o.ScheduledPickupDate = shipment.PickupDate
		o.EstimatedDeliveryDate = shipment.EstimatedDelivery
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Shipping label generated",
		zap.String("order_id", orderID),
		zap.String("awb_code", shipment.AWBCode))
	s.fanOut(ctx, updated)
	return updated, nil
}

// CancelPending cancels an unpaid order and restores its reserved lines into
// the buyer's cart
func (s *OrderService) CancelPending(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelPending")
	defer span.End()

	order, cartCount, err := s.store.CancelPendingAndRestore(ctx, orderID, reason, s.now())
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.WithLabelValues(reason).Inc()
	util.ReservationsRestoredTotal.Add(float64(len(order.Items)))
	s.logger.Info("Order cancelled, cart restored",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Int("cart_lines", cartCount))

	s.fanOut(ctx, order)
	if err := s.publisher.PublishCartChanged(ctx, order.BuyerID, cartCount); err != nil {
		s.logger.Error("Failed to publish cart change", zap.Error(err))
	}
	return order, nil
}

// AbortPayment handles the buyer dismissing the payment UI: the open attempt
// is marked failed and the order is cancelled through the same path as a
// manual cancel
func (s *OrderService) AbortPayment(ctx context.Context, orderID string) (*models.Order, error) {
	if err := s.payments.MarkAborted(ctx, orderID); err != nil {
		s.logger.Error("Failed to mark payment aborted",
			zap.String("order_id", orderID), zap.Error(err))
	}
	return s.CancelPending(ctx, orderID, models.CancelReasonPaymentAbort)
}

// VerifyPayment confirms the order once the gateway signature checks out
func (s *OrderService) VerifyPayment(ctx context.Context, orderID, paymentID, signature string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.VerifyPayment")
	defer span.End()

	order, err := s.payments.Verify(ctx, orderID, paymentID, signature)
	if err != nil {
		return nil, err
	}
	s.fanOut(ctx, order)
	return order, nil
}

// actor-initiated transitions by role
var buyerTransitions = map[models.OrderStatus]bool{
	models.StatusCancellationRequested: true,
	models.StatusReturnRequested:       true,
	models.StatusCompleted:             true,
}

var sellerTransitions = map[models.OrderStatus]bool{
	models.StatusProcessing:     true,
	models.StatusCancelled:      true,
	models.StatusDeliveryFailed: true,
	models.StatusRTOInitiated:   true,
	models.StatusRTODelivered:   true,
	models.StatusReturnApproved: true,
	models.StatusReturnRejected: true,
	models.StatusReturned:       true,
	models.StatusRefunded:       true,
}

// RequestTransition applies an actor-initiated status change: buyers request
// cancellations and returns or complete a delivered order, sellers move
// fulfillment and resolve requests. The state machine has the final word.
func (s *OrderService) RequestTransition(ctx context.Context, orderID, actorID, role string, to models.OrderStatus, note string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RequestTransition")
	defer span.End()

	allowed := sellerTransitions
	if role == models.RoleBuyer {
		allowed = buyerTransitions
	}
	if !allowed[to] {
		return nil, fmt.Errorf("%w: %s may not move an order to %s", ErrForbidden, role, to)
	}

	updated, err := s.store.UpdateOrder(ctx, orderID, func(o *models.Order) error {
		if role == models.RoleBuyer && o.BuyerID != actorID {
			return ErrForbidden
		}
		if role == models.RoleSeller && o.SellerID != actorID {
			return ErrForbidden
		}
		if err := o.ApplyTransition(to, s.now(), note); err != nil {
			util.TransitionsRejectedTotal.WithLabelValues(string(o.Status), string(to)).Inc()
			return err
		}
		switch to {
		case models.StatusCancelled:
			at := s.now()
			o.CancelledAt = &at
			reason := note
			if reason == "" {
				reason = models.CancelReasonBuyerRequest
			}
			o.CancellationReason = &reason
			if o.PaymentStatus == models.PaymentPaid {
				o.PaymentStatus = models.PaymentRefundRequested
			}
		case models.StatusRefunded:
			o.PaymentStatus = models.PaymentRefunded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if to == models.StatusCancelled {
		util.OrdersCancelledTotal.WithLabelValues("post_confirmation").Inc()
	}
	s.fanOut(ctx, updated)
	return updated, nil
}

// fanOut refreshes the cache and pushes the change to every interested
// surface: the order topic, both list topics and the durable event stream.
// Fan-out failures are logged, never returned; the database already holds the
// truth and clients re-sync with a pull.
func (s *OrderService) fanOut(ctx context.Context, order *models.Order) {
	if err := s.cache.CacheOrder(ctx, order); err != nil {
		s.logger.Warn("Failed to refresh order cache",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	if err := s.publisher.PublishOrderUpdated(ctx, order); err != nil {
		s.logger.Error("Failed to publish order update",
			zap.String("order_id", order.ID), zap.Error(err))
	}
	if err := s.publisher.PublishOrdersListUpdated(ctx, order.BuyerID, models.RoleBuyer); err != nil {
		s.logger.Error("Failed to publish buyer list update", zap.Error(err))
	}
	if err := s.publisher.PublishOrdersListUpdated(ctx, order.SellerID, models.RoleSeller); err != nil {
		s.logger.Error("Failed to publish seller list update", zap.Error(err))
	}
	if s.eventLog != nil {
		if err := s.eventLog.PublishOrderSnapshot(ctx, order, models.EventTypeOrderUpdated); err != nil {
			s.logger.Error("Failed to append order event",
				zap.String("order_id", order.ID), zap.Error(err))
		}
	}
}

func (s *OrderService) publishCartCount(ctx context.Context, buyerID string) {
	count, err := s.store.CartItemCount(ctx, buyerID)
	if err != nil {
		s.logger.Warn("Failed to count cart lines", zap.String("buyer_id", buyerID), zap.Error(err))
		return
	}
	if err := s.publisher.PublishCartChanged(ctx, buyerID, count); err != nil {
		s.logger.Error("Failed to publish cart change", zap.Error(err))
	}
}

func strPtr(s string) *string { return &s }

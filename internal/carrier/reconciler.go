package carrier

import (
	"context"
	"errors"
	"sort"
	"time"

	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/util"

	"go.uber.org/zap"
)

// OrderStore is the slice of the order store the reconciler needs
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	UpdateOrder(ctx context.Context, orderID string, mutate func(*models.Order) error) (*models.Order, error)
}

// errNoChange aborts the store transaction when a merge found nothing new
var errNoChange = errors.New("no new carrier events")

// Reconciler pulls live shipment state from the carrier and merges it into
// the order's status history without creating duplicates.
type Reconciler struct {
	store   OrderStore
	api     API
	logger  *zap.Logger
	timeout time.Duration
}

// NewReconciler creates a reconciler over the given store and carrier API
func NewReconciler(store OrderStore, api API, timeout time.Duration, logger *zap.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		store:   store,
		api:     api,
		logger:  logger,
		timeout: timeout,
	}
}

// Reconcile merges the carrier's reported state into the order. Orders outside
// the active-shipment set are returned unchanged. Carrier failures are soft:
// the cached order is returned with changed=false and no error, the caller
// keeps displaying what it has.
func (r *Reconciler) Reconcile(ctx context.Context, orderID string) (*models.Order, bool, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	if !models.IsActiveShipment(order.Status) || order.AWBCode == nil {
		return order, false, nil
	}

	start := time.Now()
	trackCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	info, err := r.api.Track(trackCtx, *order.AWBCode)
	util.CarrierSyncLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.CarrierSyncTotal.WithLabelValues("soft_failure").Inc()
		r.logger.Warn("Carrier sync failed, serving cached order",
			zap.String("order_id", orderID),
			zap.Error(err))
		return order, false, nil
	}

	updated, err := r.store.UpdateOrder(ctx, orderID, func(o *models.Order) error {
		if !merge(o, info) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		util.CarrierSyncTotal.WithLabelValues("unchanged").Inc()
		return order, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	util.CarrierSyncTotal.WithLabelValues("updated").Inc()
	r.logger.Info("Carrier state merged",
		zap.String("order_id", orderID),
		zap.String("status", string(updated.Status)))
	return updated, true, nil
}

// merge applies carrier-reported state onto the order. Checkpoints are
// compared to history by status value, not timestamp, so clock skew between
// us and the carrier cannot duplicate entries. Returns whether anything
// changed.
func merge(o *models.Order, info *TrackingInfo) bool {
	changed := false

	if info.CourierName != "" && (o.CourierName == nil || *o.CourierName != info.CourierName) {
		v := info.CourierName
		o.CourierName = &v
		changed = true
	}
	if info.TrackingURL != "" && (o.TrackingURL == nil || *o.TrackingURL != info.TrackingURL) {
		v := info.TrackingURL
		o.TrackingURL = &v
		changed = true
	}
	if info.EstimatedDelivery != nil &&
		(o.EstimatedDeliveryDate == nil || !o.EstimatedDeliveryDate.Equal(*info.EstimatedDelivery)) {
		v := *info.EstimatedDelivery
		o.EstimatedDeliveryDate = &v
		changed = true
	}

	checkpoints := append([]Checkpoint(nil), info.Checkpoints...)
	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.Before(checkpoints[j].Timestamp)
	})

	for _, cp := range checkpoints {
		status := MapStatus(cp.Status)
		if status == "" || o.HasStatusEntry(status) {
			continue
		}
		if !models.CanTransition(o.Status, status) {
			// e.g. a checkpoint for an order cancelled in the meantime
			continue
		}
		note := cp.Remark
		if note == "" && cp.Location != "" {
			note = cp.Location
		}
		if err := o.ApplyTransition(status, cp.Timestamp, note); err != nil {
			continue
		}
		changed = true
	}
	return changed
}

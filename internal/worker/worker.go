package worker

import (
	"context"
	"time"

	"marketplace-order-service/internal/broker"
	"marketplace-order-service/internal/models"
	"marketplace-order-service/internal/service"
	"marketplace-order-service/internal/util"

	"go.uber.org/zap"
)

// DedupStore records which inbound events have already been handled
type DedupStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// CarrierWorker consumes carrier webhook deliveries from the carrier-events
// stream and runs a tracking sync for each affected order. Deliveries are
// at-least-once; the processed-events table collapses redeliveries.
type CarrierWorker struct {
	consumer *broker.Consumer
	handler  *broker.EventHandler
	dedup    DedupStore
	orders   *service.OrderService
	logger   *zap.Logger
}

// NewCarrierWorker creates a carrier worker
func NewCarrierWorker(consumer *broker.Consumer, dedup DedupStore, orders *service.OrderService) *CarrierWorker {
	w := &CarrierWorker{
		consumer: consumer,
		handler:  broker.NewEventHandler(),
		dedup:    dedup,
		orders:   orders,
		logger:   util.GetLogger(),
	}
	w.handler.OnCarrierStatus(w.handleCarrierStatus)
	return w
}

// Start starts the worker; blocks until the context is cancelled
func (w *CarrierWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting carrier worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *CarrierWorker) Stop() error {
	w.logger.Info("Stopping carrier worker")
	return w.consumer.Close()
}

func (w *CarrierWorker) handleCarrierStatus(ctx context.Context, event *models.CarrierStatusEvent) error {
	processed, err := w.dedup.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	// the event only identifies the shipment; the sync pulls the carrier's
	// authoritative checkpoint list, so a stale delivery cannot regress state
	if _, err := w.orders.SyncTracking(ctx, event.OrderID); err != nil {
		w.logger.Error("Carrier-triggered sync failed",
			zap.String("order_id", event.OrderID),
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return err
	}

	return w.dedup.MarkEventProcessed(ctx, event.EventID, event.EventType)
}

// SweepWorker runs the expiration sweep on a fixed interval
type SweepWorker struct {
	orders   *service.OrderService
	interval time.Duration
	logger   *zap.Logger
}

// NewSweepWorker creates a sweep worker
func NewSweepWorker(orders *service.OrderService, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepWorker{
		orders:   orders,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs sweep rounds until the context is cancelled. A failed round is
// logged and retried on the next tick.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting expiration sweep", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping expiration sweep")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.orders.SweepExpired(ctx); err != nil {
				w.logger.Error("Expiration sweep round failed", zap.Error(err))
			}
		}
	}
}

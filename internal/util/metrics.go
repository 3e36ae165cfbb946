package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created at checkout",
	})

	OrdersConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Total number of orders confirmed after payment verification",
	})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Total number of payment-pending orders cancelled by the expiration sweep",
	})

	TransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Total number of rejected state transitions",
	}, []string{"from", "to"})

	ReservationsRestoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_reservations_restored_total",
		Help: "Total number of cart reservations restored after cancellation",
	})

	CarrierSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrier_sync_total",
		Help: "Total number of carrier reconciliation attempts",
	}, []string{"result"})

	CarrierSyncLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carrier_sync_latency_seconds",
		Help:    "Latency of carrier reconciliation calls",
		Buckets: prometheus.DefBuckets,
	})

	PaymentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_retries_total",
		Help: "Total number of payment retry sessions opened",
	})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Total number of payment verification attempts",
	}, []string{"result"})

	PushEventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_events_published_total",
		Help: "Total number of events published on the realtime channel",
	}, []string{"kind"})

	SSEClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sse_clients_connected",
		Help: "Number of currently connected SSE clients",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

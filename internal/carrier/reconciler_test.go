package carrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace-order-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	orders  map[string]*models.Order
	updates int
}

func newFakeStore(orders ...*models.Order) *fakeStore {
	s := &fakeStore{orders: make(map[string]*models.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeStore) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	return o.Clone(), nil
}

func (s *fakeStore) UpdateOrder(_ context.Context, orderID string, mutate func(*models.Order) error) (*models.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	work := o.Clone()
	if err := mutate(work); err != nil {
		return nil, err
	}
	s.orders[orderID] = work
	s.updates++
	return work.Clone(), nil
}

type fakeAPI struct {
	info   *TrackingInfo
	err    error
	tracks int
}

func (a *fakeAPI) CreateShipment(context.Context, *models.Order) (*Shipment, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAPI) Track(context.Context, string) (*TrackingInfo, error) {
	a.tracks++
	return a.info, a.err
}

func shippedOrder(id string) *models.Order {
	now := time.Now().UTC().Add(-time.Hour)
	awb := "AWB123"
	return &models.Order{
		ID:            id,
		Status:        models.StatusShipped,
		PaymentStatus: models.PaymentPaid,
		AWBCode:       &awb,
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusPaymentPending, OccurredAt: now},
			{Status: models.StatusConfirmed, OccurredAt: now.Add(time.Minute)},
			{Status: models.StatusPacked, OccurredAt: now.Add(2 * time.Minute)},
			{Status: models.StatusShipped, OccurredAt: now.Add(3 * time.Minute)},
		},
		UpdatedAt: now.Add(3 * time.Minute),
	}
}

func TestReconcileMergesNewCheckpoints(t *testing.T) {
	order := shippedOrder("o1")
	store := newFakeStore(order)
	base := time.Now().UTC().Add(-30 * time.Minute)
	api := &fakeAPI{info: &TrackingInfo{
		CourierName: "BlueDart",
		Checkpoints: []Checkpoint{
			{Status: "SHIPPED", Timestamp: base},
			{Status: "IN TRANSIT", Timestamp: base.Add(10 * time.Minute), Location: "Mumbai hub"},
			{Status: "OUT FOR DELIVERY", Timestamp: base.Add(20 * time.Minute)},
		},
	}}
	r := NewReconciler(store, api, time.Second, zap.NewNop())

	got, changed, err := r.Reconcile(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusOutForDelivery, got.Status)
	require.Len(t, got.StatusHistory, 6)
	assert.Equal(t, models.StatusInTransit, got.StatusHistory[4].Status)
	assert.Equal(t, "Mumbai hub", got.StatusHistory[4].Note)
	require.NotNil(t, got.CourierName)
	assert.Equal(t, "BlueDart", *got.CourierName)
}

func TestReconcileIsIdempotent(t *testing.T) {
	order := shippedOrder("o1")
	store := newFakeStore(order)
	api := &fakeAPI{info: &TrackingInfo{
		Checkpoints: []Checkpoint{
			{Status: "IN TRANSIT", Timestamp: time.Now().UTC()},
		},
	}}
	r := NewReconciler(store, api, time.Second, zap.NewNop())

	first, changed, err := r.Reconcile(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, changed)

	second, changed, err := r.Reconcile(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, changed, "same feed twice must be a no-op")
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, second.StatusHistory, len(first.StatusHistory))
	assert.Equal(t, 1, store.updates, "no-op sync must not write")
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestReconcileDedupesBySkewedTimestamps(t *testing.T) {
	order := shippedOrder("o1")
	store := newFakeStore(order)
	// carrier re-reports SHIPPED with a different clock; already in history
	api := &fakeAPI{info: &TrackingInfo{
		Checkpoints: []Checkpoint{
			{Status: "SHIPPED", Timestamp: time.Now().UTC().Add(-5 * time.Hour)},
		},
	}}
	r := NewReconciler(store, api, time.Second, zap.NewNop())

	_, changed, err := r.Reconcile(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReconcileSoftFailsOnCarrierError(t *testing.T) {
	order := shippedOrder("o1")
	store := newFakeStore(order)
	api := &fakeAPI{err: errors.New("gateway timeout")}
	r := NewReconciler(store, api, time.Second, zap.NewNop())

	got, changed, err := r.Reconcile(context.Background(), "o1")
	require.NoError(t, err, "carrier outage must not surface as an error")
	assert.False(t, changed)
	assert.Equal(t, models.StatusShipped, got.Status, "cached order is served")
}

func TestReconcileSkipsInactiveOrders(t *testing.T) {
	now := time.Now().UTC()
	order := &models.Order{
		ID:     "o2",
		Status: models.StatusPaymentPending,
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusPaymentPending, OccurredAt: now},
		},
	}
	store := newFakeStore(order)
	api := &fakeAPI{}
	r := NewReconciler(store, api, time.Second, zap.NewNop())

	got, changed, err := r.Reconcile(context.Background(), "o2")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusPaymentPending, got.Status)
	assert.Zero(t, api.tracks, "inactive orders never hit the carrier")
}

func TestReconcileIgnoresUnknownStatuses(t *testing.T) {
	order := shippedOrder("o1")
	store := newFakeStore(order)
	api := &fakeAPI{info: &TrackingInfo{
		Checkpoints: []Checkpoint{
			{Status: "CUSTOMS CLEARED", Timestamp: time.Now().UTC()},
		},
	}}
	r := NewReconciler(store, api, time.Second, zap.NewNop())

	_, changed, err := r.Reconcile(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, models.StatusShipped, MapStatus("PICKED UP"))
	assert.Equal(t, models.StatusInTransit, MapStatus("IN_TRANSIT"))
	assert.Equal(t, models.StatusDelivered, MapStatus("DELIVERED"))
	assert.Equal(t, models.StatusDeliveryFailed, MapStatus("UNDELIVERED"))
	assert.Equal(t, models.OrderStatus(""), MapStatus("SOMETHING ELSE"))
}

package service

import (
	"context"
	"testing"
	"time"

	"marketplace-order-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkoutAged(t *testing.T, f *fixture, buyerID string, age time.Duration) *models.Order {
	t.Helper()
	f.seedCart(buyerID)

	resp, err := f.svc.Checkout(context.Background(), buyerID, "")
	require.NoError(t, err)

	// backdate the order so it falls behind the payment window
	f.store.mu.Lock()
	o := f.store.orders[resp.Order.ID]
	o.CreatedAt = o.CreatedAt.Add(-age)
	f.store.mu.Unlock()
	return resp.Order
}

func TestSweepCancelsExpiredOrders(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()
	expired := checkoutAged(t, f, "buyer-1", time.Hour)
	fresh := checkoutAged(t, f, "buyer-2", time.Minute)

	stats, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Cancelled)

	got, _ := f.store.GetOrder(context.Background(), expired.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CancellationReason)
	assert.Equal(t, models.CancelReasonExpired, *got.CancellationReason)

	// the buyer's cart is whole again and the change was pushed
	cart, _ := f.store.GetCartItems(context.Background(), "buyer-1")
	assert.Len(t, cart, 2)
	counts := f.publisher.cartCounts["buyer-1"]
	assert.Equal(t, 2, counts[len(counts)-1])
	assert.Contains(t, f.publisher.orderTopics, models.OrderTopic(expired.ID))

	// the fresh order is untouched
	stillPending, _ := f.store.GetOrder(context.Background(), fresh.ID)
	assert.Equal(t, models.StatusPaymentPending, stillPending.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()
	checkoutAged(t, f, "buyer-1", time.Hour)

	first, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Cancelled)

	second, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Scanned, "cancelled orders leave the pending set")

	// the cart was restored exactly once
	cart, _ := f.store.GetCartItems(context.Background(), "buyer-1")
	require.Len(t, cart, 2)
	assert.Equal(t, 2, cart[0].Quantity)
}

func TestSweepDefersOrderWithFreshPaymentAttempt(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()
	order := checkoutAged(t, f, "buyer-1", time.Hour)

	// the buyer opened a retry session moments ago; payments win ties
	f.store.addPayment(&models.Payment{
		OrderID:        order.ID,
		PaymentOrderID: "pay_retry",
		Status:         models.PaymentAttemptPending,
		CreatedAt:      time.Now().UTC(),
	})

	stats, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Zero(t, stats.Cancelled)

	got, _ := f.store.GetOrder(context.Background(), order.ID)
	assert.Equal(t, models.StatusPaymentPending, got.Status, "mid-payment order is not cancelled under the buyer")
}

func TestSweepCancelsWhenAttemptIsStale(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()
	order := checkoutAged(t, f, "buyer-1", 2*time.Hour)

	// the only attempt is the one opened at checkout, long past the window
	f.store.addPayment(&models.Payment{
		OrderID:        order.ID,
		PaymentOrderID: "pay_initial",
		Status:         models.PaymentAttemptPending,
		CreatedAt:      time.Now().UTC().Add(-2 * time.Hour),
	})

	stats, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cancelled)
}

func TestSweepSkipsOrderConfirmedUnderneathIt(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog()
	order := checkoutAged(t, f, "buyer-1", time.Hour)

	// simulate the verification winning the row lock: the order flips to
	// confirmed between the scan and the cancel
	_, err := f.store.UpdateOrder(context.Background(), order.ID, func(o *models.Order) error {
		if err := o.ApplyTransition(models.StatusConfirmed, time.Now().UTC(), "Payment verified"); err != nil {
			return err
		}
		o.PaymentStatus = models.PaymentPaid
		return nil
	})
	require.NoError(t, err)

	// the cancel the sweep would issue loses cleanly
	_, _, err = f.store.CancelPendingAndRestore(context.Background(), order.ID, models.CancelReasonExpired, time.Now().UTC())
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	got, _ := f.store.GetOrder(context.Background(), order.ID)
	assert.Equal(t, models.StatusConfirmed, got.Status, "a paid order is never expired")

	cart, _ := f.store.GetCartItems(context.Background(), "buyer-1")
	assert.Empty(t, cart, "reservations of a paid order stay consumed")
}

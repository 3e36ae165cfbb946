package payment

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketplace-order-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-key-secret"

type fakeStore struct {
	orders   map[string]*models.Order
	payments map[string][]*models.Payment
	consumed map[string]bool
	nextID   int64
}

func newFakeStore(orders ...*models.Order) *fakeStore {
	s := &fakeStore{
		orders:   make(map[string]*models.Order),
		payments: make(map[string][]*models.Payment),
		consumed: make(map[string]bool),
	}
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
	return work.Clone(), nil
}

func (s *fakeStore) CreatePayment(_ context.Context, p *models.Payment) error {
	s.nextID++
	p.ID = s.nextID
	p.CreatedAt = time.Now().UTC()
	s.payments[p.OrderID] = append(s.payments[p.OrderID], p)
	return nil
}

func (s *fakeStore) LatestPaymentByOrder(_ context.Context, orderID string) (*models.Payment, error) {
	attempts := s.payments[orderID]
	if len(attempts) == 0 {
		return nil, nil
	}
	cp := *attempts[len(attempts)-1]
	return &cp, nil
}

func (s *fakeStore) UpdatePaymentStatus(_ context.Context, paymentID int64, status, providerTxID string) error {
	for _, attempts := range s.payments {
		for _, p := range attempts {
			if p.ID == paymentID {
				p.Status = status
				p.ProviderTxID = providerTxID
				return nil
			}
		}
	}
	return errors.New("payment not found")
}

func (s *fakeStore) ConsumeReservations(_ context.Context, orderID string) error {
	s.consumed[orderID] = true
	return nil
}

type fakeProcessor struct {
	sessions int
	fail     bool
}

func (p *fakeProcessor) CreateSession(_ context.Context, orderID string, amount int64) (*Session, error) {
	if p.fail {
		return nil, errors.New("gateway down")
	}
	p.sessions++
	return &Session{
		PaymentOrderID: fmt.Sprintf("pay_%s_%d", orderID, p.sessions),
		Amount:         amount,
		Currency:       "INR",
	}, nil
}

func (p *fakeProcessor) VerifySignature(paymentOrderID, paymentID, signature string) bool {
	want := Sign(testSecret, paymentOrderID, paymentID)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

func pendingOrder(id string, age time.Duration) *models.Order {
	created := time.Now().UTC().Add(-age)
	return &models.Order{
		ID:            id,
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		TotalPrice:    150000,
		Status:        models.StatusPaymentPending,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     created,
		UpdatedAt:     created,
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusPaymentPending, OccurredAt: created},
		},
	}
}

func newTestCoordinator(store Store) (*Coordinator, *fakeProcessor) {
	proc := &fakeProcessor{}
	return NewCoordinator(store, proc, 30*time.Minute, zap.NewNop()), proc
}

func TestCanRetryEligible(t *testing.T) {
	store := newFakeStore(pendingOrder("o1", 5*time.Minute))
	c, _ := newTestCoordinator(store)

	ok, reason, err := c.CanRetry(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCanRetryReasons(t *testing.T) {
	expired := pendingOrder("expired", time.Hour)
	paid := pendingOrder("paid", 5*time.Minute)
	paid.Status = models.StatusConfirmed
	paid.PaymentStatus = models.PaymentPaid
	cancelled := pendingOrder("cancelled", 5*time.Minute)
	cancelled.Status = models.StatusCancelled

	store := newFakeStore(expired, paid, cancelled)
	c, _ := newTestCoordinator(store)

	cases := map[string]string{
		"expired":   "payment window has expired",
		"paid":      "payment already completed",
		"cancelled": "order is not awaiting payment",
	}
	for id, want := range cases {
		ok, reason, err := c.CanRetry(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, ok, id)
		assert.Equal(t, want, reason, id)
	}
}

func TestRetryOpensSessionAndRecordsAttempt(t *testing.T) {
	store := newFakeStore(pendingOrder("o1", time.Minute))
	c, proc := newTestCoordinator(store)

	session, err := c.Retry(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(150000), session.Amount)
	assert.Equal(t, 1, proc.sessions)

	attempt, err := store.LatestPaymentByOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, models.PaymentAttemptPending, attempt.Status)
	assert.Equal(t, session.PaymentOrderID, attempt.PaymentOrderID)
}

func TestRetryRejectsIneligible(t *testing.T) {
	store := newFakeStore(pendingOrder("o1", time.Hour))
	c, proc := newTestCoordinator(store)

	_, err := c.Retry(context.Background(), "o1")
	require.ErrorIs(t, err, ErrNotEligible)
	assert.Contains(t, err.Error(), "payment window has expired")
	assert.Zero(t, proc.sessions, "no session opened for an ineligible order")
}

func TestVerifyConfirmsOrder(t *testing.T) {
	store := newFakeStore(pendingOrder("o1", time.Minute))
	c, _ := newTestCoordinator(store)

	session, err := c.Retry(context.Background(), "o1")
	require.NoError(t, err)

	sig := Sign(testSecret, session.PaymentOrderID, "pay_abc")
	order, err := c.Verify(context.Background(), "o1", "pay_abc", sig)
	require.NoError(t, err)

	assert.Equal(t, models.StatusConfirmed, order.Status)
	assert.Equal(t, models.PaymentPaid, order.PaymentStatus)
	assert.True(t, store.consumed["o1"], "reservations consumed on payment success")

	attempt, _ := store.LatestPaymentByOrder(context.Background(), "o1")
	assert.Equal(t, models.PaymentAttemptSuccess, attempt.Status)
	assert.Equal(t, "pay_abc", attempt.ProviderTxID)

	// history gained exactly one entry
	require.Len(t, order.StatusHistory, 2)
	assert.Equal(t, models.StatusConfirmed, order.StatusHistory[1].Status)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	store := newFakeStore(pendingOrder("o1", time.Minute))
	c, _ := newTestCoordinator(store)

	_, err := c.Retry(context.Background(), "o1")
	require.NoError(t, err)

	_, err = c.Verify(context.Background(), "o1", "pay_abc", "forged-signature")
	require.ErrorIs(t, err, ErrVerificationFailed)

	order, _ := store.GetOrder(context.Background(), "o1")
	assert.Equal(t, models.StatusPaymentPending, order.Status, "order stays payable")
	assert.False(t, store.consumed["o1"])

	attempt, _ := store.LatestPaymentByOrder(context.Background(), "o1")
	assert.Equal(t, models.PaymentAttemptFailed, attempt.Status)
}

func TestVerifyAfterCancellationFlagsRefund(t *testing.T) {
	order := pendingOrder("o1", time.Minute)
	store := newFakeStore(order)
	c, _ := newTestCoordinator(store)

	session, err := c.Retry(context.Background(), "o1")
	require.NoError(t, err)

	// the expiration sweep wins the race before the verification arrives
	_, err = store.UpdateOrder(context.Background(), "o1", func(o *models.Order) error {
		return o.ApplyTransition(models.StatusCancelled, time.Now().UTC(), models.CancelReasonExpired)
	})
	require.NoError(t, err)

	sig := Sign(testSecret, session.PaymentOrderID, "pay_late")
	_, err = c.Verify(context.Background(), "o1", "pay_late", sig)
	require.ErrorIs(t, err, ErrPaidAfterCancel)

	got, _ := store.GetOrder(context.Background(), "o1")
	assert.Equal(t, models.StatusCancelled, got.Status, "a cancelled order is never resurrected")

	attempt, _ := store.LatestPaymentByOrder(context.Background(), "o1")
	assert.Equal(t, models.PaymentAttemptRefundNeeded, attempt.Status)
}

func TestVerifyDuplicateIsIdempotent(t *testing.T) {
	store := newFakeStore(pendingOrder("o1", time.Minute))
	c, _ := newTestCoordinator(store)

	session, err := c.Retry(context.Background(), "o1")
	require.NoError(t, err)
	sig := Sign(testSecret, session.PaymentOrderID, "pay_abc")

	first, err := c.Verify(context.Background(), "o1", "pay_abc", sig)
	require.NoError(t, err)

	second, err := c.Verify(context.Background(), "o1", "pay_abc", sig)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, second.StatusHistory, len(first.StatusHistory))
}

func TestMarkAborted(t *testing.T) {
	store := newFakeStore(pendingOrder("o1", time.Minute))
	c, _ := newTestCoordinator(store)

	_, err := c.Retry(context.Background(), "o1")
	require.NoError(t, err)

	require.NoError(t, c.MarkAborted(context.Background(), "o1"))
	attempt, _ := store.LatestPaymentByOrder(context.Background(), "o1")
	assert.Equal(t, models.PaymentAttemptFailed, attempt.Status)

	// aborting with no open attempt is a no-op
	require.NoError(t, c.MarkAborted(context.Background(), "o1"))
}

func TestHMACSignatureRoundTrip(t *testing.T) {
	p := NewHTTPProcessor("http://example.invalid", "key", testSecret, time.Second)
	sig := Sign(testSecret, "pay_order_1", "pay_1")
	assert.True(t, p.VerifySignature("pay_order_1", "pay_1", sig))
	assert.False(t, p.VerifySignature("pay_order_1", "pay_2", sig))
	assert.False(t, p.VerifySignature("pay_order_1", "pay_1", "deadbeef"))
	assert.False(t, p.VerifySignature("pay_order_1", "pay_1", "not-hex"))
}

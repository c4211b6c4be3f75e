package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrow-order-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// startCheckout opens a gcash checkout with reference CHK-<order id>
func (e *testEnv) startCheckout(t *testing.T, order *models.Order) string {
	t.Helper()
	ref := "CHK-" + txRef(order.ID)[len("TXN-"):]
	e.gateway.On("CreateCheckout", mock.Anything, order.ID, order.TotalAmount, models.PaymentMethodGCash).
		Return(&CheckoutSession{Reference: ref, RedirectURL: "https://pay.example/" + ref}, nil).Once()

	_, err := e.payments.StartCheckout(context.Background(), buyer, order.ID, &CheckoutRequest{
		Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodGCash,
	})
	require.NoError(t, err)
	return ref
}

func successEvent(id string, order *models.Order, ref string) *models.PaymentSuccessEvent {
	return &models.PaymentSuccessEvent{
		BaseEvent: models.BaseEvent{EventID: id, EventType: models.EventTypePaymentSuccess, Timestamp: time.Now()},
		OrderID:   order.ID,
		Amount:    order.TotalAmount,
		TxID:      ref,
	}
}

func (e *testEnv) processed(t *testing.T, eventID string) bool {
	t.Helper()
	ok, err := e.repo.IsEventProcessed(context.Background(), eventID)
	require.NoError(t, err)
	return ok
}

func TestSaga_PaymentSuccessConfirmsOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := e.acceptedOrder(t, 2)
	ref := e.startCheckout(t, order)

	require.NoError(t, e.saga.HandlePaymentSuccess(ctx, successEvent("evt-1", order, ref)))

	got := e.reload(t, order.ID)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)
	payment := e.payment(t, order.ID)
	assert.Equal(t, models.EscrowStatusHeld, payment.EscrowStatus)
	assert.Equal(t, models.PaymentMethodGCash, payment.Method)
	assert.Equal(t, ref, payment.Reference)
	assert.True(t, e.processed(t, "evt-1"))

	pending, err := e.redis.HasCheckoutIntent(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.True(t, e.pub.notified(testSellerID, CategoryPaymentReceived))

	// same event again, then the same capture under a new event id
	require.NoError(t, e.saga.HandlePaymentSuccess(ctx, successEvent("evt-1", order, ref)))
	require.NoError(t, e.saga.HandlePaymentSuccess(ctx, successEvent("evt-1b", order, ref)))
	assert.True(t, e.processed(t, "evt-1b"))

	assert.Equal(t, models.EscrowStatusHeld, e.payment(t, order.ID).EscrowStatus)
	e.gateway.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSaga_ExpiredCheckoutIsRefunded(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := e.acceptedOrder(t, 1)
	ref := e.startCheckout(t, order)

	e.mr.FastForward(testPaymentTimeout + time.Second)
	e.gateway.On("Refund", mock.Anything, ref, order.TotalAmount, "checkout expired").
		Return(&RefundResult{RefundID: "RFD-2", Success: true}, nil).Once()

	require.NoError(t, e.saga.HandlePaymentSuccess(ctx, successEvent("evt-2", order, ref)))

	assert.Equal(t, models.OrderStatusAccepted, e.reload(t, order.ID).Status)
	assert.True(t, e.processed(t, "evt-2"))
	assert.True(t, e.pub.notified(testBuyerID, CategoryRefundProcessed))
	e.gateway.AssertExpectations(t)
}

func TestSaga_AmountMismatchIsRefunded(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := e.acceptedOrder(t, 1)
	ref := e.startCheckout(t, order)

	event := successEvent("evt-3", order, ref)
	event.Amount = order.TotalAmount - 500
	e.gateway.On("Refund", mock.Anything, ref, event.Amount, "amount mismatch").
		Return(&RefundResult{RefundID: "RFD-3", Success: true}, nil).Once()

	require.NoError(t, e.saga.HandlePaymentSuccess(ctx, event))
	assert.Equal(t, models.OrderStatusAccepted, e.reload(t, order.ID).Status)
	e.gateway.AssertExpectations(t)
}

func TestSaga_CancelledOrderIsRefunded(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := e.acceptedOrder(t, 1)
	ref := e.startCheckout(t, order)

	_, err := e.orders.CancelOrder(ctx, seller, order.ID, "sold elsewhere")
	require.NoError(t, err)

	e.gateway.On("Refund", mock.Anything, ref, order.TotalAmount, "order no longer payable").
		Return(&RefundResult{RefundID: "RFD-4", Success: true}, nil).Once()

	require.NoError(t, e.saga.HandlePaymentSuccess(ctx, successEvent("evt-4", order, ref)))
	assert.Equal(t, models.OrderStatusCancelled, e.reload(t, order.ID).Status)
	assert.True(t, e.processed(t, "evt-4"))
	e.gateway.AssertExpectations(t)
}

func TestSaga_CompensationFailureIsRetried(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := e.acceptedOrder(t, 1)
	ref := e.startCheckout(t, order)
	e.mr.FastForward(testPaymentTimeout + time.Second)

	e.gateway.On("Refund", mock.Anything, ref, order.TotalAmount, "checkout expired").
		Return(nil, errors.New("gateway timeout")).Once()

	assert.Error(t, e.saga.HandlePaymentSuccess(ctx, successEvent("evt-5", order, ref)))
	assert.False(t, e.processed(t, "evt-5"))
}

func TestSaga_PaymentFailed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := e.acceptedOrder(t, 1)
	ref := e.startCheckout(t, order)

	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-6", EventType: models.EventTypePaymentFailed, Timestamp: time.Now()},
		OrderID:   order.ID,
		TxID:      ref,
		Reason:    "mock_payment_declined",
	}
	require.NoError(t, e.saga.HandlePaymentFailed(ctx, event))
	require.NoError(t, e.saga.HandlePaymentFailed(ctx, event))

	assert.Equal(t, models.OrderStatusAccepted, e.reload(t, order.ID).Status)
	pending, err := e.redis.HasCheckoutIntent(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, pending)

	assert.Equal(t, 1, e.pub.notificationsIn(CategoryPaymentFailed))

	// the buyer can try again right away
	payment, _, err := e.payments.Pay(ctx, buyer, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCOD})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, payment.EscrowStatus)
}

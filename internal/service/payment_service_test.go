package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPaymentService_AmountMismatch(t *testing.T) {
	e := newTestEnv(t)
	order := e.acceptedOrder(t, 3)

	_, _, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{
		Amount: decimal.RequireFromString("1500.02"), Method: models.PaymentMethodCard,
	})
	assert.True(t, IsCode(err, CodeAmountMismatch))

	assert.Equal(t, models.OrderStatusAccepted, e.reload(t, order.ID).Status)
	_, err = e.repo.GetPaymentByOrderID(context.Background(), order.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	e.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestPaymentService_OfflineWithinTolerance(t *testing.T) {
	e := newTestEnv(t)
	order := e.acceptedOrder(t, 3)

	payment, order, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{
		Amount: decimal.RequireFromString("1500.01"), Method: models.PaymentMethodBank,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, order.Status)
	assert.Equal(t, int64(150000), payment.Amount)
	assert.Regexp(t, `^BANK-[0-9a-f]{8}$`, payment.Reference)
	e.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestPaymentService_OfflineKeepsGivenReference(t *testing.T) {
	e := newTestEnv(t)
	order := e.acceptedOrder(t, 1)

	payment, _, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{
		Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCOD, Reference: " RCPT-9 ",
	})
	require.NoError(t, err)
	assert.Equal(t, "RCPT-9", payment.Reference)
}

func TestPaymentService_Validation(t *testing.T) {
	e := newTestEnv(t)
	order := e.acceptedOrder(t, 1)

	_, _, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: "bitcoin"})
	assert.True(t, IsCode(err, CodeInvalidArgument))

	_, _, err = e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{Amount: decimal.Zero, Method: models.PaymentMethodCard})
	assert.True(t, IsCode(err, CodeInvalidArgument))

	_, _, err = e.payments.Pay(context.Background(), seller, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCard})
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestPaymentService_PayBeforeAccept(t *testing.T) {
	e := newTestEnv(t)
	order := e.createOrder(t, 1)

	_, _, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCard})
	assert.True(t, IsCode(err, CodePreconditionFailed))
}

func TestPaymentService_DuplicatePayment(t *testing.T) {
	e := newTestEnv(t)
	order, _ := e.paidOrder(t, 1)

	_, _, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCard})
	assert.True(t, IsCode(err, CodeDuplicatePayment))
	e.gateway.AssertNumberOfCalls(t, "Capture", 1)
}

func TestPaymentService_CaptureDeclined(t *testing.T) {
	e := newTestEnv(t)
	order := e.acceptedOrder(t, 1)

	e.gateway.On("Capture", mock.Anything, mock.Anything).
		Return(&CaptureResult{Success: false, Reason: "insufficient_funds"}, nil).Once()

	_, _, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCard})
	assert.True(t, IsCode(err, CodeGatewayError))
	assert.Contains(t, err.Error(), "insufficient_funds")

	assert.Equal(t, models.OrderStatusAccepted, e.reload(t, order.ID).Status)
	_, err = e.repo.GetPaymentByOrderID(context.Background(), order.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPaymentService_GatewayUnavailable(t *testing.T) {
	e := newTestEnv(t)
	order := e.acceptedOrder(t, 1)

	e.gateway.On("Capture", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	_, _, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodGCash})
	svcErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeGatewayError, svcErr.Code)
	assert.True(t, svcErr.Retryable())
	assert.Equal(t, models.OrderStatusAccepted, e.reload(t, order.ID).Status)
}

func TestPaymentService_StartCheckout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := e.acceptedOrder(t, 2)

	e.gateway.On("CreateCheckout", mock.Anything, order.ID, order.TotalAmount, models.PaymentMethodGCash).
		Return(&CheckoutSession{Reference: "CHK-1", RedirectURL: "https://pay.example/CHK-1"}, nil).Once()

	session, err := e.payments.StartCheckout(ctx, buyer, order.ID, &CheckoutRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodGCash})
	require.NoError(t, err)
	assert.Equal(t, "CHK-1", session.Reference)

	intent, err := e.redis.GetCheckoutIntent(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, testBuyerID, intent.BuyerID)
	assert.Equal(t, order.TotalAmount, intent.Amount)
	assert.Equal(t, models.PaymentMethodGCash, intent.Method)
	assert.Equal(t, testPaymentTimeout, e.mr.TTL(fmt.Sprintf("checkout:%d", order.ID)))

	// a second payment attempt waits for the gateway result
	_, err = e.payments.StartCheckout(ctx, buyer, order.ID, &CheckoutRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCard})
	assert.True(t, IsCode(err, CodePreconditionFailed))
	_, _, err = e.payments.Pay(ctx, buyer, order.ID, &PayRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCOD})
	assert.True(t, IsCode(err, CodePreconditionFailed))

	assert.Equal(t, models.OrderStatusAccepted, e.reload(t, order.ID).Status)
	e.gateway.AssertExpectations(t)
}

func TestPaymentService_StartCheckoutRejectsOfflineMethods(t *testing.T) {
	e := newTestEnv(t)
	order := e.acceptedOrder(t, 1)

	_, err := e.payments.StartCheckout(context.Background(), buyer, order.ID, &CheckoutRequest{Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCOD})
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestAmountMatches(t *testing.T) {
	tests := []struct {
		amount string
		total  int64
		want   bool
	}{
		{"1500.00", 150000, true},
		{"1500", 150000, true},
		{"1500.01", 150000, true},
		{"1499.99", 150000, true},
		{"1500.02", 150000, false},
		{"1499.98", 150000, false},
		{"1500.005", 150000, true},
		{"0.01", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, AmountMatches(decimal.RequireFromString(tt.amount), tt.total))
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "PHP 1500.00", FormatAmount(150000))
	assert.Equal(t, "PHP 0.05", FormatAmount(5))
}

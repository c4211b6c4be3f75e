package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"escrow-order-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSaga struct {
	mock.Mock
}

func (m *mockSaga) HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockSaga) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return m.Called(ctx, event).Error(0)
}

type mockExpirer struct {
	mock.Mock
}

func (m *mockExpirer) ExpireStaleOrders(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	args := m.Called(ctx, timeout, limit)
	return args.Int(0), args.Error(1)
}

func TestPaymentEventWorker_RoutesToSaga(t *testing.T) {
	saga := new(mockSaga)
	w := NewPaymentEventWorker(nil, saga)

	saga.On("HandlePaymentSuccess", mock.Anything, mock.MatchedBy(func(e *models.PaymentSuccessEvent) bool {
		return e.OrderID == 11 && e.TxID == "CHK-11"
	})).Return(nil).Once()
	saga.On("HandlePaymentFailed", mock.Anything, mock.MatchedBy(func(e *models.PaymentFailedEvent) bool {
		return e.OrderID == 12
	})).Return(errors.New("lock busy")).Once()

	success, err := json.Marshal(models.PaymentSuccessEvent{
		BaseEvent: models.BaseEvent{EventID: "a", EventType: models.EventTypePaymentSuccess},
		OrderID:   11, Amount: 100, TxID: "CHK-11",
	})
	require.NoError(t, err)
	failed, err := json.Marshal(models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "b", EventType: models.EventTypePaymentFailed},
		OrderID:   12, TxID: "CHK-12",
	})
	require.NoError(t, err)

	assert.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: success}))
	assert.EqualError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: failed}), "lock busy")
	saga.AssertExpectations(t)
}

func TestSweeper_Sweep(t *testing.T) {
	orders := new(mockExpirer)
	orders.On("ExpireStaleOrders", mock.Anything, 30*time.Minute, 50).Return(3, nil).Once()
	orders.On("ExpireStaleOrders", mock.Anything, 30*time.Minute, 50).Return(0, errors.New("db down")).Once()

	s := NewSweeper(orders, 30*time.Minute, time.Minute, 50)
	assert.Equal(t, 3, s.Sweep(context.Background()))
	assert.Equal(t, 0, s.Sweep(context.Background()))
	orders.AssertExpectations(t)
}

func TestSweeper_Disabled(t *testing.T) {
	orders := new(mockExpirer)
	s := NewSweeper(orders, 0, time.Minute, 50)

	assert.False(t, s.Enabled())
	assert.NoError(t, s.Start(context.Background()))
	orders.AssertNotCalled(t, "ExpireStaleOrders", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweeper_StartTicks(t *testing.T) {
	orders := new(mockExpirer)
	swept := make(chan struct{}, 1)
	orders.On("ExpireStaleOrders", mock.Anything, time.Hour, 10).Return(0, nil).Run(func(mock.Arguments) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	s := NewSweeper(orders, time.Hour, 5*time.Millisecond, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper never ran")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

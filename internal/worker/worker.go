package worker

import (
	"context"
	"time"

	"escrow-order-service/internal/broker"
	"escrow-order-service/internal/models"
	"escrow-order-service/internal/util"

	"go.uber.org/zap"
)

// PaymentResultHandler applies gateway results of redirect checkouts
type PaymentResultHandler interface {
	HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error
	HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// PaymentEventWorker consumes the payment-events topic and drives the checkout saga
type PaymentEventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentEventWorker creates a new payment event worker
func NewPaymentEventWorker(consumer *broker.Consumer, saga PaymentResultHandler) *PaymentEventWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSuccess(saga.HandlePaymentSuccess)
	eventHandler.OnPaymentFailed(saga.HandlePaymentFailed)

	return &PaymentEventWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.ComponentLogger("payment-worker"),
	}
}

// Start starts the worker
func (w *PaymentEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentEventWorker) Stop() error {
	w.logger.Info("Stopping payment event worker")
	return w.consumer.Close()
}

// StaleOrderExpirer cancels unpaid orders past their timeout
type StaleOrderExpirer interface {
	ExpireStaleOrders(ctx context.Context, timeout time.Duration, limit int) (int, error)
}

// Sweeper periodically expires unpaid orders
type Sweeper struct {
	orders    StaleOrderExpirer
	timeout   time.Duration
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewSweeper creates a sweeper that expires orders unpaid for longer than timeout.
// A zero timeout or interval disables it.
func NewSweeper(orders StaleOrderExpirer, timeout, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		orders:    orders,
		timeout:   timeout,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.ComponentLogger("sweeper"),
	}
}

// Enabled reports whether the sweeper has anything to do
func (s *Sweeper) Enabled() bool {
	return s.timeout > 0 && s.interval > 0
}

// Start runs sweeps until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Info("Stale order sweeper disabled")
		return nil
	}

	s.logger.Info("Starting stale order sweeper",
		zap.Duration("timeout", s.timeout),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping stale order sweeper")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and returns how many orders were expired
func (s *Sweeper) Sweep(ctx context.Context) int {
	expired, err := s.orders.ExpireStaleOrders(ctx, s.timeout, s.batchSize)
	if err != nil {
		s.logger.Error("Stale order sweep failed", zap.Error(err))
		return 0
	}
	if expired > 0 {
		s.logger.Info("Expired stale orders", zap.Int("count", expired))
	}
	return expired
}

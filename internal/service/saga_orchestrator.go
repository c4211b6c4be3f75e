package service

import (
	"context"
	"errors"
	"fmt"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/store"
	"escrow-order-service/internal/util"

	"go.uber.org/zap"
)

// SagaOrchestrator applies asynchronous gateway results of redirect checkouts
type SagaOrchestrator struct {
	repo     store.Repository
	orders   *OrderService
	payments *PaymentService
	intents  CheckoutIntentStore
	logger   *zap.Logger
}

// NewSagaOrchestrator creates a new saga orchestrator
func NewSagaOrchestrator(
	repo store.Repository,
	orders *OrderService,
	payments *PaymentService,
	intents CheckoutIntentStore,
) *SagaOrchestrator {
	return &SagaOrchestrator{
		repo:     repo,
		orders:   orders,
		payments: payments,
		intents:  intents,
		logger:   util.GetLogger(),
	}
}

// HandlePaymentSuccess commits a captured checkout as the order's payment.
// A capture that can no longer be applied is refunded.
func (so *SagaOrchestrator) HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	ctx, span := util.StartOrderSpan(ctx, "SagaOrchestrator.HandlePaymentSuccess", event.OrderID)
	defer span.End()

	processed, err := so.repo.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	so.logger.Info("Handling payment success",
		zap.Int64("order_id", event.OrderID),
		zap.String("tx_id", event.TxID))

	var order *models.Order
	var payment *models.Payment
	var buyer Actor
	err = so.orders.locks.WithOrder(ctx, event.OrderID, func() error {
		intent, err := so.intents.GetCheckoutIntent(ctx, event.OrderID)
		if err != nil {
			return fmt.Errorf("failed to load checkout intent: %w", err)
		}
		if intent == nil || intent.Reference != event.TxID {
			existing, err := so.repo.GetPaymentByOrderID(ctx, event.OrderID)
			if err == nil && existing.Reference == event.TxID {
				// redelivered result of a checkout that was already applied
				_, err = so.markProcessed(ctx, event.EventID, event.EventType)
				return err
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("failed to load payment: %w", err)
			}
			return so.compensate(ctx, event, "checkout expired")
		}
		if intent.Amount != event.Amount {
			return so.compensate(ctx, event, "amount mismatch")
		}

		buyer = Actor{UserID: intent.BuyerID, Role: RoleUser}
		order, payment, err = so.payments.commit(ctx, buyer, event.OrderID, intent.Method, event.TxID, event.EventID)
		if errors.Is(err, errEventProcessed) {
			so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
		if _, typed := AsError(err); typed {
			so.logger.Warn("Checkout result rejected by order guard",
				zap.Int64("order_id", event.OrderID),
				zap.Error(err))
			return so.compensate(ctx, event, "order no longer payable")
		}
		if err != nil {
			return err
		}

		if err := so.intents.DeleteCheckoutIntent(ctx, event.OrderID); err != nil {
			so.logger.Warn("Failed to delete checkout intent", zap.Int64("order_id", event.OrderID), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}

	util.CheckoutIntentsTotal.WithLabelValues("paid").Inc()
	util.PaymentSuccessTotal.WithLabelValues(string(payment.Method)).Inc()
	so.payments.paid(ctx, buyer, order, payment)

	so.logger.Info("Order confirmed", zap.Int64("order_id", event.OrderID))
	return nil
}

// compensate refunds a capture and marks its event processed
func (so *SagaOrchestrator) compensate(ctx context.Context, event *models.PaymentSuccessEvent, reason string) error {
	if err := so.payments.compensate(ctx, event.OrderID, event.TxID, event.Amount, reason); err != nil {
		// not marked processed, the event will be retried
		return err
	}
	util.CheckoutIntentsTotal.WithLabelValues("refunded").Inc()

	if _, err := so.markProcessed(ctx, event.EventID, event.EventType); err != nil {
		return err
	}

	if order, err := so.repo.GetOrderByID(ctx, event.OrderID); err == nil {
		so.orders.effects.Notify(ctx, order.BuyerID, "Payment Refunded",
			fmt.Sprintf("Your payment of %s for %s could not be applied (%s) and has been refunded.",
				FormatAmount(event.Amount), order.ProductName, reason),
			CategoryRefundProcessed, order.ID)
	}
	return nil
}

// HandlePaymentFailed drops the checkout intent; the order stays Accepted
func (so *SagaOrchestrator) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartOrderSpan(ctx, "SagaOrchestrator.HandlePaymentFailed", event.OrderID)
	defer span.End()

	processed, err := so.repo.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	so.logger.Warn("Handling payment failure",
		zap.Int64("order_id", event.OrderID),
		zap.String("reason", event.Reason))

	first := false
	err = so.orders.locks.WithOrder(ctx, event.OrderID, func() error {
		intent, err := so.intents.GetCheckoutIntent(ctx, event.OrderID)
		if err != nil {
			return fmt.Errorf("failed to load checkout intent: %w", err)
		}
		if intent != nil && intent.Reference == event.TxID {
			if err := so.intents.DeleteCheckoutIntent(ctx, event.OrderID); err != nil {
				return fmt.Errorf("failed to delete checkout intent: %w", err)
			}
		}

		first, err = so.markProcessed(ctx, event.EventID, event.EventType)
		return err
	})
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	util.PaymentFailedTotal.WithLabelValues("checkout_failed").Inc()
	util.CheckoutIntentsTotal.WithLabelValues("failed").Inc()

	order, err := so.repo.GetOrderByID(ctx, event.OrderID)
	if err != nil {
		so.logger.Warn("Payment failed for unknown order", zap.Int64("order_id", event.OrderID), zap.Error(err))
		return nil
	}
	so.orders.effects.Notify(ctx, order.BuyerID, "Payment Failed",
		fmt.Sprintf("Your payment for %s did not go through (%s). You can try again.", order.ProductName, event.Reason),
		CategoryPaymentFailed, order.ID)
	return nil
}

func (so *SagaOrchestrator) markProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	var first bool
	err := so.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		first, err = tx.MarkEventProcessed(ctx, eventID, eventType)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return first, nil
}

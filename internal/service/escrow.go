package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/store"
	"escrow-order-service/internal/util"

	"go.uber.org/zap"
)

// ErrNoHeldEscrow is returned when release or refund finds nothing held
var ErrNoHeldEscrow = newError(CodePreconditionFailed, "no held escrow for order")

// EscrowLedger owns payment records. Funds only move held→released or held→refunded.
type EscrowLedger struct {
	gateway Gateway
	logger  *zap.Logger
}

// NewEscrowLedger creates a new escrow ledger
func NewEscrowLedger(gateway Gateway) *EscrowLedger {
	return &EscrowLedger{
		gateway: gateway,
		logger:  util.ComponentLogger("escrow"),
	}
}

// CreateHeld records a captured payment as held in escrow
func (l *EscrowLedger) CreateHeld(ctx context.Context, tx store.Tx, order *models.Order, method models.PaymentMethod, reference string) (*models.Payment, error) {
	existing, err := findPayment(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, newError(CodeDuplicatePayment, "payment already exists for this order")
	}

	now := time.Now()
	payment := &models.Payment{
		OrderID:      order.ID,
		BuyerID:      order.BuyerID,
		SellerID:     order.SellerID,
		Amount:       order.TotalAmount,
		Method:       method,
		Reference:    reference,
		Status:       models.PaymentStatusCompleted,
		EscrowStatus: models.EscrowStatusHeld,
		CompletedAt:  &now,
	}
	if err := tx.InsertPayment(ctx, payment); err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) {
			return nil, newError(CodeDuplicatePayment, "payment already exists for this order")
		}
		return nil, err
	}

	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusHeld)).Inc()
	return payment, nil
}

// Release pays the held funds out to the seller
func (l *EscrowLedger) Release(ctx context.Context, tx store.Tx, orderID int64) (*models.Payment, error) {
	payment, err := l.held(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	payment.EscrowStatus = models.EscrowStatusReleased
	payment.ReleasedAt = &now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}

	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusReleased)).Inc()
	l.logger.Info("Escrow released", zap.Int64("order_id", orderID), zap.Int64("amount", payment.Amount))
	return payment, nil
}

// RefundAtGateway returns captured funds through the gateway.
// Offline methods have nothing to return and yield an empty reference.
// It must run outside any database transaction.
func (l *EscrowLedger) RefundAtGateway(ctx context.Context, payment *models.Payment, reason string) (string, error) {
	if !payment.Method.GatewayBacked() {
		return "", nil
	}

	ctx, span := util.StartOrderSpan(ctx, "EscrowLedger.RefundAtGateway", payment.OrderID)
	defer span.End()

	start := time.Now()
	result, err := l.gateway.Refund(ctx, payment.Reference, payment.Amount, reason)
	util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", wrapError(err, CodeGatewayError, "refund failed at payment gateway")
	}
	if !result.Success {
		return "", newError(CodeGatewayError, fmt.Sprintf("refund rejected by payment gateway: %s", result.Reason))
	}
	return result.RefundID, nil
}

// Refund marks the held funds as returned to the buyer
func (l *EscrowLedger) Refund(ctx context.Context, tx store.Tx, orderID int64, reason, refundReference string) (*models.Payment, error) {
	payment, err := l.held(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	payment.EscrowStatus = models.EscrowStatusRefunded
	payment.RefundedAt = &now
	payment.RefundReason = reason
	payment.RefundReference = refundReference
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}

	util.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusRefunded)).Inc()
	l.logger.Info("Escrow refunded",
		zap.Int64("order_id", orderID),
		zap.Int64("amount", payment.Amount),
		zap.String("reason", reason))
	return payment, nil
}

func (l *EscrowLedger) held(ctx context.Context, tx store.Tx, orderID int64) (*models.Payment, error) {
	payment, err := findPayment(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.EscrowStatus != models.EscrowStatusHeld {
		return nil, ErrNoHeldEscrow
	}
	return payment, nil
}

// findPayment locks the order's payment, nil when there is none
func findPayment(ctx context.Context, tx store.Tx, orderID int64) (*models.Payment, error) {
	payment, err := tx.GetPaymentForUpdate(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return payment, nil
}

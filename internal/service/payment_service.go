package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/store"
	"escrow-order-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// errEventProcessed aborts a commit whose triggering event was already applied
var errEventProcessed = errors.New("event already processed")

// PaymentService takes buyer payments into escrow
type PaymentService struct {
	orders         *OrderService
	gateway        Gateway
	intents        CheckoutIntentStore
	paymentTimeout time.Duration
	logger         *zap.Logger
}

// NewPaymentService creates a new payment service.
// paymentTimeout bounds how long a redirect checkout stays open.
func NewPaymentService(orders *OrderService, gateway Gateway, intents CheckoutIntentStore, paymentTimeout time.Duration) *PaymentService {
	return &PaymentService{
		orders:         orders,
		gateway:        gateway,
		intents:        intents,
		paymentTimeout: paymentTimeout,
		logger:         util.GetLogger(),
	}
}

// PayRequest represents a direct payment for an order
type PayRequest struct {
	Amount    decimal.Decimal      `json:"amount"`
	Method    models.PaymentMethod `json:"method" binding:"required"`
	Reference string               `json:"reference,omitempty"`
	Details   map[string]string    `json:"details,omitempty"`
}

// CheckoutRequest represents a redirect checkout for an order
type CheckoutRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Method models.PaymentMethod `json:"method" binding:"required"`
}

// prepare validates a payment against the committed order state
func (ps *PaymentService) prepare(ctx context.Context, actor Actor, orderID int64, amount decimal.Decimal) (*models.Order, error) {
	order, payment, err := ps.orders.snapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if _, err := CheckTransition(ActionPay, actor, TransitionInput{Order: order, Payment: payment}); err != nil {
		return nil, err
	}

	if !AmountMatches(amount, order.TotalAmount) {
		return nil, newError(CodeAmountMismatch, fmt.Sprintf("payment amount (%s) does not match order total (%s)",
			amount.StringFixed(2), ToDecimal(order.TotalAmount).StringFixed(2)))
	}

	pending, err := ps.intents.HasCheckoutIntent(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check checkout intent: %w", err)
	}
	if pending {
		return nil, preconditionFailed("a checkout is already in progress for this order")
	}
	return order, nil
}

// Pay captures the order total and holds it in escrow, moving the order to Confirmed.
// A failed capture leaves the order Accepted.
func (ps *PaymentService) Pay(ctx context.Context, actor Actor, orderID int64, req *PayRequest) (*models.Payment, *models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.Pay", orderID)
	defer span.End()

	if !req.Method.Valid() {
		return nil, nil, invalidArgument("unsupported payment method %q", req.Method)
	}
	if !req.Amount.IsPositive() {
		return nil, nil, invalidArgument("amount must be positive")
	}
	util.PaymentAttemptsTotal.WithLabelValues(string(req.Method)).Inc()

	var order *models.Order
	var payment *models.Payment
	err := ps.orders.locks.WithOrder(ctx, orderID, func() error {
		current, err := ps.prepare(ctx, actor, orderID, req.Amount)
		if err != nil {
			return err
		}

		reference := strings.TrimSpace(req.Reference)
		captured := false
		if req.Method.GatewayBacked() {
			if reference, err = ps.capture(ctx, current, req); err != nil {
				return err
			}
			captured = true
		} else if reference == "" {
			reference = fmt.Sprintf("%s-%s", strings.ToUpper(string(req.Method)), uuid.New().String()[:8])
		}

		order, payment, err = ps.commit(ctx, actor, orderID, req.Method, reference, "")
		if err != nil && captured {
			ps.compensate(ctx, orderID, reference, current.TotalAmount, "payment could not be committed")
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	util.PaymentSuccessTotal.WithLabelValues(string(req.Method)).Inc()
	ps.paid(ctx, actor, order, payment)
	return payment, order, nil
}

func (ps *PaymentService) capture(ctx context.Context, order *models.Order, req *PayRequest) (string, error) {
	start := time.Now()
	result, err := ps.gateway.Capture(ctx, CaptureRequest{
		OrderID: order.ID,
		Amount:  order.TotalAmount,
		Method:  req.Method,
		Details: req.Details,
	})
	util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("gateway_error").Inc()
		return "", wrapError(err, CodeGatewayError, "payment gateway unavailable")
	}
	if !result.Success {
		util.PaymentFailedTotal.WithLabelValues("declined").Inc()
		ps.logger.Warn("Payment declined",
			zap.Int64("order_id", order.ID),
			zap.String("reason", result.Reason))
		return "", newError(CodeGatewayError, fmt.Sprintf("payment declined: %s", result.Reason))
	}
	return result.Reference, nil
}

// commit records the held payment and confirms the order in one transaction.
// A non-empty eventID is marked processed in the same transaction.
func (ps *PaymentService) commit(ctx context.Context, actor Actor, orderID int64, method models.PaymentMethod, reference, eventID string) (*models.Order, *models.Payment, error) {
	return ps.orders.apply(ctx, actor, orderID, ActionPay, TransitionInput{},
		func(ctx context.Context, tx store.Tx, o *models.Order, _ *models.Payment) (*models.Payment, error) {
			if eventID != "" {
				first, err := tx.MarkEventProcessed(ctx, eventID, models.EventTypePaymentSuccess)
				if err != nil {
					return nil, err
				}
				if !first {
					return nil, errEventProcessed
				}
			}
			return ps.orders.escrow.CreateHeld(ctx, tx, o, method, reference)
		})
}

// compensate refunds a capture that did not result in a committed payment
func (ps *PaymentService) compensate(ctx context.Context, orderID int64, reference string, amount int64, reason string) error {
	result, err := ps.gateway.Refund(ctx, reference, amount, reason)
	if err == nil && !result.Success {
		err = fmt.Errorf("refund rejected: %s", result.Reason)
	}
	if err != nil {
		util.CompensatingRefundsTotal.WithLabelValues(reason, "failed").Inc()
		ps.logger.Error("Compensating refund failed",
			zap.Int64("order_id", orderID),
			zap.String("tx_id", reference),
			zap.String("reason", reason),
			zap.Error(err))
		return err
	}

	util.CompensatingRefundsTotal.WithLabelValues(reason, "refunded").Inc()
	ps.logger.Warn("Capture refunded",
		zap.Int64("order_id", orderID),
		zap.String("tx_id", reference),
		zap.String("refund_id", result.RefundID),
		zap.String("reason", reason))
	return nil
}

// paid emits the side effects of a confirmed payment
func (ps *PaymentService) paid(ctx context.Context, actor Actor, order *models.Order, payment *models.Payment) {
	effects := ps.orders.effects
	amount := FormatAmount(payment.Amount)

	effects.OrderChanged(ctx, models.EventTypeOrderConfirmed, order, actor.UserID, payment, "")
	effects.Notify(ctx, order.BuyerID, "Payment Successful",
		fmt.Sprintf("Your payment of %s is held securely in escrow. Seller can now ship your order.", amount),
		CategoryPaymentCompleted, order.ID)
	effects.Notify(ctx, order.SellerID, "Payment Received",
		fmt.Sprintf("Buyer has paid %s for %s. You can now ship the order. Funds will be released after delivery confirmation.", amount, order.ProductName),
		CategoryPaymentReceived, order.ID)
	effects.Chat(ctx, order, order.BuyerID,
		fmt.Sprintf("Payment Completed\n\nAmount: %s\nMethod: %s\nReference: %s\n\nFunds are held securely in escrow.\n\nSeller can now ship your order.",
			amount, payment.Method, payment.Reference))
}

// StartCheckout opens a redirect checkout at the gateway. The result arrives
// later as a payment event and is applied by the saga orchestrator.
func (ps *PaymentService) StartCheckout(ctx context.Context, actor Actor, orderID int64, req *CheckoutRequest) (*CheckoutSession, error) {
	ctx, span := util.StartOrderSpan(ctx, "PaymentService.StartCheckout", orderID)
	defer span.End()

	if !req.Method.GatewayBacked() {
		return nil, invalidArgument("checkout requires a gateway-backed method (card or gcash)")
	}
	if !req.Amount.IsPositive() {
		return nil, invalidArgument("amount must be positive")
	}
	util.PaymentAttemptsTotal.WithLabelValues(string(req.Method)).Inc()

	var session *CheckoutSession
	err := ps.orders.locks.WithOrder(ctx, orderID, func() error {
		order, err := ps.prepare(ctx, actor, orderID, req.Amount)
		if err != nil {
			return err
		}

		session, err = ps.gateway.CreateCheckout(ctx, order.ID, order.TotalAmount, req.Method)
		if err != nil {
			util.PaymentFailedTotal.WithLabelValues("gateway_error").Inc()
			return wrapError(err, CodeGatewayError, "failed to open checkout")
		}

		saved, err := ps.intents.SaveCheckoutIntent(ctx, &models.CheckoutIntent{
			OrderID:   order.ID,
			BuyerID:   actor.UserID,
			Reference: session.Reference,
			Amount:    order.TotalAmount,
			Method:    req.Method,
			CreatedAt: time.Now(),
		}, ps.paymentTimeout)
		if err != nil {
			return fmt.Errorf("failed to save checkout intent: %w", err)
		}
		if !saved {
			return preconditionFailed("a checkout is already in progress for this order")
		}
		return nil
	})
	if err != nil {
		util.CheckoutIntentsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	util.CheckoutIntentsTotal.WithLabelValues("started").Inc()
	ps.logger.Info("Checkout started",
		zap.Int64("order_id", orderID),
		zap.String("reference", session.Reference))
	return session, nil
}

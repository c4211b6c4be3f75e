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

	"go.uber.org/zap"
)

// DisputeResolver suspends an order's normal progression and applies the admin verdict
type DisputeResolver struct {
	orders *OrderService
	logger *zap.Logger
}

// NewDisputeResolver creates a new dispute resolver
func NewDisputeResolver(orders *OrderService) *DisputeResolver {
	return &DisputeResolver{
		orders: orders,
		logger: util.ComponentLogger("disputes"),
	}
}

// RaiseDispute freezes the order until an admin resolves it
func (d *DisputeResolver) RaiseDispute(ctx context.Context, actor Actor, orderID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "DisputeResolver.RaiseDispute", orderID)
	defer span.End()

	reason = strings.TrimSpace(reason)
	var order *models.Order
	var payment *models.Payment
	err := d.orders.locks.WithOrder(ctx, orderID, func() error {
		var err error
		order, payment, err = d.orders.apply(ctx, actor, orderID, ActionDispute, TransitionInput{Reason: reason},
			func(ctx context.Context, tx store.Tx, o *models.Order, p *models.Payment) (*models.Payment, error) {
				o.DisputeRaisedBy = o.PartyOf(actor.UserID)
				o.DisputeReason = reason
				return p, nil
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	raisedBy := order.DisputeRaisedBy
	other := order.SellerID
	if raisedBy == models.PartySeller {
		other = order.BuyerID
	}
	util.DisputesRaisedTotal.WithLabelValues(string(raisedBy)).Inc()
	d.logger.Info("Dispute raised",
		zap.Int64("order_id", order.ID),
		zap.String("raised_by", string(raisedBy)))

	effects := d.orders.effects
	effects.OrderChanged(ctx, models.EventTypeOrderDisputed, order, actor.UserID, payment, reason)
	effects.Notify(ctx, AdminQueue, "Order Dispute",
		fmt.Sprintf("Order #%d - %s disputed by %s. Reason: %s", order.ID, order.ProductName, raisedBy, reason),
		CategoryOrderDisputed, order.ID)
	effects.Notify(ctx, other, "Order Dispute Raised",
		fmt.Sprintf("A dispute has been raised by the %s for order: %s. Admin will review the case.", raisedBy, order.ProductName),
		CategoryOrderDisputed, order.ID)
	effects.Chat(ctx, order, actor.UserID,
		fmt.Sprintf("Dispute Raised\n\nRaised by: %s\nReason: %s\n\nAn admin will review this order.", raisedBy, reason))

	return order, nil
}

// ResolveDispute records the admin verdict and completes the order.
// Seller wins release the escrow, buyer wins refund it.
func (d *DisputeResolver) ResolveDispute(ctx context.Context, actor Actor, orderID int64, winner models.Party, resolution string) (*models.Order, *models.Payment, error) {
	ctx, span := util.StartOrderSpan(ctx, "DisputeResolver.ResolveDispute", orderID)
	defer span.End()

	if !actor.IsAdmin() {
		return nil, nil, newError(CodeUnauthorized, "resolving disputes requires the admin role")
	}

	resolution = strings.TrimSpace(resolution)
	in := TransitionInput{Winner: winner, Resolution: resolution}
	refundReason := fmt.Sprintf("Admin decision: %s", resolution)

	var order *models.Order
	var payment *models.Payment
	err := d.orders.locks.WithOrder(ctx, orderID, func() error {
		current, held, err := d.orders.snapshot(ctx, orderID)
		if err != nil {
			return err
		}
		check := in
		check.Order, check.Payment = current, held
		if _, err := CheckTransition(ActionResolve, actor, check); err != nil {
			util.OrdersFailedTotal.WithLabelValues(string(ActionResolve), string(CodeOf(err))).Inc()
			return err
		}

		var refundRef string
		if winner == models.PartyBuyer && held != nil && held.EscrowStatus == models.EscrowStatusHeld {
			if refundRef, err = d.orders.escrow.RefundAtGateway(ctx, held, refundReason); err != nil {
				return err
			}
		}

		order, payment, err = d.orders.apply(ctx, actor, orderID, ActionResolve, in,
			func(ctx context.Context, tx store.Tx, o *models.Order, p *models.Payment) (*models.Payment, error) {
				now := time.Now()
				o.DisputeWinner = winner
				o.DisputeResolution = resolution
				o.CompletionDate = &now
				return d.disposeEscrow(ctx, tx, o, p, refundReason, refundRef)
			})
		if err != nil && refundRef != "" {
			d.logger.Error("Refund issued at gateway but dispute resolution was not committed",
				zap.Int64("order_id", orderID),
				zap.String("refund_id", refundRef),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	util.DisputesResolvedTotal.WithLabelValues(string(winner)).Inc()
	d.logger.Info("Dispute resolved",
		zap.Int64("order_id", order.ID),
		zap.String("winner", string(winner)))
	d.notifyResolution(ctx, actor, order, payment)

	return order, payment, nil
}

// disposeEscrow moves the held funds per the verdict. Orders without a payment
// (offline flows that never reached Pay) complete without escrow disposition.
func (d *DisputeResolver) disposeEscrow(ctx context.Context, tx store.Tx, order *models.Order, payment *models.Payment, reason, refundRef string) (*models.Payment, error) {
	if payment == nil {
		util.EscrowTransitionsTotal.WithLabelValues("none").Inc()
		d.logger.Info("No escrow record for disputed order, resolving without escrow disposition",
			zap.Int64("order_id", order.ID),
			zap.String("winner", string(order.DisputeWinner)))
		return nil, nil
	}

	var disposed *models.Payment
	var err error
	if order.DisputeWinner == models.PartySeller {
		disposed, err = d.orders.escrow.Release(ctx, tx, order.ID)
	} else {
		disposed, err = d.orders.escrow.Refund(ctx, tx, order.ID, reason, refundRef)
	}
	if errors.Is(err, ErrNoHeldEscrow) {
		d.logger.Warn("Escrow already disposed, leaving it untouched",
			zap.Int64("order_id", order.ID),
			zap.String("escrow_status", string(payment.EscrowStatus)))
		return payment, nil
	}
	return disposed, err
}

func (d *DisputeResolver) notifyResolution(ctx context.Context, actor Actor, order *models.Order, payment *models.Payment) {
	effects := d.orders.effects
	amount := FormatAmount(order.TotalAmount)
	winner := order.DisputeWinner

	buyerTitle, sellerTitle := "Dispute Resolved", "Dispute Resolved"
	var buyerMsg, sellerMsg, outcome string
	if winner == models.PartyBuyer {
		buyerTitle = "Dispute Resolved - Refund Issued"
		buyerMsg = fmt.Sprintf("Your dispute has been resolved in your favor. Refund of %s will be processed.", amount)
		sellerMsg = "Dispute resolved in buyer's favor. Payment will be refunded to buyer."
		outcome = "Refund will be processed to buyer."
	} else {
		sellerTitle = "Dispute Resolved - Payment Released"
		buyerMsg = "Dispute resolved in seller's favor. Payment has been released to seller."
		sellerMsg = fmt.Sprintf("Your dispute has been resolved in your favor. Payment of %s has been released.", amount)
		outcome = "Payment released to seller."
	}
	if payment == nil {
		outcome = "No escrow payment was recorded for this order."
	}

	effects.OrderChanged(ctx, models.EventTypeDisputeSettled, order, actor.UserID, payment, order.DisputeResolution)
	effects.Notify(ctx, order.BuyerID, buyerTitle, buyerMsg, CategoryDisputeResolved, order.ID)
	effects.Notify(ctx, order.SellerID, sellerTitle, sellerMsg, CategoryDisputeResolved, order.ID)
	effects.Chat(ctx, order, AdminQueue,
		fmt.Sprintf("Dispute Resolved by Admin\n\nDecision: %s WINS\n\nReason: %s\n\n%s",
			strings.ToUpper(string(winner)), order.DisputeResolution, outcome))
}

// ListDisputes lists disputed orders for admins, unresolved first
func (d *DisputeResolver) ListDisputes(ctx context.Context, actor Actor, openOnly bool) ([]models.Order, error) {
	if !actor.IsAdmin() {
		return nil, newError(CodeUnauthorized, "listing disputes requires the admin role")
	}
	return d.orders.repo.ListDisputedOrders(ctx, openOnly)
}

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

// OrderService handles the order lifecycle
type OrderService struct {
	repo      store.Repository
	locks     *OrderLocks
	intents   CheckoutIntentStore
	inventory *InventoryLedger
	escrow    *EscrowLedger
	effects   *Effects
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	repo store.Repository,
	locks *OrderLocks,
	intents CheckoutIntentStore,
	inventory *InventoryLedger,
	escrow *EscrowLedger,
	effects *Effects,
) *OrderService {
	return &OrderService{
		repo:      repo,
		locks:     locks,
		intents:   intents,
		inventory: inventory,
		escrow:    escrow,
		effects:   effects,
		logger:    util.GetLogger(),
	}
}

// maxOrderQuantity bounds a single order line
const maxOrderQuantity = 10000

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	ProductID      int64  `json:"product_id" binding:"required"`
	Quantity       int    `json:"quantity" binding:"required"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
	Note           string `json:"note,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// mutation applies the side of a transition that goes beyond the status change.
// It runs inside the transaction, after the guard passed.
type mutation func(ctx context.Context, tx store.Tx, order *models.Order, payment *models.Payment) (*models.Payment, error)

// apply runs one guarded transition in a single transaction:
// lock rows, re-check the guard, mutate, persist.
func (s *OrderService) apply(ctx context.Context, actor Actor, orderID int64, action Action, in TransitionInput, mutate mutation) (*models.Order, *models.Payment, error) {
	ctx, span := util.StartOrderSpan(ctx, "transition."+string(action), orderID)
	var order *models.Order
	var payment *models.Payment

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}

		p, err := findPayment(ctx, tx, orderID)
		if err != nil {
			return err
		}

		in.Order, in.Payment = o, p
		to, err := CheckTransition(action, actor, in)
		if err != nil {
			return err
		}
		o.Status = to

		if mutate != nil {
			if p, err = mutate(ctx, tx, o, p); err != nil {
				return err
			}
		}

		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}

		order, payment = o, p
		return nil
	})
	util.EndSpan(span, err)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(string(action), string(CodeOf(err))).Inc()
		return nil, nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(action), string(order.Status)).Inc()
	s.logger.Info("Order transitioned",
		zap.Int64("order_id", order.ID),
		zap.String("action", string(action)),
		zap.String("status", string(order.Status)),
		zap.Int64("actor_id", actor.UserID))
	return order, payment, nil
}

// snapshot reads the committed order and its payment without locking rows
func (s *OrderService) snapshot(ctx context.Context, orderID int64) (*models.Order, *models.Payment, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load order: %w", err)
	}

	payment, err := s.repo.GetPaymentByOrderID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return order, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return order, payment, nil
}

// orderTotal multiplies out the line, refusing totals that do not fit in int64
func orderTotal(price int64, quantity int) (int64, error) {
	total := price * int64(quantity)
	if price < 0 || total/int64(quantity) != price {
		return 0, invalidArgument("order total out of range")
	}
	return total, nil
}

// CreateOrder creates a Pending order and reserves its stock in the same transaction
func (s *OrderService) CreateOrder(ctx context.Context, actor Actor, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.Quantity < 1 {
		return nil, invalidArgument("quantity must be at least 1")
	}
	if req.Quantity > maxOrderQuantity {
		return nil, invalidArgument("quantity must be at most %d", maxOrderQuantity)
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetOrderByIdempotencyKey(ctx, actor.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return existing, nil
		}
	}

	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "product not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product.SellerID == actor.UserID {
		return nil, preconditionFailed("cannot order your own product")
	}

	order := &models.Order{
		BuyerID:         actor.UserID,
		SellerID:        product.SellerID,
		ProductID:       product.ID,
		Quantity:        req.Quantity,
		Status:          models.OrderStatusPending,
		ConversationID:  req.ConversationID,
		DisputeRaisedBy: models.PartyNone,
		DisputeWinner:   models.PartyNone,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetProductForUpdate(ctx, product.ID)
		if err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}

		if err := s.inventory.Reserve(ctx, tx, locked, req.Quantity); err != nil {
			return err
		}

		total, err := orderTotal(locked.Price, req.Quantity)
		if err != nil {
			return err
		}

		order.ProductName = locked.Name
		order.UnitPrice = locked.Price
		order.TotalAmount = total
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		if req.IdempotencyKey != "" {
			// a concurrent request with the same key may have won the insert
			if existing, lookupErr := s.repo.GetOrderByIdempotencyKey(ctx, actor.UserID, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		util.OrdersFailedTotal.WithLabelValues("create", string(CodeOf(err))).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", order.ProductID),
		zap.Int("quantity", order.Quantity))

	s.effects.OrderChanged(ctx, models.EventTypeOrderCreated, order, actor.UserID, nil, "")
	s.effects.Notify(ctx, order.SellerID, "New Order Received",
		fmt.Sprintf("You received an order for %s (Qty: %d). Total: %s", order.ProductName, order.Quantity, FormatAmount(order.TotalAmount)),
		CategoryOrderCreated, order.ID)

	text := fmt.Sprintf("New Order\n\nProduct: %s\nQuantity: %d\nTotal: %s", order.ProductName, order.Quantity, FormatAmount(order.TotalAmount))
	if note := strings.TrimSpace(req.Note); note != "" {
		text += "\nNote: " + note
	}
	s.effects.Chat(ctx, order, actor.UserID, text)

	return order, nil
}

// AcceptOrder lets the seller accept a Pending order
func (s *OrderService) AcceptOrder(ctx context.Context, actor Actor, orderID int64) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.AcceptOrder", orderID)
	defer span.End()

	var order *models.Order
	err := s.locks.WithOrder(ctx, orderID, func() error {
		var err error
		order, _, err = s.apply(ctx, actor, orderID, ActionAccept, TransitionInput{},
			func(ctx context.Context, tx store.Tx, o *models.Order, p *models.Payment) (*models.Payment, error) {
				now := time.Now()
				o.AcceptedAt = &now
				return p, nil
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.effects.OrderChanged(ctx, models.EventTypeOrderAccepted, order, actor.UserID, nil, "")
	s.effects.Notify(ctx, order.BuyerID, "Order Accepted - Payment Required",
		fmt.Sprintf("Your order for %s has been accepted! Please proceed with payment to confirm.", order.ProductName),
		CategoryOrderAccepted, order.ID)
	s.effects.Chat(ctx, order, actor.UserID,
		fmt.Sprintf("Order Accepted\n\nYour order for %s (Qty: %d) has been accepted!\nTotal: %s\n\nPlease pay to complete your order.",
			order.ProductName, order.Quantity, FormatAmount(order.TotalAmount)))

	return order, nil
}

// ShipOrder lets the seller mark a paid order as shipped
func (s *OrderService) ShipOrder(ctx context.Context, actor Actor, orderID int64, proof string) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ShipOrder", orderID)
	defer span.End()

	var order *models.Order
	var payment *models.Payment
	err := s.locks.WithOrder(ctx, orderID, func() error {
		var err error
		order, payment, err = s.apply(ctx, actor, orderID, ActionShip, TransitionInput{},
			func(ctx context.Context, tx store.Tx, o *models.Order, p *models.Payment) (*models.Payment, error) {
				now := time.Now()
				o.ShippedAt = &now
				o.ShipmentProof = strings.TrimSpace(proof)
				return p, nil
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.effects.OrderChanged(ctx, models.EventTypeOrderShipped, order, actor.UserID, payment, "")
	s.effects.Notify(ctx, order.BuyerID, "Order Shipped",
		fmt.Sprintf("Your order for %s has been shipped. Confirm receipt once it arrives to release payment to the seller.", order.ProductName),
		CategoryOrderShipped, order.ID)
	s.effects.Chat(ctx, order, actor.UserID, fmt.Sprintf("Order Shipped\n\n%s is on its way.", order.ProductName))

	return order, nil
}

// CompleteOrder lets the buyer confirm receipt, releasing escrow to the seller
func (s *OrderService) CompleteOrder(ctx context.Context, actor Actor, orderID int64) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.CompleteOrder", orderID)
	defer span.End()

	var order *models.Order
	var payment *models.Payment
	err := s.locks.WithOrder(ctx, orderID, func() error {
		var err error
		order, payment, err = s.apply(ctx, actor, orderID, ActionComplete, TransitionInput{},
			func(ctx context.Context, tx store.Tx, o *models.Order, p *models.Payment) (*models.Payment, error) {
				now := time.Now()
				o.CompletionDate = &now

				released, err := s.escrow.Release(ctx, tx, o.ID)
				if errors.Is(err, ErrNoHeldEscrow) {
					s.logger.Warn("No held escrow to release", zap.Int64("order_id", o.ID))
					return p, nil
				}
				return released, err
			})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.effects.OrderChanged(ctx, models.EventTypeOrderCompleted, order, actor.UserID, payment, "")
	s.effects.Notify(ctx, order.SellerID, "Order Completed - Payment Released",
		fmt.Sprintf("The buyer confirmed receipt of %s. %s has been released to you.", order.ProductName, FormatAmount(order.TotalAmount)),
		CategoryOrderCompleted, order.ID)
	s.effects.Chat(ctx, order, actor.UserID, "Order Completed\n\nThe buyer confirmed receipt. Payment has been released to the seller.")

	return order, nil
}

// CancelOrder cancels an order on behalf of the buyer (Pending only) or the seller
// (before shipping). Stock is restored and held escrow is refunded.
func (s *OrderService) CancelOrder(ctx context.Context, actor Actor, orderID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.CancelOrder", orderID)
	defer span.End()

	reason = strings.TrimSpace(reason)
	var order, current *models.Order
	var payment *models.Payment
	var action Action

	err := s.locks.WithOrder(ctx, orderID, func() error {
		var held *models.Payment
		var err error
		current, held, err = s.snapshot(ctx, orderID)
		if err != nil {
			return err
		}

		switch current.PartyOf(actor.UserID) {
		case models.PartySeller:
			action = ActionSellerCancel
		case models.PartyBuyer:
			action = ActionBuyerCancel
		default:
			return ErrOrderNotFound
		}

		if _, err := CheckTransition(action, actor, TransitionInput{Order: current, Payment: held}); err != nil {
			util.OrdersFailedTotal.WithLabelValues(string(action), string(CodeOf(err))).Inc()
			return err
		}

		refundReason := reason
		if refundReason == "" {
			refundReason = fmt.Sprintf("Order cancelled by %s", current.PartyOf(actor.UserID))
		}

		var refundRef string
		if held != nil && held.EscrowStatus == models.EscrowStatusHeld {
			if refundRef, err = s.escrow.RefundAtGateway(ctx, held, refundReason); err != nil {
				return err
			}
		}

		order, payment, err = s.apply(ctx, actor, orderID, action, TransitionInput{},
			func(ctx context.Context, tx store.Tx, o *models.Order, p *models.Payment) (*models.Payment, error) {
				now := time.Now()
				o.CancelledAt = &now
				o.CancelReason = reason

				if _, err := s.inventory.Restore(ctx, tx, o); err != nil {
					return nil, err
				}
				if p == nil {
					return nil, nil
				}
				return s.escrow.Refund(ctx, tx, o.ID, refundReason, refundRef)
			})
		if err != nil && refundRef != "" {
			s.logger.Error("Refund issued at gateway but cancellation was not committed",
				zap.Int64("order_id", orderID),
				zap.String("refund_id", refundRef),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	by := models.PartyBuyer
	other := order.SellerID
	if action == ActionSellerCancel {
		by = models.PartySeller
		other = order.BuyerID
	}
	util.OrdersCancelledTotal.WithLabelValues(string(by)).Inc()

	message := fmt.Sprintf("Your order for %s was cancelled by the %s.", order.ProductName, by)
	if reason != "" {
		message += " Reason: " + reason
	}
	s.effects.OrderChanged(ctx, models.EventTypeOrderCancelled, order, actor.UserID, payment, reason)
	s.effects.Notify(ctx, other, "Order Cancelled", message, CategoryOrderCancelled, order.ID)
	if payment != nil && payment.EscrowStatus == models.EscrowStatusRefunded {
		s.effects.Notify(ctx, order.BuyerID, "Refund Processed",
			fmt.Sprintf("%s for %s has been refunded.", FormatAmount(payment.Amount), order.ProductName),
			CategoryRefundProcessed, order.ID)
	}
	s.effects.Chat(ctx, order, actor.UserID, "Order Cancelled\n\n"+message)

	return order, nil
}

// ExpireOrder cancels an unpaid order that timed out. It reports false when
// the order has a live checkout or no longer qualifies.
func (s *OrderService) ExpireOrder(ctx context.Context, orderID int64) (bool, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.ExpireOrder", orderID)
	defer span.End()

	var order *models.Order
	err := s.locks.WithOrder(ctx, orderID, func() error {
		pending, err := s.intents.HasCheckoutIntent(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to check checkout intent: %w", err)
		}
		if pending {
			return nil
		}

		order, _, err = s.apply(ctx, SystemActor, orderID, ActionExpire, TransitionInput{},
			func(ctx context.Context, tx store.Tx, o *models.Order, p *models.Payment) (*models.Payment, error) {
				now := time.Now()
				o.CancelledAt = &now
				o.CancelReason = "payment timeout"
				_, err := s.inventory.Restore(ctx, tx, o)
				return p, err
			})
		return err
	})
	if err != nil {
		if IsCode(err, CodePreconditionFailed) {
			return false, nil
		}
		return false, err
	}
	if order == nil {
		return false, nil
	}

	util.OrdersCancelledTotal.WithLabelValues("expired").Inc()
	s.effects.OrderChanged(ctx, models.EventTypeOrderCancelled, order, 0, nil, order.CancelReason)
	s.effects.Notify(ctx, order.BuyerID, "Order Expired",
		fmt.Sprintf("Your order for %s was cancelled because it was not paid in time.", order.ProductName),
		CategoryOrderCancelled, order.ID)
	s.effects.Notify(ctx, order.SellerID, "Order Expired",
		fmt.Sprintf("The order for %s was cancelled because the buyer did not pay in time. Stock has been restored.", order.ProductName),
		CategoryOrderCancelled, order.ID)

	return true, nil
}

// ExpireStaleOrders expires unpaid orders left idle for more than timeout,
// counted from acceptance or, for Pending orders, from creation
func (s *OrderService) ExpireStaleOrders(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	stale, err := s.repo.ListStaleOrders(ctx, time.Now().Add(-timeout), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range stale {
		ok, err := s.ExpireOrder(ctx, o.ID)
		if err != nil {
			s.logger.Error("Failed to expire order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// GetOrder returns an order visible to the actor; admins see every order
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID int64) (*models.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if !actor.IsAdmin() && order.PartyOf(actor.UserID) == models.PartyNone {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// GetActiveOrderByConversation returns the open order negotiated in a chat
// conversation. Callers outside the conversation's order see not found.
func (s *OrderService) GetActiveOrderByConversation(ctx context.Context, actor Actor, conversationID int64) (*models.Order, error) {
	if conversationID <= 0 {
		return nil, invalidArgument("invalid conversation ID")
	}

	order, err := s.repo.GetActiveOrderByConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "no active order for conversation")
	}
	if err != nil {
		return nil, err
	}

	if !actor.IsAdmin() && order.PartyOf(actor.UserID) == models.PartyNone {
		return nil, newError(CodeNotFound, "no active order for conversation")
	}
	return order, nil
}

// ListOrders lists the actor's orders as buyer, seller, or both when party is none
func (s *OrderService) ListOrders(ctx context.Context, actor Actor, party models.Party) ([]models.Order, error) {
	if party != models.PartyNone && !party.Valid() {
		return nil, invalidArgument("role must be buyer or seller")
	}
	return s.repo.ListOrdersByUser(ctx, actor.UserID, party)
}

// GetPayment returns the escrow record of an order visible to the actor
func (s *OrderService) GetPayment(ctx context.Context, actor Actor, orderID int64) (*models.Payment, error) {
	if _, err := s.GetOrder(ctx, actor, orderID); err != nil {
		return nil, err
	}

	payment, err := s.repo.GetPaymentByOrderID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "payment not found")
	}
	return payment, err
}

// ListPayments lists the payments the actor made or received
func (s *OrderService) ListPayments(ctx context.Context, actor Actor) ([]models.PaymentRecord, error) {
	return s.repo.ListPaymentsByUser(ctx, actor.UserID)
}

package service

import (
	"fmt"
	"strings"

	"escrow-order-service/internal/models"
)

// Role of an authenticated caller
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the resolved identity performing an operation
type Actor struct {
	UserID int64
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// SystemActor is used by background workers
var SystemActor = Actor{Role: RoleSystem}

// Action is a guarded order transition
type Action string

const (
	ActionAccept       Action = "accept"
	ActionPay          Action = "pay"
	ActionShip         Action = "ship"
	ActionComplete     Action = "complete"
	ActionSellerCancel Action = "seller_cancel"
	ActionBuyerCancel  Action = "buyer_cancel"
	ActionDispute      Action = "dispute"
	ActionResolve      Action = "resolve"
	ActionExpire       Action = "expire"
)

// TransitionInput is everything a guard may look at
type TransitionInput struct {
	Order      *models.Order
	Payment    *models.Payment // nil when the order has no payment
	Reason     string
	Winner     models.Party
	Resolution string
}

type transitionRule struct {
	parties []models.Party // empty for admin and system actions
	role    Role
	from    []models.OrderStatus
	to      models.OrderStatus
	check   func(in TransitionInput) *Error
}

var transitionRules = map[Action]transitionRule{
	ActionAccept: {
		parties: []models.Party{models.PartySeller},
		from:    []models.OrderStatus{models.OrderStatusPending},
		to:      models.OrderStatusAccepted,
	},
	ActionPay: {
		parties: []models.Party{models.PartyBuyer},
		from:    []models.OrderStatus{models.OrderStatusAccepted},
		to:      models.OrderStatusConfirmed,
		check: func(in TransitionInput) *Error {
			if in.Payment != nil {
				return newError(CodeDuplicatePayment, "payment already exists for this order")
			}
			return nil
		},
	},
	ActionShip: {
		parties: []models.Party{models.PartySeller},
		from:    []models.OrderStatus{models.OrderStatusConfirmed},
		to:      models.OrderStatusShipped,
		check: func(in TransitionInput) *Error {
			if in.Order.DisputeRaised() {
				return preconditionFailed("order is disputed")
			}
			if in.Order.SellerShipped() {
				return preconditionFailed("already shipped")
			}
			held := in.Payment != nil && in.Payment.EscrowStatus == models.EscrowStatusHeld
			if in.Order.Status == models.OrderStatusConfirmed && !held {
				return preconditionFailed("payment is not held in escrow")
			}
			return nil
		},
	},
	ActionComplete: {
		parties: []models.Party{models.PartyBuyer},
		from:    []models.OrderStatus{models.OrderStatusShipped},
		to:      models.OrderStatusCompleted,
		check: func(in TransitionInput) *Error {
			if in.Order.DisputeRaised() {
				return preconditionFailed("order is disputed")
			}
			if !in.Order.SellerShipped() {
				return preconditionFailed("order has not been shipped")
			}
			return nil
		},
	},
	ActionSellerCancel: {
		parties: []models.Party{models.PartySeller},
		from: []models.OrderStatus{
			models.OrderStatusPending, models.OrderStatusAccepted, models.OrderStatusConfirmed,
		},
		to: models.OrderStatusCancelled,
		check: func(in TransitionInput) *Error {
			if in.Order.DisputeRaised() {
				return preconditionFailed("order is disputed")
			}
			if in.Order.SellerShipped() {
				return preconditionFailed("already shipped")
			}
			return nil
		},
	},
	ActionBuyerCancel: {
		parties: []models.Party{models.PartyBuyer},
		from:    []models.OrderStatus{models.OrderStatusPending},
		to:      models.OrderStatusCancelled,
		check: func(in TransitionInput) *Error {
			if !in.Order.CanCancelBuyer() {
				return preconditionFailed("order not pending, buyer can no longer cancel")
			}
			return nil
		},
	},
	ActionDispute: {
		parties: []models.Party{models.PartyBuyer, models.PartySeller},
		from: []models.OrderStatus{
			models.OrderStatusAccepted, models.OrderStatusConfirmed, models.OrderStatusShipped,
		},
		to: models.OrderStatusDisputed,
		check: func(in TransitionInput) *Error {
			if in.Order.DisputeRaised() {
				return preconditionFailed("dispute already raised")
			}
			if strings.TrimSpace(in.Reason) == "" {
				return preconditionFailed("dispute reason is required")
			}
			return nil
		},
	},
	ActionResolve: {
		role: RoleAdmin,
		from: []models.OrderStatus{models.OrderStatusDisputed},
		to:   models.OrderStatusCompleted,
		check: func(in TransitionInput) *Error {
			if !in.Order.DisputeRaised() {
				return preconditionFailed("no dispute raised")
			}
			if in.Order.DisputeResolved() {
				return preconditionFailed("dispute already resolved")
			}
			if !in.Winner.Valid() {
				return preconditionFailed("winner must be buyer or seller")
			}
			if strings.TrimSpace(in.Resolution) == "" {
				return preconditionFailed("resolution is required")
			}
			return nil
		},
	},
	ActionExpire: {
		role: RoleSystem,
		from: []models.OrderStatus{models.OrderStatusPending, models.OrderStatusAccepted},
		to:   models.OrderStatusCancelled,
		check: func(in TransitionInput) *Error {
			if in.Payment != nil {
				return preconditionFailed("order has a payment")
			}
			return nil
		},
	},
}

// CheckTransition validates action against the order state and the actor.
// It returns the target status; it never mutates the order.
func CheckTransition(action Action, actor Actor, in TransitionInput) (models.OrderStatus, error) {
	rule, ok := transitionRules[action]
	if !ok {
		return "", newError(CodeInternal, fmt.Sprintf("unknown action %q", action))
	}
	if in.Order == nil {
		return "", ErrOrderNotFound
	}

	if rule.role != "" {
		if actor.Role != rule.role {
			return "", newError(CodeUnauthorized, fmt.Sprintf("%s requires the %s role", action, rule.role))
		}
	} else if !partyAllowed(rule.parties, in.Order.PartyOf(actor.UserID)) {
		return "", ErrOrderNotFound
	}

	if rule.check != nil {
		if err := rule.check(in); err != nil {
			return "", err
		}
	}

	for _, s := range rule.from {
		if in.Order.Status == s {
			return rule.to, nil
		}
	}
	return "", preconditionFailed("order is %s, cannot %s", in.Order.Status, strings.ReplaceAll(string(action), "_", " "))
}

func partyAllowed(allowed []models.Party, party models.Party) bool {
	for _, p := range allowed {
		if p == party {
			return true
		}
	}
	return false
}

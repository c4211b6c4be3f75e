package store

import (
	"context"
	"errors"
	"time"

	"escrow-order-service/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock is returned when a conditional stock decrement matches no row
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrDuplicatePayment is returned when an order already has a payment row
	ErrDuplicatePayment = errors.New("payment already exists for order")
)

// Repository is the persistence boundary used by the order services.
// Reads outside WithTx see committed state only and take no locks.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64, party models.Party) ([]models.Order, error)
	ListDisputedOrders(ctx context.Context, openOnly bool) ([]models.Order, error)
	ListStaleOrders(ctx context.Context, idleSince time.Time, limit int) ([]models.Order, error)
	GetActiveOrderByConversation(ctx context.Context, conversationID int64) (*models.Order, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	ListPaymentsByUser(ctx context.Context, userID int64) ([]models.PaymentRecord, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// Tx is a unit of work. Every Get...ForUpdate locks the row until commit.
type Tx interface {
	GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error)
	DecrementStock(ctx context.Context, productID int64, quantity int) error
	IncrementStock(ctx context.Context, productID int64, quantity int) error
	InsertRestoration(ctx context.Context, r *models.InventoryRestoration) (bool, error)

	InsertOrder(ctx context.Context, order *models.Order) error
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error

	GetPaymentForUpdate(ctx context.Context, orderID int64) (*models.Payment, error)
	InsertPayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, payment *models.Payment) error

	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

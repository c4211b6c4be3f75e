package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"escrow-order-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, s.db, "SELECT * FROM orders WHERE id = $1", id)
}

// GetOrderByIdempotencyKey retrieves a buyer's order by idempotency key.
// It returns nil, nil when there is none.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error) {
	order, err := getOrder(ctx, s.db,
		"SELECT * FROM orders WHERE buyer_id = $1 AND idempotency_key = $2", buyerID, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return order, err
}

// ListOrdersByUser retrieves orders where the user plays the given party,
// or either party when party is PartyNone
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64, party models.Party) ([]models.Order, error) {
	var query string
	switch party {
	case models.PartyBuyer:
		query = "SELECT * FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC"
	case models.PartySeller:
		query = "SELECT * FROM orders WHERE seller_id = $1 ORDER BY created_at DESC"
	default:
		query = "SELECT * FROM orders WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC"
	}

	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query, userID); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// ListDisputedOrders retrieves disputed orders, unresolved first
func (s *Store) ListDisputedOrders(ctx context.Context, openOnly bool) ([]models.Order, error) {
	query := `
		SELECT * FROM orders
		WHERE dispute_raised_by <> 'none'`
	if openOnly {
		query += " AND dispute_winner = 'none'"
	}
	query += `
		ORDER BY CASE WHEN dispute_winner = 'none' THEN 0 ELSE 1 END, created_at DESC`

	orders := []models.Order{}
	if err := s.db.SelectContext(ctx, &orders, query); err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	return orders, nil
}

// ListStaleOrders retrieves unpaid Pending/Accepted orders whose last step,
// acceptance or creation, happened before idleSince
func (s *Store) ListStaleOrders(ctx context.Context, idleSince time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, `
		SELECT o.* FROM orders o
		LEFT JOIN payments p ON p.order_id = o.id
		WHERE o.status IN ('Pending', 'Accepted')
		  AND p.id IS NULL
		  AND COALESCE(o.accepted_at, o.created_at) < $1
		ORDER BY COALESCE(o.accepted_at, o.created_at), o.id
		LIMIT $2`,
		idleSince, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	return orders, nil
}

// GetActiveOrderByConversation retrieves the newest order of a conversation
// that is neither Completed nor Cancelled
func (s *Store) GetActiveOrderByConversation(ctx context.Context, conversationID int64) (*models.Order, error) {
	return getOrder(ctx, s.db, `
		SELECT * FROM orders
		WHERE conversation_id = $1
		  AND status NOT IN ('Completed', 'Cancelled')
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		conversationID)
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q, &order, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

// InsertOrder creates a new order
func (t *sqlTx) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (buyer_id, seller_id, product_id, product_name, quantity, unit_price,
			total_amount, status, idempotency_key, conversation_id, dispute_raised_by, dispute_winner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`

	row := t.tx.QueryRowxContext(ctx, query,
		order.BuyerID, order.SellerID, order.ProductID, order.ProductName, order.Quantity,
		order.UnitPrice, order.TotalAmount, order.Status, order.IdempotencyKey,
		order.ConversationID, order.DisputeRaisedBy, order.DisputeWinner)
	if err := row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrderForUpdate locks the order row
func (t *sqlTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return getOrder(ctx, t.tx, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
}

// UpdateOrder writes every mutable column of the order
func (t *sqlTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders SET
			status = $1,
			shipment_proof = $2,
			cancel_reason = $3,
			dispute_raised_by = $4,
			dispute_reason = $5,
			dispute_winner = $6,
			dispute_resolution = $7,
			accepted_at = $8,
			shipped_at = $9,
			completion_date = $10,
			cancelled_at = $11,
			updated_at = NOW()
		WHERE id = $12
		RETURNING updated_at`

	row := t.tx.QueryRowxContext(ctx, query,
		order.Status, order.ShipmentProof, order.CancelReason,
		order.DisputeRaisedBy, order.DisputeReason, order.DisputeWinner, order.DisputeResolution,
		order.AcceptedAt, order.ShippedAt, order.CompletionDate, order.CancelledAt,
		order.ID)
	if err := row.Scan(&order.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

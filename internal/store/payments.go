package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"escrow-order-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// GetPaymentByOrderID retrieves the payment of an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	return getPayment(ctx, s.db, "SELECT * FROM payments WHERE order_id = $1", orderID)
}

// ListPaymentsByUser retrieves payments where the user is buyer or seller, newest first
func (s *Store) ListPaymentsByUser(ctx context.Context, userID int64) ([]models.PaymentRecord, error) {
	payments := []models.PaymentRecord{}
	err := s.db.SelectContext(ctx, &payments, `
		SELECT p.*, o.product_name FROM payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.buyer_id = $1 OR p.seller_id = $1
		ORDER BY p.created_at DESC, p.id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

func getPayment(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q, &payment, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &payment, nil
}

// GetPaymentForUpdate locks the payment row of an order
func (t *sqlTx) GetPaymentForUpdate(ctx context.Context, orderID int64) (*models.Payment, error) {
	return getPayment(ctx, t.tx, "SELECT * FROM payments WHERE order_id = $1 FOR UPDATE", orderID)
}

// InsertPayment creates a new payment record
func (t *sqlTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, buyer_id, seller_id, amount, method, reference,
			status, escrow_status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	row := t.tx.QueryRowxContext(ctx, query,
		payment.OrderID, payment.BuyerID, payment.SellerID, payment.Amount, payment.Method,
		payment.Reference, payment.Status, payment.EscrowStatus, payment.CompletedAt)
	if err := row.Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// UpdatePayment writes the escrow disposition of a payment
func (t *sqlTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		UPDATE payments SET
			status = $1,
			escrow_status = $2,
			refund_reason = $3,
			refund_reference = $4,
			released_at = $5,
			refunded_at = $6,
			updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at`

	row := t.tx.QueryRowxContext(ctx, query,
		payment.Status, payment.EscrowStatus, payment.RefundReason, payment.RefundReference,
		payment.ReleasedAt, payment.RefundedAt, payment.ID)
	if err := row.Scan(&payment.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrow-order-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStoreFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestStore_DecrementStock_Insufficient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").
		WithArgs(3, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.DecrementStock(context.Background(), 1, 3)
	})

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DecrementStock_Success(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE products").
		WithArgs(2, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.DecrementStock(context.Background(), 1, 2)
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertRestoration_AlreadyRestored(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inventory_restorations").
		WithArgs(int64(7), int64(1), 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var inserted bool
	err := s.WithTx(context.Background(), func(tx Tx) error {
		var err error
		inserted, err = tx.InsertRestoration(context.Background(), &models.InventoryRestoration{
			OrderID: 7, ProductID: 1, Quantity: 2, RestoredAt: time.Now(),
		})
		return err
	})

	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkEventProcessed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO processed_events").
		WithArgs("evt-1", models.EventTypePaymentSuccess).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var first bool
	err := s.WithTx(context.Background(), func(tx Tx) error {
		var err error
		first, err = tx.MarkEventProcessed(context.Background(), "evt-1", models.EventTypePaymentSuccess)
		return err
	})

	require.NoError(t, err)
	assert.True(t, first)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertPayment_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO payments").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertPayment(context.Background(), &models.Payment{
			OrderID: 1, Amount: 1000, Method: models.PaymentMethodCard,
			Status: models.PaymentStatusCompleted, EscrowStatus: models.EscrowStatusHeld,
		})
	})

	assert.ErrorIs(t, err, ErrDuplicatePayment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetOrderByID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "buyer_id", "seller_id", "status", "dispute_raised_by", "dispute_winner", "created_at",
	}).AddRow(int64(5), int64(10), int64(20), "Shipped", "none", "none", now)
	mock.ExpectQuery(`SELECT \* FROM orders WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(rows)

	order, err := s.GetOrderByID(context.Background(), 5)

	require.NoError(t, err)
	assert.Equal(t, int64(5), order.ID)
	assert.Equal(t, models.OrderStatusShipped, order.Status)
	assert.Equal(t, models.PartySeller, order.PartyOf(20))
	assert.False(t, order.DisputeRaised())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetOrderByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM orders WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetOrderByID(context.Background(), 9)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetOrderByIdempotencyKey_Absent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM orders WHERE buyer_id").
		WithArgs(int64(10), "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	order, err := s.GetOrderByIdempotencyKey(context.Background(), 10, "key-1")

	assert.NoError(t, err)
	assert.Nil(t, order)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateOrder_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE orders SET").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.UpdateOrder(context.Background(), &models.Order{ID: 99, Status: models.OrderStatusAccepted})
	})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx_RollbackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListStaleOrders(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-time.Hour)

	rows := sqlmock.NewRows([]string{"id", "status", "dispute_raised_by", "dispute_winner"}).
		AddRow(int64(1), "Pending", "none", "none").
		AddRow(int64(2), "Accepted", "none", "none")
	mock.ExpectQuery(`LEFT JOIN payments(.|\n)*COALESCE\(o\.accepted_at, o\.created_at\) < \$1`).
		WithArgs(cutoff, 50).
		WillReturnRows(rows)

	orders, err := s.ListStaleOrders(context.Background(), cutoff, 50)

	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, models.OrderStatusAccepted, orders[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_IncrementStock_RelistsOnlySoldOut(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE products SET stock = stock \+ \$1, status = CASE WHEN stock = 0 THEN 'available' ELSE status END`).
		WithArgs(2, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.IncrementStock(context.Background(), 1, 2)
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetActiveOrderByConversation(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "buyer_id", "seller_id", "status", "conversation_id", "dispute_raised_by", "dispute_winner"}).
		AddRow(int64(8), int64(10), int64(20), "Accepted", int64(31), "none", "none")
	mock.ExpectQuery(`conversation_id = \$1(.|\n)*status NOT IN \('Completed', 'Cancelled'\)`).
		WithArgs(int64(31)).
		WillReturnRows(rows)

	order, err := s.GetActiveOrderByConversation(context.Background(), 31)

	require.NoError(t, err)
	assert.Equal(t, int64(8), order.ID)
	require.NotNil(t, order.ConversationID)
	assert.Equal(t, int64(31), *order.ConversationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetActiveOrderByConversation_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("conversation_id").
		WithArgs(int64(31)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetActiveOrderByConversation(context.Background(), 31)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListPaymentsByUser(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "order_id", "buyer_id", "seller_id", "amount", "escrow_status", "product_name"}).
		AddRow(int64(4), int64(9), int64(10), int64(20), int64(150000), "held", "Rattan Chair").
		AddRow(int64(3), int64(7), int64(30), int64(10), int64(48000), "released", "Abaca Rug")
	mock.ExpectQuery(`JOIN orders o ON o\.id = p\.order_id(.|\n)*p\.buyer_id = \$1 OR p\.seller_id = \$1`).
		WithArgs(int64(10)).
		WillReturnRows(rows)

	payments, err := s.ListPaymentsByUser(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "Rattan Chair", payments[0].ProductName)
	assert.Equal(t, models.EscrowStatusHeld, payments[0].EscrowStatus)
	assert.Equal(t, int64(10), payments[1].SellerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

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

// InventoryLedger owns product stock. Every stock mutation goes through
// Reserve or Restore, always inside the caller's transaction.
type InventoryLedger struct {
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger() *InventoryLedger {
	return &InventoryLedger{logger: util.ComponentLogger("inventory")}
}

// Reserve takes quantity out of the product's stock.
// Untracked products have unlimited stock and are left untouched.
func (l *InventoryLedger) Reserve(ctx context.Context, tx store.Tx, product *models.Product, quantity int) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if quantity < 1 {
		return invalidArgument("quantity must be at least 1")
	}
	// a sold-out product is flagged unavailable too; shortage wins over the flag
	if product.TrackInventory && product.Stock < quantity {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return newError(CodeInsufficientStock, fmt.Sprintf("insufficient stock: %d available, %d requested", product.Stock, quantity))
	}
	if product.Status != models.ProductStatusAvailable {
		util.InventoryReservationsFailed.WithLabelValues("unavailable").Inc()
		return preconditionFailed("product is unavailable")
	}
	if !product.TrackInventory {
		return nil
	}

	if err := tx.DecrementStock(ctx, product.ID, quantity); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return newError(CodeInsufficientStock, "insufficient stock")
		}
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to reserve stock for product %d: %w", product.ID, err)
	}

	return nil
}

// Restore returns an order's reservation to stock exactly once.
// It reports false when the order was already restored.
func (l *InventoryLedger) Restore(ctx context.Context, tx store.Tx, order *models.Order) (bool, error) {
	ctx, span := util.StartOrderSpan(ctx, "InventoryLedger.Restore", order.ID)
	defer span.End()

	product, err := tx.GetProductForUpdate(ctx, order.ProductID)
	if err != nil {
		return false, fmt.Errorf("failed to load product %d: %w", order.ProductID, err)
	}

	inserted, err := tx.InsertRestoration(ctx, &models.InventoryRestoration{
		OrderID:    order.ID,
		ProductID:  order.ProductID,
		Quantity:   order.Quantity,
		RestoredAt: time.Now(),
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		util.InventoryRestorationsTotal.WithLabelValues("duplicate").Inc()
		l.logger.Warn("Stock already restored for order, skipping",
			zap.Int64("order_id", order.ID),
			zap.Int64("product_id", order.ProductID))
		return false, nil
	}

	if !product.TrackInventory {
		util.InventoryRestorationsTotal.WithLabelValues("untracked").Inc()
		return true, nil
	}

	if err := tx.IncrementStock(ctx, order.ProductID, order.Quantity); err != nil {
		return false, err
	}

	util.InventoryRestorationsTotal.WithLabelValues("restored").Inc()
	l.logger.Info("Stock restored",
		zap.Int64("order_id", order.ID),
		zap.Int64("product_id", order.ProductID),
		zap.Int("quantity", order.Quantity))
	return true, nil
}

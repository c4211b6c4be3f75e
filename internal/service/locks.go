package service

import (
	"context"
	"fmt"
	"time"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/util"

	"go.uber.org/zap"
)

// Locker is a distributed mutex keyed by name
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// CheckoutIntentStore keeps redirect checkouts until the gateway reports back
type CheckoutIntentStore interface {
	SaveCheckoutIntent(ctx context.Context, intent *models.CheckoutIntent, ttl time.Duration) (bool, error)
	GetCheckoutIntent(ctx context.Context, orderID int64) (*models.CheckoutIntent, error)
	DeleteCheckoutIntent(ctx context.Context, orderID int64) error
	HasCheckoutIntent(ctx context.Context, orderID int64) (bool, error)
}

const lockRetryInterval = 25 * time.Millisecond

// OrderLocks serializes mutating operations per order.
// The lock spans the guard check, any gateway call and the commit.
type OrderLocks struct {
	locker Locker
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

// NewOrderLocks creates per-order locks held for at most ttl.
// Acquisition is retried for up to wait before reporting a conflict.
func NewOrderLocks(locker Locker, ttl, wait time.Duration) *OrderLocks {
	return &OrderLocks{
		locker: locker,
		ttl:    ttl,
		wait:   wait,
		logger: util.ComponentLogger("locks"),
	}
}

// WithOrder runs fn while holding the order's lock
func (l *OrderLocks) WithOrder(ctx context.Context, orderID int64, fn func() error) error {
	key := fmt.Sprintf("order:%d", orderID)
	deadline := time.Now().Add(l.wait)

	var token string
	for {
		t, ok, err := l.locker.AcquireLock(ctx, key, l.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire order lock: %w", err)
		}
		if ok {
			token = t
			break
		}
		if time.Now().After(deadline) {
			return newError(CodeConflict, "order is being modified by another request, retry later")
		}
		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer func() {
		// the request context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.locker.ReleaseLock(releaseCtx, key, token); err != nil {
			l.logger.Error("Failed to release order lock", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}()

	return fn()
}

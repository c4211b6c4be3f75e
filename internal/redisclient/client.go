package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrow-order-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection, used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func intentKey(orderID int64) string {
	return fmt.Sprintf("checkout:%d", orderID)
}

// AcquireLock acquires a distributed lock.
// The returned token must be passed to ReleaseLock; ok is false when the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock failed: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if it is still held with token
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// SaveCheckoutIntent stores a checkout intent with TTL.
// Returns false if the order already has a live intent.
func (c *Client) SaveCheckoutIntent(ctx context.Context, intent *models.CheckoutIntent, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return false, fmt.Errorf("failed to marshal checkout intent: %w", err)
	}

	ok, err := c.rdb.SetNX(ctx, intentKey(intent.OrderID), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("save checkout intent failed: %w", err)
	}
	return ok, nil
}

// GetCheckoutIntent retrieves the live checkout intent of an order.
// It returns nil, nil when there is none or it has expired.
func (c *Client) GetCheckoutIntent(ctx context.Context, orderID int64) (*models.CheckoutIntent, error) {
	payload, err := c.rdb.Get(ctx, intentKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout intent failed: %w", err)
	}

	var intent models.CheckoutIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout intent: %w", err)
	}
	return &intent, nil
}

// DeleteCheckoutIntent drops the checkout intent of an order
func (c *Client) DeleteCheckoutIntent(ctx context.Context, orderID int64) error {
	return c.rdb.Del(ctx, intentKey(orderID)).Err()
}

// HasCheckoutIntent checks if an order has a live checkout intent
func (c *Client) HasCheckoutIntent(ctx context.Context, orderID int64) (bool, error) {
	result, err := c.rdb.Exists(ctx, intentKey(orderID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

package service

import (
	"context"
	"testing"
	"time"

	"escrow-order-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffects_SlowBrokerDoesNotDelayCommittedOrder(t *testing.T) {
	e := newTestEnv(t)
	e.pub.setDelay(300 * time.Millisecond)

	conversation := int64(42)
	start := time.Now()
	order, err := e.orders.CreateOrder(context.Background(), buyer, &CreateOrderRequest{
		ProductID: e.product.ID, Quantity: 1, ConversationID: &conversation,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Len(t, e.pub.chatMessages(), 1)
	assert.True(t, e.pub.notified(testSellerID, CategoryOrderCreated))
	assert.Equal(t, []string{models.EventTypeOrderCreated}, e.pub.eventTypes())
	assert.Equal(t, order.ID, e.reload(t, order.ID).ID)
}

func TestEffects_CancelledRequestStillDelivers(t *testing.T) {
	pub := &recordingPublisher{delay: 20 * time.Millisecond}
	effects := NewEffects(pub)
	pub.flush = effects.Flush
	t.Cleanup(effects.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	effects.Notify(ctx, testBuyerID, "Order Shipped", "on its way", CategoryOrderShipped, 9)
	assert.True(t, pub.notified(testBuyerID, CategoryOrderShipped))
}

func TestEffects_CloseDrainsQueue(t *testing.T) {
	pub := &recordingPublisher{delay: 10 * time.Millisecond}
	effects := NewEffects(pub)

	for i := 0; i < 5; i++ {
		effects.Notify(context.Background(), testSellerID, "New order", "", CategoryOrderCreated, int64(i))
	}
	effects.Close()
	assert.Equal(t, 5, pub.notificationsIn(CategoryOrderCreated))

	// emitted after shutdown: dropped, never panics
	effects.Notify(context.Background(), testSellerID, "New order", "", CategoryOrderCreated, 6)
	effects.Close()
	assert.Equal(t, 5, pub.notificationsIn(CategoryOrderCreated))
}

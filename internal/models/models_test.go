package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderDerivedFlags(t *testing.T) {
	now := time.Now()

	order := &Order{BuyerID: 1, SellerID: 2, Status: OrderStatusPending, DisputeRaisedBy: PartyNone, DisputeWinner: PartyNone}
	assert.True(t, order.CanCancelBuyer())
	assert.False(t, order.SellerConfirmed())
	assert.False(t, order.SellerShipped())

	order.Status = OrderStatusShipped
	order.AcceptedAt = &now
	order.ShippedAt = &now
	assert.False(t, order.CanCancelBuyer())
	assert.True(t, order.SellerConfirmed())
	assert.True(t, order.SellerShipped())
	assert.False(t, order.BuyerConfirmedReceipt())

	order.Status = OrderStatusCompleted
	assert.True(t, order.BuyerConfirmedReceipt())

	order.DisputeRaisedBy = PartyBuyer
	order.DisputeWinner = PartySeller
	assert.True(t, order.DisputeRaised())
	assert.True(t, order.DisputeResolved())
	assert.False(t, order.BuyerConfirmedReceipt(), "admin verdict is not a buyer receipt")
}

func TestOrderPartyOf(t *testing.T) {
	order := &Order{BuyerID: 1, SellerID: 2}
	assert.Equal(t, PartyBuyer, order.PartyOf(1))
	assert.Equal(t, PartySeller, order.PartyOf(2))
	assert.Equal(t, PartyNone, order.PartyOf(3))
}

func TestOrderCloneIsDeep(t *testing.T) {
	now := time.Now()
	conv := int64(7)
	order := &Order{ID: 1, ShippedAt: &now, ConversationID: &conv}

	c := order.Clone()
	*c.ConversationID = 8
	later := now.Add(time.Hour)
	c.ShippedAt = &later

	assert.Equal(t, int64(7), *order.ConversationID)
	assert.Equal(t, now, *order.ShippedAt)
}

func TestPaymentMethod(t *testing.T) {
	assert.True(t, PaymentMethodCard.GatewayBacked())
	assert.True(t, PaymentMethodGCash.GatewayBacked())
	assert.False(t, PaymentMethodCOD.GatewayBacked())
	assert.False(t, PaymentMethodBank.GatewayBacked())
	assert.False(t, PaymentMethod("cheque").Valid())
}

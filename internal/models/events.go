package models

import "time"

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderAccepted  = "ORDER_ACCEPTED"
	EventTypeOrderConfirmed = "ORDER_CONFIRMED"
	EventTypeOrderShipped   = "ORDER_SHIPPED"
	EventTypeOrderCompleted = "ORDER_COMPLETED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypeOrderDisputed  = "ORDER_DISPUTED"
	EventTypeDisputeSettled = "DISPUTE_RESOLVED"
	EventTypePaymentSuccess = "PAYMENT_SUCCESS"
	EventTypePaymentFailed  = "PAYMENT_FAILED"
	EventTypeNotification   = "NOTIFICATION"
	EventTypeChatMessage    = "CHAT_MESSAGE"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent published after every committed order transition
type OrderEvent struct {
	BaseEvent
	OrderID      int64        `json:"order_id"`
	BuyerID      int64        `json:"buyer_id"`
	SellerID     int64        `json:"seller_id"`
	ActorID      int64        `json:"actor_id"`
	Status       OrderStatus  `json:"status"`
	TotalAmount  int64        `json:"total_amount"`
	EscrowStatus EscrowStatus `json:"escrow_status,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// PaymentSuccessEvent published by the payment gateway for a redirect checkout
type PaymentSuccessEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Amount  int64  `json:"amount"`
	TxID    string `json:"tx_id"`
}

// PaymentFailedEvent published by the payment gateway for a redirect checkout
type PaymentFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	TxID    string `json:"tx_id"`
	Reason  string `json:"reason"`
}

// NotificationEvent asks the notification dispatcher to inform a user.
// UserID 0 addresses the admin queue.
type NotificationEvent struct {
	BaseEvent
	UserID        int64  `json:"user_id"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Category      string `json:"category"`
	ReferenceID   int64  `json:"reference_id"`
	ReferenceType string `json:"reference_type"`
}

// ChatMessageEvent asks the chat service to append a system message
type ChatMessageEvent struct {
	BaseEvent
	ConversationID int64  `json:"conversation_id"`
	AuthorID       int64  `json:"author_id"`
	Text           string `json:"text"`
}

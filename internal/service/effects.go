package service

import (
	"context"
	"sync"
	"time"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification categories
const (
	CategoryOrderCreated     = "order_created"
	CategoryOrderAccepted    = "order_accepted"
	CategoryPaymentCompleted = "payment_completed"
	CategoryPaymentReceived  = "payment_received"
	CategoryPaymentFailed    = "payment_failed"
	CategoryOrderShipped     = "order_shipped"
	CategoryOrderCompleted   = "order_completed"
	CategoryOrderCancelled   = "order_cancelled"
	CategoryRefundProcessed  = "refund_processed"
	CategoryOrderDisputed    = "order_disputed"
	CategoryDisputeResolved  = "dispute_resolved"
)

// AdminQueue addresses notifications to the admin team instead of a user
const AdminQueue int64 = 0

// EventPublisher delivers side effects to the notification dispatcher,
// the chat service and order event subscribers
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
	PublishNotification(ctx context.Context, event *models.NotificationEvent) error
	PublishChatMessage(ctx context.Context, event *models.ChatMessageEvent) error
}

const (
	effectQueueSize = 1024
	effectTimeout   = 5 * time.Second
)

// effect is one queued publish
type effect struct {
	ctx     context.Context
	kind    string
	fields  []zap.Field
	publish func(ctx context.Context) error
}

// Effects emits post-commit side effects. Publishing happens on a background
// dispatcher in commit order: callers never wait on the broker, and a failed
// or dropped effect is logged and counted without touching the operation.
type Effects struct {
	publisher EventPublisher
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan effect
	pending sync.WaitGroup
	done    chan struct{}
}

// NewEffects creates a side-effect emitter and starts its dispatcher
func NewEffects(publisher EventPublisher) *Effects {
	e := &Effects{
		publisher: publisher,
		timeout:   effectTimeout,
		logger:    util.ComponentLogger("effects"),
		queue:     make(chan effect, effectQueueSize),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Effects) run() {
	defer close(e.done)
	for ef := range e.queue {
		ctx, cancel := context.WithTimeout(ef.ctx, e.timeout)
		err := ef.publish(ctx)
		cancel()
		if err != nil {
			util.SideEffectFailuresTotal.WithLabelValues(ef.kind).Inc()
			e.logger.Error("Failed to publish side effect",
				append(ef.fields, zap.String("kind", ef.kind), zap.Error(err))...)
		}
		e.pending.Done()
	}
}

// enqueue hands an effect to the dispatcher. The request context is detached
// so a caller that goes away does not cancel effects of a committed change.
func (e *Effects) enqueue(ctx context.Context, kind string, publish func(ctx context.Context) error, fields ...zap.Field) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		util.SideEffectFailuresTotal.WithLabelValues(kind).Inc()
		e.logger.Error("Side effect emitted after shutdown, dropping", append(fields, zap.String("kind", kind))...)
		return
	}

	e.pending.Add(1)
	select {
	case e.queue <- effect{ctx: context.WithoutCancel(ctx), kind: kind, fields: fields, publish: publish}:
	default:
		e.pending.Done()
		util.SideEffectFailuresTotal.WithLabelValues(kind).Inc()
		e.logger.Error("Side effect queue full, dropping", append(fields, zap.String("kind", kind))...)
	}
}

// Flush blocks until every queued effect has been attempted
func (e *Effects) Flush() {
	e.pending.Wait()
}

// Close drains the queue and stops the dispatcher
func (e *Effects) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// OrderChanged publishes a lifecycle event for a committed transition
func (e *Effects) OrderChanged(ctx context.Context, eventType string, order *models.Order, actorID int64, payment *models.Payment, reason string) {
	event := &models.OrderEvent{
		BaseEvent:   newBaseEvent(eventType),
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		ActorID:     actorID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Reason:      reason,
	}
	if payment != nil {
		event.EscrowStatus = payment.EscrowStatus
	}

	e.enqueue(ctx, "order_event", func(ctx context.Context) error {
		return e.publisher.PublishOrderEvent(ctx, event)
	}, zap.Int64("order_id", order.ID), zap.String("event_type", eventType))
}

// Notify sends a notification about an order to a user, or to the admin queue
func (e *Effects) Notify(ctx context.Context, userID int64, title, message, category string, orderID int64) {
	event := &models.NotificationEvent{
		BaseEvent:     newBaseEvent(models.EventTypeNotification),
		UserID:        userID,
		Title:         title,
		Message:       message,
		Category:      category,
		ReferenceID:   orderID,
		ReferenceType: "order",
	}

	e.enqueue(ctx, "notification", func(ctx context.Context) error {
		return e.publisher.PublishNotification(ctx, event)
	}, zap.Int64("order_id", orderID), zap.Int64("user_id", userID), zap.String("category", category))
}

// Chat appends a system message to the order's conversation, if it has one
func (e *Effects) Chat(ctx context.Context, order *models.Order, authorID int64, text string) {
	if order.ConversationID == nil {
		return
	}

	event := &models.ChatMessageEvent{
		BaseEvent:      newBaseEvent(models.EventTypeChatMessage),
		ConversationID: *order.ConversationID,
		AuthorID:       authorID,
		Text:           text,
	}

	e.enqueue(ctx, "chat", func(ctx context.Context) error {
		return e.publisher.PublishChatMessage(ctx, event)
	}, zap.Int64("order_id", order.ID), zap.Int64("conversation_id", *order.ConversationID))
}

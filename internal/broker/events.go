package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events, one producer per topic
type EventPublisher struct {
	orders        *Producer
	notifications *Producer
	chat          *Producer
	payments      *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, notifications, chat, payments *Producer) *EventPublisher {
	return &EventPublisher{
		orders:        orders,
		notifications: notifications,
		chat:          chat,
		payments:      payments,
	}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderEvent publishes an order lifecycle event
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishNotification hands a notification to the notification dispatcher
func (ep *EventPublisher) PublishNotification(ctx context.Context, event *models.NotificationEvent) error {
	return ep.notifications.PublishEvent(ctx, fmt.Sprintf("user-%d", event.UserID), event)
}

// PublishChatMessage appends a system message to a conversation
func (ep *EventPublisher) PublishChatMessage(ctx context.Context, event *models.ChatMessageEvent) error {
	return ep.chat.PublishEvent(ctx, fmt.Sprintf("conversation-%d", event.ConversationID), event)
}

// PublishPaymentSuccess publishes PaymentSuccess event
func (ep *EventPublisher) PublishPaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	return ep.payments.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.payments.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// Close closes every producer
func (ep *EventPublisher) Close() error {
	var firstErr error
	for _, p := range []*Producer{ep.orders, ep.notifications, ep.chat, ep.payments} {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentSuccess func(context.Context, *models.PaymentSuccessEvent) error
	onPaymentFailed  func(context.Context, *models.PaymentFailedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("events")}
}

// OnPaymentSuccess registers a handler for PaymentSuccess events
func (eh *EventHandler) OnPaymentSuccess(handler func(context.Context, *models.PaymentSuccessEvent) error) {
	eh.onPaymentSuccess = handler
}

// OnPaymentFailed registers a handler for PaymentFailed events
func (eh *EventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	eh.onPaymentFailed = handler
}

// HandleMessage routes messages to appropriate handlers.
// Malformed messages are dropped; retrying them cannot help.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping malformed event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	if baseEvent.EventID == "" {
		eh.logger.Error("Dropping event without id", zap.String("event_type", baseEvent.EventType))
		return nil
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentSuccess:
		if eh.onPaymentSuccess != nil {
			var event models.PaymentSuccessEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Dropping malformed PaymentSuccess event", zap.String("event_id", baseEvent.EventID), zap.Error(err))
				return nil
			}
			return eh.onPaymentSuccess(ctx, &event)
		}

	case models.EventTypePaymentFailed:
		if eh.onPaymentFailed != nil {
			var event models.PaymentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Dropping malformed PaymentFailed event", zap.String("event_id", baseEvent.EventID), zap.Error(err))
				return nil
			}
			return eh.onPaymentFailed(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}

package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CaptureRequest asks the gateway to take funds from the buyer
type CaptureRequest struct {
	OrderID int64
	Amount  int64
	Method  models.PaymentMethod
	Details map[string]string
}

// CaptureResult is the gateway's answer to a capture.
// Success false means the capture was declined.
type CaptureResult struct {
	Reference string
	Success   bool
	Reason    string
}

// CheckoutSession is a redirect checkout opened at the gateway
type CheckoutSession struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
}

// RefundResult is the gateway's answer to a refund
type RefundResult struct {
	RefundID string
	Success  bool
	Reason   string
}

// Gateway is the external payment provider
type Gateway interface {
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
	CreateCheckout(ctx context.Context, orderID, amount int64, method models.PaymentMethod) (*CheckoutSession, error)
	Refund(ctx context.Context, reference string, amount int64, reason string) (*RefundResult, error)
}

// PaymentResultPublisher receives the asynchronous outcome of a redirect checkout
type PaymentResultPublisher interface {
	PublishPaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// SimulatedGateway is a mocked payment provider with a configurable success rate.
// Refunds always succeed.
type SimulatedGateway struct {
	successRate float64
	latency     time.Duration
	checkoutURL string
	results     PaymentResultPublisher
	logger      *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedGateway creates a new simulated gateway.
// When results is not nil every checkout is settled asynchronously through it.
func NewSimulatedGateway(successRate float64, latency time.Duration, checkoutURL string, results PaymentResultPublisher) *SimulatedGateway {
	return &SimulatedGateway{
		successRate: successRate,
		latency:     latency,
		checkoutURL: strings.TrimRight(checkoutURL, "/"),
		results:     results,
		logger:      util.ComponentLogger("gateway"),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *SimulatedGateway) succeeds() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Float64() < g.successRate
}

func (g *SimulatedGateway) wait(ctx context.Context) error {
	if g.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(g.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capture simulates a synchronous capture
func (g *SimulatedGateway) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	ctx, span := util.StartOrderSpan(ctx, "SimulatedGateway.Capture", req.OrderID)
	defer span.End()

	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	if !g.succeeds() {
		g.logger.Warn("Capture declined", zap.Int64("order_id", req.OrderID))
		return &CaptureResult{Success: false, Reason: "mock_payment_declined"}, nil
	}

	reference := fmt.Sprintf("TXN-%s", uuid.New().String()[:8])
	g.logger.Info("Capture succeeded",
		zap.Int64("order_id", req.OrderID),
		zap.String("tx_id", reference))
	return &CaptureResult{Reference: reference, Success: true}, nil
}

// CreateCheckout opens a hosted checkout and, if configured, settles it in the background
func (g *SimulatedGateway) CreateCheckout(ctx context.Context, orderID, amount int64, method models.PaymentMethod) (*CheckoutSession, error) {
	reference := fmt.Sprintf("CHK-%s", uuid.New().String()[:8])
	session := &CheckoutSession{
		Reference:   reference,
		RedirectURL: fmt.Sprintf("%s/%s?order=%d&method=%s", g.checkoutURL, reference, orderID, method),
	}

	if g.results != nil {
		go g.settle(orderID, amount, reference)
	}
	return session, nil
}

func (g *SimulatedGateway) settle(orderID, amount int64, reference string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.latency+10*time.Second)
	defer cancel()

	if err := g.wait(ctx); err != nil {
		return
	}

	base := models.BaseEvent{EventID: uuid.New().String(), Timestamp: time.Now()}
	var err error
	if g.succeeds() {
		base.EventType = models.EventTypePaymentSuccess
		err = g.results.PublishPaymentSuccess(ctx, &models.PaymentSuccessEvent{
			BaseEvent: base, OrderID: orderID, Amount: amount, TxID: reference,
		})
	} else {
		base.EventType = models.EventTypePaymentFailed
		err = g.results.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
			BaseEvent: base, OrderID: orderID, TxID: reference, Reason: "mock_payment_declined",
		})
	}
	if err != nil {
		g.logger.Error("Failed to publish checkout result",
			zap.Int64("order_id", orderID),
			zap.String("tx_id", reference),
			zap.Error(err))
	}
}

// Refund simulates a refund of a previous capture
func (g *SimulatedGateway) Refund(ctx context.Context, reference string, amount int64, reason string) (*RefundResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	refundID := fmt.Sprintf("RFD-%s", uuid.New().String()[:8])
	g.logger.Info("Refund issued",
		zap.String("tx_id", reference),
		zap.String("refund_id", refundID),
		zap.Int64("amount", amount),
		zap.String("reason", reason))
	return &RefundResult{RefundID: refundID, Success: true}, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrow-order-service/internal/models"
	"escrow-order-service/internal/redisclient"
	"escrow-order-service/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testPrice          int64 = 50000
	testPaymentTimeout       = 15 * time.Minute
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CaptureResult), args.Error(1)
}

func (m *mockGateway) CreateCheckout(ctx context.Context, orderID, amount int64, method models.PaymentMethod) (*CheckoutSession, error) {
	args := m.Called(ctx, orderID, amount, method)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CheckoutSession), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, reference string, amount int64, reason string) (*RefundResult, error) {
	args := m.Called(ctx, reference, amount, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RefundResult), args.Error(1)
}

// recordingPublisher captures side effects; fail makes every publish error out.
// Readers flush the effect dispatcher first.
type recordingPublisher struct {
	mu            sync.Mutex
	flush         func()
	fail          bool
	delay         time.Duration
	orderEvents   []*models.OrderEvent
	notifications []*models.NotificationEvent
	chats         []*models.ChatMessageEvent
}

var errPublish = errors.New("broker unavailable")

func (p *recordingPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	p.stall(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errPublish
	}
	p.orderEvents = append(p.orderEvents, event)
	return nil
}

func (p *recordingPublisher) PublishNotification(ctx context.Context, event *models.NotificationEvent) error {
	p.stall(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errPublish
	}
	p.notifications = append(p.notifications, event)
	return nil
}

func (p *recordingPublisher) PublishChatMessage(ctx context.Context, event *models.ChatMessageEvent) error {
	p.stall(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errPublish
	}
	p.chats = append(p.chats, event)
	return nil
}

func (p *recordingPublisher) stall(ctx context.Context) {
	p.mu.Lock()
	delay := p.delay
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
}

func (p *recordingPublisher) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *recordingPublisher) setDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

func (p *recordingPublisher) drain() {
	if p.flush != nil {
		p.flush()
	}
}

func (p *recordingPublisher) chatMessages() []*models.ChatMessageEvent {
	p.drain()
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.ChatMessageEvent(nil), p.chats...)
}

func (p *recordingPublisher) notificationsIn(category string) int {
	p.drain()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, event := range p.notifications {
		if event.Category == category {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) notified(userID int64, category string) bool {
	p.drain()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.notifications {
		if n.UserID == userID && n.Category == category {
			return true
		}
	}
	return false
}

func (p *recordingPublisher) eventTypes() []string {
	p.drain()
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.orderEvents))
	for _, e := range p.orderEvents {
		types = append(types, e.EventType)
	}
	return types
}

type testEnv struct {
	repo     *store.MemoryStore
	redis    *redisclient.Client
	mr       *miniredis.Miniredis
	gateway  *mockGateway
	pub      *recordingPublisher
	orders   *OrderService
	payments *PaymentService
	disputes *DisputeResolver
	saga     *SagaOrchestrator
	product  *models.Product
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rc, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	repo := store.NewMemoryStore()
	gw := new(mockGateway)
	pub := &recordingPublisher{}

	locks := NewOrderLocks(rc, 30*time.Second, 200*time.Millisecond)
	effects := NewEffects(pub)
	pub.flush = effects.Flush
	t.Cleanup(effects.Close)
	orders := NewOrderService(repo, locks, rc, NewInventoryLedger(), NewEscrowLedger(gw), effects)
	payments := NewPaymentService(orders, gw, rc, testPaymentTimeout)

	return &testEnv{
		repo:     repo,
		redis:    rc,
		mr:       mr,
		gateway:  gw,
		pub:      pub,
		orders:   orders,
		payments: payments,
		disputes: NewDisputeResolver(orders),
		saga:     NewSagaOrchestrator(repo, orders, payments, rc),
		product: repo.AddProduct(models.Product{
			SellerID: testSellerID, Name: "Rattan Chair", Price: testPrice, TrackInventory: true, Stock: 5,
		}),
	}
}

func (e *testEnv) stock(t *testing.T) int {
	t.Helper()
	p, err := e.repo.GetProductByID(context.Background(), e.product.ID)
	require.NoError(t, err)
	return p.Stock
}

func (e *testEnv) createOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), buyer, &CreateOrderRequest{ProductID: e.product.ID, Quantity: qty})
	require.NoError(t, err)
	assertInvariants(t, order)
	return order
}

func (e *testEnv) acceptedOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	order := e.createOrder(t, qty)
	order, err := e.orders.AcceptOrder(context.Background(), seller, order.ID)
	require.NoError(t, err)
	assertInvariants(t, order)
	return order
}

// paidOrder pays by card; the capture reference is TXN-<order id>
func (e *testEnv) paidOrder(t *testing.T, qty int) (*models.Order, *models.Payment) {
	t.Helper()
	order := e.acceptedOrder(t, qty)

	e.gateway.On("Capture", mock.Anything, mock.MatchedBy(func(r CaptureRequest) bool { return r.OrderID == order.ID })).
		Return(&CaptureResult{Reference: txRef(order.ID), Success: true}, nil).Once()

	payment, order, err := e.payments.Pay(context.Background(), buyer, order.ID, &PayRequest{
		Amount: ToDecimal(order.TotalAmount), Method: models.PaymentMethodCard,
	})
	require.NoError(t, err)
	assertInvariants(t, order)
	return order, payment
}

func (e *testEnv) shippedOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	order, _ := e.paidOrder(t, qty)
	order, err := e.orders.ShipOrder(context.Background(), seller, order.ID, "LBC-123")
	require.NoError(t, err)
	assertInvariants(t, order)
	return order
}

func (e *testEnv) payment(t *testing.T, orderID int64) *models.Payment {
	t.Helper()
	p, err := e.repo.GetPaymentByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return p
}

func (e *testEnv) reload(t *testing.T, orderID int64) *models.Order {
	t.Helper()
	o, err := e.repo.GetOrderByID(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

func txRef(orderID int64) string {
	return fmt.Sprintf("TXN-%d", orderID)
}

// assertInvariants checks the derived-flag invariants of an order
func assertInvariants(t *testing.T, o *models.Order) {
	t.Helper()
	if o.BuyerConfirmedReceipt() {
		assert.True(t, o.SellerShipped(), "receipt confirmed without shipment")
	}
	if o.SellerShipped() {
		assert.Contains(t, []models.OrderStatus{
			models.OrderStatusShipped, models.OrderStatusCompleted, models.OrderStatusDisputed,
		}, o.Status)
	}
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrow-order-service/internal/models"
)

// MemoryStore is an in-process Repository used for local development and tests.
// Transactions are fully serialized and applied copy-on-write, so a failed
// transaction leaves no trace.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	nextID       int64
	products     map[int64]*models.Product
	orders       map[int64]*models.Order
	payments     map[int64]*models.Payment
	restorations map[int64]*models.InventoryRestoration
	processed    map[string]models.ProcessedEvent
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		products:     make(map[int64]*models.Product),
		orders:       make(map[int64]*models.Order),
		payments:     make(map[int64]*models.Payment),
		restorations: make(map[int64]*models.InventoryRestoration),
		processed:    make(map[string]models.ProcessedEvent),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:       s.nextID,
		products:     make(map[int64]*models.Product, len(s.products)),
		orders:       make(map[int64]*models.Order, len(s.orders)),
		payments:     make(map[int64]*models.Payment, len(s.payments)),
		restorations: make(map[int64]*models.InventoryRestoration, len(s.restorations)),
		processed:    make(map[string]models.ProcessedEvent, len(s.processed)),
	}
	for k, v := range s.products {
		p := *v
		c.products[k] = &p
	}
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.payments {
		c.payments[k] = v.Clone()
	}
	for k, v := range s.restorations {
		r := *v
		c.restorations[k] = &r
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	return c
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// AddProduct seeds a product and returns it with its assigned ID
func (m *MemoryStore) AddProduct(p models.Product) *models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == 0 {
		p.ID = m.state.id()
	} else if p.ID > m.state.nextID {
		m.state.nextID = p.ID
	}
	if p.Status == "" {
		p.Status = models.ProductStatusAvailable
	}
	p.UpdatedAt = time.Now()
	m.state.products[p.ID] = &p

	out := p
	return &out
}

// WithTx runs fn against a private copy of the state and publishes it on success
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.state.orders {
		if o.BuyerID == buyerID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID int64, party models.Party) ([]models.Order, error) {
	return m.listOrders(func(o *models.Order) bool {
		switch party {
		case models.PartyBuyer:
			return o.BuyerID == userID
		case models.PartySeller:
			return o.SellerID == userID
		}
		return o.BuyerID == userID || o.SellerID == userID
	}, newerFirst), nil
}

func (m *MemoryStore) ListDisputedOrders(ctx context.Context, openOnly bool) ([]models.Order, error) {
	return m.listOrders(func(o *models.Order) bool {
		if !o.DisputeRaised() {
			return false
		}
		return !openOnly || !o.DisputeResolved()
	}, func(a, b *models.Order) bool {
		if a.DisputeResolved() != b.DisputeResolved() {
			return !a.DisputeResolved()
		}
		return newerFirst(a, b)
	}), nil
}

func (m *MemoryStore) ListStaleOrders(ctx context.Context, idleSince time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	payments := make(map[int64]bool, len(m.state.payments))
	for orderID := range m.state.payments {
		payments[orderID] = true
	}
	m.mu.Unlock()

	orders := m.listOrders(func(o *models.Order) bool {
		if o.Status != models.OrderStatusPending && o.Status != models.OrderStatusAccepted {
			return false
		}
		return !payments[o.ID] && lastStep(o).Before(idleSince)
	}, func(a, b *models.Order) bool {
		at, bt := lastStep(a), lastStep(b)
		return at.Before(bt) || (at.Equal(bt) && a.ID < b.ID)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (m *MemoryStore) GetActiveOrderByConversation(ctx context.Context, conversationID int64) (*models.Order, error) {
	orders := m.listOrders(func(o *models.Order) bool {
		return o.ConversationID != nil && *o.ConversationID == conversationID && !o.Status.IsTerminal()
	}, newerFirst)
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

func (m *MemoryStore) ListPaymentsByUser(ctx context.Context, userID int64) ([]models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]models.PaymentRecord, 0)
	for _, p := range m.state.payments {
		if p.BuyerID != userID && p.SellerID != userID {
			continue
		}
		record := models.PaymentRecord{Payment: *p.Clone()}
		if o, ok := m.state.orders[p.OrderID]; ok {
			record.ProductName = o.ProductName
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return records, nil
}

func (m *MemoryStore) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.state.processed[eventID]
	return ok, nil
}

// Restoration returns the restoration record of an order, if any
func (m *MemoryStore) Restoration(orderID int64) (*models.InventoryRestoration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.state.restorations[orderID]
	if !ok {
		return nil, false
	}
	out := *r
	return &out, true
}

// BackdateOrder moves an order's creation time, and its acceptance time when
// it was accepted, used to exercise the sweeper
func (m *MemoryStore) BackdateOrder(orderID int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.state.orders[orderID]; ok {
		o.CreatedAt = at
		if o.AcceptedAt != nil {
			accepted := at
			o.AcceptedAt = &accepted
		}
	}
}

func (m *MemoryStore) listOrders(match func(*models.Order) bool, less func(a, b *models.Order) bool) []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*models.Order, 0)
	for _, o := range m.state.orders {
		if match(o) {
			matched = append(matched, o.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	out := make([]models.Order, 0, len(matched))
	for _, o := range matched {
		out = append(out, *o)
	}
	return out
}

// lastStep is when the order last moved forward, which starts its expiry clock
func lastStep(o *models.Order) time.Time {
	if o.AcceptedAt != nil {
		return *o.AcceptedAt
	}
	return o.CreatedAt
}

func newerFirst(a, b *models.Order) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// memTx mutates a private state copy owned by a single WithTx call
type memTx struct {
	state *memState
}

func (t *memTx) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	p, ok := t.state.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (t *memTx) DecrementStock(ctx context.Context, productID int64, quantity int) error {
	p, ok := t.state.products[productID]
	if !ok || p.Stock < quantity {
		return ErrInsufficientStock
	}
	p.Stock -= quantity
	if p.Stock == 0 {
		p.Status = models.ProductStatusUnavailable
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) IncrementStock(ctx context.Context, productID int64, quantity int) error {
	p, ok := t.state.products[productID]
	if !ok {
		return ErrNotFound
	}
	if p.Stock == 0 {
		p.Status = models.ProductStatusAvailable
	}
	p.Stock += quantity
	p.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) InsertRestoration(ctx context.Context, r *models.InventoryRestoration) (bool, error) {
	if _, ok := t.state.restorations[r.OrderID]; ok {
		return false, nil
	}
	c := *r
	t.state.restorations[r.OrderID] = &c
	return true, nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) error {
	now := time.Now()
	order.ID = t.state.id()
	order.CreatedAt = now
	order.UpdatedAt = now
	t.state.orders[order.ID] = order.Clone()
	return nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (t *memTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	existing, ok := t.state.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	order.UpdatedAt = time.Now()
	updated := order.Clone()
	updated.CreatedAt = existing.CreatedAt
	t.state.orders[order.ID] = updated
	return nil
}

func (t *memTx) GetPaymentForUpdate(ctx context.Context, orderID int64) (*models.Payment, error) {
	p, ok := t.state.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	if _, ok := t.state.payments[payment.OrderID]; ok {
		return ErrDuplicatePayment
	}
	now := time.Now()
	payment.ID = t.state.id()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	t.state.payments[payment.OrderID] = payment.Clone()
	return nil
}

func (t *memTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	if _, ok := t.state.payments[payment.OrderID]; !ok {
		return ErrNotFound
	}
	payment.UpdatedAt = time.Now()
	t.state.payments[payment.OrderID] = payment.Clone()
	return nil
}

func (t *memTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	if _, ok := t.state.processed[eventID]; ok {
		return false, nil
	}
	t.state.processed[eventID] = models.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	return true, nil
}

package models

import "time"

// OrderStatus is the lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusAccepted  OrderStatus = "Accepted"
	OrderStatusConfirmed OrderStatus = "Confirmed"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusCompleted OrderStatus = "Completed"
	OrderStatusCancelled OrderStatus = "Cancelled"
	OrderStatusDisputed  OrderStatus = "Disputed"
)

// IsTerminal reports whether no further transitions are possible
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Party identifies one side of an order
type Party string

const (
	PartyNone   Party = "none"
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Valid reports whether p names an actual side
func (p Party) Valid() bool {
	return p == PartyBuyer || p == PartySeller
}

// Product represents the stock view of a catalog product
type Product struct {
	ID             int64         `db:"id" json:"id"`
	SellerID       int64         `db:"seller_id" json:"seller_id"`
	Name           string        `db:"name" json:"name"`
	Price          int64         `db:"price" json:"price"`
	TrackInventory bool          `db:"track_inventory" json:"track_inventory"`
	Stock          int           `db:"stock" json:"stock"`
	Status         ProductStatus `db:"status" json:"status"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// ProductStatus tells whether a product can be ordered
type ProductStatus string

const (
	ProductStatusAvailable   ProductStatus = "available"
	ProductStatusUnavailable ProductStatus = "unavailable"
)

// Order represents a buyer's order for a single product.
// Boolean flags are derived from the stored state, see the accessor methods.
type Order struct {
	ID                int64       `db:"id" json:"id"`
	BuyerID           int64       `db:"buyer_id" json:"buyer_id"`
	SellerID          int64       `db:"seller_id" json:"seller_id"`
	ProductID         int64       `db:"product_id" json:"product_id"`
	ProductName       string      `db:"product_name" json:"product_name"`
	Quantity          int         `db:"quantity" json:"quantity"`
	UnitPrice         int64       `db:"unit_price" json:"unit_price"`
	TotalAmount       int64       `db:"total_amount" json:"total_amount"`
	Status            OrderStatus `db:"status" json:"status"`
	IdempotencyKey    *string     `db:"idempotency_key" json:"-"`
	ConversationID    *int64      `db:"conversation_id" json:"conversation_id,omitempty"`
	ShipmentProof     string      `db:"shipment_proof" json:"shipment_proof,omitempty"`
	CancelReason      string      `db:"cancel_reason" json:"cancel_reason,omitempty"`
	DisputeRaisedBy   Party       `db:"dispute_raised_by" json:"dispute_raised_by"`
	DisputeReason     string      `db:"dispute_reason" json:"dispute_reason,omitempty"`
	DisputeWinner     Party       `db:"dispute_winner" json:"dispute_winner"`
	DisputeResolution string      `db:"dispute_resolution" json:"dispute_resolution,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
	AcceptedAt        *time.Time  `db:"accepted_at" json:"accepted_at,omitempty"`
	ShippedAt         *time.Time  `db:"shipped_at" json:"shipped_at,omitempty"`
	CompletionDate    *time.Time  `db:"completion_date" json:"completion_date,omitempty"`
	CancelledAt       *time.Time  `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

func (o *Order) SellerConfirmed() bool { return o.AcceptedAt != nil }

func (o *Order) SellerShipped() bool { return o.ShippedAt != nil }

func (o *Order) DisputeRaised() bool { return o.DisputeRaisedBy.Valid() }

func (o *Order) DisputeResolved() bool { return o.DisputeWinner.Valid() }

// BuyerConfirmedReceipt is true only when the buyer completed the order
// themselves; an admin verdict does not count as a receipt.
func (o *Order) BuyerConfirmedReceipt() bool {
	return o.Status == OrderStatusCompleted && o.SellerShipped() && !o.DisputeRaised()
}

func (o *Order) CanCancelBuyer() bool { return o.Status == OrderStatusPending }

// PartyOf returns the side userID plays in the order
func (o *Order) PartyOf(userID int64) Party {
	switch userID {
	case o.BuyerID:
		return PartyBuyer
	case o.SellerID:
		return PartySeller
	}
	return PartyNone
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	c := *o
	c.IdempotencyKey = cloneString(o.IdempotencyKey)
	c.ConversationID = cloneInt64(o.ConversationID)
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.ShippedAt = cloneTime(o.ShippedAt)
	c.CompletionDate = cloneTime(o.CompletionDate)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

// PaymentMethod is how the buyer pays
type PaymentMethod string

const (
	PaymentMethodCard  PaymentMethod = "card"
	PaymentMethodGCash PaymentMethod = "gcash"
	PaymentMethodBank  PaymentMethod = "bank"
	PaymentMethodCOD   PaymentMethod = "cod"
)

// Valid reports whether m is a supported method
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodGCash, PaymentMethodBank, PaymentMethodCOD:
		return true
	}
	return false
}

// GatewayBacked reports whether funds move through the payment gateway
func (m PaymentMethod) GatewayBacked() bool {
	return m == PaymentMethodCard || m == PaymentMethodGCash
}

// Payment represents the escrow record of an order
type Payment struct {
	ID              int64         `db:"id" json:"id"`
	OrderID         int64         `db:"order_id" json:"order_id"`
	BuyerID         int64         `db:"buyer_id" json:"buyer_id"`
	SellerID        int64         `db:"seller_id" json:"seller_id"`
	Amount          int64         `db:"amount" json:"amount"`
	Method          PaymentMethod `db:"method" json:"method"`
	Reference       string        `db:"reference" json:"reference"`
	Status          string        `db:"status" json:"status"`
	EscrowStatus    EscrowStatus  `db:"escrow_status" json:"escrow_status"`
	RefundReason    string        `db:"refund_reason" json:"refund_reason,omitempty"`
	RefundReference string        `db:"refund_reference" json:"refund_reference,omitempty"`
	CompletedAt     *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	ReleasedAt      *time.Time    `db:"released_at" json:"released_at,omitempty"`
	RefundedAt      *time.Time    `db:"refunded_at" json:"refunded_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy of the payment
func (p *Payment) Clone() *Payment {
	c := *p
	c.CompletedAt = cloneTime(p.CompletedAt)
	c.ReleasedAt = cloneTime(p.ReleasedAt)
	c.RefundedAt = cloneTime(p.RefundedAt)
	return &c
}

// PaymentStatusCompleted is the status of every recorded payment; failed
// captures never produce a row
const PaymentStatusCompleted = "completed"

// PaymentRecord is a payment listed with the product it paid for
type PaymentRecord struct {
	Payment
	ProductName string `db:"product_name" json:"product_name"`
}

// EscrowStatus is the disposition of held funds
type EscrowStatus string

const (
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// InventoryRestoration records that an order's reservation was returned
type InventoryRestoration struct {
	OrderID    int64     `db:"order_id" json:"order_id"`
	ProductID  int64     `db:"product_id" json:"product_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	RestoredAt time.Time `db:"restored_at" json:"restored_at"`
}

// CheckoutIntent is a redirect checkout waiting for the gateway result
type CheckoutIntent struct {
	OrderID   int64         `json:"order_id"`
	BuyerID   int64         `json:"buyer_id"`
	Reference string        `json:"reference"`
	Amount    int64         `json:"amount"`
	Method    PaymentMethod `json:"method"`
	CreatedAt time.Time     `json:"created_at"`
}

// ProcessedEvent marks a consumed broker event
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

package orders

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PaymentMethod string

const (
	MethodCard          PaymentMethod = "card"
	MethodMobileMoney   PaymentMethod = "mobile-money"
	MethodBankTransfer  PaymentMethod = "bank-transfer"
	MethodPayOnDelivery PaymentMethod = "pay-on-delivery"
)

// ParsePaymentMethod accepts "cash" as an alias for pay-on-delivery.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodCard, MethodMobileMoney, MethodBankTransfer, MethodPayOnDelivery:
		return m, true
	case "cash":
		return MethodPayOnDelivery, true
	}
	return "", false
}

// Deferred methods settle outside the gateway.
func (m PaymentMethod) Deferred() bool { return m == MethodPayOnDelivery }

type OrderType string

const (
	TypeDelivery OrderType = "delivery"
	TypePickup   OrderType = "pickup"
)

func ParseOrderType(s string) (OrderType, bool) {
	switch t := OrderType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeDelivery, TypePickup:
		return t, true
	case "":
		return TypeDelivery, true
	}
	return "", false
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Address struct {
	Street       string `json:"street"`
	City         string `json:"city"`
	Region       string `json:"region"`
	PostalCode   string `json:"postal_code"`
	Instructions string `json:"instructions,omitempty"`
}

// Item is the price snapshot taken at checkout; it is never repriced.
type Item struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	Variant        string `json:"variant"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type Order struct {
	ID                  string        `json:"id"`
	Number              string        `json:"order_number"`
	UserID              string        `json:"user_id"`
	IdempotencyKey      string        `json:"-"`
	Items               []Item        `json:"items"`
	SubtotalCents       int64         `json:"subtotal_cents"`
	DeliveryFeeCents    int64         `json:"delivery_fee_cents"`
	TaxCents            int64         `json:"tax_cents"`
	TotalCents          int64         `json:"total_cents"`
	Currency            string        `json:"currency"`
	Status              Status        `json:"status"`
	PaymentStatus       PaymentStatus `json:"payment_status"`
	PaymentMethod       PaymentMethod `json:"payment_method"`
	OrderType           OrderType     `json:"order_type"`
	PaymentReference    string        `json:"payment_reference,omitempty"`
	PaymentURL          string        `json:"payment_url,omitempty"`
	TransactionID       string        `json:"transaction_id,omitempty"`
	Customer            Customer      `json:"customer"`
	DeliveryAddress     Address       `json:"delivery_address"`
	SpecialInstructions string        `json:"special_instructions,omitempty"`
	CancellationReason  string        `json:"cancellation_reason,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	PaidAt              *time.Time    `json:"paid_at,omitempty"`
	RefundedAt          *time.Time    `json:"refunded_at,omitempty"`
	DeliveredAt         *time.Time    `json:"delivered_at,omitempty"`
	CancelledAt         *time.Time    `json:"cancelled_at,omitempty"`
}

// Balanced reports whether total == subtotal + fee + tax.
func (o *Order) Balanced() bool {
	return o.TotalCents == o.SubtotalCents+o.DeliveryFeeCents+o.TaxCents
}

// AwaitingGateway is true while an online payment can still be started.
func (o *Order) AwaitingGateway() bool {
	return !o.PaymentMethod.Deferred() && o.PaymentStatus == PaymentPending && o.Status == StatusPending
}

// NewNumber builds the human-facing order number. It is not the storage key.
func NewNumber(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("060102"), strings.ToUpper(id[:8]))
}

// NewReference is the correlation id handed to the gateway.
func NewReference() string {
	return "PAY-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Evidence describes why a payment transition was applied; it is kept in
// the payment_events audit trail.
type Evidence struct {
	Source        string          `json:"source"` // webhook | verify | refund
	EventType     string          `json:"event_type,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	AmountCents   int64           `json:"amount_cents,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

type ListFilter struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

type Stats struct {
	TotalOrders  int64 `json:"total_orders"`
	PaidOrders   int64 `json:"paid_orders"`
	RevenueCents int64 `json:"total_revenue_cents"`
}

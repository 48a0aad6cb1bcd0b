package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderPaid          = "OrderPaid"
	EventPaymentFailed      = "PaymentFailed"
	EventOrderRefunded      = "OrderRefunded"
	EventOrderStatusChanged = "OrderStatusChanged"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

func newEnvelope(eventType, producer, orderID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

type OrderPlacedPayload struct {
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	UserID        string        `json:"user_id"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	OrderType     OrderType     `json:"order_type"`
	Status        Status        `json:"status"`
	TotalCents    int64         `json:"total_cents"`
	Currency      string        `json:"currency"`
	Items         []Item        `json:"items"`
}

type PaymentChangedPayload struct {
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	From          PaymentStatus `json:"from"`
	To            PaymentStatus `json:"to"`
	Status        Status        `json:"status"`
	TotalCents    int64         `json:"total_cents"`
	Source        string        `json:"source"`
	TransactionID string        `json:"transaction_id,omitempty"`
}

type StatusChangedPayload struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	From        Status `json:"from"`
	To          Status `json:"to"`
	Reason      string `json:"reason,omitempty"`
}

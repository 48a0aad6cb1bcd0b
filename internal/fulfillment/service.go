// Package fulfillment turns order events into work for the store staff.
// An order is ready once its payment is settled, or immediately for
// pay-on-delivery orders.
package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/redisx"
)

var Topics = []string{orders.TopicOrderPlaced, orders.TopicOrderPaid}

type Claimer interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) bool
	Forget(ctx context.Context, key string)
}

// Ticket is one order handed over for preparation.
type Ticket struct {
	OrderID     string
	OrderNumber string
	Method      orders.PaymentMethod
	TotalCents  int64
	ReadyAt     time.Time
}

type Service struct {
	Dedup       Claimer
	Dispatch    func(ctx context.Context, t Ticket) error // nil logs only
	ServiceName string
	Log         zerolog.Logger
}

// HandleEvent is installed as the consumer handler.
func (s *Service) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// poison message: log and commit it
		s.Log.Error().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("undecodable event skipped")
		return nil
	}

	var t Ticket
	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			return err
		}
		if !p.PaymentMethod.Deferred() {
			return nil // waits for OrderPaid
		}
		t = Ticket{OrderID: p.OrderID, OrderNumber: p.OrderNumber, Method: p.PaymentMethod, TotalCents: p.TotalCents}
	case orders.EventOrderPaid:
		p, err := kafkax.UnwrapPayload[orders.PaymentChangedPayload](env.Payload)
		if err != nil {
			return err
		}
		if p.Status == orders.StatusCancelled || p.Source == "delivery" {
			// cancelled before capture, or cash collected on an order already fulfilled
			return nil
		}
		t = Ticket{OrderID: p.OrderID, OrderNumber: p.OrderNumber, TotalCents: p.TotalCents}
	default:
		return nil
	}
	t.ReadyAt = env.OccurredAt

	// one ticket per order, whatever the delivery count
	key := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, t.OrderID)
	if s.Dedup != nil && !s.Dedup.MarkOnce(ctx, key, redisx.TTLDedup) {
		return nil
	}

	if s.Dispatch != nil {
		if err := s.Dispatch(ctx, t); err != nil {
			if s.Dedup != nil {
				s.Dedup.Forget(ctx, key)
			}
			return fmt.Errorf("dispatch %s: %w", t.OrderNumber, err)
		}
	}
	s.Log.Info().Str("order_id", t.OrderID).Str("order_number", t.OrderNumber).
		Str("event_id", env.EventID).Msg("order ready for fulfillment")
	metrics.FulfillmentNotified()
	return nil
}

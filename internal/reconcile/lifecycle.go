package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
)

// Cancel cancels an order that is still cancellable. When userID is set
// the order must belong to that user. A paid order is refunded through
// the gateway afterwards; a refund failure is logged and leaves the
// payment paid so staff can retry it with Refund.
func (r *Reconciler) Cancel(ctx context.Context, orderID, userID, reason string) (*orders.Order, error) {
	ord, err := r.Store.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && ord.UserID != userID {
		return nil, orders.ErrNotFound
	}
	if reason == "" {
		reason = "cancelled by customer"
	}

	ord, err = r.advance(ctx, ord, orders.StatusCancelled, reason)
	if err != nil {
		return nil, err
	}
	if ord.PaymentStatus != orders.PaymentPaid {
		return ord, nil
	}
	refunded, err := r.refund(ctx, ord)
	if err != nil {
		r.Log.Error().Err(err).Str("order_id", ord.ID).Msg("refund after cancel failed")
		return ord, nil
	}
	return refunded, nil
}

// Advance moves the fulfillment status. Re-applying the current status is
// a no-op.
func (r *Reconciler) Advance(ctx context.Context, orderID string, to orders.Status) (*orders.Order, error) {
	if to == orders.StatusCancelled {
		return r.Cancel(ctx, orderID, "", "cancelled by staff")
	}
	ord, err := r.Store.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	ord, err = r.advance(ctx, ord, to, "")
	if err != nil {
		return nil, err
	}
	if to == orders.StatusDelivered && ord.PaymentMethod.Deferred() && ord.PaymentStatus == orders.PaymentPending {
		// cash is collected on handover
		paid, _, err := r.ApplyPaymentResult(ctx, ord, orders.PaymentPaid, orders.Evidence{
			Source:      "delivery",
			EventType:   "cash.collected",
			AmountCents: ord.TotalCents,
		})
		if err != nil {
			return nil, err
		}
		return paid, nil
	}
	return ord, nil
}

// Refund returns a paid order's money through the gateway and marks it
// refunded. Refunding a refunded order is a no-op.
func (r *Reconciler) Refund(ctx context.Context, orderID string) (*orders.Order, error) {
	ord, err := r.Store.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch ord.PaymentStatus {
	case orders.PaymentRefunded:
		return ord, nil
	case orders.PaymentPaid:
	default:
		return nil, fmt.Errorf("%w: payment is %s", orders.ErrInvalidTransition, ord.PaymentStatus)
	}
	return r.refund(ctx, ord)
}

func (r *Reconciler) refund(ctx context.Context, ord *orders.Order) (*orders.Order, error) {
	if ord.PaymentMethod.Deferred() {
		// cash was never captured by the gateway
		updated, _, err := r.ApplyPaymentResult(ctx, ord, orders.PaymentRefunded, orders.Evidence{Source: "refund", EventType: "manual"})
		return updated, err
	}
	gctx, cancel := r.gatewayContext(ctx)
	err := r.Gateway.Refund(gctx, ord.PaymentReference, ord.TotalCents)
	cancel()
	if err != nil {
		if !errors.Is(err, payment.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
		}
		return nil, err
	}
	updated, _, err := r.ApplyPaymentResult(ctx, ord, orders.PaymentRefunded, orders.Evidence{
		Source:      "refund",
		EventType:   "refund.requested",
		AmountCents: ord.TotalCents,
	})
	return updated, err
}

func (r *Reconciler) advance(ctx context.Context, ord *orders.Order, to orders.Status, reason string) (*orders.Order, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			fresh, err := r.Store.FindByID(ctx, ord.ID)
			if err != nil {
				return nil, err
			}
			ord = fresh
		}
		if ord.Status == to {
			return ord, nil
		}
		if !orders.CanTransition(ord.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, ord.Status, to)
		}
		updated, err := r.Store.TransitionOrderStatus(ctx, ord.ID, ord.Status, to, reason)
		if errors.Is(err, orders.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.Log.Info().Str("order_id", ord.ID).Str("from", string(ord.Status)).Str("to", string(to)).Msg("order status changed")
		return updated, nil
	}
	return nil, fmt.Errorf("move order %s to %s: %w", ord.ID, to, orders.ErrStaleState)
}

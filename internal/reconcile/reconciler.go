// Package reconcile applies payment results from the gateway to orders.
// Webhooks, verification polls and refunds all funnel into
// ApplyPaymentResult, so one policy decides every payment transition.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
)

const defaultAttempts = 3

type Store interface {
	FindByID(ctx context.Context, id string) (*orders.Order, error)
	FindByReference(ctx context.Context, reference string) (*orders.Order, error)
	TransitionPaymentStatus(ctx context.Context, id string, from, to orders.PaymentStatus, ev orders.Evidence) (*orders.Order, error)
	TransitionOrderStatus(ctx context.Context, id string, from, to orders.Status, reason string) (*orders.Order, error)
}

type Gateway interface {
	Verify(ctx context.Context, reference string) (payment.VerifyResult, error)
	Refund(ctx context.Context, reference string, amountCents int64) error
}

// Deduper remembers webhook bodies that were fully processed. It only
// saves work; correctness comes from the conditional update.
type Deduper interface {
	SeenWebhook(ctx context.Context, digest string) bool
	MarkWebhook(ctx context.Context, digest string)
}

type Outcome string

const (
	Applied        Outcome = "applied"
	AlreadyApplied Outcome = "already_applied"
	AlreadySettled Outcome = "already_settled"
	AmountMismatch Outcome = "amount_mismatch"
)

type Reconciler struct {
	Store   Store
	Gateway Gateway
	Dedup   Deduper

	WebhookSecret string
	// AllowUnsigned accepts webhooks that carry no signature header at all.
	// Config only sets it outside production.
	AllowUnsigned  bool
	GatewayTimeout time.Duration
	MaxAttempts    int
	Log            zerolog.Logger
}

// ApplyPaymentResult moves ord's payment status to "to" if the transition
// table allows it from the current stored state. Re-applying the current
// state, or a result that arrives after the order settled differently, is
// a successful no-op. A lost compare-and-swap re-reads and retries.
func (r *Reconciler) ApplyPaymentResult(ctx context.Context, ord *orders.Order, to orders.PaymentStatus, ev orders.Evidence) (*orders.Order, Outcome, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	log := r.Log.With().Str("order_id", ord.ID).Str("source", ev.Source).Str("to", string(to)).Logger()

	for i := 0; i < attempts; i++ {
		if i > 0 {
			fresh, err := r.Store.FindByID(ctx, ord.ID)
			if err != nil {
				return nil, "", err
			}
			ord = fresh
		}

		from := ord.PaymentStatus
		if from == to {
			metrics.Reconcile(ev.Source, string(AlreadyApplied))
			return ord, AlreadyApplied, nil
		}
		if !orders.CanTransitionPayment(from, to) {
			log.Info().Str("current", string(from)).Msg("payment result ignored, order already settled")
			metrics.Reconcile(ev.Source, string(AlreadySettled))
			return ord, AlreadySettled, nil
		}
		if to == orders.PaymentPaid && ev.AmountCents > 0 && ev.AmountCents != ord.TotalCents {
			log.Warn().Int64("reported_cents", ev.AmountCents).Int64("total_cents", ord.TotalCents).
				Msg("paid amount does not match order total, not applied")
			metrics.Reconcile(ev.Source, string(AmountMismatch))
			return ord, AmountMismatch, nil
		}

		updated, err := r.Store.TransitionPaymentStatus(ctx, ord.ID, from, to, ev)
		if errors.Is(err, orders.ErrStaleState) {
			log.Debug().Int("attempt", i+1).Msg("payment status changed underneath, retrying")
			continue
		}
		if err != nil {
			return nil, "", err
		}

		log.Info().Str("from", string(from)).Str("status", string(updated.Status)).Msg("payment status applied")
		metrics.Reconcile(ev.Source, string(Applied))
		if to == orders.PaymentPaid && updated.Status == orders.StatusCancelled {
			updated = r.refundCaptured(ctx, updated)
		}
		return updated, Applied, nil
	}
	return nil, "", fmt.Errorf("apply %s to order %s: %w", to, ord.ID, orders.ErrStaleState)
}

// refundCaptured returns money captured for an order that was cancelled
// while its payment was pending. On failure the order stays paid and staff
// can retry through Refund.
func (r *Reconciler) refundCaptured(ctx context.Context, ord *orders.Order) *orders.Order {
	log := r.Log.With().Str("order_id", ord.ID).Logger()
	refunded, err := r.refund(ctx, ord)
	if err != nil {
		log.Error().Err(err).Msg("automatic refund of a cancelled order failed, refund required")
		metrics.Reconcile("refund", "auto_refund_failed")
		return ord
	}
	log.Info().Msg("payment captured for a cancelled order was refunded")
	return refunded
}

// Verify pulls the gateway's view of reference and applies it. Settled
// orders are returned as stored without a gateway call. A gateway error
// leaves the order untouched and is returned with the current order.
// Non-staff callers only see their own orders.
func (r *Reconciler) Verify(ctx context.Context, reference, userID string, staff bool) (*orders.Order, error) {
	ord, err := r.Store.FindByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if !staff && ord.UserID != userID {
		return nil, orders.ErrNotFound
	}
	if ord.PaymentStatus.Settled() || ord.PaymentMethod.Deferred() {
		return ord, nil
	}

	gctx, cancel := r.gatewayContext(ctx)
	res, err := r.Gateway.Verify(gctx, reference)
	cancel()
	if err != nil {
		r.Log.Warn().Err(err).Str("order_id", ord.ID).Msg("payment verify failed")
		if !errors.Is(err, payment.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
		}
		return ord, err
	}

	var to orders.PaymentStatus
	switch res.Status {
	case payment.OutcomeSuccess:
		to = orders.PaymentPaid
	case payment.OutcomeFailed:
		to = orders.PaymentFailed
	default:
		return ord, nil
	}
	updated, _, err := r.ApplyPaymentResult(ctx, ord, to, orders.Evidence{
		Source:        "verify",
		EventType:     string(res.Status),
		TransactionID: res.TransactionID,
		AmountCents:   res.AmountCents,
		Raw:           res.Raw,
	})
	if errors.Is(err, orders.ErrStaleState) {
		return r.Store.FindByID(ctx, ord.ID)
	}
	return updated, err
}

func (r *Reconciler) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.GatewayTimeout)
}

package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
)

var ErrMalformedWebhook = errors.New("malformed webhook payload")

// Ack is what the webhook endpoint reports back; every Ack is a 2xx.
type Ack struct {
	Result  string `json:"result"`
	OrderID string `json:"order_id,omitempty"`
}

// HandleWebhook authenticates and applies one delivery. Only a bad
// signature, an unparsable body or a storage failure return an error;
// everything else is acknowledged so the sender stops retrying.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (Ack, error) {
	if signature == "" && r.AllowUnsigned {
		r.Log.Warn().Msg("unsigned webhook accepted, signature bypass is enabled")
	} else if err := payment.VerifySignature(r.WebhookSecret, body, signature); err != nil {
		metrics.WebhookRejected("signature")
		return Ack{}, err
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if r.Dedup != nil && r.Dedup.SeenWebhook(ctx, digest) {
		return Ack{Result: "duplicate"}, nil
	}

	ev, err := payment.ParseWebhook(body)
	if err != nil {
		metrics.WebhookRejected("malformed")
		return Ack{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	log := r.Log.With().Str("event", ev.Event).Str("reference", ev.Data.Reference).Logger()

	outcome, refund, ok := ev.Outcome()
	if !ok {
		log.Debug().Msg("webhook event ignored")
		return r.ack(ctx, digest, Ack{Result: "ignored"}), nil
	}

	ord, err := r.lookup(ctx, ev.Data)
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn().Str("order_id", ev.Data.OrderID).Msg("webhook for unknown order")
		metrics.Reconcile("webhook", "unknown_reference")
		return r.ack(ctx, digest, Ack{Result: "unknown_reference"}), nil
	}
	if err != nil {
		return Ack{}, err
	}

	to := orders.PaymentRefunded
	if !refund {
		to = orders.PaymentFailed
		if outcome == payment.OutcomeSuccess {
			to = orders.PaymentPaid
		}
	}
	updated, res, err := r.ApplyPaymentResult(ctx, ord, to, orders.Evidence{
		Source:        "webhook",
		EventType:     ev.Event,
		TransactionID: ev.Data.TransactionID,
		AmountCents:   ev.Data.Amount.Cents(),
		Raw:           body,
	})
	if errors.Is(err, orders.ErrStaleState) {
		// the order keeps moving; whichever writer won already emitted its effects
		log.Error().Err(err).Msg("webhook gave up after repeated conflicts")
		return Ack{Result: "conflict", OrderID: ord.ID}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	return r.ack(ctx, digest, Ack{Result: string(res), OrderID: updated.ID}), nil
}

func (r *Reconciler) lookup(ctx context.Context, d payment.WebhookData) (*orders.Order, error) {
	ord, err := r.Store.FindByReference(ctx, d.Reference)
	if errors.Is(err, orders.ErrNotFound) && d.OrderID != "" {
		ord, err = r.Store.FindByID(ctx, d.OrderID)
		if err == nil && ord.PaymentReference != d.Reference && d.Reference != "" {
			// a superseded session of the same order
			r.Log.Info().Str("order_id", ord.ID).Str("reference", d.Reference).Msg("webhook matched by order id")
		}
	}
	return ord, err
}

func (r *Reconciler) ack(ctx context.Context, digest string, a Ack) Ack {
	if r.Dedup != nil {
		r.Dedup.MarkWebhook(ctx, digest)
	}
	return a
}

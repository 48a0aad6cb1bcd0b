// Package checkout turns a user's cart into a priced order and starts the
// payment for it.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
	"github.com/ariefcatur/go-storefront/internal/pricing"
)

type Gateway interface {
	Initialize(ctx context.Context, req payment.InitRequest) (payment.InitResult, error)
}

// IdempotencyCache is a best-effort shortcut from idempotency key to order
// id. The order store stays authoritative.
type IdempotencyCache interface {
	CheckoutOrder(ctx context.Context, key string) (string, bool)
	RememberCheckout(ctx context.Context, key, orderID string)
}

type Result struct {
	Order      *orders.Order
	PaymentURL string
	Reference  string
	Replayed   bool
}

type Orchestrator struct {
	Store          Store
	Gateway        Gateway
	Cache          IdempotencyCache
	Rules          pricing.Rules
	Currency       string
	GatewayTimeout time.Duration
	// ReplayWindow bounds how far back a retry without an idempotency
	// token is matched to the order its first attempt created.
	ReplayWindow time.Duration
	Log          zerolog.Logger
}

const defaultReplayWindow = 2 * time.Minute

// Checkout snapshots, prices and persists the cart as one order, clearing
// the cart in the same transaction. Any failure there leaves no order and
// an untouched cart.
//
// For gateway methods the payment is initialized after commit. If that
// fails the order stays pending and the returned error wraps
// payment.ErrGatewayUnavailable; the Result is still returned so the caller
// can show the order and offer a retry.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		metrics.Checkout("invalid")
		return nil, err
	}

	var tokenKey string
	if req.IdempotencyToken != "" {
		tokenKey = TokenKey(req.UserID, req.IdempotencyToken)
		if ord := o.cached(ctx, tokenKey, req.UserID); ord != nil {
			metrics.Checkout("replayed")
			return o.finish(ctx, ord, true)
		}
	}

	var (
		ord    *orders.Order
		replay bool
	)
	err := o.Store.InTx(ctx, func(tx Tx) error {
		if err := tx.LockCart(ctx, req.UserID); err != nil {
			return err
		}
		if tokenKey != "" {
			existing, err := tx.OrderByIdempotencyKey(ctx, tokenKey)
			if err == nil {
				ord, replay = existing, true
				return nil
			}
			if !errors.Is(err, orders.ErrNotFound) {
				return err
			}
		}

		items, err := tx.CartItems(ctx, req.UserID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			if tokenKey == "" {
				// the first attempt committed and cleared the cart
				if prev := o.recentSameRequest(ctx, tx, req); prev != nil {
					ord, replay = prev, true
					return nil
				}
			}
			return ErrEmptyCart
		}

		lines := make([]pricing.Line, 0, len(items))
		keys := make([]pricing.Key, 0, len(items))
		for _, it := range items {
			l := it.Line()
			lines = append(lines, l)
			keys = append(keys, l.Key())
		}
		snap, err := tx.Prices(ctx, keys)
		if err != nil {
			return err
		}
		quote, err := o.Rules.Quote(snap, lines, req.OrderType == orders.TypePickup)
		if err != nil {
			return err
		}

		key := tokenKey
		if key == "" {
			key = ContentKey(req, items)
		}
		ord = o.newOrder(req, key, quote)
		if err := tx.CreateOrder(ctx, ord); err != nil {
			if errors.Is(err, orders.ErrDuplicateReference) {
				replay = true
				return nil
			}
			return err
		}
		return tx.ClearCart(ctx, req.UserID)
	})
	if err != nil {
		metrics.Checkout(outcomeOf(err))
		return nil, err
	}

	if tokenKey != "" && o.Cache != nil {
		o.Cache.RememberCheckout(ctx, tokenKey, ord.ID)
	}
	if replay {
		metrics.Checkout("replayed")
	} else {
		metrics.Checkout("created")
		o.Log.Info().Str("order_id", ord.ID).Str("order_number", ord.Number).
			Str("method", string(ord.PaymentMethod)).Int64("total_cents", ord.TotalCents).Msg("order created")
	}
	return o.finish(ctx, ord, replay)
}

// ResumePayment starts a new gateway session for an order of userID that
// is still waiting for online payment.
func (o *Orchestrator) ResumePayment(ctx context.Context, userID, orderID string) (*Result, error) {
	ord, err := o.Store.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.UserID != userID {
		return nil, orders.ErrNotFound
	}
	if !ord.AwaitingGateway() {
		return nil, &ValidationError{Field: "order", Reason: "order is not awaiting payment"}
	}
	if ord.PaymentURL != "" {
		// the previous session may be spent; gateways refuse a reused reference
		ord.PaymentReference = orders.NewReference()
	}
	res := &Result{Order: ord, Reference: ord.PaymentReference}
	if err := o.startPayment(ctx, ord); err != nil {
		return res, err
	}
	res.PaymentURL, res.Reference = ord.PaymentURL, ord.PaymentReference
	return res, nil
}

func (o *Orchestrator) recentSameRequest(ctx context.Context, tx Tx, req Request) *orders.Order {
	window := o.ReplayWindow
	if window <= 0 {
		window = defaultReplayWindow
	}
	prev, err := tx.LatestOrder(ctx, req.UserID, time.Now().Add(-window))
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			o.Log.Warn().Err(err).Str("user_id", req.UserID).Msg("lookup recent order")
		}
		return nil
	}
	if !req.matches(prev) {
		return nil
	}
	return prev
}

func (o *Orchestrator) cached(ctx context.Context, key, userID string) *orders.Order {
	if o.Cache == nil {
		return nil
	}
	id, ok := o.Cache.CheckoutOrder(ctx, key)
	if !ok {
		return nil
	}
	ord, err := o.Store.FindByID(ctx, id)
	if err != nil || ord.UserID != userID || ord.IdempotencyKey != key {
		return nil
	}
	return ord
}

func (o *Orchestrator) finish(ctx context.Context, ord *orders.Order, replay bool) (*Result, error) {
	res := &Result{Order: ord, Replayed: replay, PaymentURL: ord.PaymentURL, Reference: ord.PaymentReference}
	if !ord.AwaitingGateway() || ord.PaymentURL != "" {
		return res, nil
	}
	if err := o.startPayment(ctx, ord); err != nil {
		metrics.Checkout("gateway_unavailable")
		return res, err
	}
	res.PaymentURL, res.Reference = ord.PaymentURL, ord.PaymentReference
	return res, nil
}

func (o *Orchestrator) startPayment(ctx context.Context, ord *orders.Order) error {
	gctx := ctx
	if o.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, o.GatewayTimeout)
		defer cancel()
	}
	init, err := o.Gateway.Initialize(gctx, payment.InitRequest{
		AmountCents: ord.TotalCents,
		Currency:    ord.Currency,
		Reference:   ord.PaymentReference,
		OrderID:     ord.ID,
		OrderNumber: ord.Number,
		Customer:    payment.Customer(ord.Customer),
	})
	if err != nil {
		o.Log.Warn().Err(err).Str("order_id", ord.ID).Msg("payment initialize failed")
		if errors.Is(err, payment.ErrGatewayUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
	}

	if err := o.Store.SetPaymentLink(ctx, ord.ID, init.Reference, init.PaymentURL); err != nil {
		// the link is still usable; a webhook may already have settled the order
		o.Log.Error().Err(err).Str("order_id", ord.ID).Msg("store payment link")
	}
	ord.PaymentURL = init.PaymentURL
	ord.PaymentReference = init.Reference
	return nil
}

func (o *Orchestrator) newOrder(req Request, key string, q pricing.Quote) *orders.Order {
	items := make([]orders.Item, 0, len(q.Lines))
	for _, l := range q.Lines {
		items = append(items, orders.Item{
			ProductID:      l.ProductID,
			ProductName:    l.ProductName,
			Variant:        l.Variant,
			UnitPriceCents: l.UnitCents,
			Quantity:       l.Quantity,
			SubtotalCents:  l.SubtotalCents,
		})
	}
	ord := &orders.Order{
		UserID:              req.UserID,
		IdempotencyKey:      key,
		Items:               items,
		SubtotalCents:       q.SubtotalCents,
		DeliveryFeeCents:    q.DeliveryFeeCents,
		TaxCents:            q.TaxCents,
		TotalCents:          q.TotalCents,
		Currency:            o.Currency,
		Status:              orders.StatusPending,
		PaymentStatus:       orders.PaymentPending,
		PaymentMethod:       req.PaymentMethod,
		OrderType:           req.OrderType,
		Customer:            req.Customer,
		DeliveryAddress:     req.DeliveryAddress,
		SpecialInstructions: req.SpecialInstructions,
	}
	if req.PaymentMethod.Deferred() {
		// goods are committed without upfront payment
		ord.Status = orders.StatusConfirmed
	} else {
		ord.PaymentReference = orders.NewReference()
	}
	return ord
}

func outcomeOf(err error) string {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, pricing.ErrPriceUnresolved):
		return "price_unresolved"
	case errors.Is(err, pricing.ErrInvalidQuantity), errors.As(err, &ve):
		return "invalid"
	}
	return "error"
}

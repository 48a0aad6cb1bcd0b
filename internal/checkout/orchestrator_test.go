package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
	"github.com/ariefcatur/go-storefront/internal/pricing"
)

// memStore serializes transactions with a mutex and restores its state
// when fn fails, which is what the Postgres store gives us.
type memStore struct {
	mu     sync.Mutex
	carts  map[string][]cart.Item
	prices pricing.Snapshot
	orders map[string]orders.Order
	byKey  map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		carts: map[string][]cart.Item{},
		prices: pricing.Snapshot{
			{ProductID: "p-mango", Variant: "500ml"}: {ProductID: "p-mango", ProductName: "Mango Juice", Variant: "500ml", UnitCents: 1000},
		},
		orders: map[string]orders.Order{},
		byKey:  map[string]string{},
	}
}

func (m *memStore) addToCart(user, product, variant string, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[user] = append(m.carts[user], cart.Item{ID: uuid.NewString(), ProductID: product, Variant: variant, Quantity: qty})
}

func (m *memStore) cartOf(user string) []cart.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cart.Item(nil), m.carts[user]...)
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) InTx(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	carts := map[string][]cart.Item{}
	for k, v := range m.carts {
		carts[k] = append([]cart.Item(nil), v...)
	}
	ords := map[string]orders.Order{}
	for k, v := range m.orders {
		ords[k] = v
	}
	keys := map[string]string{}
	for k, v := range m.byKey {
		keys[k] = v
	}

	if err := fn(&memTx{m: m}); err != nil {
		m.carts, m.orders, m.byKey = carts, ords, keys
		return err
	}
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &o, nil
}

func (m *memStore) SetPaymentLink(_ context.Context, id, reference, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.PaymentStatus != orders.PaymentPending {
		return orders.ErrStaleState
	}
	if reference != "" {
		o.PaymentReference = reference
	}
	o.PaymentURL = url
	m.orders[id] = o
	return nil
}

type memTx struct{ m *memStore }

func (t *memTx) LockCart(context.Context, string) error { return nil }

func (t *memTx) CartItems(_ context.Context, user string) ([]cart.Item, error) {
	return append([]cart.Item(nil), t.m.carts[user]...), nil
}

func (t *memTx) ClearCart(_ context.Context, user string) error {
	delete(t.m.carts, user)
	return nil
}

func (t *memTx) Prices(_ context.Context, keys []pricing.Key) (pricing.Snapshot, error) {
	out := pricing.Snapshot{}
	for _, k := range keys {
		if v, ok := t.m.prices[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (t *memTx) OrderByIdempotencyKey(_ context.Context, key string) (*orders.Order, error) {
	id, ok := t.m.byKey[key]
	if !ok {
		return nil, orders.ErrNotFound
	}
	o := t.m.orders[id]
	return &o, nil
}

func (t *memTx) LatestOrder(_ context.Context, user string, since time.Time) (*orders.Order, error) {
	var latest *orders.Order
	for _, o := range t.m.orders {
		if o.UserID != user || o.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			o := o
			latest = &o
		}
	}
	if latest == nil {
		return nil, orders.ErrNotFound
	}
	return latest, nil
}

func (t *memTx) CreateOrder(_ context.Context, o *orders.Order) error {
	if id, ok := t.m.byKey[o.IdempotencyKey]; ok {
		*o = t.m.orders[id]
		return orders.ErrDuplicateReference
	}
	o.ID = uuid.NewString()
	o.Number = orders.NewNumber(time.Now())
	o.CreatedAt = time.Now()
	t.m.orders[o.ID] = *o
	t.m.byKey[o.IdempotencyKey] = o.ID
	return nil
}

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *fakeGateway) Initialize(_ context.Context, req payment.InitRequest) (payment.InitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return payment.InitResult{}, g.err
	}
	return payment.InitResult{PaymentURL: "https://pay.example/" + req.Reference, Reference: req.Reference}, nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *memCache) CheckoutOrder(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.m[key]
	return id, ok
}

func (c *memCache) RememberCheckout(_ context.Context, key, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = orderID
}

func newOrchestrator(store *memStore, gw *fakeGateway) *Orchestrator {
	return &Orchestrator{
		Store:   store,
		Gateway: gw,
		Cache:   &memCache{m: map[string]string{}},
		Rules: pricing.Rules{
			FreeDeliveryThreshold: 100000,
			TaxRate:               decimal.RequireFromString("0.05"),
		},
		Currency:       "GHS",
		GatewayTimeout: time.Second,
		Log:            zerolog.Nop(),
	}
}

func mangoRequest(method orders.PaymentMethod) Request {
	return Request{
		UserID:          "user-1",
		PaymentMethod:   method,
		OrderType:       orders.TypeDelivery,
		Customer:        orders.Customer{Name: "Ama", Email: "ama@example.com", Phone: "0240000000"},
		DeliveryAddress: orders.Address{Street: "1 Ring Rd", City: "Accra"},
	}
}

func TestCheckout_PayOnDeliveryConfirmsAndClearsCart(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	gw := &fakeGateway{}

	res, err := newOrchestrator(store, gw).Checkout(context.Background(), mangoRequest(orders.MethodPayOnDelivery))
	require.NoError(t, err)

	o := res.Order
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Equal(t, int64(2000), o.SubtotalCents)
	assert.Equal(t, int64(0), o.DeliveryFeeCents)
	assert.Equal(t, int64(100), o.TaxCents)
	assert.Equal(t, int64(2100), o.TotalCents)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Mango Juice", o.Items[0].ProductName)
	assert.Empty(t, res.PaymentURL)
	assert.Empty(t, store.cartOf("user-1"))
	assert.Equal(t, 0, gw.calls)
}

func TestCheckout_CardReturnsRedirectAndClearsCart(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	gw := &fakeGateway{}

	res, err := newOrchestrator(store, gw).Checkout(context.Background(), mangoRequest(orders.MethodCard))
	require.NoError(t, err)

	assert.Equal(t, orders.StatusPending, res.Order.Status)
	assert.Equal(t, orders.PaymentPending, res.Order.PaymentStatus)
	assert.NotEmpty(t, res.Reference)
	assert.Equal(t, "https://pay.example/"+res.Reference, res.PaymentURL)
	assert.Empty(t, store.cartOf("user-1"))

	stored, err := store.FindByID(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.PaymentURL, stored.PaymentURL)
	assert.Equal(t, res.Reference, stored.PaymentReference)
}

func TestCheckout_SameTokenYieldsOneOrder(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	gw := &fakeGateway{}
	orch := newOrchestrator(store, gw)

	req := mangoRequest(orders.MethodCard)
	req.IdempotencyToken = "client-token-1"

	first, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	second, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.PaymentURL, second.PaymentURL)
	assert.Equal(t, 1, store.orderCount())
	assert.Equal(t, 1, gw.calls)
}

func TestCheckout_SameTokenWithoutCacheStillReplays(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	orch := newOrchestrator(store, &fakeGateway{})
	orch.Cache = nil

	req := mangoRequest(orders.MethodPayOnDelivery)
	req.IdempotencyToken = "client-token-2"

	first, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	second, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, store.orderCount())
}

func TestCheckout_ConcurrentSameTokenCreatesOneOrder(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	orch := newOrchestrator(store, &fakeGateway{})

	req := mangoRequest(orders.MethodCard)
	req.IdempotencyToken = "double-click"

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := orch.Checkout(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = res.Order.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, store.orderCount())
}

func TestCheckout_MissingVariantFailsWholeCheckout(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	store.addToCart("user-1", "p-mango", "discontinued", 1)
	before := store.cartOf("user-1")

	_, err := newOrchestrator(store, &fakeGateway{}).Checkout(context.Background(), mangoRequest(orders.MethodCard))
	require.Error(t, err)
	assert.True(t, errors.Is(err, pricing.ErrPriceUnresolved))

	var ue *pricing.UnresolvedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "discontinued", ue.Variant)

	assert.Equal(t, 0, store.orderCount())
	assert.Equal(t, before, store.cartOf("user-1"))
}

func TestCheckout_EmptyCart(t *testing.T) {
	store := newMemStore()
	_, err := newOrchestrator(store, &fakeGateway{}).Checkout(context.Background(), mangoRequest(orders.MethodCard))
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, 0, store.orderCount())
}

func TestCheckout_TokenlessRetryReturnsSameOrder(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	gw := &fakeGateway{}
	orch := newOrchestrator(store, gw)
	req := mangoRequest(orders.MethodCard)

	first, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Order.ID, again.Order.ID)
	assert.Equal(t, first.PaymentURL, again.PaymentURL)
	assert.Equal(t, 1, store.orderCount())
	assert.Equal(t, 1, gw.calls)
}

func TestCheckout_TokenlessRetryWithDifferentSelectionIsEmptyCart(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	orch := newOrchestrator(store, &fakeGateway{})

	_, err := orch.Checkout(context.Background(), mangoRequest(orders.MethodCard))
	require.NoError(t, err)

	_, err = orch.Checkout(context.Background(), mangoRequest(orders.MethodPayOnDelivery))
	assert.ErrorIs(t, err, ErrEmptyCart)

	other := mangoRequest(orders.MethodCard)
	other.UserID = "user-2"
	_, err = orch.Checkout(context.Background(), other)
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, 1, store.orderCount())
}

func TestCheckout_TokenlessRetryOutsideWindowIsEmptyCart(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	orch := newOrchestrator(store, &fakeGateway{})
	orch.ReplayWindow = time.Nanosecond

	_, err := orch.Checkout(context.Background(), mangoRequest(orders.MethodPayOnDelivery))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = orch.Checkout(context.Background(), mangoRequest(orders.MethodPayOnDelivery))
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestCheckout_IdenticalCartLaterIsANewOrder(t *testing.T) {
	store := newMemStore()
	orch := newOrchestrator(store, &fakeGateway{})
	req := mangoRequest(orders.MethodPayOnDelivery)

	store.addToCart("user-1", "p-mango", "500ml", 2)
	first, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)

	store.addToCart("user-1", "p-mango", "500ml", 2)
	second, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 2, store.orderCount())
}

func TestCheckout_GatewayDownKeepsPendingOrderAndRetrySucceeds(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	gw := &fakeGateway{err: payment.ErrGatewayUnavailable}
	orch := newOrchestrator(store, gw)

	req := mangoRequest(orders.MethodMobileMoney)
	req.IdempotencyToken = "retry-me"

	res, err := orch.Checkout(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, orders.StatusPending, res.Order.Status)
	assert.Empty(t, res.PaymentURL)
	assert.Empty(t, store.cartOf("user-1"), "cart is consumed at order creation")
	assert.Equal(t, 1, store.orderCount())

	gw.err = nil
	again, err := orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, again.Order.ID)
	assert.NotEmpty(t, again.PaymentURL)
	assert.Equal(t, 1, store.orderCount())
}

func TestCheckout_GatewayRejectionSurfacesAsUnavailable(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 1)
	gw := &fakeGateway{err: payment.ErrGatewayRejected}

	_, err := newOrchestrator(store, gw).Checkout(context.Background(), mangoRequest(orders.MethodCard))
	assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
}

func TestCheckout_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Request)
		field string
	}{
		{"unknown method", func(r *Request) { r.PaymentMethod = "cheque" }, "payment_method"},
		{"online without email", func(r *Request) { r.Customer.Email = "" }, "customer.email"},
		{"delivery without address", func(r *Request) { r.DeliveryAddress = orders.Address{} }, "delivery_address"},
		{"bad order type", func(r *Request) { r.OrderType = "drone" }, "order_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addToCart("user-1", "p-mango", "500ml", 1)
			req := mangoRequest(orders.MethodCard)
			tt.edit(&req)

			_, err := newOrchestrator(store, &fakeGateway{}).Checkout(context.Background(), req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
			assert.Len(t, store.cartOf("user-1"), 1)
		})
	}
}

func TestCheckout_PickupHasNoAddressRequirement(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 1)
	req := mangoRequest(orders.MethodPayOnDelivery)
	req.OrderType = orders.TypePickup
	req.DeliveryAddress = orders.Address{}

	res, err := newOrchestrator(store, &fakeGateway{}).Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Order.DeliveryFeeCents)
}

func TestResumePayment(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 2)
	gw := &fakeGateway{}
	orch := newOrchestrator(store, gw)

	res, err := orch.Checkout(context.Background(), mangoRequest(orders.MethodCard))
	require.NoError(t, err)

	_, err = orch.ResumePayment(context.Background(), "someone-else", res.Order.ID)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	resumed, err := orch.ResumePayment(context.Background(), "user-1", res.Order.ID)
	require.NoError(t, err)
	assert.NotEqual(t, res.Reference, resumed.Reference, "a spent session gets a fresh reference")
	assert.Equal(t, "https://pay.example/"+resumed.Reference, resumed.PaymentURL)
	assert.Equal(t, 2, gw.calls)

	stored, _ := store.FindByID(context.Background(), res.Order.ID)
	assert.Equal(t, resumed.Reference, stored.PaymentReference)
}

func TestResumePayment_DeferredOrderIsNotPayable(t *testing.T) {
	store := newMemStore()
	store.addToCart("user-1", "p-mango", "500ml", 1)
	orch := newOrchestrator(store, &fakeGateway{})

	res, err := orch.Checkout(context.Background(), mangoRequest(orders.MethodPayOnDelivery))
	require.NoError(t, err)

	_, err = orch.ResumePayment(context.Background(), "user-1", res.Order.ID)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestContentKey_DependsOnCartRows(t *testing.T) {
	req := mangoRequest(orders.MethodCard)
	a := []cart.Item{{ID: "1", ProductID: "p", Variant: "v", Quantity: 1}}
	b := []cart.Item{{ID: "2", ProductID: "p", Variant: "v", Quantity: 1}}
	assert.Equal(t, ContentKey(req, a), ContentKey(req, a))
	assert.NotEqual(t, ContentKey(req, a), ContentKey(req, b))
	assert.NotEqual(t, TokenKey("u1", "t"), TokenKey("u2", "t"))
}

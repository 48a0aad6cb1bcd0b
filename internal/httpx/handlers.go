package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/checkout"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
	"github.com/ariefcatur/go-storefront/internal/reconcile"
)

const maxWebhookBody = 1 << 20

type Checkouts interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	ResumePayment(ctx context.Context, userID, orderID string) (*checkout.Result, error)
}

type Reconciler interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) (reconcile.Ack, error)
	Verify(ctx context.Context, reference, userID string, staff bool) (*orders.Order, error)
	Cancel(ctx context.Context, orderID, userID, reason string) (*orders.Order, error)
	Advance(ctx context.Context, orderID string, to orders.Status) (*orders.Order, error)
	Refund(ctx context.Context, orderID string) (*orders.Order, error)
}

type Orders interface {
	FindByID(ctx context.Context, id string) (*orders.Order, error)
	List(ctx context.Context, f orders.ListFilter) ([]*orders.Order, error)
	Stats(ctx context.Context) (orders.Stats, error)
}

type Carts interface {
	Add(ctx context.Context, userID, productID, variant string, qty int) (cart.Item, error)
	List(ctx context.Context, userID string) ([]cart.Item, error)
	Remove(ctx context.Context, userID, itemID string) error
}

type Catalog interface {
	Exists(ctx context.Context, productID, variant string) (bool, error)
}

type API struct {
	Checkout  Checkouts
	Reconcile Reconciler
	Orders    Orders
	Carts     Carts
	Catalog   Catalog

	Auth            auth.Verifier
	Policy          *auth.Policy
	SignatureHeader string
	Log             zerolog.Logger
}

func (a *API) Register(r chi.Router) {
	r.Post("/webhooks/payment", a.webhook)

	r.Group(func(r chi.Router) {
		r.Use(a.Auth.Middleware)

		r.Get("/cart", a.listCart)
		r.Post("/cart/items", a.addCartItem)
		r.Delete("/cart/items/{id}", a.removeCartItem)

		r.Post("/checkout", a.checkout)
		r.Get("/payments/verify/{reference}", a.verify)

		r.Get("/orders", a.listOrders)
		r.Get("/orders/{id}", a.getOrder)
		r.Post("/orders/{id}/cancel", a.cancelOrder)
		r.Post("/orders/{id}/payment", a.resumePayment)

		r.Route("/admin/orders", func(r chi.Router) {
			r.Use(a.Policy.RequireRole(auth.RoleStaff))
			r.Get("/", a.adminListOrders)
			r.Get("/stats", a.adminStats)
			r.Patch("/{id}/status", a.adminSetStatus)
			r.With(a.Policy.RequireRole(auth.RoleAdmin)).Post("/{id}/refund", a.adminRefund)
		})
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// webhook answers 2xx for everything except a bad signature, an
// unparsable body or a failure on our side.
func (a *API) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	ack, err := a.Reconcile.HandleWebhook(r.Context(), body, r.Header.Get(a.SignatureHeader))
	if errors.Is(err, payment.ErrInvalidSignature) {
		a.Log.Warn().
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("body_bytes", len(body)).
			Msg("webhook rejected: bad signature")
	}
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

type checkoutBody struct {
	PaymentMethod       string          `json:"payment_method"`
	OrderType           string          `json:"order_type"`
	Customer            orders.Customer `json:"customer"`
	DeliveryAddress     orders.Address  `json:"delivery_address"`
	SpecialInstructions string          `json:"special_instructions"`
	IdempotencyKey      string          `json:"idempotency_key"`
}

type checkoutResponse struct {
	Order      *orders.Order `json:"order"`
	PaymentURL string        `json:"payment_url,omitempty"`
	Reference  string        `json:"reference,omitempty"`
	Replayed   bool          `json:"replayed"`
	Message    string        `json:"message,omitempty"`
}

func (a *API) checkout(w http.ResponseWriter, r *http.Request) {
	var in checkoutBody
	if err := decode(r, &in); err != nil {
		badRequest(w, "invalid json")
		return
	}
	req := checkout.Request{
		UserID:              identity(r).UserID,
		IdempotencyToken:    strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		PaymentMethod:       orders.PaymentMethod(in.PaymentMethod),
		OrderType:           orders.OrderType(in.OrderType),
		Customer:            in.Customer,
		DeliveryAddress:     in.DeliveryAddress,
		SpecialInstructions: in.SpecialInstructions,
	}
	if req.IdempotencyToken == "" {
		req.IdempotencyToken = strings.TrimSpace(in.IdempotencyKey)
	}
	if m, ok := orders.ParsePaymentMethod(in.PaymentMethod); ok {
		req.PaymentMethod = m
	}
	if t, ok := orders.ParseOrderType(in.OrderType); ok {
		req.OrderType = t
	}
	if req.Customer.Email == "" {
		req.Customer.Email = identity(r).Email
	}

	res, err := a.Checkout.Checkout(r.Context(), req)
	if errors.Is(err, payment.ErrGatewayUnavailable) && res != nil {
		writeJSON(w, http.StatusAccepted, checkoutResponse{Order: res.Order, Replayed: res.Replayed, Message: msgPaymentRetry})
		return
	}
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, checkoutResponse{Order: res.Order, PaymentURL: res.PaymentURL, Reference: res.Reference, Replayed: res.Replayed})
}

func (a *API) resumePayment(w http.ResponseWriter, r *http.Request) {
	res, err := a.Checkout.ResumePayment(r.Context(), identity(r).UserID, chi.URLParam(r, "id"))
	if errors.Is(err, payment.ErrGatewayUnavailable) && res != nil {
		writeJSON(w, http.StatusAccepted, checkoutResponse{Order: res.Order, Message: msgPaymentRetry})
		return
	}
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{Order: res.Order, PaymentURL: res.PaymentURL, Reference: res.Reference})
}

type verifyResponse struct {
	Order         *orders.Order        `json:"order"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
	Message       string               `json:"message,omitempty"`
}

func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	ord, err := a.Reconcile.Verify(r.Context(), chi.URLParam(r, "reference"), id.UserID, a.Policy.HasRole(id.UserID, auth.RoleStaff))
	if errors.Is(err, payment.ErrGatewayUnavailable) && ord != nil {
		writeJSON(w, http.StatusServiceUnavailable, verifyResponse{
			Order: ord, Status: ord.Status, PaymentStatus: ord.PaymentStatus,
			Message: "payment status could not be confirmed right now, please retry",
		})
		return
	}
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Order: ord, Status: ord.Status, PaymentStatus: ord.PaymentStatus})
}

func (a *API) listCart(w http.ResponseWriter, r *http.Request) {
	items, err := a.Carts.List(r.Context(), identity(r).UserID)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type addItemBody struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant"`
	Quantity  int    `json:"quantity"`
}

func (a *API) addCartItem(w http.ResponseWriter, r *http.Request) {
	var in addItemBody
	if err := decode(r, &in); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if in.ProductID == "" || in.Variant == "" {
		badRequest(w, "product_id and variant are required")
		return
	}
	ok, err := a.Catalog.Exists(r.Context(), in.ProductID, in.Variant)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	if !ok {
		writeError(w, r, a.Log, &checkout.ValidationError{Field: "variant", Reason: "unknown product variant"})
		return
	}
	it, err := a.Carts.Add(r.Context(), identity(r).UserID, in.ProductID, in.Variant, in.Quantity)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (a *API) removeCartItem(w http.ResponseWriter, r *http.Request) {
	if err := a.Carts.Remove(r.Context(), identity(r).UserID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	f, ok := listFilter(w, r)
	if !ok {
		return
	}
	f.UserID = identity(r).UserID
	a.writeOrders(w, r, f)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	ord, err := a.Orders.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err == nil && ord.UserID != id.UserID && !a.Policy.HasRole(id.UserID, auth.RoleStaff) {
		err = orders.ErrNotFound
	}
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var in reasonBody
	if err := decode(r, &in); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ord, err := a.Reconcile.Cancel(r.Context(), chi.URLParam(r, "id"), identity(r).UserID, strings.TrimSpace(in.Reason))
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ord)
}

func (a *API) adminListOrders(w http.ResponseWriter, r *http.Request) {
	f, ok := listFilter(w, r)
	if !ok {
		return
	}
	a.writeOrders(w, r, f)
}

func (a *API) adminStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.Orders.Stats(r.Context())
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type statusBody struct {
	Status string `json:"status"`
}

func (a *API) adminSetStatus(w http.ResponseWriter, r *http.Request) {
	var in statusBody
	if err := decode(r, &in); err != nil {
		badRequest(w, "invalid json")
		return
	}
	to, ok := orders.ParseStatus(in.Status)
	if !ok || to == orders.StatusPending {
		badRequest(w, "unknown status")
		return
	}
	ord, err := a.Reconcile.Advance(r.Context(), chi.URLParam(r, "id"), to)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	a.Log.Info().Str("order_id", ord.ID).Str("by", identity(r).UserID).Str("status", string(to)).Msg("order status set by staff")
	writeJSON(w, http.StatusOK, ord)
}

func (a *API) adminRefund(w http.ResponseWriter, r *http.Request) {
	ord, err := a.Reconcile.Refund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	a.Log.Info().Str("order_id", ord.ID).Str("by", identity(r).UserID).Msg("order refunded by admin")
	writeJSON(w, http.StatusOK, ord)
}

func listFilter(w http.ResponseWriter, r *http.Request) (orders.ListFilter, bool) {
	q := r.URL.Query()
	var f orders.ListFilter
	if s := q.Get("status"); s != "" {
		st, ok := orders.ParseStatus(s)
		if !ok {
			badRequest(w, "unknown status")
			return f, false
		}
		f.Status = st
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if s := q.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				badRequest(w, "invalid "+name)
				return f, false
			}
			*dst = n
		}
	}
	return f, true
}

func (a *API) writeOrders(w http.ResponseWriter, r *http.Request, f orders.ListFilter) {
	list, err := a.Orders.List(r.Context(), f)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	if list == nil {
		list = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list, "limit": f.Limit, "offset": f.Offset})
}

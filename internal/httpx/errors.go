package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/checkout"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/payment"
	"github.com/ariefcatur/go-storefront/internal/pricing"
	"github.com/ariefcatur/go-storefront/internal/reconcile"
)

const msgPaymentRetry = "payment could not be started, please retry"

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Product string `json:"product_id,omitempty"`
	Variant string `json:"variant,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the one place domain errors become status codes. Internal
// details are logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	var (
		ve *checkout.ValidationError
		ue *pricing.UnresolvedError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Code: "validation", Field: ve.Field})
	case errors.As(err, &ue):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   "an item in your cart is no longer available, please refresh your cart",
			Code:    "price_unresolved",
			Product: ue.ProductID,
			Variant: ue.Variant,
		})
	case errors.Is(err, pricing.ErrInvalidQuantity), errors.Is(err, cart.ErrInvalidQuantity):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: cart.ErrInvalidQuantity.Error(), Code: "validation", Field: "quantity"})
	case errors.Is(err, reconcile.ErrMalformedWebhook):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed payload"})
	case errors.Is(err, checkout.ErrEmptyCart):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "cart is empty", Code: "empty_cart"})
	case errors.Is(err, payment.ErrInvalidSignature), errors.Is(err, auth.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, cart.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: "order cannot move to that state", Code: "invalid_transition"})
	case errors.Is(err, payment.ErrGatewayUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payment provider unavailable, please retry", Code: "gateway_unavailable"})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "validation"})
}

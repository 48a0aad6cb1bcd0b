package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/orders"
)

var ErrEmptyCart = errors.New("cart is empty")

// ValidationError is user-correctable input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Request struct {
	UserID string
	// IdempotencyToken is the client's Idempotency-Key, if it sent one.
	IdempotencyToken    string
	PaymentMethod       orders.PaymentMethod
	OrderType           orders.OrderType
	Customer            orders.Customer
	DeliveryAddress     orders.Address
	SpecialInstructions string
}

func (r Request) validate() error {
	if r.UserID == "" {
		return &ValidationError{Field: "user", Reason: "missing"}
	}
	if _, ok := orders.ParsePaymentMethod(string(r.PaymentMethod)); !ok || r.PaymentMethod == "" {
		return &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unsupported %q", r.PaymentMethod)}
	}
	if r.OrderType != orders.TypeDelivery && r.OrderType != orders.TypePickup {
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unsupported %q", r.OrderType)}
	}
	if r.OrderType == orders.TypeDelivery {
		if strings.TrimSpace(r.DeliveryAddress.Street) == "" || strings.TrimSpace(r.DeliveryAddress.City) == "" {
			return &ValidationError{Field: "delivery_address", Reason: "street and city are required for delivery"}
		}
	}
	if strings.TrimSpace(r.Customer.Phone) == "" && strings.TrimSpace(r.Customer.Email) == "" {
		return &ValidationError{Field: "customer", Reason: "phone or email is required"}
	}
	if !r.PaymentMethod.Deferred() && !strings.Contains(r.Customer.Email, "@") {
		return &ValidationError{Field: "customer.email", Reason: "a valid email is required for online payment"}
	}
	if len(r.IdempotencyToken) > 200 {
		return &ValidationError{Field: "idempotency_key", Reason: "longer than 200 characters"}
	}
	return nil
}

// matches reports whether o could have been created by r. Used to replay
// a retry that carries no idempotency token.
func (r Request) matches(o *orders.Order) bool {
	if o.UserID != r.UserID || o.PaymentMethod != r.PaymentMethod || o.OrderType != r.OrderType {
		return false
	}
	if o.Customer != r.Customer || o.SpecialInstructions != r.SpecialInstructions {
		return false
	}
	return r.OrderType == orders.TypePickup || o.DeliveryAddress == r.DeliveryAddress
}

// TokenKey derives the idempotency key for a client-supplied token.
func TokenKey(userID, token string) string {
	return hashKey("tok", userID, token)
}

// ContentKey derives the idempotency key when no token was sent: the same
// user, selection and cart rows map to the same key. Row ids keep a later
// identical purchase from colliding with an earlier one.
func ContentKey(r Request, items []cart.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s:%s:%s:%d", it.ID, it.ProductID, it.Variant, it.Quantity))
	}
	sort.Strings(parts)
	return hashKey("cart", r.UserID, string(r.PaymentMethod), string(r.OrderType), strings.Join(parts, ","))
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Package pricing turns cart lines and a catalog snapshot into order totals.
// All amounts are integer minor units (cents).
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxQuantity bounds a single line so totals stay far from int64 overflow.
const MaxQuantity = 1000

var (
	ErrPriceUnresolved = errors.New("price unresolved")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// UnresolvedError names the cart line whose variant has no price.
type UnresolvedError struct {
	ProductID string
	Variant   string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("price unresolved for product %s variant %s", e.ProductID, e.Variant)
}

func (e *UnresolvedError) Unwrap() error { return ErrPriceUnresolved }

type Key struct {
	ProductID string
	Variant   string
}

type Line struct {
	ProductID string
	Variant   string
	Quantity  int
}

func (l Line) Key() Key { return Key{ProductID: l.ProductID, Variant: l.Variant} }

type Variant struct {
	ProductID   string
	ProductName string
	Variant     string
	UnitCents   int64
}

// Catalog resolves the current price of a product variant.
type Catalog interface {
	Lookup(productID, variant string) (Variant, bool)
}

// Snapshot is a point-in-time catalog read; it is what checkout prices against.
type Snapshot map[Key]Variant

func (s Snapshot) Lookup(productID, variant string) (Variant, bool) {
	v, ok := s[Key{ProductID: productID, Variant: variant}]
	return v, ok
}

type Rules struct {
	DeliveryFeeCents      int64
	FreeDeliveryThreshold int64 // subtotal at or above this ships free; 0 disables the waiver
	TaxRate               decimal.Decimal
}

type PricedLine struct {
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	Variant       string `json:"variant"`
	UnitCents     int64  `json:"unit_price_cents"`
	Quantity      int    `json:"quantity"`
	SubtotalCents int64  `json:"subtotal_cents"`
}

type Quote struct {
	Lines            []PricedLine `json:"lines"`
	SubtotalCents    int64        `json:"subtotal_cents"`
	DeliveryFeeCents int64        `json:"delivery_fee_cents"`
	TaxCents         int64        `json:"tax_cents"`
	TotalCents       int64        `json:"total_cents"`
}

// Quote prices lines in order. Any line without a catalog price fails the
// whole quote; nothing is dropped silently.
func (r Rules) Quote(cat Catalog, lines []Line, pickup bool) (Quote, error) {
	var q Quote
	q.Lines = make([]PricedLine, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 || l.Quantity > MaxQuantity {
			return Quote{}, fmt.Errorf("%w: %d for product %s", ErrInvalidQuantity, l.Quantity, l.ProductID)
		}
		v, ok := cat.Lookup(l.ProductID, l.Variant)
		if !ok || v.UnitCents < 0 {
			return Quote{}, &UnresolvedError{ProductID: l.ProductID, Variant: l.Variant}
		}
		sub := v.UnitCents * int64(l.Quantity)
		q.Lines = append(q.Lines, PricedLine{
			ProductID:     l.ProductID,
			ProductName:   v.ProductName,
			Variant:       l.Variant,
			UnitCents:     v.UnitCents,
			Quantity:      l.Quantity,
			SubtotalCents: sub,
		})
		q.SubtotalCents += sub
	}
	q.DeliveryFeeCents = r.DeliveryFee(q.SubtotalCents, pickup)
	q.TaxCents = r.Tax(q.SubtotalCents)
	q.TotalCents = q.SubtotalCents + q.DeliveryFeeCents + q.TaxCents
	return q, nil
}

func (r Rules) DeliveryFee(subtotal int64, pickup bool) int64 {
	if pickup {
		return 0
	}
	if r.FreeDeliveryThreshold > 0 && subtotal >= r.FreeDeliveryThreshold {
		return 0
	}
	return r.DeliveryFeeCents
}

// Tax rounds half away from zero to whole cents.
func (r Rules) Tax(subtotal int64) int64 {
	return decimal.NewFromInt(subtotal).Mul(r.TaxRate).Round(0).IntPart()
}

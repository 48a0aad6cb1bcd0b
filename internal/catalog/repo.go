// Package catalog is the read side of the price book used at checkout.
package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-storefront/internal/postgres"
	"github.com/ariefcatur/go-storefront/internal/pricing"
)

type Repo struct{ DB postgres.DB }

// Snapshot reads current prices of the requested variants. Variants of
// inactive or unknown products are absent, which the pricing engine
// reports as unresolved.
func (r *Repo) Snapshot(ctx context.Context, keys []pricing.Key) (pricing.Snapshot, error) {
	snap := pricing.Snapshot{}
	ids := productIDs(keys)
	if len(ids) == 0 {
		return snap, nil
	}
	wanted := make(map[pricing.Key]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	rows, err := r.DB.Query(ctx, `
		SELECT v.product_id::text, p.name, v.variant_key, v.price_cents
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE p.active AND v.product_id::text = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v pricing.Variant
		if err := rows.Scan(&v.ProductID, &v.ProductName, &v.Variant, &v.UnitCents); err != nil {
			return nil, err
		}
		k := pricing.Key{ProductID: v.ProductID, Variant: v.Variant}
		if wanted[k] {
			snap[k] = v
		}
	}
	return snap, rows.Err()
}

// Exists reports whether a variant can currently be bought.
func (r *Repo) Exists(ctx context.Context, productID, variant string) (bool, error) {
	if _, err := uuid.Parse(productID); err != nil {
		return false, nil
	}
	var ok bool
	err := r.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM product_variants v
			JOIN products p ON p.id = v.product_id
			WHERE p.active AND v.product_id = $1 AND v.variant_key = $2
		)`, productID, variant).Scan(&ok)
	return ok, err
}

func productIDs(keys []pricing.Key) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k.ProductID] {
			seen[k.ProductID] = true
			out = append(out, k.ProductID)
		}
	}
	return out
}

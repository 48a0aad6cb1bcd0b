// Package cart stores per-user cart lines. Every write takes the user's
// advisory lock so it serializes with checkout.
package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-storefront/internal/postgres"
	"github.com/ariefcatur/go-storefront/internal/pricing"
)

var (
	ErrNotFound        = errors.New("cart item not found")
	ErrInvalidQuantity = errors.New("quantity must be between 1 and 1000")
)

type Item struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Variant   string    `json:"variant"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

func (it Item) Line() pricing.Line {
	return pricing.Line{ProductID: it.ProductID, Variant: it.Variant, Quantity: it.Quantity}
}

type Repo struct{ DB postgres.DB }

// Add merges into an existing line for the same product and variant.
func (r *Repo) Add(ctx context.Context, userID, productID, variant string, qty int) (Item, error) {
	if qty <= 0 || qty > pricing.MaxQuantity {
		return Item{}, ErrInvalidQuantity
	}
	it := Item{ProductID: productID, Variant: variant}
	err := postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		if err := postgres.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO cart_items (id, user_id, product_id, variant_key, quantity)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT ON CONSTRAINT cart_items_user_variant_key
			DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = now()
			RETURNING id::text, quantity, created_at`,
			uuid.NewString(), userID, productID, variant, qty,
		).Scan(&it.ID, &it.Quantity, &it.CreatedAt)
		if err != nil {
			return err
		}
		if it.Quantity > pricing.MaxQuantity {
			// merged line over the cap: roll the upsert back
			return ErrInvalidQuantity
		}
		return nil
	})
	if errors.Is(err, ErrInvalidQuantity) {
		return Item{}, err
	}
	if err != nil {
		return Item{}, fmt.Errorf("add cart item: %w", err)
	}
	return it, nil
}

// List returns lines oldest first; checkout snapshots in this order.
func (r *Repo) List(ctx context.Context, userID string) ([]Item, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id::text, product_id::text, variant_key, quantity, created_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Variant, &it.Quantity, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repo) Remove(ctx context.Context, userID, itemID string) error {
	if _, err := uuid.Parse(itemID); err != nil {
		return ErrNotFound
	}
	return postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		if err := postgres.LockUser(ctx, tx, userID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE id = $1 AND user_id = $2`, itemID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Clear empties the cart. Checkout calls it on its own transaction, which
// already holds the user lock.
func (r *Repo) Clear(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	return err
}

// Lock must run on a transaction; it is released at commit or rollback.
func (r *Repo) Lock(ctx context.Context, userID string) error {
	return postgres.LockUser(ctx, r.DB, userID)
}

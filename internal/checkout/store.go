package checkout

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/postgres"
	"github.com/ariefcatur/go-storefront/internal/pricing"
)

// Tx is the set of reads and writes checkout performs atomically.
type Tx interface {
	LockCart(ctx context.Context, userID string) error
	CartItems(ctx context.Context, userID string) ([]cart.Item, error)
	ClearCart(ctx context.Context, userID string) error
	Prices(ctx context.Context, keys []pricing.Key) (pricing.Snapshot, error)
	OrderByIdempotencyKey(ctx context.Context, key string) (*orders.Order, error)
	LatestOrder(ctx context.Context, userID string, since time.Time) (*orders.Order, error)
	CreateOrder(ctx context.Context, o *orders.Order) error
}

// Store runs fn in one transaction: all of fn's writes commit together or
// none do. The remaining methods run outside any transaction.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	FindByID(ctx context.Context, id string) (*orders.Order, error)
	SetPaymentLink(ctx context.Context, id, reference, url string) error
}

type PGStore struct {
	DB      postgres.DB
	Service string
}

func (s *PGStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return postgres.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		return fn(&pgTx{
			carts:   &cart.Repo{DB: tx},
			catalog: &catalog.Repo{DB: tx},
			orders:  &orders.Repo{DB: tx, Service: s.Service},
		})
	})
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*orders.Order, error) {
	return (&orders.Repo{DB: s.DB}).FindByID(ctx, id)
}

func (s *PGStore) SetPaymentLink(ctx context.Context, id, reference, url string) error {
	return (&orders.Repo{DB: s.DB}).SetPaymentLink(ctx, id, reference, url)
}

type pgTx struct {
	carts   *cart.Repo
	catalog *catalog.Repo
	orders  *orders.Repo
}

func (t *pgTx) LockCart(ctx context.Context, userID string) error { return t.carts.Lock(ctx, userID) }

func (t *pgTx) CartItems(ctx context.Context, userID string) ([]cart.Item, error) {
	return t.carts.List(ctx, userID)
}

func (t *pgTx) ClearCart(ctx context.Context, userID string) error { return t.carts.Clear(ctx, userID) }

func (t *pgTx) Prices(ctx context.Context, keys []pricing.Key) (pricing.Snapshot, error) {
	return t.catalog.Snapshot(ctx, keys)
}

func (t *pgTx) OrderByIdempotencyKey(ctx context.Context, key string) (*orders.Order, error) {
	return t.orders.FindByIdempotencyKey(ctx, key)
}

func (t *pgTx) LatestOrder(ctx context.Context, userID string, since time.Time) (*orders.Order, error) {
	return t.orders.LatestForUser(ctx, userID, since)
}

func (t *pgTx) CreateOrder(ctx context.Context, o *orders.Order) error {
	return t.orders.CreateOrder(ctx, o)
}

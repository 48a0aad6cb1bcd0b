package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-storefront/internal/outbox"
	"github.com/ariefcatur/go-storefront/internal/postgres"
)

// Repo is the order store. DB may be the pool or a caller's transaction.
type Repo struct {
	DB      postgres.DB
	Service string // producer name stamped on outbox events
}

const orderColumns = `id, order_number, user_id, idempotency_key,
	subtotal_cents, delivery_fee_cents, tax_cents, total_cents, currency,
	status, payment_status, payment_method, order_type,
	COALESCE(payment_reference, ''), payment_url, transaction_id,
	customer_name, customer_email, customer_phone,
	delivery_street, delivery_city, delivery_region, delivery_postal_code, delivery_instructions,
	special_instructions, cancellation_reason,
	created_at, updated_at, paid_at, refunded_at, delivered_at, cancelled_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                  Order
		status, payStatus, method, orderTy string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.IdempotencyKey,
		&o.SubtotalCents, &o.DeliveryFeeCents, &o.TaxCents, &o.TotalCents, &o.Currency,
		&status, &payStatus, &method, &orderTy,
		&o.PaymentReference, &o.PaymentURL, &o.TransactionID,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&o.DeliveryAddress.Street, &o.DeliveryAddress.City, &o.DeliveryAddress.Region,
		&o.DeliveryAddress.PostalCode, &o.DeliveryAddress.Instructions,
		&o.SpecialInstructions, &o.CancellationReason,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.RefundedAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(payStatus)
	o.PaymentMethod = PaymentMethod(method)
	o.OrderType = OrderType(orderTy)
	return &o, nil
}

// CreateOrder inserts o (pending/confirmed as set by the caller) with its
// items and an OrderPlaced outbox event. If o.IdempotencyKey was already
// used, o is overwritten with the stored order and ErrDuplicateReference is
// returned; nothing new is written.
func (r *Repo) CreateOrder(ctx context.Context, o *Order) error {
	if !o.Balanced() {
		return fmt.Errorf("order totals do not balance: %d != %d + %d + %d",
			o.TotalCents, o.SubtotalCents, o.DeliveryFeeCents, o.TaxCents)
	}
	if o.IdempotencyKey == "" {
		return errors.New("order idempotency key is required")
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Number == "" {
		o.Number = NewNumber(time.Now())
	}

	return postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (
				id, order_number, user_id, idempotency_key,
				subtotal_cents, delivery_fee_cents, tax_cents, total_cents, currency,
				status, payment_status, payment_method, order_type, payment_reference,
				customer_name, customer_email, customer_phone,
				delivery_street, delivery_city, delivery_region, delivery_postal_code, delivery_instructions,
				special_instructions
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING created_at, updated_at`,
			o.ID, o.Number, o.UserID, o.IdempotencyKey,
			o.SubtotalCents, o.DeliveryFeeCents, o.TaxCents, o.TotalCents, o.Currency,
			string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod), string(o.OrderType), nullIfEmpty(o.PaymentReference),
			o.Customer.Name, o.Customer.Email, o.Customer.Phone,
			o.DeliveryAddress.Street, o.DeliveryAddress.City, o.DeliveryAddress.Region,
			o.DeliveryAddress.PostalCode, o.DeliveryAddress.Instructions,
			o.SpecialInstructions,
		).Scan(&o.CreatedAt, &o.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			existing, ferr := findOne(ctx, tx, "idempotency_key", o.IdempotencyKey)
			if ferr != nil {
				return ferr
			}
			*o = *existing
			return ErrDuplicateReference
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, it := range o.Items {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_items (order_id, position, product_id, product_name, variant_key, unit_price_cents, quantity, subtotal_cents)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				o.ID, i, it.ProductID, it.ProductName, it.Variant, it.UnitPriceCents, it.Quantity, it.SubtotalCents,
			); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		return r.emit(ctx, tx, TopicOrderPlaced, EventOrderPlaced, o.ID, OrderPlacedPayload{
			OrderID:       o.ID,
			OrderNumber:   o.Number,
			UserID:        o.UserID,
			PaymentMethod: o.PaymentMethod,
			OrderType:     o.OrderType,
			Status:        o.Status,
			TotalCents:    o.TotalCents,
			Currency:      o.Currency,
			Items:         o.Items,
		})
	})
}

func (r *Repo) FindByID(ctx context.Context, id string) (*Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return findOne(ctx, r.DB, "id", id)
}

func (r *Repo) FindByReference(ctx context.Context, reference string) (*Order, error) {
	if reference == "" {
		return nil, ErrNotFound
	}
	return findOne(ctx, r.DB, "payment_reference", reference)
}

func (r *Repo) FindByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return findOne(ctx, r.DB, "idempotency_key", key)
}

// LatestForUser returns userID's newest order created at or after since.
func (r *Repo) LatestForUser(ctx context.Context, userID string, since time.Time) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, "SELECT "+orderColumns+` FROM orders
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1`, userID, since))
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, r.DB, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// findOne: column is always a package constant, never caller input.
func findOne(ctx context.Context, db postgres.DB, column, value string) (*Order, error) {
	o, err := scanOrder(db.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE "+column+" = $1", value))
	if err != nil {
		return nil, err
	}
	if err := loadItems(ctx, db, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func loadItems(ctx context.Context, db postgres.DB, list []*Order) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[string]*Order, len(list))
	ids := make([]string, 0, len(list))
	for _, o := range list {
		byID[o.ID] = o
		ids = append(ids, o.ID)
		o.Items = []Item{}
	}
	rows, err := db.Query(ctx, `
		SELECT order_id::text, product_id::text, product_name, variant_key, unit_price_cents, quantity, subtotal_cents
		FROM order_items
		WHERE order_id::text = ANY($1)
		ORDER BY order_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID string
			it      Item
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.ProductName, &it.Variant, &it.UnitPriceCents, &it.Quantity, &it.SubtotalCents); err != nil {
			return err
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return rows.Err()
}

// List returns newest first. Empty filter fields match everything.
func (r *Repo) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	rows, err := r.DB.Query(ctx, "SELECT "+orderColumns+` FROM orders
		WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, f.UserID, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadItems(ctx, r.DB, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE payment_status = 'paid'),
		       COALESCE(SUM(total_cents) FILTER (WHERE payment_status = 'paid'), 0)::bigint
		FROM orders`).Scan(&s.TotalOrders, &s.PaidOrders, &s.RevenueCents)
	return s, err
}

// SetPaymentLink records the gateway redirect for an order still awaiting
// payment. A non-empty reference replaces the one issued at creation.
func (r *Repo) SetPaymentLink(ctx context.Context, id, reference, url string) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET payment_reference = COALESCE(NULLIF($2, ''), payment_reference),
		    payment_url = $3,
		    updated_at = now()
		WHERE id = $1 AND payment_status = 'pending'`, id, reference, url)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

const transitionPaymentSQL = `
	UPDATE orders SET
		payment_status = $3::text,
		status = CASE
			WHEN $3::text = 'paid' AND status = 'pending' THEN 'confirmed'
			WHEN $3::text = 'failed' AND status = 'pending' THEN 'cancelled'
			ELSE status END,
		cancelled_at = CASE WHEN $3::text = 'failed' AND status = 'pending' THEN now() ELSE cancelled_at END,
		cancellation_reason = CASE WHEN $3::text = 'failed' AND status = 'pending' THEN 'payment failed' ELSE cancellation_reason END,
		paid_at = CASE WHEN $3::text = 'paid' THEN now() ELSE paid_at END,
		refunded_at = CASE WHEN $3::text = 'refunded' THEN now() ELSE refunded_at END,
		transaction_id = COALESCE(NULLIF($4::text, ''), transaction_id),
		updated_at = now()
	WHERE id = $1 AND payment_status = $2::text
	RETURNING order_number, status, total_cents`

// TransitionPaymentStatus moves payment_status from -> to with a single
// conditional UPDATE. If the stored status is not from, nothing changes and
// ErrStaleState is returned. A successful move also writes the audit row
// and the outbox event in the same transaction, so each event is emitted
// once per order no matter how many callers race.
//
// Side effects on the fulfillment axis: paid confirms a pending order,
// failed cancels a pending order.
func (r *Repo) TransitionPaymentStatus(ctx context.Context, id string, from, to PaymentStatus, ev Evidence) (*Order, error) {
	if !CanTransitionPayment(from, to) {
		return nil, fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, from, to)
	}
	err := postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		var (
			number, status string
			total          int64
		)
		err := tx.QueryRow(ctx, transitionPaymentSQL, id, string(from), string(to), ev.TransactionID).Scan(&number, &status, &total)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleState
		}
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}

		var raw any
		if len(ev.Raw) > 0 {
			raw = []byte(ev.Raw)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_events (order_id, source, event_type, from_status, to_status, transaction_id, amount_cents, raw)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, ev.Source, ev.EventType, string(from), string(to), ev.TransactionID, ev.AmountCents, raw,
		); err != nil {
			return fmt.Errorf("insert payment event: %w", err)
		}

		topic, eventType := paymentTopic(to)
		return r.emit(ctx, tx, topic, eventType, id, PaymentChangedPayload{
			OrderID:       id,
			OrderNumber:   number,
			From:          from,
			To:            to,
			Status:        Status(status),
			TotalCents:    total,
			Source:        ev.Source,
			TransactionID: ev.TransactionID,
		})
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// TransitionOrderStatus is the fulfillment-axis counterpart of
// TransitionPaymentStatus. reason is stored only when cancelling.
func (r *Repo) TransitionOrderStatus(ctx context.Context, id string, from, to Status, reason string) (*Order, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	err := postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		var number string
		err := tx.QueryRow(ctx, `
			UPDATE orders SET
				status = $3::text,
				delivered_at = CASE WHEN $3::text = 'delivered' THEN now() ELSE delivered_at END,
				cancelled_at = CASE WHEN $3::text = 'cancelled' THEN now() ELSE cancelled_at END,
				cancellation_reason = CASE WHEN $3::text = 'cancelled' THEN $4::text ELSE cancellation_reason END,
				updated_at = now()
			WHERE id = $1 AND status = $2::text
			RETURNING order_number`, id, string(from), string(to), reason).Scan(&number)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleState
		}
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		return r.emit(ctx, tx, TopicOrderStatusChanged, EventOrderStatusChanged, id, StatusChangedPayload{
			OrderID:     id,
			OrderNumber: number,
			From:        from,
			To:          to,
			Reason:      reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *Repo) emit(ctx context.Context, db postgres.DB, topic, eventType, orderID string, payload any) error {
	env, err := newEnvelope(eventType, r.Service, orderID, payload)
	if err != nil {
		return err
	}
	return outbox.Insert(ctx, db, env.EventID, topic, orderID, env)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

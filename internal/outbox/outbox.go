// Package outbox stores events in the same transaction as the state change
// that produced them; a relay process publishes them afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront/internal/postgres"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Insert must run on the transaction that carries the state change.
func Insert(ctx context.Context, db postgres.DB, eventID, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox marshal: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO outbox(event_id, topic, partition_key, payload) VALUES ($1, $2, $3, $4)`,
		eventID, topic, key, data)
	return err
}

// FetchPending locks up to limit unsent rows; call it inside a transaction
// so concurrent relays skip each other's rows.
func FetchPending(ctx context.Context, db postgres.DB, limit int) ([]Record, error) {
	rows, err := db.Query(ctx, `
		SELECT id, event_id, topic, partition_key, payload, created_at, sent_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func MarkSent(ctx context.Context, db postgres.DB, id int64) error {
	_, err := db.Exec(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1`, id)
	return err
}

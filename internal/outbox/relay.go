package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ariefcatur/go-storefront/internal/postgres"
)

// Publisher delivers one record; nil means the broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Relay struct {
	DB       postgres.DB
	Pub      Publisher
	Batch    int
	Interval time.Duration
	Log      zerolog.Logger
}

// Run polls until ctx is done. Delivery is at-least-once: a crash between
// publish and commit republishes the batch, consumers dedup on event id.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		n, err := r.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			r.Log.Error().Err(err).Msg("outbox drain failed")
		}
		if n == r.Batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Drain publishes one batch and reports how many rows it sent.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	sent := 0
	err := postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		recs, err := FetchPending(ctx, tx, r.Batch)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := r.Pub.Publish(ctx, rec.Topic, []byte(rec.Key), rec.Payload); err != nil {
				// keep what was already published marked; the rest waits for the next tick
				r.Log.Warn().Err(err).Str("event_id", rec.EventID).Str("topic", rec.Topic).Msg("publish failed")
				return nil
			}
			if err := MarkSent(ctx, tx, rec.ID); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, err
}

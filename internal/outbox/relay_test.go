package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	sent   []string
	failOn string
}

func (f *fakePublisher) Publish(_ context.Context, topic string, key, _ []byte) error {
	if string(key) == f.failOn {
		return errors.New("broker down")
	}
	f.sent = append(f.sent, topic+"/"+string(key))
	return nil
}

func pendingRows(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	now := time.Now()
	var notSent *time.Time
	return mock.NewRows([]string{"id", "event_id", "topic", "partition_key", "payload", "created_at", "sent_at"}).
		AddRow(int64(1), "ev-1", "storefront.order.paid", "order-1", json.RawMessage(`{"a":1}`), now, notSent).
		AddRow(int64(2), "ev-2", "storefront.order.placed", "order-2", json.RawMessage(`{"a":2}`), now, notSent)
}

func TestRelayDrain_PublishesAndMarksSent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM outbox").WithArgs(10).WillReturnRows(pendingRows(mock))
	mock.ExpectExec("UPDATE outbox SET sent_at").WithArgs(int64(1)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE outbox SET sent_at").WithArgs(int64(2)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	pub := &fakePublisher{}
	r := &Relay{DB: mock, Pub: pub, Batch: 10, Interval: time.Second, Log: zerolog.Nop()}

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"storefront.order.paid/order-1", "storefront.order.placed/order-2"}, pub.sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayDrain_StopsAtFirstPublishFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM outbox").WithArgs(10).WillReturnRows(pendingRows(mock))
	mock.ExpectExec("UPDATE outbox SET sent_at").WithArgs(int64(1)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	pub := &fakePublisher{failOn: "order-2"}
	r := &Relay{DB: mock, Pub: pub, Batch: 10, Interval: time.Second, Log: zerolog.Nop()}

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

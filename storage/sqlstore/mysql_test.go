package sqlstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/eventstore/storage"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, DialectMySQL, zap.NewNop()), mock
}

func TestMySQL_SaveSnapshotUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.UnixMilli(1_700_000_000_000).UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO snapshots (aggregate_id, aggregate_type, correlation_id, version, payload, updated_at) VALUES (?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE aggregate_type = VALUES(aggregate_type)")).
		WithArgs("s-1", "Schedule", "c-1", 3, []byte{1, 2}, at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveSnapshot(context.Background(), storage.Snapshot{
		AggregateID:   "s-1",
		AggregateType: "Schedule",
		CorrelationID: "c-1",
		Version:       3,
		Payload:       []byte{1, 2},
		UpdatedAt:     at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_GetSnapshotMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM snapshots WHERE aggregate_id = \\?").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(snapshotColumns))

	snapshot, err := store.GetSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_DuplicateKeyMapping(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

	mock.ExpectExec("INSERT INTO events").WillReturnError(dup)
	err := store.AddEvent(ctx, storage.EventRecord{AggregateID: "a", Version: 1, Payload: []byte("{}")})
	assert.ErrorIs(t, err, storage.ErrDuplicateEvent)

	mock.ExpectExec("INSERT INTO outbox").WillReturnError(dup)
	err = store.AddOutboxEvent(ctx, storage.OutboxRecord{DeliveryID: "d"})
	assert.ErrorIs(t, err, storage.ErrOutboxEntryExists)

	mock.ExpectExec("INSERT INTO events").WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock"})
	err = store.AddEvent(ctx, storage.EventRecord{AggregateID: "a", Version: 2})
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrDuplicateEvent)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_MoveOutboxToDeadLetterIsAtomic(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.UnixMilli(1_700_000_000_000).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox_deadletters (.+) SELECT (.+) FROM outbox WHERE delivery_id = \\?").
		WithArgs("broken", at.UnixMilli(), "d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM outbox WHERE delivery_id = \\?").
		WithArgs("d-1").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.MoveOutboxToDeadLetter(context.Background(), "d-1", "broken", at)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_FetchDueSchedules(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_060_000).UTC()

	rows := sqlmock.NewRows(scheduleColumns).
		AddRow("s-1", "c-1", "p-1", "Product", "publish", `{"force":true}`, int64(1_700_000_000_000), "pending", 1, nil, "boom", 4)
	mock.ExpectQuery("SELECT (.+) FROM schedules_view WHERE status = 'pending' AND scheduled_for <= \\? AND \\(next_retry_at IS NULL OR next_retry_at <= \\?\\) ORDER BY scheduled_for").
		WithArgs(now.UnixMilli(), now.UnixMilli(), 10).
		WillReturnRows(rows)

	due, err := store.FetchDueSchedules(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "publish", due[0].CommandType)
	assert.Equal(t, map[string]any{"force": true}, due[0].CommandData)
	assert.Nil(t, due[0].NextRetryAt)
	assert.Equal(t, "boom", due[0].ErrorMessage)
	assert.Equal(t, 4, due[0].Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

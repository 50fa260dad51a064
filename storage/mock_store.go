package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

var _ Store = (*MockStore)(nil)

func (m *MockStore) GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	args := m.Called(ctx, aggregateID)
	snapshot, _ := args.Get(0).(*Snapshot)
	return snapshot, args.Error(1)
}

func (m *MockStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockStore) AddEvent(ctx context.Context, event EventRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) ListEvents(ctx context.Context, aggregateID string) ([]EventRecord, error) {
	args := m.Called(ctx, aggregateID)
	records, _ := args.Get(0).([]EventRecord)
	return records, args.Error(1)
}

func (m *MockStore) AddOutboxEvent(ctx context.Context, entry OutboxRecord) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockStore) FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	args := m.Called(ctx, now, limit)
	records, _ := args.Get(0).([]OutboxRecord)
	return records, args.Error(1)
}

func (m *MockStore) DeleteOutboxEntry(ctx context.Context, deliveryID string) error {
	args := m.Called(ctx, deliveryID)
	return args.Error(0)
}

func (m *MockStore) UpdateOutboxForRetry(ctx context.Context, deliveryID string, nextAttemptAt time.Time, lastError string) error {
	args := m.Called(ctx, deliveryID, nextAttemptAt, lastError)
	return args.Error(0)
}

func (m *MockStore) MoveOutboxToDeadLetter(ctx context.Context, deliveryID string, lastError string, at time.Time) error {
	args := m.Called(ctx, deliveryID, lastError, at)
	return args.Error(0)
}

func (m *MockStore) DeleteDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

func (m *MockStore) SaveScheduleView(ctx context.Context, row ScheduleRow) error {
	args := m.Called(ctx, row)
	return args.Error(0)
}

func (m *MockStore) GetScheduleView(ctx context.Context, aggregateID string) (*ScheduleRow, error) {
	args := m.Called(ctx, aggregateID)
	row, _ := args.Get(0).(*ScheduleRow)
	return row, args.Error(1)
}

func (m *MockStore) FetchDueSchedules(ctx context.Context, now time.Time, limit int) ([]ScheduleRow, error) {
	args := m.Called(ctx, now, limit)
	records, _ := args.Get(0).([]ScheduleRow)
	return records, args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Package storage defines the persistence contracts of the aggregate runtime:
// snapshots, the append-only event log, the outbox and the schedules view.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrDuplicateEvent is returned when an event with the same (aggregate id, version) already exists.
	ErrDuplicateEvent = errors.New("event already exists")
	// ErrOutboxEntryExists is returned when an outbox entry with the same delivery id already exists.
	ErrOutboxEntryExists = errors.New("outbox entry already exists")
)

// DBTX - интерфейс, который может представлять как *sql.DB, так и *sql.Tx
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// SnapshotRepository хранит последнее состояние агрегата, одна строка на агрегат.
type SnapshotRepository interface {
	// GetSnapshot returns nil, nil when the aggregate does not exist.
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
	// SaveSnapshot перезаписывает предыдущий снимок
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}

// EventRepository is the append-only event log keyed by (aggregate id, version).
type EventRepository interface {
	AddEvent(ctx context.Context, event EventRecord) error
	// ListEvents returns the audit trail of one aggregate ordered by version.
	ListEvents(ctx context.Context, aggregateID string) ([]EventRecord, error)
}

// OutboxRepository holds events pending delivery to external consumers.
type OutboxRepository interface {
	// AddOutboxEvent сохраняет запись outbox в рамках текущей транзакции
	AddOutboxEvent(ctx context.Context, entry OutboxRecord) error
	// FetchDueOutbox выбирает записи, готовые к отправке
	FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
	// DeleteOutboxEntry удаляет успешно отправленную запись
	DeleteOutboxEntry(ctx context.Context, deliveryID string) error
	// UpdateOutboxForRetry обновляет запись для повторной попытки
	UpdateOutboxForRetry(ctx context.Context, deliveryID string, nextAttemptAt time.Time, lastError string) error
	// MoveOutboxToDeadLetter перемещает запись в таблицу "мертвых писем"
	MoveOutboxToDeadLetter(ctx context.Context, deliveryID string, lastError string, at time.Time) error
	// DeleteDeadLetters удаляет записи DLQ, созданные раньше olderThan
	DeleteDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
}

// ScheduleViewRepository maintains the queryable projection of schedule aggregates.
type ScheduleViewRepository interface {
	SaveScheduleView(ctx context.Context, row ScheduleRow) error
	GetScheduleView(ctx context.Context, aggregateID string) (*ScheduleRow, error)
	// FetchDueSchedules returns pending schedules with scheduled_for <= now whose
	// next retry, if any, is due, earliest scheduled_for first.
	FetchDueSchedules(ctx context.Context, now time.Time, limit int) ([]ScheduleRow, error)
}

// Store определяет интерфейс для всех операций с базой данных
type Store interface {
	SnapshotRepository
	EventRepository
	OutboxRepository
	ScheduleViewRepository
	// EnsureTables создает необходимые таблицы, если они не существуют
	EnsureTables(ctx context.Context) error
}

// Repositories is the repository set handed to a unit of work callback. Calls
// must use the context passed to the callback so they join its transaction.
type Repositories struct {
	Snapshots SnapshotRepository
	Events    EventRepository
	Outbox    OutboxRepository
	Schedules ScheduleViewRepository
}

// NewRepositories exposes every repository of store.
func NewRepositories(store Store) Repositories {
	return Repositories{
		Snapshots: store,
		Events:    store,
		Outbox:    store,
		Schedules: store,
	}
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/eventstore/storage"
)

const (
	addOutboxQuery = `
		INSERT INTO outbox (delivery_id, aggregate_type, aggregate_id, event_type, topic, payload, headers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	fetchDueOutboxQuery = `
		SELECT seq, delivery_id, aggregate_type, aggregate_id, event_type, topic, payload, headers,
		       attempt_count, next_attempt_at, last_error, created_at
		FROM outbox
		WHERE next_attempt_at IS NULL OR next_attempt_at <= ?
		ORDER BY seq
		LIMIT ?`

	deleteOutboxQuery = `DELETE FROM outbox WHERE delivery_id = ?`

	updateOutboxForRetryQuery = `
		UPDATE outbox
		SET attempt_count = attempt_count + 1, next_attempt_at = ?, last_error = ?
		WHERE delivery_id = ?`

	moveOutboxToDeadLetterQuery = `
		INSERT INTO outbox_deadletters (seq, delivery_id, aggregate_type, aggregate_id, event_type, topic, payload, headers, attempt_count, last_error, created_at, failed_at)
		SELECT seq, delivery_id, aggregate_type, aggregate_id, event_type, topic, payload, headers, attempt_count + 1, ?, created_at, ?
		FROM outbox
		WHERE delivery_id = ?`

	deleteDeadLettersQuery = `DELETE FROM outbox_deadletters WHERE failed_at < ?`
)

func (s *SQLStore) AddOutboxEvent(ctx context.Context, entry storage.OutboxRecord) error {
	_, err := s.Conn(ctx).ExecContext(ctx, addOutboxQuery,
		entry.DeliveryID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.Payload,
		entry.Headers,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", storage.ErrOutboxEntryExists, entry.DeliveryID)
		}
		return fmt.Errorf("failed to save outbox entry: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxRecord, error) {
	rows, err := s.Conn(ctx).QueryContext(ctx, fetchDueOutboxQuery, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []storage.OutboxRecord
	for rows.Next() {
		var (
			entry         storage.OutboxRecord
			nextAttemptAt sql.NullInt64
			lastError     sql.NullString
			createdAt     int64
		)
		if err := rows.Scan(
			&entry.Seq,
			&entry.DeliveryID,
			&entry.AggregateType,
			&entry.AggregateID,
			&entry.EventType,
			&entry.Topic,
			&entry.Payload,
			&entry.Headers,
			&entry.AttemptCount,
			&nextAttemptAt,
			&lastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		entry.NextAttemptAt = fromNullMillis(nextAttemptAt)
		entry.LastError = lastError.String
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading outbox rows: %w", err)
	}
	return entries, nil
}

func (s *SQLStore) DeleteOutboxEntry(ctx context.Context, deliveryID string) error {
	if _, err := s.Conn(ctx).ExecContext(ctx, deleteOutboxQuery, deliveryID); err != nil {
		return fmt.Errorf("failed to delete outbox entry %s: %w", deliveryID, err)
	}
	return nil
}

func (s *SQLStore) UpdateOutboxForRetry(ctx context.Context, deliveryID string, nextAttemptAt time.Time, lastError string) error {
	_, err := s.Conn(ctx).ExecContext(ctx, updateOutboxForRetryQuery, toMillis(nextAttemptAt), nullString(lastError), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry %s for retry: %w", deliveryID, err)
	}
	return nil
}

// MoveOutboxToDeadLetter copies the entry into the dead-letter table and removes
// it from the outbox in one transaction, joining the caller's if there is one.
func (s *SQLStore) MoveOutboxToDeadLetter(ctx context.Context, deliveryID string, lastError string, at time.Time) error {
	return s.txm.Do(ctx, func(ctx context.Context) error {
		conn := s.Conn(ctx)
		res, err := conn.ExecContext(ctx, moveOutboxToDeadLetterQuery, nullString(lastError), toMillis(at), deliveryID)
		if err != nil {
			return fmt.Errorf("failed to insert into dead-letter table: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			s.logger.Warn("Outbox entry already gone, nothing to move", zap.String("delivery_id", deliveryID))
			return nil
		}
		if _, err := conn.ExecContext(ctx, deleteOutboxQuery, deliveryID); err != nil {
			return fmt.Errorf("failed to delete from outbox table: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) DeleteDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.Conn(ctx).ExecContext(ctx, deleteDeadLettersQuery, toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return res.RowsAffected()
}

package sqlstore

import (
	"context"
	"fmt"

	"github.com/overtonx/eventstore/storage"
)

const (
	addEventQuery = `
		INSERT INTO events (aggregate_id, version, aggregate_type, event_type, correlation_id, user_id, occurred_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	listEventsQuery = `
		SELECT aggregate_id, version, aggregate_type, event_type, correlation_id, user_id, occurred_at, payload
		FROM events
		WHERE aggregate_id = ?
		ORDER BY version`
)

func (s *SQLStore) AddEvent(ctx context.Context, event storage.EventRecord) error {
	_, err := s.Conn(ctx).ExecContext(ctx, addEventQuery,
		event.AggregateID,
		event.Version,
		event.AggregateType,
		event.EventType,
		event.CorrelationID,
		event.UserID,
		toMillis(event.OccurredAt),
		string(event.Payload),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s@%d", storage.ErrDuplicateEvent, event.AggregateID, event.Version)
		}
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, aggregateID string) ([]storage.EventRecord, error) {
	rows, err := s.Conn(ctx).QueryContext(ctx, listEventsQuery, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []storage.EventRecord
	for rows.Next() {
		var (
			event      storage.EventRecord
			occurredAt int64
			payload    string
		)
		if err := rows.Scan(
			&event.AggregateID,
			&event.Version,
			&event.AggregateType,
			&event.EventType,
			&event.CorrelationID,
			&event.UserID,
			&occurredAt,
			&payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.OccurredAt = fromMillis(occurredAt)
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return events, nil
}

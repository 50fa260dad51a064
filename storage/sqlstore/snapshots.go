package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/overtonx/eventstore/storage"
)

const getSnapshotQuery = `
	SELECT aggregate_id, aggregate_type, correlation_id, version, payload, updated_at
	FROM snapshots
	WHERE aggregate_id = ?`

var snapshotColumns = []string{"aggregate_id", "aggregate_type", "correlation_id", "version", "payload", "updated_at"}

func (s *SQLStore) GetSnapshot(ctx context.Context, aggregateID string) (*storage.Snapshot, error) {
	var (
		snapshot  storage.Snapshot
		updatedAt int64
	)
	err := s.Conn(ctx).QueryRowContext(ctx, getSnapshotQuery, aggregateID).Scan(
		&snapshot.AggregateID,
		&snapshot.AggregateType,
		&snapshot.CorrelationID,
		&snapshot.Version,
		&snapshot.Payload,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", aggregateID, err)
	}
	snapshot.UpdatedAt = fromMillis(updatedAt)
	return &snapshot, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	query := s.dialect.upsert(tableSnapshots, "aggregate_id", snapshotColumns)
	_, err := s.Conn(ctx).ExecContext(ctx, query,
		snapshot.AggregateID,
		snapshot.AggregateType,
		snapshot.CorrelationID,
		snapshot.Version,
		snapshot.Payload,
		toMillis(snapshot.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snapshot.AggregateID, err)
	}
	return nil
}

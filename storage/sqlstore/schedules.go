package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overtonx/eventstore/storage"
)

const (
	scheduleSelect = `
		SELECT aggregate_id, correlation_id, target_aggregate_id, target_aggregate_type, command_type, command_data,
		       scheduled_for, status, retry_count, next_retry_at, error_message, version
		FROM schedules_view`

	getScheduleQuery = scheduleSelect + `
		WHERE aggregate_id = ?`

	fetchDueSchedulesQuery = scheduleSelect + `
		WHERE status = 'pending' AND scheduled_for <= ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY scheduled_for, aggregate_id
		LIMIT ?`
)

var scheduleColumns = []string{
	"aggregate_id", "correlation_id", "target_aggregate_id", "target_aggregate_type", "command_type", "command_data",
	"scheduled_for", "status", "retry_count", "next_retry_at", "error_message", "version",
}

func (s *SQLStore) SaveScheduleView(ctx context.Context, row storage.ScheduleRow) error {
	var commandData sql.NullString
	if row.CommandData != nil {
		data, err := json.Marshal(row.CommandData)
		if err != nil {
			return fmt.Errorf("failed to marshal command data: %w", err)
		}
		commandData = sql.NullString{String: string(data), Valid: true}
	}

	query := s.dialect.upsert(tableSchedules, "aggregate_id", scheduleColumns)
	_, err := s.Conn(ctx).ExecContext(ctx, query,
		row.AggregateID,
		row.CorrelationID,
		row.TargetAggregateID,
		row.TargetAggregateType,
		row.CommandType,
		commandData,
		toMillis(row.ScheduledFor),
		row.Status,
		row.RetryCount,
		nullMillis(row.NextRetryAt),
		nullString(row.ErrorMessage),
		row.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule view %s: %w", row.AggregateID, err)
	}
	return nil
}

func (s *SQLStore) GetScheduleView(ctx context.Context, aggregateID string) (*storage.ScheduleRow, error) {
	rows, err := s.Conn(ctx).QueryContext(ctx, getScheduleQuery, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule view: %w", err)
	}
	defer rows.Close()

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, nil
	}
	return &schedules[0], nil
}

func (s *SQLStore) FetchDueSchedules(ctx context.Context, now time.Time, limit int) ([]storage.ScheduleRow, error) {
	ms := toMillis(now)
	rows, err := s.Conn(ctx).QueryContext(ctx, fetchDueSchedulesQuery, ms, ms, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]storage.ScheduleRow, error) {
	var schedules []storage.ScheduleRow
	for rows.Next() {
		var (
			row          storage.ScheduleRow
			commandData  sql.NullString
			scheduledFor int64
			nextRetryAt  sql.NullInt64
			errorMessage sql.NullString
		)
		if err := rows.Scan(
			&row.AggregateID,
			&row.CorrelationID,
			&row.TargetAggregateID,
			&row.TargetAggregateType,
			&row.CommandType,
			&commandData,
			&scheduledFor,
			&row.Status,
			&row.RetryCount,
			&nextRetryAt,
			&errorMessage,
			&row.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		if commandData.Valid {
			if err := json.Unmarshal([]byte(commandData.String), &row.CommandData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal command data of %s: %w", row.AggregateID, err)
			}
		}
		row.ScheduledFor = fromMillis(scheduledFor)
		row.NextRetryAt = fromNullMillis(nextRetryAt)
		row.ErrorMessage = errorMessage.String
		schedules = append(schedules, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading schedule rows: %w", err)
	}
	return schedules, nil
}

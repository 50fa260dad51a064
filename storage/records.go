package storage

import "time"

// Snapshot is the latest materialized state of one aggregate.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	CorrelationID string
	Version       int
	Payload       []byte
	UpdatedAt     time.Time
}

// EventRecord is the database representation of a committed domain event.
type EventRecord struct {
	AggregateID   string
	AggregateType string
	Version       int
	EventType     string
	CorrelationID string
	UserID        string
	OccurredAt    time.Time
	Payload       []byte
}

// OutboxRecord is the database representation of an event pending delivery.
type OutboxRecord struct {
	Seq           int64
	DeliveryID    string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Payload       []byte
	Headers       []byte
	AttemptCount  int
	NextAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
}

// ScheduleRow is one row of the schedules view.
type ScheduleRow struct {
	AggregateID         string
	CorrelationID       string
	TargetAggregateID   string
	TargetAggregateType string
	CommandType         string
	CommandData         map[string]any
	ScheduledFor        time.Time
	Status              string
	RetryCount          int
	NextRetryAt         *time.Time
	ErrorMessage        string
	Version             int
}

// Package schedule implements deferred commands: the Schedule aggregate, the
// handler registry and the poller that dispatches due schedules.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/overtonx/eventstore"
	"github.com/overtonx/eventstore/aggregate"
	"github.com/overtonx/eventstore/codec"
)

// AggregateType is the type name of schedules in snapshots, events and the codec registry.
const AggregateType = "Schedule"

const (
	EventScheduleCreated        = "ScheduleCreated"
	EventScheduleExecuted       = "ScheduleExecuted"
	EventScheduleRetryScheduled = "ScheduleRetryScheduled"
	EventScheduleFailed         = "ScheduleFailed"
	EventScheduleCancelled      = "ScheduleCancelled"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusExecuted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrInvalidSchedule is returned by Create for incomplete parameters.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidTransition is returned when a terminal schedule is changed again.
	ErrInvalidTransition = errors.New("invalid schedule transition")
)

const (
	fieldTargetAggregateID   = "targetAggregateId"
	fieldTargetAggregateType = "targetAggregateType"
	fieldCommandType         = "commandType"
	fieldCommandData         = "commandData"
	fieldScheduledFor        = "scheduledFor"
	fieldStatus              = "status"
	fieldRetryCount          = "retryCount"
	fieldNextRetryAt         = "nextRetryAt"
	fieldErrorMessage        = "errorMessage"
)

// Schema is the snapshot layout of a Schedule. Command data is encrypted, so
// codecs storing schedules need a field cipher.
var Schema = codec.Schema{
	Name:    AggregateType,
	Version: 1,
	Fields: []codec.Field{
		{Name: fieldTargetAggregateID, Kind: codec.KindString},
		{Name: fieldTargetAggregateType, Kind: codec.KindString},
		{Name: fieldCommandType, Kind: codec.KindString},
		{Name: fieldCommandData, Kind: codec.KindMap, Encrypted: true},
		{Name: fieldScheduledFor, Kind: codec.KindTime},
		{Name: fieldStatus, Kind: codec.KindString},
		{Name: fieldRetryCount, Kind: codec.KindInt},
		{Name: fieldNextRetryAt, Kind: codec.KindTime},
		{Name: fieldErrorMessage, Kind: codec.KindString},
	},
}

// RegisterSchema adds Schema to reg.
func RegisterSchema(reg *codec.Registry) error {
	return reg.Register(Schema)
}

// Params describe a new schedule. ID and CorrelationID are generated when empty.
type Params struct {
	ID                  string
	CorrelationID       string
	TargetAggregateID   string
	TargetAggregateType string
	CommandType         string
	CommandData         map[string]any
	ScheduledFor        time.Time
	UserID              string
}

// Schedule is a command deferred until ScheduledFor.
type Schedule struct {
	aggregate.Base

	targetAggregateID   string
	targetAggregateType string
	commandType         string
	commandData         map[string]any
	scheduledFor        time.Time
	status              Status
	retryCount          int
	nextRetryAt         *time.Time
	errorMessage        string
}

// Create starts a pending schedule at version 0.
func Create(p Params, now time.Time) (*Schedule, error) {
	switch {
	case p.CommandType == "":
		return nil, fmt.Errorf("%w: command type is required", ErrInvalidSchedule)
	case p.TargetAggregateID == "":
		return nil, fmt.Errorf("%w: target aggregate id is required", ErrInvalidSchedule)
	case p.ScheduledFor.IsZero():
		return nil, fmt.Errorf("%w: scheduled time is required", ErrInvalidSchedule)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}

	s := &Schedule{
		Base:                aggregate.NewBase(AggregateType, p.ID, p.CorrelationID),
		targetAggregateID:   p.TargetAggregateID,
		targetAggregateType: p.TargetAggregateType,
		commandType:         p.CommandType,
		commandData:         p.CommandData,
		scheduledFor:        p.ScheduledFor.UTC(),
		status:              StatusPending,
	}
	s.Created(EventScheduleCreated, p.UserID, s.State(), now)
	return s, nil
}

// FromSnapshot rebuilds a schedule from its decoded snapshot.
func FromSnapshot(snapshot aggregate.Snapshot) (*Schedule, error) {
	if snapshot.AggregateType != AggregateType {
		return nil, fmt.Errorf("snapshot %s is a %s, not a %s", snapshot.AggregateID, snapshot.AggregateType, AggregateType)
	}
	s := &Schedule{Base: aggregate.RestoreBase(snapshot)}
	if err := s.apply(snapshot.State); err != nil {
		return nil, fmt.Errorf("restore schedule %s: %w", snapshot.AggregateID, err)
	}
	return s, nil
}

func (s *Schedule) TargetAggregateID() string   { return s.targetAggregateID }
func (s *Schedule) TargetAggregateType() string { return s.targetAggregateType }
func (s *Schedule) CommandType() string         { return s.commandType }
func (s *Schedule) CommandData() map[string]any { return s.commandData }
func (s *Schedule) ScheduledFor() time.Time     { return s.scheduledFor }
func (s *Schedule) Status() Status              { return s.status }
func (s *Schedule) RetryCount() int             { return s.retryCount }
func (s *Schedule) NextRetryAt() *time.Time     { return s.nextRetryAt }
func (s *Schedule) ErrorMessage() string        { return s.errorMessage }

// State implements aggregate.Aggregate.
func (s *Schedule) State() map[string]any {
	state := map[string]any{
		fieldTargetAggregateID:   s.targetAggregateID,
		fieldTargetAggregateType: s.targetAggregateType,
		fieldCommandType:         s.commandType,
		fieldScheduledFor:        s.scheduledFor,
		fieldStatus:              string(s.status),
		fieldRetryCount:          s.retryCount,
		fieldErrorMessage:        s.errorMessage,
	}
	if s.commandData != nil {
		state[fieldCommandData] = s.commandData
	}
	if s.nextRetryAt != nil {
		state[fieldNextRetryAt] = *s.nextRetryAt
	}
	return state
}

// MarkExecuted records a successful dispatch.
func (s *Schedule) MarkExecuted(now time.Time) error {
	if err := s.requirePending(StatusExecuted); err != nil {
		return err
	}
	prior := s.State()
	s.status = StatusExecuted
	s.nextRetryAt = nil
	s.Record(EventScheduleExecuted, "", prior, s.State(), now)
	return nil
}

// RecordFailure counts a failed dispatch. The schedule stays pending with the
// next attempt computed by backoff from ScheduledFor, or fails permanently
// once the retry count reaches maxRetries.
func (s *Schedule) RecordFailure(message string, maxRetries int, backoff eventstore.BackoffStrategy, now time.Time) error {
	if err := s.requirePending(StatusFailed); err != nil {
		return err
	}
	prior := s.State()
	s.retryCount++
	s.errorMessage = message

	if s.retryCount >= maxRetries {
		s.status = StatusFailed
		s.nextRetryAt = nil
		s.Record(EventScheduleFailed, "", prior, s.State(), now)
		return nil
	}

	next := backoff.CalculateNextAttempt(s.scheduledFor, s.retryCount).UTC()
	s.nextRetryAt = &next
	s.Record(EventScheduleRetryScheduled, "", prior, s.State(), now)
	return nil
}

// Cancel withdraws a pending schedule.
func (s *Schedule) Cancel(userID string, now time.Time) error {
	if err := s.requirePending(StatusCancelled); err != nil {
		return err
	}
	prior := s.State()
	s.status = StatusCancelled
	s.nextRetryAt = nil
	s.Record(EventScheduleCancelled, userID, prior, s.State(), now)
	return nil
}

func (s *Schedule) requirePending(to Status) error {
	if s.status != StatusPending {
		return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, s.ID(), s.status, to)
	}
	return nil
}

// apply loads state in either its in-memory form or its decoded form.
func (s *Schedule) apply(state map[string]any) error {
	var err error
	read := func(key string, dst *string) {
		if err != nil {
			return
		}
		switch v := state[key].(type) {
		case nil:
		case string:
			*dst = v
		default:
			err = fmt.Errorf("%s: want string, got %T", key, v)
		}
	}
	var status string
	read(fieldTargetAggregateID, &s.targetAggregateID)
	read(fieldTargetAggregateType, &s.targetAggregateType)
	read(fieldCommandType, &s.commandType)
	read(fieldStatus, &status)
	read(fieldErrorMessage, &s.errorMessage)
	if err != nil {
		return err
	}

	s.status = Status(status)
	if !s.status.valid() {
		return fmt.Errorf("%s: unknown status %q", fieldStatus, status)
	}

	switch v := state[fieldRetryCount].(type) {
	case nil:
	case int:
		s.retryCount = v
	case int64:
		s.retryCount = int(v)
	default:
		return fmt.Errorf("%s: want int, got %T", fieldRetryCount, v)
	}

	scheduledFor, ok := state[fieldScheduledFor].(time.Time)
	if !ok {
		return fmt.Errorf("%s: want time, got %T", fieldScheduledFor, state[fieldScheduledFor])
	}
	s.scheduledFor = scheduledFor.UTC()

	switch v := state[fieldNextRetryAt].(type) {
	case nil:
		s.nextRetryAt = nil
	case time.Time:
		t := v.UTC()
		s.nextRetryAt = &t
	default:
		return fmt.Errorf("%s: want time, got %T", fieldNextRetryAt, v)
	}

	switch v := state[fieldCommandData].(type) {
	case nil:
		s.commandData = nil
	case map[string]any:
		s.commandData = v
	default:
		return fmt.Errorf("%s: want map, got %T", fieldCommandData, v)
	}
	return nil
}

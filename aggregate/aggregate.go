// Package aggregate defines the contract every domain aggregate satisfies to be
// persisted by the runtime, and the load and commit steps command handlers run
// inside a unit of work.
package aggregate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a referenced aggregate has no snapshot.
	ErrNotFound = errors.New("aggregate not found")
	// ErrConcurrencyConflict is returned when the expected version differs from the stored one.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ConflictError describes a failed optimistic concurrency check.
type ConflictError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected version %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// CheckVersion fails with a *ConflictError when expected differs from actual.
func CheckVersion(aggregateID string, expected, actual int) error {
	if expected != actual {
		return &ConflictError{AggregateID: aggregateID, Expected: expected, Actual: actual}
	}
	return nil
}

// Payload carries the full state before and after a mutation.
type Payload struct {
	PriorState map[string]any `json:"priorState"`
	NewState   map[string]any `json:"newState"`
}

// Event is an immutable fact produced by an aggregate mutation. Version is the
// aggregate version after the mutation.
type Event struct {
	Name          string    `json:"eventName"`
	AggregateID   string    `json:"aggregateId"`
	AggregateType string    `json:"aggregateType"`
	CorrelationID string    `json:"correlationId"`
	UserID        string    `json:"userId,omitempty"`
	Version       int       `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	Payload       Payload   `json:"payload"`
}

// Aggregate is a versioned, event producing unit of consistency.
type Aggregate interface {
	ID() string
	Type() string
	Version() int
	CorrelationID() string
	// State returns the plain value form stored in the snapshot.
	State() map[string]any
	UncommittedEvents() []Event
	ClearUncommittedEvents()
}

// Base implements the bookkeeping half of Aggregate. Embed it and provide State.
type Base struct {
	id            string
	typ           string
	correlationID string
	version       int
	events        []Event
}

// NewBase starts a new aggregate at version 0.
func NewBase(aggregateType, id, correlationID string) Base {
	return Base{typ: aggregateType, id: id, correlationID: correlationID}
}

// RestoreBase resumes an aggregate from its snapshot.
func RestoreBase(s Snapshot) Base {
	return Base{
		typ:           s.AggregateType,
		id:            s.AggregateID,
		correlationID: s.CorrelationID,
		version:       s.Version,
	}
}

func (b *Base) ID() string            { return b.id }
func (b *Base) Type() string          { return b.typ }
func (b *Base) Version() int          { return b.version }
func (b *Base) CorrelationID() string { return b.correlationID }

func (b *Base) UncommittedEvents() []Event {
	return b.events
}

func (b *Base) ClearUncommittedEvents() {
	b.events = nil
}

// SetCorrelationID ties the next events to the command being handled.
func (b *Base) SetCorrelationID(id string) {
	b.correlationID = id
}

// Created buffers the creation event. The version stays at 0.
func (b *Base) Created(name, userID string, state map[string]any, at time.Time) {
	b.append(name, userID, nil, state, at)
}

// Record bumps the version by one and buffers the event describing the change.
func (b *Base) Record(name, userID string, prior, next map[string]any, at time.Time) {
	b.version++
	b.append(name, userID, prior, next, at)
}

func (b *Base) append(name, userID string, prior, next map[string]any, at time.Time) {
	b.events = append(b.events, Event{
		Name:          name,
		AggregateID:   b.id,
		AggregateType: b.typ,
		CorrelationID: b.correlationID,
		UserID:        userID,
		Version:       b.version,
		OccurredAt:    at.UTC(),
		Payload:       Payload{PriorState: prior, NewState: next},
	})
}

package schedule

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/eventstore"
	"github.com/overtonx/eventstore/aggregate"
	"github.com/overtonx/eventstore/codec"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newCodec(t *testing.T) *codec.Codec {
	t.Helper()
	reg := codec.NewRegistry()
	require.NoError(t, RegisterSchema(reg))
	cipher, err := codec.NewXChaCha20Cipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	c, err := codec.NewCodec(reg, codec.WithCipher(cipher))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func validParams() Params {
	return Params{
		ID:                  "s-1",
		CorrelationID:       "c-1",
		TargetAggregateID:   "bundle-1",
		TargetAggregateType: "Bundle",
		CommandType:         "PublishBundle",
		CommandData:         map[string]any{"channel": "web"},
		ScheduledFor:        t0,
	}
}

func TestCreate(t *testing.T) {
	s, err := Create(validParams(), t0.Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 0, s.Version())
	assert.Equal(t, StatusPending, s.Status())
	require.Len(t, s.UncommittedEvents(), 1)
	event := s.UncommittedEvents()[0]
	assert.Equal(t, EventScheduleCreated, event.Name)
	assert.Equal(t, 0, event.Version)
	assert.Nil(t, event.Payload.PriorState)
	assert.Equal(t, "pending", event.Payload.NewState["status"])
}

func TestCreate_GeneratesIdentifiers(t *testing.T) {
	p := validParams()
	p.ID, p.CorrelationID = "", ""
	s, err := Create(p, t0)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.NotEmpty(t, s.CorrelationID())
}

func TestCreate_Invalid(t *testing.T) {
	for name, mutate := range map[string]func(*Params){
		"command type":  func(p *Params) { p.CommandType = "" },
		"target":        func(p *Params) { p.TargetAggregateID = "" },
		"scheduled for": func(p *Params) { p.ScheduledFor = time.Time{} },
	} {
		t.Run(name, func(t *testing.T) {
			p := validParams()
			mutate(&p)
			_, err := Create(p, t0)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestRecordFailure_BackoffFromScheduledTime(t *testing.T) {
	s, err := Create(validParams(), t0)
	require.NoError(t, err)
	backoff := eventstore.ScheduleBackoff()

	require.NoError(t, s.RecordFailure("boom", 5, backoff, t0.Add(time.Hour)))
	assert.Equal(t, StatusPending, s.Status())
	assert.Equal(t, 1, s.RetryCount())
	require.NotNil(t, s.NextRetryAt())
	assert.Equal(t, t0.Add(2*time.Minute), *s.NextRetryAt())
	assert.Equal(t, "boom", s.ErrorMessage())

	require.NoError(t, s.RecordFailure("boom", 5, backoff, t0.Add(2*time.Hour)))
	assert.Equal(t, t0.Add(4*time.Minute), *s.NextRetryAt())
	assert.Equal(t, 2, s.Version())

	events := s.UncommittedEvents()
	assert.Equal(t, EventScheduleRetryScheduled, events[len(events)-1].Name)
}

func TestRecordFailure_ExhaustsRetries(t *testing.T) {
	s, err := Create(validParams(), t0)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, s.RecordFailure("boom", 3, eventstore.ScheduleBackoff(), t0))
	}
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, 3, s.RetryCount())
	assert.Nil(t, s.NextRetryAt())

	assert.ErrorIs(t, s.RecordFailure("boom", 3, eventstore.ScheduleBackoff(), t0), ErrInvalidTransition)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	s, err := Create(validParams(), t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkExecuted(t0))
	assert.Equal(t, 1, s.Version())

	assert.ErrorIs(t, s.MarkExecuted(t0), ErrInvalidTransition)
	assert.ErrorIs(t, s.Cancel("u", t0), ErrInvalidTransition)
	assert.Equal(t, 1, s.Version())
}

func TestFromSnapshot_ThroughCodec(t *testing.T) {
	c := newCodec(t)
	s, err := Create(validParams(), t0)
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure("boom", 5, eventstore.ScheduleBackoff(), t0))

	data, err := c.Encode(codec.Envelope{AggregateType: s.Type(), AggregateID: s.ID(), Version: s.Version(), State: s.State()})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "web", "command data is encrypted")

	env, err := c.Decode(data)
	require.NoError(t, err)
	restored, err := FromSnapshot(aggregate.Snapshot{Envelope: env, CorrelationID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, s.Version(), restored.Version())
	assert.Equal(t, "c-1", restored.CorrelationID())
	assert.Equal(t, StatusPending, restored.Status())
	assert.Equal(t, 1, restored.RetryCount())
	assert.Equal(t, *s.NextRetryAt(), *restored.NextRetryAt())
	assert.Equal(t, t0, restored.ScheduledFor())
	assert.Equal(t, map[string]any{"channel": "web"}, restored.CommandData())
	assert.Equal(t, "Bundle", restored.TargetAggregateType())
	assert.Empty(t, restored.UncommittedEvents())
}

func TestFromSnapshot_WrongType(t *testing.T) {
	_, err := FromSnapshot(aggregate.Snapshot{Envelope: codec.Envelope{AggregateType: "Product", AggregateID: "p-1"}})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(ctx context.Context, payload map[string]any) error { return nil })

	require.NoError(t, r.Register("PublishBundle", h))
	assert.ErrorIs(t, r.Register("PublishBundle", h), ErrAlreadyRegistered)
	assert.Error(t, r.Register("", h))
	assert.Error(t, r.Register("Other", nil))

	_, ok := r.Lookup("PublishBundle")
	assert.True(t, ok)
	_, ok = r.Lookup("Missing")
	assert.False(t, ok)

	assert.Panics(t, func() { r.MustRegister("PublishBundle", h) })
}

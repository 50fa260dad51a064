package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"

	"github.com/overtonx/eventstore/codec"
	"github.com/overtonx/eventstore/storage"
)

// Snapshot is a decoded snapshot row.
type Snapshot struct {
	codec.Envelope
	CorrelationID string
	UpdatedAt     time.Time
}

// Projector updates a read model from a committed event. It runs inside the
// committing transaction and must be idempotent.
type Projector interface {
	Project(ctx context.Context, repos storage.Repositories, event Event) error
}

type ProjectorFunc func(ctx context.Context, repos storage.Repositories, event Event) error

func (f ProjectorFunc) Project(ctx context.Context, repos storage.Repositories, event Event) error {
	return f(ctx, repos, event)
}

type StoreOption func(*Store)

// WithProjectors registers projectors invoked for every committed event.
func WithProjectors(projectors ...Projector) StoreOption {
	return func(s *Store) {
		s.projectors = append(s.projectors, projectors...)
	}
}

func WithClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTopic sets the topic recorded on outbox entries.
func WithTopic(topic string) StoreOption {
	return func(s *Store) {
		s.topic = topic
	}
}

// Store loads and commits aggregates through the repositories of a unit of work.
type Store struct {
	codec      *codec.Codec
	clock      clockwork.Clock
	topic      string
	projectors []Projector
}

func NewStore(c *codec.Codec, opts ...StoreOption) *Store {
	s := &Store{codec: c, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and decodes the snapshot of id. The boolean is false when the
// aggregate does not exist.
func (s *Store) Load(ctx context.Context, repos storage.Repositories, id string) (Snapshot, bool, error) {
	row, err := repos.Snapshots.GetSnapshot(ctx, id)
	if err != nil {
		return Snapshot{}, false, err
	}
	if row == nil {
		return Snapshot{}, false, nil
	}
	env, err := s.codec.Decode(row.Payload)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return Snapshot{Envelope: env, CorrelationID: row.CorrelationID, UpdatedAt: row.UpdatedAt}, true, nil
}

// Get is Load that fails with ErrNotFound for missing aggregates.
func (s *Store) Get(ctx context.Context, repos storage.Repositories, id string) (Snapshot, error) {
	snapshot, ok, err := s.Load(ctx, repos, id)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snapshot, nil
}

// Commit writes the uncommitted events, one outbox entry per event and the new
// snapshot, runs the projectors and clears the event buffer. It must run inside
// a unit of work so the writes are atomic.
func (s *Store) Commit(ctx context.Context, repos storage.Repositories, agg Aggregate) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()

	for _, event := range events {
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.Name, err)
		}
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload %s: %w", event.Name, err)
		}
		if err := repos.Events.AddEvent(ctx, storage.EventRecord{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			Version:       event.Version,
			EventType:     event.Name,
			CorrelationID: event.CorrelationID,
			UserID:        event.UserID,
			OccurredAt:    event.OccurredAt,
			Payload:       payload,
		}); err != nil {
			return err
		}

		deliveryID := uuid.NewString()
		headers := storage.Headers{
			"delivery_id":    deliveryID,
			"correlation_id": event.CorrelationID,
		}
		otel.GetTextMapPropagator().Inject(ctx, headers)
		headerBytes, err := headers.Marshal()
		if err != nil {
			return err
		}
		if err := repos.Outbox.AddOutboxEvent(ctx, storage.OutboxRecord{
			DeliveryID:    deliveryID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.Name,
			Topic:         s.topic,
			Payload:       body,
			Headers:       headerBytes,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}

	data, err := s.codec.Encode(codec.Envelope{
		AggregateType: agg.Type(),
		AggregateID:   agg.ID(),
		Version:       agg.Version(),
		State:         agg.State(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", agg.ID(), err)
	}
	if err := repos.Snapshots.SaveSnapshot(ctx, storage.Snapshot{
		AggregateID:   agg.ID(),
		AggregateType: agg.Type(),
		CorrelationID: agg.CorrelationID(),
		Version:       agg.Version(),
		Payload:       data,
		UpdatedAt:     now,
	}); err != nil {
		return err
	}

	for _, event := range events {
		for _, p := range s.projectors {
			if err := p.Project(ctx, repos, event); err != nil {
				return fmt.Errorf("project %s v%d: %w", event.AggregateID, event.Version, err)
			}
		}
	}

	agg.ClearUncommittedEvents()
	return nil
}

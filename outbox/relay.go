package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/overtonx/eventstore"
	"github.com/overtonx/eventstore/storage"
	"github.com/overtonx/eventstore/uow"
)

const (
	defaultBatchSize           = 100
	defaultMaxAttempts         = 3
	defaultDeadLetterRetention = 7 * 24 * time.Hour
)

// Transactor opens units of work. *uow.UnitOfWork satisfies it.
type Transactor interface {
	WithTransaction(ctx context.Context, fn uow.Func) error
}

type RelayOption func(*Relay)

func WithLogger(logger *zap.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(metrics eventstore.MetricsCollector) RelayOption {
	return func(r *Relay) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func WithBackoffStrategy(strategy eventstore.BackoffStrategy) RelayOption {
	return func(r *Relay) {
		if strategy != nil {
			r.backoff = strategy
		}
	}
}

func WithBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithMaxAttempts sets the number of failed publishes after which an entry is
// moved to the dead letter table.
func WithMaxAttempts(attempts int) RelayOption {
	return func(r *Relay) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

func WithDeadLetterRetention(retention time.Duration) RelayOption {
	return func(r *Relay) {
		if retention > 0 {
			r.deadLetterRetention = retention
		}
	}
}

func WithClock(clock clockwork.Clock) RelayOption {
	return func(r *Relay) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Relay публикует записи outbox и удаляет их после успешной доставки.
// Все изменения outbox идут через unit of work, поэтому попадают в батчер
// вместе с остальными записями.
type Relay struct {
	tx        Transactor
	entries   storage.OutboxRepository
	publisher Publisher
	logger    *zap.Logger
	metrics   eventstore.MetricsCollector
	backoff   eventstore.BackoffStrategy
	clock     clockwork.Clock

	batchSize           int
	maxAttempts         int
	deadLetterRetention time.Duration
}

// NewRelay создает новый экземпляр Relay. Reads go straight to entries.
func NewRelay(tx Transactor, entries storage.OutboxRepository, publisher Publisher, opts ...RelayOption) *Relay {
	if publisher == nil {
		publisher = NewNopPublisher()
	}
	r := &Relay{
		tx:                  tx,
		entries:             entries,
		publisher:           publisher,
		logger:              zap.NewNop(),
		metrics:             eventstore.NewNopMetricsCollector(),
		backoff:             eventstore.DefaultBackoffStrategy(),
		clock:               clockwork.NewRealClock(),
		batchSize:           defaultBatchSize,
		maxAttempts:         defaultMaxAttempts,
		deadLetterRetention: defaultDeadLetterRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Worker runs ProcessEntries every interval.
func (r *Relay) Worker(interval time.Duration) *eventstore.BaseWorker {
	return eventstore.NewBaseWorker("outbox_relay", interval, r.logger, r.ProcessEntries, eventstore.WithWorkerClock(r.clock))
}

// CleanupWorker runs Cleanup every interval.
func (r *Relay) CleanupWorker(interval time.Duration) *eventstore.BaseWorker {
	return eventstore.NewBaseWorker("outbox_cleanup", interval, r.logger, r.Cleanup, eventstore.WithWorkerClock(r.clock))
}

// ProcessEntries - основная функция воркера: выбирает готовые записи и публикует их.
func (r *Relay) ProcessEntries(ctx context.Context) error {
	start := r.clock.Now()
	entries, err := r.entries.FetchDueOutbox(ctx, start, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch outbox entries: %w", err)
	}
	r.metrics.RecordDuration("outbox_relay.fetch_duration", r.clock.Since(start), nil)

	if len(entries) == 0 {
		return nil
	}

	r.logger.Debug("Fetched outbox entries for publishing", zap.Int("count", len(entries)))
	r.metrics.RecordGauge("outbox_relay.batch_size", float64(len(entries)), nil)

	processed, failed := 0, 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			r.logger.Warn("Context cancelled during batch processing", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		if err := r.processEntry(ctx, entry); err != nil {
			failed++
			r.logger.Error("Failed to process outbox entry",
				zap.String("delivery_id", entry.DeliveryID),
				zap.Error(err))
		} else {
			processed++
		}
	}

	r.logger.Info("Outbox batch completed", zap.Int("processed", processed), zap.Int("failed", failed))
	r.metrics.RecordDuration("outbox_relay.duration", r.clock.Since(start), nil)
	return nil
}

func (r *Relay) processEntry(ctx context.Context, entry storage.OutboxRecord) error {
	fields := []zap.Field{
		zap.String("delivery_id", entry.DeliveryID),
		zap.String("event_type", entry.EventType),
		zap.String("aggregate_id", entry.AggregateID),
	}
	tags := map[string]string{"event_type": entry.EventType}

	headers, err := storage.ParseHeaders(entry.Headers)
	if err != nil {
		r.logger.Warn("Ignoring malformed outbox headers", append(fields, zap.Error(err))...)
		headers = storage.Headers{}
	}
	// Continue the trace of the command that wrote the entry.
	publishCtx := otel.GetTextMapPropagator().Extract(ctx, headers)

	msg := Message{
		DeliveryID:    entry.DeliveryID,
		AggregateType: entry.AggregateType,
		AggregateID:   entry.AggregateID,
		EventType:     entry.EventType,
		Topic:         entry.Topic,
		Payload:       entry.Payload,
		Headers:       headers,
		AttemptCount:  entry.AttemptCount,
	}

	if err := r.publisher.Publish(publishCtx, msg); err != nil {
		r.metrics.IncrementCounter("outbox_relay.publish_failed", tags)
		r.logger.Warn("Failed to publish outbox entry", append(fields, zap.Error(err))...)
		return r.reschedule(ctx, entry, err)
	}

	err = r.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		return repos.Outbox.DeleteOutboxEntry(ctx, entry.DeliveryID)
	})
	if err != nil {
		// Published but still queued: it will be delivered again.
		r.metrics.IncrementCounter("outbox_relay.delete_failed", tags)
		return fmt.Errorf("failed to delete published entry: %w", err)
	}

	r.metrics.IncrementCounter("outbox_relay.publish_success", tags)
	r.logger.Debug("Outbox entry published", fields...)
	return nil
}

func (r *Relay) reschedule(ctx context.Context, entry storage.OutboxRecord, publishErr error) error {
	now := r.clock.Now()
	attempt := entry.AttemptCount + 1

	if attempt >= r.maxAttempts {
		r.logger.Error("Outbox entry exceeded max attempts, moving to dead letters",
			zap.String("delivery_id", entry.DeliveryID),
			zap.Int("attempts", attempt),
			zap.Error(publishErr))
		r.metrics.IncrementCounter("outbox_relay.dead_lettered", map[string]string{"event_type": entry.EventType})
		return r.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
			return repos.Outbox.MoveOutboxToDeadLetter(ctx, entry.DeliveryID, publishErr.Error(), now)
		})
	}

	next := r.backoff.CalculateNextAttempt(now, attempt)
	r.logger.Info("Scheduling outbox entry for retry",
		zap.String("delivery_id", entry.DeliveryID),
		zap.Time("next_attempt_at", next),
		zap.Error(publishErr))
	return r.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		return repos.Outbox.UpdateOutboxForRetry(ctx, entry.DeliveryID, next, publishErr.Error())
	})
}

// Cleanup удаляет dead letters старше срока хранения. Ошибки только логируются,
// чтобы воркер продолжал работу.
func (r *Relay) Cleanup(ctx context.Context) error {
	start := r.clock.Now()
	defer func() {
		r.metrics.RecordDuration("outbox_cleanup.duration", r.clock.Since(start), nil)
	}()

	var deleted int64
	err := r.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		var err error
		deleted, err = repos.Outbox.DeleteDeadLetters(ctx, start.Add(-r.deadLetterRetention))
		return err
	})
	if err != nil {
		r.logger.Error("Failed to clean up dead letters", zap.Error(err))
		r.metrics.IncrementCounter("outbox_cleanup.failed", nil)
		return nil
	}
	if deleted > 0 {
		r.logger.Info("Cleaned up dead letters", zap.Int64("count", deleted))
		r.metrics.RecordGauge("outbox_cleanup.deleted", float64(deleted), nil)
	}
	r.metrics.IncrementCounter("outbox_cleanup.executed", nil)
	return nil
}

// Close closes the publisher.
func (r *Relay) Close() error {
	return r.publisher.Close()
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/eventstore"
	"github.com/overtonx/eventstore/aggregate"
	"github.com/overtonx/eventstore/storage"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultMaxRetries   = 5
)

type PollerOption func(*Poller)

func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchSize limits the number of schedules dispatched per poll.
func WithBatchSize(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithMaxRetries sets the number of failed dispatches after which a schedule fails permanently.
func WithMaxRetries(n int) PollerOption {
	return func(p *Poller) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

func WithBackoff(b eventstore.BackoffStrategy) PollerOption {
	return func(p *Poller) {
		if b != nil {
			p.backoff = b
		}
	}
}

func WithClock(clock clockwork.Clock) PollerOption {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(metrics eventstore.MetricsCollector) PollerOption {
	return func(p *Poller) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// Poller dispatches due schedules to their handlers and records the outcome.
// Polls run on a timer that is re-armed after each poll, so they never overlap.
type Poller struct {
	*eventstore.BaseWorker

	tx       Transactor
	views    storage.ScheduleViewRepository
	store    *aggregate.Store
	handlers *Registry

	interval   time.Duration
	batchSize  int
	maxRetries int
	backoff    eventstore.BackoffStrategy
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    eventstore.MetricsCollector
}

func NewPoller(tx Transactor, views storage.ScheduleViewRepository, store *aggregate.Store, handlers *Registry, opts ...PollerOption) *Poller {
	p := &Poller{
		tx:         tx,
		views:      views,
		store:      store,
		handlers:   handlers,
		interval:   defaultPollInterval,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
		backoff:    eventstore.ScheduleBackoff(),
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		metrics:    eventstore.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.BaseWorker = eventstore.NewBaseWorker("schedule_poller", p.interval, p.logger, p.Poll, eventstore.WithWorkerClock(p.clock))
	return p
}

// Poll dispatches up to batchSize due schedules, earliest first. Dispatch
// failures become schedule state; only a failed fetch is returned.
func (p *Poller) Poll(ctx context.Context) error {
	start := p.clock.Now()
	due, err := p.views.FetchDueSchedules(ctx, start, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	p.logger.Debug("Fetched due schedules", zap.Int("count", len(due)))
	p.metrics.RecordGauge("schedule_poller.batch_size", float64(len(due)), nil)

	for _, row := range due {
		p.dispatch(ctx, row)
	}

	p.metrics.RecordDuration("schedule_poller.duration", p.clock.Since(start), nil)
	return nil
}

func (p *Poller) dispatch(ctx context.Context, row storage.ScheduleRow) {
	fields := []zap.Field{
		zap.String("schedule_id", row.AggregateID),
		zap.String("command_type", row.CommandType),
		zap.Int("version", row.Version),
	}
	tags := map[string]string{"command_type": row.CommandType}

	handler, ok := p.handlers.Lookup(row.CommandType)
	if !ok {
		msg := fmt.Errorf("%w for command type %q", ErrHandlerMissing, row.CommandType).Error()
		p.logger.Error("Scheduled command has no handler", fields...)
		p.metrics.IncrementCounter("schedule_poller.handler_missing", tags)
		p.settle(ctx, row, func(s *Schedule, now time.Time) error {
			return s.RecordFailure(msg, 0, p.backoff, now)
		})
		return
	}

	// Command data comes from the snapshot: the view holds a JSON copy
	// without integer types.
	current, err := p.load(ctx, row)
	if err != nil {
		p.skipOrLog(row, err)
		return
	}

	correlationID := uuid.NewString()
	payload := map[string]any{
		"correlationId": correlationID,
		"id":            row.TargetAggregateID,
	}
	maps.Copy(payload, current.CommandData())

	if err := p.execute(ctx, handler, payload); err != nil {
		p.logger.Warn("Scheduled command failed", append(fields, zap.Int("retry_count", row.RetryCount), zap.Error(err))...)
		p.metrics.IncrementCounter("schedule_poller.handler_failed", tags)
		p.settle(ctx, row, func(s *Schedule, now time.Time) error {
			s.SetCorrelationID(correlationID)
			return s.RecordFailure(err.Error(), p.maxRetries, p.backoff, now)
		})
		return
	}

	p.logger.Debug("Scheduled command executed", fields...)
	p.settle(ctx, row, func(s *Schedule, now time.Time) error {
		s.SetCorrelationID(correlationID)
		return s.MarkExecuted(now)
	})
}

func (p *Poller) execute(ctx context.Context, h Handler, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Execute(ctx, payload)
}

// settle applies the dispatch outcome in its own unit of work, provided the
// schedule still has the version it was fetched with. Otherwise another
// process has handled it and the outcome is dropped.
func (p *Poller) settle(ctx context.Context, row storage.ScheduleRow, outcome func(s *Schedule, now time.Time) error) {
	var status Status
	err := p.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		s, err := p.current(ctx, repos, row)
		if err != nil {
			return err
		}
		if err := outcome(s, p.clock.Now()); err != nil {
			return err
		}
		status = s.Status()
		return p.store.Commit(ctx, repos, s)
	})

	if err != nil {
		p.skipOrLog(row, err)
		return
	}
	p.metrics.IncrementCounter("schedule_poller.settled", map[string]string{"status": string(status)})
	if status == StatusFailed {
		p.logger.Error("Schedule failed permanently", zap.String("schedule_id", row.AggregateID), zap.Int("version", row.Version))
	}
}

// load reads the schedule behind a fetched row, provided it still has the
// fetched version.
func (p *Poller) load(ctx context.Context, row storage.ScheduleRow) (*Schedule, error) {
	var s *Schedule
	err := p.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		var err error
		s, err = p.current(ctx, repos, row)
		return err
	})
	return s, err
}

func (p *Poller) current(ctx context.Context, repos storage.Repositories, row storage.ScheduleRow) (*Schedule, error) {
	snapshot, err := p.store.Get(ctx, repos, row.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := aggregate.CheckVersion(row.AggregateID, row.Version, snapshot.Version); err != nil {
		return nil, err
	}
	return FromSnapshot(snapshot)
}

func (p *Poller) skipOrLog(row storage.ScheduleRow, err error) {
	fields := []zap.Field{zap.String("schedule_id", row.AggregateID), zap.Int("version", row.Version), zap.Error(err)}
	if errors.Is(err, aggregate.ErrConcurrencyConflict) || errors.Is(err, aggregate.ErrNotFound) {
		p.logger.Debug("Schedule changed since fetch, skipping", fields...)
		p.metrics.IncrementCounter("schedule_poller.skipped", nil)
		return
	}
	p.logger.Error("Failed to load or settle schedule", fields...)
	p.metrics.IncrementCounter("schedule_poller.settle_failed", nil)
}

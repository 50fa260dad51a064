package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/eventstore"
	"github.com/overtonx/eventstore/storage"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity and
	// blocking is disabled.
	ErrQueueFull = errors.New("write batcher queue is full")
	// ErrBatcherStopped is returned by Submit when the batcher is not accepting work.
	// The submitted function has not run.
	ErrBatcherStopped = errors.New("write batcher is stopped")
)

const (
	defaultBatchSizeThreshold = 32
	defaultFlushInterval      = 10 * time.Millisecond
	defaultMaxQueueDepth      = 1024
)

// ConnResolver returns the executor bound to the transaction in ctx.
type ConnResolver interface {
	Conn(ctx context.Context) storage.DBTX
}

type BatcherOption func(*Batcher)

// WithBatchSizeThreshold flushes as soon as n submissions are queued.
func WithBatchSizeThreshold(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithFlushInterval flushes whatever is queued every d.
func WithFlushInterval(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.flushInterval = d
		}
	}
}

// WithMaxQueueDepth bounds the number of queued submissions.
func WithMaxQueueDepth(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.maxQueueDepth = n
		}
	}
}

// WithBlockOnFull makes Submit wait for space instead of failing with ErrQueueFull.
func WithBlockOnFull(block bool) BatcherOption {
	return func(b *Batcher) {
		b.blockOnFull = block
	}
}

func WithBatcherLogger(logger *zap.Logger) BatcherOption {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithBatcherMetrics(metrics eventstore.MetricsCollector) BatcherOption {
	return func(b *Batcher) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

func WithBatcherClock(clock clockwork.Clock) BatcherOption {
	return func(b *Batcher) {
		if clock != nil {
			b.clock = clock
		}
	}
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Batcher queues transaction functions and commits them in groups, one
// transaction per group with a savepoint per function. A failing function only
// rolls back its own savepoint.
type Batcher struct {
	txm     TxManager
	conn    ConnResolver
	logger  *zap.Logger
	metrics eventstore.MetricsCollector
	clock   clockwork.Clock

	batchSize     int
	flushInterval time.Duration
	maxQueueDepth int
	blockOnFull   bool

	mu      sync.Mutex
	notFull *sync.Cond
	queue   []*job
	started bool
	stopped bool

	kick     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewBatcher(txm TxManager, conn ConnResolver, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		txm:           txm,
		conn:          conn,
		logger:        zap.NewNop(),
		metrics:       eventstore.NewNopMetricsCollector(),
		clock:         clockwork.NewRealClock(),
		batchSize:     defaultBatchSizeThreshold,
		flushInterval: defaultFlushInterval,
		maxQueueDepth: defaultMaxQueueDepth,
		blockOnFull:   true,
		kick:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	b.notFull = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Batcher) Name() string {
	return "write_batcher"
}

// QueueDepth returns the number of submissions waiting for a flush.
func (b *Batcher) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Submit queues fn and waits until the group containing it has been committed
// or rolled back. It returns fn's error, or the commit error of the group.
func (b *Batcher) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	// Wake the wait below when the caller gives up.
	stopWake := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	defer stopWake()

	b.mu.Lock()
	for {
		if !b.started || b.stopped {
			b.mu.Unlock()
			return ErrBatcherStopped
		}
		if len(b.queue) < b.maxQueueDepth {
			break
		}
		if !b.blockOnFull {
			b.mu.Unlock()
			b.metrics.IncrementCounter("batcher.queue_full", nil)
			return ErrQueueFull
		}
		if err := ctx.Err(); err != nil {
			b.mu.Unlock()
			return err
		}
		b.notFull.Wait()
	}
	b.queue = append(b.queue, j)
	depth := len(b.queue)
	b.mu.Unlock()

	b.metrics.RecordGauge("batcher.queue_depth", float64(depth), nil)
	if depth >= b.batchSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}

	// Once queued the job always runs; the caller waits for its outcome.
	return <-j.done
}

// Start runs the flush loop until ctx is cancelled or Stop is called, then
// flushes everything still queued before returning.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		b.logger.Warn("Write batcher already started")
		return
	}
	b.started = true
	b.mu.Unlock()
	defer close(b.done)

	b.logger.Info("Write batcher starting",
		zap.Int("batch_size_threshold", b.batchSize),
		zap.Duration("flush_interval", b.flushInterval),
		zap.Int("max_queue_depth", b.maxQueueDepth))

	flushCtx := context.WithoutCancel(ctx)
	ticker := b.clock.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.markStopped()
			b.drain(flushCtx)
			return
		case <-b.stopCh:
			b.drain(flushCtx)
			return
		case <-ticker.Chan():
			b.flush(flushCtx)
		case <-b.kick:
			b.flush(flushCtx)
		}
	}
}

// Stop rejects new submissions, flushes the queue and waits for the loop to exit.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()

		b.markStopped()
		close(b.stopCh)
		if started {
			<-b.done
		}
	})
}

// awaitStopped returns once a started batcher has drained its queue and exited.
func (b *Batcher) awaitStopped(ctx context.Context) error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) markStopped() {
	b.mu.Lock()
	b.stopped = true
	b.notFull.Broadcast()
	b.mu.Unlock()
}

func (b *Batcher) drain(ctx context.Context) {
	n := b.QueueDepth()
	b.flush(ctx)
	b.logger.Info("Write batcher drained", zap.Int("flushed", n))
}

// flush commits every queued job in groups of at most batchSize.
func (b *Batcher) flush(ctx context.Context) {
	for {
		b.mu.Lock()
		n := min(len(b.queue), b.batchSize)
		if n == 0 {
			b.mu.Unlock()
			return
		}
		jobs := make([]*job, n)
		copy(jobs, b.queue)
		b.queue = b.queue[n:]
		b.notFull.Broadcast()
		b.mu.Unlock()

		b.commit(ctx, jobs)
	}
}

func (b *Batcher) commit(ctx context.Context, jobs []*job) {
	start := b.clock.Now()
	results := make([]error, len(jobs))

	err := b.txm.Do(ctx, func(txCtx context.Context) error {
		conn := b.conn.Conn(txCtx)
		for i, j := range jobs {
			savepoint := fmt.Sprintf("batch_job_%d", i)
			if _, err := conn.ExecContext(txCtx, "SAVEPOINT "+savepoint); err != nil {
				return fmt.Errorf("failed to create savepoint: %w", err)
			}
			if jobErr := runJob(&jobContext{Context: context.WithoutCancel(j.ctx), tx: txCtx}, j.fn); jobErr != nil {
				results[i] = jobErr
				if _, err := conn.ExecContext(txCtx, "ROLLBACK TO SAVEPOINT "+savepoint); err != nil {
					return fmt.Errorf("failed to roll back savepoint: %w", err)
				}
			}
			if _, err := conn.ExecContext(txCtx, "RELEASE SAVEPOINT "+savepoint); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
		}
		return nil
	})

	failed := 0
	for i, j := range jobs {
		if err != nil && results[i] == nil {
			results[i] = fmt.Errorf("failed to commit batch: %w", err)
		}
		if results[i] != nil {
			failed++
		}
		j.done <- results[i]
	}

	if err != nil {
		b.logger.Error("Batch transaction failed", zap.Int("jobs", len(jobs)), zap.Error(err))
		b.metrics.IncrementCounter("batcher.commit_failed", nil)
	}
	b.metrics.RecordGauge("batcher.batch_size", float64(len(jobs)), nil)
	b.metrics.RecordDuration("batcher.flush_duration", b.clock.Since(start), nil)
	if failed > 0 {
		b.logger.Debug("Batch committed with failed jobs", zap.Int("jobs", len(jobs)), zap.Int("failed", failed))
	}
}

func runJob(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batched transaction panicked: %v", r)
		}
	}()
	return fn(ctx)
}

type batchKey struct{}

// jobContext gives a queued job the batch transaction while keeping the
// submitter's values such as trace spans.
type jobContext struct {
	context.Context
	tx context.Context
}

func (c *jobContext) Value(key any) any {
	if key == (batchKey{}) {
		return true
	}
	if v := c.tx.Value(key); v != nil {
		return v
	}
	return c.Context.Value(key)
}

func inBatch(ctx context.Context) bool {
	v, _ := ctx.Value(batchKey{}).(bool)
	return v
}

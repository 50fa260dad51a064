package eventstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher owns the background workers of one runtime instance.
//
// Workers are started in registration order and stopped in reverse order: the
// write batcher is registered first so that it is stopped last and flushes
// whatever the poller and relay submitted during their final runs.
type Dispatcher struct {
	logger *zap.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	workers  []Worker
	stopOnce sync.Once
	stopChan chan struct{}
	started  bool
}

// NewDispatcher creates a new dispatcher to manage the given workers.
func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:   logger,
		workers:  workers,
		stopChan: make(chan struct{}),
	}
}

// Add registers another worker. It has no effect once the dispatcher is running.
func (d *Dispatcher) Add(w Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.logger.Warn("Ignoring worker added to a running dispatcher", zap.String("worker_name", w.Name()))
		return
	}
	d.workers = append(d.workers, w)
}

// Start runs all the workers and blocks until the context is cancelled or Stop() is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher already started")
		return
	}
	d.started = true
	workers := append([]Worker(nil), d.workers...)
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher with workers", zap.Int("worker_count", len(workers)))

	// Workers get a context detached from ctx so that shutdown goes through
	// Stop() in reverse order instead of every worker racing on ctx.Done().
	workerCtx := context.WithoutCancel(ctx)
	for _, w := range workers {
		d.wg.Add(1)
		go func(worker Worker) {
			defer d.wg.Done()
			d.logger.Info("Starting worker", zap.String("worker_name", worker.Name()))
			worker.Start(workerCtx)
			d.logger.Info("Worker stopped", zap.String("worker_name", worker.Name()))
		}(w)
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Context cancelled, stopping dispatcher")
		d.Stop()
	case <-d.stopChan:
		d.logger.Info("Stop signal received, stopping dispatcher")
	}

	d.wg.Wait()
	d.logger.Info("All workers have been stopped. Dispatcher shutdown complete.")

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// Stop shuts the workers down in reverse registration order.
// It is safe to call Stop multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if !d.started {
			d.logger.Warn("Attempted to stop a dispatcher that was not started")
			return
		}
		d.logger.Info("Stopping dispatcher...")
		close(d.stopChan)

		for i := len(d.workers) - 1; i >= 0; i-- {
			d.workers[i].Stop()
		}
	})
}

// IsStarted returns true if the dispatcher is currently running.
func (d *Dispatcher) IsStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

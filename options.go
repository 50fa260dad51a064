package eventstore

import "github.com/jonboulle/clockwork"

type WorkerOption func(*BaseWorker)

// WithWorkerClock replaces the clock driving the worker timer.
func WithWorkerClock(clock clockwork.Clock) WorkerOption {
	return func(w *BaseWorker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

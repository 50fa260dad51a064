// Package eventstore holds the process-level pieces shared by the aggregate
// runtime: worker lifecycle, metrics, retry backoff and configuration.
package eventstore

import (
	"context"
	"time"
)

// MetricsCollector receives runtime measurements from the batcher, the schedule
// poller and the outbox relay.
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// Worker is a long-running background loop managed by a Dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

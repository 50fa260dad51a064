package eventstore

import (
	"math"
	"time"
)

const (
	defaultBaseDelay = 1 * time.Minute
	defaultMaxDelay  = 30 * time.Minute
)

// BackoffStrategy computes when the next attempt of a failed unit of work is due.
type BackoffStrategy interface {
	// CalculateNextAttempt returns the due time of attempt number attempt
	// (1 for the first retry), measured from the given reference time.
	CalculateNextAttempt(from time.Time, attempt int) time.Time
}

// ExponentialBackoff waits Base * 2^attempt after the reference time. A zero Max
// leaves the delay uncapped.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoffStrategy is the capped strategy used by the outbox relay.
func DefaultBackoffStrategy() ExponentialBackoff {
	return ExponentialBackoff{Base: defaultBaseDelay, Max: defaultMaxDelay}
}

// ScheduleBackoff is the uncapped strategy used for scheduled commands:
// scheduledFor + 2^retryCount minutes.
func ScheduleBackoff() ExponentialBackoff {
	return ExponentialBackoff{Base: time.Minute}
}

func (b ExponentialBackoff) CalculateNextAttempt(from time.Time, attempt int) time.Time {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Max
	// Beyond 2^62 the multiplication overflows; treat it as "cap reached".
	if attempt < 62 {
		factor := math.Pow(2, float64(attempt))
		if d := time.Duration(float64(b.Base) * factor); d > 0 && (b.Max <= 0 || d < b.Max) {
			delay = d
		}
	}
	if delay <= 0 {
		delay = time.Duration(math.MaxInt64)
	}
	return from.Add(delay)
}

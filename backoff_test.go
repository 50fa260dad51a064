package eventstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_CalculateNextAttempt(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		backoff ExponentialBackoff
		attempt int
		want    time.Duration
	}{
		{"schedule first retry", ScheduleBackoff(), 1, 2 * time.Minute},
		{"schedule third retry", ScheduleBackoff(), 3, 8 * time.Minute},
		{"schedule uncapped", ScheduleBackoff(), 10, 1024 * time.Minute},
		{"zero attempt", ScheduleBackoff(), 0, time.Minute},
		{"negative attempt", ScheduleBackoff(), -2, time.Minute},
		{"default capped", DefaultBackoffStrategy(), 6, 30 * time.Minute},
		{"default below cap", DefaultBackoffStrategy(), 2, 4 * time.Minute},
		{"overflow uses cap", DefaultBackoffStrategy(), 200, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, from.Add(tt.want), tt.backoff.CalculateNextAttempt(from, tt.attempt))
		})
	}
}

package schedule

import (
	"context"
	"fmt"

	"github.com/overtonx/eventstore/aggregate"
	"github.com/overtonx/eventstore/storage"
)

// ViewProjector keeps schedules_view in step with committed schedule events.
// Events of other aggregate types are ignored.
func ViewProjector() aggregate.Projector {
	return aggregate.ProjectorFunc(func(ctx context.Context, repos storage.Repositories, event aggregate.Event) error {
		if event.AggregateType != AggregateType {
			return nil
		}
		var s Schedule
		if err := s.apply(event.Payload.NewState); err != nil {
			return fmt.Errorf("project schedule %s: %w", event.AggregateID, err)
		}
		return repos.Schedules.SaveScheduleView(ctx, storage.ScheduleRow{
			AggregateID:         event.AggregateID,
			CorrelationID:       event.CorrelationID,
			TargetAggregateID:   s.targetAggregateID,
			TargetAggregateType: s.targetAggregateType,
			CommandType:         s.commandType,
			CommandData:         s.commandData,
			ScheduledFor:        s.scheduledFor,
			Status:              string(s.status),
			RetryCount:          s.retryCount,
			NextRetryAt:         s.nextRetryAt,
			ErrorMessage:        s.errorMessage,
			Version:             event.Version,
		})
	})
}

package schedule

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/overtonx/eventstore/aggregate"
	"github.com/overtonx/eventstore/storage"
	"github.com/overtonx/eventstore/uow"
)

// Transactor opens units of work. *uow.UnitOfWork satisfies it.
type Transactor interface {
	WithTransaction(ctx context.Context, fn uow.Func) error
}

// Service handles the schedule commands issued by the rest of the application.
type Service struct {
	tx    Transactor
	store *aggregate.Store
	clock clockwork.Clock
}

func NewService(tx Transactor, store *aggregate.Store, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{tx: tx, store: store, clock: clock}
}

// Schedule creates and persists a pending schedule.
func (s *Service) Schedule(ctx context.Context, p Params) (*Schedule, error) {
	sch, err := Create(p, s.clock.Now())
	if err != nil {
		return nil, err
	}
	err = s.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		return s.store.Commit(ctx, repos, sch)
	})
	if err != nil {
		return nil, err
	}
	return sch, nil
}

// Cancel withdraws a pending schedule whose stored version equals expectedVersion.
func (s *Service) Cancel(ctx context.Context, id string, expectedVersion int, userID string) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		sch, err := s.load(ctx, repos, id)
		if err != nil {
			return err
		}
		if err := aggregate.CheckVersion(id, expectedVersion, sch.Version()); err != nil {
			return err
		}
		if err := sch.Cancel(userID, s.clock.Now()); err != nil {
			return err
		}
		return s.store.Commit(ctx, repos, sch)
	})
}

// Load returns the current state of a schedule or aggregate.ErrNotFound.
func (s *Service) Load(ctx context.Context, id string) (*Schedule, error) {
	var sch *Schedule
	err := s.tx.WithTransaction(ctx, func(ctx context.Context, repos storage.Repositories) error {
		var err error
		sch, err = s.load(ctx, repos, id)
		return err
	})
	return sch, err
}

func (s *Service) load(ctx context.Context, repos storage.Repositories, id string) (*Schedule, error) {
	snapshot, err := s.store.Get(ctx, repos, id)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snapshot)
}

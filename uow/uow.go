// Package uow provides the transactional boundary of the runtime and the write
// batcher that groups concurrent transactions for single-writer stores.
package uow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/overtonx/eventstore/storage"
)

// TxManager runs fn inside a transaction carried by the context it passes on.
// *manager.Manager from go-transaction-manager satisfies it.
type TxManager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Func is the body of a unit of work. Repository calls must use the ctx it receives.
type Func func(ctx context.Context, repos storage.Repositories) error

type Option func(*UnitOfWork)

// WithBatcher routes transactions through b while it is running.
func WithBatcher(b *Batcher) Option {
	return func(u *UnitOfWork) {
		u.batcher = b
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// UnitOfWork hands callers every repository inside one atomic transaction.
type UnitOfWork struct {
	repos   storage.Repositories
	txm     TxManager
	batcher *Batcher
	logger  *zap.Logger
}

func New(store storage.Store, txm TxManager, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		repos:  storage.NewRepositories(store),
		txm:    txm,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// WithTransaction runs fn in a transaction that commits when fn returns nil and
// rolls back otherwise. fn's error is returned unchanged.
//
// When a batcher is attached and running, fn is queued and committed together
// with other submissions; fn's writes still succeed or fail as a unit.
func (u *UnitOfWork) WithTransaction(ctx context.Context, fn Func) error {
	run := func(ctx context.Context) error {
		return fn(ctx, u.repos)
	}

	if inBatch(ctx) {
		// Already inside a batched job: its savepoint is the boundary.
		return run(ctx)
	}

	if u.batcher != nil {
		err := u.batcher.Submit(ctx, run)
		if !errors.Is(err, ErrBatcherStopped) {
			return err
		}
		// A stopping batcher may still be committing its queue.
		if err := u.batcher.awaitStopped(ctx); err != nil {
			return err
		}
		u.logger.Debug("Write batcher not running, using a direct transaction")
	}
	return u.txm.Do(ctx, run)
}

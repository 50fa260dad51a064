package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a command type already has a handler.
	ErrAlreadyRegistered = errors.New("handler already registered")
	// ErrHandlerMissing is recorded on schedules whose command type has no handler.
	ErrHandlerMissing = errors.New("no handler registered")
)

// Handler executes one scheduled command. The payload carries a fresh
// correlationId, the target aggregate id as id and the stored command data.
type Handler interface {
	Execute(ctx context.Context, payload map[string]any) error
}

type HandlerFunc func(ctx context.Context, payload map[string]any) error

func (f HandlerFunc) Execute(ctx context.Context, payload map[string]any) error {
	return f(ctx, payload)
}

// Registry maps command types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(commandType string, h Handler) error {
	if commandType == "" {
		return fmt.Errorf("command type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", commandType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[commandType]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, commandType)
	}
	r.handlers[commandType] = h
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(commandType string, h Handler) {
	if err := r.Register(commandType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(commandType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[commandType]
	return h, ok
}

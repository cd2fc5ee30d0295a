package fluxline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrHandlerNotFound   = errors.New("handler not found")
	ErrHandlerRegistered = errors.New("handler already registered")
	ErrHandlerInvalid    = errors.New("invalid handler registration")
)

// HandlerRequest is everything a handler gets for one attempt. The
// IdempotencyKey is unique per (execution, step, attempt) triple; handlers
// performing side effects are expected to deduplicate on it.
type HandlerRequest struct {
	ExecutionID    string
	StepIndex      int
	Attempt        int
	IdempotencyKey string
	Input          []byte
}

// Handler is one registered unit of work. Implementations are opaque to the
// engine: they observe ctx for timeout and cooperative cancellation and raise
// *Failure when they want a specific error class.
type Handler interface {
	Invoke(ctx context.Context, req *HandlerRequest) ([]byte, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *HandlerRequest) ([]byte, error)

func (f HandlerFunc) Invoke(ctx context.Context, req *HandlerRequest) ([]byte, error) {
	return f(ctx, req)
}

// Registry maps handler identifiers to handlers. Handlers are registered at
// startup; lookups afterwards are read-only and cheap.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

func (r *Registry) Register(name string, handler Handler) error {
	if name == "" {
		return errors.Join(ErrHandlerInvalid, fmt.Errorf("handler name must not be empty"))
	}
	if handler == nil {
		return errors.Join(ErrHandlerInvalid, fmt.Errorf("handler %s must not be nil", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; ok {
		return errors.Join(ErrHandlerRegistered, fmt.Errorf("handler %s", name))
	}
	r.handlers[name] = handler
	return nil
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, req *HandlerRequest) ([]byte, error)) error {
	return r.Register(name, HandlerFunc(fn))
}

func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[name]
	if !ok {
		return nil, errors.Join(ErrHandlerNotFound, fmt.Errorf("handler %s", name))
	}
	return handler, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

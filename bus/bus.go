// Package bus routes asynchronous request/response messages between the
// engine and its background collaborator. Handlers are transport-agnostic
// (bytes in, bytes out): a service can be an in-process Go function or a
// remote endpoint, and callers never know which.
//
//	router := bus.New()
//	router.RegisterLocal("check_artist_blocked", store.HandleCheck)
//	resp, err := router.Call(ctx, "check_artist_blocked", payload)
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// ErrServiceNotFound is returned by Call when no handler is registered.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("bus: no handler for service %q", e.Service)
}

// Router dispatches service calls. Remote registrations take priority over
// local ones, so a deployment can point individual services at a remote
// collaborator without touching the engine.
type Router struct {
	mu      sync.RWMutex
	local   map[string]Handler
	remote  map[string]Handler
	closers []func()
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		local:  make(map[string]Handler),
		remote: make(map[string]Handler),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for a service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.local[service] = h
	r.mu.Unlock()
}

// RegisterRemote registers a remote handler (built by a transport) for a
// service. An optional close function is invoked on Close.
func (r *Router) RegisterRemote(service string, h Handler, closeFn func()) {
	r.mu.Lock()
	r.remote[service] = h
	if closeFn != nil {
		r.closers = append(r.closers, closeFn)
	}
	r.mu.Unlock()
}

// Call dispatches a service call: remote route first, then local, then
// ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	remoteH := r.remote[service]
	localH := r.local[service]
	r.mu.RUnlock()

	if remoteH != nil {
		r.logger.DebugContext(ctx, "bus: routing remote", "service", service)
		return remoteH(ctx, payload)
	}
	if localH != nil {
		r.logger.DebugContext(ctx, "bus: routing local", "service", service)
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Notify is fire-and-forget: it dispatches like Call but discards the
// response and logs (rather than returns) errors. Used for LOG_ACTION.
func (r *Router) Notify(ctx context.Context, service string, payload []byte) {
	if _, err := r.Call(ctx, service, payload); err != nil {
		r.logger.Debug("bus: notify failed", "service", service, "error", err)
	}
}

// Close shuts down all remote transports.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.closers {
		c()
	}
	r.closers = nil
	r.remote = make(map[string]Handler)
}

// Package connectivity is the message bus between execution contexts.
//
// Contexts never share memory. A tab that completes a toggle, or a floating
// control that wants the panel open, sends a JSON message to a named
// service; whoever hosts that service handles it. By default every service
// is a local in-process handler:
//
//	logModeration         → auditlog
//	OPEN_MODERATOR_PANEL  → panel host
//	readTheRoom           → logging placeholder
//
// A routes table in SQLite can redirect a service without a restart: send
// logModeration to a remote HTTP collector, or switch it to noop.
//
//	bus := connectivity.New()
//	bus.RegisterTransport("http", connectivity.HTTPFactory())
//	bus.RegisterLocal(moderation.ServiceLogModeration, audit.Handle)
//	go bus.Watch(ctx, db, time.Second)
//
//	err := bus.Send(ctx, moderation.ServiceLogModeration, msg)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
// Local handlers and remote clients share this signature.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint from the route's
// endpoint and config JSON. The close function, which may be nil, runs when
// the route is removed or replaced.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	ServiceName string
	Strategy    string
	Endpoint    string
	Config      json.RawMessage
}

// fingerprint changes whenever the route's dispatch would change.
func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Safe for concurrent use.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]route
	factories     map[string]TransportFactory
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]route),
		factories:     make(map[string]TransportFactory),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers the in-process handler for service, replacing any
// previous one.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers a factory for a route strategy ("http").
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Call dispatches one message. Resolution order:
//  1. noop route: succeed without doing anything
//  2. remote route from the routes table
//  3. local handler
//  4. ErrServiceNotFound
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	if hasRoute && snap.Strategy == "noop" {
		r.logger.DebugContext(ctx, "routing noop", "service", service)
		return nil, nil
	}
	if hasRemote {
		r.logger.DebugContext(ctx, "routing remote",
			"service", service, "strategy", snap.Strategy, "endpoint", snap.Endpoint)
		return entry.handler(ctx, payload)
	}
	if localH != nil {
		r.logger.DebugContext(ctx, "routing local", "service", service)
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Send marshals msg to JSON and calls service, discarding the response.
func (r *Router) Send(ctx context.Context, service string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("connectivity: marshal %s: %w", service, err)
	}
	_, err = r.Call(ctx, service, payload)
	return err
}

// Reload reads the routes table and swaps in the remote handlers it
// describes. A route whose strategy, endpoint and config are unchanged keeps
// its handler and connections.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	routes, err := readRoutes(ctx, db)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]remoteEntry, len(routes))
	for name, rt := range routes {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if e, ok := r.remoteEntries[name]; ok && r.routeSnap[name].fingerprint() == rt.fingerprint() {
			next[name] = e
			continue
		}
		if e, ok := r.buildLocked(rt); ok {
			next[name] = e
		}
	}

	// Close what was dropped or rebuilt.
	for name, old := range r.remoteEntries {
		if _, ok := next[name]; ok && r.routeSnap[name].fingerprint() == routes[name].fingerprint() {
			continue
		}
		if old.close != nil {
			old.close()
		}
	}

	r.remoteEntries = next
	r.routeSnap = routes
	r.logger.Info("connectivity: routes reloaded", "total", len(routes), "remote", len(next))
	return nil
}

func (r *Router) buildLocked(rt route) (remoteEntry, bool) {
	factory, ok := r.factories[rt.Strategy]
	if !ok {
		r.logger.Warn("connectivity: no transport factory",
			"error", &ErrNoFactory{Service: rt.ServiceName, Strategy: rt.Strategy})
		return remoteEntry{}, false
	}
	h, closeFn, err := factory(rt.Endpoint, rt.Config)
	if err != nil {
		r.logger.Error("connectivity: factory failed", "error", &ErrFactoryFailed{
			Service: rt.ServiceName, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err,
		})
		return remoteEntry{}, false
	}
	r.logger.Info("connectivity: route built",
		"service", rt.ServiceName, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	return remoteEntry{handler: h, close: closeFn}, true
}

func readRoutes(ctx context.Context, db *sql.DB) (map[string]route, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return nil, fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfg string
		if err := rows.Scan(&rt.ServiceName, &rt.Strategy, &rt.Endpoint, &cfg); err != nil {
			return nil, fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		out[rt.ServiceName] = rt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("connectivity: rows: %w", err)
	}
	return out, nil
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]route)
	return nil
}

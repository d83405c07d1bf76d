// Package signalmesh is the public typed API: ReadOnlySignal[T],
// BidirectionalSignal[T] and ChannelSignal[T] wrap the untyped
// pkg/signal/pkg/session machinery behind the plain get/set/send method
// surface the original Leptos signal types exposed.
//
// Grounded on original_source/src/read_only/server.rs,
// original_source/src/bidirectional/server.rs and
// original_source/src/channel/server.rs's public method set (new, get,
// set, update_in_place/try_maybe_update, send, on_server/on_client).
package signalmesh

import (
	"context"

	"go.uber.org/zap"

	"github.com/mattsp1290/signalmesh/internal/telemetry"
	"github.com/mattsp1290/signalmesh/pkg/session"
	"github.com/mattsp1290/signalmesh/pkg/signal"
	"github.com/mattsp1290/signalmesh/pkg/transport"
)

// Server owns the process-wide signal registry and dispatches accepted
// transports against it. One Server is shared by every connection.
type Server struct {
	Registry *signal.Registry
	driver   *session.ServerDriver
	log      *zap.Logger
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	log     *zap.Logger
	metrics *telemetry.Metrics
}

// WithServerLogger attaches a zap logger to the server and its registry.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(c *serverConfig) { c.log = l }
}

// WithServerMetrics attaches a Prometheus metrics set.
func WithServerMetrics(m *telemetry.Metrics) ServerOption {
	return func(c *serverConfig) { c.metrics = m }
}

// ProvideServer constructs a Server ready to accept connections.
func ProvideServer(opts ...ServerOption) *Server {
	cfg := serverConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	registry := signal.NewRegistry(
		signal.WithLogger(cfg.log),
		signal.WithMetrics(cfg.metrics),
	)
	return &Server{
		Registry: registry,
		driver:   session.NewServerDriver(registry, cfg.log, cfg.metrics),
		log:      cfg.log,
	}
}

// Serve drives one accepted transport until it closes or ctx is
// cancelled. Call it once per connection, typically in its own
// goroutine from an HTTP upgrade handler.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	return s.driver.Serve(ctx, t)
}

// ReadOnlySignal is a server-authoritative value: only server code may
// write to it; every connected client observes it.
type ReadOnlySignal[T any] struct {
	entry *signal.StatefulEntry[T]
}

// NewReadOnlySignal gets-or-creates a read-only signal named name seeded
// with initial.
func NewReadOnlySignal[T any](ctx context.Context, s *Server, name string, initial T) (*ReadOnlySignal[T], error) {
	entry, err := signal.CreateStateful(ctx, s.Registry, name, signal.VariantReadOnly, initial)
	if err != nil {
		return nil, err
	}
	return &ReadOnlySignal[T]{entry: entry}, nil
}

// Get returns the current value.
func (r *ReadOnlySignal[T]) Get() T { return r.entry.Get() }

// Set replaces the value unconditionally.
func (r *ReadOnlySignal[T]) Set(v T) error {
	_, err := signal.UpdateInPlace(r.entry, func(cur *T) (bool, struct{}) {
		*cur = v
		return true, struct{}{}
	})
	return err
}

// UpdateInPlace runs fn against the current value under an exclusive
// lock; fn reports whether it actually mutated the value, matching
// spec's local write path (a false report never diffs or broadcasts).
func (r *ReadOnlySignal[T]) UpdateInPlace(fn func(*T) bool) error {
	_, err := signal.UpdateInPlace(r.entry, func(cur *T) (bool, struct{}) {
		return fn(cur), struct{}{}
	})
	return err
}

// BidirectionalSignal is a value either side may write; writes from one
// session are relayed to every other session but not echoed back to
// their origin.
type BidirectionalSignal[T any] struct {
	entry *signal.StatefulEntry[T]
}

// NewBidirectionalSignal gets-or-creates a bidirectional signal named
// name seeded with initial.
func NewBidirectionalSignal[T any](ctx context.Context, s *Server, name string, initial T) (*BidirectionalSignal[T], error) {
	entry, err := signal.CreateStateful(ctx, s.Registry, name, signal.VariantBidirectional, initial)
	if err != nil {
		return nil, err
	}
	return &BidirectionalSignal[T]{entry: entry}, nil
}

func (b *BidirectionalSignal[T]) Get() T { return b.entry.Get() }

func (b *BidirectionalSignal[T]) Set(v T) error {
	_, err := signal.UpdateInPlace(b.entry, func(cur *T) (bool, struct{}) {
		*cur = v
		return true, struct{}{}
	})
	return err
}

func (b *BidirectionalSignal[T]) UpdateInPlace(fn func(*T) bool) error {
	_, err := signal.UpdateInPlace(b.entry, func(cur *T) (bool, struct{}) {
		return fn(cur), struct{}{}
	})
	return err
}

// ChannelSignal carries discrete messages rather than continuous state.
type ChannelSignal[T any] struct {
	entry *signal.ChannelEntry[T]
}

// NewChannelSignal gets-or-creates a channel signal named name.
func NewChannelSignal[T any](ctx context.Context, s *Server, name string) (*ChannelSignal[T], error) {
	entry, err := signal.CreateChannel[T](ctx, s.Registry, name)
	if err != nil {
		return nil, err
	}
	return &ChannelSignal[T]{entry: entry}, nil
}

// OnServer registers the callback invoked whenever any client sends a
// message on this channel.
func (c *ChannelSignal[T]) OnServer(cb func(T)) { c.entry.OnMessage(cb) }

// Send broadcasts message to every connected client.
func (c *ChannelSignal[T]) Send(message T) error { return c.entry.Send(message) }

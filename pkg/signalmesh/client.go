package signalmesh

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/mattsp1290/signalmesh/pkg/session"
	"github.com/mattsp1290/signalmesh/pkg/signal"
	"github.com/mattsp1290/signalmesh/pkg/transport"
)

// Client drives one connection to a Server, mirroring whichever signals
// this process establishes into its own local registry.
type Client struct {
	Registry *signal.Registry
	log      *zap.Logger

	mu     sync.RWMutex
	driver *session.ClientDriver
}

// currentDriver returns the driver for whichever transport is current,
// so a signal handle established before a Reconnect still reaches the
// live connection afterward instead of the torn-down one it captured.
func (c *Client) currentDriver() *session.ClientDriver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.driver
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	log *zap.Logger
}

// WithClientLogger attaches a zap logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *clientConfig) { c.log = l }
}

// ProvideClient wraps t, ready to establish signals against it.
func ProvideClient(t transport.Transport, opts ...ClientOption) *Client {
	cfg := clientConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	registry := signal.NewRegistry(signal.WithLogger(cfg.log))
	return &Client{
		Registry: registry,
		driver:   session.NewClientDriver(t, registry, cfg.log),
		log:      cfg.log,
	}
}

// Run processes inbound frames until the transport closes or ctx is
// cancelled. Establish* calls block on this running concurrently.
func (c *Client) Run(ctx context.Context) error {
	return c.currentDriver().Run(ctx)
}

// Reconnect swaps in a freshly opened transport for this client and
// re-emits Establish for every signal already registered locally, in
// the order each was first created, without resetting their local
// shadow values (spec.md §4.7). The caller is responsible for detecting
// the drop of the previous transport (Run returning) and for opening a
// new one before calling Reconnect.
//
// Reconnect starts the new driver's Run loop itself, since re-sending
// Establish requires something to be reading the matching
// EstablishResponse concurrently; the caller must not call Run again
// for this connection.
func (c *Client) Reconnect(ctx context.Context, t transport.Transport) error {
	driver := session.NewClientDriver(t, c.Registry, c.log)
	c.mu.Lock()
	c.driver = driver
	c.mu.Unlock()

	go driver.Run(ctx)

	return driver.ReestablishAll(ctx)
}

// ClientReadOnlySignal mirrors a server-owned ReadOnlySignal; writes are
// not permitted from this side.
type ClientReadOnlySignal[T any] struct {
	entry *signal.StatefulEntry[T]
}

// EstablishReadOnlySignal sends the Establish handshake for name and
// seeds a local mirror from the server's response.
func EstablishReadOnlySignal[T any](ctx context.Context, c *Client, name string) (*ClientReadOnlySignal[T], error) {
	var zero T
	entry, err := signal.CreateStateful(ctx, c.Registry, name, signal.VariantReadOnly, zero)
	if err != nil {
		return nil, err
	}
	if err := seedFromServer(ctx, c, entry, signal.VariantReadOnly, name); err != nil {
		return nil, err
	}
	return &ClientReadOnlySignal[T]{entry: entry}, nil
}

func (r *ClientReadOnlySignal[T]) Get() T { return r.entry.Get() }

// ClientBidirectionalSignal mirrors a BidirectionalSignal; local writes
// are mutated immediately and forwarded to the server.
type ClientBidirectionalSignal[T any] struct {
	entry  *signal.StatefulEntry[T]
	client *Client
	name   string
}

// EstablishBidirectionalSignal sends the Establish handshake for name and
// seeds a local mirror from the server's response.
func EstablishBidirectionalSignal[T any](ctx context.Context, c *Client, name string) (*ClientBidirectionalSignal[T], error) {
	var zero T
	entry, err := signal.CreateStateful(ctx, c.Registry, name, signal.VariantBidirectional, zero)
	if err != nil {
		return nil, err
	}
	if err := seedFromServer(ctx, c, entry, signal.VariantBidirectional, name); err != nil {
		return nil, err
	}
	return &ClientBidirectionalSignal[T]{entry: entry, client: c, name: name}, nil
}

func (b *ClientBidirectionalSignal[T]) Get() T { return b.entry.Get() }

// Set replaces the value locally and forwards the resulting patch to the
// server.
func (b *ClientBidirectionalSignal[T]) Set(ctx context.Context, v T) error {
	return b.UpdateInPlace(ctx, func(cur *T) bool {
		*cur = v
		return true
	})
}

// UpdateInPlace mutates the local value and, if fn reports a mutation,
// forwards the change to the server. It uses UpdateInPlaceWithPatch
// rather than independently re-diffing before/after snapshots: that
// would race against the entry's own internal locked diff whenever two
// writers touch the same local mirror concurrently, each folding the
// other's change into its own outbound patch.
func (b *ClientBidirectionalSignal[T]) UpdateInPlace(ctx context.Context, fn func(*T) bool) error {
	_, p, err := signal.UpdateInPlaceWithPatch(b.entry, func(cur *T) (bool, struct{}) {
		return fn(cur), struct{}{}
	})
	if err != nil {
		return err
	}
	if p.IsEmpty() {
		return nil
	}
	return b.client.currentDriver().SendUpdate(ctx, b.name, p)
}

// ClientChannelSignal mirrors a ChannelSignal.
type ClientChannelSignal[T any] struct {
	entry  *signal.ChannelEntry[T]
	client *Client
	name   string
}

// EstablishChannelSignal sends the Establish handshake for a channel
// named name.
func EstablishChannelSignal[T any](ctx context.Context, c *Client, name string) (*ClientChannelSignal[T], error) {
	entry, err := signal.CreateChannel[T](ctx, c.Registry, name)
	if err != nil {
		return nil, err
	}
	if err := c.currentDriver().EstablishChannel(ctx, name); err != nil {
		return nil, err
	}
	return &ClientChannelSignal[T]{entry: entry, client: c, name: name}, nil
}

// OnClient registers the callback invoked whenever the server (or
// another client, relayed through it) sends a message on this channel.
func (ch *ClientChannelSignal[T]) OnClient(cb func(T)) { ch.entry.OnMessage(cb) }

// Send publishes message locally and forwards it to the server.
func (ch *ClientChannelSignal[T]) Send(ctx context.Context, message T) error {
	if err := ch.entry.Send(message); err != nil {
		return err
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return ch.client.currentDriver().SendChannelMessage(ctx, ch.name, raw)
}

func seedFromServer[T any](ctx context.Context, c *Client, entry *signal.StatefulEntry[T], variant signal.Variant, name string) error {
	driver := c.currentDriver()
	full, err := driver.EstablishStateful(ctx, variant, name)
	if err != nil {
		return err
	}
	if err := entry.SetWholeJSON(full); err != nil {
		return err
	}
	driver.DrainDelayed(ctx, name)
	return nil
}

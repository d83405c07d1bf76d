package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mattsp1290/signalmesh/pkg/patch"
	"github.com/mattsp1290/signalmesh/pkg/signal"
	"github.com/mattsp1290/signalmesh/pkg/signalmesherr"
	"github.com/mattsp1290/signalmesh/pkg/transport"
	"github.com/mattsp1290/signalmesh/pkg/wire"
)

// remoteOrigin tags every patch the client applies as having arrived over
// the wire, so StatefulEntry.ApplyPatch reseeds the reactive cell (the
// origin==nil case is reserved for this process's own local writes).
const remoteOrigin = "remote"

// ClientDriver drives one connection's worth of the wire protocol against
// a client-local *signal.Registry that mirrors whatever subset of server
// signals this process has established.
//
// Grounded on original_source/src/lib.rs's provide_websocket_inner
// onmessage handler, including its delayed-patch queue for updates that
// arrive before the local signal has finished being set up.
type ClientDriver struct {
	registry *signal.Registry
	t        transport.Transport
	log      *zap.Logger

	mu       sync.Mutex
	waiters  map[string]chan wire.Envelope
	delayed  map[string][]patch.Patch
	outbound [][]byte
}

// NewClientDriver wraps transport t, dispatching established signals into
// registry.
func NewClientDriver(t transport.Transport, registry *signal.Registry, log *zap.Logger) *ClientDriver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClientDriver{
		registry: registry,
		t:        t,
		log:      log,
		waiters:  make(map[string]chan wire.Envelope),
		delayed:  make(map[string][]patch.Patch),
	}
}

// Run processes inbound frames until the transport closes or ctx is
// cancelled. Call it in its own goroutine; EstablishStateful/EstablishChannel
// block on Run's dispatch to resolve their handshake.
func (c *ClientDriver) Run(ctx context.Context) error {
	if err := c.FlushOutbound(ctx); err != nil {
		return err
	}
	for {
		raw, err := c.t.Recv(ctx)
		if err != nil {
			c.failAllWaiters(err)
			return nil
		}
		env, err := wire.Unmarshal(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *ClientDriver) dispatch(ctx context.Context, env wire.Envelope) {
	switch env.Tag {
	case wire.TagServerSignalEstablishResponse, wire.TagBidirectionalEstablishResponse:
		resp, err := env.DecodeEstablishResponse()
		if err != nil {
			c.log.Warn("malformed establish response", zap.Error(err))
			return
		}
		if c.deliverWaiter(resp.Name, env) {
			return
		}
		// No pending handshake waiter: the server is pushing an
		// unsolicited EstablishResponse to reseed an already-established
		// signal whose subscription it had to drop for lagging.
		if err := c.registry.SetWholeJSON(resp.Name, resp.JSON); err != nil {
			c.log.Warn("reseed for unknown signal dropped", zap.String("signal", resp.Name), zap.Error(err))
			return
		}
		c.drainDelayed(ctx, resp.Name)

	case wire.TagChannelEstablishResponse:
		est, err := env.DecodeEstablish()
		if err != nil {
			c.log.Warn("malformed channel establish response", zap.Error(err))
			return
		}
		c.deliverWaiter(est.Name, env)

	case wire.TagServerSignalUpdate, wire.TagBidirectionalUpdate:
		upd, err := env.DecodeUpdate()
		if err != nil {
			c.log.Warn("malformed update", zap.Error(err))
			return
		}
		c.applyOrQueue(ctx, upd.Name, upd.Patch)

	case wire.TagChannelMessage:
		msg, err := env.DecodeChannelMessage()
		if err != nil {
			c.log.Warn("malformed channel message", zap.Error(err))
			return
		}
		origin := remoteOrigin
		if err := c.registry.HandleChannelMessage(ctx, msg.Name, msg.JSON, &origin); err != nil {
			c.log.Debug("channel message for unestablished channel dropped", zap.String("signal", msg.Name), zap.Error(err))
		}

	default:
		c.log.Warn("unexpected tag from server", zap.String("tag", string(env.Tag)))
	}
}

// maxDelayedPerSignal bounds the delayed-patch backlog for one signal
// name: a signal this process never establishes must not accumulate
// patches forever. Patches that fail for any reason other than "not yet
// established" are dropped, not queued.
const maxDelayedPerSignal = 256

// maxStagedOutbound bounds the pre-open outbound FIFO (spec.md §4.7):
// frames sent before the transport reaches StateConnected are staged
// here instead of blocking the caller on a connection that may never
// open in time.
const maxStagedOutbound = 256

// sendOrStage sends env immediately if the transport is connected, or
// stages it in the outbound FIFO to be drained by FlushOutbound once
// the transport opens (spec.md §4.7's "deferred sends").
func (c *ClientDriver) sendOrStage(ctx context.Context, env wire.Envelope) error {
	if c.t.State() == transport.StateConnected {
		return sendEnvelope(ctx, c.t, env)
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	dropped := false
	if len(c.outbound) >= maxStagedOutbound {
		c.outbound = c.outbound[1:]
		dropped = true
	}
	c.outbound = append(c.outbound, raw)
	c.mu.Unlock()
	if dropped {
		c.log.Warn("outbound staging FIFO full, dropping oldest frame")
	} else {
		c.log.Debug("transport not yet connected, staging outbound frame")
	}
	return nil
}

// FlushOutbound drains the staged outbound FIFO in arrival order. Run
// calls this once before entering its receive loop, so frames staged
// while the transport was still opening go out when Run starts. A
// ClientDriver is bound to one transport; its FIFO is not carried over
// to another driver.
func (c *ClientDriver) FlushOutbound(ctx context.Context) error {
	c.mu.Lock()
	staged := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for _, raw := range staged {
		if err := c.t.Send(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

// ReestablishAll re-sends Establish for every signal currently
// registered in this client's local registry, in the order each was
// first created, without clearing any entry's local shadow (spec.md
// §4.7, scenario S6). Call it after reconnecting a fresh transport and
// handing it to a new ClientDriver/Run pair for the same registry.
func (c *ClientDriver) ReestablishAll(ctx context.Context) error {
	for _, rec := range c.registry.Entries() {
		switch rec.Variant {
		case signal.VariantChannel:
			if err := c.EstablishChannel(ctx, rec.Name); err != nil {
				return fmt.Errorf("reestablish channel %q: %w", rec.Name, err)
			}
		default:
			full, err := c.EstablishStateful(ctx, rec.Variant, rec.Name)
			if err != nil {
				return fmt.Errorf("reestablish signal %q: %w", rec.Name, err)
			}
			if err := c.registry.SetWholeJSON(rec.Name, full); err != nil {
				return fmt.Errorf("reseed signal %q: %w", rec.Name, err)
			}
			c.drainDelayed(ctx, rec.Name)
		}
	}
	return nil
}

func (c *ClientDriver) applyOrQueue(ctx context.Context, name string, p patch.Patch) {
	origin := remoteOrigin
	err := c.registry.ApplyPatch(ctx, name, p, &origin)
	if err == nil {
		return
	}
	if !errors.Is(err, signalmesherr.ErrSignalNotFound) {
		c.log.Warn("dropping update that failed to apply", zap.String("signal", name), zap.Error(err))
		return
	}
	c.mu.Lock()
	dropped := false
	if len(c.delayed[name]) >= maxDelayedPerSignal {
		c.delayed[name] = c.delayed[name][1:]
		dropped = true
	}
	c.delayed[name] = append(c.delayed[name], p)
	c.mu.Unlock()

	if dropped {
		c.log.Warn("delayed patch backlog full, dropping oldest", zap.String("signal", name))
	} else {
		c.log.Debug("queuing update for not-yet-established signal", zap.String("signal", name))
	}
}

// deliverWaiter hands env to the pending handshake waiter for name, if
// any, and reports whether one was found.
func (c *ClientDriver) deliverWaiter(name string, env wire.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.waiters[name]
	if ok {
		delete(c.waiters, name)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (c *ClientDriver) failAllWaiters(_ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, ch := range c.waiters {
		close(ch)
		delete(c.waiters, name)
	}
}

func (c *ClientDriver) registerWaiter(name string) chan wire.Envelope {
	ch := make(chan wire.Envelope, 1)
	c.mu.Lock()
	c.waiters[name] = ch
	c.mu.Unlock()
	return ch
}

// drainDelayed applies any patches that arrived for name before its
// EstablishResponse was processed, in arrival order.
func (c *ClientDriver) drainDelayed(ctx context.Context, name string) {
	c.mu.Lock()
	queued := c.delayed[name]
	delete(c.delayed, name)
	c.mu.Unlock()

	origin := remoteOrigin
	for _, p := range queued {
		if err := c.registry.ApplyPatch(ctx, name, p, &origin); err != nil {
			c.log.Warn("failed to apply delayed patch", zap.String("signal", name), zap.Error(err))
		}
	}
}

// EstablishStateful sends a ServerSignal.Establish or Bidirectional.Establish
// frame for name and waits for the matching EstablishResponse, returning
// the server's current full JSON value. The caller (which already knows
// T and holds the concrete *signal.StatefulEntry[T] from a prior
// signal.CreateStateful call) is responsible for seeding that entry via
// SetWholeJSON and then calling DrainDelayed to replay any patches that
// raced ahead of this handshake.
func (c *ClientDriver) EstablishStateful(ctx context.Context, variant signal.Variant, name string) (json.RawMessage, error) {
	establishTag := wire.TagServerSignalEstablish
	if variant == signal.VariantBidirectional {
		establishTag = wire.TagBidirectionalEstablish
	}
	env, err := encodeEstablish(establishTag, name)
	if err != nil {
		return nil, err
	}

	waiter := c.registerWaiter(name)
	if err := c.sendOrStage(ctx, env); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed awaiting establish of %q", transport.ErrClosed, name)
		}
		decoded, err := resp.DecodeEstablishResponse()
		if err != nil {
			return nil, err
		}
		return decoded.JSON, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EstablishChannel sends a Channel.Establish frame and waits for the
// matching Channel.EstablishResponse. Channels carry no shadow state, so
// there is nothing to seed afterward.
func (c *ClientDriver) EstablishChannel(ctx context.Context, name string) error {
	env, err := wire.NewChannelEstablish(name)
	if err != nil {
		return err
	}
	waiter := c.registerWaiter(name)
	if err := c.sendOrStage(ctx, env); err != nil {
		return err
	}
	select {
	case _, ok := <-waiter:
		if !ok {
			return fmt.Errorf("%w: connection closed awaiting establish of %q", transport.ErrClosed, name)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainDelayed replays any patches that arrived for name before its
// registry entry existed, in arrival order. Call once after seeding a
// freshly established entry.
func (c *ClientDriver) DrainDelayed(ctx context.Context, name string) { c.drainDelayed(ctx, name) }

// SendUpdate forwards a locally-originated patch to the server.
func (c *ClientDriver) SendUpdate(ctx context.Context, name string, p patch.Patch) error {
	env, err := wire.NewBidirectionalUpdate(name, p)
	if err != nil {
		return err
	}
	return c.sendOrStage(ctx, env)
}

// SendChannelMessage forwards a locally-originated channel message to the
// server.
func (c *ClientDriver) SendChannelMessage(ctx context.Context, name string, raw json.RawMessage) error {
	env, err := wire.NewChannelMessage(name, raw)
	if err != nil {
		return err
	}
	return c.sendOrStage(ctx, env)
}

func encodeEstablish(tag wire.Tag, name string) (wire.Envelope, error) {
	if tag == wire.TagBidirectionalEstablish {
		return wire.NewBidirectionalEstablish(name)
	}
	return wire.NewServerSignalEstablish(name)
}

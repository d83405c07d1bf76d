package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mattsp1290/signalmesh/internal/telemetry"
	"github.com/mattsp1290/signalmesh/pkg/signal"
	"github.com/mattsp1290/signalmesh/pkg/signalmesherr"
	"github.com/mattsp1290/signalmesh/pkg/transport"
	"github.com/mattsp1290/signalmesh/pkg/wire"
)

// ServerDriver serves the wire protocol for any number of concurrent
// sessions against one shared *signal.Registry. One ServerDriver instance
// is process-wide; Serve is called once per accepted connection.
type ServerDriver struct {
	registry *signal.Registry
	log      *zap.Logger
	metrics  *telemetry.Metrics

	// InboundRateLimit bounds how fast one session's inbound frames are
	// processed, matching go-sdk/pkg/transport/websocket/security.go's
	// per-connection rate limiter. Each session gets its own limiter with
	// this limiter's rate and burst. Nil disables limiting.
	InboundRateLimit *rate.Limiter
}

// NewServerDriver builds a driver that dispatches against registry.
func NewServerDriver(registry *signal.Registry, log *zap.Logger, metrics *telemetry.Metrics) *ServerDriver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ServerDriver{registry: registry, log: log, metrics: metrics}
}

// Serve drives one accepted connection until the transport closes or ctx
// is cancelled. It blocks until every forwarder goroutine it spawned has
// exited.
func (d *ServerDriver) Serve(ctx context.Context, t transport.Transport) error {
	sess := NewSession(d.log, d.metrics)
	d.metrics.SessionOpened()
	defer d.metrics.SessionClosed()
	defer t.Close()

	sess.log.Info("session established")
	defer sess.log.Info("session closed")

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	g, gctx := errgroup.WithContext(connCtx)

	var cancelsMu sync.Mutex
	var cancels []func()
	addCancel := func(c func()) {
		cancelsMu.Lock()
		cancels = append(cancels, c)
		cancelsMu.Unlock()
	}
	defer func() {
		cancelsMu.Lock()
		defer cancelsMu.Unlock()
		for _, c := range cancels {
			c()
		}
	}()

	g.Go(func() error {
		defer connCancel() // unblock every forwarder's ctx.Done() once the read side ends
		return d.readLoop(gctx, t, sess, g, addCancel)
	})

	return g.Wait()
}

func (d *ServerDriver) readLoop(ctx context.Context, t transport.Transport, sess *Session, g *errgroup.Group, addCancel func(func())) error {
	var limiter *rate.Limiter
	if d.InboundRateLimit != nil {
		limiter = rate.NewLimiter(d.InboundRateLimit.Limit(), d.InboundRateLimit.Burst())
	}
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		raw, err := t.Recv(ctx)
		if err != nil {
			return nil // transport closed; not a driver failure
		}

		env, err := wire.Unmarshal(raw)
		if err != nil {
			sess.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		if err := d.dispatch(ctx, t, sess, env, g, addCancel); err != nil {
			sess.log.Warn("dispatch failed", zap.Error(err), zap.String("tag", string(env.Tag)))
		}
	}
}

func (d *ServerDriver) dispatch(ctx context.Context, t transport.Transport, sess *Session, env wire.Envelope, g *errgroup.Group, addCancel func(func())) error {
	switch env.Tag {
	case wire.TagServerSignalEstablish, wire.TagBidirectionalEstablish:
		est, err := env.DecodeEstablish()
		if err != nil {
			return err
		}
		return d.handleStatefulEstablish(ctx, t, sess, env.Tag, est.Name, g, addCancel)

	case wire.TagBidirectionalUpdate:
		upd, err := env.DecodeUpdate()
		if err != nil {
			return err
		}
		return d.registry.ApplyPatch(ctx, upd.Name, upd.Patch, sess.Origin())

	case wire.TagServerSignalUpdate:
		return fmt.Errorf("%w: client may not write a ReadOnly signal", signalmesherr.ErrUpdateFailed)

	case wire.TagChannelEstablish:
		est, err := env.DecodeEstablish()
		if err != nil {
			return err
		}
		return d.handleChannelEstablish(ctx, t, sess, est.Name, g, addCancel)

	case wire.TagChannelMessage:
		msg, err := env.DecodeChannelMessage()
		if err != nil {
			return err
		}
		return d.registry.HandleChannelMessage(ctx, msg.Name, msg.JSON, sess.Origin())

	default:
		return fmt.Errorf("session: unexpected tag %q from client", env.Tag)
	}
}

func (d *ServerDriver) handleStatefulEstablish(ctx context.Context, t transport.Transport, sess *Session, tag wire.Tag, name string, g *errgroup.Group, addCancel func(func())) error {
	spanCtx, span := telemetry.StartSpan(ctx, "session.establish_stateful")
	defer span.End()

	entry, ok := d.registry.GetEntry(name)
	if !ok {
		err := fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
		span.RecordError(err)
		return err
	}

	respTag := wire.TagServerSignalEstablishResponse
	updTag := wire.TagServerSignalUpdate
	if tag == wire.TagBidirectionalEstablish {
		respTag = wire.TagBidirectionalEstablishResponse
		updTag = wire.TagBidirectionalUpdate
	}

	full, sub, cancel := entry.SubscribeWithSnapshot()
	addCancel(cancel)

	resp, err := encodeEstablishResponse(respTag, name, full)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := sendEnvelope(spanCtx, t, resp); err != nil {
		span.RecordError(err)
		return err
	}
	d.metrics.SubscriptionOpened()

	g.Go(func() error {
		defer d.metrics.SubscriptionClosed()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					if !sub.Lagging() {
						// Closed by Delete or an explicit Cancel, not a
						// lag drop: nothing to reseed, just exit.
						return nil
					}
					// The broadcaster dropped us for lagging. Per the
					// resolved reseed-vs-disconnect policy, re-establish
					// the subscription and push a fresh full-state
					// EstablishResponse rather than leaving the client
					// stuck on a stale value.
					d.metrics.IncSubscribersDropped()
					if sess.bumpReseed(name) {
						sess.log.Warn("giving up on chronically lagging subscription", zap.String("signal", name))
						return nil
					}
					newFull, newSub, newCancel := entry.SubscribeWithSnapshot()
					addCancel(newCancel)
					resp, err := encodeEstablishResponse(respTag, name, newFull)
					if err != nil {
						sess.log.Warn("encode reseed response failed", zap.Error(err))
						return nil
					}
					if err := sendEnvelope(ctx, t, resp); err != nil {
						return nil
					}
					sub = newSub
					continue
				}
				if sess.isOwnOrigin(ev.Origin) {
					continue
				}
				env, err := encodeUpdate(updTag, name, ev.Patch)
				if err != nil {
					sess.log.Warn("encode update failed", zap.Error(err))
					continue
				}
				if err := sendEnvelope(ctx, t, env); err != nil {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	return nil
}

func (d *ServerDriver) handleChannelEstablish(ctx context.Context, t transport.Transport, sess *Session, name string, g *errgroup.Group, addCancel func(func())) error {
	spanCtx, span := telemetry.StartSpan(ctx, "session.establish_channel")
	defer span.End()

	sub, cancel, err := d.registry.SubscribeChannel(name)
	if err != nil {
		span.RecordError(err)
		return err
	}
	addCancel(cancel)

	resp, err := wire.NewChannelEstablishResponse(name)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := sendEnvelope(spanCtx, t, resp); err != nil {
		span.RecordError(err)
		return err
	}

	d.metrics.SubscriptionOpened()
	g.Go(func() error {
		defer d.metrics.SubscriptionClosed()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return nil
				}
				if sess.isOwnOrigin(ev.Origin) {
					continue
				}
				env, err := wire.NewChannelMessage(name, ev.JSON)
				if err != nil {
					sess.log.Warn("encode channel message failed", zap.Error(err))
					continue
				}
				if err := sendEnvelope(ctx, t, env); err != nil {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	return nil
}

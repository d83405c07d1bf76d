// Package signal implements the signal registry: the concurrent map from
// name to entry, and the stateful/channel entry types it owns. Grounded
// on go-sdk/pkg/state/store.go (shadow-lock diff cycle) and
// original_source/src/ws_signals.rs (get-or-insert-with-type-check).
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mattsp1290/signalmesh/internal/telemetry"
	"github.com/mattsp1290/signalmesh/pkg/patch"
	"github.com/mattsp1290/signalmesh/pkg/signalmesherr"
)

// record is the minimal shape every entry kind (stateful or channel)
// satisfies, letting the registry hold both in one map while typed
// accessors (Get[T], GetChannel[T]) recover the concrete type via a type
// assertion instead of parameterizing the registry itself.
type record interface {
	Name() string
	Variant() Variant
	Type() reflect.Type
}

// channelDispatcher is satisfied by *ChannelEntry[T] for any T, letting
// the registry dispatch an inbound message without knowing T.
type channelDispatcher interface {
	HandleMessage(raw json.RawMessage) error
	publishRemote(raw json.RawMessage, origin *string)
}

// channelSubscriber is satisfied by *ChannelEntry[T] for any T.
type channelSubscriber interface {
	Subscribe() (Subscription[ChannelEvent], func())
}

// Registry is the concurrent collection of named signal entries for one
// process (server) or one client session: a single map guarded by one
// RWMutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]record

	// order records names in the sequence they were first registered, so
	// a client reconnecting can re-emit Establish in insertion order
	// (spec.md §4.7, scenario S6) instead of Go's unspecified map order.
	order []string

	// admission bounds the number of entry creations that can be
	// mid-flight at once, so a burst of concurrent Establish frames for
	// brand new names cannot pile up unbounded goroutines doing
	// marshal/type-check work. Grounded on
	// go-sdk/pkg/http/connection_pool.go's semaphore-gated creation.
	admission *semaphore.Weighted

	bufSize int
	metrics *telemetry.Metrics
	log     *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithBufferSize sets the per-subscriber broadcast buffer depth.
func WithBufferSize(n int) Option {
	return func(r *Registry) { r.bufSize = n }
}

// WithMetrics attaches a Prometheus metrics set. Pass nil to disable.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger attaches a zap logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithAdmissionWeight bounds concurrent entry creations.
func WithAdmissionWeight(n int64) Option {
	return func(r *Registry) { r.admission = semaphore.NewWeighted(n) }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]record),
		admission: semaphore.NewWeighted(64),
		bufSize:   defaultBroadcastBuffer,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Has reports whether name is bound to any entry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// RegisteredEntry names one registry entry and the variant it was
// registered under, as returned by Entries in insertion order.
type RegisteredEntry struct {
	Name    string
	Variant Variant
}

// Entries returns every registered entry in the order it was first
// created, for a client driver's reconnect re-establish-all (spec.md
// §4.7, scenario S6). Deleted entries are not included; the order they
// leave behind is preserved for the ones that remain.
func (r *Registry) Entries() []RegisteredEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredEntry, 0, len(r.order))
	for _, name := range r.order {
		rec, ok := r.entries[name]
		if !ok {
			continue
		}
		out = append(out, RegisteredEntry{Name: name, Variant: rec.Variant()})
	}
	return out
}

// CreateStateful gets-or-creates a ReadOnly or Bidirectional entry named
// name holding values of type T. If name already exists with a matching
// variant and type, the existing typed entry is returned (idempotent
// construction, spec.md I2). A conflicting variant or type returns
// ErrAddingSignalFailed.
func CreateStateful[T any](ctx context.Context, r *Registry, name string, variant Variant, initial T) (*StatefulEntry[T], error) {
	if existing, ok := r.lookup(name); ok {
		entry, ok := existing.(*StatefulEntry[T])
		if !ok || existing.Variant() != variant {
			return nil, fmt.Errorf("%w: signal %q already exists with a different type or variant", signalmesherr.ErrAddingSignalFailed, name)
		}
		return entry, nil
	}

	if err := r.admission.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", signalmesherr.ErrAddingSignalFailed, err)
	}
	defer r.admission.Release(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		entry, ok := existing.(*StatefulEntry[T])
		if !ok || existing.Variant() != variant {
			return nil, fmt.Errorf("%w: signal %q already exists with a different type or variant", signalmesherr.ErrAddingSignalFailed, name)
		}
		return entry, nil
	}

	entry, err := NewStatefulEntry(name, variant, initial, r.bufSize)
	if err != nil {
		return nil, err
	}
	r.entries[name] = entry
	r.order = append(r.order, name)
	r.metrics.IncEntriesCreated()
	r.log.Debug("signal created", zap.String("signal", name), zap.String("variant", variant.String()))
	return entry, nil
}

// CreateChannel gets-or-creates a Channel<T> entry named name.
func CreateChannel[T any](ctx context.Context, r *Registry, name string) (*ChannelEntry[T], error) {
	if existing, ok := r.lookup(name); ok {
		entry, ok := existing.(*ChannelEntry[T])
		if !ok {
			return nil, fmt.Errorf("%w: channel %q already exists with a different type", signalmesherr.ErrAddingSignalFailed, name)
		}
		return entry, nil
	}

	if err := r.admission.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", signalmesherr.ErrAddingSignalFailed, err)
	}
	defer r.admission.Release(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		entry, ok := existing.(*ChannelEntry[T])
		if !ok {
			return nil, fmt.Errorf("%w: channel %q already exists with a different type", signalmesherr.ErrAddingSignalFailed, name)
		}
		return entry, nil
	}

	entry := NewChannelEntry[T](name, r.bufSize)
	r.entries[name] = entry
	r.order = append(r.order, name)
	r.metrics.IncEntriesCreated()
	r.log.Debug("channel created", zap.String("signal", name))
	return entry, nil
}

// Get performs a typed, downcast-checked lookup of a stateful entry.
func Get[T any](r *Registry, name string) (*StatefulEntry[T], error) {
	rec, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
	}
	entry, ok := rec.(*StatefulEntry[T])
	if !ok {
		return nil, fmt.Errorf("%w: %q", signalmesherr.ErrTypeMismatch, name)
	}
	return entry, nil
}

// GetChannel performs a typed, downcast-checked lookup of a channel entry.
func GetChannel[T any](r *Registry, name string) (*ChannelEntry[T], error) {
	rec, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
	}
	entry, ok := rec.(*ChannelEntry[T])
	if !ok {
		return nil, fmt.Errorf("%w: %q", signalmesherr.ErrTypeMismatch, name)
	}
	return entry, nil
}

// GetEntry returns the non-generic Entry for a stateful signal, for use
// by the protocol driver which only needs SnapshotJSON/ApplyPatch/Subscribe.
func (r *Registry) GetEntry(name string) (Entry, bool) {
	rec, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	entry, ok := rec.(Entry)
	return entry, ok
}

// SnapshotJSON returns the current full JSON value of a stateful signal.
func (r *Registry) SnapshotJSON(name string) (json.RawMessage, error) {
	entry, ok := r.GetEntry(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
	}
	return entry.SnapshotJSON(), nil
}

// SetWholeJSON replaces a stateful signal's entire value, used by the
// client driver to seed an entry from a server EstablishResponse
// (including an unsolicited reseed after a lagging subscription was
// dropped and re-established).
func (r *Registry) SetWholeJSON(name string, raw json.RawMessage) error {
	entry, ok := r.GetEntry(name)
	if !ok {
		return fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
	}
	return entry.SetWholeJSON(raw)
}

// Subscribe subscribes to a stateful signal's broadcast endpoint.
func (r *Registry) Subscribe(name string) (Subscription[Event], func(), error) {
	entry, ok := r.GetEntry(name)
	if !ok {
		return Subscription[Event]{}, nil, fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
	}
	sub, cancel := entry.Subscribe()
	return sub, cancel, nil
}

// ApplyPatch applies patch p to a stateful signal, tagging the resulting
// broadcast with origin (spec.md §4.3's remote write path).
// ApplyPatch applies p to the named entry's shadow. ctx carries the span
// this call runs under — grounded on go-sdk/pkg/server/pipeline.go's
// span-per-stage idiom, this is the one place every patch received over
// the wire (server or client side) passes through, making it the natural
// place to trace patch-apply latency and failures. Local writes made via
// UpdateInPlace do not pass through it.
func (r *Registry) ApplyPatch(ctx context.Context, name string, p patch.Patch, origin *string) error {
	_, span := telemetry.StartSpan(ctx, "signal.apply_patch")
	defer span.End()

	entry, ok := r.GetEntry(name)
	if !ok {
		err := fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
		span.RecordError(err)
		return err
	}
	if err := entry.ApplyPatch(p, origin); err != nil {
		r.metrics.IncUpdateFailures(entry.Variant().String())
		span.RecordError(err)
		return err
	}
	r.metrics.IncPatchesApplied(entry.Variant().String())
	return nil
}

// SubscribeChannel subscribes to a channel signal's broadcast endpoint.
func (r *Registry) SubscribeChannel(name string) (Subscription[ChannelEvent], func(), error) {
	rec, ok := r.lookup(name)
	if !ok {
		return Subscription[ChannelEvent]{}, nil, fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
	}
	sub, ok := rec.(channelSubscriber)
	if !ok {
		return Subscription[ChannelEvent]{}, nil, fmt.Errorf("%w: %q is not a channel", signalmesherr.ErrTypeMismatch, name)
	}
	ch, cancel := sub.Subscribe()
	return ch, cancel, nil
}

// HandleChannelMessage deserializes raw against the named channel's
// element type, invokes its registered callback, and re-broadcasts the
// message tagged with origin so other sessions relay it while the
// originating one suppresses the echo.
func (r *Registry) HandleChannelMessage(ctx context.Context, name string, raw json.RawMessage, origin *string) error {
	_, span := telemetry.StartSpan(ctx, "signal.channel_message")
	defer span.End()

	rec, ok := r.lookup(name)
	if !ok {
		err := fmt.Errorf("%w: %q", signalmesherr.ErrSignalNotFound, name)
		span.RecordError(err)
		return err
	}
	dispatcher, ok := rec.(channelDispatcher)
	if !ok {
		err := fmt.Errorf("%w: %q is not a channel", signalmesherr.ErrTypeMismatch, name)
		span.RecordError(err)
		return err
	}
	if err := dispatcher.HandleMessage(raw); err != nil {
		r.metrics.IncUpdateFailures(VariantChannel.String())
		span.RecordError(err)
		return err
	}
	dispatcher.publishRemote(raw, origin)
	r.metrics.IncPatchesApplied(VariantChannel.String())
	return nil
}

// Delete removes name from the registry, closing its broadcast endpoint
// so every subscribed forwarder observes closure and exits cleanly.
// Existing subscribers are unaffected until they next read from their
// channel (spec.md's "resource policy").
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	rec, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", signalmesherr.ErrDeletingSignalFailed, name)
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	switch e := rec.(type) {
	case interface{ closeBroadcast() }:
		e.closeBroadcast()
	}
	r.metrics.IncEntriesDeleted()
	return nil
}

func (r *Registry) lookup(name string) (record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.entries[name]
	return rec, ok
}

package signal

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/mattsp1290/signalmesh/pkg/patch"
	"github.com/mattsp1290/signalmesh/pkg/reactive"
	"github.com/mattsp1290/signalmesh/pkg/signalmesherr"
)

// Variant selects a signal entry's protocol behavior.
type Variant int

const (
	// VariantReadOnly is server-authoritative: clients only observe.
	VariantReadOnly Variant = iota
	// VariantBidirectional allows either side to write.
	VariantBidirectional
	// VariantChannel carries discrete messages and holds no shadow value.
	VariantChannel
)

func (v Variant) String() string {
	switch v {
	case VariantReadOnly:
		return "ReadOnly"
	case VariantBidirectional:
		return "Bidirectional"
	case VariantChannel:
		return "Channel"
	default:
		return "Unknown"
	}
}

// Event is the payload a stateful entry's broadcaster carries: an
// optional origin token (nil for locally-originated writes) and the
// patch that was just applied to the shadow.
type Event struct {
	Origin *string
	Patch  patch.Patch
}

// Entry is the non-generic surface the registry and session layer use
// for any stateful signal, regardless of its element type T. Typed
// access (Get/UpdateInPlace) goes through the concrete *StatefulEntry[T]
// returned by Get[T], per spec.md §9's "avoid parameterizing the
// registry on T" guidance.
type Entry interface {
	Name() string
	Variant() Variant
	Type() reflect.Type
	SnapshotJSON() json.RawMessage
	ApplyPatch(p patch.Patch, origin *string) error
	SetWholeJSON(raw json.RawMessage) error
	Subscribe() (Subscription[Event], func())
	SubscribeWithSnapshot() (json.RawMessage, Subscription[Event], func())
}

// StatefulEntry is the concrete, typed registry record for a ReadOnly or
// Bidirectional signal holding a value of type T.
//
// Grounded on original_source/src/bidirectional/server.rs's
// ServerBidirectionalSignal and go-sdk/pkg/state/store.go's shadow-lock
// diff cycle.
type StatefulEntry[T any] struct {
	name    string
	variant Variant
	typ     reflect.Type

	cell reactive.Cell[T]

	shadowMu   sync.RWMutex
	shadowJSON []byte

	bc *broadcaster[Event]
}

// NewStatefulEntry constructs a ReadOnly or Bidirectional entry seeded
// with initial.
func NewStatefulEntry[T any](name string, variant Variant, initial T, bufSize int) (*StatefulEntry[T], error) {
	raw, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signalmesherr.ErrSerializationFailed, err)
	}
	return &StatefulEntry[T]{
		name:       name,
		variant:    variant,
		typ:        reflect.TypeOf(initial),
		cell:       reactive.New(initial),
		shadowJSON: raw,
		bc:         newBroadcaster[Event](bufSize),
	}, nil
}

func (e *StatefulEntry[T]) Name() string         { return e.name }
func (e *StatefulEntry[T]) Variant() Variant      { return e.variant }
func (e *StatefulEntry[T]) Type() reflect.Type    { return e.typ }
func (e *StatefulEntry[T]) Subscribe() (Subscription[Event], func()) { return e.bc.Subscribe() }

// SubscribeWithSnapshot subscribes and reads the shadow under the same
// broadcaster registration, narrowing (without fully eliminating) the
// race between a newly-established observer's snapshot and a broadcast
// landing concurrently: subscribing first means any publish whose
// broadcaster.Publish call executes after this point is still delivered
// to the new subscriber.
func (e *StatefulEntry[T]) SubscribeWithSnapshot() (json.RawMessage, Subscription[Event], func()) {
	sub, cancel := e.bc.Subscribe()
	return e.SnapshotJSON(), sub, cancel
}

// Get returns the current value (tracked read; see pkg/reactive).
func (e *StatefulEntry[T]) Get() T { return e.cell.Get() }

// ReadUntracked returns the current value without registering a dependency.
func (e *StatefulEntry[T]) ReadUntracked() T { return e.cell.ReadUntracked() }

// SnapshotJSON clones the shadow JSON under shared lock (I1).
func (e *StatefulEntry[T]) SnapshotJSON() json.RawMessage {
	e.shadowMu.RLock()
	defer e.shadowMu.RUnlock()
	out := make([]byte, len(e.shadowJSON))
	copy(out, e.shadowJSON)
	return out
}

// UpdateInPlace is the local write path (spec.md §4.3): fn runs under an
// exclusive cell lock; if it reports mutated == false nothing is
// serialized, diffed or broadcast. Otherwise the new value is diffed
// against the shadow and, if the diff is non-empty, applied to the
// shadow and broadcast with a nil origin.
func UpdateInPlace[T any, U any](e *StatefulEntry[T], fn func(*T) (mutated bool, result U)) (U, error) {
	result, _, err := UpdateInPlaceWithPatch(e, fn)
	return result, err
}

// UpdateInPlaceWithPatch behaves exactly like UpdateInPlace but also
// returns the patch that was actually diffed and broadcast (the zero
// Patch if fn reported no mutation, or if the post-mutation value
// serialized identically to the shadow). Callers that need to forward
// the same write elsewhere — e.g. a client mirror relaying its own
// local write to the server — must use this instead of independently
// re-diffing SnapshotJSON before/after: two concurrent UpdateInPlace
// callers would otherwise race between their own unlocked before/after
// reads and the entry's internal locked diff, each folding in the
// other's change. This function always returns the diff that was
// computed under e.shadowMu, matching exactly what was broadcast.
func UpdateInPlaceWithPatch[T any, U any](e *StatefulEntry[T], fn func(*T) (mutated bool, result U)) (U, patch.Patch, error) {
	result, mutated := reactive.TryWriteUpdate(e.cell, fn)
	if !mutated {
		return result, patch.Patch{}, nil
	}
	p, err := e.checkAndPublishLocal()
	return result, p, err
}

func (e *StatefulEntry[T]) checkAndPublishLocal() (patch.Patch, error) {
	newJSON, err := json.Marshal(e.cell.ReadUntracked())
	if err != nil {
		return patch.Patch{}, fmt.Errorf("%w: %v", signalmesherr.ErrSerializationFailed, err)
	}

	e.shadowMu.Lock()
	old := e.shadowJSON
	p, err := patch.Diff(old, newJSON)
	if err != nil {
		e.shadowMu.Unlock()
		return patch.Patch{}, fmt.Errorf("%w: %v", signalmesherr.ErrUpdateFailed, err)
	}
	if p.IsEmpty() {
		e.shadowMu.Unlock()
		return patch.Patch{}, nil
	}
	e.shadowJSON = newJSON
	e.shadowMu.Unlock()

	e.bc.Publish(Event{Origin: nil, Patch: p})
	return p, nil
}

// ApplyPatch is the remote write path (spec.md §4.3): apply patch to the
// shadow under exclusive lock; on success, reseed the cell only when
// origin is non-nil (the update came from a remote writer — see
// DESIGN.md's Open Question decision), then broadcast tagged with
// origin so the originating session can suppress its own echo.
func (e *StatefulEntry[T]) ApplyPatch(p patch.Patch, origin *string) error {
	e.shadowMu.Lock()
	newJSON, err := patch.Apply(e.shadowJSON, p)
	if err != nil {
		e.shadowMu.Unlock()
		return fmt.Errorf("%w: %v", signalmesherr.ErrUpdateFailed, err)
	}
	e.shadowJSON = newJSON
	e.shadowMu.Unlock()

	if origin != nil {
		var v T
		if err := json.Unmarshal(newJSON, &v); err != nil {
			return fmt.Errorf("%w: %v", signalmesherr.ErrSerializationFailed, err)
		}
		e.cell.Set(v)
	}

	e.bc.Publish(Event{Origin: origin, Patch: p})
	return nil
}

// closeBroadcast closes the entry's broadcast endpoint, used by
// Registry.Delete to unblock every subscribed forwarder.
func (e *StatefulEntry[T]) closeBroadcast() { e.bc.Close() }

// SetWholeJSON replaces the entire shadow and cell; used to seed client
// state from the server's hydration response.
func (e *StatefulEntry[T]) SetWholeJSON(raw json.RawMessage) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", signalmesherr.ErrSerializationFailed, err)
	}
	e.shadowMu.Lock()
	e.shadowJSON = append([]byte(nil), raw...)
	e.shadowMu.Unlock()
	e.cell.Set(v)
	return nil
}

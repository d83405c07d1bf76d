package signal

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/mattsp1290/signalmesh/pkg/signalmesherr"
)

// ChannelEvent is what a channel entry's broadcaster carries: an optional
// origin token and the raw JSON message.
type ChannelEvent struct {
	Origin *string
	JSON   json.RawMessage
}

// ChannelEntry is the registry record for a Channel<T> signal. Per
// spec.md I5 it holds no shadow value — only the dispatch endpoint and a
// late-bindable callback slot, grounded on
// original_source/src/channel/server.rs's ServerChannelSignal.
type ChannelEntry[T any] struct {
	name string
	typ  reflect.Type

	bc *broadcaster[ChannelEvent]

	cbMu     sync.RWMutex
	callback func(T)
}

// NewChannelEntry constructs a channel entry for messages of type T.
func NewChannelEntry[T any](name string, bufSize int) *ChannelEntry[T] {
	var zero T
	return &ChannelEntry[T]{
		name: name,
		typ:  reflect.TypeOf(zero),
		bc:   newBroadcaster[ChannelEvent](bufSize),
	}
}

func (c *ChannelEntry[T]) Name() string      { return c.name }
func (c *ChannelEntry[T]) Variant() Variant   { return VariantChannel }
func (c *ChannelEntry[T]) Type() reflect.Type { return c.typ }

// Subscribe registers a receiver for this channel's messages.
func (c *ChannelEntry[T]) Subscribe() (Subscription[ChannelEvent], func()) {
	return c.bc.Subscribe()
}

// OnMessage registers (or replaces) the callback invoked for every
// inbound message, held behind a lock to allow late registration without
// blocking concurrent dispatch (spec.md §5's "resource policy").
func (c *ChannelEntry[T]) OnMessage(cb func(T)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callback = cb
}

// HandleMessage deserializes raw and invokes the registered callback, if
// any. Deserialization failures are reported but never panic the
// dispatcher.
func (c *ChannelEntry[T]) HandleMessage(raw json.RawMessage) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: %v", signalmesherr.ErrSerializationFailed, err)
	}
	c.cbMu.RLock()
	cb := c.callback
	c.cbMu.RUnlock()
	if cb != nil {
		cb(v)
	}
	return nil
}

// Send serializes message and broadcasts it to every subscriber with a
// nil origin (a local send, as opposed to a dispatched remote one).
func (c *ChannelEntry[T]) Send(message T) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%w: %v", signalmesherr.ErrSerializationFailed, err)
	}
	c.bc.Publish(ChannelEvent{Origin: nil, JSON: raw})
	return nil
}

// publishRemote re-broadcasts an inbound remote message tagged with its
// origin, so every *other* session's forwarder relays it while the
// originating session suppresses the echo (spec.md's Open Question:
// channel echo suppression is symmetric with Bidirectional).
func (c *ChannelEntry[T]) publishRemote(raw json.RawMessage, origin *string) {
	c.bc.Publish(ChannelEvent{Origin: origin, JSON: raw})
}

// closeBroadcast closes the channel's broadcast endpoint, used by
// Registry.Delete to unblock every subscribed forwarder.
func (c *ChannelEntry[T]) closeBroadcast() { c.bc.Close() }

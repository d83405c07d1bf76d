package signal

import (
	"sync"
	"sync/atomic"
)

// defaultBroadcastBuffer is the per-subscriber buffer depth used unless a
// registry is configured otherwise. Matches the channel capacity the
// original source used for its tokio broadcast channels.
const defaultBroadcastBuffer = 32

// subEntry pairs a subscriber's channel with the flag Publish sets before
// dropping it for lagging, so a closed channel can be told apart from one
// closed by Close/Cancel (entry deletion or explicit unsubscribe).
type subEntry[Msg any] struct {
	ch      chan Msg
	lagging *atomic.Bool
}

// broadcaster is a bounded multi-subscriber fan-out. Publish never blocks
// the publisher: a subscriber whose buffer is full is considered lagging
// and is dropped (its channel closed) rather than stalling every other
// subscriber or the writer holding the shadow lock. Per spec.md §5, a
// dropped subscriber must not go unnoticed — Subscription.Lagging()
// reports exactly that so the session layer can re-establish it with a
// full-state reseed instead of silently losing updates.
type broadcaster[Msg any] struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]subEntry[Msg]
	bufSize int
	closed  bool
}

func newBroadcaster[Msg any](bufSize int) *broadcaster[Msg] {
	if bufSize <= 0 {
		bufSize = defaultBroadcastBuffer
	}
	return &broadcaster[Msg]{subs: make(map[uint64]subEntry[Msg]), bufSize: bufSize}
}

// Subscription is a live handle to a broadcaster channel.
type Subscription[Msg any] struct {
	C       <-chan Msg
	lagging *atomic.Bool
}

// Lagging reports whether C was closed because this subscriber fell
// behind (Publish dropped it) rather than because the broadcaster itself
// was closed (entry deletion) or the subscription was cancelled. Only
// meaningful once a receive on C has observed the channel closed.
func (s Subscription[Msg]) Lagging() bool {
	return s.lagging != nil && s.lagging.Load()
}

// Subscribe registers a new receiver. Cancel releases its slot; it is
// safe to call Cancel more than once.
func (b *broadcaster[Msg]) Subscribe() (sub Subscription[Msg], cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Msg, b.bufSize)
	lagging := &atomic.Bool{}
	id := b.nextID
	b.nextID++
	if b.closed {
		close(ch)
		return Subscription[Msg]{C: ch, lagging: lagging}, func() {}
	}
	b.subs[id] = subEntry[Msg]{ch: ch, lagging: lagging}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(cur.ch)
			}
		})
	}
	return Subscription[Msg]{C: ch, lagging: lagging}, cancel
}

// Publish fans a message out to every live subscriber. Subscribers whose
// buffer is full are dropped (channel closed, Lagging marked true) so
// their forwarder can detect the gap and reseed.
func (b *broadcaster[Msg]) Publish(m Msg) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.subs {
		select {
		case entry.ch <- m:
		default:
			delete(b.subs, id)
			entry.lagging.Store(true)
			close(entry.ch)
			dropped++
		}
	}
	return dropped
}

// Close terminates every live subscriber; used when an entry is deleted.
// Lagging stays false for these closures — a forwarder observing one
// should exit, not reseed.
func (b *broadcaster[Msg]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, entry := range b.subs {
		delete(b.subs, id)
		close(entry.ch)
	}
}

func (b *broadcaster[Msg]) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

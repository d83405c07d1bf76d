package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterDropsLaggingSubscriber(t *testing.T) {
	b := newBroadcaster[int](2)
	sub, cancel := b.Subscribe()
	defer cancel()

	require.Equal(t, 0, b.Publish(1))
	require.Equal(t, 0, b.Publish(2))
	// buffer (depth 2) is now full and nobody has drained it.
	dropped := b.Publish(3)
	require.Equal(t, 1, dropped)

	_, ok := <-sub.C
	require.True(t, ok)
	_, ok = <-sub.C
	require.True(t, ok)
	_, ok = <-sub.C
	require.False(t, ok, "dropped subscriber's channel should be closed")
}

func TestBroadcasterCancelIsIdempotent(t *testing.T) {
	b := newBroadcaster[int](2)
	_, cancel := b.Subscribe()
	cancel()
	require.NotPanics(t, cancel)
}

func TestBroadcasterCloseTerminatesSubscribers(t *testing.T) {
	b := newBroadcaster[int](2)
	sub, _ := b.Subscribe()
	b.Close()

	_, ok := <-sub.C
	require.False(t, ok)

	newSub, cancel := b.Subscribe()
	defer cancel()
	_, ok = <-newSub.C
	require.False(t, ok, "subscribing to a closed broadcaster returns an already-closed channel")
}

package signal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateStatefulIsIdempotentOnMatchingType(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	a, err := CreateStateful(ctx, r, "count", VariantReadOnly, 0)
	require.NoError(t, err)

	b, err := CreateStateful(ctx, r, "count", VariantReadOnly, 0)
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestCreateStatefulConflictingVariantErrors(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, err := CreateStateful(ctx, r, "count", VariantReadOnly, 0)
	require.NoError(t, err)

	_, err = CreateStateful(ctx, r, "count", VariantBidirectional, 0)
	require.Error(t, err)
}

func TestCreateStatefulConflictingTypeErrors(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, err := CreateStateful(ctx, r, "count", VariantReadOnly, 0)
	require.NoError(t, err)

	_, err = CreateStateful(ctx, r, "count", VariantReadOnly, "not-an-int")
	require.Error(t, err)
}

func TestGetTypedLookup(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, err := CreateStateful(ctx, r, "count", VariantReadOnly, 0)
	require.NoError(t, err)

	entry, err := Get[int](r, "count")
	require.NoError(t, err)
	require.Equal(t, 0, entry.Get())

	_, err = Get[string](r, "count")
	require.Error(t, err)

	_, err = Get[int](r, "missing")
	require.Error(t, err)
}

func TestRegistrySnapshotJSONReflectsEntryWrite(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	entry, err := CreateStateful(ctx, r, "count", VariantBidirectional, 0)
	require.NoError(t, err)

	_, err = UpdateInPlace(entry, func(v *int) (bool, struct{}) {
		*v = 7
		return true, struct{}{}
	})
	require.NoError(t, err)

	raw, err := r.SnapshotJSON("count")
	require.NoError(t, err)
	require.JSONEq(t, "7", string(raw))
}

func TestChannelRoundTripThroughRegistry(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	ch, err := CreateChannel[string](ctx, r, "echo")
	require.NoError(t, err)

	received := make(chan string, 1)
	ch.OnMessage(func(s string) { received <- s })

	sub, cancel, err := r.SubscribeChannel("echo")
	require.NoError(t, err)
	defer cancel()

	origin := "client-a"
	require.NoError(t, r.HandleChannelMessage(ctx, "echo", []byte(`"hello"`), &origin))

	require.Equal(t, "hello", <-received)

	ev := <-sub.C
	require.Equal(t, &origin, ev.Origin)
}

func TestDeleteClosesSubscribers(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, err := CreateStateful(ctx, r, "count", VariantReadOnly, 0)
	require.NoError(t, err)

	sub, cancel, err := r.Subscribe("count")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.Delete("count"))
	require.False(t, r.Has("count"))

	_, ok := <-sub.C
	require.False(t, ok)
}

func TestHasReportsExistence(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	require.False(t, r.Has("count"))
	_, err := CreateStateful(ctx, r, "count", VariantReadOnly, 0)
	require.NoError(t, err)
	require.True(t, r.Has("count"))
}

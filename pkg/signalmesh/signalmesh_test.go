package signalmesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattsp1290/signalmesh/pkg/transport"
)

type memPipe struct {
	out, in   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newMemPipePair() (a, b *memPipe) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &memPipe{out: ab, in: ba, closed: make(chan struct{})}
	b = &memPipe{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (p *memPipe) Send(ctx context.Context, message []byte) error {
	select {
	case p.out <- message:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *memPipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *memPipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *memPipe) State() transport.State { return transport.StateConnected }

type counters struct {
	Count int `json:"count"`
}

func TestReadOnlySignalPropagatesToClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv := ProvideServer()
	serverSignal, err := NewReadOnlySignal(ctx, srv, "count", counters{})
	require.NoError(t, err)

	serverT, clientT := newMemPipePair()
	go srv.Serve(ctx, serverT)

	cl := ProvideClient(clientT)
	go cl.Run(ctx)

	clientSignal, err := EstablishReadOnlySignal[counters](ctx, cl, "count")
	require.NoError(t, err)

	require.NoError(t, serverSignal.Set(counters{Count: 42}))

	require.Eventually(t, func() bool {
		return clientSignal.Get().Count == 42
	}, time.Second, 10*time.Millisecond)
}

func TestBidirectionalSignalClientWriteReachesServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv := ProvideServer()
	serverSignal, err := NewBidirectionalSignal(ctx, srv, "cursor", counters{})
	require.NoError(t, err)

	serverT, clientT := newMemPipePair()
	go srv.Serve(ctx, serverT)

	cl := ProvideClient(clientT)
	go cl.Run(ctx)

	clientSignal, err := EstablishBidirectionalSignal[counters](ctx, cl, "cursor")
	require.NoError(t, err)

	require.NoError(t, clientSignal.Set(ctx, counters{Count: 7}))

	require.Eventually(t, func() bool {
		return serverSignal.Get().Count == 7
	}, time.Second, 10*time.Millisecond)
}

func TestClientReconnectReestablishesWithoutLosingShadow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv := ProvideServer()
	serverSignal, err := NewBidirectionalSignal(ctx, srv, "cursor", counters{})
	require.NoError(t, err)

	serverT1, clientT1 := newMemPipePair()
	go srv.Serve(ctx, serverT1)

	cl := ProvideClient(clientT1)
	go cl.Run(ctx)

	clientSignal, err := EstablishBidirectionalSignal[counters](ctx, cl, "cursor")
	require.NoError(t, err)
	require.NoError(t, clientSignal.Set(ctx, counters{Count: 1}))
	require.Eventually(t, func() bool {
		return serverSignal.Get().Count == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, clientT1.Close())
	require.NoError(t, serverSignal.Set(counters{Count: 9}))

	serverT2, clientT2 := newMemPipePair()
	go srv.Serve(ctx, serverT2)

	require.NoError(t, cl.Reconnect(ctx, clientT2))

	require.Equal(t, 9, clientSignal.Get().Count)

	require.NoError(t, clientSignal.Set(ctx, counters{Count: 11}))
	require.Eventually(t, func() bool {
		return serverSignal.Get().Count == 11
	}, time.Second, 10*time.Millisecond)
}

func TestChannelSignalRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv := ProvideServer()
	serverChannel, err := NewChannelSignal[string](ctx, srv, "chat")
	require.NoError(t, err)

	received := make(chan string, 1)
	serverChannel.OnServer(func(s string) { received <- s })

	serverT, clientT := newMemPipePair()
	go srv.Serve(ctx, serverT)

	cl := ProvideClient(clientT)
	go cl.Run(ctx)

	clientChannel, err := EstablishChannelSignal[string](ctx, cl, "chat")
	require.NoError(t, err)

	require.NoError(t, clientChannel.Send(ctx, "hello"))

	select {
	case msg := <-received:
		require.Equal(t, "hello", msg)
	case <-time.After(time.Second):
		t.Fatal("server never received channel message")
	}
}

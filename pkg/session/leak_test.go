package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattsp1290/signalmesh/pkg/signal"
)

// TestMain guards the whole package against goroutine leaks: every test
// in this package spawns a ServerDriver.Serve and/or ClientDriver.Run, and
// this is where a forgotten forwarder goroutine would show up.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestServeTerminatesForwarderGoroutinesOnTransportClose is the teardown
// check the package-wide TestMain can only catch loosely (it runs once,
// after every test, with whatever slack its retries happen to have): it
// closes the server's transport mid-session and asserts, goroutine by
// goroutine, that Serve's forwarder for the established signal has
// actually exited by the time Serve itself returns — not just that the
// process eventually quiesces.
func TestServeTerminatesForwarderGoroutinesOnTransportClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	registry := signal.NewRegistry()
	_, err := signal.CreateStateful(ctx, registry, "cursor", signal.VariantBidirectional, cursor{})
	require.NoError(t, err)

	serverT, clientT := newPipePair()
	driver := NewServerDriver(registry, nil, nil)

	serveDone := make(chan error, 1)
	go func() { serveDone <- driver.Serve(ctx, serverT) }()

	clientRegistry := signal.NewRegistry()
	_, err = signal.CreateStateful(ctx, clientRegistry, "cursor", signal.VariantBidirectional, cursor{})
	require.NoError(t, err)

	client := NewClientDriver(clientT, clientRegistry, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	// This spawns the server-side forwarder goroutine under test.
	_, err = client.EstablishStateful(ctx, signal.VariantBidirectional, "cursor")
	require.NoError(t, err)

	// Simulate the connection dropping from the server's side. readLoop's
	// Recv fails, Serve's connCancel fires, and the forwarder goroutine
	// handleStatefulEstablish spawned must observe ctx.Done() and return
	// before errgroup.Wait (and so Serve) can return.
	require.NoError(t, serverT.Close())

	select {
	case err := <-serveDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after its transport closed")
	}

	// Join the client side too, so its Run goroutine doesn't register as
	// a leak against the deferred VerifyNone below.
	require.NoError(t, clientT.Close())
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client.Run did not return after its transport closed")
	}
}

package session

import (
	"context"
	"sync"

	"github.com/mattsp1290/signalmesh/pkg/transport"
)

// pipeTransport is an in-memory transport.Transport used to test the
// server and client drivers against each other without a real socket.
type pipeTransport struct {
	out chan []byte
	in  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipePair() (a, b *pipeTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &pipeTransport{out: ab, in: ba, closed: make(chan struct{})}
	b = &pipeTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (p *pipeTransport) Send(ctx context.Context, message []byte) error {
	select {
	case p.out <- message:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) State() transport.State {
	select {
	case <-p.closed:
		return transport.StateDisconnected
	default:
		return transport.StateConnected
	}
}

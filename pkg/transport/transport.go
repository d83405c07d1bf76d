// Package transport defines the minimal duplex byte-message transport that
// pkg/session drives. Concrete bindings (pkg/transport/wsconn) implement
// it over a real wire; tests can implement it over an in-memory pipe.
//
// Grounded on go-sdk/pkg/transport/interfaces_io.go's send/recv split and
// go-sdk/pkg/transport/websocket/connection.go's connection-state enum.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Recv once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// State mirrors the lifecycle a duplex connection moves through.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport is one full-duplex message stream. Send and Recv may be
// called concurrently from different goroutines (one writer, one
// reader), matching how pkg/session drives each direction.
type Transport interface {
	// Send writes one message frame. Implementations must serialize
	// concurrent calls internally if the underlying wire requires it.
	Send(ctx context.Context, message []byte) error

	// Recv blocks for the next inbound message frame, or returns
	// ErrClosed once the transport is closed.
	Recv(ctx context.Context) ([]byte, error)

	// Close tears the transport down. Safe to call more than once.
	Close() error

	// State reports the current connection lifecycle state.
	State() State
}

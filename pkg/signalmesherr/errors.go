// Package signalmesherr defines the sentinel error kinds shared across the
// registry, session and transport layers.
package signalmesherr

import "errors"

var (
	// ErrMissingContext names the missing-context error kind. No function
	// in this module returns it: signal constructors take their *Server or
	// *Client as an explicit argument.
	ErrMissingContext = errors.New("signalmesh: no registry/client context installed")

	// ErrAddingSignalFailed is returned when a name collides with an
	// existing entry of a different variant or element type.
	ErrAddingSignalFailed = errors.New("signalmesh: adding signal failed")

	// ErrUpdateFailed is returned when a patch cannot be decoded or
	// applied to an entry's shadow value.
	ErrUpdateFailed = errors.New("signalmesh: update failed")

	// ErrDeletingSignalFailed is returned when Delete is called on a name
	// that does not exist.
	ErrDeletingSignalFailed = errors.New("signalmesh: deleting signal failed")

	// ErrSerializationFailed is returned when a user value cannot be
	// marshaled to or unmarshaled from JSON.
	ErrSerializationFailed = errors.New("signalmesh: serialization failed")

	// ErrAddingChannelHandlerFailed names the failed-channel-handler error
	// kind. No function in this module returns it: registering a channel
	// callback (ChannelEntry.OnMessage) cannot fail.
	ErrAddingChannelHandlerFailed = errors.New("signalmesh: adding channel handler failed")

	// ErrNotAvailableHere is returned when an operation is only valid on
	// the opposite side of the connection (e.g. server-only APIs called
	// from client code).
	ErrNotAvailableHere = errors.New("signalmesh: operation not available on this side")

	// ErrSignalNotFound is returned by typed lookups when no entry is
	// registered under the given name.
	ErrSignalNotFound = errors.New("signalmesh: signal not found")

	// ErrTypeMismatch is returned when a typed Get[T] is called against an
	// entry created for a different Go type.
	ErrTypeMismatch = errors.New("signalmesh: signal registered with a different type")
)

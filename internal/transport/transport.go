// Package transport opens binary-mode bidirectional socket connections to
// gateway streaming endpoints and reports their lifecycle through callbacks.
//
// The adapter has no retry policy of its own; reconnects are decided by the
// camera feed and vitals monitor state machines that own a connection.
package transport

import (
	"context"
	"errors"
)

// ErrClosedByPeer is reported through Handlers.OnError when the remote end
// closes the connection, including a normal close handshake.
var ErrClosedByPeer = errors.New("transport: connection closed by peer")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: connection closed")

// Handlers receive connection events. Callbacks are invoked from the
// connection's own goroutine, one at a time and in order; implementations
// must not block for long. Any handler may be nil.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
}

// Conn is the handle for one connection attempt.
type Conn interface {
	// Send writes one binary message.
	Send(data []byte) error
	// Close tears the connection down. It is idempotent and never triggers
	// OnError.
	Close() error
}

// Dialer opens connections. Connect must return without blocking on the
// network; OnOpen or OnError report the outcome.
type Dialer interface {
	Connect(ctx context.Context, url string, h Handlers) Conn
}

// Package transport provides framed byte streams between a client connection and
// an object adapter, independent of the network underneath (TCP or in-memory pipes).
//
// The timeout engine above this layer decides how long each operation may take;
// transports only enforce the deadlines and progress timeouts they are given.
package transport

import (
	"context"
	"errors"
	"time"
)

var ErrTransportClosed = errors.New("transport: closed")

// Conn abstracts a bidirectional framed stream.
//
// Thread safety: implementations must be safe for one concurrent Send and one
// concurrent Receive.
type Conn interface {
	// Send writes one frame. The ctx deadline, if any, bounds the write.
	Send(ctx context.Context, payload []byte) error

	// Receive reads one frame. The ctx deadline, if any, bounds the whole read.
	Receive(ctx context.Context) ([]byte, error)

	// Await blocks until the next frame starts arriving, without consuming it.
	Await() error

	// ReceiveProgress waits indefinitely for a frame to start, then requires it
	// to complete within timeout. A non-positive timeout disables the bound.
	ReceiveProgress(timeout time.Duration) ([]byte, error)

	// Close terminates the stream. Subsequent operations return errors.
	Close() error

	LocalAddr() string
	RemoteAddr() string
}

// Options tune a dialed or accepted connection.
type Options struct {
	// RequestTimeout bounds data-transfer progress; applied to the socket where
	// the platform supports it. Non-positive disables it.
	RequestTimeout time.Duration
	MaxFrameSize   int
}

// Dialer establishes connections to an address. The ctx deadline is the
// connect deadline.
type Dialer interface {
	Dial(ctx context.Context, addr string, opts Options) (Conn, error)
}

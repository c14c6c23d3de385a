package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// StreamConn implements Conn over any net.Conn with length-prefixed framing.
//
// Thread safety: uses separate mutexes for read and write operations,
// allowing concurrent Send and Receive from different goroutines.
type StreamConn struct {
	conn    net.Conn
	framer  *framer
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// NewStreamConn wraps an established net.Conn.
func NewStreamConn(conn net.Conn, opts Options) *StreamConn {
	return &StreamConn{conn: conn, framer: newFramer(conn, conn, opts.MaxFrameSize)}
}

func (t *StreamConn) isClosed() bool {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.closed
}

// Send transmits a frame. Thread-safe for concurrent goroutines.
func (t *StreamConn) Send(ctx context.Context, payload []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	return t.framer.write(payload, deadline)
}

// Receive reads the next frame. Thread-safe for concurrent goroutines.
func (t *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()
	deadline, _ := ctx.Deadline()
	return t.framer.read(deadline)
}

func (t *StreamConn) Await() error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()
	return t.framer.peek()
}

func (t *StreamConn) ReceiveProgress(timeout time.Duration) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	t.readMu.Lock()
	defer t.readMu.Unlock()
	return t.framer.readProgress(timeout)
}

// Close terminates the transport.
func (t *StreamConn) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *StreamConn) LocalAddr() string  { return t.conn.LocalAddr().String() }
func (t *StreamConn) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// TCPDialer dials TCP endpoints.
type TCPDialer struct {
	Network string // tcp, tcp4, tcp6; empty means tcp
}

func (d TCPDialer) Dial(ctx context.Context, addr string, opts Options) (Conn, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok && opts.RequestTimeout > 0 {
		// Best effort: the framer deadlines still apply when unsupported.
		_ = setUserTimeout(tc, opts.RequestTimeout)
	}
	return NewStreamConn(conn, opts), nil
}

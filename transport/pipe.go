package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

var ErrNoListener = errors.New("transport: no listener at address")

const pipeBacklog = 16

// PipeNetwork is an in-memory network of named listeners backed by net.Pipe.
// It lets a client and an adapter share a process without touching sockets.
type PipeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*PipeListener
}

func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{listeners: make(map[string]*PipeListener)}
}

// Listen registers a listener under name.
func (n *PipeNetwork) Listen(name string) (*PipeListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[name]; ok {
		return nil, fmt.Errorf("transport: pipe address %q in use", name)
	}
	l := &PipeListener{
		network: n,
		name:    name,
		conns:   make(chan net.Conn, pipeBacklog),
		done:    make(chan struct{}),
	}
	n.listeners[name] = l
	return l, nil
}

// Dial connects to the listener registered under addr. The connection is
// queued on the listener's backlog; Accept need not have been called yet.
func (n *PipeNetwork) Dial(ctx context.Context, addr string, opts Options) (Conn, error) {
	n.mu.Lock()
	l := n.listeners[addr]
	n.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return NewStreamConn(client, opts), nil
	case <-l.done:
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
	client.Close()
	server.Close()
	return nil, ErrNoListener
}

func (n *PipeNetwork) remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, name)
}

// PipeListener implements net.Listener for a PipeNetwork address.
type PipeListener struct {
	network *PipeNetwork
	name    string
	conns   chan net.Conn
	done    chan struct{}
	once    sync.Once
}

func (l *PipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *PipeListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.remove(l.name)
		for {
			select {
			case c := <-l.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr(l.name) }

type pipeAddr string

func (a pipeAddr) Network() string { return ProtocolPipe }
func (a pipeAddr) String() string  { return string(a) }

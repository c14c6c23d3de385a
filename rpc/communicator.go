// Package rpc implements the client side of the invocation engine: proxies,
// connections, invocations with their timeouts, batching, and collocated
// dispatch into adapters hosted in the same process.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"callgo/dispatcher"
	"callgo/protocol"
	"callgo/timeout"
	"callgo/transport"
)

const tracerName = "callgo/rpc"

// Options configures a Communicator.
type Options struct {
	// Overrides preempt per-proxy connect, request and close timeouts.
	Overrides timeout.Overrides

	// Defaults for proxies created by this communicator.
	DefaultTimeout           timeout.Value // connect and request
	DefaultInvocationTimeout timeout.Value

	// Workers bounds the goroutines that run async callbacks.
	Workers      int
	MaxFrameSize int

	Dialer         transport.Dialer
	Logger         *slog.Logger
	Observer       Observer
	TracerProvider trace.TracerProvider
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = dispatcher.DefaultSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = transport.DefaultMaxFrameSize
	}
	if o.Dialer == nil {
		o.Dialer = transport.TCPDialer{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}

// connKey identifies a reusable connection. Proxies with different connect or
// request timeouts never share a connection, so a proxy never waits on a
// handshake bounded by another proxy's connect timeout.
type connKey struct {
	endpoint       string
	connectTimeout time.Duration
	requestTimeout time.Duration
}

func keyFor(p *Proxy, t Timeouts) connKey {
	return connKey{endpoint: p.endpoint, connectTimeout: t.Connect, requestTimeout: t.Request}
}

// Communicator owns the connections and callback workers shared by its proxies.
type Communicator struct {
	opts   Options
	exec   *dispatcher.Dispatcher
	tracer trace.Tracer

	mu           sync.Mutex
	conns        map[connKey]*Connection
	locals       map[string]LocalAdapter
	localBatches map[LocalAdapter]*BatchQueue
	destroyed    bool
}

func NewCommunicator(opts Options) *Communicator {
	opts.applyDefaults()
	return &Communicator{
		opts:         opts,
		exec:         dispatcher.New("client", opts.Workers, opts.Logger),
		tracer:       opts.TracerProvider.Tracer(tracerName),
		conns:        make(map[connKey]*Connection),
		locals:       make(map[string]LocalAdapter),
		localBatches: make(map[LocalAdapter]*BatchQueue),
	}
}

func (c *Communicator) Overrides() timeout.Overrides { return c.opts.Overrides }

// Dispatcher runs async callbacks and invocation timers.
func (c *Communicator) Dispatcher() *dispatcher.Dispatcher { return c.exec }

func (c *Communicator) Logger() *slog.Logger { return c.opts.Logger }

// Proxy returns a twoway proxy for identity at endpoint. The endpoint is a
// dialable address or the name of a local adapter.
func (c *Communicator) Proxy(identity, endpoint string) *Proxy {
	return &Proxy{
		comm:              c,
		identity:          identity,
		endpoint:          endpoint,
		mode:              ModeTwoway,
		timeout:           c.opts.DefaultTimeout,
		invocationTimeout: c.opts.DefaultInvocationTimeout,
		collocation:       true,
	}
}

// ParseProxy parses "identity@endpoint".
func (c *Communicator) ParseProxy(s string) (*Proxy, error) {
	identity, endpoint, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || identity == "" || endpoint == "" {
		return nil, ErrInvalidProxy
	}
	return c.Proxy(identity, endpoint), nil
}

// RegisterLocal makes adapter reachable by collocated dispatch under its name
// and any of its published endpoints.
func (c *Communicator) RegisterLocal(adapter LocalAdapter, endpoints ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locals[adapter.Name()] = adapter
	for _, ep := range endpoints {
		c.locals[ep] = adapter
	}
}

func (c *Communicator) UnregisterLocal(adapter LocalAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, a := range c.locals {
		if a == adapter {
			delete(c.locals, k)
		}
	}
	delete(c.localBatches, adapter)
}

func (c *Communicator) local(endpoint string) LocalAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locals[endpoint]
}

func (c *Communicator) localBatch(adapter LocalAdapter) *BatchQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.localBatches[adapter]
	if q == nil {
		q = &BatchQueue{}
		c.localBatches[adapter] = q
	}
	return q
}

func (c *Communicator) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// connection returns the cached connection for p, starting a new one if there
// is none or the cached one is closed. It does not wait for the connection to
// become active.
func (c *Communicator) connection(p *Proxy) (*Connection, error) {
	t := p.Timeouts()
	key := keyFor(p, t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrCommunicatorDestroyed
	}
	if conn := c.conns[key]; conn != nil && conn.State() != StateClosed {
		return conn, nil
	}
	conn := newConnection(connConfig{
		endpoint:       p.endpoint,
		dialer:         c.opts.Dialer,
		connectTimeout: t.Connect,
		requestTimeout: t.Request,
		closeTimeout:   t.Close,
		maxFrameSize:   c.opts.MaxFrameSize,
		logger:         c.opts.Logger,
		observer:       c.opts.Observer,
	})
	c.conns[key] = conn
	return conn, nil
}

// cachedConnection returns the open connection p would use, or nil.
func (c *Communicator) cachedConnection(p *Proxy) *Connection {
	key := keyFor(p, p.Timeouts())
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn := c.conns[key]; conn != nil && conn.State() != StateClosed {
		return conn
	}
	return nil
}

// Connections returns the connections currently cached.
func (c *Communicator) Connections() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	return out
}

// Destroy gracefully closes every connection, each bounded by its close
// timeout, then stops the callback workers. If ctx ends first the remaining
// connections are closed forcibly.
func (c *Communicator) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.conns = make(map[connKey]*Connection)
	c.mu.Unlock()

	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = conn.Close(false)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		for _, conn := range conns {
			conn.Close(true)
		}
		<-done
	}

	c.exec.Close()
	c.opts.Logger.Debug("communicator: destroyed", "connections", len(conns))
	return errors.Join(errs...)
}

// invokeCollocated hands reqs to a local adapter under the same invocation
// timeout as a remote call.
func (c *Communicator) invokeCollocated(adapter LocalAdapter, inv *Invocation, reqs []protocol.Request) {
	sent := func() {
		inv.sent(true)
		if inv.mode == ModeOneway {
			inv.complete(nil)
		}
	}
	done := func(rep protocol.Reply) {
		if inv.mode != ModeTwoway {
			inv.complete(nil)
			return
		}
		if err := replyError(rep); err != nil {
			inv.fail(err)
			return
		}
		inv.complete(rep.Body)
	}
	if err := adapter.DispatchLocal(inv.ctx, reqs, sent, done); err != nil {
		inv.fail(err)
	}
}

package rpc

import (
	"context"
	"errors"
	"time"

	"callgo/async"
	"callgo/protocol"
	"callgo/timeout"
)

// OpPing is the operation every adapter answers for an existing object.
const OpPing = "_ping"

const opFlushBatch = "flushBatchRequests"

// Proxy is an immutable reference to a remote or collocated object. The With*
// and mode methods return modified copies.
type Proxy struct {
	comm              *Communicator
	identity          string
	facet             string
	endpoint          string
	mode              Mode
	timeout           timeout.Value // connect and request
	connectTimeout    timeout.Value
	invocationTimeout timeout.Value
	collocation       bool
}

// Timeouts are the effective timeouts of a proxy under its communicator's
// overrides. Negative values mean disabled.
type Timeouts struct {
	Connect    time.Duration
	Request    time.Duration
	Invocation time.Duration
	Close      time.Duration
}

func (p *Proxy) Identity() string { return p.identity }
func (p *Proxy) Facet() string    { return p.facet }
func (p *Proxy) Endpoint() string { return p.endpoint }
func (p *Proxy) Mode() Mode       { return p.mode }

func (p *Proxy) String() string { return p.identity + "@" + p.endpoint }

func (p *Proxy) clone() *Proxy {
	cp := *p
	return &cp
}

// WithTimeout sets the per-proxy connect and request timeout. A negative d
// means infinite. Process overrides still take precedence.
func (p *Proxy) WithTimeout(d time.Duration) *Proxy {
	cp := p.clone()
	cp.timeout = timeout.Of(d)
	return cp
}

// WithConnectTimeout sets a per-proxy connect timeout that takes precedence
// over WithTimeout for the connect phase.
func (p *Proxy) WithConnectTimeout(d time.Duration) *Proxy {
	cp := p.clone()
	cp.connectTimeout = timeout.Of(d)
	return cp
}

// WithInvocationTimeout bounds each call made through the proxy. Use
// timeout.Infinite to disable it.
func (p *Proxy) WithInvocationTimeout(d time.Duration) *Proxy {
	cp := p.clone()
	cp.invocationTimeout = timeout.Of(d)
	return cp
}

func (p *Proxy) WithFacet(facet string) *Proxy {
	cp := p.clone()
	cp.facet = facet
	return cp
}

// WithCollocation controls whether calls to a local adapter bypass the
// transport. It is on by default.
func (p *Proxy) WithCollocation(enabled bool) *Proxy {
	cp := p.clone()
	cp.collocation = enabled
	return cp
}

// WithCommunicator rebinds the proxy, keeping its per-proxy settings.
func (p *Proxy) WithCommunicator(c *Communicator) *Proxy {
	cp := p.clone()
	cp.comm = c
	return cp
}

func (p *Proxy) Twoway() *Proxy      { return p.withMode(ModeTwoway) }
func (p *Proxy) Oneway() *Proxy      { return p.withMode(ModeOneway) }
func (p *Proxy) BatchOneway() *Proxy { return p.withMode(ModeBatchOneway) }

func (p *Proxy) withMode(m Mode) *Proxy {
	cp := p.clone()
	cp.mode = m
	return cp
}

func (p *Proxy) Timeouts() Timeouts {
	o := p.comm.opts.Overrides
	connect := p.connectTimeout
	if !connect.IsSet() {
		connect = p.timeout
	}
	return Timeouts{
		Connect:    timeout.Resolve(timeout.Connect, timeout.Value{}, connect, o),
		Request:    timeout.Resolve(timeout.Request, timeout.Value{}, p.timeout, o),
		Invocation: timeout.Resolve(timeout.Invocation, timeout.Value{}, p.invocationTimeout, o),
		Close:      timeout.Resolve(timeout.Close, timeout.Value{}, timeout.Value{}, o),
	}
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	invocationTimeout timeout.Value
}

// CallTimeout overrides the proxy's invocation timeout for one call.
func CallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.invocationTimeout = timeout.Of(d) }
}

func (p *Proxy) invocationTimeoutFor(opts []CallOption) time.Duration {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	return timeout.Resolve(timeout.Invocation, co.invocationTimeout, p.invocationTimeout, p.comm.opts.Overrides)
}

func (p *Proxy) collocated() LocalAdapter {
	if !p.collocation {
		return nil
	}
	return p.comm.local(p.endpoint)
}

// Invoke calls op and blocks until the outcome is known. Oneway calls return
// once sent; batch-oneway calls return once queued. A declared failure is
// returned as *UserError.
func (p *Proxy) Invoke(ctx context.Context, op string, body []byte, opts ...CallOption) ([]byte, error) {
	inv := p.start(ctx, op, body, opts)
	return inv.wait(ctx)
}

// InvokeAsync starts op and returns its completion immediately. If cb is not
// nil its handlers run on the communicator's dispatcher; outcomes are never
// also returned as errors from this method.
func (p *Proxy) InvokeAsync(op string, body []byte, cb *async.Callback[[]byte], opts ...CallOption) (*async.Completion[[]byte], error) {
	if cb != nil {
		if err := cb.Validate(); err != nil {
			return nil, err
		}
	}
	inv := p.start(context.Background(), op, body, opts)
	if cb != nil {
		if err := inv.result.Attach(cb, p.comm.exec); err != nil {
			return nil, err
		}
	}
	return inv.result, nil
}

// Ping checks that the target object exists.
func (p *Proxy) Ping(ctx context.Context, opts ...CallOption) error {
	_, err := p.Invoke(ctx, OpPing, nil, opts...)
	return err
}

func (p *Proxy) start(ctx context.Context, op string, body []byte, opts []CallOption) *Invocation {
	mode := p.mode
	inv := newInvocation(ctx, p.comm, p.identity, op, mode, p.invocationTimeoutFor(opts))
	if p.comm.isDestroyed() {
		inv.fail(ErrCommunicatorDestroyed)
		return inv
	}
	req := protocol.Request{Identity: p.identity, Facet: p.facet, Operation: op, Body: body}

	if adapter := p.collocated(); adapter != nil {
		if mode == ModeBatchOneway {
			p.comm.localBatch(adapter).Enqueue(req)
			inv.sent(true)
			inv.complete(nil)
			return inv
		}
		p.comm.invokeCollocated(adapter, inv, []protocol.Request{req})
		return inv
	}

	err := p.withConnection(func(conn *Connection) error {
		if mode == ModeBatchOneway {
			if err := conn.enqueueBatch(req); err != nil {
				return err
			}
			inv.sent(true)
			inv.complete(nil)
			return nil
		}
		return conn.send(inv, req)
	})
	if err != nil {
		inv.fail(err)
	}
	return inv
}

// withConnection runs fn on the proxy's connection, acquiring a fresh one once
// if the cached connection closed underneath it.
func (p *Proxy) withConnection(fn func(*Connection) error) error {
	for attempt := 0; ; attempt++ {
		conn, err := p.comm.connection(p)
		if err != nil {
			return err
		}
		err = fn(conn)
		if !errors.Is(err, errStaleConnection) {
			return err
		}
		if attempt > 0 {
			if cause := conn.Err(); cause != nil {
				return cause
			}
			return ErrClosedConnection
		}
	}
}

// Connection returns the connection the proxy uses, establishing it if
// needed. It returns nil for collocated proxies.
func (p *Proxy) Connection(ctx context.Context) (*Connection, error) {
	if p.collocated() != nil {
		return nil, nil
	}
	conn, err := p.comm.connection(p)
	if err != nil {
		return nil, err
	}
	if err := conn.WaitActive(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// FlushBatch sends the batch-oneway requests queued for this proxy's
// connection (or local adapter) as one invocation, bounded by the invocation
// timeout. The queue is emptied whether or not the flush succeeds.
func (p *Proxy) FlushBatch(ctx context.Context, opts ...CallOption) error {
	_, err := p.flush(ctx, opts).wait(ctx)
	return err
}

// FlushBatchAsync is the asynchronous form of FlushBatch.
func (p *Proxy) FlushBatchAsync(cb *async.Callback[async.Void], opts ...CallOption) (*async.Completion[[]byte], error) {
	if cb != nil {
		if err := cb.Validate(); err != nil {
			return nil, err
		}
	}
	inv := p.flush(context.Background(), opts)
	if cb != nil {
		if err := inv.result.Attach(async.Map(cb, discard), p.comm.exec); err != nil {
			return nil, err
		}
	}
	return inv.result, nil
}

func discard([]byte) (async.Void, error) { return async.Void{}, nil }

func (p *Proxy) flush(ctx context.Context, opts []CallOption) *Invocation {
	inv := newInvocation(ctx, p.comm, p.identity, opFlushBatch, ModeBatchFlush, p.invocationTimeoutFor(opts))
	if p.comm.isDestroyed() {
		inv.fail(ErrCommunicatorDestroyed)
		return inv
	}

	if adapter := p.collocated(); adapter != nil {
		reqs := p.comm.localBatch(adapter).take()
		if len(reqs) == 0 {
			inv.sent(true)
			inv.complete(nil)
			return inv
		}
		p.comm.invokeCollocated(adapter, inv, reqs)
		return inv
	}

	conn := p.comm.cachedConnection(p)
	if conn == nil {
		inv.sent(true)
		inv.complete(nil)
		return inv
	}
	if err := conn.flushBatch(inv); err != nil {
		if errors.Is(err, errStaleConnection) {
			err = ErrClosedConnection
		}
		inv.fail(err)
	}
	return inv
}

// Call invokes op and decodes the reply body.
func Call[T any](ctx context.Context, p *Proxy, op string, body []byte, decode func([]byte) (T, error), opts ...CallOption) (T, error) {
	raw, err := p.Invoke(ctx, op, body, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode(raw)
}

// CallAsync starts op and delivers the decoded reply to cb. A decode failure
// is delivered to OnSystemException.
func CallAsync[T any](p *Proxy, op string, body []byte, decode func([]byte) (T, error), cb *async.Callback[T], opts ...CallOption) (*async.Completion[[]byte], error) {
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	return p.InvokeAsync(op, body, async.Map(cb, decode), opts...)
}

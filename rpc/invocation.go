package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"callgo/async"
	"callgo/dispatcher"
)

// Mode is the call shape of a proxy or invocation.
type Mode uint8

const (
	ModeTwoway      Mode = iota // Waits for a reply
	ModeOneway                  // Completes once sent
	ModeBatchOneway             // Queued until the batch is flushed
	ModeBatchFlush              // Sends queued batch requests as one invocation
)

func (m Mode) String() string {
	switch m {
	case ModeTwoway:
		return "twoway"
	case ModeOneway:
		return "oneway"
	case ModeBatchOneway:
		return "batch-oneway"
	case ModeBatchFlush:
		return "batch-flush"
	default:
		return "unknown"
	}
}

// timed reports whether invocations in this mode are bounded by the
// invocation timeout. Oneway sends complete on transmission.
func (m Mode) timed() bool { return m == ModeTwoway || m == ModeBatchFlush }

const (
	invPending int32 = iota
	invCompleted
	invTimedOut
)

// Invocation is one in-flight call. It reaches exactly one terminal state:
// completed (with a result or an error) or timed out.
type Invocation struct {
	identity  string
	operation string
	mode      Mode
	timeout   time.Duration

	state    atomic.Int32
	syncSend atomic.Bool // the frame was written on the calling goroutine
	result   *async.Completion[[]byte]
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *dispatcher.Timer
	span     trace.Span
	started  time.Time
	observer Observer

	mu      sync.Mutex
	conn    *Connection
	abandon func()
}

func newInvocation(ctx context.Context, c *Communicator, identity, op string, mode Mode, invocationTimeout time.Duration) *Invocation {
	inv := &Invocation{
		identity:  identity,
		operation: op,
		mode:      mode,
		timeout:   invocationTimeout,
		result:    async.New[[]byte](),
		started:   time.Now(),
		observer:  c.opts.Observer,
	}
	ctx, inv.span = c.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "callgo"),
			attribute.String("rpc.service", identity),
			attribute.String("rpc.method", op),
			attribute.String("callgo.mode", mode.String()),
			attribute.Int64("callgo.invocation_timeout_ms", invocationTimeout.Milliseconds()),
		))
	inv.ctx, inv.cancel = context.WithCancel(ctx)
	inv.observer.InvocationStarted(identity, op, mode)

	if mode.timed() {
		inv.timer = c.exec.ScheduleTimer(invocationTimeout, inv.expire)
	}
	return inv
}

func (inv *Invocation) Identity() string  { return inv.identity }
func (inv *Invocation) Operation() string { return inv.operation }
func (inv *Invocation) Mode() Mode        { return inv.mode }

// Timeout is the effective invocation timeout; negative means none.
func (inv *Invocation) Timeout() time.Duration { return inv.timeout }

func (inv *Invocation) Completion() *async.Completion[[]byte] { return inv.result }

// TimedOut reports whether the invocation timer won the race to completion.
func (inv *Invocation) TimedOut() bool { return inv.state.Load() == invTimedOut }

// Connection returns the connection the invocation was sent on, if any.
func (inv *Invocation) Connection() *Connection {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.conn
}

// attach records where the invocation was queued and how to withdraw it. It
// reports false if the invocation is already terminal.
func (inv *Invocation) attach(conn *Connection, abandon func()) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state.Load() != invPending {
		return false
	}
	inv.conn = conn
	inv.abandon = abandon
	return true
}

func (inv *Invocation) withdraw() {
	inv.mu.Lock()
	abandon := inv.abandon
	inv.abandon = nil
	inv.mu.Unlock()
	if abandon != nil {
		abandon()
	}
}

func (inv *Invocation) sent(synchronous bool) {
	if inv.result.MarkSent(synchronous) {
		inv.span.AddEvent("sent", trace.WithAttributes(attribute.Bool("synchronous", synchronous)))
	}
}

func (inv *Invocation) complete(body []byte) bool {
	if !inv.state.CompareAndSwap(invPending, invCompleted) {
		return false
	}
	inv.timer.Stop()
	inv.finish(nil)
	inv.result.Complete(body)
	return true
}

func (inv *Invocation) fail(err error) bool {
	if !inv.state.CompareAndSwap(invPending, invCompleted) {
		return false
	}
	inv.timer.Stop()
	inv.finish(err)
	inv.result.Fail(err)
	return true
}

// cancelWith fails the invocation on behalf of the caller and withdraws any
// outstanding transport exchange.
func (inv *Invocation) cancelWith(err error) {
	if inv.fail(err) {
		inv.withdraw()
	}
}

func (inv *Invocation) expire() {
	if !inv.state.CompareAndSwap(invPending, invTimedOut) {
		return
	}
	inv.cancel()
	inv.withdraw()
	inv.finish(ErrInvocationTimeout)
	inv.result.Fail(ErrInvocationTimeout)
}

// finish records the terminal outcome in the span and observer. It runs
// before the completion is published so waiters see it already recorded.
func (inv *Invocation) finish(err error) {
	inv.cancel()
	kind := async.KindOf(err)
	if err != nil {
		inv.span.RecordError(err)
		inv.span.SetStatus(codes.Error, err.Error())
	} else {
		inv.span.SetStatus(codes.Ok, "")
	}
	inv.span.End()
	inv.observer.InvocationFinished(inv.identity, inv.operation, inv.mode, kind, err, time.Since(inv.started))
}

// wait blocks until the invocation is terminal. If ctx ends first the
// invocation fails with ctx's error.
func (inv *Invocation) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-inv.result.Done():
	case <-ctx.Done():
		inv.cancelWith(ctx.Err())
		<-inv.result.Done()
	}
	o, _ := inv.result.Outcome()
	return o.Value, o.Err
}

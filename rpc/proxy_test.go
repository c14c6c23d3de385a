package rpc

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"callgo/async"
	"callgo/protocol"
	"callgo/timeout"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCommunicator(t *testing.T, opts Options) *Communicator {
	t.Helper()
	opts.Logger = quietLogger()
	c := NewCommunicator(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Destroy(ctx)
	})
	return c
}

// fakeAdapter runs collocated requests through handler on its own goroutine.
type fakeAdapter struct {
	name    string
	delay   time.Duration
	handler func(protocol.Request) protocol.Reply
	reject  error

	mu   sync.Mutex
	seen []protocol.Request
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) DispatchLocal(ctx context.Context, reqs []protocol.Request, sent func(), done func(protocol.Reply)) error {
	if a.reject != nil {
		return a.reject
	}
	sent()
	go func() {
		time.Sleep(a.delay)
		var rep protocol.Reply
		for _, req := range reqs {
			a.mu.Lock()
			a.seen = append(a.seen, req)
			a.mu.Unlock()
			rep = a.handler(req)
		}
		done(rep)
	}()
	return nil
}

func (a *fakeAdapter) requests() []protocol.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Request(nil), a.seen...)
}

func echoAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, handler: func(req protocol.Request) protocol.Reply {
		return ReplyFor(req.ID, req.Body, nil)
	}}
}

func TestProxy_Timeouts(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	p := c.Proxy("obj", "127.0.0.1:1")

	assert.Equal(t, Timeouts{
		Connect:    timeout.DefaultConnectTimeout,
		Request:    timeout.DefaultRequestTimeout,
		Invocation: timeout.Infinite,
		Close:      timeout.DefaultCloseTimeout,
	}, p.Timeouts())

	p2 := p.WithTimeout(2 * time.Second)
	assert.Equal(t, 2*time.Second, p2.Timeouts().Connect)
	assert.Equal(t, 2*time.Second, p2.Timeouts().Request)

	p3 := p2.WithConnectTimeout(500 * time.Millisecond).WithInvocationTimeout(time.Second)
	assert.Equal(t, 500*time.Millisecond, p3.Timeouts().Connect)
	assert.Equal(t, 2*time.Second, p3.Timeouts().Request)
	assert.Equal(t, time.Second, p3.Timeouts().Invocation)

	// The original is unchanged.
	assert.Equal(t, timeout.DefaultRequestTimeout, p.Timeouts().Request)
}

func TestProxy_TimeoutsUnderOverrides(t *testing.T) {
	c := newTestCommunicator(t, Options{Overrides: timeout.Overrides{
		Request: timeout.Millis(300),
		Close:   timeout.Millis(200),
	}})
	p := c.Proxy("obj", "127.0.0.1:1").
		WithTimeout(timeout.Infinite).
		WithConnectTimeout(5 * time.Second).
		WithInvocationTimeout(time.Second)

	got := p.Timeouts()
	assert.Equal(t, 300*time.Millisecond, got.Connect, "request override also bounds connect")
	assert.Equal(t, 300*time.Millisecond, got.Request)
	assert.Equal(t, time.Second, got.Invocation, "no override exists for invocation")
	assert.Equal(t, 200*time.Millisecond, got.Close)

	c2 := newTestCommunicator(t, Options{Overrides: timeout.Overrides{
		Connect: timeout.Millis(100),
		Request: timeout.Millis(300),
	}})
	assert.Equal(t, 100*time.Millisecond, p.WithCommunicator(c2).Timeouts().Connect)

	// Rebinding to a communicator without overrides restores the proxy's own.
	c3 := newTestCommunicator(t, Options{})
	got = p.WithCommunicator(c3).Timeouts()
	assert.Equal(t, 5*time.Second, got.Connect)
	assert.Equal(t, timeout.Infinite, got.Request)
}

func TestProxy_DefaultsFromCommunicator(t *testing.T) {
	c := newTestCommunicator(t, Options{
		DefaultTimeout:           timeout.Millis(1500),
		DefaultInvocationTimeout: timeout.Millis(750),
	})
	got := c.Proxy("obj", "x").Timeouts()
	assert.Equal(t, 1500*time.Millisecond, got.Request)
	assert.Equal(t, 750*time.Millisecond, got.Invocation)
}

func TestParseProxy(t *testing.T) {
	c := newTestCommunicator(t, Options{})

	p, err := c.ParseProxy(" hello@127.0.0.1:10000 ")
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Identity())
	assert.Equal(t, "127.0.0.1:10000", p.Endpoint())
	assert.Equal(t, ModeTwoway, p.Mode())
	assert.Equal(t, "hello@127.0.0.1:10000", p.String())

	for _, bad := range []string{"", "hello", "@host", "hello@"} {
		_, err := c.ParseProxy(bad)
		assert.ErrorIs(t, err, ErrInvalidProxy, bad)
	}
}

func TestCollocated_Twoway(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	a := echoAdapter("local")
	c.RegisterLocal(a)

	out, err := c.Proxy("obj", "local").Invoke(context.Background(), "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out))

	reqs := a.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "obj", reqs[0].Identity)
	assert.Equal(t, "echo", reqs[0].Operation)
}

func TestCollocated_Disabled(t *testing.T) {
	c := newTestCommunicator(t, Options{Dialer: failingDialer{}})
	c.RegisterLocal(echoAdapter("local"))

	_, err := c.Proxy("obj", "local").WithCollocation(false).Invoke(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDialRefused)
}

func TestCollocated_RejectedDispatch(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	c.RegisterLocal(&fakeAdapter{name: "local", reject: ErrObjectNotExist})

	_, err := c.Proxy("obj", "local").Invoke(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrObjectNotExist)
}

func TestCollocated_InvocationTimeout(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	a := echoAdapter("local")
	a.delay = 300 * time.Millisecond
	c.RegisterLocal(a)

	start := time.Now()
	_, err := c.Proxy("obj", "local").WithInvocationTimeout(100*time.Millisecond).Invoke(context.Background(), "echo", nil)
	require.ErrorIs(t, err, ErrInvocationTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestCollocated_UserException(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	c.RegisterLocal(&fakeAdapter{name: "local", handler: func(req protocol.Request) protocol.Reply {
		return ReplyFor(req.ID, nil, &UserError{ID: "::Bank::Overdrawn", Data: []byte("42")})
	}})

	_, err := c.Proxy("obj", "local").Invoke(context.Background(), "withdraw", nil)
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "::Bank::Overdrawn", ue.ID)
	assert.Equal(t, "42", string(ue.Data))
}

func TestCollocated_BatchFlushInOrder(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	a := echoAdapter("local")
	c.RegisterLocal(a)
	ctx := context.Background()

	batch := c.Proxy("obj", "local").BatchOneway()
	for i := 0; i < 5; i++ {
		_, err := batch.Invoke(ctx, "record", []byte(strconv.Itoa(i)))
		require.NoError(t, err)
	}
	assert.Empty(t, a.requests(), "batched requests wait for a flush")

	require.NoError(t, batch.FlushBatch(ctx))
	reqs := a.requests()
	require.Len(t, reqs, 5)
	for i, req := range reqs {
		assert.Equal(t, strconv.Itoa(i), string(req.Body))
		assert.Zero(t, req.ID)
	}

	// An empty flush completes immediately.
	require.NoError(t, batch.FlushBatch(ctx))
}

func TestCollocated_BatchFlushTimeoutSlowAdapter(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	a := echoAdapter("local")
	a.delay = 150 * time.Millisecond
	c.RegisterLocal(a)
	ctx := context.Background()

	batch := c.Proxy("obj", "local").BatchOneway().WithInvocationTimeout(100 * time.Millisecond)
	_, err := batch.Invoke(ctx, "record", nil)
	require.NoError(t, err)
	require.ErrorIs(t, batch.FlushBatch(ctx), ErrInvocationTimeout)

	_, err = batch.Invoke(ctx, "record", nil)
	require.NoError(t, err)
	require.NoError(t, batch.FlushBatch(ctx, CallTimeout(time.Second)))
}

func TestFlushBatchAsync(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	c.RegisterLocal(echoAdapter("local"))

	batch := c.Proxy("obj", "local").BatchOneway()
	_, err := batch.Invoke(context.Background(), "record", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	sent := make(chan bool, 1)
	cb := async.Twoway(func(async.Void) { close(done) }, func(err error) { t.Errorf("flush: %v", err) }).
		WithSent(func(synchronous bool) { sent <- synchronous })
	_, err = batch.FlushBatchAsync(cb)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flush not completed")
	}
	assert.True(t, <-sent)

	_, err = batch.FlushBatchAsync(&async.Callback[async.Void]{})
	assert.ErrorIs(t, err, async.ErrNoExceptionHandler)
}

func TestInvokeAsync_RequiresExceptionHandler(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	c.RegisterLocal(echoAdapter("local"))

	_, err := c.Proxy("obj", "local").InvokeAsync("echo", nil, &async.Callback[[]byte]{})
	assert.ErrorIs(t, err, async.ErrNoExceptionHandler)

	// Without a callback the completion alone carries the outcome.
	comp, err := c.Proxy("obj", "local").InvokeAsync("echo", []byte("x"), nil)
	require.NoError(t, err)
	out, err := comp.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", string(out))
}

func decodeInt(b []byte) (int, error) { return strconv.Atoi(string(b)) }

func TestCallGeneric(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	c.RegisterLocal(echoAdapter("local"))
	p := c.Proxy("obj", "local")

	n, err := Call(context.Background(), p, "echo", []byte("41"), decodeInt)
	require.NoError(t, err)
	assert.Equal(t, 41, n)

	_, err = Call(context.Background(), p, "echo", []byte("x"), decodeInt)
	assert.Error(t, err)

	errs := make(chan error, 1)
	cb := async.Twoway(func(int) { t.Error("decode should fail") }, func(err error) { errs <- err })
	_, err = CallAsync(p, "echo", []byte("nope"), decodeInt, cb)
	require.NoError(t, err)
	select {
	case err := <-errs:
		var numErr *strconv.NumError
		assert.ErrorAs(t, err, &numErr)
	case <-time.After(time.Second):
		t.Fatal("decode failure not delivered")
	}
}

func TestInvoke_ContextCancel(t *testing.T) {
	c := newTestCommunicator(t, Options{})
	a := echoAdapter("local")
	a.delay = time.Second
	c.RegisterLocal(a)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Proxy("obj", "local").Invoke(ctx, "echo", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommunicator_Destroyed(t *testing.T) {
	c := NewCommunicator(Options{Logger: quietLogger()})
	c.RegisterLocal(echoAdapter("local"))
	require.NoError(t, c.Destroy(context.Background()))
	require.NoError(t, c.Destroy(context.Background()))

	_, err := c.Proxy("obj", "local").Invoke(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrCommunicatorDestroyed)
	assert.ErrorIs(t, c.Proxy("obj", "local").FlushBatch(context.Background()), ErrCommunicatorDestroyed)
}

type countingObserver struct {
	started  atomic.Int32
	finished atomic.Int32
	timeouts atomic.Int32
}

func (o *countingObserver) InvocationStarted(string, string, Mode) { o.started.Add(1) }

func (o *countingObserver) InvocationFinished(_, _ string, _ Mode, _ async.Kind, err error, _ time.Duration) {
	o.finished.Add(1)
	if IsTimeout(err) {
		o.timeouts.Add(1)
	}
}

func (o *countingObserver) ConnectionStateChanged(string, State, State) {}

func TestObserverAndTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := &countingObserver{}
	c := newTestCommunicator(t, Options{Observer: obs, TracerProvider: tp})
	a := echoAdapter("local")
	c.RegisterLocal(a)
	ctx := context.Background()

	_, err := c.Proxy("obj", "local").Invoke(ctx, "echo", nil)
	require.NoError(t, err)

	a.delay = 200 * time.Millisecond
	_, err = c.Proxy("obj", "local").WithInvocationTimeout(50*time.Millisecond).Invoke(ctx, "slow", nil)
	require.ErrorIs(t, err, ErrInvocationTimeout)

	assert.Equal(t, int32(2), obs.started.Load())
	assert.Equal(t, int32(2), obs.finished.Load())
	assert.Equal(t, int32(1), obs.timeouts.Load())

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "echo", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("rpc.service", "obj"))
	assert.Equal(t, "slow", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.Int64("callgo.invocation_timeout_ms", 50))
}

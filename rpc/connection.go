package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"callgo/protocol"
	"callgo/transport"
)

// State is a connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateHolding // adapter side only: the adapter is on hold and not reading
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateHolding:
		return "holding"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errStaleConnection is returned when a cached connection closed between
// lookup and use. The caller acquires a fresh connection once.
var errStaleConnection = errors.New("rpc: stale connection")

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	Endpoint       string
	LocalAddr      string
	RemoteAddr     string
	State          State
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	CloseTimeout   time.Duration
	Pending        int // twoway invocations awaiting a reply
	Queued         int // frames not yet written
	Batched        int // batch-oneway requests awaiting a flush
}

type connConfig struct {
	endpoint       string
	dialer         transport.Dialer
	connectTimeout time.Duration
	requestTimeout time.Duration
	closeTimeout   time.Duration
	maxFrameSize   int
	logger         *slog.Logger
	observer       Observer
}

type outgoing struct {
	inv     *Invocation
	payload []byte
}

// Connection multiplexes invocations over one transport stream.
//
// Lifecycle: Connecting -> Active -> Closing -> Closed, with Connecting ->
// Closed on connect failure and Active -> Closed on forced close or I/O error.
type Connection struct {
	cfg connConfig

	mu        sync.Mutex
	state     State
	tc        transport.Conn
	queue     []*outgoing
	writing   bool
	pending   map[uint32]*Invocation
	nextID    uint32
	batch     BatchQueue
	err       error
	closeSent bool
	isDrained bool

	validated chan struct{} // closed when Connecting ends, either way
	drained   chan struct{} // closed once Closing has nothing left in flight
	done      chan struct{} // closed on Closed
}

func newConnection(cfg connConfig) *Connection {
	c := &Connection{
		cfg:       cfg,
		state:     StateConnecting,
		pending:   make(map[uint32]*Invocation),
		validated: make(chan struct{}),
		drained:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.connect()
	return c
}

func (c *Connection) log() *slog.Logger {
	return c.cfg.logger.With("endpoint", c.cfg.endpoint)
}

func (c *Connection) Endpoint() string { return c.cfg.endpoint }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Info returns a snapshot of the connection. It succeeds while Closing and
// fails with ErrClosedConnection once Closed.
func (c *Connection) Info() (ConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ConnectionInfo{
		Endpoint:       c.cfg.endpoint,
		State:          c.state,
		ConnectTimeout: c.cfg.connectTimeout,
		RequestTimeout: c.cfg.requestTimeout,
		CloseTimeout:   c.cfg.closeTimeout,
		Pending:        len(c.pending),
		Queued:         len(c.queue),
		Batched:        c.batch.Len(),
	}
	if c.state == StateClosed {
		return info, ErrClosedConnection
	}
	if c.tc != nil {
		info.LocalAddr = c.tc.LocalAddr()
		info.RemoteAddr = c.tc.RemoteAddr()
	}
	return info, nil
}

// WaitActive blocks until the connection is validated or fails.
func (c *Connection) WaitActive(ctx context.Context) error {
	select {
	case <-c.validated:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return c.err
	}
	return nil
}

func (c *Connection) connect() {
	ctx := context.Background()
	if c.cfg.connectTimeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
	}

	tc, err := c.cfg.dialer.Dial(ctx, c.cfg.endpoint, transport.Options{
		RequestTimeout: c.cfg.requestTimeout,
		MaxFrameSize:   c.cfg.maxFrameSize,
	})
	if err == nil {
		if err = c.validate(ctx, tc); err != nil {
			tc.Close()
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || transport.IsTimeout(err) {
			err = ErrConnectTimeout
		} else if !errors.Is(err, ErrProtocol) {
			err = fmt.Errorf("rpc: connect %s: %w", c.cfg.endpoint, err)
		}
		c.log().Debug("connection: connect failed", "error", err)
		c.closeWith(err)
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while connecting.
		c.mu.Unlock()
		tc.Close()
		return
	}
	c.tc = tc
	c.state = StateActive
	close(c.validated)
	flush := len(c.queue) > 0 && !c.writing
	if flush {
		c.writing = true
	}
	c.mu.Unlock()

	c.cfg.observer.ConnectionStateChanged(c.cfg.endpoint, StateConnecting, StateActive)
	c.log().Debug("connection: established", "local", tc.LocalAddr())

	go c.readLoop(tc)
	if flush {
		c.writeQueued()
	}
}

// validate waits for the adapter's validate-connection message. An adapter on
// hold accepts the socket but does not validate it.
func (c *Connection) validate(ctx context.Context, tc transport.Conn) error {
	payload, err := tc.Receive(ctx)
	if err != nil {
		return err
	}
	typ, err := protocol.PeekType(payload)
	if err != nil || typ != protocol.MsgValidateConnection {
		return fmt.Errorf("%w: expected validate-connection, got %v", ErrProtocol, typ)
	}
	return nil
}

// send queues a request. Twoway requests are registered for a reply. The
// request is written on the calling goroutine when the connection is idle.
func (c *Connection) send(inv *Invocation, req protocol.Request) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	var id uint32
	if inv.mode == ModeTwoway {
		id = c.allocateIDLocked()
	}
	req.ID = id
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return c.enqueueLocked(inv, id, payload)
}

// flushBatch sends the queued batch as inv. An empty batch completes at once.
func (c *Connection) flushBatch(inv *Invocation) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	reqs := c.batch.take()
	if len(reqs) == 0 {
		c.mu.Unlock()
		inv.sent(true)
		inv.complete(nil)
		return nil
	}
	payload, err := protocol.EncodeBatch(reqs)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return c.enqueueLocked(inv, 0, payload)
}

func (c *Connection) enqueueBatch(req protocol.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	c.batch.Enqueue(req)
	return nil
}

// Batch exposes the connection's batch queue.
func (c *Connection) Batch() *BatchQueue { return &c.batch }

func (c *Connection) usableLocked() error {
	switch c.state {
	case StateClosing:
		return ErrClosingConnection
	case StateClosed:
		return errStaleConnection
	}
	return nil
}

func (c *Connection) allocateIDLocked() uint32 {
	for {
		c.nextID++
		// Zero marks oneway requests.
		if c.nextID == 0 {
			continue
		}
		if _, exists := c.pending[c.nextID]; !exists {
			return c.nextID
		}
	}
}

// enqueueLocked must be called with c.mu held; it releases it.
func (c *Connection) enqueueLocked(inv *Invocation, id uint32, payload []byte) error {
	if len(payload) > c.cfg.maxFrameSize {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d byte message exceeds the %d byte frame limit", ErrProtocol, len(payload), c.cfg.maxFrameSize)
	}
	out := &outgoing{inv: inv, payload: payload}
	if !inv.attach(c, func() { c.abandon(id, out) }) {
		c.mu.Unlock()
		return nil
	}
	if id != 0 {
		c.pending[id] = inv
	}

	if c.state != StateActive || c.writing || len(c.queue) > 0 {
		c.queue = append(c.queue, out)
		c.mu.Unlock()
		return nil
	}
	c.writing = true
	tc := c.tc
	c.mu.Unlock()

	if !c.writeOne(tc, out, true) {
		return nil
	}
	c.mu.Lock()
	if len(c.queue) > 0 && c.state != StateClosed {
		c.mu.Unlock()
		go c.writeQueued()
		return nil
	}
	c.writing = false
	c.checkDrainedLocked()
	c.mu.Unlock()
	return nil
}

// writeQueued drains the send queue. The caller must have set c.writing.
func (c *Connection) writeQueued() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.state == StateClosed {
			c.writing = false
			c.checkDrainedLocked()
			c.mu.Unlock()
			return
		}
		out := c.queue[0]
		c.queue = c.queue[1:]
		tc := c.tc
		c.mu.Unlock()

		if !c.writeOne(tc, out, false) {
			return
		}
	}
}

// writeOne writes one frame within the request timeout. It reports false if
// the connection failed.
func (c *Connection) writeOne(tc transport.Conn, out *outgoing, synchronous bool) bool {
	ctx := context.Background()
	if c.cfg.requestTimeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.requestTimeout)
		defer cancel()
	}
	// The reply can be read before Send returns, so the flag is set first.
	out.inv.syncSend.Store(synchronous)
	if err := tc.Send(ctx, out.payload); err != nil {
		err = c.ioError(err)
		out.inv.fail(err)
		c.closeWith(err)
		return false
	}
	out.inv.sent(synchronous)
	if out.inv.mode != ModeTwoway {
		out.inv.complete(nil)
	}
	return true
}

// abandon withdraws a timed-out or cancelled invocation. A frame already on
// the wire cannot be recalled; its reply is dropped when it arrives.
func (c *Connection) abandon(id uint32, out *outgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != 0 {
		delete(c.pending, id)
	}
	if i := slices.Index(c.queue, out); i >= 0 {
		c.queue = slices.Delete(c.queue, i, i+1)
	}
	c.checkDrainedLocked()
}

func (c *Connection) readLoop(tc transport.Conn) {
	for {
		payload, err := tc.ReceiveProgress(c.cfg.requestTimeout)
		if err != nil {
			c.closeWith(c.ioError(err))
			return
		}
		typ, err := protocol.PeekType(payload)
		if err != nil {
			c.closeWith(fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}
		switch typ {
		case protocol.MsgReply:
			rep, err := protocol.DecodeReply(payload)
			if err != nil {
				c.closeWith(fmt.Errorf("%w: %v", ErrProtocol, err))
				return
			}
			c.dispatchReply(rep)
		case protocol.MsgCloseConnection:
			c.peerClosed()
			return
		case protocol.MsgValidateConnection:
		default:
			c.closeWith(fmt.Errorf("%w: unexpected %v from adapter", ErrProtocol, typ))
			return
		}
	}
}

func (c *Connection) dispatchReply(rep protocol.Reply) {
	c.mu.Lock()
	inv := c.pending[rep.ID]
	delete(c.pending, rep.ID)
	c.checkDrainedLocked()
	c.mu.Unlock()

	if inv == nil {
		c.log().Debug("connection: dropped reply for abandoned request", "id", rep.ID)
		return
	}
	// Any reply proves the request was sent, even if the writer has not
	// recorded it yet.
	inv.sent(inv.syncSend.Load())
	if err := replyError(rep); err != nil {
		inv.fail(err)
		return
	}
	inv.complete(rep.Body)
}

// peerClosed handles a close-connection message: the adapter has settled its
// dispatches and will not reply to anything still pending.
func (c *Connection) peerClosed() {
	c.mu.Lock()
	prev := c.state
	if prev == StateActive {
		c.state = StateClosing
	}
	c.mu.Unlock()
	if prev == StateActive {
		c.cfg.observer.ConnectionStateChanged(c.cfg.endpoint, StateActive, StateClosing)
	}
	c.closeWith(ErrClosedConnection)
}

func (c *Connection) ioError(err error) error {
	c.mu.Lock()
	state, cause := c.state, c.err
	c.mu.Unlock()
	switch {
	case state == StateClosed && cause != nil:
		return cause
	case transport.IsTimeout(err):
		return ErrRequestTimeout
	case state == StateClosing && errors.Is(err, io.EOF):
		return ErrClosedConnection
	default:
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
}

// Close shuts the connection down. A forced close abandons in-flight
// invocations with ErrClosedConnection. A graceful close waits for in-flight
// invocations, notifies the peer, and waits for it to close, all within the
// close timeout; on expiry the connection is closed with ErrCloseTimeout.
func (c *Connection) Close(force bool) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		force = true
	}
	if force {
		c.mu.Unlock()
		c.closeWith(ErrClosedConnection)
		return nil
	}
	prev := c.state
	c.state = StateClosing
	c.checkDrainedLocked()
	c.mu.Unlock()
	if prev != StateClosing {
		c.cfg.observer.ConnectionStateChanged(c.cfg.endpoint, prev, StateClosing)
		c.log().Debug("connection: closing", "timeout", c.cfg.closeTimeout)
	}

	var expired <-chan time.Time
	var deadline time.Time
	if c.cfg.closeTimeout >= 0 {
		t := time.NewTimer(c.cfg.closeTimeout)
		defer t.Stop()
		expired = t.C
		deadline = time.Now().Add(c.cfg.closeTimeout)
	}

	select {
	case <-c.drained:
	case <-c.done:
		return nil
	case <-expired:
		return c.closeTimedOut()
	}

	if err := c.sendClose(deadline); err != nil {
		if transport.IsTimeout(err) {
			return c.closeTimedOut()
		}
		c.closeWith(c.ioError(err))
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-expired:
		return c.closeTimedOut()
	}
}

func (c *Connection) sendClose(deadline time.Time) error {
	c.mu.Lock()
	if c.closeSent || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.closeSent = true
	tc := c.tc
	c.mu.Unlock()

	payload, err := protocol.EncodeControl(protocol.MsgCloseConnection)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	return tc.Send(ctx, payload)
}

func (c *Connection) closeTimedOut() error {
	c.log().Warn("connection: close timed out, forcing", "timeout", c.cfg.closeTimeout)
	c.closeWith(ErrCloseTimeout)
	return ErrCloseTimeout
}

func (c *Connection) checkDrainedLocked() {
	if c.state != StateClosing || c.isDrained {
		return
	}
	if len(c.pending) == 0 && len(c.queue) == 0 && !c.writing {
		c.isDrained = true
		close(c.drained)
	}
}

// closeWith moves the connection to Closed and fails every attached
// invocation with err. Later calls are no-ops.
func (c *Connection) closeWith(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	c.err = err
	tc := c.tc
	pending := c.pending
	c.pending = make(map[uint32]*Invocation)
	queue := c.queue
	c.queue = nil
	if prev == StateConnecting {
		close(c.validated)
	}
	if !c.isDrained {
		c.isDrained = true
		close(c.drained)
	}
	dropped := len(c.batch.take())
	close(c.done)
	c.mu.Unlock()

	if tc != nil {
		tc.Close()
	}
	for _, inv := range pending {
		inv.fail(err)
	}
	for _, out := range queue {
		out.inv.fail(err)
	}

	c.cfg.observer.ConnectionStateChanged(c.cfg.endpoint, prev, StateClosed)
	lvl := slog.LevelDebug
	if !errors.Is(err, ErrClosedConnection) {
		lvl = slog.LevelInfo
	}
	c.log().Log(context.Background(), lvl, "connection: closed",
		"reason", err, "abandoned", len(pending), "batch_dropped", dropped)
}

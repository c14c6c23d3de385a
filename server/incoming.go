package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"callgo/protocol"
	"callgo/rpc"
	"callgo/transport"
)

// incoming is the adapter side of one client connection.
type incoming struct {
	a      *Adapter
	tc     transport.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	stopping  bool // no new dispatches once set
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func newIncoming(a *Adapter, tc transport.Conn) *incoming {
	ctx, cancel := context.WithCancel(context.Background())
	ic := &incoming{
		a:      a,
		tc:     tc,
		ctx:    ctx,
		cancel: cancel,
		logger: a.log().With("remote", tc.RemoteAddr()),
	}
	ic.state.Store(int32(rpc.StateConnecting))
	return ic
}

func (ic *incoming) State() rpc.State { return rpc.State(ic.state.Load()) }

// setState moves to s unless the connection is already closing.
func (ic *incoming) setState(s rpc.State) {
	for {
		cur := ic.state.Load()
		if rpc.State(cur) >= rpc.StateClosing && s < rpc.StateClosing {
			return
		}
		if ic.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// awaitGate blocks while the adapter is on hold. It reports false if the
// adapter was shut down.
func (ic *incoming) awaitGate() bool {
	if ic.a.gate.isPaused() {
		ic.setState(rpc.StateHolding)
	}
	ok := ic.a.gate.wait(ic.a.deactivated)
	if ok && ic.State() == rpc.StateHolding {
		ic.setState(rpc.StateActive)
	}
	return ok
}

func (ic *incoming) serve() {
	defer ic.close()

	// A held adapter accepts the socket but does not validate it, so the
	// client stays Connecting.
	if !ic.awaitGate() {
		return
	}
	if err := ic.sendControl(protocol.MsgValidateConnection); err != nil {
		ic.logger.Debug("incoming: validate failed", "error", err)
		return
	}
	ic.setState(rpc.StateActive)
	ic.logger.Debug("incoming: connection validated")

	for {
		// Wait for data without consuming it, then honor the hold before
		// reading: a held adapter leaves the request in the socket.
		if err := ic.tc.Await(); err != nil {
			ic.readDone(err)
			return
		}
		if !ic.awaitGate() {
			return
		}
		payload, err := ic.tc.ReceiveProgress(ic.a.opts.ReadTimeout)
		if err != nil {
			ic.readDone(err)
			return
		}
		typ, err := protocol.PeekType(payload)
		if err != nil {
			ic.logger.Warn("incoming: bad message", "error", err)
			return
		}
		switch typ {
		case protocol.MsgRequest:
			req, err := protocol.DecodeRequest(payload)
			if err != nil {
				ic.logger.Warn("incoming: bad request", "error", err)
				return
			}
			ic.dispatch([]protocol.Request{req})
		case protocol.MsgBatchRequest:
			reqs, err := protocol.DecodeBatch(payload)
			if err != nil {
				ic.logger.Warn("incoming: bad batch", "error", err)
				return
			}
			ic.dispatch(reqs)
		case protocol.MsgCloseConnection:
			// Finish what was read, then close the socket; the client treats
			// EOF after its close message as a clean close.
			ic.setState(rpc.StateClosing)
			ic.mu.Lock()
			ic.stopping = true
			ic.mu.Unlock()
			ic.inflight.Wait()
			ic.logger.Debug("incoming: closed by client")
			return
		case protocol.MsgValidateConnection:
		default:
			ic.logger.Warn("incoming: unexpected message", "type", typ)
			return
		}
	}
}

func (ic *incoming) readDone(err error) {
	if ic.State() == rpc.StateClosed || errors.Is(err, transport.ErrTransportClosed) {
		return
	}
	ic.logger.Debug("incoming: read ended", "error", err)
}

// dispatch runs reqs in order on one worker. Replies for twoway requests are
// written as each completes.
func (ic *incoming) dispatch(reqs []protocol.Request) {
	ic.mu.Lock()
	if ic.stopping {
		ic.mu.Unlock()
		ic.reject(reqs)
		return
	}
	ic.inflight.Add(1)
	ic.mu.Unlock()

	err := ic.a.exec.Submit(func() {
		defer ic.inflight.Done()
		for _, req := range reqs {
			rep := ic.a.dispatch(ic.ctx, req)
			if !req.IsOneway() {
				ic.reply(rep)
			}
		}
	})
	if err == nil {
		return
	}
	ic.inflight.Done()
	ic.reject(reqs)
}

func (ic *incoming) reject(reqs []protocol.Request) {
	for _, req := range reqs {
		if !req.IsOneway() {
			ic.reply(rpc.ReplyFor(req.ID, nil, rpc.ErrObjectNotExist))
		}
	}
}

func (ic *incoming) reply(rep protocol.Reply) {
	payload, err := protocol.EncodeReply(rep)
	if err != nil {
		ic.logger.Error("incoming: encode reply", "id", rep.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ic.ctx, ic.a.opts.WriteTimeout)
	defer cancel()
	if err := ic.tc.Send(ctx, payload); err != nil {
		ic.logger.Debug("incoming: reply failed", "id", rep.ID, "error", err)
		ic.close()
	}
}

func (ic *incoming) sendControl(t protocol.MsgType) error {
	payload, err := protocol.EncodeControl(t)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ic.ctx, ic.a.opts.WriteTimeout)
	defer cancel()
	return ic.tc.Send(ctx, payload)
}

// shutdown lets in-flight dispatches finish, tells the client the adapter is
// closing, and closes the socket. ctx bounds the wait.
func (ic *incoming) shutdown(ctx context.Context) {
	validated := ic.State() != rpc.StateConnecting
	ic.setState(rpc.StateClosing)
	ic.mu.Lock()
	ic.stopping = true
	ic.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		ic.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		ic.close()
		return
	}
	if validated {
		if err := ic.sendControl(protocol.MsgCloseConnection); err != nil {
			ic.logger.Debug("incoming: close message failed", "error", err)
		}
	}
	ic.close()
}

func (ic *incoming) close() {
	ic.closeOnce.Do(func() {
		ic.state.Store(int32(rpc.StateClosed))
		ic.cancel()
		_ = ic.tc.Close()
	})
}

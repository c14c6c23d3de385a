// Package server hosts servants behind an object adapter. An adapter accepts
// connections from remote communicators and serves collocated calls from its
// own communicator through the same bounded dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"callgo/dispatcher"
	"callgo/protocol"
	"callgo/rpc"
	"callgo/transport"
)

var (
	ErrAlreadyStarted     = errors.New("server: already started")
	ErrDeactivated        = errors.New("server: adapter deactivated")
	ErrAlreadyRegistered  = errors.New("server: object already registered")
	ErrUnsupportedNetwork = errors.New("server: unsupported network")
)

// Adapter routes requests to servants by identity and facet.
type Adapter struct {
	opts Options
	comm *rpc.Communicator
	exec *dispatcher.Dispatcher
	gate *pauseGate

	objMu   sync.RWMutex
	objects map[objectKey]*Servant

	ln        net.Listener
	mu        sync.Mutex
	conns     map[*incoming]struct{}
	holdTimer *time.Timer
	wg        sync.WaitGroup

	started     atomic.Bool
	deactivated chan struct{}
	deactivate  sync.Once
}

// NewAdapter creates an active adapter and registers it with comm for
// collocated dispatch. Call Start or Serve to accept remote connections.
func NewAdapter(comm *rpc.Communicator, opts Options) *Adapter {
	opts.applyDefaults()
	if opts.Name == "" {
		opts.Name = "adapter-" + uuid.NewString()
	}
	a := &Adapter{
		opts:        opts,
		comm:        comm,
		exec:        dispatcher.New(opts.Name, opts.Workers, opts.Logger),
		gate:        newPauseGate(),
		objects:     make(map[objectKey]*Servant),
		conns:       make(map[*incoming]struct{}),
		deactivated: make(chan struct{}),
	}
	comm.RegisterLocal(a)
	return a
}

func (a *Adapter) Name() string { return a.opts.Name }

func (a *Adapter) log() *slog.Logger { return a.opts.Logger.With("adapter", a.opts.Name) }

func (a *Adapter) Communicator() *rpc.Communicator { return a.comm }

// Dispatcher is the bounded worker pool that runs servant code.
func (a *Adapter) Dispatcher() *dispatcher.Dispatcher { return a.exec }

// Addr returns the listening address, or "" if the adapter is collocated only.
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

func (a *Adapter) endpoint() string {
	if addr := a.Addr(); addr != "" {
		return addr
	}
	return a.opts.Name
}

// Add registers s under identity and returns a proxy for it.
func (a *Adapter) Add(identity string, s *Servant) (*rpc.Proxy, error) {
	return a.AddFacet(identity, "", s)
}

// AddWithUUID registers s under a fresh UUID identity.
func (a *Adapter) AddWithUUID(s *Servant) (*rpc.Proxy, error) {
	return a.Add(uuid.NewString(), s)
}

func (a *Adapter) AddFacet(identity, facet string, s *Servant) (*rpc.Proxy, error) {
	if identity == "" {
		return nil, fmt.Errorf("server: empty identity")
	}
	a.objMu.Lock()
	defer a.objMu.Unlock()
	key := objectKey{identity: identity, facet: facet}
	if _, ok := a.objects[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, identity)
	}
	a.objects[key] = s
	return a.CreateProxy(identity).WithFacet(facet), nil
}

// Remove unregisters every facet of identity.
func (a *Adapter) Remove(identity string) {
	a.objMu.Lock()
	defer a.objMu.Unlock()
	for k := range a.objects {
		if k.identity == identity {
			delete(a.objects, k)
		}
	}
}

// CreateProxy returns a proxy for identity at this adapter's endpoint.
func (a *Adapter) CreateProxy(identity string) *rpc.Proxy {
	return a.comm.Proxy(identity, a.endpoint())
}

func (a *Adapter) find(identity, facet string) (*Servant, error) {
	a.objMu.RLock()
	defer a.objMu.RUnlock()
	if s, ok := a.objects[objectKey{identity: identity, facet: facet}]; ok {
		return s, nil
	}
	for k := range a.objects {
		if k.identity == identity {
			return nil, rpc.ErrFacetNotExist
		}
	}
	return nil, rpc.ErrObjectNotExist
}

// Start listens on the configured network address.
func (a *Adapter) Start() error {
	if !supportedNetworks[a.opts.Network] {
		return fmt.Errorf("%w: %q", ErrUnsupportedNetwork, a.opts.Network)
	}
	addr := a.opts.Host
	if a.opts.Network != NetworkUnix {
		addr = net.JoinHostPort(a.opts.Host, strconv.Itoa(int(a.opts.Port)))
	}
	ln, err := net.Listen(a.opts.Network, addr)
	if err != nil {
		return err
	}
	if err := a.Serve(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve accepts connections from ln until Shutdown.
func (a *Adapter) Serve(ln net.Listener) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	a.comm.RegisterLocal(a, ln.Addr().String())

	a.log().Info("adapter: listening", "addr", ln.Addr().String(), "workers", a.opts.Workers)
	a.wg.Go(a.acceptLoop)
	return nil
}

func (a *Adapter) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.ServeConn(conn)
	}
}

// ServeConn serves one accepted connection in the background.
func (a *Adapter) ServeConn(conn net.Conn) {
	proto := transport.ProtocolTCP
	if conn.LocalAddr().Network() == transport.ProtocolPipe {
		proto = transport.ProtocolPipe
	}
	tc := transport.NewConn(proto, conn, transport.Options{MaxFrameSize: a.opts.MaxFrameSize})
	ic := newIncoming(a, tc)

	a.mu.Lock()
	if a.isDeactivated() {
		a.mu.Unlock()
		_ = tc.Close()
		return
	}
	a.conns[ic] = struct{}{}
	a.mu.Unlock()

	a.wg.Go(func() {
		ic.serve()
		a.mu.Lock()
		delete(a.conns, ic)
		a.mu.Unlock()
	})
}

// Hold stops the adapter from validating new connections, reading requests,
// and running collocated calls until Activate. Requests already read still
// run.
func (a *Adapter) Hold() {
	a.gate.pause()
	a.log().Debug("adapter: holding")
}

func (a *Adapter) Activate() {
	a.mu.Lock()
	if a.holdTimer != nil {
		a.holdTimer.Stop()
		a.holdTimer = nil
	}
	a.mu.Unlock()
	a.gate.resume()
	a.log().Debug("adapter: active")
}

// HoldFor holds the adapter and activates it again after d.
func (a *Adapter) HoldFor(d time.Duration) {
	a.Hold()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holdTimer != nil {
		a.holdTimer.Stop()
	}
	a.holdTimer = time.AfterFunc(d, a.gate.resume)
}

func (a *Adapter) IsHeld() bool { return a.gate.isPaused() }

// ConnectionStates reports the state of every incoming connection.
func (a *Adapter) ConnectionStates() []rpc.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]rpc.State, 0, len(a.conns))
	for ic := range a.conns {
		out = append(out, ic.State())
	}
	return out
}

func (a *Adapter) isDeactivated() bool {
	select {
	case <-a.deactivated:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting connections, lets in-flight dispatches finish,
// tells each client the connection is closing, and stops the workers. If ctx
// ends first the remaining connections are closed forcibly.
func (a *Adapter) Shutdown(ctx context.Context) error {
	first := false
	a.deactivate.Do(func() {
		first = true
		close(a.deactivated)
	})
	if !first {
		return nil
	}
	a.comm.UnregisterLocal(a)

	a.mu.Lock()
	if a.ln != nil {
		_ = a.ln.Close()
	}
	if a.holdTimer != nil {
		a.holdTimer.Stop()
	}
	conns := make([]*incoming, 0, len(a.conns))
	for ic := range a.conns {
		conns = append(conns, ic)
	}
	a.mu.Unlock()

	var sw sync.WaitGroup
	for _, ic := range conns {
		sw.Go(func() { ic.shutdown(ctx) })
	}
	sw.Wait()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		for _, ic := range conns {
			ic.close()
		}
		<-done
	}

	a.exec.Close()
	a.log().Info("adapter: shut down", "connections", len(conns))
	return err
}

// DispatchLocal implements rpc.LocalAdapter.
func (a *Adapter) DispatchLocal(ctx context.Context, reqs []protocol.Request, sent func(), done func(protocol.Reply)) error {
	if a.isDeactivated() {
		return rpc.ErrObjectNotExist
	}
	accepted := make(chan struct{})
	err := a.exec.Submit(func() {
		<-accepted
		if !a.gate.wait(a.deactivated) {
			done(rpc.ReplyFor(0, nil, rpc.ErrObjectNotExist))
			return
		}
		var rep protocol.Reply
		for _, req := range reqs {
			rep = a.dispatch(ctx, req)
		}
		done(rep)
	})
	if err != nil {
		return rpc.ErrObjectNotExist
	}
	sent()
	close(accepted)
	return nil
}

// dispatch runs one request and builds its reply.
func (a *Adapter) dispatch(ctx context.Context, req protocol.Request) (rep protocol.Reply) {
	s, err := a.find(req.Identity, req.Facet)
	if err != nil {
		return rpc.ReplyFor(req.ID, nil, err)
	}
	if req.Operation == rpc.OpPing {
		return rpc.ReplyFor(req.ID, nil, nil)
	}
	h := s.handler(req.Operation)
	if h == nil {
		return rpc.ReplyFor(req.ID, nil, rpc.ErrOperationNotExist)
	}

	defer func() {
		if r := recover(); r != nil {
			a.log().Error("adapter: servant panicked", "identity", req.Identity, "operation", req.Operation, "panic", r)
			rep = rpc.ReplyFor(req.ID, nil, &rpc.UnknownError{
				Status: protocol.StatusUnknownLocalException,
				Reason: fmt.Sprint(r),
			})
		}
	}()

	out, err := h(ctx, req.Body)
	if err != nil {
		var ue *rpc.UserError
		if !errors.As(err, &ue) {
			a.log().Warn("adapter: dispatch failed", "identity", req.Identity, "operation", req.Operation, "error", err)
		}
	}
	return rpc.ReplyFor(req.ID, out, err)
}

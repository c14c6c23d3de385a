// Package async holds the single-fire completion slot shared by synchronous and
// asynchronous calls, and the capability-typed callbacks it delivers to.
package async

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrAlreadyAttached = errors.New("async: callback already attached")

// Kind classifies a terminal outcome.
type Kind uint8

const (
	KindPending Kind = iota
	KindResponse
	KindUserException
	KindSystemException
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindResponse:
		return "response"
	case KindUserException:
		return "user_exception"
	case KindSystemException:
		return "system_exception"
	default:
		return "unknown"
	}
}

// Outcome is the terminal value of a completion. It is immutable once set.
type Outcome[T any] struct {
	Kind        Kind
	Value       T
	Err         error
	CompletedAt time.Time
}

// Executor runs callback bodies off the goroutine that completed the call.
type Executor interface {
	Submit(work func()) error
}

// Completion is a single-fire, thread-safe result slot. The first of Complete
// or Fail wins; later attempts are no-ops that report false.
//
// Handlers run serially per completion, so OnSent is always observed before the
// terminal handler.
type Completion[T any] struct {
	done   chan struct{}
	sentCh chan struct{}

	mu       sync.Mutex
	outcome  Outcome[T]
	sent     bool
	sentSync bool
	cb       *Callback[T]
	exec     Executor
	queue    []func()
	draining bool
}

func New[T any]() *Completion[T] {
	return &Completion[T]{
		done:   make(chan struct{}),
		sentCh: make(chan struct{}),
	}
}

// Attach registers cb, delivered through exec (or a fresh goroutine when exec
// is nil). Events that already happened are replayed in order.
func (c *Completion[T]) Attach(cb *Callback[T], exec Executor) error {
	if err := cb.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cb != nil {
		return ErrAlreadyAttached
	}
	c.cb = cb
	c.exec = exec
	if c.sent {
		c.enqueueSentLocked()
	}
	if c.outcome.Kind != KindPending {
		c.enqueueTerminalLocked()
	}
	return nil
}

// MarkSent records that the request reached the transport. It reports false if
// sent was already recorded or the completion is already terminal.
func (c *Completion[T]) MarkSent(sentSynchronously bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markSentLocked(sentSynchronously)
}

func (c *Completion[T]) markSentLocked(sentSynchronously bool) bool {
	if c.sent || c.outcome.Kind != KindPending {
		return false
	}
	c.sent = true
	c.sentSync = sentSynchronously
	close(c.sentCh)
	if c.cb != nil {
		c.enqueueSentLocked()
	}
	return true
}

// Complete sets a response outcome. A reply implies the request was sent.
func (c *Completion[T]) Complete(v T) bool {
	return c.finish(Outcome[T]{Kind: KindResponse, Value: v})
}

// KindOf classifies the outcome err would produce: a response for nil, a
// user exception for a UserException, a system exception otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindResponse
	}
	var ue UserException
	if errors.As(err, &ue) {
		return KindUserException
	}
	return KindSystemException
}

// Fail sets an exception outcome, classified by KindOf. err must not be nil.
func (c *Completion[T]) Fail(err error) bool {
	return c.finish(Outcome[T]{Kind: KindOf(err), Err: err})
}

func (c *Completion[T]) finish(o Outcome[T]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome.Kind != KindPending {
		return false
	}
	if o.Kind != KindSystemException {
		c.markSentLocked(false)
	}
	o.CompletedAt = time.Now()
	c.outcome = o
	close(c.done)
	if c.cb != nil {
		c.enqueueTerminalLocked()
	}
	return true
}

func (c *Completion[T]) enqueueSentLocked() {
	cb, synchronous := c.cb, c.sentSync
	if cb.OnSent == nil {
		return
	}
	c.enqueueLocked(func() { cb.OnSent(synchronous) })
}

func (c *Completion[T]) enqueueTerminalLocked() {
	cb, o := c.cb, c.outcome
	c.enqueueLocked(func() { cb.deliver(o) })
}

func (c *Completion[T]) enqueueLocked(fn func()) {
	c.queue = append(c.queue, fn)
	if c.draining {
		return
	}
	c.draining = true
	if c.exec == nil || c.exec.Submit(c.drain) != nil {
		go c.drain()
	}
}

func (c *Completion[T]) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn()
	}
}

// Done is closed once the outcome is terminal.
func (c *Completion[T]) Done() <-chan struct{} { return c.done }

// Sent is closed once the request was handed to the transport.
func (c *Completion[T]) Sent() <-chan struct{} { return c.sentCh }

func (c *Completion[T]) IsSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// SentSynchronously reports whether the request was sent on the calling goroutine.
func (c *Completion[T]) SentSynchronously() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentSync
}

// Outcome returns the terminal outcome, or false while pending.
func (c *Completion[T]) Outcome() (Outcome[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.outcome.Kind != KindPending
}

// Wait blocks until the outcome is terminal or ctx ends. Cancelling ctx does
// not complete the slot.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		o, _ := c.Outcome()
		return o.Value, o.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

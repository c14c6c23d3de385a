// Package dispatcher is a bounded worker pool that runs I/O completions and
// callback bodies, plus one-shot timers.
//
// Concurrency is bounded by the number of workers; Submit never blocks, extra
// work waits in FIFO order. Timer callbacks run on their own goroutine, never on
// a worker, so a saturated pool cannot delay a timeout from firing.
package dispatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultSize = 4

var ErrClosed = errors.New("dispatcher: closed")

type Dispatcher struct {
	name   string
	size   int
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	busy atomic.Int32
	wg   sync.WaitGroup
}

// New starts a dispatcher with size workers. A non-positive size uses DefaultSize.
func New(name string, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{name: name, size: size, logger: logger}
	d.cond = sync.NewCond(&d.mu)
	for i := 0; i < size; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) Name() string { return d.name }
func (d *Dispatcher) Size() int    { return d.size }

// Busy returns the number of workers currently running work.
func (d *Dispatcher) Busy() int { return int(d.busy.Load()) }

// Pending returns the number of queued work items not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Submit queues work for a worker.
func (d *Dispatcher) Submit(work func()) error {
	if work == nil {
		return fmt.Errorf("dispatcher %s: nil work", d.name)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.queue = append(d.queue, work)
	d.mu.Unlock()
	d.cond.Signal()
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		work := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(work)
	}
}

func (d *Dispatcher) run(work func()) {
	d.busy.Add(1)
	defer d.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher: work panicked", "dispatcher", d.name, "panic", r)
		}
	}()
	work()
}

// Close stops accepting work, lets workers drain what is queued, and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	d.wg.Wait()
}

// Timer is a cancellable one-shot timer.
type Timer struct {
	t     *time.Timer
	fired atomic.Bool
}

// Stop cancels the timer. It reports false if the callback already started.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.t.Stop() && !t.fired.Load()
}

// ScheduleTimer runs fn once after delay. A negative delay returns nil: the
// timer is disabled.
func (d *Dispatcher) ScheduleTimer(delay time.Duration, fn func()) *Timer {
	if delay < 0 {
		return nil
	}
	t := &Timer{}
	t.t = time.AfterFunc(delay, func() {
		t.fired.Store(true)
		fn()
	})
	return t
}

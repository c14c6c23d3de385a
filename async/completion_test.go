package async

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaredErr struct{ reason string }

func (e *declaredErr) Error() string   { return "declared: " + e.reason }
func (e *declaredErr) UserException() {}

var errSystem = errors.New("system failure")

// recorder collects handler invocations in the order they become visible.
type recorder struct {
	mu     sync.Mutex
	events []string
	done   chan struct{}
	once   sync.Once
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) add(ev string, terminal bool) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if terminal {
		r.once.Do(func() { close(r.done) })
	}
}

func (r *recorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal callback not delivered")
	}
	// Give any erroneous extra delivery a chance to show up.
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) callback() *Callback[int] {
	return Twoway(
		func(v int) { r.add("response:"+strconv.Itoa(v), true) },
		func(err error) { r.add("system:"+err.Error(), true) },
	).WithUserException(func(err error) {
		r.add("user:"+err.Error(), true)
	}).WithSent(func(sync bool) {
		r.add("sent:"+strconv.FormatBool(sync), false)
	})
}

type goExecutor struct{ n atomic.Int32 }

func (e *goExecutor) Submit(work func()) error {
	e.n.Add(1)
	go work()
	return nil
}

func TestCompletion_ResponseImpliesSent(t *testing.T) {
	r := newRecorder()
	c := New[int]()
	exec := &goExecutor{}
	require.NoError(t, c.Attach(r.callback(), exec))

	assert.True(t, c.Complete(42))
	assert.Equal(t, []string{"sent:false", "response:42"}, r.wait(t))
	assert.True(t, c.IsSent())
	assert.Positive(t, exec.n.Load())
}

func TestCompletion_SentBeforeTerminal(t *testing.T) {
	r := newRecorder()
	c := New[int]()
	require.NoError(t, c.Attach(r.callback(), &goExecutor{}))

	assert.True(t, c.MarkSent(true))
	assert.False(t, c.MarkSent(true), "sent is recorded once")
	assert.True(t, c.Fail(errSystem))

	assert.Equal(t, []string{"sent:true", "system:system failure"}, r.wait(t))
}

func TestCompletion_SentAfterTerminalIsIgnored(t *testing.T) {
	r := newRecorder()
	c := New[int]()
	require.NoError(t, c.Attach(r.callback(), nil))

	assert.True(t, c.Fail(errSystem))
	assert.False(t, c.MarkSent(false))

	assert.Equal(t, []string{"system:system failure"}, r.wait(t))
}

func TestCompletion_FirstWriterWins(t *testing.T) {
	c := New[int]()

	const writers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = c.Complete(i)
			} else {
				ok = c.Fail(errSystem)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	o, done := c.Outcome()
	require.True(t, done)
	assert.NotEqual(t, KindPending, o.Kind)
	assert.False(t, o.CompletedAt.IsZero())
}

func TestCompletion_UserExceptionRouting(t *testing.T) {
	t.Run("declared handler", func(t *testing.T) {
		r := newRecorder()
		c := New[int]()
		require.NoError(t, c.Attach(r.callback(), nil))
		c.Fail(&declaredErr{reason: "bad input"})
		assert.Equal(t, []string{"sent:false", "user:declared: bad input"}, r.wait(t))
	})

	t.Run("undeclared becomes system exception", func(t *testing.T) {
		got := make(chan error, 1)
		c := New[int]()
		require.NoError(t, c.Attach(Twoway(func(int) {}, func(err error) { got <- err }), nil))
		c.Fail(&declaredErr{reason: "x"})

		err := <-got
		var undeclared *UndeclaredError
		require.ErrorAs(t, err, &undeclared)
		var de *declaredErr
		assert.ErrorAs(t, err, &de)
	})
}

func TestCompletion_AttachAfterCompletionReplays(t *testing.T) {
	r := newRecorder()
	c := New[int]()
	c.MarkSent(true)
	c.Complete(7)

	require.NoError(t, c.Attach(r.callback(), nil))
	assert.Equal(t, []string{"sent:true", "response:7"}, r.wait(t))

	assert.ErrorIs(t, c.Attach(r.callback(), nil), ErrAlreadyAttached)
}

func TestCompletion_AttachRequiresExceptionHandler(t *testing.T) {
	c := New[int]()
	assert.ErrorIs(t, c.Attach(&Callback[int]{OnResponse: func(int) {}}, nil), ErrNoExceptionHandler)
	assert.ErrorIs(t, c.Attach(nil, nil), ErrNoExceptionHandler)
}

func TestCompletion_Wait(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		c := New[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.Complete("ok")
		}()
		v, err := c.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})

	t.Run("returns error", func(t *testing.T) {
		c := New[string]()
		c.Fail(errSystem)
		_, err := c.Wait(context.Background())
		assert.ErrorIs(t, err, errSystem)
	})

	t.Run("context ends wait without completing", func(t *testing.T) {
		c := New[string]()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := c.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		_, done := c.Outcome()
		assert.False(t, done)
	})
}

// Exactly one terminal handler fires across many racing completions.
func TestCompletion_ExactlyOneTerminal(t *testing.T) {
	for i := 0; i < 200; i++ {
		var terminal atomic.Int32
		var sentAfterTerminal atomic.Bool
		all := make(chan struct{})

		cb := Twoway(
			func(int) { terminal.Add(1); close(all) },
			func(error) { terminal.Add(1); close(all) },
		).WithSent(func(bool) {
			if terminal.Load() > 0 {
				sentAfterTerminal.Store(true)
			}
		})

		c := New[int]()
		require.NoError(t, c.Attach(cb, &goExecutor{}))
		go c.MarkSent(false)
		go c.Complete(1)
		go c.Fail(errSystem)

		<-all
		time.Sleep(time.Millisecond)
		assert.Equal(t, int32(1), terminal.Load())
		assert.False(t, sentAfterTerminal.Load())
	}
}

func TestMap_DecodesResponse(t *testing.T) {
	got := make(chan int, 1)
	failed := make(chan error, 1)
	typed := Twoway(func(v int) { got <- v }, func(err error) { failed <- err })
	raw := Map(typed, func(b []byte) (int, error) { return strconv.Atoi(string(b)) })

	c := New[[]byte]()
	require.NoError(t, c.Attach(raw, nil))
	c.Complete([]byte("12"))
	assert.Equal(t, 12, <-got)

	c2 := New[[]byte]()
	require.NoError(t, c2.Attach(raw, nil))
	c2.Complete([]byte("nope"))
	assert.Error(t, <-failed)
}

func TestOneway_OnlyFailuresAndSent(t *testing.T) {
	sent := make(chan bool, 1)
	cb := Oneway(func(error) { t.Error("unexpected failure") }).WithSent(func(s bool) { sent <- s })

	c := New[Void]()
	require.NoError(t, c.Attach(cb, nil))
	c.MarkSent(true)
	c.Complete(Void{})

	assert.True(t, <-sent)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "response", KindResponse.String())
	assert.Equal(t, "user_exception", KindUserException.String())
	assert.Equal(t, "system_exception", KindSystemException.String())
	assert.Equal(t, "pending", KindPending.String())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindResponse, KindOf(nil))
	assert.Equal(t, KindSystemException, KindOf(errSystem))
	assert.Equal(t, KindUserException, KindOf(&declaredErr{reason: "x"}))
	assert.Equal(t, KindUserException, KindOf(fmt.Errorf("wrapped: %w", &declaredErr{reason: "x"})))
}

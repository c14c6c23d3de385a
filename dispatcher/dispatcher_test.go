package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsSubmittedWork(t *testing.T) {
	d := New("test", 2, nil)
	defer d.Close()

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, d.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(20), n.Load())
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	d := New("bounded", 2, nil)
	defer d.Close()

	release := make(chan struct{})
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, d.Submit(func() {
			defer wg.Done()
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
	}

	require.Eventually(t, func() bool { return d.Busy() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, d.Pending())

	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

// Work queued behind a saturated pool starts in submission order.
func TestDispatcher_FIFO(t *testing.T) {
	d := New("fifo", 1, nil)
	defer d.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		}))
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestDispatcher_TimerFiresWhileSaturated(t *testing.T) {
	d := New("saturated", 1, nil)
	defer d.Close()

	release := make(chan struct{})
	require.NoError(t, d.Submit(func() { <-release }))
	defer close(release)

	fired := make(chan struct{})
	start := time.Now()
	d.ScheduleTimer(50*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire while the pool was saturated")
	}
}

func TestDispatcher_TimerStop(t *testing.T) {
	d := New("stop", 1, nil)
	defer d.Close()

	var fired atomic.Bool
	tm := d.ScheduleTimer(100*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, tm.Stop())
	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load())

	assert.Nil(t, d.ScheduleTimer(-1, func() {}))
	var nilTimer *Timer
	assert.False(t, nilTimer.Stop())
}

func TestDispatcher_PanicDoesNotKillWorker(t *testing.T) {
	d := New("panic", 1, nil)
	defer d.Close()

	require.NoError(t, d.Submit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, d.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panic")
	}
}

func TestDispatcher_CloseDrainsAndRejects(t *testing.T) {
	d := New("close", 1, nil)

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		}))
	}
	d.Close()
	assert.Equal(t, int32(5), n.Load())
	assert.ErrorIs(t, d.Submit(func() {}), ErrClosed)
	d.Close()
}

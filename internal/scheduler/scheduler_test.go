package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func useFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	old := nowFn
	nowFn = c.now
	t.Cleanup(func() { nowFn = old })
	return c
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSchedule_ZeroDelayRunsOnNextTickNotInline(t *testing.T) {
	clk := useFakeClock(t)
	s := New(Config{Period: time.Second})
	s.lastBeat = clk.now()

	var ran atomic.Bool
	s.Schedule(0, func() { ran.Store(true) })
	require.False(t, ran.Load(), "zero delay must not run inline")
	require.Equal(t, 1, s.Pending())

	s.tick(clk.now())
	assert.True(t, ran.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestSchedule_DelayedCallbackFiresExactlyOnce(t *testing.T) {
	clk := useFakeClock(t)
	s := New(Config{Period: time.Second})
	s.lastBeat = clk.now()

	var calls atomic.Int32
	s.Schedule(250*time.Millisecond, func() { calls.Add(1) })

	s.tick(clk.advance(240 * time.Millisecond))
	require.Equal(t, int32(0), calls.Load())

	s.tick(clk.advance(10 * time.Millisecond))
	require.Equal(t, int32(1), calls.Load())

	s.tick(clk.advance(time.Second))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSchedule_CallbacksRunInQueueOrder(t *testing.T) {
	clk := useFakeClock(t)
	s := New(Config{Period: time.Second})
	s.lastBeat = clk.now()

	var order []int
	s.Schedule(0, func() { order = append(order, 1) })
	s.Schedule(100*time.Millisecond, func() { order = append(order, 3) })
	s.Schedule(0, func() { order = append(order, 2) })

	s.tick(clk.now())
	s.tick(clk.advance(100 * time.Millisecond))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestTick_PanickingCallbackDoesNotStopOthers(t *testing.T) {
	clk := useFakeClock(t)
	s := New(Config{Period: time.Second})
	s.lastBeat = clk.now()

	var ran atomic.Bool
	s.Schedule(0, func() { panic("boom") })
	s.Schedule(0, func() { ran.Store(true) })
	s.tick(clk.now())
	assert.True(t, ran.Load())
}

func TestTick_SignalsIterationOncePerPeriod(t *testing.T) {
	clk := useFakeClock(t)
	s := New(Config{Period: time.Second})
	s.lastBeat = clk.now()

	s.BeginIteration()
	wait := s.WaitForNextIteration()

	s.tick(clk.advance(990 * time.Millisecond))
	require.False(t, isClosed(wait))

	s.tick(clk.advance(10 * time.Millisecond))
	require.True(t, isClosed(wait))

	// BeginIteration clears the signal.
	s.BeginIteration()
	next := s.WaitForNextIteration()
	require.False(t, isClosed(next))

	s.tick(clk.advance(500 * time.Millisecond))
	require.False(t, isClosed(next))
	s.tick(clk.advance(500 * time.Millisecond))
	require.True(t, isClosed(next))
}

func TestBeginIteration_DetectsOverrun(t *testing.T) {
	clk := useFakeClock(t)

	var reported []time.Duration
	s := New(Config{Period: time.Second, OnOverrun: func(d time.Duration) { reported = append(reported, d) }})

	_, overrun := s.BeginIteration()
	require.False(t, overrun)

	clk.advance(1010 * time.Millisecond)
	elapsed, overrun := s.BeginIteration()
	require.False(t, overrun, "exactly one percent over is tolerated")
	require.Equal(t, 1010*time.Millisecond, elapsed)

	clk.advance(1011 * time.Millisecond)
	_, overrun = s.BeginIteration()
	require.True(t, overrun)

	assert.Equal(t, []time.Duration{1011 * time.Millisecond}, reported)
	assert.Equal(t, uint64(1), s.Overruns())
}

func TestStart_RunsHeartbeatAndCallbacks(t *testing.T) {
	s := New(Config{Period: 50 * time.Millisecond, Tick: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "second Start must fail")
	defer s.Close()

	fired := make(chan struct{})
	s.Schedule(0, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("callback did not fire")
	}

	s.BeginIteration()
	select {
	case <-s.WaitForNextIteration():
	case <-time.After(time.Second):
		t.Fatalf("iteration signal not raised")
	}
}

func TestClose_StopsLoopAndDropsPending(t *testing.T) {
	s := New(Config{Period: time.Second, Tick: 5 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	var ran atomic.Bool
	s.Schedule(time.Hour, func() { ran.Store(true) })
	s.Close()
	s.Close()

	assert.False(t, ran.Load())
	assert.Error(t, s.Start(context.Background()))
}

func TestSetPeriod_AppliesToNextHeartbeat(t *testing.T) {
	clk := useFakeClock(t)
	s := New(Config{Period: time.Second})
	s.lastBeat = clk.now()

	s.SetPeriod(2 * time.Second)
	s.SetPeriod(0)
	assert.Equal(t, 2*time.Second, s.Period())

	s.BeginIteration()
	wait := s.WaitForNextIteration()
	s.tick(clk.advance(1500 * time.Millisecond))
	require.False(t, isClosed(wait))
	s.tick(clk.advance(500 * time.Millisecond))
	require.True(t, isClosed(wait))
}

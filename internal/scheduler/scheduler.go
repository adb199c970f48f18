// Package scheduler runs the fixed-period control heartbeat and a queue of
// deferred one-shot callbacks on a single dedicated goroutine.
//
// Pin writes are funneled through Schedule so they are serialized on the
// scheduler goroutine instead of racing with the control loop.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

var nowFn = time.Now

// overrunFactor is how far past the period an iteration may run before it is
// reported.
const overrunFactor = 1.01

type Config struct {
	// Period is the control iteration length.
	Period time.Duration
	// Tick is how often the scheduler goroutine wakes. Defaults to 10ms.
	Tick time.Duration
	// OnOverrun, if set, is called from BeginIteration when an iteration
	// exceeded the period.
	OnOverrun func(elapsed time.Duration)
}

type pending struct {
	at    time.Time
	delay time.Duration
	fn    func()
}

func (p pending) due(now time.Time) bool {
	return p.delay <= 0 || !now.Before(p.at.Add(p.delay))
}

type Scheduler struct {
	cfg    Config
	period atomic.Int64

	started atomic.Bool
	closed  atomic.Bool

	mu    sync.Mutex
	queue []pending

	iterMu     sync.Mutex
	iterDone   chan struct{}
	iterClosed bool
	lastBegin  time.Time
	lastBeat   time.Time

	overruns atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	s := &Scheduler{
		cfg:      cfg,
		iterDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.period.Store(int64(cfg.Period))
	return s
}

func (s *Scheduler) Period() time.Duration { return time.Duration(s.period.Load()) }

// SetPeriod changes the iteration length from the next heartbeat on.
// Non-positive values are ignored.
func (s *Scheduler) SetPeriod(d time.Duration) {
	if d > 0 {
		s.period.Store(int64(d))
	}
}

// Start launches the scheduler goroutine. It can only be called once.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("scheduler: nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("scheduler: closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("scheduler: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.iterMu.Lock()
	s.lastBeat = nowFn()
	s.iterMu.Unlock()

	go func() {
		defer close(s.done)
		s.runLoop(runCtx)
	}()
	return nil
}

// Close stops the scheduler goroutine and waits for it. Callbacks that have
// not fired yet are dropped.
func (s *Scheduler) Close() {
	if s == nil {
		return
	}
	if s.closed.Swap(true) {
		return
	}
	if !s.started.Load() {
		return
	}
	s.cancel()
	<-s.done
}

// BeginIteration marks the start of a control cycle. It clears the
// iteration-complete signal and reports whether the time since the previous
// BeginIteration overran the period.
func (s *Scheduler) BeginIteration() (elapsed time.Duration, overrun bool) {
	now := nowFn()

	s.iterMu.Lock()
	prev := s.lastBegin
	s.lastBegin = now
	if s.iterClosed {
		s.iterDone = make(chan struct{})
		s.iterClosed = false
	}
	s.iterMu.Unlock()

	if prev.IsZero() {
		return 0, false
	}
	elapsed = now.Sub(prev)
	period := s.Period()
	limit := time.Duration(float64(period) * overrunFactor)
	if elapsed <= limit {
		return elapsed, false
	}
	s.overruns.Add(1)
	log.Printf("scheduler: iteration overrun elapsed=%s period=%s", elapsed, period)
	if s.cfg.OnOverrun != nil {
		s.cfg.OnOverrun(elapsed)
	}
	return elapsed, true
}

// Overruns returns how many iterations have overrun so far.
func (s *Scheduler) Overruns() uint64 { return s.overruns.Load() }

// WaitForNextIteration returns a channel that is closed when the current
// period has elapsed.
func (s *Scheduler) WaitForNextIteration() <-chan struct{} {
	s.iterMu.Lock()
	defer s.iterMu.Unlock()
	return s.iterDone
}

// Schedule queues fn to run once on the scheduler goroutine after delay.
// A zero delay runs on the next tick, never inline.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, pending{at: nowFn(), delay: delay, fn: fn})
	s.mu.Unlock()
}

// Pending returns the number of queued callbacks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(nowFn())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.iterMu.Lock()
	if now.Sub(s.lastBeat) >= s.Period() {
		if !s.iterClosed {
			close(s.iterDone)
			s.iterClosed = true
		}
		s.lastBeat = now
	}
	s.iterMu.Unlock()

	for _, fn := range s.takeDue(now) {
		s.run(fn)
	}
}

// takeDue removes and returns every due callback, preserving queue order.
func (s *Scheduler) takeDue(now time.Time) []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []func()
	keep := s.queue[:0]
	for _, p := range s.queue {
		if p.due(now) {
			due = append(due, p.fn)
			continue
		}
		keep = append(keep, p)
	}
	for i := len(keep); i < len(s.queue); i++ {
		s.queue[i] = pending{}
	}
	s.queue = keep
	return due
}

func (s *Scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: callback panic: %v", r)
		}
	}()
	fn()
}

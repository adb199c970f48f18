package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

const asyncWriteTimeout = 10 * time.Second

// closeGrace bounds how long Close waits for the queue to drain.
var closeGrace = 2 * time.Second

// Async puts a bounded queue and one worker goroutine in front of a slow
// sink. When the queue is full the record is dropped and counted; the
// control loop never waits on a network or disk.
type Async struct {
	name  string
	inner Sink
	queue chan Record

	// OnDrop, when set, is called for every dropped record.
	OnDrop func(name string)
	// OnError, when set, is called for every failed write.
	OnError func(name string, err error)

	dropped uint64
	written uint64
	failed  uint64

	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex
	done      chan struct{}

	// ctx is the parent of every write; cancelling it aborts the write in
	// flight and makes the worker drop whatever is still queued.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewAsync(name string, inner Sink, size int) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		name:  name,
		inner: inner,
		queue: make(chan Record, size),
		done:  make(chan struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	go a.run()
	return a
}

func (a *Async) Name() string { return a.name }

func (a *Async) run() {
	defer close(a.done)
	for r := range a.queue {
		if a.ctx.Err() != nil {
			a.drop()
			continue
		}
		ctx, cancel := context.WithTimeout(a.ctx, asyncWriteTimeout)
		err := a.inner.Write(ctx, r)
		cancel()
		if err != nil {
			atomic.AddUint64(&a.failed, 1)
			if a.OnError != nil {
				a.OnError(a.name, err)
			} else {
				log.Printf("telemetry %s: write failed: %v", a.name, err)
			}
			continue
		}
		atomic.AddUint64(&a.written, 1)
	}
}

// Write enqueues r without blocking.
func (a *Async) Write(_ context.Context, r Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return fmt.Errorf("telemetry %s: closed", a.name)
	}
	select {
	case a.queue <- r:
	default:
		a.drop()
	}
	return nil
}

func (a *Async) drop() {
	atomic.AddUint64(&a.dropped, 1)
	if a.OnDrop != nil {
		a.OnDrop(a.name)
	}
}

// Close drains queued records into the inner sink for up to closeGrace.
// After that the write in flight is cancelled and the rest of the queue is
// dropped. The inner sink is closed last.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.queue)
		a.mu.Unlock()

		t := time.NewTimer(closeGrace)
		select {
		case <-a.done:
		case <-t.C:
			log.Printf("telemetry %s: close: dropping %d queued records", a.name, len(a.queue))
			a.cancel()
			<-a.done
		}
		t.Stop()
		a.cancel()
		err = a.inner.Close()
	})
	return err
}

// CloseAll closes sinks concurrently, so the total wait is one grace period
// rather than one per sink.
func CloseAll(sinks []*Async) error {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		err error
	)
	for _, a := range sinks {
		wg.Add(1)
		go func(a *Async) {
			defer wg.Done()
			if cerr := a.Close(); cerr != nil {
				mu.Lock()
				err = multierr.Append(err, cerr)
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()
	return err
}

type AsyncStats struct {
	Name    string `json:"name"`
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Name:    a.name,
		Queued:  len(a.queue),
		Written: atomic.LoadUint64(&a.written),
		Failed:  atomic.LoadUint64(&a.failed),
		Dropped: atomic.LoadUint64(&a.dropped),
	}
}

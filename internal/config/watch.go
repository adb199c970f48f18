package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	billy "gopkg.in/src-d/go-billy.v4"
)

type fileStamp struct {
	exists  bool
	modTime time.Time
	size    int64
}

// Watcher polls the section files and reports any change. It never reads or
// parses configuration; the consumer reloads at its own pace.
type Watcher struct {
	fs       billy.Filesystem
	interval time.Duration

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	stamps   map[string]fileStamp
	lastErr  string
	lastSeen time.Time

	polls   uint64
	changes uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type WatcherSnapshot struct {
	Interval    string `json:"interval"`
	LastError   string `json:"last_error,omitempty"`
	LastSeenUTC string `json:"last_change_utc,omitempty"`
	Polls       uint64 `json:"polls"`
	Changes     uint64 `json:"changes"`
}

func NewWatcher(fs billy.Filesystem, interval time.Duration) (*Watcher, error) {
	if fs == nil {
		return nil, fmt.Errorf("config watcher fs is nil")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{fs: fs, interval: interval, done: make(chan struct{})}, nil
}

// Start records the current state of the section files and calls onChange
// from the watcher goroutine whenever any of them is created, modified or
// removed afterwards. onChange must not block.
func (w *Watcher) Start(ctx context.Context, onChange func()) error {
	if w.closed.Load() {
		return fmt.Errorf("config watcher is closed")
	}
	if onChange == nil {
		return fmt.Errorf("config watcher onChange is nil")
	}
	if w.started.Swap(true) {
		return fmt.Errorf("config watcher already started")
	}

	stamps := w.scan()
	w.mu.Lock()
	w.stamps = stamps
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if w.poll() {
					onChange()
				}
			}
		}
	}()
	return nil
}

func (w *Watcher) Close() {
	if w.closed.Swap(true) {
		return
	}
	if !w.started.Load() {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) scan() map[string]fileStamp {
	out := make(map[string]fileStamp, len(Sections))
	for _, sec := range Sections {
		name := sec.File()
		st, err := w.fs.Stat(name)
		if err != nil {
			if !os.IsNotExist(err) {
				w.mu.Lock()
				w.lastErr = err.Error()
				w.mu.Unlock()
			}
			out[name] = fileStamp{}
			continue
		}
		out[name] = fileStamp{exists: true, modTime: st.ModTime(), size: st.Size()}
	}
	return out
}

func (w *Watcher) poll() bool {
	atomic.AddUint64(&w.polls, 1)
	next := w.scan()

	w.mu.Lock()
	defer w.mu.Unlock()
	changed := false
	for name, st := range next {
		prev := w.stamps[name]
		if st.exists != prev.exists || st.size != prev.size || !st.modTime.Equal(prev.modTime) {
			changed = true
		}
	}
	w.stamps = next
	if changed {
		atomic.AddUint64(&w.changes, 1)
		w.lastSeen = time.Now().UTC()
	}
	return changed
}

func (w *Watcher) Snapshot() WatcherSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := WatcherSnapshot{
		Interval:  w.interval.String(),
		LastError: w.lastErr,
		Polls:     atomic.LoadUint64(&w.polls),
		Changes:   atomic.LoadUint64(&w.changes),
	}
	if !w.lastSeen.IsZero() {
		out.LastSeenUTC = w.lastSeen.Format(time.RFC3339Nano)
	}
	return out
}

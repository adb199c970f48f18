package web

import (
	"sync"

	"beerery/internal/controller"
)

// Broadcaster fans iteration results out to stream subscribers. It keeps the
// most recent one so a new subscriber gets a value immediately. Slow
// subscribers miss updates instead of holding up the control loop.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan controller.Iteration
	nextID   int
	last     controller.Iteration
	haveLast bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan controller.Iteration)}
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan controller.Iteration) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan controller.Iteration, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last, have := b.last, b.haveLast
	b.mu.Unlock()
	if have {
		ch <- last
	}
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish never blocks.
func (b *Broadcaster) Publish(it controller.Iteration) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = it
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- it:
		default:
		}
	}
}

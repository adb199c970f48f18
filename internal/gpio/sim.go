package gpio

import (
	"sort"
	"sync"
	"time"
)

// Transition records one level change on a simulated pin.
type Transition struct {
	Pin   int
	Level Level
	At    time.Time
}

// Sim is an in-memory Driver for running without hardware.
type Sim struct {
	mu      sync.Mutex
	levels  map[int]Level
	history []Transition
	closed  bool
}

var _ Driver = (*Sim)(nil)

func NewSim() *Sim {
	return &Sim{levels: make(map[int]Level)}
}

func (s *Sim) Setup(pin int) error {
	if err := validPin(pin); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.levels[pin]; ok {
		return ErrClaimed
	}
	s.levels[pin] = Low
	s.history = append(s.history, Transition{Pin: pin, Level: Low, At: time.Now()})
	return nil
}

func (s *Sim) Set(pin int, level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.levels[pin]; !ok {
		return ErrNotClaimed
	}
	s.levels[pin] = level
	s.history = append(s.history, Transition{Pin: pin, Level: level, At: time.Now()})
	return nil
}

func (s *Sim) Mode(pin int) PinMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.levels[pin]; ok {
		return Output
	}
	return Other
}

func (s *Sim) Release(pin int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.levels[pin]; !ok {
		return ErrNotClaimed
	}
	delete(s.levels, pin)
	s.history = append(s.history, Transition{Pin: pin, Level: Low, At: time.Now()})
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pin := range s.levels {
		s.history = append(s.history, Transition{Pin: pin, Level: Low, At: time.Now()})
	}
	s.levels = make(map[int]Level)
	s.closed = true
	return nil
}

// Level returns the current level of pin and whether it is claimed.
func (s *Sim) Level(pin int) (Level, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.levels[pin]
	return l, ok
}

// Claimed returns the claimed pins in ascending order.
func (s *Sim) Claimed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.levels))
	for pin := range s.levels {
		out = append(out, pin)
	}
	sort.Ints(out)
	return out
}

// History returns a copy of every recorded transition.
func (s *Sim) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

func (s *Sim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Package sampling wraps temperature sources with a last-known value and
// samples a set of them concurrently behind a completion barrier.
package sampling

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var nowFn = time.Now

// DateFormat is the second-resolution layout used for state timestamps.
const DateFormat = "2006-01-02 15:04:05"

// Source is a temperature sensor. Temperature may block (some hardware reads
// take up to about a second) and must be safe to call from any goroutine.
type Source interface {
	Temperature(ctx context.Context) (float64, error)
	Units() string
}

// Reading is the state record produced after every successful sample.
type Reading struct {
	Name           string  `json:"name"`
	Value          float64 `json:"value"`
	Units          string  `json:"units"`
	TimestampLocal string  `json:"date_servertime"`
	TimestampUTC   string  `json:"date_utc"`

	At time.Time `json:"-"`
}

func newReading(name string, value float64, units string, at time.Time) Reading {
	return Reading{
		Name:           name,
		Value:          value,
		Units:          units,
		TimestampLocal: at.Local().Format(DateFormat),
		TimestampUTC:   at.UTC().Format(DateFormat),
		At:             at,
	}
}

// Sampler owns one named Source.
type Sampler struct {
	name       string
	src        Source
	adjustment *float64

	mu     sync.Mutex
	last   float64
	lastAt time.Time
	lastOK bool
}

// NewSampler wraps src. adjustment, when non-nil, is added to every reading as
// a calibration offset.
func NewSampler(name string, src Source, adjustment *float64) *Sampler {
	s := &Sampler{name: name, src: src}
	if adjustment != nil {
		v := *adjustment
		s.adjustment = &v
	}
	return s
}

func (s *Sampler) Name() string { return s.name }

func (s *Sampler) Units() string {
	if s.src == nil {
		return ""
	}
	return s.src.Units()
}

// Source returns the wrapped source.
func (s *Sampler) Source() Source { return s.src }

// Calculate reads the source once. On failure the previous value is kept.
func (s *Sampler) Calculate(ctx context.Context) (Reading, error) {
	if s.src == nil {
		return Reading{}, fmt.Errorf("sampling: %s: no source", s.name)
	}
	v, err := s.src.Temperature(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("sampling: %s: %w", s.name, err)
	}
	if s.adjustment != nil {
		v += *s.adjustment
	}

	at := nowFn()
	s.mu.Lock()
	s.last = v
	s.lastAt = at
	s.lastOK = true
	s.mu.Unlock()

	return newReading(s.name, v, s.src.Units(), at), nil
}

// LastValue returns the most recent successfully sampled value (0 before the
// first success).
func (s *Sampler) LastValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// LastReading returns the most recent reading and whether one exists.
func (s *Sampler) LastReading() (Reading, bool) {
	s.mu.Lock()
	v, at, ok := s.last, s.lastAt, s.lastOK
	s.mu.Unlock()
	if !ok {
		return Reading{}, false
	}
	return newReading(s.name, v, s.Units(), at), true
}

// Close releases the source if it holds resources.
func (s *Sampler) Close() error {
	if c, ok := s.src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

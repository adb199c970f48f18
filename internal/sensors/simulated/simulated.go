// Package simulated provides a temperature source for running the controller
// without hardware. Readings wander smoothly around a base value.
package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/ojrac/opensimplex-go"
)

var nowFn = time.Now

type Config struct {
	Base      float64
	Amplitude float64
	// Period is roughly how long one swing takes.
	Period time.Duration
	Seed   int64
	Delay  time.Duration
}

type Source struct {
	cfg   Config
	start time.Time

	mu    sync.Mutex
	noise opensimplex.Noise
}

func New(cfg Config) *Source {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Minute
	}
	return &Source{
		cfg:   cfg,
		start: nowFn(),
		noise: opensimplex.NewNormalized(cfg.Seed),
	}
}

func (s *Source) Units() string { return "f" }

func (s *Source) Temperature(ctx context.Context) (float64, error) {
	if s.cfg.Delay > 0 {
		t := time.NewTimer(s.cfg.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return 0, err
	}

	x := nowFn().Sub(s.start).Seconds() / s.cfg.Period.Seconds()
	s.mu.Lock()
	n := s.noise.Eval2(x, float64(s.cfg.Seed))
	s.mu.Unlock()
	// Normalized noise is [0,1); center it.
	return s.cfg.Base + s.cfg.Amplitude*(2*n-1), nil
}

package sampling

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// CalculateAll samples every sampler concurrently and returns once all of
// them have reported, successfully or not. onDone, if set, is called once per
// sampler from that sampler's goroutine.
//
// A failing (or panicking) source never stops the others; its error is
// combined into the returned error and its last value is left untouched.
// Use multierr.Errors to split the result.
func CalculateAll(ctx context.Context, samplers []*Sampler, onDone func(*Sampler, Reading, error)) error {
	if len(samplers) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		remaining = len(samplers)
		errs      error
		done      = make(chan struct{})
	)

	complete := func(s *Sampler, r Reading, err error) {
		if onDone != nil {
			onDone(s, r, err)
		}
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		remaining--
		if remaining == 0 {
			close(done)
		}
	}

	for _, s := range samplers {
		go func(s *Sampler) {
			var (
				r   Reading
				err error
			)
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("sampling: %s: panic: %v", s.name, p)
				}
				complete(s, r, err)
			}()
			r, err = s.Calculate(ctx)
		}(s)
	}

	<-done

	mu.Lock()
	defer mu.Unlock()
	return errs
}

// Package program steps PID set points through a schedule. Programs only
// rewrite outputs.yaml; the controller picks the change up on its next
// reload, so a program never touches a pin.
package program

import (
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"beerery/internal/config"
	"beerery/internal/sampling"
)

// Mutator edits the outputs section.
type Mutator interface {
	UpdateOutputs(fn func(outputs []config.OutputConfig) (bool, error)) error
}

// State is the record kept per program.
type State struct {
	Name     string   `json:"name"`
	Output   string   `json:"output"`
	Step     int      `json:"step"`
	Steps    int      `json:"steps"`
	Loop     bool     `json:"loop"`
	Finished bool     `json:"finished"`
	SetPoint *float64 `json:"set_point,omitempty"`

	StepStartedUTC string `json:"step_started_utc,omitempty"`
	StepEndsUTC    string `json:"step_ends_utc,omitempty"`
	TimestampLocal string `json:"date_servertime"`
	TimestampUTC   string `json:"date_utc"`

	At time.Time `json:"-"`
}

type running struct {
	cfg      config.ProgramConfig
	step     int
	started  time.Time
	applied  bool
	finished bool
}

// Runner tracks the active programs. Sync and Tick are called from the
// control goroutine; Snapshot may be called from anywhere.
type Runner struct {
	store Mutator

	// OnStep, if set, is called whenever a program enters a step, and with
	// -1 when it finishes.
	OnStep func(name string, step int)

	mu    sync.Mutex
	progs map[string]*running
	last  []State
}

func NewRunner(store Mutator) *Runner {
	return &Runner{store: store, progs: make(map[string]*running)}
}

// Sync makes the active set match cfgs. A program whose configuration is
// unchanged keeps its progress; a changed one restarts from its first step.
func (r *Runner) Sync(cfgs []config.ProgramConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]config.ProgramConfig)
	for _, c := range cfgs {
		if c.Active {
			want[c.Name] = c
		}
	}
	for name, p := range r.progs {
		c, ok := want[name]
		if !ok || !reflect.DeepEqual(c, p.cfg) {
			delete(r.progs, name)
			log.Printf("program %s: stopped", name)
		}
	}
	for name, c := range want {
		if _, ok := r.progs[name]; ok {
			continue
		}
		r.progs[name] = &running{cfg: c}
		log.Printf("program %s: started output=%s steps=%d loop=%t", name, c.Output, len(c.Steps), c.Loop)
	}
}

// Tick advances every program to now and writes the set point of any step
// that has not been applied yet. changed reports whether outputs.yaml was
// rewritten. A failed write is retried on the next Tick.
func (r *Runner) Tick(now time.Time) (states []State, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.progs))
	for name := range r.progs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := r.progs[name]
		r.advance(p, now)
		if !p.finished && !p.applied {
			wrote, werr := r.apply(p)
			if werr != nil {
				err = multierr.Append(err, fmt.Errorf("program %s: %w", name, werr))
			} else {
				p.applied = true
				changed = changed || wrote
			}
		}
		states = append(states, p.state(now))
	}
	r.last = states
	return states, changed, err
}

func (r *Runner) advance(p *running, now time.Time) {
	if p.finished {
		return
	}
	if p.started.IsZero() {
		p.started = now
		r.enter(p)
		return
	}
	for {
		hold := p.cfg.Steps[p.step].Hold
		if now.Before(p.started.Add(hold)) {
			return
		}
		p.started = p.started.Add(hold)
		p.step++
		p.applied = false
		if p.step == len(p.cfg.Steps) {
			if !p.cfg.Loop {
				p.finished = true
				log.Printf("program %s: finished", p.cfg.Name)
				if r.OnStep != nil {
					r.OnStep(p.cfg.Name, -1)
				}
				return
			}
			p.step = 0
		}
		r.enter(p)
	}
}

func (r *Runner) enter(p *running) {
	log.Printf("program %s: step=%d set_point=%.2f hold=%s", p.cfg.Name, p.step, p.cfg.Steps[p.step].SetPoint, p.cfg.Steps[p.step].Hold)
	if r.OnStep != nil {
		r.OnStep(p.cfg.Name, p.step)
	}
}

func (r *Runner) apply(p *running) (bool, error) {
	sp := p.cfg.Steps[p.step].SetPoint
	wrote := false
	err := r.store.UpdateOutputs(func(outputs []config.OutputConfig) (bool, error) {
		for i := range outputs {
			if outputs[i].Name != p.cfg.Output {
				continue
			}
			if outputs[i].Type.Controller != config.ControllerPID {
				return false, fmt.Errorf("output %q is not a PID output", p.cfg.Output)
			}
			if outputs[i].Type.Config.SetPoint == sp {
				return false, nil
			}
			outputs[i].Type.Config.SetPoint = sp
			wrote = true
			return true, nil
		}
		return false, fmt.Errorf("output %q: %w", p.cfg.Output, config.ErrNotFound)
	})
	return wrote, err
}

func (p *running) state(now time.Time) State {
	st := State{
		Name:           p.cfg.Name,
		Output:         p.cfg.Output,
		Step:           p.step,
		Steps:          len(p.cfg.Steps),
		Loop:           p.cfg.Loop,
		Finished:       p.finished,
		TimestampLocal: now.Local().Format(sampling.DateFormat),
		TimestampUTC:   now.UTC().Format(sampling.DateFormat),
		At:             now,
	}
	if p.finished {
		st.Step = -1
		return st
	}
	sp := p.cfg.Steps[p.step].SetPoint
	st.SetPoint = &sp
	st.StepStartedUTC = p.started.UTC().Format(time.RFC3339)
	st.StepEndsUTC = p.started.Add(p.cfg.Steps[p.step].Hold).UTC().Format(time.RFC3339)
	return st
}

// Snapshot returns the states produced by the last Tick.
func (r *Runner) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.last...)
}

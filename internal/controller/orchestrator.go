// Package controller runs the control loop: it keeps the live set of inputs
// and outputs in step with the configuration store, samples every input,
// drives every output and publishes the results.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asecurityteam/rolling"
	"go.uber.org/multierr"

	"beerery/internal/config"
	"beerery/internal/control"
	"beerery/internal/metrics"
	"beerery/internal/output"
	"beerery/internal/program"
	"beerery/internal/sampling"
	"beerery/internal/scheduler"
	"beerery/internal/telemetry"
)

var nowFn = time.Now

var (
	openLogsFn  = telemetry.FromConfig
	closeLogsFn = telemetry.CloseAll
)

// statsWindow is how many iterations the rolling timing statistics cover.
const statsWindow = 60

// ErrNoConfig is returned by Iterate before a configuration was ever applied.
var ErrNoConfig = errors.New("controller: no configuration loaded")

// ConfigState tracks whether the live set matches the store.
type ConfigState int32

const (
	ConfigStale ConfigState = iota
	ConfigLoading
	ConfigCurrent
)

func (s ConfigState) String() string {
	switch s {
	case ConfigStale:
		return "stale"
	case ConfigLoading:
		return "loading"
	case ConfigCurrent:
		return "current"
	}
	return fmt.Sprintf("ConfigState(%d)", int32(s))
}

// Loader supplies validated configuration snapshots.
type Loader interface {
	Load() (config.Config, error)
}

// Iteration is what one control cycle produced.
type Iteration struct {
	Number   uint64             `json:"number"`
	Inputs   []sampling.Reading `json:"inputs"`
	Outputs  []output.State     `json:"outputs"`
	Programs []program.State    `json:"programs,omitempty"`
}

type Options struct {
	Store   Loader
	Pins    output.Pins
	Sources SourceBuilder

	// State receives every record synchronously; it keeps the latest
	// document per input, output and program. Optional.
	State telemetry.Sink
	// RunID is stamped on every record.
	RunID string

	Metrics  *metrics.Metrics
	Programs *program.Runner

	// OnIteration, if set, is called on the control goroutine after every
	// iteration. It must not block.
	OnIteration func(Iteration)

	// Tick overrides the scheduler tick.
	Tick time.Duration
}

type InputStatus struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Reading   *sampling.Reading `json:"reading,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

type OutputStatus struct {
	Name      string        `json:"name"`
	Input     string        `json:"input"`
	Pin       int           `json:"pin"`
	Mode      output.Mode   `json:"mode"`
	Kind      output.Kind   `json:"controller"`
	Connected bool          `json:"connected"`
	State     *output.State `json:"state,omitempty"`
}

type Snapshot struct {
	RunID         string `json:"run_id"`
	ConfigState   string `json:"config_state"`
	LastError     string `json:"last_error,omitempty"`
	LastReloadUTC string `json:"last_reload_utc,omitempty"`
	SampleTime    string `json:"sample_time"`

	Iterations      uint64  `json:"iterations"`
	Overruns        uint64  `json:"overruns"`
	IterationMeanMs float64 `json:"iteration_mean_ms"`
	IterationMaxMs  float64 `json:"iteration_max_ms"`
	PendingActions  int     `json:"pending_actions"`

	Inputs   []InputStatus          `json:"inputs"`
	Outputs  []OutputStatus         `json:"outputs"`
	Programs []program.State        `json:"programs,omitempty"`
	Sinks    []telemetry.AsyncStats `json:"sinks,omitempty"`
}

// Orchestrator owns the live inputs and outputs. Reload, Iterate and Run
// belong to one control goroutine; Invalidate and Snapshot may be called
// from anywhere.
type Orchestrator struct {
	opts  Options
	sched *scheduler.Scheduler
	state atomic.Int32

	// Control goroutine only.
	cfg        config.Config
	loaded     bool
	samplers   []*sampling.Sampler
	inputs     map[string]*sampling.Sampler
	inputTypes map[string]string
	outputs    map[string]*output.Actuator
	logs       []*telemetry.Async
	logCfg     []config.LogConfig
	iterations uint64
	iterMs     *rolling.PointPolicy

	errMu     sync.Mutex
	inputErrs map[string]string

	mu   sync.RWMutex
	snap Snapshot
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("controller: store is nil")
	}
	if opts.Pins == nil {
		return nil, fmt.Errorf("controller: pins is nil")
	}
	if opts.Sources == nil {
		return nil, fmt.Errorf("controller: sources is nil")
	}
	o := &Orchestrator{
		opts:       opts,
		sched:      scheduler.New(scheduler.Config{Tick: opts.Tick}),
		inputs:     make(map[string]*sampling.Sampler),
		inputTypes: make(map[string]string),
		outputs:    make(map[string]*output.Actuator),
		iterMs:     rolling.NewPointPolicy(rolling.NewWindow(statsWindow)),
		inputErrs:  make(map[string]string),
	}
	o.state.Store(int32(ConfigStale))
	o.snap.RunID = opts.RunID
	return o, nil
}

func (o *Orchestrator) State() ConfigState { return ConfigState(o.state.Load()) }

// Invalidate marks the configuration stale; the next iteration reloads it.
// An invalidation that lands during a reload is kept, so that reload is
// followed by another.
func (o *Orchestrator) Invalidate() {
	o.state.Store(int32(ConfigStale))
}

// Reload applies the store's configuration if it is stale. A configuration
// that fails to load or validate, or that names an unknown input or
// controller type, leaves the live set untouched. Pin and log failures do
// not stop the rest of the configuration from applying; they are returned
// combined.
func (o *Orchestrator) Reload() error {
	if !o.state.CompareAndSwap(int32(ConfigStale), int32(ConfigLoading)) {
		return nil
	}
	err := o.reload()
	o.state.CompareAndSwap(int32(ConfigLoading), int32(ConfigCurrent))

	o.opts.Metrics.Reload(err)
	o.mu.Lock()
	o.snap.LastReloadUTC = nowFn().UTC().Format(time.RFC3339)
	if err != nil {
		o.snap.LastError = err.Error()
	} else {
		o.snap.LastError = ""
	}
	o.mu.Unlock()
	if err != nil {
		log.Printf("controller: reload: %v", err)
	} else {
		log.Printf("controller: reload ok inputs=%d outputs=%d sample_time=%s", len(o.samplers), len(o.outputs), o.cfg.Controller.SampleTime)
	}
	return err
}

type outputPlan struct {
	fresh   map[string]*output.Actuator
	update  map[string]output.Config
	remove  []string
	repin   []string
	desired []string
}

func (o *Orchestrator) reload() error {
	cfg, err := o.opts.Store.Load()
	if err != nil {
		return fmt.Errorf("controller: load config: %w", err)
	}

	plan, err := o.planOutputs(cfg)
	if err != nil {
		return err
	}
	samplers, err := o.buildInputs(cfg)
	if err != nil {
		return err
	}

	// Nothing below can abort the pass.
	var errs error

	old := o.samplers
	o.samplers = samplers
	o.inputs = make(map[string]*sampling.Sampler, len(samplers))
	o.inputTypes = make(map[string]string, len(samplers))
	for _, in := range cfg.ActiveInputs() {
		o.inputTypes[in.Name] = in.Type
	}
	for _, s := range samplers {
		o.inputs[s.Name()] = s
	}
	for _, s := range old {
		if cerr := s.Close(); cerr != nil {
			log.Printf("controller: close input %s: %v", s.Name(), cerr)
		}
	}
	o.errMu.Lock()
	for name := range o.inputErrs {
		if _, ok := o.inputs[name]; !ok {
			delete(o.inputErrs, name)
		}
	}
	o.errMu.Unlock()

	// Free pins before anything claims one, so a pin can move between
	// outputs in a single pass.
	for _, name := range plan.remove {
		a := o.outputs[name]
		delete(o.outputs, name)
		if rerr := a.Release(); rerr != nil {
			errs = multierr.Append(errs, rerr)
		}
		o.opts.Metrics.ForgetOutput(name)
		log.Printf("controller: output %s removed", name)
	}
	for _, name := range plan.repin {
		if derr := o.outputs[name].Disconnect(); derr != nil {
			errs = multierr.Append(errs, derr)
		}
	}
	for name, oc := range plan.update {
		if uerr := o.outputs[name].Update(oc); uerr != nil {
			errs = multierr.Append(errs, uerr)
		}
	}
	for name, a := range plan.fresh {
		o.outputs[name] = a
		log.Printf("controller: output %s added pin=%d controller=%s", name, a.Config().Pin, a.Config().Kind)
	}
	for _, name := range plan.desired {
		a, ok := o.outputs[name]
		if !ok || a.Connected() {
			continue
		}
		if cerr := a.Connect(); cerr != nil {
			// Left out of the live set until a later reload succeeds.
			delete(o.outputs, name)
			errs = multierr.Append(errs, cerr)
			o.opts.Metrics.OutputConnected(name, false)
			continue
		}
		o.opts.Metrics.OutputConnected(name, true)
	}

	errs = multierr.Append(errs, o.syncLogs(cfg))

	if o.opts.Programs != nil {
		o.opts.Programs.Sync(cfg.Programs)
	}
	o.sched.SetPeriod(cfg.Controller.SampleTime)

	o.cfg = cfg
	o.loaded = true
	return errs
}

// planOutputs works out the output changes without touching anything live.
// Every new controller is built here so a bad output aborts the pass.
func (o *Orchestrator) planOutputs(cfg config.Config) (outputPlan, error) {
	plan := outputPlan{
		fresh:  make(map[string]*output.Actuator),
		update: make(map[string]output.Config),
	}
	want := make(map[string]output.Config)
	for _, oc := range cfg.ActiveOutputs() {
		c, err := actuatorConfig(oc, cfg.Controller.SampleTime)
		if err != nil {
			return outputPlan{}, err
		}
		want[oc.Name] = c
		plan.desired = append(plan.desired, oc.Name)
	}
	sort.Strings(plan.desired)

	for name, a := range o.outputs {
		c, ok := want[name]
		if !ok || c.Kind != a.Config().Kind {
			plan.remove = append(plan.remove, name)
		}
	}
	sort.Strings(plan.remove)
	removed := make(map[string]bool, len(plan.remove))
	for _, name := range plan.remove {
		removed[name] = true
	}

	for _, name := range plan.desired {
		c := want[name]
		if a, ok := o.outputs[name]; ok && !removed[name] {
			if a.Config().Pin != c.Pin {
				plan.repin = append(plan.repin, name)
			}
			plan.update[name] = c
			continue
		}
		a, err := output.New(c, o.opts.Pins)
		if err != nil {
			return outputPlan{}, err
		}
		plan.fresh[name] = a
	}
	return plan, nil
}

// buildInputs builds every active input. On failure the sources built so far
// are closed.
func (o *Orchestrator) buildInputs(cfg config.Config) ([]*sampling.Sampler, error) {
	var out []*sampling.Sampler
	for _, in := range cfg.ActiveInputs() {
		src, err := o.opts.Sources.Build(cfg.Controller, in)
		if err != nil {
			for _, s := range out {
				err = multierr.Append(err, s.Close())
			}
			return nil, fmt.Errorf("controller: input %s: %w", in.Name, err)
		}
		out = append(out, sampling.NewSampler(in.Name, src, in.Adjustment))
	}
	return out, nil
}

func (o *Orchestrator) syncLogs(cfg config.Config) error {
	var want []config.LogConfig
	if cfg.Controller.LoggingEnabled {
		want = cfg.Logs
	}
	if o.loaded && reflect.DeepEqual(want, o.logCfg) {
		return nil
	}
	next, err := openLogsFn(want, telemetry.Hooks{
		OnDrop: o.opts.Metrics.TelemetryDrop,
		OnError: func(name string, _ error) {
			o.opts.Metrics.TelemetryError(name)
		},
	})
	if err != nil {
		return fmt.Errorf("controller: logs: %w", err)
	}
	old := o.logs
	o.logs = next
	o.logCfg = want
	log.Printf("controller: logs=%d", len(next))
	if len(old) > 0 {
		// Old sinks may still be draining into a dead broker; never on the
		// control goroutine.
		go func() {
			if err := closeLogsFn(old); err != nil {
				log.Printf("controller: close logs: %v", err)
			}
		}()
	}
	return nil
}

func actuatorConfig(oc config.OutputConfig, sampleTime time.Duration) (output.Config, error) {
	mode, err := output.ParseMode(oc.Mode)
	if err != nil {
		return output.Config{}, fmt.Errorf("controller: outputs[%s]: %w", oc.Name, err)
	}
	kind, err := output.ParseKind(oc.Type.Controller)
	if err != nil {
		return output.Config{}, fmt.Errorf("controller: outputs[%s]: %w", oc.Name, err)
	}
	c := output.Config{
		Name:  oc.Name,
		Pin:   oc.Pin,
		Mode:  mode,
		Input: oc.Input,
		Kind:  kind,
		On:    oc.Type.Config.On,
	}
	if kind == output.KindPID {
		pidMode := control.Auto
		if oc.Type.Config.Mode != "" {
			if pidMode, err = control.ParseMode(oc.Type.Config.Mode); err != nil {
				return output.Config{}, fmt.Errorf("controller: outputs[%s]: %w", oc.Name, err)
			}
		}
		c.PID = control.PIDConfig{
			SetPoint:     oc.Type.Config.SetPoint,
			Kp:           oc.Type.Config.Kp,
			Ki:           oc.Type.Config.Ki,
			Kd:           oc.Type.Config.Kd,
			SampleTime:   sampleTime,
			Mode:         pidMode,
			ManualOutput: oc.Type.Config.Output,
		}
	}
	return c, nil
}

// Iterate runs one control cycle: reload if stale, sample every input, then
// drive every output from its bound input.
func (o *Orchestrator) Iterate(ctx context.Context) error {
	elapsed, overrun := o.sched.BeginIteration()
	o.opts.Metrics.Iteration(elapsed, overrun)

	if o.State() == ConfigStale {
		// Errors are recorded in the snapshot; the previous set keeps running.
		_ = o.Reload()
	}
	if !o.loaded {
		return ErrNoConfig
	}
	o.iterations++
	it := Iteration{Number: o.iterations}

	var mu sync.Mutex
	sampleErr := sampling.CalculateAll(ctx, o.samplers, func(s *sampling.Sampler, r sampling.Reading, err error) {
		o.errMu.Lock()
		if err != nil {
			o.inputErrs[s.Name()] = err.Error()
		} else {
			delete(o.inputErrs, s.Name())
		}
		o.errMu.Unlock()
		if err != nil {
			o.opts.Metrics.SensorFailure(s.Name())
			return
		}
		mu.Lock()
		it.Inputs = append(it.Inputs, r)
		mu.Unlock()
	})
	for _, err := range multierr.Errors(sampleErr) {
		log.Printf("controller: %v", err)
	}
	sort.Slice(it.Inputs, func(i, j int) bool { return it.Inputs[i].Name < it.Inputs[j].Name })
	for _, r := range it.Inputs {
		o.opts.Metrics.InputValue(r.Name, r.Units, r.Value)
		o.publish(ctx, func() (telemetry.Record, error) { return telemetry.InputRecord(o.opts.RunID, r) })
	}

	period := o.sched.Period()
	for _, name := range o.outputNames() {
		a := o.outputs[name]
		in, ok := o.inputs[a.Config().Input]
		if !ok {
			continue
		}
		// An input that has never produced a value gives the controller
		// nothing to act on.
		r, ok := in.LastReading()
		if !ok {
			continue
		}
		st := a.Calculate(r.Value, r.Name, period, o.sched)
		if st.OutputValue != nil {
			o.opts.Metrics.OutputDuty(name, *st.OutputValue)
		}
		it.Outputs = append(it.Outputs, st)
		o.publish(ctx, func() (telemetry.Record, error) { return telemetry.OutputRecord(o.opts.RunID, st) })
	}

	if o.opts.Programs != nil {
		states, changed, err := o.opts.Programs.Tick(nowFn())
		if err != nil {
			log.Printf("controller: %v", err)
		}
		for _, ps := range states {
			o.publish(ctx, func() (telemetry.Record, error) {
				return telemetry.ProgramRecord(o.opts.RunID, ps.Name, ps.At, ps)
			})
		}
		it.Programs = states
		if changed {
			o.Invalidate()
		}
	}

	if elapsed > 0 {
		o.iterMs.Append(float64(elapsed) / float64(time.Millisecond))
	}
	o.updateSnapshot(it)

	if o.opts.OnIteration != nil {
		o.opts.OnIteration(it)
	}
	return nil
}

func (o *Orchestrator) outputNames() []string {
	names := make([]string, 0, len(o.outputs))
	for name := range o.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) publish(ctx context.Context, build func() (telemetry.Record, error)) {
	rec, err := build()
	if err != nil {
		log.Printf("controller: %v", err)
		return
	}
	if o.opts.State != nil {
		if err := o.opts.State.Write(ctx, rec); err != nil {
			log.Printf("controller: state %s %s: %v", rec.Kind, rec.Name, err)
		}
	}
	for _, l := range o.logs {
		// Async sinks only fail once closed.
		_ = l.Write(ctx, rec)
	}
}

// Run drives iterations at the configured sample time until ctx is done.
// Every pin is driven low and released on return, whatever the cause.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if err := o.sched.Start(ctx); err != nil {
		return err
	}
	defer o.sched.Close()
	defer func() {
		if serr := o.shutdown(); serr != nil {
			log.Printf("controller: shutdown: %v", serr)
			err = multierr.Append(err, serr)
		}
	}()

	if rerr := o.Reload(); rerr != nil && !o.loaded {
		return rerr
	}

	for {
		if ierr := o.Iterate(ctx); ierr != nil {
			log.Printf("controller: iterate: %v", ierr)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-o.sched.WaitForNextIteration():
		}
	}
}

func (o *Orchestrator) shutdown() error {
	var err error
	for _, name := range o.outputNames() {
		err = multierr.Append(err, o.outputs[name].Release())
		o.opts.Metrics.OutputConnected(name, false)
	}
	for _, s := range o.samplers {
		err = multierr.Append(err, s.Close())
	}
	err = multierr.Append(err, closeLogsFn(o.logs))
	o.logs = nil
	log.Printf("controller: stopped outputs=%d", len(o.outputs))
	return err
}

func (o *Orchestrator) updateSnapshot(it Iteration) {
	inputs := make([]InputStatus, 0, len(o.samplers))
	o.errMu.Lock()
	for _, s := range o.samplers {
		st := InputStatus{Name: s.Name(), Type: o.inputTypes[s.Name()], LastError: o.inputErrs[s.Name()]}
		if r, ok := s.LastReading(); ok {
			st.Reading = &r
		}
		inputs = append(inputs, st)
	}
	o.errMu.Unlock()
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Name < inputs[j].Name })

	outputs := make([]OutputStatus, 0, len(o.outputs))
	for _, name := range o.outputNames() {
		a := o.outputs[name]
		c := a.Config()
		st := OutputStatus{Name: name, Input: c.Input, Pin: c.Pin, Mode: c.Mode, Kind: c.Kind, Connected: a.Connected()}
		if last, ok := a.LastState(); ok {
			st.State = &last
		}
		outputs = append(outputs, st)
	}

	sinks := make([]telemetry.AsyncStats, 0, len(o.logs))
	for _, l := range o.logs {
		sinks = append(sinks, l.Stats())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap.SampleTime = o.cfg.Controller.SampleTime.String()
	o.snap.Iterations = it.Number
	o.snap.Overruns = o.sched.Overruns()
	o.snap.IterationMeanMs = o.iterMs.Reduce(rolling.Avg)
	o.snap.IterationMaxMs = o.iterMs.Reduce(rolling.Max)
	o.snap.Inputs = inputs
	o.snap.Outputs = outputs
	o.snap.Programs = it.Programs
	o.snap.Sinks = sinks
}

// Snapshot returns the state as of the last completed iteration.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	out := o.snap
	o.mu.RUnlock()
	out.ConfigState = o.State().String()
	out.PendingActions = o.sched.Pending()
	return out
}

// Input returns the status of one input by name.
func (o *Orchestrator) Input(name string) (InputStatus, bool) {
	for _, in := range o.Snapshot().Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputStatus{}, false
}

// Output returns the status of one output by name.
func (o *Orchestrator) Output(name string) (OutputStatus, bool) {
	for _, out := range o.Snapshot().Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return OutputStatus{}, false
}

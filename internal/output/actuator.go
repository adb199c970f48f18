// Package output turns a controller's duty-cycle output into pin transitions
// using time-proportional control.
package output

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"beerery/internal/control"
	"beerery/internal/gpio"
	"beerery/internal/sampling"
)

var nowFn = time.Now

var (
	ErrUnknownKind = errors.New("output: unknown controller type")
	ErrKindChanged = errors.New("output: controller type changed")
	ErrConnected   = errors.New("output: pin change while connected")
)

// Mode selects how the duty cycle is realized on the pin.
type Mode string

const (
	// TPC is time-proportional control: high for output% of each period.
	TPC Mode = "TPC"
	// PWM is accepted in configuration but deliberately does nothing.
	PWM Mode = "PWM"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case TPC, PWM:
		return Mode(s), nil
	}
	return "", fmt.Errorf("output: unknown mode %q", s)
}

// Kind is the controller type bound to an output.
type Kind string

const (
	KindPID    Kind = "PID"
	KindManual Kind = "manual"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPID, KindManual:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// Scheduler defers pin actions onto the scheduler goroutine.
type Scheduler interface {
	Schedule(delay time.Duration, fn func())
}

// Pins is the subset of gpio.Driver an actuator needs.
type Pins interface {
	Setup(pin int) error
	Set(pin int, level gpio.Level) error
	Mode(pin int) gpio.PinMode
	Release(pin int) error
}

type Config struct {
	Name  string
	Pin   int
	Mode  Mode
	Input string
	Kind  Kind

	// PID is used when Kind is KindPID.
	PID control.PIDConfig
	// On is used when Kind is KindManual.
	On bool
}

// State is the record produced after every Calculate.
type State struct {
	Name           string   `json:"name"`
	Mode           Mode     `json:"mode"`
	Controller     Kind     `json:"controller"`
	ControllerMode string   `json:"controller_mode"`
	Pin            int      `json:"pin"`
	OutputValue    *float64 `json:"output_value"`
	InputValue     float64  `json:"input_value"`
	InputName      string   `json:"input_name"`
	SetPoint       *float64 `json:"set_point,omitempty"`
	Computed       bool     `json:"computed"`
	TimestampLocal string   `json:"date_servertime"`
	TimestampUTC   string   `json:"date_utc"`

	At time.Time `json:"-"`
}

// Actuator owns one controller and, while connected, one pin.
type Actuator struct {
	pins Pins

	mu        sync.Mutex
	cfg       Config
	ctrl      control.Algorithm
	connected bool
	last      State
	haveLast  bool
}

// New builds the controller for cfg. The pin is not claimed until Connect.
func New(cfg Config, pins Pins) (*Actuator, error) {
	if pins == nil {
		return nil, fmt.Errorf("output: %s: pins is nil", cfg.Name)
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, fmt.Errorf("output: %s: %w", cfg.Name, err)
	}
	ctrl, err := newAlgorithm(cfg)
	if err != nil {
		return nil, err
	}
	return &Actuator{pins: pins, cfg: cfg, ctrl: ctrl}, nil
}

func newAlgorithm(cfg Config) (control.Algorithm, error) {
	switch cfg.Kind {
	case KindPID:
		p := control.NewPID(cfg.PID)
		// Duty cycle is a percentage for both TPC and PWM.
		if err := p.SetOutputLimits(0, 100); err != nil {
			return nil, err
		}
		return p, nil
	case KindManual:
		return control.NewManualSwitch(cfg.On), nil
	}
	return nil, fmt.Errorf("output: %s: %w %q", cfg.Name, ErrUnknownKind, cfg.Kind)
}

func (a *Actuator) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Name
}

func (a *Actuator) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Controller exposes the bound algorithm. Callers must not use it
// concurrently with Calculate.
func (a *Actuator) Controller() control.Algorithm {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctrl
}

func (a *Actuator) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect claims the pin, driven low.
func (a *Actuator) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if err := a.pins.Setup(a.cfg.Pin); err != nil {
		return fmt.Errorf("output: %s: pin %d: %w", a.cfg.Name, a.cfg.Pin, err)
	}
	a.connected = true
	return nil
}

// Disconnect drives the pin low and gives it back. Pending pin actions
// scheduled before the call become no-ops.
func (a *Actuator) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnectLocked()
}

func (a *Actuator) disconnectLocked() error {
	if !a.connected {
		return nil
	}
	a.connected = false
	errSet := a.pins.Set(a.cfg.Pin, gpio.Low)
	errRel := a.pins.Release(a.cfg.Pin)
	if errSet != nil {
		return fmt.Errorf("output: %s: pin %d low: %w", a.cfg.Name, a.cfg.Pin, errSet)
	}
	if errRel != nil {
		return fmt.Errorf("output: %s: pin %d release: %w", a.cfg.Name, a.cfg.Pin, errRel)
	}
	return nil
}

// Release is Disconnect for an actuator that is being removed.
func (a *Actuator) Release() error { return a.Disconnect() }

// Update applies cfg in place, keeping live controller state. The controller
// type must not change, and a pin change requires a prior Disconnect.
func (a *Actuator) Update(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cfg.Kind != a.cfg.Kind {
		return fmt.Errorf("output: %s: %w (%s -> %s)", a.cfg.Name, ErrKindChanged, a.cfg.Kind, cfg.Kind)
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return fmt.Errorf("output: %s: %w", cfg.Name, err)
	}
	if cfg.Pin != a.cfg.Pin && a.connected {
		return fmt.Errorf("output: %s: %w", a.cfg.Name, ErrConnected)
	}

	switch c := a.ctrl.(type) {
	case *control.PID:
		c.SetSampleTime(cfg.PID.SampleTime)
		c.SetTunings(cfg.PID.Kp, cfg.PID.Ki, cfg.PID.Kd)
		c.SetSetPoint(cfg.PID.SetPoint)
		if cfg.PID.Mode == control.Manual {
			c.SetMode(control.Manual)
			c.SetOutput(cfg.PID.ManualOutput)
		} else {
			c.SetMode(control.Auto)
		}
	case *control.ManualSwitch:
		c.SetOn(cfg.On)
	}
	a.cfg = cfg
	return nil
}

// Calculate feeds the input into the controller and, when it produced an
// output, schedules this period's pin transitions. A State is returned even
// when no pin action was taken.
func (a *Actuator) Calculate(inputValue float64, inputName string, period time.Duration, sched Scheduler) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctrl.SetInput(inputValue)
	err := a.ctrl.Compute()
	out, ok := a.ctrl.Output()
	computed := err == nil && ok
	if err != nil && !errors.Is(err, control.ErrNotDue) {
		log.Printf("output %s: compute failed: %v", a.cfg.Name, err)
	}

	if computed && a.connected {
		switch a.cfg.Mode {
		case TPC:
			a.scheduleTPC(out, period, sched)
		case PWM:
			// Not implemented; time-proportional control covers the slow
			// thermal loads this drives.
		}
	}

	st := a.stateLocked(inputName, computed)
	a.last = st
	a.haveLast = true
	return st
}

func (a *Actuator) scheduleTPC(out float64, period time.Duration, sched Scheduler) {
	pin := a.cfg.Pin
	if out != 0 {
		sched.Schedule(0, func() { a.drive(pin, gpio.High) })
	}
	// At 100% the pin stays high across periods instead of chattering.
	if out != 100 {
		delay := time.Duration(out / 100 * float64(period))
		sched.Schedule(delay, func() { a.drive(pin, gpio.Low) })
	}
}

// drive runs on the scheduler goroutine.
func (a *Actuator) drive(pin int, level gpio.Level) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.cfg.Pin != pin {
		return
	}
	if a.pins.Mode(pin) != gpio.Output {
		return
	}
	if err := a.pins.Set(pin, level); err != nil {
		log.Printf("output %s: set pin %d %s failed: %v", a.cfg.Name, pin, level, err)
	}
}

func (a *Actuator) stateLocked(inputName string, computed bool) State {
	at := nowFn()
	st := State{
		Name:           a.cfg.Name,
		Mode:           a.cfg.Mode,
		Controller:     a.cfg.Kind,
		ControllerMode: a.ctrl.Mode().String(),
		Pin:            a.cfg.Pin,
		InputValue:     a.ctrl.Input(),
		InputName:      inputName,
		Computed:       computed,
		TimestampLocal: at.Local().Format(sampling.DateFormat),
		TimestampUTC:   at.UTC().Format(sampling.DateFormat),
		At:             at,
	}
	if out, ok := a.ctrl.Output(); ok {
		st.OutputValue = &out
	}
	if p, ok := a.ctrl.(*control.PID); ok {
		sp := p.SetPoint()
		st.SetPoint = &sp
	}
	return st
}

// LastState returns the state produced by the most recent Calculate.
func (a *Actuator) LastState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.haveLast
}

package control

import (
	"errors"
	"time"
)

var nowFn = time.Now

// ErrNotDue is returned by PID.Compute when less than one sample time has
// passed since the previous computation. It is an expected outcome.
var ErrNotDue = errors.New("control: compute not due")

// ErrInvalidLimits is returned when an output range has min > max.
var ErrInvalidLimits = errors.New("control: output limits min > max")

type Mode int

const (
	Manual Mode = 0
	Auto   Mode = 1
)

func (m Mode) String() string {
	if m == Auto {
		return "auto"
	}
	return "manual"
}

// ParseMode accepts "auto" and "manual".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto", "Auto", "AUTO":
		return Auto, nil
	case "manual", "Manual", "MANUAL":
		return Manual, nil
	}
	return Manual, errors.New("control: unknown mode " + s)
}

type PIDConfig struct {
	SetPoint   float64
	Kp, Ki, Kd float64
	SampleTime time.Duration
	Mode       Mode
	// ManualOutput is the initial output when Mode is Manual.
	ManualOutput float64
}

// PID is a discrete PID controller with integral anti-windup and
// derivative-on-input. ki and kd are stored pre-scaled by the sample time so
// the recurrence needs no division per call.
//
// Not safe for concurrent use.
type PID struct {
	mode       Mode
	setPoint   float64
	kp, ki, kd float64
	sampleTime time.Duration

	outMin float64
	outMax float64

	iTerm     float64
	lastInput float64
	lastTime  time.Time

	input      float64
	output     float64
	haveOutput bool
}

func NewPID(cfg PIDConfig) *PID {
	if cfg.SampleTime <= 0 {
		cfg.SampleTime = time.Second
	}
	p := &PID{
		mode:       cfg.Mode,
		setPoint:   cfg.SetPoint,
		sampleTime: cfg.SampleTime,
		outMin:     0,
		outMax:     100,
	}
	p.SetTunings(cfg.Kp, cfg.Ki, cfg.Kd)
	if cfg.Mode == Manual {
		p.output = clamp(cfg.ManualOutput, p.outMin, p.outMax)
		p.haveOutput = true
	}
	return p
}

func (p *PID) SetTunings(kp, ki, kd float64) {
	sec := p.sampleTime.Seconds()
	p.kp = kp
	p.ki = ki * sec
	p.kd = kd / sec
}

// Tunings returns the unscaled gains.
func (p *PID) Tunings() (kp, ki, kd float64) {
	sec := p.sampleTime.Seconds()
	return p.kp, p.ki / sec, p.kd * sec
}

// SetSampleTime rescales the stored gains so the effective tuning is unchanged.
func (p *PID) SetSampleTime(d time.Duration) {
	if d <= 0 || d == p.sampleTime {
		return
	}
	ratio := float64(d) / float64(p.sampleTime)
	p.ki *= ratio
	p.kd /= ratio
	p.sampleTime = d
}

func (p *PID) SampleTime() time.Duration { return p.sampleTime }

func (p *PID) SetSetPoint(v float64) { p.setPoint = v }

func (p *PID) SetPoint() float64 { return p.setPoint }

// SetOutputLimits updates the output range and re-clamps the running
// integral so a live limit change cannot bump the output.
func (p *PID) SetOutputLimits(min, max float64) error {
	if min > max {
		return ErrInvalidLimits
	}
	p.outMin = min
	p.outMax = max
	p.iTerm = clamp(p.iTerm, min, max)
	if p.haveOutput {
		p.output = clamp(p.output, min, max)
	}
	return nil
}

func (p *PID) OutputLimits() (min, max float64) { return p.outMin, p.outMax }

func (p *PID) SetMode(m Mode) {
	if p.mode == Manual && m == Auto {
		p.reinitialize()
	}
	p.mode = m
}

func (p *PID) Mode() Mode { return p.mode }

func (p *PID) reinitialize() {
	p.lastInput = p.input
	p.iTerm = clamp(p.output, p.outMin, p.outMax)
}

func (p *PID) SetInput(v float64) { p.input = v }

func (p *PID) Input() float64 { return p.input }

// SetOutput drives the output directly. Only meaningful in Manual mode; in
// Auto the next Compute overwrites it.
func (p *PID) SetOutput(v float64) {
	p.output = clamp(v, p.outMin, p.outMax)
	p.haveOutput = true
}

func (p *PID) Output() (float64, bool) { return p.output, p.haveOutput }

func (p *PID) ITerm() float64 { return p.iTerm }

func (p *PID) LastInput() float64 { return p.lastInput }

func (p *PID) Compute() error {
	if p.mode == Manual {
		return nil
	}
	now := nowFn()
	if !p.lastTime.IsZero() && now.Sub(p.lastTime) < p.sampleTime {
		return ErrNotDue
	}

	err := p.setPoint - p.input
	p.iTerm = clamp(p.iTerm+p.ki*err, p.outMin, p.outMax)
	dInput := p.input - p.lastInput

	p.output = clamp(p.kp*err+p.iTerm-p.kd*dInput, p.outMin, p.outMax)
	p.haveOutput = true
	p.lastInput = p.input
	p.lastTime = now
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

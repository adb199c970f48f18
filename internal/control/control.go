// Package control holds the control algorithms that turn a sampled input into
// a 0..100 duty-cycle output.
package control

// Algorithm is the interface shared by every controller kind an output can
// be bound to.
type Algorithm interface {
	SetInput(v float64)
	Input() float64
	// Compute updates the output. ErrNotDue means nothing changed this call.
	Compute() error
	// Output returns the current output and whether one has been produced yet.
	Output() (float64, bool)
	Mode() Mode
}

var (
	_ Algorithm = (*PID)(nil)
	_ Algorithm = (*ManualSwitch)(nil)
)

// ManualSwitch is an on/off controller: full duty when on, none when off.
type ManualSwitch struct {
	on    bool
	input float64
}

func NewManualSwitch(on bool) *ManualSwitch { return &ManualSwitch{on: on} }

func (m *ManualSwitch) SetOn(on bool) { m.on = on }

func (m *ManualSwitch) On() bool { return m.on }

func (m *ManualSwitch) SetInput(v float64) { m.input = v }

func (m *ManualSwitch) Input() float64 { return m.input }

func (m *ManualSwitch) Compute() error { return nil }

func (m *ManualSwitch) Output() (float64, bool) {
	if m.on {
		return 100, true
	}
	return 0, true
}

func (m *ManualSwitch) Mode() Mode { return Manual }

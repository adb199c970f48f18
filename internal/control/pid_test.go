package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func useFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	old := nowFn
	nowFn = c.now
	t.Cleanup(func() { nowFn = old })
	return c
}

func TestPID_GainsPrescaledBySampleTime(t *testing.T) {
	p := NewPID(PIDConfig{SetPoint: 160, Kp: 2, Ki: 0.01, Kd: 0.01, SampleTime: 100 * time.Millisecond, Mode: Auto})

	assert.Equal(t, 2.0, p.kp)
	assert.InDelta(t, 0.001, p.ki, 1e-12)
	assert.InDelta(t, 0.1, p.kd, 1e-12)

	kp, ki, kd := p.Tunings()
	assert.InDelta(t, 2, kp, 1e-12)
	assert.InDelta(t, 0.01, ki, 1e-12)
	assert.InDelta(t, 0.01, kd, 1e-12)
}

func TestPID_StepInputStaysClampedAtMax(t *testing.T) {
	clk := useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 160, Kp: 2, Ki: 0.01, Kd: 0.01, SampleTime: 100 * time.Millisecond, Mode: Auto})
	require.NoError(t, p.SetOutputLimits(0, 100))

	_, ok := p.Output()
	require.False(t, ok, "output must be unset before the first compute")

	for i := 0; i < 50; i++ {
		p.SetInput(60)
		require.NoError(t, p.Compute())
		out, ok := p.Output()
		require.True(t, ok)
		require.Equal(t, 100.0, out, "iteration %d", i)
		clk.advance(100 * time.Millisecond)
	}
}

func TestPID_OutputFallsAsInputApproachesSetPoint(t *testing.T) {
	clk := useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 160, Kp: 2, Ki: 0.01, Kd: 0.01, SampleTime: 100 * time.Millisecond, Mode: Auto})

	prev := 101.0
	for in := 60.0; in <= 160; in += 10 {
		p.SetInput(in)
		require.NoError(t, p.Compute())
		out, _ := p.Output()
		assert.LessOrEqual(t, out, prev)
		prev = out
		clk.advance(100 * time.Millisecond)
	}
	assert.Less(t, prev, 100.0)
}

func TestPID_AntiWindupKeepsITermInRange(t *testing.T) {
	clk := useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 212, Kp: 5, Ki: 50, Kd: 0, SampleTime: time.Second, Mode: Auto})
	require.NoError(t, p.SetOutputLimits(0, 100))

	for i := 0; i < 200; i++ {
		p.SetInput(-40)
		require.NoError(t, p.Compute())
		require.GreaterOrEqual(t, p.ITerm(), 0.0)
		require.LessOrEqual(t, p.ITerm(), 100.0)
		clk.advance(time.Second)
	}
	assert.Equal(t, 100.0, p.ITerm())

	// Large negative error winds down to the lower bound, never below it.
	for i := 0; i < 200; i++ {
		p.SetInput(1000)
		require.NoError(t, p.Compute())
		require.GreaterOrEqual(t, p.ITerm(), 0.0)
		clk.advance(time.Second)
	}
	assert.Equal(t, 0.0, p.ITerm())
}

func TestPID_NotDueBeforeSampleTime(t *testing.T) {
	clk := useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 100, Kp: 1, SampleTime: time.Second, Mode: Auto})

	p.SetInput(50)
	require.NoError(t, p.Compute())
	first, _ := p.Output()

	clk.advance(999 * time.Millisecond)
	p.SetInput(0)
	require.ErrorIs(t, p.Compute(), ErrNotDue)
	out, _ := p.Output()
	assert.Equal(t, first, out)

	clk.advance(time.Millisecond)
	require.NoError(t, p.Compute())
}

func TestPID_ManualComputeIsNoop(t *testing.T) {
	useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 160, Kp: 2, SampleTime: time.Second, Mode: Manual, ManualOutput: 75})

	out, ok := p.Output()
	require.True(t, ok)
	assert.Equal(t, 75.0, out)

	p.SetInput(20)
	require.NoError(t, p.Compute())
	out, _ = p.Output()
	assert.Equal(t, 75.0, out)
}

func TestPID_ManualToAutoIsBumpless(t *testing.T) {
	useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 160, Kp: 2, Ki: 0.01, Kd: 0.01, SampleTime: time.Second, Mode: Manual})
	p.SetOutput(42)
	p.SetInput(150)

	p.SetMode(Auto)

	assert.Equal(t, Auto, p.Mode())
	assert.Equal(t, 42.0, p.ITerm())
	assert.Equal(t, 150.0, p.LastInput())
}

func TestPID_ManualToAutoClampsITerm(t *testing.T) {
	p := NewPID(PIDConfig{SetPoint: 160, SampleTime: time.Second, Mode: Manual, ManualOutput: 80})
	require.NoError(t, p.SetOutputLimits(0, 50))

	p.SetMode(Auto)
	assert.Equal(t, 50.0, p.ITerm())
}

func TestPID_AutoToManualKeepsState(t *testing.T) {
	clk := useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 100, Kp: 0, Ki: 1, SampleTime: time.Second, Mode: Auto})
	p.SetInput(90)
	require.NoError(t, p.Compute())
	clk.advance(time.Second)
	iTerm := p.ITerm()

	p.SetMode(Manual)
	assert.Equal(t, iTerm, p.ITerm())
	p.SetMode(Manual)
	assert.Equal(t, iTerm, p.ITerm())
}

func TestPID_SetOutputLimits(t *testing.T) {
	clk := useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 200, Ki: 100, SampleTime: time.Second, Mode: Auto})
	p.SetInput(0)
	require.NoError(t, p.Compute())
	clk.advance(time.Second)
	require.Equal(t, 100.0, p.ITerm())

	require.ErrorIs(t, p.SetOutputLimits(10, 5), ErrInvalidLimits)
	min, max := p.OutputLimits()
	assert.Equal(t, 0.0, min)
	assert.Equal(t, 100.0, max)

	require.NoError(t, p.SetOutputLimits(0, 60))
	assert.Equal(t, 60.0, p.ITerm())
	out, _ := p.Output()
	assert.Equal(t, 60.0, out)
}

func TestPID_SetSampleTimeKeepsEffectiveTuning(t *testing.T) {
	p := NewPID(PIDConfig{Kp: 2, Ki: 0.5, Kd: 0.25, SampleTime: time.Second, Mode: Auto})
	p.SetSampleTime(5 * time.Second)

	assert.Equal(t, 5*time.Second, p.SampleTime())
	kp, ki, kd := p.Tunings()
	assert.InDelta(t, 2, kp, 1e-12)
	assert.InDelta(t, 0.5, ki, 1e-12)
	assert.InDelta(t, 0.25, kd, 1e-12)
	assert.InDelta(t, 2.5, p.ki, 1e-12)
	assert.InDelta(t, 0.05, p.kd, 1e-12)
}

func TestPID_DerivativeOnInputIgnoresSetPointChange(t *testing.T) {
	clk := useFakeClock(t)
	p := NewPID(PIDConfig{SetPoint: 50, Kp: 1, Kd: 10, SampleTime: time.Second, Mode: Auto})
	require.NoError(t, p.SetOutputLimits(-1000, 1000))
	p.SetInput(40)
	require.NoError(t, p.Compute())
	clk.advance(time.Second)

	// Same input, new set point: only the proportional term moves.
	p.SetSetPoint(60)
	require.NoError(t, p.Compute())
	out, _ := p.Output()
	assert.InDelta(t, 20, out, 1e-9)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("auto")
	require.NoError(t, err)
	assert.Equal(t, Auto, m)

	m, err = ParseMode("manual")
	require.NoError(t, err)
	assert.Equal(t, Manual, m)

	_, err = ParseMode("cruise")
	assert.Error(t, err)
}

func TestManualSwitch(t *testing.T) {
	m := NewManualSwitch(true)
	require.NoError(t, m.Compute())
	out, ok := m.Output()
	assert.True(t, ok)
	assert.Equal(t, 100.0, out)

	m.SetOn(false)
	out, _ = m.Output()
	assert.Equal(t, 0.0, out)
	assert.Equal(t, Manual, m.Mode())
}

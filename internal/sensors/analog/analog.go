// Package analog converts ADC voltages from thermistor and TMP36 probes into
// temperatures in degrees Fahrenheit.
package analog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrNoSignal means the ADC read zero volts, usually a disconnected probe.
var ErrNoSignal = errors.New("analog: no signal")

// ADC is the converter the probes hang off.
type ADC interface {
	Volts(ch int) (float64, error)
	VRef() float64
}

const Units = "f"

// Steinhart–Hart coefficients for the rig's 10k NTC probes.
const (
	shA = 0.0011371549
	shB = 0.0002325949
	shC = 0.0
	shD = 9.54e-8
)

const (
	SeriesResistor    = 10000.0
	ThermistorSamples = 10
	ThermistorSpacing = 10 * time.Millisecond
)

// OhmsToFahrenheit applies the Steinhart–Hart equation.
func OhmsToFahrenheit(ohms float64) float64 {
	r := math.Log(ohms)
	k := 1.0 / (shA + shB*r + shC*r*r + shD*r*r*r)
	return CelsiusToFahrenheit(k - 273.15)
}

func CelsiusToFahrenheit(c float64) float64 { return c*1.8 + 32.0 }

// Thermistor averages several ADC reads of a voltage divider with the
// thermistor on the low side.
type Thermistor struct {
	adc     ADC
	channel int
}

func NewThermistor(adc ADC, channel int) (*Thermistor, error) {
	if adc == nil {
		return nil, fmt.Errorf("analog: adc is nil")
	}
	return &Thermistor{adc: adc, channel: channel}, nil
}

func (t *Thermistor) Units() string { return Units }

func (t *Thermistor) Temperature(ctx context.Context) (float64, error) {
	var total float64
	for i := 0; i < ThermistorSamples; i++ {
		v, err := t.adc.Volts(t.channel)
		if err != nil {
			return 0, err
		}
		total += v
		if err := sleep(ctx, ThermistorSpacing); err != nil {
			return 0, err
		}
	}
	volts := total / ThermistorSamples
	if volts <= 0 {
		return 0, fmt.Errorf("thermistor ch%d: %w", t.channel, ErrNoSignal)
	}
	ohms := math.Round(t.adc.VRef()*SeriesResistor/volts - SeriesResistor)
	if ohms <= 0 {
		return 0, fmt.Errorf("thermistor ch%d: divider reads %.0f ohms", t.channel, ohms)
	}
	return OhmsToFahrenheit(ohms), nil
}

// TMP36 is a linear sensor: 10mV/°C with a 500mV offset.
type TMP36 struct {
	adc     ADC
	channel int
}

func NewTMP36(adc ADC, channel int) (*TMP36, error) {
	if adc == nil {
		return nil, fmt.Errorf("analog: adc is nil")
	}
	return &TMP36{adc: adc, channel: channel}, nil
}

func (t *TMP36) Units() string { return Units }

func (t *TMP36) Temperature(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, err := t.adc.Volts(t.channel)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("tmp36 ch%d: %w", t.channel, ErrNoSignal)
	}
	return CelsiusToFahrenheit((v - 0.5) * 100.0), nil
}

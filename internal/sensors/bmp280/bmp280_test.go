package bmp280

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeI2C struct {
	regs map[byte][]byte

	calibReads int
	calibSeq   [][]byte

	writes map[byte]byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	b, ok := f.regs[reg]
	if !ok || len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if reg == regCalib00 {
		f.calibReads++
		idx := f.calibReads - 1
		if idx < len(f.calibSeq) {
			copy(dst, f.calibSeq[idx])
			return nil
		}
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	b, ok := f.regs[reg]
	if !ok {
		return errors.New("no reg")
	}
	copy(dst, b)
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	if f.writes == nil {
		f.writes = map[byte]byte{}
	}
	f.writes[reg] = value
	return nil
}

func noSleep(t *testing.T) {
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

// Datasheet example coefficients.
func datasheetCalib() []byte {
	b := make([]byte, calibLen)
	binary.LittleEndian.PutUint16(b[0:2], 27504)
	binary.LittleEndian.PutUint16(b[2:4], 26435)
	binary.LittleEndian.PutUint16(b[4:6], uint16(0xFC18)) // -1000
	return b
}

func TestNew_RetriesCalibrationAfterReset(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{
		regs:     map[byte][]byte{regID: {chipIDBMP280}},
		calibSeq: [][]byte{make([]byte, calibLen), datasheetCalib()},
	}
	_, err := newWithIO(f)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.calibReads, 2)
	assert.Equal(t, byte(0x43), f.writes[regCtrlMeas])
}

func TestNew_FailsOnInvalidCalibration(t *testing.T) {
	noSleep(t)
	z := make([]byte, calibLen)
	f := &fakeI2C{
		regs:     map[byte][]byte{regID: {chipIDBMP280}},
		calibSeq: [][]byte{z, z, z},
	}
	_, err := newWithIO(f)
	assert.Error(t, err)
}

func TestNew_WrongChip(t *testing.T) {
	noSleep(t)
	_, err := newWithIO(&fakeI2C{regs: map[byte][]byte{regID: {0x60}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chip id")
}

func TestTemperature_DatasheetExample(t *testing.T) {
	noSleep(t)
	// adc_T = 519888 -> 25.08C in the datasheet.
	adc := uint32(519888) << 4
	f := &fakeI2C{
		regs: map[byte][]byte{
			regID:      {chipIDBMP280},
			regTempMsb: {byte(adc >> 16), byte(adc >> 8), byte(adc)},
		},
		calibSeq: [][]byte{datasheetCalib()},
	}
	d, err := newWithIO(f)
	require.NoError(t, err)

	got, err := d.Temperature(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 25.08*1.8+32, got, 0.05)
	assert.Equal(t, "f", d.Units())
}

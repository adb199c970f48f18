package ds18b20

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/src-d/go-billy.v4/memfs"
	"gopkg.in/src-d/go-billy.v4/util"
)

const good = "72 01 4b 46 7f ff 0e 10 57 : crc=57 YES\n72 01 4b 46 7f ff 0e 10 57 t=23125\n"

func TestParse(t *testing.T) {
	c, err := Parse([]byte(good))
	require.NoError(t, err)
	assert.InDelta(t, 23.125, c, 1e-9)

	_, err = Parse([]byte("72 01 : crc=57 NO\n72 01 t=23125\n"))
	assert.ErrorIs(t, err, ErrCRC)

	_, err = Parse([]byte("72 01 : crc=57 YES\n"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte("72 01 : crc=57 YES\n72 01 4b\n"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte("72 01 : crc=57 YES\n72 01 t=abc\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParse_Negative(t *testing.T) {
	c, err := Parse([]byte("ff : crc=12 YES\nff t=-1250\n"))
	require.NoError(t, err)
	assert.InDelta(t, -1.25, c, 1e-9)
}

func TestSensor_Temperature(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "28-0316a2796cff/w1_slave", []byte(good), 0644))

	s, err := New(fs, "28-0316a2796cff")
	require.NoError(t, err)
	f, err := s.Temperature(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 73.625, f, 1e-9)
	assert.Equal(t, "f", s.Units())
}

func TestSensor_MissingDevice(t *testing.T) {
	s, err := New(memfs.New(), "28-missing")
	require.NoError(t, err)
	_, err = s.Temperature(context.Background())
	assert.Error(t, err)
}

func TestNew_RejectsPaths(t *testing.T) {
	_, err := New(memfs.New(), "../etc")
	assert.Error(t, err)
	_, err = New(memfs.New(), "")
	assert.Error(t, err)
	_, err = New(nil, "28-1")
	assert.Error(t, err)
}

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	billy "gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/memfs"
	"gopkg.in/src-d/go-billy.v4/util"
)

const controllerYAML = `sample_time: 2s
gpio_backend: sim
`

const inputsYAML = `inputs:
  - name: HLT
    type: thermistor
    active: true
    adc_channel: 0
    adjustment: -1.5
  - name: MLT
    type: DS18B20
    active: true
    address: 28-0316a2796cff
  - name: spare
    type: TMP36
    active: false
    adc_channel: 3
`

const outputsYAML = `outputs:
  - name: HLT
    input: HLT
    mode: TPC
    pin: 17
    active: true
    type:
      controller: PID
      config:
        set_point: 160
        kp: 2
        ki: 0.01
        kd: 0.01
  - name: pump
    input: MLT
    pin: 27
    active: true
    type:
      controller: manual
      config:
        on: true
`

func writeSections(t *testing.T, files map[Section]string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for sec, body := range files {
		require.NoError(t, util.WriteFile(fs, sec.File(), []byte(body), 0o644))
	}
	return fs
}

func baseFiles() map[Section]string {
	return map[Section]string{
		SectionController: controllerYAML,
		SectionInputs:     inputsYAML,
		SectionOutputs:    outputsYAML,
	}
}

func TestStoreLoad_AllSections(t *testing.T) {
	s := NewStore(writeSections(t, baseFiles()))
	cfg, err := s.Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Controller.SampleTime)
	assert.Equal(t, "sim", cfg.Controller.GPIOBackend)
	assert.Equal(t, "state", cfg.Controller.StateDir)

	require.Len(t, cfg.Inputs, 3)
	require.NotNil(t, cfg.Inputs[0].Adjustment)
	assert.Equal(t, -1.5, *cfg.Inputs[0].Adjustment)
	assert.Nil(t, cfg.Inputs[1].Adjustment)
	assert.Len(t, cfg.ActiveInputs(), 2)

	require.Len(t, cfg.Outputs, 2)
	assert.Equal(t, PIDModeAuto, cfg.Outputs[0].Type.Config.Mode)
	assert.Equal(t, ModeTPC, cfg.Outputs[1].Mode, "mode defaults to TPC")
	assert.True(t, cfg.Outputs[1].Type.Config.On)

	assert.Empty(t, cfg.Logs)
	assert.Empty(t, cfg.Programs)
}

func TestStoreLoad_MissingRequiredSection(t *testing.T) {
	files := baseFiles()
	delete(files, SectionOutputs)
	_, err := NewStore(writeSections(t, files)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outputs.yaml")
}

func TestStoreLoad_RejectsUnknownField(t *testing.T) {
	files := baseFiles()
	files[SectionController] = "sample_time: 2s\nsample_time_ms: 5000\n"
	_, err := NewStore(writeSections(t, files)).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_time_ms")
}

func TestValidate_UnknownTypes(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"input type", func(c *Config) { c.Inputs[0].Type = "PT100" }, `inputs[HLT].type "PT100" is unknown`},
		{"controller type", func(c *Config) { c.Outputs[0].Type.Controller = "fuzzy" }, `outputs[HLT].type.controller "fuzzy" is unknown`},
		{"output mode", func(c *Config) { c.Outputs[0].Mode = "DAC" }, `outputs[HLT].mode "DAC" is unknown`},
		{"pid mode", func(c *Config) { c.Outputs[0].Type.Config.Mode = "cruise" }, `outputs[HLT].type.config.mode "cruise" is unknown`},
		{"log type", func(c *Config) { c.Logs = []LogConfig{{Type: "mongodb"}} }, `logs[0].type "mongodb" is unknown`},
		{"gpio backend", func(c *Config) { c.Controller.GPIOBackend = "pigpio" }, `controller.gpio_backend "pigpio" is unknown`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewStore(writeSections(t, baseFiles())).Load()
			require.NoError(t, err)
			tc.edit(&cfg)
			err = DefaultAndValidate(&cfg)
			require.Error(t, err)
			assert.Equal(t, tc.want, err.Error())
		})
	}
}

func TestValidate_DuplicateActivePin(t *testing.T) {
	cfg, err := NewStore(writeSections(t, baseFiles())).Load()
	require.NoError(t, err)

	cfg.Outputs[1].Pin = 17
	err = DefaultAndValidate(&cfg)
	require.Error(t, err)
	assert.Equal(t, "outputs[pump].pin 17 is already used by outputs[HLT]", err.Error())

	// An inactive output may share the pin.
	cfg.Outputs[1].Active = false
	assert.NoError(t, DefaultAndValidate(&cfg))
}

func TestValidate_InputRequirements(t *testing.T) {
	cfg := Config{Inputs: []InputConfig{{Name: "x", Type: InputThermistor}}}
	assert.EqualError(t, DefaultAndValidate(&cfg), "inputs[x].adc_channel is required for type thermistor")

	ch := 9
	cfg = Config{Inputs: []InputConfig{{Name: "x", Type: InputTMP36, ADCChannel: &ch}}}
	assert.EqualError(t, DefaultAndValidate(&cfg), "inputs[x].adc_channel must be 0..7")

	cfg = Config{Inputs: []InputConfig{{Name: "x", Type: InputDS18B20}}}
	assert.EqualError(t, DefaultAndValidate(&cfg), "inputs[x].address is required for type DS18B20")

	cfg = Config{Inputs: []InputConfig{{Name: "amb", Type: InputBMP280}}}
	require.NoError(t, DefaultAndValidate(&cfg))
	assert.Equal(t, uint16(0x77), cfg.Inputs[0].I2CAddr)

	cfg = Config{Inputs: []InputConfig{{Name: "box", Type: InputThermalZone, Zone: -1}}}
	assert.EqualError(t, DefaultAndValidate(&cfg), "inputs[box].zone must be >= 0")

	cfg = Config{Inputs: []InputConfig{{Name: "a", Type: InputSimulated}, {Name: "a", Type: InputSimulated}}}
	assert.EqualError(t, DefaultAndValidate(&cfg), "inputs[a] is declared twice")
}

func TestValidate_SampleTime(t *testing.T) {
	cfg := Config{}
	require.NoError(t, DefaultAndValidate(&cfg))
	assert.Equal(t, 5*time.Second, cfg.Controller.SampleTime)

	cfg = Config{Controller: ControllerConfig{SampleTime: 10 * time.Millisecond}}
	assert.Error(t, DefaultAndValidate(&cfg))
}

func TestValidate_Logs(t *testing.T) {
	cfg := Config{Logs: []LogConfig{{Type: LogMQTT, Broker: "tcp://localhost:1883"}, {Type: LogKafka}}}
	err := DefaultAndValidate(&cfg)
	assert.EqualError(t, err, "logs[1].brokers is required for type kafka")
	assert.Equal(t, "beerery", cfg.Logs[0].Topic)
	assert.Equal(t, 256, cfg.Logs[0].QueueSize)
}

func TestValidate_Programs(t *testing.T) {
	cfg, err := NewStore(writeSections(t, baseFiles())).Load()
	require.NoError(t, err)

	cfg.Programs = []ProgramConfig{{Name: "mash", Output: "pump", Steps: []ProgramStep{{SetPoint: 152, Hold: time.Hour}}}}
	assert.EqualError(t, DefaultAndValidate(&cfg), `programs[mash].output "pump" is not a PID output`)

	cfg.Programs[0].Output = "HLT"
	require.NoError(t, DefaultAndValidate(&cfg))

	cfg.Programs[0].Steps[0].Hold = 0
	assert.EqualError(t, DefaultAndValidate(&cfg), "programs[mash].steps[0].hold must be > 0")
}

func TestSaveSection_Atomic(t *testing.T) {
	fs := writeSections(t, baseFiles())
	s := NewStore(fs)

	require.NoError(t, s.SaveSection(SectionLogs, logsFile{Logs: []LogConfig{{Type: LogSQLite, Path: "beerery.db"}}}))

	cfg, err := s.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Logs, 1)
	assert.Equal(t, "beerery.db", cfg.Logs[0].Path)

	entries, err := fs.ReadDir(".")
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp."), "leftover temp file %s", e.Name())
	}
}

func TestUpdateOutputs(t *testing.T) {
	s := NewStore(writeSections(t, baseFiles()))

	err := s.UpdateOutputs(func(outs []OutputConfig) (bool, error) {
		outs[0].Type.Config.SetPoint = 170
		return true, nil
	})
	require.NoError(t, err)

	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 170.0, cfg.Outputs[0].Type.Config.SetPoint)

	// Invalid edits are not written.
	err = s.UpdateOutputs(func(outs []OutputConfig) (bool, error) {
		outs[0].Type.Controller = "bogus"
		return true, nil
	})
	require.Error(t, err)
	cfg, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, ControllerPID, cfg.Outputs[0].Type.Controller)
}

func TestConfigOutputLookup(t *testing.T) {
	cfg, err := NewStore(writeSections(t, baseFiles())).Load()
	require.NoError(t, err)
	o, err := cfg.Output("pump")
	require.NoError(t, err)
	assert.Equal(t, 27, o.Pin)
	_, err = cfg.Output("boil")
	assert.ErrorIs(t, err, ErrNotFound)
}

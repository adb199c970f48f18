package config

import (
	"fmt"
	"strings"
	"time"
)

// Input types.
const (
	InputThermistor  = "thermistor"
	InputDS18B20     = "DS18B20"
	InputTMP36       = "TMP36"
	InputBMP280      = "BMP280"
	InputSimulated   = "simulated"
	InputThermalZone = "thermal_zone"
)

// Output controller types and modes.
const (
	ControllerPID    = "PID"
	ControllerManual = "manual"

	ModeTPC = "TPC"
	ModePWM = "PWM"

	PIDModeAuto   = "auto"
	PIDModeManual = "manual"
)

// Log types.
const (
	LogSQLite = "sqlite"
	LogMQTT   = "mqtt"
	LogKafka  = "kafka"
)

// Config is one consistent snapshot of every section.
type Config struct {
	Controller ControllerConfig
	Inputs     []InputConfig
	Outputs    []OutputConfig
	Logs       []LogConfig
	Programs   []ProgramConfig
}

type ControllerConfig struct {
	SampleTime     time.Duration `yaml:"sample_time"`
	LoggingEnabled bool          `yaml:"logging_enabled"`
	GPIOBackend    string        `yaml:"gpio_backend"`
	StateDir       string        `yaml:"state_dir"`
	Web            WebConfig     `yaml:"web"`
	SPI            SPIConfig     `yaml:"spi"`
	I2C            I2CConfig     `yaml:"i2c"`
	OneWireDir     string        `yaml:"one_wire_dir"`
	ThermalDir     string        `yaml:"thermal_dir"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type SPIConfig struct {
	Bus        int     `yaml:"bus"`
	ChipSelect int     `yaml:"chip_select"`
	SpeedHz    uint32  `yaml:"speed_hz"`
	VRef       float64 `yaml:"vref"`
}

type I2CConfig struct {
	Device string `yaml:"device"`
}

type InputConfig struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Active     bool     `yaml:"active"`
	ADCChannel *int     `yaml:"adc_channel,omitempty"`
	Address    string   `yaml:"address,omitempty"`
	I2CAddr    uint16   `yaml:"i2c_addr,omitempty"`
	Zone       int      `yaml:"zone,omitempty"`
	Adjustment *float64 `yaml:"adjustment,omitempty"`

	// Simulated sources.
	Base      float64       `yaml:"base,omitempty"`
	Amplitude float64       `yaml:"amplitude,omitempty"`
	Period    time.Duration `yaml:"period,omitempty"`
	Seed      int64         `yaml:"seed,omitempty"`
}

type OutputConfig struct {
	Name   string     `yaml:"name"`
	Input  string     `yaml:"input"`
	Mode   string     `yaml:"mode"`
	Pin    int        `yaml:"pin"`
	Active bool       `yaml:"active"`
	Type   OutputType `yaml:"type"`
}

type OutputType struct {
	Controller string           `yaml:"controller"`
	Config     ControllerParams `yaml:"config"`
}

// ControllerParams covers both controller types. PID reads the gains, set
// point and mode; manual reads On.
type ControllerParams struct {
	SetPoint float64 `yaml:"set_point" json:"set_point"`
	Kp       float64 `yaml:"kp" json:"kp"`
	Ki       float64 `yaml:"ki" json:"ki"`
	Kd       float64 `yaml:"kd" json:"kd"`
	Mode     string  `yaml:"mode,omitempty" json:"mode,omitempty"`
	Output   float64 `yaml:"output,omitempty" json:"output,omitempty"`
	On       bool    `yaml:"on,omitempty" json:"on"`
}

type LogConfig struct {
	Type string `yaml:"type"`

	// sqlite
	Path string `yaml:"path,omitempty"`

	// mqtt
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`

	// kafka
	Brokers []string `yaml:"brokers,omitempty"`

	// mqtt topic prefix or kafka topic.
	Topic string `yaml:"topic,omitempty"`

	QueueSize int `yaml:"queue_size,omitempty"`
}

type ProgramConfig struct {
	Name   string        `yaml:"name"`
	Output string        `yaml:"output"`
	Active bool          `yaml:"active"`
	Loop   bool          `yaml:"loop,omitempty"`
	Steps  []ProgramStep `yaml:"steps"`
}

type ProgramStep struct {
	SetPoint float64       `yaml:"set_point"`
	Hold     time.Duration `yaml:"hold"`
}

// ActiveInputs returns active inputs in declaration order.
func (c Config) ActiveInputs() []InputConfig {
	var out []InputConfig
	for _, in := range c.Inputs {
		if in.Active {
			out = append(out, in)
		}
	}
	return out
}

// ActiveOutputs returns active outputs in declaration order.
func (c Config) ActiveOutputs() []OutputConfig {
	var out []OutputConfig
	for _, o := range c.Outputs {
		if o.Active {
			out = append(out, o)
		}
	}
	return out
}

// DefaultAndValidate fills defaults in place and rejects configurations the
// controller cannot run. Errors name the offending field.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	c := &cfg.Controller
	if c.SampleTime < 0 {
		return fmt.Errorf("controller.sample_time must be > 0")
	}
	if c.SampleTime == 0 {
		c.SampleTime = 5 * time.Second
	}
	if c.SampleTime < 100*time.Millisecond {
		return fmt.Errorf("controller.sample_time must be >= 100ms")
	}
	switch c.GPIOBackend {
	case "":
		c.GPIOBackend = "gpiocdev"
	case "gpiocdev", "rpio", "sim":
	default:
		return fmt.Errorf("controller.gpio_backend %q is unknown", c.GPIOBackend)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = "state"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8080"
	}
	if c.SPI.VRef <= 0 {
		c.SPI.VRef = 3.3
	}
	if c.SPI.Bus < 0 || c.SPI.ChipSelect < 0 {
		return fmt.Errorf("controller.spi bus and chip_select must be >= 0")
	}
	if c.I2C.Device == "" {
		c.I2C.Device = "/dev/i2c-1"
	}
	if c.OneWireDir == "" {
		c.OneWireDir = "/sys/bus/w1/devices"
	}
	if c.ThermalDir == "" {
		c.ThermalDir = "/sys/class/thermal"
	}

	if err := validateInputs(cfg.Inputs); err != nil {
		return err
	}
	if err := validateOutputs(cfg.Outputs); err != nil {
		return err
	}
	if err := validateLogs(cfg.Logs); err != nil {
		return err
	}
	return validatePrograms(cfg.Programs, cfg.Outputs)
}

func validateInputs(inputs []InputConfig) error {
	seen := map[string]bool{}
	for i := range inputs {
		in := &inputs[i]
		if strings.TrimSpace(in.Name) == "" {
			return fmt.Errorf("inputs[%d].name is required", i)
		}
		key := fmt.Sprintf("inputs[%s]", in.Name)
		if seen[in.Name] {
			return fmt.Errorf("%s is declared twice", key)
		}
		seen[in.Name] = true

		switch in.Type {
		case InputThermistor, InputTMP36:
			if in.ADCChannel == nil {
				return fmt.Errorf("%s.adc_channel is required for type %s", key, in.Type)
			}
			if *in.ADCChannel < 0 || *in.ADCChannel > 7 {
				return fmt.Errorf("%s.adc_channel must be 0..7", key)
			}
		case InputDS18B20:
			if strings.TrimSpace(in.Address) == "" {
				return fmt.Errorf("%s.address is required for type %s", key, in.Type)
			}
		case InputBMP280:
			if in.I2CAddr == 0 {
				in.I2CAddr = 0x77
			}
			if in.I2CAddr > 0x7F {
				return fmt.Errorf("%s.i2c_addr must be a 7-bit address", key)
			}
		case InputThermalZone:
			if in.Zone < 0 {
				return fmt.Errorf("%s.zone must be >= 0", key)
			}
		case InputSimulated:
			if in.Period < 0 {
				return fmt.Errorf("%s.period must be >= 0", key)
			}
		default:
			return fmt.Errorf("%s.type %q is unknown", key, in.Type)
		}
	}
	return nil
}

func validateOutputs(outputs []OutputConfig) error {
	seen := map[string]bool{}
	pins := map[int]string{}
	for i := range outputs {
		o := &outputs[i]
		if strings.TrimSpace(o.Name) == "" {
			return fmt.Errorf("outputs[%d].name is required", i)
		}
		key := fmt.Sprintf("outputs[%s]", o.Name)
		if seen[o.Name] {
			return fmt.Errorf("%s is declared twice", key)
		}
		seen[o.Name] = true

		if o.Mode == "" {
			o.Mode = ModeTPC
		}
		if o.Mode != ModeTPC && o.Mode != ModePWM {
			return fmt.Errorf("%s.mode %q is unknown", key, o.Mode)
		}
		if o.Pin < 1 || o.Pin > 53 {
			return fmt.Errorf("%s.pin %d is out of range", key, o.Pin)
		}
		if strings.TrimSpace(o.Input) == "" {
			return fmt.Errorf("%s.input is required", key)
		}

		p := &o.Type.Config
		switch o.Type.Controller {
		case ControllerPID:
			if p.Mode == "" {
				p.Mode = PIDModeAuto
			}
			if p.Mode != PIDModeAuto && p.Mode != PIDModeManual {
				return fmt.Errorf("%s.type.config.mode %q is unknown", key, p.Mode)
			}
			if p.Output < 0 || p.Output > 100 {
				return fmt.Errorf("%s.type.config.output must be 0..100", key)
			}
		case ControllerManual:
		default:
			return fmt.Errorf("%s.type.controller %q is unknown", key, o.Type.Controller)
		}

		if !o.Active {
			continue
		}
		if other, ok := pins[o.Pin]; ok {
			return fmt.Errorf("%s.pin %d is already used by outputs[%s]", key, o.Pin, other)
		}
		pins[o.Pin] = o.Name
	}
	return nil
}

func validateLogs(logs []LogConfig) error {
	for i := range logs {
		l := &logs[i]
		key := fmt.Sprintf("logs[%d]", i)
		if l.QueueSize < 0 {
			return fmt.Errorf("%s.queue_size must be >= 0", key)
		}
		if l.QueueSize == 0 {
			l.QueueSize = 256
		}
		switch l.Type {
		case LogSQLite:
			if l.Path == "" {
				return fmt.Errorf("%s.path is required for type %s", key, l.Type)
			}
		case LogMQTT:
			if l.Broker == "" {
				return fmt.Errorf("%s.broker is required for type %s", key, l.Type)
			}
			if l.Topic == "" {
				l.Topic = "beerery"
			}
			if l.ClientID == "" {
				l.ClientID = "beerery"
			}
			if l.QoS > 2 {
				return fmt.Errorf("%s.qos must be 0..2", key)
			}
		case LogKafka:
			if len(l.Brokers) == 0 {
				return fmt.Errorf("%s.brokers is required for type %s", key, l.Type)
			}
			if l.Topic == "" {
				l.Topic = "beerery.states"
			}
		default:
			return fmt.Errorf("%s.type %q is unknown", key, l.Type)
		}
	}
	return nil
}

func validatePrograms(programs []ProgramConfig, outputs []OutputConfig) error {
	pid := map[string]bool{}
	for _, o := range outputs {
		if o.Type.Controller == ControllerPID {
			pid[o.Name] = true
		}
	}
	seen := map[string]bool{}
	for i, p := range programs {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("programs[%d].name is required", i)
		}
		key := fmt.Sprintf("programs[%s]", p.Name)
		if seen[p.Name] {
			return fmt.Errorf("%s is declared twice", key)
		}
		seen[p.Name] = true
		if !pid[p.Output] {
			return fmt.Errorf("%s.output %q is not a PID output", key, p.Output)
		}
		if len(p.Steps) == 0 {
			return fmt.Errorf("%s.steps is empty", key)
		}
		for j, s := range p.Steps {
			if s.Hold <= 0 {
				return fmt.Errorf("%s.steps[%d].hold must be > 0", key, j)
			}
		}
	}
	return nil
}

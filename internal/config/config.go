package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/neostrip/internal/nrz"
	"github.com/coreman2200/neostrip/internal/pixel"
)

// Backend names.
const (
	BackendPulse  = "pulse"
	BackendSerial = "serial"
	BackendNRZ    = "nrzled"
	BackendSim    = "sim"
)

type Timing struct {
	ZeroHighNs  int `yaml:"zero_high_ns" toml:"zero_high_ns"`
	ZeroLowNs   int `yaml:"zero_low_ns" toml:"zero_low_ns"`
	OneHighNs   int `yaml:"one_high_ns" toml:"one_high_ns"`
	OneLowNs    int `yaml:"one_low_ns" toml:"one_low_ns"`
	ResetUs     int `yaml:"reset_us" toml:"reset_us"`
	ToleranceNs int `yaml:"tolerance_ns" toml:"tolerance_ns"`
}

type Pulse struct {
	ClockHz   int64 `yaml:"clock_hz" toml:"clock_hz"`     // e.g. 80000000
	MaxGapUs  int   `yaml:"max_gap_us" toml:"max_gap_us"` // 0: timing reset
	TimeoutMs int   `yaml:"timeout_ms" toml:"timeout_ms"` // 0: wait forever
}

type SPI struct {
	Dev      string `yaml:"dev" toml:"dev"`           // spireg name, "" for the first bus
	SpeedHz  int64  `yaml:"speed_hz" toml:"speed_hz"` // e.g. 2857000
	SettleUs int    `yaml:"settle_us" toml:"settle_us"`
}

type Config struct {
	Backend  string `yaml:"backend" toml:"backend"` // "pulse" | "serial" | "nrzled" | "sim"
	Pixels   int    `yaml:"pixels" toml:"pixels"`
	PeriodMs int    `yaml:"period_ms" toml:"period_ms"`
	Source   string `yaml:"source" toml:"source"` // "random" | "sweep" | "channels" | "solid"
	Color    string `yaml:"color" toml:"color"`   // hex RRGGBB for solid/sweep
	Mask     int    `yaml:"mask" toml:"mask"`
	Addr     string `yaml:"addr,omitempty" toml:"addr,omitempty"`
	Mirror   bool   `yaml:"mirror" toml:"mirror"`

	Timing Timing `yaml:"timing" toml:"timing"`
	Pulse  Pulse  `yaml:"pulse" toml:"pulse"`
	SPI    SPI    `yaml:"spi" toml:"spi"`
}

// Default mirrors the demo firmware: 16 dim random pixels once a second.
func Default() *Config {
	t := nrz.WS2812
	return &Config{
		Backend:  BackendSim,
		Pixels:   16,
		PeriodMs: 1000,
		Source:   "random",
		Color:    "ffffff",
		Mask:     0x07,
		Timing: Timing{
			ZeroHighNs:  int(t.Zero.High / time.Nanosecond),
			ZeroLowNs:   int(t.Zero.Low / time.Nanosecond),
			OneHighNs:   int(t.One.High / time.Nanosecond),
			OneLowNs:    int(t.One.Low / time.Nanosecond),
			ResetUs:     int(t.Reset / time.Microsecond),
			ToleranceNs: int(t.Tolerance / time.Nanosecond),
		},
		Pulse: Pulse{ClockHz: 80000000},
		SPI:   SPI{SpeedHz: 2857000, SettleUs: 100},
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads a YAML or TOML file (by extension) over Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if isTOML(path) {
		err = toml.Unmarshal(b, c)
	} else {
		err = yaml.Unmarshal(b, c)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", path)
	}
	return c, nil
}

func Save(path string, c *Config) error {
	var (
		b   []byte
		err error
	)
	if isTOML(path) {
		b, err = toml.Marshal(*c)
	} else {
		b, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// Validate checks values that would only fail later, at startup of the
// backend.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPulse, BackendSerial, BackendNRZ, BackendSim:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Pixels < 0 {
		return fmt.Errorf("pixels must be >= 0, got %d", c.Pixels)
	}
	if c.PeriodMs <= 0 {
		return fmt.Errorf("period_ms must be > 0, got %d", c.PeriodMs)
	}
	if c.Mask < 0 || c.Mask > 0xff {
		return fmt.Errorf("mask must fit a byte, got %#x", c.Mask)
	}
	if _, err := c.ColorPixel(); err != nil {
		return err
	}
	if err := c.NRZTiming().Validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Period() time.Duration {
	return time.Duration(c.PeriodMs) * time.Millisecond
}

// ColorPixel parses Color.
func (c *Config) ColorPixel() (pixel.Pixel, error) {
	return pixel.ParseHex(c.Color)
}

func (c *Config) NRZTiming() nrz.Timing {
	t := c.Timing
	return nrz.Timing{
		Zero:      nrz.Symbol{High: ns(t.ZeroHighNs), Low: ns(t.ZeroLowNs)},
		One:       nrz.Symbol{High: ns(t.OneHighNs), Low: ns(t.OneLowNs)},
		Reset:     time.Duration(t.ResetUs) * time.Microsecond,
		Tolerance: ns(t.ToleranceNs),
	}
}

func (c *Config) PulseClock() physic.Frequency {
	return physic.Frequency(c.Pulse.ClockHz) * physic.Hertz
}

func (c *Config) SPIFreq() physic.Frequency {
	return physic.Frequency(c.SPI.SpeedHz) * physic.Hertz
}

func ns(v int) time.Duration { return time.Duration(v) * time.Nanosecond }

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/neostrip/internal/nrz"
	"github.com/coreman2200/neostrip/internal/pixel"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, nrz.WS2812, c.NRZTiming())
	assert.Equal(t, time.Second, c.Period())
	assert.Equal(t, 80*physic.MegaHertz, c.PulseClock())
	assert.Equal(t, 2857*physic.KiloHertz, c.SPIFreq())
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strip.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: serial\npixels: 600\nspi:\n  dev: SPI0.0\n"), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSerial, c.Backend)
	assert.Equal(t, 600, c.Pixels)
	assert.Equal(t, "SPI0.0", c.SPI.Dev)
	assert.Equal(t, int64(2857000), c.SPI.SpeedHz, "unset fields keep their default")
	assert.Equal(t, 1000, c.PeriodMs)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strip.toml")
	body := "backend = \"pulse\"\npixels = 16\nsource = \"solid\"\ncolor = \"#070003\"\n\n[pulse]\nclock_hz = 40000000\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendPulse, c.Backend)
	assert.Equal(t, 40*physic.MegaHertz, c.PulseClock())
	p, err := c.ColorPixel()
	require.NoError(t, err)
	assert.Equal(t, pixel.Pixel{R: 7, G: 0, B: 3}, p)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			c := Default()
			c.Pixels = 42
			c.Backend = BackendNRZ
			require.NoError(t, Save(path, c))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, c, got)
		})
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"backend": func(c *Config) { c.Backend = "pwm" },
		"pixels":  func(c *Config) { c.Pixels = -1 },
		"period":  func(c *Config) { c.PeriodMs = 0 },
		"mask":    func(c *Config) { c.Mask = 0x100 },
		"color":   func(c *Config) { c.Color = "red" },
		"timing":  func(c *Config) { c.Timing.OneHighNs = c.Timing.ZeroHighNs },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, os.IsNotExist(err))
}

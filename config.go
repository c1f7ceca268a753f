package dynamixel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	yaml "gopkg.in/yaml.v2"
)

// Config collects every externally supplied knob for one bus and its
// controller. Values come from a YAML file, with DXL_* environment
// variables taking precedence.
type Config struct {
	Port     string        `yaml:"port" env:"DXL_PORT"`
	BaudRate int           `yaml:"baudrate" env:"DXL_BAUDRATE"`
	Timeout  time.Duration `yaml:"timeout" env:"DXL_TIMEOUT"`
	Retries  int           `yaml:"retries" env:"DXL_RETRIES"`

	PollPeriod       time.Duration `yaml:"poll_period" env:"DXL_POLL_PERIOD"`
	Staleness        time.Duration `yaml:"staleness" env:"DXL_STALENESS"`
	GetTimeout       time.Duration `yaml:"get_timeout" env:"DXL_GET_TIMEOUT"`
	FailureThreshold int           `yaml:"failure_threshold" env:"DXL_FAILURE_THRESHOLD"`
	ScanStart        int           `yaml:"scan_start" env:"DXL_SCAN_START"`
	ScanEnd          int           `yaml:"scan_end" env:"DXL_SCAN_END"`
}

// UnmarshalYAML accepts durations in the usual "50ms" notation, which the
// yaml package does not parse into time.Duration on its own.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Port     string `yaml:"port"`
		BaudRate int    `yaml:"baudrate"`
		Timeout  string `yaml:"timeout"`
		Retries  int    `yaml:"retries"`

		PollPeriod       string `yaml:"poll_period"`
		Staleness        string `yaml:"staleness"`
		GetTimeout       string `yaml:"get_timeout"`
		FailureThreshold int    `yaml:"failure_threshold"`
		ScanStart        int    `yaml:"scan_start"`
		ScanEnd          int    `yaml:"scan_end"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	c.Port = raw.Port
	c.BaudRate = raw.BaudRate
	c.Retries = raw.Retries
	c.FailureThreshold = raw.FailureThreshold
	c.ScanStart = raw.ScanStart
	c.ScanEnd = raw.ScanEnd

	for _, d := range []struct {
		value string
		field string
		dst   *time.Duration
	}{
		{raw.Timeout, "timeout", &c.Timeout},
		{raw.PollPeriod, "poll_period", &c.PollPeriod},
		{raw.Staleness, "staleness", &c.Staleness},
		{raw.GetTimeout, "get_timeout", &c.GetTimeout},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("bad %s: %w", d.field, err)
		}
		*d.dst = parsed
	}

	return nil
}

// LoadConfig reads a YAML config file and applies environment overrides.
// An empty path skips the file and uses environment variables alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// BusConfig maps the loaded settings onto a bus configuration.
func (c *Config) BusConfig() BusConfig {
	return BusConfig{
		Port:     c.Port,
		BaudRate: c.BaudRate,
		Timeout:  c.Timeout,
		Retries:  c.Retries,
	}
}

// ControllerConfig maps the loaded settings onto a controller configuration.
func (c *Config) ControllerConfig() ControllerConfig {
	return ControllerConfig{
		PollPeriod:       c.PollPeriod,
		Staleness:        c.Staleness,
		GetTimeout:       c.GetTimeout,
		FailureThreshold: c.FailureThreshold,
		ScanStart:        c.ScanStart,
		ScanEnd:          c.ScanEnd,
	}
}

// Open opens the configured serial port, discovers the attached motors and
// starts a controller. The caller owns the returned controller and must
// Close it.
func (c *Config) Open(ctx context.Context) (*Controller, error) {
	bus, err := NewBus(c.BusConfig())
	if err != nil {
		return nil, err
	}

	ctrl := NewController(bus, c.ControllerConfig())
	if err := ctrl.Start(ctx); err != nil {
		bus.Close()
		return nil, err
	}
	return ctrl, nil
}

// Package config loads the ldcstream YAML configuration.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes one bridge connection and the measurement setup.
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	Measure MeasureConfig `yaml:"measure"`
}

// BridgeConfig selects the transport: a TCP address or a serial port.
type BridgeConfig struct {
	Address string `yaml:"address"` // host:port; empty = use serial or discovery
	Port    string `yaml:"port"`    // serial device path
	Baud    int    `yaml:"baud"`
	// Discover enables mDNS discovery when no address or port is set.
	Discover bool `yaml:"discover"`
}

// MeasureConfig carries the chip and decoding parameters.
type MeasureConfig struct {
	DataRate     int     `yaml:"data_rate"`         // Hz
	DriveCurrent int     `yaml:"reg_drive_current"` // 0-31
	SettleTime   float64 `yaml:"settle_time"`       // seconds
	ChipFreq     float64 `yaml:"chip_freq"`         // Hz
	Deglitch     uint16  `yaml:"deglitch"`
	BatchPeriod  float64 `yaml:"batch_period"` // seconds
	Smoothing    float64 `yaml:"smoothing"`
	TickFreq     float64 `yaml:"tick_freq"` // bridge ticks per second
}

// Default returns the configuration matching the chip defaults: 250 Hz
// sampling, 12 MHz reference, 5 ms settle, drive current 15.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Baud: 250000,
		},
		Measure: MeasureConfig{
			DataRate:     250,
			DriveCurrent: 15,
			SettleTime:   0.005,
			ChipFreq:     12000000,
			Deglitch:     0x05,
			BatchPeriod:  0.100,
			Smoothing:    2.0,
			TickFreq:     1000000,
		},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the measurement parameters against chip limits.
func (c *Config) Validate() error {
	m := c.Measure
	if m.DataRate <= 4 {
		return fmt.Errorf("config: data_rate must exceed 4 Hz (got %d)", m.DataRate)
	}
	if m.DriveCurrent < 0 || m.DriveCurrent > 31 {
		return fmt.Errorf("config: reg_drive_current must be 0-31 (got %d)", m.DriveCurrent)
	}
	if m.SettleTime <= 0 {
		return fmt.Errorf("config: settle_time must be positive (got %g)", m.SettleTime)
	}
	if m.ChipFreq <= 0 {
		return fmt.Errorf("config: chip_freq must be positive (got %g)", m.ChipFreq)
	}
	if m.BatchPeriod <= 0 {
		return fmt.Errorf("config: batch_period must be positive (got %g)", m.BatchPeriod)
	}
	// The conversion counts derived from these values are written to
	// 16-bit chip registers and must fit.
	if rcount := m.ChipFreq / (16 * float64(m.DataRate-4)); rcount > math.MaxUint16 {
		return fmt.Errorf("config: data_rate %d Hz too low for chip_freq %g (RCOUNT0 %.0f exceeds 16 bits)",
			m.DataRate, m.ChipFreq, rcount)
	}
	if settle := m.SettleTime * m.ChipFreq / 16; settle > math.MaxUint16 {
		return fmt.Errorf("config: settle_time %g too long for chip_freq %g (SETTLECOUNT0 %.0f exceeds 16 bits)",
			m.SettleTime, m.ChipFreq, settle)
	}
	return nil
}

func applyDefaults(c *Config) {
	d := Default()
	if c.Bridge.Baud == 0 {
		c.Bridge.Baud = d.Bridge.Baud
	}
	m, dm := &c.Measure, d.Measure
	if m.DataRate == 0 {
		m.DataRate = dm.DataRate
	}
	if m.DriveCurrent == 0 {
		m.DriveCurrent = dm.DriveCurrent
	}
	if m.SettleTime == 0 {
		m.SettleTime = dm.SettleTime
	}
	if m.ChipFreq == 0 {
		m.ChipFreq = dm.ChipFreq
	}
	if m.Deglitch == 0 {
		m.Deglitch = dm.Deglitch
	}
	if m.BatchPeriod == 0 {
		m.BatchPeriod = dm.BatchPeriod
	}
	if m.Smoothing == 0 {
		m.Smoothing = dm.Smoothing
	}
	if m.TickFreq == 0 {
		m.TickFreq = dm.TickFreq
	}
}

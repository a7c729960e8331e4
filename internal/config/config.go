// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ffutop/modbus-bridge/internal/transcode"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultBaudRate   = 9600
	DefaultErrorPause = 1 * time.Second
)

var ErrInvalidBinding = errors.New("config: invalid binding")

// Config defines the global configuration structure
type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	ErrorPause time.Duration   `mapstructure:"error_pause"` // Pause after a link failure
	Ports      []PortConfig    `mapstructure:"ports"`
	Bindings   []BindingConfig `mapstructure:"bindings"`
	Entities   []EntityConfig  `mapstructure:"entities"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// SerialConfig defines RTU settings. Data bits, parity, stop bits and read
// timeout are fixed by the bridge.
type SerialConfig struct {
	Device   string `mapstructure:"device"`
	BaudRate int    `mapstructure:"baud_rate"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// PortConfig holds per-device settings shared by every binding on the device.
type PortConfig struct {
	SerialConfig `mapstructure:",squash"`
	Persistence  PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path for "file/mmap/sql" type
}

// BindingConfig defines one emulated holding register.
type BindingConfig struct {
	Name         string `mapstructure:"name"`
	SerialPort   string `mapstructure:"serial_port"`
	BaudRate     int    `mapstructure:"baud_rate"` // 0 uses the port setting
	SlaveID      int    `mapstructure:"slave_id"`
	RegisterAddr int    `mapstructure:"register_addr"`
	Expression   string `mapstructure:"expression"`   // Value source, e.g. "sensor.temp * 10"
	WriteTarget  string `mapstructure:"write_target"` // e.g. "climate.living" or "climate.living.temperature"
	ValueMap     string `mapstructure:"value_map"`    // JSON object, e.g. {"eco": 3, "comfort": 4}
	Scale        uint32 `mapstructure:"scale"`
	Precedence   string `mapstructure:"precedence"` // "scale" (default) or "map"
}

// EntityConfig seeds the application state store.
type EntityConfig struct {
	ID         string         `mapstructure:"id"`
	State      string         `mapstructure:"state"`
	Attributes map[string]any `mapstructure:"attributes"`
}

// Validate checks the binding and returns its parsed value map and precedence.
func (b BindingConfig) Validate() (transcode.ValueMap, transcode.Precedence, error) {
	if b.SerialPort == "" {
		return nil, 0, fmt.Errorf("%w %q: serial_port is required", ErrInvalidBinding, b.Name)
	}
	if b.SlaveID < 0 || b.SlaveID > 255 {
		return nil, 0, fmt.Errorf("%w %q: slave_id %d out of range", ErrInvalidBinding, b.Name, b.SlaveID)
	}
	if b.SlaveID < 1 || b.SlaveID > 247 {
		slog.Warn("Slave address outside 1-247", "binding", b.Name, "slave", b.SlaveID)
	}
	if b.RegisterAddr < 0 || b.RegisterAddr > 0xFFFF {
		return nil, 0, fmt.Errorf("%w %q: register_addr %d out of range", ErrInvalidBinding, b.Name, b.RegisterAddr)
	}
	m, err := transcode.ParseValueMap(b.ValueMap)
	if err != nil {
		return nil, 0, fmt.Errorf("%w %q: %w", ErrInvalidBinding, b.Name, err)
	}
	p, err := transcode.ParsePrecedence(b.Precedence)
	if err != nil {
		return nil, 0, fmt.Errorf("%w %q: %w", ErrInvalidBinding, b.Name, err)
	}
	return m, p, nil
}

// Port returns the settings of device, falling back to defaults when the
// device has no ports entry.
func (c *Config) Port(device string) PortConfig {
	for _, p := range c.Ports {
		if p.Device == device {
			return p
		}
	}
	p := PortConfig{SerialConfig: SerialConfig{Device: device}}
	fixupSerial(&p.SerialConfig)
	return p
}

// Loader reads the configuration file and follows its changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader. An empty configFile searches the default locations.
func NewLoader(configFile string) *Loader {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-bridge/")
		v.AddConfigPath("$HOME/.modbus-bridge")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("error_pause", DefaultErrorPause)

	return &Loader{v: v}
}

// Load reads the configuration file.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to find config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.decode()
}

// File returns the path of the configuration file in use.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the new configuration whenever the file is
// rewritten. Invalid configurations are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			slog.Error("Ignoring invalid configuration", "file", e.Name, "err", err)
			return
		}
		slog.Info("Configuration changed", "file", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	if config.ErrorPause <= 0 {
		config.ErrorPause = DefaultErrorPause
	}
	config.Log.Level = strings.ToLower(config.Log.Level)
	for i := range config.Ports {
		fixupSerial(&config.Ports[i].SerialConfig)
		config.Ports[i].Persistence.Type = strings.ToLower(config.Ports[i].Persistence.Type)
	}
	config.Bindings = AssignNames(config.Bindings)

	return &config, nil
}

// AssignNames returns a copy of bindings in which every unnamed binding is
// named "<serial_port>/<slave_id>/<register_addr>". Unnamed bindings sharing
// a register get "#2", "#3", ... in list order, so a reload of the same list
// yields the same names. Explicit names are kept as written.
func AssignNames(bindings []BindingConfig) []BindingConfig {
	out := make([]BindingConfig, len(bindings))
	copy(out, bindings)

	taken := make(map[string]bool, len(out))
	for _, b := range out {
		if b.Name != "" {
			taken[b.Name] = true
		}
	}
	for i := range out {
		b := &out[i]
		if b.Name != "" {
			continue
		}
		base := fmt.Sprintf("%s/%d/%d", b.SerialPort, b.SlaveID, b.RegisterAddr)
		name := base
		for n := 2; taken[name]; n++ {
			name = fmt.Sprintf("%s#%d", base, n)
		}
		taken[name] = true
		b.Name = name
	}
	return out
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	return NewLoader(configFile).Load()
}

func fixupSerial(s *SerialConfig) {
	if s.BaudRate == 0 {
		s.BaudRate = DefaultBaudRate
	}
}

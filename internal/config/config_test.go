// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ffutop/modbus-bridge/internal/transcode"
	"gotest.tools/v3/assert"
)

const sampleConfig = `
log:
  level: DEBUG
ports:
  - device: /dev/ttyUSB0
    baud_rate: 19200
    rs485: true
    delay_rts_before_send: 2ms
    persistence:
      type: MMAP
      path: /tmp/bridge.dat
bindings:
  - name: living-mode
    serial_port: /dev/ttyUSB0
    baud_rate: 19200
    slave_id: 10
    register_addr: 0
    expression: climate.living
    write_target: climate.living
    value_map: '{"eco": 3, "comfort": 4}'
    precedence: map
  - serial_port: /dev/ttyUSB1
    slave_id: 2
    register_addr: 7
    expression: sensor.outdoor * 10
entities:
  - id: climate.living
    state: heat
    attributes:
      temperature: 21.5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	assert.NilError(t, err)

	assert.Equal(t, cfg.Log.Level, "debug")
	assert.Equal(t, cfg.ErrorPause, DefaultErrorPause)

	assert.Equal(t, len(cfg.Ports), 1)
	port := cfg.Ports[0]
	assert.Equal(t, port.Device, "/dev/ttyUSB0")
	assert.Equal(t, port.BaudRate, 19200)
	assert.Assert(t, port.RS485)
	assert.Equal(t, port.DelayRtsBeforeSend, 2*time.Millisecond)
	assert.Equal(t, port.Persistence.Type, "mmap")

	assert.Equal(t, len(cfg.Bindings), 2)
	b := cfg.Bindings[0]
	assert.Equal(t, b.Name, "living-mode")
	assert.Equal(t, b.SlaveID, 10)
	assert.Equal(t, b.WriteTarget, "climate.living")

	// Defaults for the unnamed binding.
	b = cfg.Bindings[1]
	assert.Equal(t, b.Name, "/dev/ttyUSB1/2/7")
	assert.Equal(t, b.BaudRate, 0)

	assert.Equal(t, len(cfg.Entities), 1)
	assert.Equal(t, cfg.Entities[0].State, "heat")
	assert.Equal(t, cfg.Entities[0].Attributes["temperature"], 21.5)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "config file")
}

func TestPort(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	assert.NilError(t, err)

	assert.Equal(t, cfg.Port("/dev/ttyUSB0").BaudRate, 19200)

	p := cfg.Port("/dev/ttyACM0")
	assert.Equal(t, p.Device, "/dev/ttyACM0")
	assert.Equal(t, p.BaudRate, DefaultBaudRate)
	assert.Equal(t, p.Persistence.Type, "")
}

func TestAssignNames(t *testing.T) {
	in := []BindingConfig{
		{SerialPort: "/dev/ttyUSB0", SlaveID: 1, RegisterAddr: 3},
		{SerialPort: "/dev/ttyUSB0", SlaveID: 1, RegisterAddr: 3},
		{Name: "/dev/ttyUSB0/1/3#3", SerialPort: "/dev/ttyUSB0", SlaveID: 9},
		{SerialPort: "/dev/ttyUSB0", SlaveID: 1, RegisterAddr: 3},
		{Name: "mode", SerialPort: "/dev/ttyUSB0", SlaveID: 2},
	}
	out := AssignNames(in)

	names := make([]string, len(out))
	for i, b := range out {
		names[i] = b.Name
	}
	assert.DeepEqual(t, names, []string{
		"/dev/ttyUSB0/1/3",
		"/dev/ttyUSB0/1/3#2",
		"/dev/ttyUSB0/1/3#3",
		"/dev/ttyUSB0/1/3#4",
		"mode",
	})
	assert.Equal(t, in[0].Name, "")

	again := AssignNames(in)
	assert.DeepEqual(t, again, out)
}

func TestBindingConfig_Validate(t *testing.T) {
	valid := BindingConfig{Name: "ok", SerialPort: "/dev/ttyUSB0", SlaveID: 1, RegisterAddr: 100,
		ValueMap: `{"eco": 3}`, Precedence: "map"}
	m, p, err := valid.Validate()
	assert.NilError(t, err)
	assert.Equal(t, len(m), 1)
	assert.Equal(t, m[0].Key, "eco")
	assert.Equal(t, p, transcode.MapFirst)

	tests := []struct {
		name   string
		mutate func(*BindingConfig)
	}{
		{"NoPort", func(b *BindingConfig) { b.SerialPort = "" }},
		{"SlaveTooLarge", func(b *BindingConfig) { b.SlaveID = 256 }},
		{"NegativeRegister", func(b *BindingConfig) { b.RegisterAddr = -1 }},
		{"RegisterTooLarge", func(b *BindingConfig) { b.RegisterAddr = 0x10000 }},
		{"BadValueMap", func(b *BindingConfig) { b.ValueMap = `["eco"]` }},
		{"BadPrecedence", func(b *BindingConfig) { b.Precedence = "first" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := valid
			tt.mutate(&b)
			_, _, err := b.Validate()
			assert.Assert(t, errors.Is(err, ErrInvalidBinding), "err = %v", err)
		})
	}
}

func TestLoader_Watch(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	l := NewLoader(path)
	_, err := l.Load()
	assert.NilError(t, err)
	assert.Equal(t, l.File(), path)

	changed := make(chan *Config, 8)
	l.Watch(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	updated := sampleConfig + "error_pause: 250ms\n"
	assert.NilError(t, os.WriteFile(path, []byte(updated), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.ErrorPause == 250*time.Millisecond {
				return
			}
		case <-deadline:
			t.Fatal("configuration change not observed")
		}
	}
}

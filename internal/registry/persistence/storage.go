// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps the last master-written value of each register
// so a restarted bridge answers reads with it until the value source reports.
package persistence

import (
	"fmt"

	"github.com/ffutop/modbus-bridge/modbus"
)

// Storage defines the interface for persisting register values.
type Storage interface {
	// Load returns every stored register value.
	Load() (map[modbus.RegisterKey]int16, error)

	// OnWrite is a hook called whenever the master writes a register.
	// It allows the storage to perform real-time persistence (e.g. sync to disk or DB).
	OnWrite(key modbus.RegisterKey, value int16)

	Close() error
}

// Open creates the storage named by kind ("memory", "file", "mmap", "sql").
// For "sql" the path is a sqlite3 DSN; the driver must be imported by main.
func Open(kind, path string) (Storage, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		return NewFileStorage(path), nil
	case "mmap":
		return NewMmapStorage(path), nil
	case "sql":
		return NewSQLStorage("sqlite3", path), nil
	default:
		return nil, fmt.Errorf("unknown persistence type %q", kind)
	}
}

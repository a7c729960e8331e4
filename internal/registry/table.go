// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package registry holds the register bindings served on one serial link.
package registry

import (
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-bridge/internal/registry/persistence"
	"github.com/ffutop/modbus-bridge/internal/transcode"
	"github.com/ffutop/modbus-bridge/modbus"
	"github.com/google/uuid"
)

// Config is the write-back configuration of a binding. It can be replaced
// while the binding is live.
type Config struct {
	WriteTarget string
	ValueMap    transcode.ValueMap
	Scale       uint32
	Precedence  transcode.Precedence
}

// Binding is one emulated holding register.
type Binding struct {
	ID      uuid.UUID
	SlaveID byte
	Address uint16
	Value   int16
	Config
}

// Key returns the register the binding answers for.
func (b Binding) Key() modbus.RegisterKey {
	return modbus.RegisterKey{SlaveID: b.SlaveID, Address: b.Address}
}

// Table maps (slave, register) to bindings. All methods are safe for
// concurrent use; a binding is never observed half updated.
//
// When several bindings share a key the first registered one serves it.
type Table struct {
	mu       sync.RWMutex
	bindings map[uuid.UUID]*Binding
	index    map[modbus.RegisterKey][]uuid.UUID // registration order

	storage  persistence.Storage
	restored map[modbus.RegisterKey]int16
}

// NewTable creates a table. storage may be nil; otherwise its stored values
// seed new bindings and master writes are forwarded to it.
func NewTable(storage persistence.Storage) (*Table, error) {
	t := &Table{
		bindings: make(map[uuid.UUID]*Binding),
		index:    make(map[modbus.RegisterKey][]uuid.UUID),
		storage:  storage,
	}
	if storage != nil {
		values, err := storage.Load()
		if err != nil {
			return nil, err
		}
		t.restored = values
	}
	return t, nil
}

// Register adds b under a fresh id and returns it. A key already served by
// another binding is logged, not rejected.
func (t *Table) Register(b Binding) uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	b.ID = uuid.New()
	b.ValueMap = b.ValueMap.Clone()
	key := b.Key()
	if v, ok := t.restored[key]; ok {
		b.Value = v
	}
	if existing := t.index[key]; len(existing) > 0 {
		slog.Warn("Duplicate register detected", "slave", b.SlaveID, "register", b.Address, "existing", existing[0], "new", b.ID)
	}

	t.bindings[b.ID] = &b
	t.index[key] = append(t.index[key], b.ID)
	return b.ID
}

// Unregister removes the binding. It reports whether it existed.
func (t *Table) Unregister(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[id]
	if !ok {
		return false
	}
	delete(t.bindings, id)

	key := b.Key()
	ids := t.index[key]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(t.index, key)
		delete(t.restored, key)
	} else {
		t.index[key] = ids
	}
	return true
}

// Lookup returns the binding serving (slaveID, address).
func (t *Table) Lookup(slaveID byte, address uint16) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.index[modbus.RegisterKey{SlaveID: slaveID, Address: address}]
	if len(ids) == 0 {
		return uuid.Nil, false
	}
	return ids[0], true
}

// Value returns the current value of a binding.
func (t *Table) Value(id uuid.UUID) (int16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.bindings[id]
	if !ok {
		return 0, false
	}
	return b.Value, true
}

// SetValue stores a value produced by the value source.
func (t *Table) SetValue(id uuid.UUID, v int16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[id]
	if !ok {
		return false
	}
	b.Value = v
	return true
}

// Reconfigure replaces the write-back configuration of a binding.
func (t *Table) Reconfigure(id uuid.UUID, cfg Config) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[id]
	if !ok {
		return false
	}
	cfg.ValueMap = cfg.ValueMap.Clone()
	b.Config = cfg
	return true
}

// Snapshot returns a copy of a binding.
func (t *Table) Snapshot(id uuid.UUID) (Binding, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.bindings[id]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Read returns the value of the binding serving (slaveID, address).
func (t *Table) Read(slaveID byte, address uint16) (int16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b := t.serving(modbus.RegisterKey{SlaveID: slaveID, Address: address})
	if b == nil {
		return 0, false
	}
	return b.Value, true
}

// Write stores a master-written value into the binding serving
// (slaveID, address) and returns a snapshot taken under the same lock.
func (t *Table) Write(slaveID byte, address uint16, v int16) (Binding, bool) {
	key := modbus.RegisterKey{SlaveID: slaveID, Address: address}

	t.mu.Lock()
	b := t.serving(key)
	if b == nil {
		t.mu.Unlock()
		return Binding{}, false
	}
	b.Value = v
	snap := *b
	t.mu.Unlock()

	if t.storage != nil {
		t.storage.OnWrite(key, v)
	}
	return snap, true
}

// Len returns the number of live bindings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bindings)
}

// Duplicates lists keys served by more than one binding.
func (t *Table) Duplicates() map[modbus.RegisterKey][]uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[modbus.RegisterKey][]uuid.UUID)
	for key, ids := range t.index {
		if len(ids) > 1 {
			out[key] = append([]uuid.UUID(nil), ids...)
		}
	}
	return out
}

// Close releases the persistence storage.
func (t *Table) Close() error {
	if t.storage == nil {
		return nil
	}
	return t.storage.Close()
}

// serving returns the first-registered binding for key. Caller must hold the mutex.
func (t *Table) serving(key modbus.RegisterKey) *Binding {
	ids := t.index[key]
	if len(ids) == 0 {
		return nil
	}
	return t.bindings[ids[0]]
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"sync"

	"github.com/ffutop/modbus-bridge/modbus"
)

// MemoryStorage keeps values for the lifetime of the process only.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[modbus.RegisterKey]int16
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[modbus.RegisterKey]int16)}
}

func (ms *MemoryStorage) Load() (map[modbus.RegisterKey]int16, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make(map[modbus.RegisterKey]int16, len(ms.values))
	for k, v := range ms.values {
		out[k] = v
	}
	return out, nil
}

func (ms *MemoryStorage) OnWrite(key modbus.RegisterKey, value int16) {
	ms.mu.Lock()
	ms.values[key] = value
	ms.mu.Unlock()
}

func (ms *MemoryStorage) Close() error {
	return nil
}

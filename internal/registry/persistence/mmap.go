// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/ffutop/modbus-bridge/modbus"
)

// MmapStorage implements persistence using a memory-mapped file.
// Writes land in the mapping directly; OnWrite flushes them.
type MmapStorage struct {
	path string

	mu   sync.Mutex
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		path: path,
	}
}

// Load maps the file, creating and formatting it if necessary.
func (ms *MmapStorage) Load() (map[modbus.RegisterKey]int16, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	// Open file, creating if necessary
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap file: %w", err)
	}

	// Ensure file size
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data

	img := image(ms.data)
	if img.init() {
		if err := ms.data.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush mmap: %w", err)
		}
	}
	return img.entries(), nil
}

// OnWrite updates the mapping and flushes it to disk.
func (ms *MmapStorage) OnWrite(key modbus.RegisterKey, value int16) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.data == nil {
		return
	}
	if _, err := image(ms.data).put(key, value); err != nil {
		slog.Error("Failed to persist register", "key", key, "err", err)
		return
	}
	if err := ms.data.Flush(); err != nil {
		slog.Error("Failed to flush mmap", "err", err)
	}
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}

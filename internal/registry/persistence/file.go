// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ffutop/modbus-bridge/modbus"
)

// FileStorage implements persistence using plain file operations.
// Each write rewrites only the touched slot and syncs it.
type FileStorage struct {
	path string

	mu   sync.Mutex
	file *os.File
	data image
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load reads the image from the file, creating and formatting it if necessary.
func (fs *FileStorage) Load() (map[modbus.RegisterKey]int16, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Open file, creating if necessary
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.file = f
	fs.data = image(data)

	if fs.data.init() {
		if _, err := f.WriteAt(fs.data, 0); err != nil {
			return nil, fmt.Errorf("failed to format file: %w", err)
		}
	}
	return fs.data.entries(), nil
}

// OnWrite writes the slot of key and syncs the file.
func (fs *FileStorage) OnWrite(key modbus.RegisterKey, value int16) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.data == nil || fs.file == nil {
		return
	}
	off, err := fs.data.put(key, value)
	if err != nil {
		slog.Error("Failed to persist register", "key", key, "err", err)
		return
	}
	if _, err := fs.file.WriteAt(fs.data[off:off+slotSize], int64(off)); err != nil {
		slog.Error("Failed to write file", "key", key, "err", err)
		return
	}
	if err := fs.file.Sync(); err != nil {
		slog.Error("Failed to sync file", "err", err)
	}
}

// Close the file.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	fs.data = nil
	return err
}

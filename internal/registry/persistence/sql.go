// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-bridge/modbus"
)

// SQLStorage implements persistence using a SQL database.
// It creates the `register_values` table if it does not exist.
type SQLStorage struct {
	driver string
	dsn    string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLStorage creates a new SQLStorage.
// Note: The driver (e.g., sqlite3) must be imported in main.go
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
	}
}

// Load connects to the DB and reads every stored value.
func (s *SQLStorage) Load() (map[modbus.RegisterKey]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	rows, err := db.Query("SELECT slave_id, address, value FROM register_values")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	values := make(map[modbus.RegisterKey]int16)
	for rows.Next() {
		var slave, addr, val int
		if err := rows.Scan(&slave, &addr, &val); err != nil {
			continue
		}
		if slave < 0 || slave > 255 || addr < 0 || addr > 0xFFFF {
			continue
		}
		values[modbus.RegisterKey{SlaveID: byte(slave), Address: uint16(addr)}] = int16(val)
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read registers: %w", err)
	}

	s.db = db
	return values, nil
}

func initSchema(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS register_values (
		slave_id INTEGER,
		address INTEGER,
		value INTEGER,
		PRIMARY KEY (slave_id, address)
	);
	`
	_, err := db.Exec(query)
	return err
}

// OnWrite upserts the changed register to the DB.
func (s *SQLStorage) OnWrite(key modbus.RegisterKey, value int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return
	}
	query := "INSERT INTO register_values (slave_id, address, value) VALUES (?, ?, ?) ON CONFLICT(slave_id, address) DO UPDATE SET value=excluded.value"
	if _, err := s.db.Exec(query, int(key.SlaveID), int(key.Address), int(value)); err != nil {
		slog.Error("Failed to persist register", "key", key, "err", err)
	}
}

func (s *SQLStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slave executes RTU requests against a register table.
package slave

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-bridge/internal/registry"
	"github.com/ffutop/modbus-bridge/internal/transcode"
	"github.com/ffutop/modbus-bridge/modbus"
	"github.com/ffutop/modbus-bridge/modbus/rtu"
	"github.com/google/uuid"
)

const defaultQueueSize = 64

var ErrClosed = errors.New("slave: closed")

// Sink applies a master-written value, already converted to its symbolic
// form, to application state.
type Sink interface {
	Apply(ctx context.Context, target, value string) error
}

type writeBack struct {
	binding uuid.UUID
	key     modbus.RegisterKey
	raw     int16
	cfg     registry.Config
}

// Slave implements the read-holding-register and write-single-register
// functions on top of a registry.Table.
//
// Write-backs run on one worker goroutine in arrival order, so the wire
// response never waits for the sink.
type Slave struct {
	table *registry.Table
	sink  Sink

	mu      sync.Mutex
	started bool
	closed  bool
	senders sync.WaitGroup
	queue   chan writeBack
	stop    chan struct{}
	done    chan struct{}
}

// NewSlave creates a new Slave. sink may be nil when no binding has a write target.
func NewSlave(table *registry.Table, sink Sink) *Slave {
	return &Slave{
		table: table,
		sink:  sink,
		queue: make(chan writeBack, defaultQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the write-back worker until Close. ctx is handed to the sink.
func (s *Slave) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.worker(ctx)
}

// Handle executes a CRC-valid request frame. A nil response means the
// request is not answered: unknown register, or unsupported function.
func (s *Slave) Handle(frame []byte) ([]byte, error) {
	req, err := rtu.DecodeRequest(frame)
	if err != nil {
		return nil, err
	}

	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleReadHoldingRegister(req), nil
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister(req, frame)
	default:
		slog.Debug("Ignoring unsupported function", "slave", req.SlaveID, "func", req.FunctionCode)
		return nil, nil
	}
}

func (s *Slave) handleReadHoldingRegister(req rtu.Request) []byte {
	value, ok := s.table.Read(req.SlaveID, req.Address)
	if !ok {
		return nil
	}
	slog.Debug("Sent register value", "slave", req.SlaveID, "register", req.Address, "value", value)
	return rtu.ReadResponse(req.SlaveID, value)
}

func (s *Slave) handleWriteSingleRegister(req rtu.Request, frame []byte) ([]byte, error) {
	value := int16(req.Value)
	b, ok := s.table.Write(req.SlaveID, req.Address, value)
	if !ok {
		return nil, nil
	}
	slog.Info("Received value from master", "slave", req.SlaveID, "register", req.Address, "value", value)

	resp := rtu.WriteResponse(frame)
	if b.WriteTarget == "" {
		return resp, nil
	}
	if err := s.enqueue(writeBack{binding: b.ID, key: b.Key(), raw: value, cfg: b.Config}); err != nil {
		return resp, err
	}
	return resp, nil
}

func (s *Slave) enqueue(wb writeBack) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	// Blocks when the sink falls behind rather than reordering.
	select {
	case s.queue <- wb:
		return nil
	case <-s.stop:
		return ErrClosed
	}
}

func (s *Slave) worker(ctx context.Context) {
	defer close(s.done)
	for wb := range s.queue {
		s.apply(ctx, wb)
	}
}

func (s *Slave) apply(ctx context.Context, wb writeBack) {
	value := transcode.FromRegister(wb.raw, wb.cfg.ValueMap, wb.cfg.Scale, wb.cfg.Precedence)
	if s.sink == nil {
		slog.Warn("No write-back sink configured", "target", wb.cfg.WriteTarget)
		return
	}
	if err := s.sink.Apply(ctx, wb.cfg.WriteTarget, value); err != nil {
		slog.Warn("Write-back failed", "binding", wb.binding, "slave", wb.key.SlaveID, "register", wb.key.Address, "target", wb.cfg.WriteTarget, "value", value, "err", err)
		return
	}
	slog.Info("Applied write-back", "slave", wb.key.SlaveID, "register", wb.key.Address, "target", wb.cfg.WriteTarget, "value", value, "raw", wb.raw, "scale", wb.cfg.Scale)
}

// Close stops accepting write-backs and waits until the queued ones are applied.
func (s *Slave) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	started := s.started
	s.mu.Unlock()

	s.senders.Wait()
	close(s.queue)
	if started {
		<-s.done
	}
}

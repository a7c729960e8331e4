// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	mbrtu "github.com/ffutop/modbus-bridge/modbus/rtu"
	"github.com/ffutop/modbus-bridge/transport"
)

const (
	defaultErrorPause = 1 * time.Second
	readBufferSize    = mbrtu.MaxSize
)

// Server drives a frame handler against a serial port. It acts as a Slave on
// the serial bus, answering requests from an external Master.
type Server struct {
	Device     string
	ErrorPause time.Duration // pause after a transport or handler failure

	port    io.ReadWriteCloser
	handler transport.FrameHandler
}

// NewServer creates a new RTU Server on an already opened port. The port is
// owned by the server and closed when Serve returns.
func NewServer(device string, port io.ReadWriteCloser, handler transport.FrameHandler) *Server {
	return &Server{
		Device:     device,
		ErrorPause: defaultErrorPause,
		port:       port,
		handler:    handler,
	}
}

type readResult struct {
	data []byte
	err  error
}

// Serve runs the control loop until ctx is cancelled. Frames are handled
// strictly in arrival order. On return the port is closed and no further
// response is written.
func (s *Server) Serve(ctx context.Context) error {
	defer func() {
		if err := s.port.Close(); err != nil {
			slog.Debug("Closing serial port failed", "device", s.Device, "err", err)
		}
		slog.Info("RTU slave stopped", "device", s.Device)
	}()
	slog.Info("RTU slave listening", "device", s.Device)

	stop := make(chan struct{})
	defer close(stop)
	reads := make(chan readResult)
	go s.readLoop(reads, stop)

	var asm mbrtu.Assembler
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-reads:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("Serial read failed", "device", s.Device, "err", r.err)
				if !s.pause(ctx) {
					return nil
				}
				continue
			}
			for _, b := range r.data {
				frame, ok := asm.Feed(b)
				if !ok {
					continue
				}
				if !s.respond(ctx, frame) {
					asm.Reset()
					if !s.pause(ctx) {
						return nil
					}
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// readLoop offloads the blocking reads. Closing the port unblocks it.
func (s *Server) readLoop(reads chan<- readResult, stop <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.port.Read(buf)
		if err != nil && isTimeout(err) {
			err = nil
		}
		if n == 0 && err == nil {
			continue
		}
		r := readResult{err: err}
		if n > 0 {
			r.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case reads <- r:
		case <-stop:
			return
		}
	}
}

// respond hands a frame to the handler and writes its response. It reports
// false when the link should back off.
func (s *Server) respond(ctx context.Context, frame []byte) bool {
	resp, err := s.processFrame(frame)
	if err != nil {
		slog.Error("Frame processing failed", "device", s.Device, "frame", fmt.Sprintf("% X", frame), "err", err)
		return false
	}
	if resp == nil || ctx.Err() != nil {
		return true
	}
	if _, err := s.port.Write(resp); err != nil {
		slog.Error("Serial write failed", "device", s.Device, "err", err)
		return false
	}
	return true
}

func (s *Server) processFrame(frame []byte) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("panic while handling frame: %v", r)
		}
	}()
	return s.handler.Handle(frame)
}

// pause waits ErrorPause. It reports false if ctx ended first.
func (s *Server) pause(ctx context.Context) bool {
	d := s.ErrorPause
	if d <= 0 {
		d = defaultErrorPause
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

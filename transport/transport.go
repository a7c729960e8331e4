// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"io"

	"github.com/ffutop/modbus-bridge/internal/config"
)

// FrameHandler answers one complete, CRC-valid request frame.
// A nil response means the request is not answered.
type FrameHandler interface {
	Handle(frame []byte) ([]byte, error)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(frame []byte) ([]byte, error)

func (f FrameHandlerFunc) Handle(frame []byte) ([]byte, error) { return f(frame) }

// Opener opens the byte channel of a serial device.
type Opener func(ctx context.Context, cfg config.SerialConfig) (io.ReadWriteCloser, error)

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"github.com/ffutop/modbus-bridge/modbus/crc"
)

// State of the frame assembler.
type State int

const (
	StateIdle         State = iota // buffer empty
	StateAccumulating              // 1-7 bytes buffered
	StateFrameReady                // a full candidate frame is buffered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFrameReady:
		return "frame-ready"
	default:
		return "unknown"
	}
}

// Assembler detects 8-byte request frames in a byte stream.
//
// Bytes are fed one at a time. Once eight are buffered the candidate is
// checked against its CRC. On mismatch exactly one leading byte is dropped,
// so alignment recovers after a spurious byte without losing the bytes of a
// legitimate frame that follows. On match the frame is handed out and the
// buffer starts over.
//
// An Assembler is not safe for concurrent use; it belongs to one control loop.
type Assembler struct {
	buf [RequestSize]byte
	n   int

	// Resyncs counts bytes dropped on CRC mismatch.
	Resyncs uint64
}

// Feed appends b and returns a complete, CRC-valid frame if one is ready.
// The returned slice is a copy owned by the caller.
func (a *Assembler) Feed(b byte) ([]byte, bool) {
	a.buf[a.n] = b
	a.n++
	if a.n < RequestSize {
		return nil, false
	}

	sum := crc.Checksum(a.buf[:RequestSize-2])
	received := uint16(a.buf[RequestSize-1])<<8 | uint16(a.buf[RequestSize-2])
	if sum != received {
		copy(a.buf[:], a.buf[1:a.n])
		a.n--
		a.Resyncs++
		return nil, false
	}

	frame := make([]byte, RequestSize)
	copy(frame, a.buf[:])
	a.n = 0
	return frame, true
}

// Reset drops everything buffered.
func (a *Assembler) Reset() {
	a.n = 0
}

// Buffered returns the number of bytes waiting for a frame boundary.
func (a *Assembler) Buffered() int {
	return a.n
}

// State reports the assembler state.
func (a *Assembler) State() State {
	switch {
	case a.n == 0:
		return StateIdle
	case a.n < RequestSize:
		return StateAccumulating
	default:
		return StateFrameReady
	}
}

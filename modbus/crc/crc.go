// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the Modbus RTU CRC16 (poly 0xA001, init 0xFFFF).
package crc

const (
	initial    = 0xFFFF
	polynomial = 0xA001
)

// CRC is an incremental Modbus CRC16 accumulator.
type CRC struct {
	value uint16
}

// Reset restores the initial register value.
func (crc *CRC) Reset() *CRC {
	crc.value = initial
	return crc
}

// PushBytes folds bs into the checksum.
func (crc *CRC) PushBytes(bs []byte) *CRC {
	v := crc.value
	for _, b := range bs {
		v ^= uint16(b)
		for i := 0; i < 8; i++ {
			if v&1 != 0 {
				v = (v >> 1) ^ polynomial
			} else {
				v >>= 1
			}
		}
	}
	crc.value = v
	return crc
}

// Value returns the checksum. On the wire the low byte goes first.
func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum returns the CRC16 of b.
func Checksum(b []byte) uint16 {
	var crc CRC
	return crc.Reset().PushBytes(b).Value()
}

// Append appends the CRC16 of b to b, low byte first.
func Append(b []byte) []byte {
	sum := Checksum(b)
	return append(b, byte(sum), byte(sum>>8))
}

// Valid reports whether the last two bytes of frame are the CRC of the rest.
func Valid(frame []byte) bool {
	n := len(frame)
	if n < 3 {
		return false
	}
	received := uint16(frame[n-1])<<8 | uint16(frame[n-2])
	return received == Checksum(frame[:n-2])
}

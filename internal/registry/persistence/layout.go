// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/binary"
	"errors"

	"github.com/ffutop/modbus-bridge/modbus"
)

// On-disk image shared by FileStorage and MmapStorage.
//
// Layout:
//   - Header: 8 bytes, magic "MBRB", version (uint16 LE), 2 reserved.
//   - Slots: slotCount * 8 bytes, open addressing with linear probing.
//     Each slot is [used, slaveID, addr lo, addr hi, value lo, value hi, 0, 0].
//
// Total size: 32776 bytes.
const (
	headerSize = 8
	slotSize   = 8
	slotCount  = 4096
	totalSize  = headerSize + slotSize*slotCount

	layoutVersion = 1
)

var magic = [4]byte{'M', 'B', 'R', 'B'}

var ErrStorageFull = errors.New("persistence: no free slot")

// image interprets a byte slice with the layout above. It performs no I/O.
type image []byte

// init formats the header if it is missing or from another version.
// It reports whether the slice was (re)initialised.
func (img image) init() bool {
	if [4]byte(img[0:4]) == magic && binary.LittleEndian.Uint16(img[4:6]) == layoutVersion {
		return false
	}
	clear(img)
	copy(img[0:4], magic[:])
	binary.LittleEndian.PutUint16(img[4:6], layoutVersion)
	return true
}

func (img image) slot(i int) []byte {
	off := headerSize + i*slotSize
	return img[off : off+slotSize]
}

func hash(key modbus.RegisterKey) int {
	h := uint32(key.SlaveID)<<16 | uint32(key.Address)
	h *= 2654435761
	return int(h>>20) % slotCount
}

// find returns the slot holding key, or the first free slot on its probe path.
func (img image) find(key modbus.RegisterKey) (idx int, found bool, err error) {
	start := hash(key)
	for n := 0; n < slotCount; n++ {
		i := (start + n) % slotCount
		s := img.slot(i)
		if s[0] == 0 {
			return i, false, nil
		}
		if s[1] == key.SlaveID && binary.LittleEndian.Uint16(s[2:4]) == key.Address {
			return i, true, nil
		}
	}
	return 0, false, ErrStorageFull
}

// put stores value and returns the byte offset of the touched slot.
func (img image) put(key modbus.RegisterKey, value int16) (int, error) {
	i, _, err := img.find(key)
	if err != nil {
		return 0, err
	}
	s := img.slot(i)
	s[0] = 1
	s[1] = key.SlaveID
	binary.LittleEndian.PutUint16(s[2:4], key.Address)
	binary.LittleEndian.PutUint16(s[4:6], uint16(value))
	return headerSize + i*slotSize, nil
}

func (img image) entries() map[modbus.RegisterKey]int16 {
	out := make(map[modbus.RegisterKey]int16)
	for i := 0; i < slotCount; i++ {
		s := img.slot(i)
		if s[0] == 0 {
			continue
		}
		key := modbus.RegisterKey{SlaveID: s[1], Address: binary.LittleEndian.Uint16(s[2:4])}
		out[key] = int16(binary.LittleEndian.Uint16(s[4:6]))
	}
	return out
}

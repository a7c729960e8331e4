// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4
	MaxSize = 256

	// RequestSize is the fixed length of a read-holding or write-single request:
	// [SlaveID, Func, AddrHi, AddrLo, ValHi, ValLo, CrcLo, CrcHi]
	RequestSize = 8
	// ReadResponseSize is [SlaveID, Func, ByteCount=2, ValHi, ValLo, CrcLo, CrcHi]
	ReadResponseSize = 7
)

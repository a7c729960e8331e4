// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol vocabulary shared by the RTU codec,
// the register table and the dispatcher.
package modbus

import "fmt"

// Function Codes served by the bridge.
const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeWriteSingleRegister  = 0x06
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// RegisterKey addresses one holding register of one slave.
type RegisterKey struct {
	SlaveID byte
	Address uint16
}

func (k RegisterKey) String() string {
	return fmt.Sprintf("slave %d register %d", k.SlaveID, k.Address)
}

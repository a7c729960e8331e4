// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-bridge/modbus"
	"github.com/ffutop/modbus-bridge/modbus/crc"
)

// ApplicationDataUnit is an RTU frame: slave address, PDU and CRC.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode validates the CRC of raw and splits it into slave id and PDU.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", length, MinSize)
		return
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	expected := crc.Checksum(raw[:length-2])
	if checksum != expected {
		err = fmt.Errorf("modbus: frame crc '%v' does not match expected '%v'", checksum, expected)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.SlaveID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	raw = make([]byte, 2, length)
	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	raw = append(raw, adu.Pdu.Data...)
	return crc.Append(raw), nil
}

// Request is a decoded single-register request.
type Request struct {
	SlaveID      byte
	FunctionCode byte
	Address      uint16
	Value        uint16
}

// Key returns the register the request addresses.
func (r Request) Key() modbus.RegisterKey {
	return modbus.RegisterKey{SlaveID: r.SlaveID, Address: r.Address}
}

// DecodeRequest parses a CRC-checked 8-byte request frame.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) != RequestSize {
		return Request{}, fmt.Errorf("modbus: request length '%v' must be '%v'", len(frame), RequestSize)
	}
	adu, err := Decode(frame)
	if err != nil {
		return Request{}, err
	}
	return Request{
		SlaveID:      adu.SlaveID,
		FunctionCode: adu.Pdu.FunctionCode,
		Address:      binary.BigEndian.Uint16(adu.Pdu.Data[0:2]),
		Value:        binary.BigEndian.Uint16(adu.Pdu.Data[2:4]),
	}, nil
}

// EncodeRequest builds an 8-byte request frame. Used by tools and tests acting as master.
func EncodeRequest(r Request) []byte {
	raw := make([]byte, 6, RequestSize)
	raw[0] = r.SlaveID
	raw[1] = r.FunctionCode
	binary.BigEndian.PutUint16(raw[2:4], r.Address)
	binary.BigEndian.PutUint16(raw[4:6], r.Value)
	return crc.Append(raw)
}

// ReadResponse builds the answer to a read-holding-register request for one register.
func ReadResponse(slaveID byte, value int16) []byte {
	raw := make([]byte, 5, ReadResponseSize)
	raw[0] = slaveID
	raw[1] = modbus.FuncCodeReadHoldingRegisters
	raw[2] = 2
	binary.BigEndian.PutUint16(raw[3:5], uint16(value))
	return crc.Append(raw)
}

// WriteResponse echoes a validated write-single-register request.
func WriteResponse(frame []byte) []byte {
	resp := make([]byte, RequestSize)
	copy(resp, frame[:RequestSize])
	return resp
}

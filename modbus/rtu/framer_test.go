// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"testing"
)

func feedAll(a *Assembler, data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if f, ok := a.Feed(b); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestAssembler_SingleFrame(t *testing.T) {
	req := EncodeRequest(Request{SlaveID: 10, FunctionCode: 0x03, Address: 0, Value: 1})

	var a Assembler
	if a.State() != StateIdle {
		t.Fatalf("initial state = %v, want idle", a.State())
	}
	for i, b := range req[:len(req)-1] {
		if _, ok := a.Feed(b); ok {
			t.Fatalf("frame reported after %d bytes", i+1)
		}
		if a.State() != StateAccumulating {
			t.Fatalf("state after %d bytes = %v, want accumulating", i+1, a.State())
		}
	}
	frame, ok := a.Feed(req[len(req)-1])
	if !ok {
		t.Fatal("frame not detected")
	}
	if !bytes.Equal(frame, req) {
		t.Errorf("frame = % X, want % X", frame, req)
	}
	if a.State() != StateIdle || a.Buffered() != 0 {
		t.Errorf("buffer not reset: state %v, %d bytes", a.State(), a.Buffered())
	}
}

func TestAssembler_Resync(t *testing.T) {
	valid := EncodeRequest(Request{SlaveID: 1, FunctionCode: 0x06, Address: 2, Value: 7})

	tests := []struct {
		name  string
		input []byte
	}{
		{"LeadingGarbage", append([]byte{0xFF, 0x00, 0x13}, valid...)},
		{"CorruptedFrameThenValid", func() []byte {
			bad := append([]byte(nil), valid...)
			bad[4] ^= 0x40
			return append(bad, valid...)
		}()},
		{"TruncatedFrameThenValid", append(append([]byte(nil), valid[:5]...), valid...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Assembler
			frames := feedAll(&a, tt.input)
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			if !bytes.Equal(frames[0], valid) {
				t.Errorf("frame = % X, want % X", frames[0], valid)
			}
			if a.Resyncs == 0 {
				t.Error("expected at least one resync")
			}
		})
	}
}

func TestAssembler_BackToBack(t *testing.T) {
	first := EncodeRequest(Request{SlaveID: 1, FunctionCode: 0x03, Address: 0, Value: 1})
	second := EncodeRequest(Request{SlaveID: 2, FunctionCode: 0x06, Address: 5, Value: 0xFFFF})

	var a Assembler
	frames := feedAll(&a, append(append([]byte(nil), first...), second...))
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], first) || !bytes.Equal(frames[1], second) {
		t.Errorf("frames = % X, want % X then % X", frames, first, second)
	}
	if a.Resyncs != 0 {
		t.Errorf("Resyncs = %d, want 0", a.Resyncs)
	}
}

func TestAssembler_Reset(t *testing.T) {
	var a Assembler
	a.Feed(0x01)
	a.Feed(0x03)
	a.Reset()
	if a.State() != StateIdle {
		t.Errorf("state after Reset = %v", a.State())
	}
}

func TestDecodeRequest(t *testing.T) {
	frame := EncodeRequest(Request{SlaveID: 10, FunctionCode: 0x06, Address: 0x1234, Value: 0xABCD})
	req, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.SlaveID != 10 || req.FunctionCode != 0x06 || req.Address != 0x1234 || req.Value != 0xABCD {
		t.Errorf("DecodeRequest = %+v", req)
	}

	frame[7] ^= 0xFF
	if _, err := DecodeRequest(frame); err == nil {
		t.Error("expected crc error")
	}
	if _, err := DecodeRequest(frame[:6]); err == nil {
		t.Error("expected length error")
	}
}

func TestReadResponse(t *testing.T) {
	resp := ReadResponse(10, 42)
	adu, err := Decode(resp)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if adu.SlaveID != 10 || adu.Pdu.FunctionCode != 0x03 {
		t.Errorf("header = %d/%d", adu.SlaveID, adu.Pdu.FunctionCode)
	}
	if !bytes.Equal(adu.Pdu.Data, []byte{2, 0, 42}) {
		t.Errorf("data = % X", adu.Pdu.Data)
	}

	neg := ReadResponse(1, -2)
	if neg[3] != 0xFF || neg[4] != 0xFE {
		t.Errorf("negative value encoded as % X", neg[3:5])
	}
}

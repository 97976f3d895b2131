// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestCRC(t *testing.T) {
	var crc crc
	crc.reset().pushBytes([]byte{0x01, 0x03}).pushBytes([]byte{0x00, 0x00, 0x00, 0x0A})

	if 0xCDC5 != crc.value() {
		t.Fatalf("crc expected %v, actual %v", 0xCDC5, crc.value())
	}
}

func TestRTUEncoding(t *testing.T) {
	adu := ApplicationDataUnit{
		UnitID: 0x01,
		PDU:    ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x0A}},
	}
	raw, err := RTUFramer{}.Encode(&adu)
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	if !bytes.Equal(expected, raw) {
		t.Fatalf("adu: expected % x, actual % x", expected, raw)
	}
}

func TestRTUDecoding(t *testing.T) {
	raw := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	adu, n, err := RTUFramer{}.Decode(raw, DirectionRequest)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) || adu.UnitID != 1 || adu.PDU.FunctionCode != FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected frame %+v of %v bytes", adu, n)
	}
	if !bytes.Equal(adu.PDU.Data, raw[2:6]) {
		t.Fatalf("data: expected % x, actual % x", raw[2:6], adu.PDU.Data)
	}
}

func TestRTUDecodeIncomplete(t *testing.T) {
	for _, tt := range []struct {
		pdu ProtocolDataUnit
		dir Direction
	}{
		{ProtocolDataUnit{FunctionCode: FuncCodeReadCoils, Data: []byte{0, 1, 0, 8}}, DirectionRequest},
		{ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleRegisters, Data: []byte{0, 1, 0, 2, 4, 0, 1, 0, 2}}, DirectionRequest},
		{ProtocolDataUnit{FunctionCode: FuncCodeReadWriteMultipleRegisters, Data: []byte{0, 1, 0, 1, 0, 2, 0, 1, 2, 0, 7}}, DirectionRequest},
		{ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{4, 0, 1, 0, 2}}, DirectionResponse},
		{ProtocolDataUnit{FunctionCode: FuncCodeMaskWriteRegister, Data: []byte{0, 4, 0, 0xF2, 0, 0x25}}, DirectionResponse},
		{ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters | exceptionFlag, Data: []byte{2}}, DirectionResponse},
	} {
		raw, err := RTUFramer{}.Encode(&ApplicationDataUnit{UnitID: 9, PDU: tt.pdu})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < len(raw); i++ {
			if _, _, err := (RTUFramer{}).Decode(raw[:i], tt.dir); !errors.Is(err, ErrIncomplete) {
				t.Fatalf("%v: prefix of %v bytes: expected ErrIncomplete, actual %v", tt.pdu.FunctionCode, i, err)
			}
		}
		adu, n, err := RTUFramer{}.Decode(raw, tt.dir)
		if err != nil {
			t.Fatalf("%v: %v", tt.pdu.FunctionCode, err)
		}
		if n != len(raw) || adu.PDU.FunctionCode != tt.pdu.FunctionCode || !bytes.Equal(adu.PDU.Data, tt.pdu.Data) {
			t.Fatalf("%v: unexpected frame %+v of %v bytes", tt.pdu.FunctionCode, adu, n)
		}
	}
}

func TestRTUDecodeMalformed(t *testing.T) {
	valid := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	corrupt := append([]byte(nil), valid...)
	corrupt[3] = 0x01

	tests := []struct {
		name string
		raw  []byte
		dir  Direction
	}{
		{"crc", corrupt, DirectionRequest},
		{"unknown function", []byte{0x01, 0x2B, 0x0E, 0x01, 0x00, 0, 0}, DirectionRequest},
		{"exception request", []byte{0x01, 0x83, 0x02, 0, 0}, DirectionRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := (RTUFramer{}).Decode(tt.raw, tt.dir); !errors.Is(err, ErrMalformedADU) {
				t.Fatalf("expected ErrMalformedADU, actual %v", err)
			}
		})
	}
}

func TestRTUEncodeOversized(t *testing.T) {
	adu := ApplicationDataUnit{PDU: ProtocolDataUnit{FunctionCode: 100, Data: make([]byte, rtuMaxSize)}}
	if _, err := (RTUFramer{}).Encode(&adu); !errors.Is(err, ErrMalformedADU) {
		t.Fatalf("expected ErrMalformedADU, actual %v", err)
	}
}

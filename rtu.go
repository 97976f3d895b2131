// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// RTUFramer frames ADUs for serial lines: unit id, PDU and a CRC-16
// trailer. RTU frames carry no transaction identifier, so a client using
// this framer keeps at most one request outstanding. Inter-frame timing is
// left to the transport.
type RTUFramer struct{}

// Correlates implements Framer.
func (RTUFramer) Correlates() bool { return false }

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte
func (RTUFramer) Encode(adu *ApplicationDataUnit) ([]byte, error) {
	length := len(adu.PDU.Data) + rtuMinSize
	if length > rtuMaxSize {
		return nil, malformedADU("length of data '%v' must not be bigger than '%v'", length, rtuMaxSize)
	}
	raw := make([]byte, length)
	raw[0] = adu.UnitID
	raw[1] = byte(adu.PDU.FunctionCode)
	copy(raw[2:], adu.PDU.Data)

	var crc crc
	checksum := crc.reset().pushBytes(raw[:length-2]).value()
	raw[length-2] = byte(checksum)
	raw[length-1] = byte(checksum >> 8)
	return raw, nil
}

// Decode extracts the first RTU frame of buf. The frame size is derived
// from the function code, so functions without a known layout can not be
// framed and are reported as ErrMalformedADU.
func (RTUFramer) Decode(buf []byte, dir Direction) (*ApplicationDataUnit, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}
	pduLength, err := rtuPDULength(buf, dir)
	if err != nil {
		return nil, 0, err
	}
	n := 1 + pduLength + 2
	if n > rtuMaxSize {
		return nil, 0, malformedADU("frame size '%v' must not be bigger than '%v'", n, rtuMaxSize)
	}
	if len(buf) < n {
		return nil, 0, ErrIncomplete
	}
	var crc crc
	expected := crc.reset().pushBytes(buf[:n-2]).value()
	if checksum := uint16(buf[n-1])<<8 | uint16(buf[n-2]); checksum != expected {
		return nil, 0, malformedADU("crc '%v' does not match expected '%v'", checksum, expected)
	}
	pdu, err := DecodePDU(buf[1 : n-2])
	if err != nil {
		return nil, 0, err
	}
	return &ApplicationDataUnit{UnitID: buf[0], PDU: *pdu}, n, nil
}

// rtuPDULength returns the size of the PDU starting at buf[1], function
// code included.
func rtuPDULength(buf []byte, dir Direction) (int, error) {
	fc := FunctionCode(buf[1])
	// countAt reads a byte count at offset i of buf.
	countAt := func(i int) (int, error) {
		if len(buf) <= i {
			return 0, ErrIncomplete
		}
		return int(buf[i]), nil
	}
	if fc.IsException() {
		if dir != DirectionResponse {
			return 0, malformedADU("request with exception function '%v'", byte(fc))
		}
		return 2, nil
	}
	if dir == DirectionRequest {
		switch fc {
		case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
			FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
			FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
			return 1 + 4, nil
		case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
			count, err := countAt(6)
			return 1 + 5 + count, err
		case FuncCodeMaskWriteRegister:
			return 1 + 6, nil
		case FuncCodeReadWriteMultipleRegisters:
			count, err := countAt(10)
			return 1 + 9 + count, err
		}
	} else {
		switch fc {
		case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
			FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
			FuncCodeReadWriteMultipleRegisters:
			count, err := countAt(2)
			return 1 + 1 + count, err
		case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
			FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
			return 1 + 4, nil
		case FuncCodeMaskWriteRegister:
			return 1 + 6, nil
		}
	}
	return 0, malformedADU("can not size frame of function '%v'", byte(fc))
}

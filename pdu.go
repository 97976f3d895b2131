// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	maxPDUSize = 253

	maxReadBits           = 2000
	maxWriteBits          = 1968
	maxReadRegisters      = 125
	maxWriteRegisters     = 123
	maxReadWriteRegisters = 121

	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// errAddressOverflow is wrapped together with ErrValidation when a range
// runs past the end of the 16-bit address space. Servers answer it with
// ExceptionCodeIllegalDataAddress instead of ExceptionCodeIllegalDataValue.
var errAddressOverflow = errors.New("address range exceeds 65535")

// Request is a decoded request PDU.
type Request interface {
	// Function returns the function code of the request.
	Function() FunctionCode
	// Validate checks the quantity bounds and the address range.
	Validate() error

	appendData(dst []byte) []byte
}

// Response is a decoded, non exception, response PDU.
type Response interface {
	// Function returns the function code of the response.
	Function() FunctionCode

	appendData(dst []byte) []byte
}

func checkQuantity(name string, quantity uint16, max int) error {
	if quantity < 1 || int(quantity) > max {
		return validationError("%s '%v' must be between '%v' and '%v'", name, quantity, 1, max)
	}
	return nil
}

func checkRange(address, quantity uint16) error {
	if int(address)+int(quantity) > 1<<16 {
		return fmt.Errorf("%w: %w: address '%v' quantity '%v'", ErrValidation, errAddressOverflow, address, quantity)
	}
	return nil
}

// ReadRequest reads a contiguous block of coils, discrete inputs, holding
// or input registers.
//
// Request:
//
//	Function code         : 1 byte (0x01, 0x02, 0x03 or 0x04)
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
type ReadRequest struct {
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16
}

// Function implements Request.
func (r *ReadRequest) Function() FunctionCode { return r.FunctionCode }

// Validate implements Request.
func (r *ReadRequest) Validate() error {
	var err error
	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		err = checkQuantity("quantity", r.Quantity, maxReadBits)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		err = checkQuantity("quantity", r.Quantity, maxReadRegisters)
	default:
		return validationError("function '%v' is not a read function", r.FunctionCode)
	}
	if err != nil {
		return err
	}
	return checkRange(r.Address, r.Quantity)
}

func (r *ReadRequest) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, r.Quantity)
}

// WriteSingleCoilRequest switches a single coil ON or OFF.
//
// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes (0xFF00 or 0x0000)
type WriteSingleCoilRequest struct {
	Address uint16
	Value   bool
}

// Function implements Request.
func (r *WriteSingleCoilRequest) Function() FunctionCode { return FuncCodeWriteSingleCoil }

// Validate implements Request.
func (r *WriteSingleCoilRequest) Validate() error { return nil }

func (r *WriteSingleCoilRequest) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, coilValue(r.Value))
}

// WriteSingleRegisterRequest writes a single holding register.
//
// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
type WriteSingleRegisterRequest struct {
	Address uint16
	Value   uint16
}

// Function implements Request.
func (r *WriteSingleRegisterRequest) Function() FunctionCode { return FuncCodeWriteSingleRegister }

// Validate implements Request.
func (r *WriteSingleRegisterRequest) Validate() error { return nil }

func (r *WriteSingleRegisterRequest) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, r.Value)
}

// WriteMultipleCoilsRequest forces a sequence of coils.
//
// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
type WriteMultipleCoilsRequest struct {
	Address uint16
	Values  []bool
}

// Function implements Request.
func (r *WriteMultipleCoilsRequest) Function() FunctionCode { return FuncCodeWriteMultipleCoils }

// Validate implements Request.
func (r *WriteMultipleCoilsRequest) Validate() error {
	if len(r.Values) < 1 || len(r.Values) > maxWriteBits {
		return validationError("quantity '%v' must be between '%v' and '%v'", len(r.Values), 1, maxWriteBits)
	}
	return checkRange(r.Address, uint16(len(r.Values)))
}

func (r *WriteMultipleCoilsRequest) appendData(dst []byte) []byte {
	packed := packBits(r.Values)
	dst = appendUint16s(dst, r.Address, uint16(len(r.Values)))
	dst = append(dst, byte(len(packed)))
	return append(dst, packed...)
}

// WriteMultipleRegistersRequest writes a block of contiguous registers.
//
// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : Nx2 bytes
type WriteMultipleRegistersRequest struct {
	Address uint16
	Values  []uint16
}

// Function implements Request.
func (r *WriteMultipleRegistersRequest) Function() FunctionCode {
	return FuncCodeWriteMultipleRegisters
}

// Validate implements Request.
func (r *WriteMultipleRegistersRequest) Validate() error {
	if len(r.Values) < 1 || len(r.Values) > maxWriteRegisters {
		return validationError("quantity '%v' must be between '%v' and '%v'", len(r.Values), 1, maxWriteRegisters)
	}
	return checkRange(r.Address, uint16(len(r.Values)))
}

func (r *WriteMultipleRegistersRequest) appendData(dst []byte) []byte {
	dst = appendUint16s(dst, r.Address, uint16(len(r.Values)))
	dst = append(dst, byte(2*len(r.Values)))
	return appendUint16s(dst, r.Values...)
}

// MaskWriteRegisterRequest modifies a holding register with
// (current AND andMask) OR (orMask AND NOT andMask).
//
// Request:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
type MaskWriteRegisterRequest struct {
	Address uint16
	AndMask uint16
	OrMask  uint16
}

// Function implements Request.
func (r *MaskWriteRegisterRequest) Function() FunctionCode { return FuncCodeMaskWriteRegister }

// Validate implements Request.
func (r *MaskWriteRegisterRequest) Validate() error { return nil }

func (r *MaskWriteRegisterRequest) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, r.AndMask, r.OrMask)
}

// ReadWriteMultipleRegistersRequest writes a block of registers and then
// reads a block of registers in one transaction.
//
// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : Nx2 bytes
type ReadWriteMultipleRegistersRequest struct {
	ReadAddress  uint16
	ReadQuantity uint16
	WriteAddress uint16
	Values       []uint16
}

// Function implements Request.
func (r *ReadWriteMultipleRegistersRequest) Function() FunctionCode {
	return FuncCodeReadWriteMultipleRegisters
}

// Validate implements Request.
func (r *ReadWriteMultipleRegistersRequest) Validate() error {
	if err := checkQuantity("quantity to read", r.ReadQuantity, maxReadRegisters); err != nil {
		return err
	}
	if len(r.Values) < 1 || len(r.Values) > maxReadWriteRegisters {
		return validationError("quantity to write '%v' must be between '%v' and '%v'", len(r.Values), 1, maxReadWriteRegisters)
	}
	if err := checkRange(r.ReadAddress, r.ReadQuantity); err != nil {
		return err
	}
	return checkRange(r.WriteAddress, uint16(len(r.Values)))
}

func (r *ReadWriteMultipleRegistersRequest) appendData(dst []byte) []byte {
	dst = appendUint16s(dst, r.ReadAddress, r.ReadQuantity, r.WriteAddress, uint16(len(r.Values)))
	dst = append(dst, byte(2*len(r.Values)))
	return appendUint16s(dst, r.Values...)
}

// ReadBitsResponse answers ReadCoils and ReadDiscreteInputs.
//
// Response:
//
//	Function code         : 1 byte (0x01 or 0x02)
//	Byte count            : 1 byte
//	Status                : N* bytes (=N or N+1)
type ReadBitsResponse struct {
	FunctionCode FunctionCode
	Values       []bool
}

// Function implements Response.
func (r *ReadBitsResponse) Function() FunctionCode { return r.FunctionCode }

func (r *ReadBitsResponse) appendData(dst []byte) []byte {
	packed := packBits(r.Values)
	dst = append(dst, byte(len(packed)))
	return append(dst, packed...)
}

// ReadRegistersResponse answers ReadHoldingRegisters, ReadInputRegisters
// and ReadWriteMultipleRegisters.
//
// Response:
//
//	Function code         : 1 byte (0x03, 0x04 or 0x17)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
type ReadRegistersResponse struct {
	FunctionCode FunctionCode
	Values       []uint16
}

// Function implements Response.
func (r *ReadRegistersResponse) Function() FunctionCode { return r.FunctionCode }

func (r *ReadRegistersResponse) appendData(dst []byte) []byte {
	dst = append(dst, byte(2*len(r.Values)))
	return appendUint16s(dst, r.Values...)
}

// WriteSingleCoilResponse echoes a WriteSingleCoilRequest.
type WriteSingleCoilResponse struct {
	Address uint16
	Value   bool
}

// Function implements Response.
func (r *WriteSingleCoilResponse) Function() FunctionCode { return FuncCodeWriteSingleCoil }

func (r *WriteSingleCoilResponse) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, coilValue(r.Value))
}

// WriteSingleRegisterResponse echoes a WriteSingleRegisterRequest.
type WriteSingleRegisterResponse struct {
	Address uint16
	Value   uint16
}

// Function implements Response.
func (r *WriteSingleRegisterResponse) Function() FunctionCode { return FuncCodeWriteSingleRegister }

func (r *WriteSingleRegisterResponse) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, r.Value)
}

// WriteMultipleResponse answers WriteMultipleCoils and
// WriteMultipleRegisters.
//
// Response:
//
//	Function code         : 1 byte (0x0F or 0x10)
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
type WriteMultipleResponse struct {
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16
}

// Function implements Response.
func (r *WriteMultipleResponse) Function() FunctionCode { return r.FunctionCode }

func (r *WriteMultipleResponse) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, r.Quantity)
}

// MaskWriteRegisterResponse echoes a MaskWriteRegisterRequest.
type MaskWriteRegisterResponse struct {
	Address uint16
	AndMask uint16
	OrMask  uint16
}

// Function implements Response.
func (r *MaskWriteRegisterResponse) Function() FunctionCode { return FuncCodeMaskWriteRegister }

func (r *MaskWriteRegisterResponse) appendData(dst []byte) []byte {
	return appendUint16s(dst, r.Address, r.AndMask, r.OrMask)
}

// EncodeRequest validates req and serializes it. No PDU is produced for an
// invalid request.
func EncodeRequest(req Request) (*ProtocolDataUnit, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &ProtocolDataUnit{
		FunctionCode: req.Function(),
		Data:         req.appendData(nil),
	}, nil
}

// EncodeResponse serializes resp.
func EncodeResponse(resp Response) *ProtocolDataUnit {
	return &ProtocolDataUnit{
		FunctionCode: resp.Function(),
		Data:         resp.appendData(nil),
	}
}

// EncodeException builds the exception response to function fc.
func EncodeException(fc FunctionCode, code ExceptionCode) *ProtocolDataUnit {
	return &ProtocolDataUnit{
		FunctionCode: fc | exceptionFlag,
		Data:         []byte{byte(code)},
	}
}

// DecodePDU copies a raw PDU off the wire.
func DecodePDU(b []byte) (*ProtocolDataUnit, error) {
	if len(b) == 0 {
		return nil, malformedPDU("empty pdu")
	}
	if len(b) > maxPDUSize {
		return nil, malformedPDU("pdu length '%v' exceeds '%v'", len(b), maxPDUSize)
	}
	data := make([]byte, len(b)-1)
	copy(data, b[1:])
	return &ProtocolDataUnit{FunctionCode: FunctionCode(b[0]), Data: data}, nil
}

// DecodeRequest parses a request PDU as a server receives it. Unknown
// functions yield ErrUnsupportedFunction, layout errors ErrMalformedPDU and
// out of bound parameters ErrValidation.
func DecodeRequest(pdu *ProtocolDataUnit) (Request, error) {
	data := pdu.Data
	var req Request
	switch pdu.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if err := expectLength(pdu, 4); err != nil {
			return nil, err
		}
		req = &ReadRequest{
			FunctionCode: pdu.FunctionCode,
			Address:      binary.BigEndian.Uint16(data),
			Quantity:     binary.BigEndian.Uint16(data[2:]),
		}
	case FuncCodeWriteSingleCoil:
		if err := expectLength(pdu, 4); err != nil {
			return nil, err
		}
		on, err := parseCoilValue(binary.BigEndian.Uint16(data[2:]))
		if err != nil {
			return nil, err
		}
		req = &WriteSingleCoilRequest{Address: binary.BigEndian.Uint16(data), Value: on}
	case FuncCodeWriteSingleRegister:
		if err := expectLength(pdu, 4); err != nil {
			return nil, err
		}
		req = &WriteSingleRegisterRequest{
			Address: binary.BigEndian.Uint16(data),
			Value:   binary.BigEndian.Uint16(data[2:]),
		}
	case FuncCodeWriteMultipleCoils:
		if len(data) < 5 {
			return nil, malformedPDU("request data size '%v' is less than '%v'", len(data), 5)
		}
		quantity := int(binary.BigEndian.Uint16(data[2:]))
		count := int(data[4])
		if count != (quantity+7)/8 || count != len(data)-5 {
			return nil, malformedPDU("byte count '%v' does not match quantity '%v' and data size '%v'", count, quantity, len(data)-5)
		}
		req = &WriteMultipleCoilsRequest{
			Address: binary.BigEndian.Uint16(data),
			Values:  unpackBits(data[5:], quantity),
		}
	case FuncCodeWriteMultipleRegisters:
		if len(data) < 5 {
			return nil, malformedPDU("request data size '%v' is less than '%v'", len(data), 5)
		}
		quantity := int(binary.BigEndian.Uint16(data[2:]))
		count := int(data[4])
		if count != 2*quantity || count != len(data)-5 {
			return nil, malformedPDU("byte count '%v' does not match quantity '%v' and data size '%v'", count, quantity, len(data)-5)
		}
		req = &WriteMultipleRegistersRequest{
			Address: binary.BigEndian.Uint16(data),
			Values:  readUint16s(data[5:]),
		}
	case FuncCodeMaskWriteRegister:
		if err := expectLength(pdu, 6); err != nil {
			return nil, err
		}
		req = &MaskWriteRegisterRequest{
			Address: binary.BigEndian.Uint16(data),
			AndMask: binary.BigEndian.Uint16(data[2:]),
			OrMask:  binary.BigEndian.Uint16(data[4:]),
		}
	case FuncCodeReadWriteMultipleRegisters:
		if len(data) < 9 {
			return nil, malformedPDU("request data size '%v' is less than '%v'", len(data), 9)
		}
		quantity := int(binary.BigEndian.Uint16(data[6:]))
		count := int(data[8])
		if count != 2*quantity || count != len(data)-9 {
			return nil, malformedPDU("byte count '%v' does not match quantity '%v' and data size '%v'", count, quantity, len(data)-9)
		}
		req = &ReadWriteMultipleRegistersRequest{
			ReadAddress:  binary.BigEndian.Uint16(data),
			ReadQuantity: binary.BigEndian.Uint16(data[2:]),
			WriteAddress: binary.BigEndian.Uint16(data[4:]),
			Values:       readUint16s(data[9:]),
		}
	default:
		return nil, fmt.Errorf("%w: '%v'", ErrUnsupportedFunction, byte(pdu.FunctionCode))
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeResponse parses the response PDU to req. An exception response is
// returned as *ExceptionError.
func DecodeResponse(pdu *ProtocolDataUnit, req Request) (Response, error) {
	if pdu.FunctionCode.IsException() {
		if len(pdu.Data) != 1 {
			return nil, malformedPDU("exception response data size '%v' does not match expected '%v'", len(pdu.Data), 1)
		}
		return nil, &ExceptionError{
			FunctionCode:  pdu.FunctionCode,
			ExceptionCode: ExceptionCode(pdu.Data[0]),
		}
	}
	if !pdu.FunctionCode.IsSupported() {
		return nil, fmt.Errorf("%w: '%v'", ErrUnsupportedFunction, byte(pdu.FunctionCode))
	}
	if pdu.FunctionCode != req.Function() {
		return nil, invalidResponse("response function '%v' does not match request '%v'", pdu.FunctionCode, req.Function())
	}
	data := pdu.Data
	switch r := req.(type) {
	case *ReadRequest:
		count, err := byteCount(pdu)
		if err != nil {
			return nil, err
		}
		switch r.FunctionCode {
		case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
			if expected := (int(r.Quantity) + 7) / 8; count != expected {
				return nil, invalidResponse("response byte count '%v' does not match expected '%v'", count, expected)
			}
			return &ReadBitsResponse{FunctionCode: r.FunctionCode, Values: unpackBits(data[1:], int(r.Quantity))}, nil
		default:
			if expected := 2 * int(r.Quantity); count != expected {
				return nil, invalidResponse("response byte count '%v' does not match expected '%v'", count, expected)
			}
			return &ReadRegistersResponse{FunctionCode: r.FunctionCode, Values: readUint16s(data[1:])}, nil
		}
	case *ReadWriteMultipleRegistersRequest:
		count, err := byteCount(pdu)
		if err != nil {
			return nil, err
		}
		if expected := 2 * int(r.ReadQuantity); count != expected {
			return nil, invalidResponse("response byte count '%v' does not match expected '%v'", count, expected)
		}
		return &ReadRegistersResponse{FunctionCode: FuncCodeReadWriteMultipleRegisters, Values: readUint16s(data[1:])}, nil
	case *WriteSingleCoilRequest:
		if err := expectLength(pdu, 4); err != nil {
			return nil, err
		}
		on, err := parseCoilValue(binary.BigEndian.Uint16(data[2:]))
		if err != nil {
			return nil, malformedPDU("%v", err)
		}
		return &WriteSingleCoilResponse{Address: binary.BigEndian.Uint16(data), Value: on}, nil
	case *WriteSingleRegisterRequest:
		if err := expectLength(pdu, 4); err != nil {
			return nil, err
		}
		return &WriteSingleRegisterResponse{
			Address: binary.BigEndian.Uint16(data),
			Value:   binary.BigEndian.Uint16(data[2:]),
		}, nil
	case *WriteMultipleCoilsRequest, *WriteMultipleRegistersRequest:
		if err := expectLength(pdu, 4); err != nil {
			return nil, err
		}
		return &WriteMultipleResponse{
			FunctionCode: pdu.FunctionCode,
			Address:      binary.BigEndian.Uint16(data),
			Quantity:     binary.BigEndian.Uint16(data[2:]),
		}, nil
	case *MaskWriteRegisterRequest:
		if err := expectLength(pdu, 6); err != nil {
			return nil, err
		}
		return &MaskWriteRegisterResponse{
			Address: binary.BigEndian.Uint16(data),
			AndMask: binary.BigEndian.Uint16(data[2:]),
			OrMask:  binary.BigEndian.Uint16(data[4:]),
		}, nil
	}
	return nil, fmt.Errorf("%w: '%v'", ErrUnsupportedFunction, byte(pdu.FunctionCode))
}

// byteCount checks the leading byte count of a read response against the
// remaining data.
func byteCount(pdu *ProtocolDataUnit) (int, error) {
	if len(pdu.Data) == 0 {
		return 0, malformedPDU("response data is empty")
	}
	count := int(pdu.Data[0])
	if length := len(pdu.Data) - 1; count != length {
		return 0, malformedPDU("response data size '%v' does not match count '%v'", length, count)
	}
	return count, nil
}

func expectLength(pdu *ProtocolDataUnit, n int) error {
	if len(pdu.Data) != n {
		return malformedPDU("data size '%v' of function '%v' does not match expected '%v'", len(pdu.Data), pdu.FunctionCode, n)
	}
	return nil
}

func coilValue(on bool) uint16 {
	if on {
		return coilOn
	}
	return coilOff
}

func parseCoilValue(v uint16) (bool, error) {
	switch v {
	case coilOn:
		return true, nil
	case coilOff:
		return false, nil
	}
	// The requested ON/OFF state can only be 0xFF00 and 0x0000
	return false, validationError("state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", v)
}

// appendUint16s appends a sequence of big endian uint16.
func appendUint16s(dst []byte, values ...uint16) []byte {
	for _, v := range values {
		dst = binary.BigEndian.AppendUint16(dst, v)
	}
	return dst
}

func readUint16s(b []byte) []uint16 {
	values := make([]uint16, len(b)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return values
}

// packBits packs bools LSB first, the first value in bit 0 of byte 0.
func packBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return packed
}

func unpackBits(packed []byte, n int) []bool {
	if n > 8*len(packed) {
		n = 8 * len(packed)
	}
	values := make([]bool, n)
	for i := range values {
		values[i] = packed[i/8]&(1<<(uint(i)%8)) != 0
	}
	return values
}

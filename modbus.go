// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package modbus provides a pipelined MODBUS client and server engine for
MODBUS TCP and RTU framing.
*/
package modbus

import (
	"fmt"
)

// FunctionCode identifies a MODBUS function.
type FunctionCode byte

const (
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils FunctionCode = 1
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs FunctionCode = 2
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil FunctionCode = 5
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils FunctionCode = 15

	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters FunctionCode = 3
	// FuncCodeReadInputRegisters 16-bit wise access
	FuncCodeReadInputRegisters FunctionCode = 4
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister FunctionCode = 6
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters FunctionCode = 16
	// FuncCodeMaskWriteRegister 16-bit wise access
	FuncCodeMaskWriteRegister FunctionCode = 22
	// FuncCodeReadWriteMultipleRegisters 16-bit wise access
	FuncCodeReadWriteMultipleRegisters FunctionCode = 23
)

// exceptionFlag is set on the function code of an exception response.
const exceptionFlag FunctionCode = 0x80

var functionNames = map[FunctionCode]string{
	FuncCodeReadCoils:                  "read coils",
	FuncCodeReadDiscreteInputs:         "read discrete inputs",
	FuncCodeWriteSingleCoil:            "write single coil",
	FuncCodeWriteMultipleCoils:         "write multiple coils",
	FuncCodeReadHoldingRegisters:       "read holding registers",
	FuncCodeReadInputRegisters:         "read input registers",
	FuncCodeWriteSingleRegister:        "write single register",
	FuncCodeWriteMultipleRegisters:     "write multiple registers",
	FuncCodeMaskWriteRegister:          "mask write register",
	FuncCodeReadWriteMultipleRegisters: "read/write multiple registers",
}

// String returns a human readable function name.
func (fc FunctionCode) String() string {
	if name, ok := functionNames[fc&^exceptionFlag]; ok {
		if fc.IsException() {
			return name + " (exception)"
		}
		return name
	}
	return fmt.Sprintf("function 0x%02X", byte(fc))
}

// IsException reports whether the exception bit is set.
func (fc FunctionCode) IsException() bool {
	return fc&exceptionFlag != 0
}

// IsSupported reports whether the codec knows the PDU layout of fc.
// Other function codes can still be exchanged as raw PDUs.
func (fc FunctionCode) IsSupported() bool {
	_, ok := functionNames[fc]
	return ok
}

// ExceptionCode is the single data byte of an exception response. It
// implements error so that register access handlers can return it as is.
type ExceptionCode byte

const (
	// ExceptionCodeIllegalFunction error code
	ExceptionCodeIllegalFunction ExceptionCode = 1
	// ExceptionCodeIllegalDataAddress error code
	ExceptionCodeIllegalDataAddress ExceptionCode = 2
	// ExceptionCodeIllegalDataValue error code
	ExceptionCodeIllegalDataValue ExceptionCode = 3
	// ExceptionCodeServerDeviceFailure error code
	ExceptionCodeServerDeviceFailure ExceptionCode = 4
	// ExceptionCodeAcknowledge error code
	ExceptionCodeAcknowledge ExceptionCode = 5
	// ExceptionCodeServerDeviceBusy error code
	ExceptionCodeServerDeviceBusy ExceptionCode = 6
	// ExceptionCodeMemoryParityError error code
	ExceptionCodeMemoryParityError ExceptionCode = 8
	// ExceptionCodeGatewayPathUnavailable error code
	ExceptionCodeGatewayPathUnavailable ExceptionCode = 10
	// ExceptionCodeGatewayTargetDeviceFailedToRespond error code
	ExceptionCodeGatewayTargetDeviceFailedToRespond ExceptionCode = 11
)

// String converts known modbus exception code to a name.
func (ec ExceptionCode) String() string {
	switch ec {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case ExceptionCodeAcknowledge:
		return "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case ExceptionCodeMemoryParityError:
		return "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return "unknown"
	}
}

// Error implements error.
func (ec ExceptionCode) Error() string {
	return fmt.Sprintf("modbus: exception '%d' (%s)", byte(ec), ec.String())
}

// ExceptionError is the result of a request the remote device rejected
// with an exception response. It is never used for transport failures.
type ExceptionError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error converts known modbus exception code to error message.
func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception '%d' (%s), function '%d'",
		byte(e.ExceptionCode), e.ExceptionCode.String(), byte(e.FunctionCode&^exceptionFlag))
}

// Is allows errors.Is(err, ExceptionCodeIllegalDataAddress) on client results.
func (e *ExceptionError) Is(target error) bool {
	code, ok := target.(ExceptionCode)
	return ok && code == e.ExceptionCode
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode FunctionCode
	Data         []byte
}

// ApplicationDataUnit (ADU) is a PDU together with its addressing. The
// transaction identifier is only carried on the wire by framings that
// correlate (TCP).
type ApplicationDataUnit struct {
	TransactionID uint16
	UnitID        byte
	PDU           ProtocolDataUnit
}

// Direction tells a Framer whether it decodes requests or responses.
// Framings without explicit length need it to size the frame.
type Direction int

const (
	// DirectionRequest decodes client to server frames.
	DirectionRequest Direction = iota
	// DirectionResponse decodes server to client frames.
	DirectionResponse
)

// Framer specifies the ADU layer.
type Framer interface {
	// Encode serializes adu for the wire.
	Encode(adu *ApplicationDataUnit) ([]byte, error)
	// Decode extracts the first frame from buf and returns it along with
	// the number of bytes consumed. It returns ErrIncomplete if buf only
	// holds the beginning of a frame and ErrMalformedADU if buf can not
	// start a valid frame.
	Decode(buf []byte, dir Direction) (adu *ApplicationDataUnit, n int, err error)
	// Correlates reports whether frames carry a transaction identifier.
	Correlates() bool
}

const (
	// UnitBroadcast addresses every device on a serial line.
	UnitBroadcast byte = 0
	// UnitTCP is the unit identifier conventionally used for a MODBUS TCP
	// device that is not behind a gateway.
	UnitTCP byte = 0xFF
)

// logger is the interface to the required logging functions
type logger interface {
	Printf(format string, v ...interface{})
}

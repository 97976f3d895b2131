// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "context"

// RegisterAccess is the address space a Server exposes. Implementations
// are called concurrently and protect their own state.
//
// Errors are translated into exception responses: an ExceptionCode or
// *ExceptionError is sent as is, any other error as
// ExceptionCodeServerDeviceFailure. Addresses outside the device should be
// reported with ExceptionCodeIllegalDataAddress.
type RegisterAccess interface {
	// Bit access

	// ReadCoils returns quantity coils starting at address.
	ReadCoils(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error)
	// ReadDiscreteInputs returns quantity discrete inputs starting at
	// address.
	ReadDiscreteInputs(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error)
	// WriteCoils sets the coils starting at address.
	WriteCoils(ctx context.Context, unit byte, address uint16, values []bool) error

	// 16-bit access

	// ReadHoldingRegisters returns quantity holding registers starting at
	// address.
	ReadHoldingRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error)
	// ReadInputRegisters returns quantity input registers starting at
	// address.
	ReadInputRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error)
	// WriteHoldingRegisters sets the holding registers starting at address.
	WriteHoldingRegisters(ctx context.Context, unit byte, address uint16, values []uint16) error
}

// MaskWriter is implemented by a RegisterAccess that can apply a mask
// write atomically. Without it the server reads, modifies and writes the
// register through RegisterAccess.
type MaskWriter interface {
	MaskWriteRegister(ctx context.Context, unit byte, address, andMask, orMask uint16) error
}

// ReadWriter is implemented by a RegisterAccess that can write and then
// read holding registers atomically. Without it the server performs the
// write and the read as two calls.
type ReadWriter interface {
	ReadWriteHoldingRegisters(ctx context.Context, unit byte, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error)
}

// FunctionHandler serves a function code registered with Server.HandleFunc.
// It returns the response data without the function code; errors are
// translated the same way as for RegisterAccess.
type FunctionHandler func(ctx context.Context, unit byte, pdu *ProtocolDataUnit) ([]byte, error)

// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// UnitIDPolicy decides what a Client does with a response whose unit id
// differs from the request's.
type UnitIDPolicy int

const (
	// UnitIDLog logs the mismatch and returns the response.
	UnitIDLog UnitIDPolicy = iota
	// UnitIDReject fails the request with ErrUnitIDMismatch.
	UnitIDReject
)

type clientOptions struct {
	timeout      time.Duration
	logger       logger
	framer       Framer
	unitIDPolicy UnitIDPolicy
	dial         DialFunc
}

func newClientOptions(opts []ClientOption) *clientOptions {
	o := &clientOptions{
		timeout: defaultTimeout,
		framer:  TCPFramer{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithTimeout sets the time a request waits for its response. Zero
// disables the timeout, leaving it to the request context.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithLogger logs frames and protocol anomalies to l.
func WithLogger(l logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithFramer selects the ADU framing, TCPFramer by default.
func WithFramer(f Framer) ClientOption {
	return func(o *clientOptions) {
		o.framer = f
	}
}

// WithUnitIDPolicy selects how unit id mismatches are handled.
func WithUnitIDPolicy(p UnitIDPolicy) ClientOption {
	return func(o *clientOptions) {
		o.unitIDPolicy = p
	}
}

// WithDialer replaces the dialer used by DialTCP.
func WithDialer(dial DialFunc) ClientOption {
	return func(o *clientOptions) {
		o.dial = dial
	}
}

// Client is a MODBUS client on one connection. With a correlating framer
// any number of requests may be in flight; responses complete them in the
// order they arrive. A Client is safe for concurrent use.
type Client struct {
	conn         io.ReadWriteCloser
	framer       Framer
	timeout      time.Duration
	logger       logger
	unitIDPolicy UnitIDPolicy

	registry *registry
	writeMu  sync.Mutex
	// inflight limits non correlating framers to one request, described
	// by expect for the read loop.
	inflight chan struct{}
	expectMu sync.Mutex
	expect   expectation

	closeOnce sync.Once
	done      chan struct{}
}

// expectation identifies the response a non correlating framer waits for.
// seq changes with every request written.
type expectation struct {
	seq  uint64
	id   uint16
	unit byte
	fc   FunctionCode
}

func (c *Client) expected() expectation {
	c.expectMu.Lock()
	defer c.expectMu.Unlock()
	return c.expect
}

// NewClient starts a client on conn. The client owns conn from now on and
// closes it on Close or on the first I/O error.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	return newClient(conn, newClientOptions(opts))
}

func newClient(conn io.ReadWriteCloser, o *clientOptions) *Client {
	c := &Client{
		conn:         conn,
		framer:       o.framer,
		timeout:      o.timeout,
		logger:       o.logger,
		unitIDPolicy: o.unitIDPolicy,
		registry:     newRegistry(o.logger),
		done:         make(chan struct{}),
	}
	if !c.framer.Correlates() {
		c.inflight = make(chan struct{}, 1)
	}
	go c.readLoop()
	return c
}

// Close fails outstanding requests with ErrClientClosed and closes the
// connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.registry.failAll(ErrClientClosed)
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// Err returns the error that ended the connection, nil while it is usable.
func (c *Client) Err() error {
	return c.registry.failed()
}

// shutdown ends the connection after an I/O failure.
func (c *Client) shutdown(err error) {
	c.registry.failAll(err)
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, v...)
	}
}

// readLoop decodes responses and hands them to the registry until the
// connection fails.
func (c *Client) readLoop() {
	defer close(c.done)

	var (
		buf []byte
		seq uint64
	)
	chunk := make([]byte, tcpMaxLength)
	for {
		n, err := c.conn.Read(chunk)
		if !c.framer.Correlates() {
			// Bytes left from before the last request belong to an
			// earlier, abandoned one.
			if want := c.expected(); want.seq != seq {
				if len(buf) > 0 {
					c.logf("modbus: discarding stale % x", buf)
				}
				buf = buf[:0]
				seq = want.seq
			}
		}
		buf = append(buf, chunk[:n]...)
		for len(buf) > 0 {
			adu, size, derr := c.framer.Decode(buf, DirectionResponse)
			if errors.Is(derr, ErrIncomplete) {
				break
			}
			if derr != nil {
				if c.framer.Correlates() {
					c.logf("modbus: closing connection: %v", derr)
					c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, derr))
					return
				}
				// A serial line resynchronizes on the next request.
				c.logf("modbus: discarding % x: %v", buf, derr)
				buf = buf[:0]
				break
			}
			c.logf("modbus: recv % x", buf[:size])
			buf = append(buf[:0], buf[size:]...)
			if !c.framer.Correlates() {
				want := c.expected()
				if adu.UnitID != want.unit || adu.PDU.FunctionCode&^exceptionFlag != want.fc {
					c.logf("modbus: dropping response of unit '%v' function '%v', expecting unit '%v' function '%v'",
						adu.UnitID, byte(adu.PDU.FunctionCode), want.unit, byte(want.fc))
					continue
				}
				adu.TransactionID = want.id
			}
			c.registry.resolve(adu.TransactionID, adu)
		}
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
	}
}

func (c *Client) write(id uint16, unit byte, fc FunctionCode, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.framer.Correlates() {
		c.expectMu.Lock()
		c.expect = expectation{seq: c.expect.seq + 1, id: id, unit: unit, fc: fc}
		c.expectMu.Unlock()
	}
	c.logf("modbus: send % x", raw)
	_, err := c.conn.Write(raw)
	return err
}

// contextError maps an expired context to ErrTimeout.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// send runs one transaction. It returns a nil PDU for a broadcast on a
// serial line, which is never answered.
func (c *Client) send(ctx context.Context, unit byte, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	if c.inflight != nil {
		select {
		case c.inflight <- struct{}{}:
			defer func() { <-c.inflight }()
		case <-ctx.Done():
			return nil, contextError(ctx.Err())
		}
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, contextError(context.DeadlineExceeded)
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	p, err := c.registry.allocate(timeout)
	if err != nil {
		return nil, err
	}
	raw, err := c.framer.Encode(&ApplicationDataUnit{TransactionID: p.id, UnitID: unit, PDU: *request})
	if err != nil {
		c.registry.cancel(p)
		return nil, err
	}
	if err = c.write(p.id, unit, request.FunctionCode, raw); err != nil {
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	} else if unit == UnitBroadcast && !c.framer.Correlates() {
		c.registry.cancel(p)
		return nil, nil
	}

	var res result
	select {
	case res = <-p.done:
	case <-ctx.Done():
		if c.registry.cancel(p) {
			return nil, contextError(ctx.Err())
		}
		res = <-p.done
	}
	if res.err != nil {
		return nil, res.err
	}
	response := &res.adu.PDU
	if res.adu.UnitID != unit {
		if c.unitIDPolicy == UnitIDReject {
			return nil, fmt.Errorf("%w: response unit id '%v' does not match request '%v'", ErrUnitIDMismatch, res.adu.UnitID, unit)
		}
		c.logf("modbus: response unit id '%v' does not match request '%v'", res.adu.UnitID, unit)
	}
	return response, nil
}

// do sends req and decodes the response. The response is nil for an
// unanswered broadcast.
func (c *Client) do(ctx context.Context, unit byte, req Request) (Response, error) {
	request, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	response, err := c.send(ctx, unit, request)
	if err != nil || response == nil {
		return nil, err
	}
	return DecodeResponse(response, req)
}

// Send sends a raw PDU, typically of a function code the client has no
// typed method for. An exception response is returned as *ExceptionError.
func (c *Client) Send(ctx context.Context, unit byte, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	if 1+len(request.Data) > maxPDUSize {
		return nil, validationError("pdu length '%v' exceeds '%v'", 1+len(request.Data), maxPDUSize)
	}
	response, err := c.send(ctx, unit, request)
	if err != nil || response == nil {
		return nil, err
	}
	if response.FunctionCode == request.FunctionCode|exceptionFlag {
		return nil, responseError(response)
	}
	if response.FunctionCode != request.FunctionCode {
		return nil, invalidResponse("response function '%v' does not match request '%v'", response.FunctionCode, request.FunctionCode)
	}
	return response, nil
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &ExceptionError{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = ExceptionCode(response.Data[0])
	}
	return mbError
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
func (c *Client) ReadCoils(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, unit, FuncCodeReadCoils, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (c *Client) ReadDiscreteInputs(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, unit, FuncCodeReadDiscreteInputs, address, quantity)
}

func (c *Client) readBits(ctx context.Context, unit byte, fc FunctionCode, address, quantity uint16) ([]bool, error) {
	resp, err := c.do(ctx, unit, &ReadRequest{FunctionCode: fc, Address: address, Quantity: quantity})
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.(*ReadBitsResponse).Values, nil
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (c *Client) ReadHoldingRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, unit, FuncCodeReadHoldingRegisters, address, quantity)
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : N bytes
func (c *Client) ReadInputRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, unit, FuncCodeReadInputRegisters, address, quantity)
}

func (c *Client) readRegisters(ctx context.Context, unit byte, fc FunctionCode, address, quantity uint16) ([]uint16, error) {
	resp, err := c.do(ctx, unit, &ReadRequest{FunctionCode: fc, Address: address, Quantity: quantity})
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.(*ReadRegistersResponse).Values, nil
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func (c *Client) WriteSingleCoil(ctx context.Context, unit byte, address uint16, value bool) error {
	resp, err := c.do(ctx, unit, &WriteSingleCoilRequest{Address: address, Value: value})
	if err != nil || resp == nil {
		return err
	}
	r := resp.(*WriteSingleCoilResponse)
	if r.Address != address {
		return invalidResponse("response address '%v' does not match request '%v'", r.Address, address)
	}
	if r.Value != value {
		return invalidResponse("response value '%v' does not match request '%v'", r.Value, value)
	}
	return nil
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
func (c *Client) WriteSingleRegister(ctx context.Context, unit byte, address, value uint16) error {
	resp, err := c.do(ctx, unit, &WriteSingleRegisterRequest{Address: address, Value: value})
	if err != nil || resp == nil {
		return err
	}
	r := resp.(*WriteSingleRegisterResponse)
	if r.Address != address {
		return invalidResponse("response address '%v' does not match request '%v'", r.Address, address)
	}
	if r.Value != value {
		return invalidResponse("response value '%v' does not match request '%v'", r.Value, value)
	}
	return nil
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (c *Client) WriteMultipleCoils(ctx context.Context, unit byte, address uint16, values []bool) error {
	resp, err := c.do(ctx, unit, &WriteMultipleCoilsRequest{Address: address, Values: values})
	if err != nil || resp == nil {
		return err
	}
	return checkWriteMultiple(resp.(*WriteMultipleResponse), address, len(values))
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (c *Client) WriteMultipleRegisters(ctx context.Context, unit byte, address uint16, values []uint16) error {
	resp, err := c.do(ctx, unit, &WriteMultipleRegistersRequest{Address: address, Values: values})
	if err != nil || resp == nil {
		return err
	}
	return checkWriteMultiple(resp.(*WriteMultipleResponse), address, len(values))
}

func checkWriteMultiple(r *WriteMultipleResponse, address uint16, quantity int) error {
	if r.Address != address {
		return invalidResponse("response address '%v' does not match request '%v'", r.Address, address)
	}
	if int(r.Quantity) != quantity {
		return invalidResponse("response quantity '%v' does not match request '%v'", r.Quantity, quantity)
	}
	return nil
}

// Request:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x16)
//	Reference address     : 2 bytes
//	AND-mask              : 2 bytes
//	OR-mask               : 2 bytes
func (c *Client) MaskWriteRegister(ctx context.Context, unit byte, address, andMask, orMask uint16) error {
	resp, err := c.do(ctx, unit, &MaskWriteRegisterRequest{Address: address, AndMask: andMask, OrMask: orMask})
	if err != nil || resp == nil {
		return err
	}
	r := resp.(*MaskWriteRegisterResponse)
	if r.Address != address {
		return invalidResponse("response address '%v' does not match request '%v'", r.Address, address)
	}
	if r.AndMask != andMask {
		return invalidResponse("response AND-mask '%v' does not match request '%v'", r.AndMask, andMask)
	}
	if r.OrMask != orMask {
		return invalidResponse("response OR-mask '%v' does not match request '%v'", r.OrMask, orMask)
	}
	return nil
}

// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x17)
//	Byte count            : 1 byte
//	Read registers value  : Nx2 bytes
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, unit byte, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	resp, err := c.do(ctx, unit, &ReadWriteMultipleRegistersRequest{
		ReadAddress:  readAddress,
		ReadQuantity: readQuantity,
		WriteAddress: writeAddress,
		Values:       values,
	})
	if err != nil || resp == nil {
		return nil, err
	}
	return resp.(*ReadRegistersResponse).Values, nil
}

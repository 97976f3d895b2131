// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	defaultMaxConnections = 4
	defaultPipelineDepth  = 16
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger logs frames and connection events to l.
func WithServerLogger(l logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithServerFramer selects the ADU framing, TCPFramer by default.
func WithServerFramer(f Framer) ServerOption {
	return func(s *Server) {
		s.framer = f
	}
}

// WithMaxConnections limits the connections served by Serve at the same
// time. Connections beyond the limit are closed right after accept. Zero
// means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConns = n
	}
}

// WithPipelineDepth sets how many requests of one connection may be
// outstanding before the server stops reading from it.
func WithPipelineDepth(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.depth = n
		}
	}
}

// WithRequestTimeout limits the processing time of a request. A request
// exceeding it is answered with ExceptionCodeServerDeviceBusy.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithIdleTimeout closes connections that send no data for the given
// duration. It needs a connection with SetReadDeadline, such as net.Conn.
func WithIdleTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = timeout
	}
}

// Server answers MODBUS requests from the address space of a
// RegisterAccess. Requests of one connection are processed concurrently
// but answered in the order they arrived.
type Server struct {
	access         RegisterAccess
	logger         logger
	framer         Framer
	maxConns       int
	depth          int
	requestTimeout time.Duration
	idleTimeout    time.Duration

	mu        sync.RWMutex
	handlers  map[FunctionCode]FunctionHandler
	listeners map[net.Listener]struct{}
	conns     map[io.ReadWriteCloser]struct{}
	active    int
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a server for access. A nil access answers every
// standard function with ExceptionCodeIllegalFunction, leaving only
// functions registered with HandleFunc.
func NewServer(access RegisterAccess, opts ...ServerOption) *Server {
	s := &Server{
		access:    access,
		framer:    TCPFramer{},
		maxConns:  defaultMaxConnections,
		depth:     defaultPipelineDepth,
		handlers:  make(map[FunctionCode]FunctionHandler),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[io.ReadWriteCloser]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleFunc serves function code fc with h instead of the built in
// handling. A nil h removes the handler.
func (s *Server) HandleFunc(fc FunctionCode, h FunctionHandler) error {
	if fc.IsException() {
		return fmt.Errorf("modbus: exception function code '%v' not permitted", byte(fc))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.handlers, fc)
		return nil
	}
	s.handlers[fc] = h
	return nil
}

func (s *Server) handler(fc FunctionCode) FunctionHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[fc]
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on tcp socket '%s': %w", addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l and serves each of them in its own
// goroutine. It returns ErrServerClosed after Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}
		if !s.acquire() {
			s.logf("modbus: rejecting connection from %v: limit of %v connections reached", conn.RemoteAddr(), s.maxConns)
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			if err := s.ServeConn(context.Background(), conn); err != nil && !errors.Is(err, ErrServerClosed) {
				s.logf("modbus: connection from %v: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxConns > 0 && s.active >= s.maxConns {
		return false
	}
	s.active++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops all listeners, closes every connection and waits for the
// connection goroutines started by Serve.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// execute runs the request with the configured time limit.
func (s *Server) execute(ctx context.Context, adu *ApplicationDataUnit) *ProtocolDataUnit {
	if s.requestTimeout <= 0 {
		return s.handle(ctx, adu.UnitID, &adu.PDU)
	}
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	done := make(chan *ProtocolDataUnit, 1)
	go func() {
		done <- s.handle(ctx, adu.UnitID, &adu.PDU)
	}()
	select {
	case pdu := <-done:
		return pdu
	case <-ctx.Done():
		return EncodeException(adu.PDU.FunctionCode, ExceptionCodeServerDeviceBusy)
	}
}

// handle produces the response PDU, an exception response on any failure.
func (s *Server) handle(ctx context.Context, unit byte, pdu *ProtocolDataUnit) *ProtocolDataUnit {
	fc := pdu.FunctionCode
	if h := s.handler(fc); h != nil {
		data, err := h(ctx, unit, pdu)
		if err != nil {
			return EncodeException(fc, exceptionCode(err))
		}
		return &ProtocolDataUnit{FunctionCode: fc, Data: data}
	}
	if s.access == nil {
		return EncodeException(fc, ExceptionCodeIllegalFunction)
	}
	req, err := DecodeRequest(pdu)
	if err != nil {
		return EncodeException(fc, exceptionCode(err))
	}
	resp, err := s.apply(ctx, unit, req)
	if err != nil {
		s.logf("modbus: %v of unit '%v' failed: %v", fc, unit, err)
		return EncodeException(fc, exceptionCode(err))
	}
	return EncodeResponse(resp)
}

// exceptionCode translates an error into the exception code sent back.
func exceptionCode(err error) ExceptionCode {
	var ee *ExceptionError
	if errors.As(err, &ee) {
		return ee.ExceptionCode
	}
	var code ExceptionCode
	if errors.As(err, &code) {
		return code
	}
	switch {
	case errors.Is(err, ErrUnsupportedFunction):
		return ExceptionCodeIllegalFunction
	case errors.Is(err, errAddressOverflow):
		return ExceptionCodeIllegalDataAddress
	case errors.Is(err, ErrMalformedPDU), errors.Is(err, ErrValidation):
		return ExceptionCodeIllegalDataValue
	case errors.Is(err, context.DeadlineExceeded):
		return ExceptionCodeServerDeviceBusy
	}
	return ExceptionCodeServerDeviceFailure
}

// apply performs a decoded request on the register access.
func (s *Server) apply(ctx context.Context, unit byte, req Request) (Response, error) {
	switch r := req.(type) {
	case *ReadRequest:
		switch r.FunctionCode {
		case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
			read := s.access.ReadCoils
			if r.FunctionCode == FuncCodeReadDiscreteInputs {
				read = s.access.ReadDiscreteInputs
			}
			values, err := read(ctx, unit, r.Address, r.Quantity)
			if err != nil {
				return nil, err
			}
			if err = checkCount(len(values), int(r.Quantity)); err != nil {
				return nil, err
			}
			return &ReadBitsResponse{FunctionCode: r.FunctionCode, Values: values}, nil
		default:
			read := s.access.ReadHoldingRegisters
			if r.FunctionCode == FuncCodeReadInputRegisters {
				read = s.access.ReadInputRegisters
			}
			values, err := read(ctx, unit, r.Address, r.Quantity)
			if err != nil {
				return nil, err
			}
			if err = checkCount(len(values), int(r.Quantity)); err != nil {
				return nil, err
			}
			return &ReadRegistersResponse{FunctionCode: r.FunctionCode, Values: values}, nil
		}
	case *WriteSingleCoilRequest:
		if err := s.access.WriteCoils(ctx, unit, r.Address, []bool{r.Value}); err != nil {
			return nil, err
		}
		return &WriteSingleCoilResponse{Address: r.Address, Value: r.Value}, nil
	case *WriteSingleRegisterRequest:
		if err := s.access.WriteHoldingRegisters(ctx, unit, r.Address, []uint16{r.Value}); err != nil {
			return nil, err
		}
		return &WriteSingleRegisterResponse{Address: r.Address, Value: r.Value}, nil
	case *WriteMultipleCoilsRequest:
		if err := s.access.WriteCoils(ctx, unit, r.Address, r.Values); err != nil {
			return nil, err
		}
		return &WriteMultipleResponse{FunctionCode: FuncCodeWriteMultipleCoils, Address: r.Address, Quantity: uint16(len(r.Values))}, nil
	case *WriteMultipleRegistersRequest:
		if err := s.access.WriteHoldingRegisters(ctx, unit, r.Address, r.Values); err != nil {
			return nil, err
		}
		return &WriteMultipleResponse{FunctionCode: FuncCodeWriteMultipleRegisters, Address: r.Address, Quantity: uint16(len(r.Values))}, nil
	case *MaskWriteRegisterRequest:
		if err := s.maskWrite(ctx, unit, r); err != nil {
			return nil, err
		}
		return &MaskWriteRegisterResponse{Address: r.Address, AndMask: r.AndMask, OrMask: r.OrMask}, nil
	case *ReadWriteMultipleRegistersRequest:
		values, err := s.readWrite(ctx, unit, r)
		if err != nil {
			return nil, err
		}
		if err = checkCount(len(values), int(r.ReadQuantity)); err != nil {
			return nil, err
		}
		return &ReadRegistersResponse{FunctionCode: FuncCodeReadWriteMultipleRegisters, Values: values}, nil
	}
	return nil, fmt.Errorf("%w: '%v'", ErrUnsupportedFunction, byte(req.Function()))
}

func checkCount(n, quantity int) error {
	if n != quantity {
		return fmt.Errorf("modbus: register access returned '%v' values for quantity '%v'", n, quantity)
	}
	return nil
}

// maskRegister applies a mask write to the current register value.
func maskRegister(current, andMask, orMask uint16) uint16 {
	return current&andMask | orMask&^andMask
}

func (s *Server) maskWrite(ctx context.Context, unit byte, r *MaskWriteRegisterRequest) error {
	if mw, ok := s.access.(MaskWriter); ok {
		return mw.MaskWriteRegister(ctx, unit, r.Address, r.AndMask, r.OrMask)
	}
	values, err := s.access.ReadHoldingRegisters(ctx, unit, r.Address, 1)
	if err != nil {
		return err
	}
	if err = checkCount(len(values), 1); err != nil {
		return err
	}
	return s.access.WriteHoldingRegisters(ctx, unit, r.Address, []uint16{maskRegister(values[0], r.AndMask, r.OrMask)})
}

func (s *Server) readWrite(ctx context.Context, unit byte, r *ReadWriteMultipleRegistersRequest) ([]uint16, error) {
	if rw, ok := s.access.(ReadWriter); ok {
		return rw.ReadWriteHoldingRegisters(ctx, unit, r.ReadAddress, r.ReadQuantity, r.WriteAddress, r.Values)
	}
	// The write is performed before the read.
	if err := s.access.WriteHoldingRegisters(ctx, unit, r.WriteAddress, r.Values); err != nil {
		return nil, err
	}
	return s.access.ReadHoldingRegisters(ctx, unit, r.ReadAddress, r.ReadQuantity)
}

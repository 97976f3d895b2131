// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// serverConn serves the requests of one connection. The read loop reserves
// a slot in queue for every request in arrival order, a handler goroutine
// fills the slot and the write loop drains the slots in queue order.
type serverConn struct {
	srv    *Server
	rwc    io.ReadWriteCloser
	queue  chan chan []byte
	closed atomic.Bool
}

// ServeConn serves requests read from rwc until it is closed, fails, or
// sends a malformed frame. Responses still pending when the peer stops
// sending are written before rwc is closed; a malformed frame closes rwc
// at once without responding. The returned error is nil for a regular end
// of the connection.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rwc.Close()
		return ErrServerClosed
	}
	s.conns[rwc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, rwc)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &serverConn{
		srv:   s,
		rwc:   rwc,
		queue: make(chan chan []byte, s.depth),
	}
	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writeLoop(cancel)
	}()

	err := c.readLoop(ctx)
	if err != nil {
		if errors.Is(err, ErrMalformedADU) {
			s.logf("modbus: closing connection: %v", err)
		}
		c.abort()
		cancel()
	}
	close(c.queue)
	<-written
	c.abort()
	return err
}

// abort closes the connection once; the write loop discards what is left.
func (c *serverConn) abort() {
	if c.closed.CompareAndSwap(false, true) {
		c.rwc.Close()
	}
}

func (c *serverConn) readLoop(ctx context.Context) error {
	framer := c.srv.framer
	deadliner, _ := c.rwc.(interface{ SetReadDeadline(time.Time) error })

	var buf []byte
	chunk := make([]byte, tcpMaxLength)
	for {
		if c.srv.idleTimeout > 0 && deadliner != nil {
			if err := deadliner.SetReadDeadline(time.Now().Add(c.srv.idleTimeout)); err != nil {
				return err
			}
		}
		n, err := c.rwc.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for len(buf) > 0 {
			adu, size, derr := framer.Decode(buf, DirectionRequest)
			if errors.Is(derr, ErrIncomplete) {
				break
			}
			if derr != nil {
				if framer.Correlates() {
					return derr
				}
				// Serial devices ignore frames they can not check.
				c.srv.logf("modbus: discarding % x: %v", buf, derr)
				buf = buf[:0]
				break
			}
			c.srv.logf("modbus: recv % x", buf[:size])
			buf = append(buf[:0], buf[size:]...)
			if framer.Correlates() {
				if err := c.srv.checkRequestLength(&adu.PDU); err != nil {
					return err
				}
			}
			if !c.dispatch(ctx, adu) {
				return nil
			}
		}
		if err != nil {
			var netErr net.Error
			switch {
			case c.srv.isClosed():
				return ErrServerClosed
			case errors.Is(err, io.EOF), c.closed.Load():
				return nil
			case errors.As(err, &netErr) && netErr.Timeout():
				c.srv.logf("modbus: closing idle connection after %v", c.srv.idleTimeout)
				return nil
			}
			return err
		}
	}
}

// checkRequestLength reports ErrMalformedADU when the size of a request
// framed with a length header contradicts the layout of its function. The
// header was wrong, so the rest of the stream can not be trusted either.
// Functions served by a FunctionHandler are not checked.
func (s *Server) checkRequestLength(pdu *ProtocolDataUnit) error {
	if s.access == nil || s.handler(pdu.FunctionCode) != nil {
		return nil
	}
	raw := append([]byte{0, byte(pdu.FunctionCode)}, pdu.Data...)
	n, err := rtuPDULength(raw, DirectionRequest)
	switch {
	case errors.Is(err, ErrIncomplete):
		return malformedADU("request of function '%v' is too short for its byte count", byte(pdu.FunctionCode))
	case err != nil:
		// Unknown layout, answered with an exception.
		return nil
	case n != 1+len(pdu.Data):
		return malformedADU("pdu length '%v' does not match '%v' implied by function '%v'", 1+len(pdu.Data), n, byte(pdu.FunctionCode))
	}
	return nil
}

// dispatch reserves the next response slot and processes adu in the
// background. It blocks while the pipeline is full.
func (c *serverConn) dispatch(ctx context.Context, adu *ApplicationDataUnit) bool {
	slot := make(chan []byte, 1)
	select {
	case c.queue <- slot:
	case <-ctx.Done():
		return false
	}
	go func() {
		slot <- c.srv.respond(ctx, adu)
	}()
	return true
}

func (c *serverConn) writeLoop(cancel context.CancelFunc) {
	for slot := range c.queue {
		raw := <-slot
		if raw == nil || c.closed.Load() {
			continue
		}
		if _, err := c.rwc.Write(raw); err != nil {
			c.srv.logf("modbus: write failed: %v", err)
			cancel()
			c.abort()
		}
	}
}

// respond executes the request and returns the encoded response, nil if
// the request is not answered.
func (s *Server) respond(ctx context.Context, adu *ApplicationDataUnit) []byte {
	pdu := s.execute(ctx, adu)
	if adu.UnitID == UnitBroadcast && !s.framer.Correlates() {
		return nil
	}
	response := &ApplicationDataUnit{TransactionID: adu.TransactionID, UnitID: adu.UnitID, PDU: *pdu}
	raw, err := s.framer.Encode(response)
	if err != nil {
		s.logf("modbus: can not encode response: %v", err)
		response.PDU = *EncodeException(adu.PDU.FunctionCode, ExceptionCodeServerDeviceFailure)
		if raw, err = s.framer.Encode(response); err != nil {
			return nil
		}
	}
	s.logf("modbus: send % x", raw)
	return raw
}

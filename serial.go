// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grid-x/serial"
)

const (
	// Default read timeout of the port, the request timeout is separate.
	serialTimeout = 5 * time.Second
)

// NewSerialConfig returns a port configuration with the usual RTU line
// settings, 19200 baud 8E1.
func NewSerialConfig(address string) *serial.Config {
	return &serial.Config{
		Address:  address,
		BaudRate: 19200,
		DataBits: 8,
		StopBits: 1,
		Parity:   "E",
		Timeout:  serialTimeout,
	}
}

// DialRTU opens a serial port and starts an RTU client on it. The framer
// option is forced to RTUFramer.
func DialRTU(cfg *serial.Config, opts ...ClientOption) (*Client, error) {
	port, err := OpenSerial(cfg)
	if err != nil {
		return nil, err
	}
	o := newClientOptions(opts)
	o.framer = RTUFramer{}
	return newClient(port, o), nil
}

// OpenSerial opens a serial port for use with NewClient or Server.ServeConn.
// Read timeouts of the port are retried until the port is closed.
func OpenSerial(cfg *serial.Config) (io.ReadWriteCloser, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = serialTimeout
	}
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Address, err)
	}
	return &serialPort{port: port, delay: rtuFrameDelay(cfg.BaudRate)}, nil
}

// rtuFrameDelay returns the silent interval of 3.5 characters separating
// RTU frames, fixed at 1750us above 19200 baud.
func rtuFrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}

// serialPort hides read timeouts so a read loop only ends on close or a
// real failure. Writes keep the frame delay to the last activity on the
// line.
type serialPort struct {
	port  io.ReadWriteCloser
	delay time.Duration

	mu           sync.Mutex
	lastActivity time.Time

	closed atomic.Bool
}

func (p *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := p.port.Read(b)
		if n > 0 {
			p.touch()
		}
		if n > 0 || err == nil || p.closed.Load() || !isTimeout(err) {
			return n, err
		}
	}
}

func (p *serialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	wait := time.Until(p.lastActivity.Add(p.delay))
	p.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
	n, err := p.port.Write(b)
	p.touch()
	return n, err
}

func (p *serialPort) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *serialPort) Close() error {
	p.closed.Store(true)
	return p.port.Close()
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return strings.Contains(err.Error(), "timeout")
}

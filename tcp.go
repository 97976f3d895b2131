// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"net"
	"time"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260
	// Length field covers the unit id and the PDU.
	tcpMinLengthField = 2
	tcpMaxLengthField = tcpMaxLength - tcpHeaderSize + 1

	tcpDialTimeout = 10 * time.Second
)

// TCPFramer frames ADUs with the MODBUS application protocol header.
type TCPFramer struct{}

// Correlates implements Framer.
func (TCPFramer) Correlates() bool { return true }

// Encode adds modbus application protocol header:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
func (TCPFramer) Encode(adu *ApplicationDataUnit) ([]byte, error) {
	if 1+len(adu.PDU.Data) > maxPDUSize {
		return nil, malformedADU("pdu length '%v' exceeds '%v'", 1+len(adu.PDU.Data), maxPDUSize)
	}
	raw := make([]byte, tcpHeaderSize+1+len(adu.PDU.Data))

	binary.BigEndian.PutUint16(raw, adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], tcpProtocolIdentifier)
	// Length = sizeof(UnitID) + sizeof(FunctionCode) + Data
	binary.BigEndian.PutUint16(raw[4:], uint16(1+1+len(adu.PDU.Data)))
	raw[6] = adu.UnitID

	raw[tcpHeaderSize] = byte(adu.PDU.FunctionCode)
	copy(raw[tcpHeaderSize+1:], adu.PDU.Data)
	return raw, nil
}

// Decode extracts the first frame of a byte stream. The direction is not
// needed since the header carries the length.
func (TCPFramer) Decode(buf []byte, _ Direction) (*ApplicationDataUnit, int, error) {
	if len(buf) < tcpHeaderSize {
		return nil, 0, ErrIncomplete
	}
	length, err := tcpLengthField(buf)
	if err != nil {
		return nil, 0, err
	}
	n := tcpHeaderSize - 1 + length
	if len(buf) < n {
		return nil, 0, ErrIncomplete
	}
	adu, err := tcpADU(buf[:n])
	if err != nil {
		return nil, 0, err
	}
	return adu, n, nil
}

// DecodeTCPFrame decodes exactly one complete MBAP frame. A length field
// that does not match the size of b is reported as ErrMalformedADU.
func DecodeTCPFrame(b []byte) (*ApplicationDataUnit, error) {
	if len(b) < tcpHeaderSize+1 {
		return nil, malformedADU("frame size '%v' is less than '%v'", len(b), tcpHeaderSize+1)
	}
	length, err := tcpLengthField(b)
	if err != nil {
		return nil, err
	}
	if pduLength := len(b) - tcpHeaderSize; pduLength != length-1 {
		return nil, malformedADU("length in header '%v' does not match pdu data length '%v'", length-1, pduLength)
	}
	return tcpADU(b)
}

// tcpLengthField validates protocol id and length of an MBAP header.
func tcpLengthField(header []byte) (int, error) {
	if proto := binary.BigEndian.Uint16(header[2:]); proto != tcpProtocolIdentifier {
		return 0, malformedADU("protocol id '%v' must be '%v'", proto, tcpProtocolIdentifier)
	}
	length := int(binary.BigEndian.Uint16(header[4:]))
	if length < tcpMinLengthField || length > tcpMaxLengthField {
		return 0, malformedADU("length in header '%v' must be between '%v' and '%v'", length, tcpMinLengthField, tcpMaxLengthField)
	}
	return length, nil
}

func tcpADU(frame []byte) (*ApplicationDataUnit, error) {
	pdu, err := DecodePDU(frame[tcpHeaderSize:])
	if err != nil {
		return nil, err
	}
	return &ApplicationDataUnit{
		TransactionID: binary.BigEndian.Uint16(frame),
		UnitID:        frame[6],
		PDU:           *pdu,
	}, nil
}

// DialFunc opens the stream used by DialTCP.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDialFunc(timeout time.Duration) DialFunc {
	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext
}

// DialTCP connects to a MODBUS TCP server and starts a client on the
// connection.
func DialTCP(ctx context.Context, address string, opts ...ClientOption) (*Client, error) {
	o := newClientOptions(opts)
	dial := o.dial
	if dial == nil {
		dial = defaultDialFunc(tcpDialTimeout)
	}
	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newClient(conn, o), nil
}

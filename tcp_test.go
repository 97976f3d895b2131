// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestTCPEncoding(t *testing.T) {
	adu := ApplicationDataUnit{
		TransactionID: 1,
		PDU:           ProtocolDataUnit{FunctionCode: 3, Data: []byte{0, 4, 0, 3}},
	}

	raw, err := TCPFramer{}.Encode(&adu)
	if err != nil {
		t.Fatal(err)
	}

	expected := []byte{0, 1, 0, 0, 0, 6, 0, 3, 0, 4, 0, 3}
	if !bytes.Equal(expected, raw) {
		t.Fatalf("Expected %v, actual %v", expected, raw)
	}
}

func TestTCPDecoding(t *testing.T) {
	raw := []byte{0, 1, 0, 0, 0, 6, 17, 3, 0, 120, 0, 3}

	adu, n, err := TCPFramer{}.Decode(raw, DirectionResponse)
	if err != nil {
		t.Fatal(err)
	}

	if n != len(raw) {
		t.Fatalf("Consumed: expected %v, actual %v", len(raw), n)
	}
	if adu.TransactionID != 1 || adu.UnitID != 17 {
		t.Fatalf("Header: expected 1/17, actual %v/%v", adu.TransactionID, adu.UnitID)
	}
	if adu.PDU.FunctionCode != 3 {
		t.Fatalf("Function code: expected %v, actual %v", 3, adu.PDU.FunctionCode)
	}
	expected := []byte{0, 120, 0, 3}
	if !bytes.Equal(expected, adu.PDU.Data) {
		t.Fatalf("Data: expected %v, actual %v", expected, adu.PDU.Data)
	}
}

func TestTCPDecodeStream(t *testing.T) {
	frame := []byte{0, 7, 0, 0, 0, 6, 1, 3, 0, 0, 0, 2}
	stream := append(slices.Clone(frame), frame[:5]...)

	// Every proper prefix of a frame needs more bytes.
	for i := 0; i < len(frame); i++ {
		if _, _, err := (TCPFramer{}).Decode(frame[:i], DirectionRequest); !errors.Is(err, ErrIncomplete) {
			t.Fatalf("prefix of %v bytes: expected ErrIncomplete, actual %v", i, err)
		}
	}

	adu, n, err := TCPFramer{}.Decode(stream, DirectionRequest)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(frame) || adu.TransactionID != 7 {
		t.Fatalf("unexpected frame %+v of %v bytes", adu, n)
	}
	if _, _, err = (TCPFramer{}).Decode(stream[n:], DirectionRequest); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete for the trailing bytes, actual %v", err)
	}
}

func TestTCPDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"protocol id", []byte{0, 1, 0, 1, 0, 6, 1, 3, 0, 0, 0, 1}},
		{"length zero", []byte{0, 1, 0, 0, 0, 0, 1, 3}},
		{"length one", []byte{0, 1, 0, 0, 0, 1, 1, 3}},
		{"length too big", []byte{0, 1, 0, 0, 0, 255, 1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := (TCPFramer{}).Decode(tt.raw, DirectionRequest); !errors.Is(err, ErrMalformedADU) {
				t.Fatalf("expected ErrMalformedADU, actual %v", err)
			}
		})
	}
}

func TestDecodeTCPFrameLengthMismatch(t *testing.T) {
	// Header claims 6 bytes, 5 follow.
	raw := []byte{0, 1, 0, 0, 0, 6, 1, 3, 0, 0, 0}
	if _, err := DecodeTCPFrame(raw); !errors.Is(err, ErrMalformedADU) {
		t.Fatalf("expected ErrMalformedADU, actual %v", err)
	}
	// The streaming decoder waits for the missing byte instead.
	if _, _, err := (TCPFramer{}).Decode(raw, DirectionResponse); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, actual %v", err)
	}
	adu, err := DecodeTCPFrame(append(raw, 2))
	if err != nil {
		t.Fatal(err)
	}
	if adu.PDU.FunctionCode != FuncCodeReadHoldingRegisters {
		t.Fatalf("unexpected function %v", adu.PDU.FunctionCode)
	}
}

func TestTCPEncodeOversizedPDU(t *testing.T) {
	adu := ApplicationDataUnit{PDU: ProtocolDataUnit{FunctionCode: 100, Data: make([]byte, maxPDUSize)}}
	if _, err := (TCPFramer{}).Encode(&adu); !errors.Is(err, ErrMalformedADU) {
		t.Fatalf("expected ErrMalformedADU, actual %v", err)
	}
}

func TestCustomDialer(t *testing.T) {
	const tRegisterNum uint16 = 0xCAFE

	const tSentinelVal uint32 = 0xBADC0DE
	const qtyUint32 = 2

	// Processes a single cli.ReadInputRegisters() and returns a static integer value.
	acceptConnAndRespond := func(srvLn net.Listener) error {
		conn, err := srvLn.Accept()
		if err != nil {
			return fmt.Errorf("accepting server connection: %w", err)
		}
		defer conn.Close()

		readBuf := make([]byte, bytes.MinRead)
		n, err := conn.Read(readBuf)
		if err != nil {
			return fmt.Errorf("reading from server connection: %w", err)
		}

		const fnc = FuncCodeReadInputRegisters

		// Ensure that the request originates from the test.
		requestAdu, err := DecodeTCPFrame(readBuf[:n])
		if err != nil {
			return fmt.Errorf("decoding ApplicationDataUnit: %w", err)
		}
		if requestAdu.PDU.FunctionCode != fnc {
			return fmt.Errorf("unexpected request function code (%v/%v)", requestAdu.PDU.FunctionCode, fnc)
		}
		var expectData []byte
		expectData = binary.BigEndian.AppendUint16(expectData, tRegisterNum)
		expectData = binary.BigEndian.AppendUint16(expectData, qtyUint32)
		if !slices.Equal(expectData, requestAdu.PDU.Data) {
			return fmt.Errorf("unexpected request data (%v/%v)", requestAdu.PDU.Data, expectData)
		}

		const sizeUint32 = 4
		var writeData []byte
		writeData = append(writeData, sizeUint32)
		writeData = binary.BigEndian.AppendUint32(writeData, tSentinelVal)
		responseData, err := TCPFramer{}.Encode(&ApplicationDataUnit{
			TransactionID: requestAdu.TransactionID,
			UnitID:        requestAdu.UnitID,
			PDU:           ProtocolDataUnit{FunctionCode: fnc, Data: writeData},
		})
		if err != nil {
			return fmt.Errorf("encoding ApplicationDataUnit: %w", err)
		}

		_, err = conn.Write(responseData)
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- acceptConnAndRespond(ln)
	}()

	var dials atomic.Int32
	dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
		dials.Add(1)
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := DialTCP(ctx, ln.Addr().String(), WithDialer(dialer), WithTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	values, err := cli.ReadInputRegisters(ctx, UnitTCP, tRegisterNum, qtyUint32)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-srvErr; err != nil {
		t.Fatal(err)
	}
	if got := uint32(values[0])<<16 | uint32(values[1]); got != tSentinelVal {
		t.Fatalf("got %#x, wanted %#x", got, tSentinelVal)
	}
	if dials.Load() != 1 {
		t.Fatalf("custom dialer called %v times", dials.Load())
	}
}

func BenchmarkTCPEncoder(b *testing.B) {
	adu := ApplicationDataUnit{
		UnitID: 10,
		PDU: ProtocolDataUnit{
			FunctionCode: 1,
			Data:         []byte{2, 3, 4, 5, 6, 7, 8, 9},
		},
	}
	for i := 0; i < b.N; i++ {
		_, err := TCPFramer{}.Encode(&adu)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTCPDecoder(b *testing.B) {
	raw := []byte{0, 1, 0, 0, 0, 6, 17, 3, 0, 120, 0, 3}
	for i := 0; i < b.N; i++ {
		_, _, err := TCPFramer{}.Decode(raw, DirectionResponse)
		if err != nil {
			b.Fatal(err)
		}
	}
}

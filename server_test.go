package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, access RegisterAccess, opts ...ServerOption) (string, *Server) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(access, opts...)
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()
	t.Cleanup(func() {
		srv.Close()
		if err := <-served; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve returned %v", err)
		}
	})
	return ln.Addr().String(), srv
}

func dialServer(t *testing.T, addr string, opts ...ClientOption) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialTCP(ctx, addr, append([]ClientOption{WithTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// readFrames reads n frames from conn.
func readFrames(t *testing.T, conn io.Reader, framer Framer, n int) []*ApplicationDataUnit {
	var (
		buf    []byte
		frames []*ApplicationDataUnit
		chunk  = make([]byte, 512)
	)
	for len(frames) < n {
		adu, size, err := framer.Decode(buf, DirectionResponse)
		if err == nil {
			frames = append(frames, adu)
			buf = buf[size:]
			continue
		}
		require.ErrorIs(t, err, ErrIncomplete)
		m, err := conn.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:m]...)
	}
	return frames
}

func encodeRead(t *testing.T, framer Framer, id uint16, unit byte, address, quantity uint16) []byte {
	pdu, err := EncodeRequest(&ReadRequest{FunctionCode: FuncCodeReadHoldingRegisters, Address: address, Quantity: quantity})
	require.NoError(t, err)
	raw, err := framer.Encode(&ApplicationDataUnit{TransactionID: id, UnitID: unit, PDU: *pdu})
	require.NoError(t, err)
	return raw
}

// delayedAccess answers holding register reads with the address as value
// after a delay chosen per address.
type delayedAccess struct {
	RegisterAccess
	delays map[uint16]time.Duration

	mu       sync.Mutex
	finished []uint16
}

func (a *delayedAccess) ReadHoldingRegisters(ctx context.Context, _ byte, address, quantity uint16) ([]uint16, error) {
	select {
	case <-time.After(a.delays[address]):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.mu.Lock()
	a.finished = append(a.finished, address)
	a.mu.Unlock()
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = address
	}
	return values, nil
}

func TestServerResponseOrder(t *testing.T) {
	access := &delayedAccess{delays: map[uint16]time.Duration{
		1: 200 * time.Millisecond,
		2: 0,
		3: 50 * time.Millisecond,
	}}
	srv := NewServer(access)
	c1, c2 := net.Pipe()
	defer c2.Close()
	go srv.ServeConn(context.Background(), c1)

	var requests []byte
	for id := uint16(1); id <= 3; id++ {
		requests = append(requests, encodeRead(t, TCPFramer{}, id, 1, id, 1)...)
	}
	go c2.Write(requests)

	frames := readFrames(t, c2, TCPFramer{}, 3)
	for i, adu := range frames {
		id := uint16(i + 1)
		assert.Equal(t, id, adu.TransactionID)
		resp, err := DecodeResponse(&adu.PDU, &ReadRequest{FunctionCode: FuncCodeReadHoldingRegisters, Address: id, Quantity: 1})
		require.NoError(t, err)
		assert.Equal(t, []uint16{id}, resp.(*ReadRegistersResponse).Values)
	}
	access.mu.Lock()
	defer access.mu.Unlock()
	assert.Equal(t, []uint16{2, 3, 1}, access.finished, "handlers run concurrently")
}

func newTestStore(t *testing.T) *MemoryStore {
	store := NewMemoryStore()
	require.NoError(t, store.Define(1, TableHoldingRegisters, 0, 100))
	require.NoError(t, store.Define(1, TableInputRegisters, 0, 10))
	require.NoError(t, store.Define(1, TableCoils, 0, 4))
	require.NoError(t, store.Define(1, TableDiscreteInputs, 0, 16))
	return store
}

func TestServerEndToEndReadHoldingRegisters(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetHoldingRegisters(1, 0, []uint16{10, 20, 30, 40}))
	addr, _ := startServer(t, store)
	client := dialServer(t, addr)

	values, err := client.ReadHoldingRegisters(context.Background(), 1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{10, 20, 30, 40}, values)

	// The raw response carries byte count 8.
	resp, err := client.Send(context.Background(), 1, &ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0, 0, 0, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{8, 0, 10, 0, 20, 0, 30, 0, 40}, resp.Data)
}

func TestServerEndToEndWriteUndefinedCoil(t *testing.T) {
	addr, _ := startServer(t, newTestStore(t))
	client := dialServer(t, addr)

	err := client.WriteSingleCoil(context.Background(), 1, 5, true)
	var mbErr *ExceptionError
	require.True(t, errors.As(err, &mbErr), "expected *ExceptionError, got %v", err)
	assert.Equal(t, ExceptionCodeIllegalDataAddress, mbErr.ExceptionCode)
	assert.Equal(t, FuncCodeWriteSingleCoil|exceptionFlag, mbErr.FunctionCode)
	assert.NoError(t, client.Err())
}

func TestServerEndToEndFunctions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetDiscreteInputs(1, 0, []bool{true, false, true}))
	require.NoError(t, store.SetInputRegisters(1, 2, []uint16{7, 8}))
	addr, _ := startServer(t, store)
	client := dialServer(t, addr)
	ctx := context.Background()

	require.NoError(t, client.WriteMultipleCoils(ctx, 1, 0, []bool{true, true, false, true}))
	coils, err := client.ReadCoils(ctx, 1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false, true}, coils)

	require.NoError(t, client.WriteSingleCoil(ctx, 1, 0, false))
	coils, err = store.Coils(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, coils)

	inputs, err := client.ReadDiscreteInputs(ctx, 1, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, inputs)

	registers, err := client.ReadInputRegisters(ctx, 1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 8}, registers)

	require.NoError(t, client.WriteSingleRegister(ctx, 1, 10, 0x0012))
	require.NoError(t, client.MaskWriteRegister(ctx, 1, 10, 0x00F2, 0x0025))
	registers, err = store.HoldingRegisters(1, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0017}, registers)

	require.NoError(t, client.WriteMultipleRegisters(ctx, 1, 20, []uint16{1, 2, 3}))
	registers, err = client.ReadWriteMultipleRegisters(ctx, 1, 20, 4, 22, []uint16{9, 9})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 9, 9}, registers)
}

// plainAccess hides the optional interfaces of the embedded store.
type plainAccess struct {
	RegisterAccess
}

func TestServerMaskWriteAndReadWriteFallback(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetHoldingRegisters(1, 0, []uint16{0x0012, 5, 6}))
	addr, _ := startServer(t, plainAccess{store})
	client := dialServer(t, addr)
	ctx := context.Background()

	require.NoError(t, client.MaskWriteRegister(ctx, 1, 0, 0x00F2, 0x0025))
	registers, err := client.ReadWriteMultipleRegisters(ctx, 1, 0, 3, 1, []uint16{50})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0017, 50, 6}, registers)
}

type failingAccess struct {
	RegisterAccess
	err error
}

func (a failingAccess) ReadInputRegisters(context.Context, byte, uint16, uint16) ([]uint16, error) {
	return nil, a.err
}

func TestServerExceptions(t *testing.T) {
	store := newTestStore(t)
	addr, _ := startServer(t, failingAccess{RegisterAccess: store, err: errors.New("sensor offline")})
	client := dialServer(t, addr)
	ctx := context.Background()

	tests := []struct {
		name string
		unit byte
		pdu  ProtocolDataUnit
		code ExceptionCode
	}{
		{"unsupported function", 1, ProtocolDataUnit{FunctionCode: 0x2B, Data: []byte{0x0E, 0x01, 0x00}}, ExceptionCodeIllegalFunction},
		{"quantity", 1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0, 0, 0, 126}}, ExceptionCodeIllegalDataValue},
		{"coil value", 1, ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: []byte{0, 0, 0x12, 0x34}}, ExceptionCodeIllegalDataValue},
		{"address space", 1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0xFF, 0xFF, 0, 2}}, ExceptionCodeIllegalDataAddress},
		{"undefined range", 1, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0, 99, 0, 2}}, ExceptionCodeIllegalDataAddress},
		{"unknown unit", 2, ProtocolDataUnit{FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0, 0, 0, 1}}, ExceptionCodeGatewayPathUnavailable},
		{"access failure", 1, ProtocolDataUnit{FunctionCode: FuncCodeReadInputRegisters, Data: []byte{0, 0, 0, 1}}, ExceptionCodeServerDeviceFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Send(ctx, tt.unit, &tt.pdu)
			var mbErr *ExceptionError
			require.True(t, errors.As(err, &mbErr), "expected *ExceptionError, got %v", err)
			assert.Equal(t, tt.code, mbErr.ExceptionCode)
			assert.Equal(t, tt.pdu.FunctionCode|exceptionFlag, mbErr.FunctionCode)
		})
	}
}

func TestServerRequestTimeout(t *testing.T) {
	access := &delayedAccess{delays: map[uint16]time.Duration{1: time.Minute}}
	addr, _ := startServer(t, access, WithRequestTimeout(50*time.Millisecond))
	client := dialServer(t, addr)

	_, err := client.ReadHoldingRegisters(context.Background(), 1, 1, 1)
	assert.ErrorIs(t, err, ExceptionCodeServerDeviceBusy)
}

func TestServerMalformedLengthClosesConnection(t *testing.T) {
	addr, _ := startServer(t, newTestStore(t))
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0, 1, 0, 0, 0, 0, 1, 3, 0, 0, 0, 1})
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := conn.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerLengthMismatchClosesConnection(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		// Length 5 announces a 3 byte read request, the sixth byte follows.
		{"short header length", []byte{0, 1, 0, 0, 0, 5, 1, 3, 0, 0, 0, 1}},
		{"byte count exceeds data", []byte{0, 2, 0, 0, 0, 9, 1, 0x10, 0, 0, 0, 2, 4, 0, 1}},
		{"missing byte count", []byte{0, 3, 0, 0, 0, 5, 1, 0x10, 0, 0, 0}},
	}
	addr, _ := startServer(t, newTestStore(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()

			_, err = conn.Write(tt.frame)
			require.NoError(t, err)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			n, err := conn.Read(make([]byte, 16))
			assert.Equal(t, 0, n)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

// formattingLogger formats every line like a real logger does.
type formattingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *formattingLogger) Printf(format string, v ...interface{}) {
	line := fmt.Sprintf(format, v...)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *formattingLogger) find(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestServerLogsException(t *testing.T) {
	log := &formattingLogger{}
	addr, _ := startServer(t, newTestStore(t), WithServerLogger(log))
	client := dialServer(t, addr)

	_, err := client.ReadHoldingRegisters(context.Background(), 1, 150, 1)
	assert.ErrorIs(t, err, ExceptionCodeIllegalDataAddress)
	assert.EqualError(t, err, "modbus: exception '2' (illegal data address), function '3'")
	assert.True(t, log.find("illegal data address"))

	values, err := client.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	require.NoError(t, err, "server must keep serving")
	assert.Equal(t, []uint16{0}, values)
}

func TestServerHandleFunc(t *testing.T) {
	addr, srv := startServer(t, newTestStore(t))
	require.Error(t, srv.HandleFunc(0x81, func(context.Context, byte, *ProtocolDataUnit) ([]byte, error) { return nil, nil }))
	require.NoError(t, srv.HandleFunc(0x41, func(_ context.Context, unit byte, pdu *ProtocolDataUnit) ([]byte, error) {
		if len(pdu.Data) == 0 {
			return nil, ExceptionCodeIllegalDataValue
		}
		return append([]byte{unit}, pdu.Data...), nil
	}))
	client := dialServer(t, addr)
	ctx := context.Background()

	resp, err := client.Send(ctx, 3, &ProtocolDataUnit{FunctionCode: 0x41, Data: []byte{0xAB}})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0xAB}, resp.Data)

	_, err = client.Send(ctx, 3, &ProtocolDataUnit{FunctionCode: 0x41})
	assert.ErrorIs(t, err, ExceptionCodeIllegalDataValue)

	require.NoError(t, srv.HandleFunc(0x41, nil))
	_, err = client.Send(ctx, 3, &ProtocolDataUnit{FunctionCode: 0x41, Data: []byte{0xAB}})
	assert.ErrorIs(t, err, ExceptionCodeIllegalFunction)
}

func TestServerMaxConnections(t *testing.T) {
	addr, _ := startServer(t, newTestStore(t), WithMaxConnections(1))
	client := dialServer(t, addr)
	_, err := client.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "connection beyond the limit is closed")
}

func TestServerIdleTimeout(t *testing.T) {
	addr, _ := startServer(t, newTestStore(t), WithIdleTimeout(50*time.Millisecond))
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerRTUBroadcast(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Define(0, TableHoldingRegisters, 0, 10))
	srv := NewServer(store, WithServerFramer(RTUFramer{}))
	c1, c2 := net.Pipe()
	defer c2.Close()
	go srv.ServeConn(context.Background(), c1)

	pdu, err := EncodeRequest(&WriteSingleRegisterRequest{Address: 1, Value: 77})
	require.NoError(t, err)
	broadcast, err := RTUFramer{}.Encode(&ApplicationDataUnit{UnitID: UnitBroadcast, PDU: *pdu})
	require.NoError(t, err)
	go func() {
		c2.Write(broadcast)
		c2.Write(encodeRead(t, RTUFramer{}, 0, 1, 0, 2))
	}()

	frames := readFrames(t, c2, RTUFramer{}, 1)
	assert.Equal(t, byte(1), frames[0].UnitID, "only the addressed request is answered")
	values, err := store.HoldingRegisters(0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{77}, values)
}

func TestServerServeAfterClose(t *testing.T) {
	srv := NewServer(NewMemoryStore())
	require.NoError(t, srv.Close())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(ln), ErrServerClosed)

	c1, c2 := net.Pipe()
	defer c2.Close()
	assert.ErrorIs(t, srv.ServeConn(context.Background(), c1), ErrServerClosed)
}

func TestExceptionCode(t *testing.T) {
	tests := []struct {
		err  error
		code ExceptionCode
	}{
		{ExceptionCodeAcknowledge, ExceptionCodeAcknowledge},
		{&ExceptionError{ExceptionCode: ExceptionCodeGatewayPathUnavailable}, ExceptionCodeGatewayPathUnavailable},
		{ErrUnsupportedFunction, ExceptionCodeIllegalFunction},
		{validationError("x"), ExceptionCodeIllegalDataValue},
		{malformedPDU("x"), ExceptionCodeIllegalDataValue},
		{checkRange(0xFFFF, 2), ExceptionCodeIllegalDataAddress},
		{context.DeadlineExceeded, ExceptionCodeServerDeviceBusy},
		{errors.New("boom"), ExceptionCodeServerDeviceFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, exceptionCode(tt.err), "%v", tt.err)
	}
}

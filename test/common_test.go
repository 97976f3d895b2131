// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

// Package test runs the client against the server over loopback TCP for
// every framing.
package test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grid-x/modbus-engine"
)

const slaveID = 17

// startDevice serves a simulated device with the given framing and returns
// a connected client.
func startDevice(t *testing.T, framer modbus.Framer) *modbus.Client {
	store := modbus.NewMemoryStore()
	for _, table := range []modbus.Table{
		modbus.TableCoils, modbus.TableDiscreteInputs,
		modbus.TableHoldingRegisters, modbus.TableInputRegisters,
	} {
		if err := store.Define(slaveID, table, 0, 200); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SetDiscreteInputs(slaveID, 15, []bool{true, false}); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := modbus.NewServer(store, modbus.WithServerFramer(framer))
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := modbus.DialTCP(ctx, ln.Addr().String(), modbus.WithFramer(framer), modbus.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// ClientTestAll exercises every function of the client.
func ClientTestAll(t *testing.T, client *modbus.Client) {
	ctx := context.Background()

	if err := client.WriteMultipleCoils(ctx, slaveID, 5, []bool{false, false, true, false, false, false, false, false, true, true}); err != nil {
		t.Fatal(err)
	}
	coils, err := client.ReadCoils(ctx, slaveID, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !coils[2] || coils[3] || !coils[9] {
		t.Fatalf("unexpected coils %v", coils)
	}
	if err := client.WriteSingleCoil(ctx, slaveID, 6, true); err != nil {
		t.Fatal(err)
	}

	inputs, err := client.ReadDiscreteInputs(ctx, slaveID, 15, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !inputs[0] || inputs[1] {
		t.Fatalf("unexpected discrete inputs %v", inputs)
	}

	if err := client.WriteMultipleRegisters(ctx, slaveID, 1, []uint16{3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := client.WriteSingleRegister(ctx, slaveID, 3, 0x0012); err != nil {
		t.Fatal(err)
	}
	if err := client.MaskWriteRegister(ctx, slaveID, 3, 0x00F2, 0x0025); err != nil {
		t.Fatal(err)
	}
	registers, err := client.ReadWriteMultipleRegisters(ctx, slaveID, 0, 4, 0, []uint16{1})
	if err != nil {
		t.Fatal(err)
	}
	if len(registers) != 4 || registers[0] != 1 || registers[1] != 3 || registers[2] != 4 || registers[3] != 0x0017 {
		t.Fatalf("unexpected registers %v", registers)
	}
	registers, err = client.ReadHoldingRegisters(ctx, slaveID, 0, 4)
	if err != nil || len(registers) != 4 {
		t.Fatal(err, registers)
	}
	if _, err := client.ReadInputRegisters(ctx, slaveID, 0, 125); err != nil {
		t.Fatal(err)
	}

	_, err = client.ReadInputRegisters(ctx, slaveID, 190, 20)
	if !errors.Is(err, modbus.ExceptionCodeIllegalDataAddress) {
		t.Fatalf("expected illegal data address, got %v", err)
	}
	if err := client.Err(); err != nil {
		t.Fatalf("client failed: %v", err)
	}
}

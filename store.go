// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// Table is one of the four tables of the MODBUS data model.
type Table int

const (
	// TableCoils holds read/write bits.
	TableCoils Table = iota
	// TableDiscreteInputs holds read only bits.
	TableDiscreteInputs
	// TableHoldingRegisters holds read/write registers.
	TableHoldingRegisters
	// TableInputRegisters holds read only registers.
	TableInputRegisters

	numTables
)

var tableNames = [numTables]string{
	TableCoils:            "coils",
	TableDiscreteInputs:   "discrete_inputs",
	TableHoldingRegisters: "holding_registers",
	TableInputRegisters:   "input_registers",
}

func (t Table) String() string {
	if t >= 0 && t < numTables {
		return tableNames[t]
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// ParseTable returns the table named s, as printed by Table.String.
func ParseTable(s string) (Table, error) {
	for i, name := range tableNames {
		if strings.EqualFold(s, name) {
			return Table(i), nil
		}
	}
	return 0, fmt.Errorf("modbus: unknown table '%s'", s)
}

func (t Table) isBits() bool {
	return t == TableCoils || t == TableDiscreteInputs
}

// block is a defined address range with its own lock.
type block struct {
	mu    sync.RWMutex
	start int
	bits  []bool
	words []uint16
}

func (b *block) end() int {
	if b.bits != nil {
		return b.start + len(b.bits)
	}
	return b.start + len(b.words)
}

// MemoryStore is a RegisterAccess keeping the data of any number of units
// in memory. Only defined ranges are addressable. It is safe for
// concurrent use; operations spanning several ranges lock all of them at
// once.
type MemoryStore struct {
	mu    sync.RWMutex
	units map[byte]*[numTables][]*block
}

var (
	_ RegisterAccess = (*MemoryStore)(nil)
	_ MaskWriter     = (*MemoryStore)(nil)
	_ ReadWriter     = (*MemoryStore)(nil)
)

// NewMemoryStore returns a store without any unit.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{units: make(map[byte]*[numTables][]*block)}
}

// Define adds count zero valued entries starting at start to a table of
// unit. Ranges of a table must not overlap.
func (m *MemoryStore) Define(unit byte, table Table, start uint16, count int) error {
	if table < 0 || table >= numTables {
		return fmt.Errorf("modbus: unknown table %v", table)
	}
	if count < 1 || int(start)+count > 1<<16 {
		return fmt.Errorf("modbus: range of %v entries at '%v' does not fit the address space", count, start)
	}
	b := &block{start: int(start)}
	if table.isBits() {
		b.bits = make([]bool, count)
	} else {
		b.words = make([]uint16, count)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	space, ok := m.units[unit]
	if !ok {
		space = new([numTables][]*block)
		m.units[unit] = space
	}
	for _, other := range space[table] {
		if b.start < other.end() && other.start < b.end() {
			return fmt.Errorf("modbus: %v range at '%v' overlaps range at '%v' of unit '%v'", table, start, other.start, unit)
		}
	}
	// Copy so that readers holding the old slice are unaffected.
	blocks := make([]*block, 0, len(space[table])+1)
	blocks = append(blocks, space[table]...)
	blocks = append(blocks, b)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].start < blocks[j].start })
	space[table] = blocks
	return nil
}

// span returns the ranges covering quantity entries at address, failing
// on undefined units and addresses.
func (m *MemoryStore) span(unit byte, table Table, address uint16, quantity int) ([]*block, error) {
	m.mu.RLock()
	space, ok := m.units[unit]
	var blocks []*block
	if ok {
		blocks = space[table]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ExceptionCodeGatewayPathUnavailable
	}

	start, end := int(address), int(address)+quantity
	var result []*block
	for _, b := range blocks {
		if b.end() <= start {
			continue
		}
		if b.start >= end {
			break
		}
		result = append(result, b)
	}
	if len(result) == 0 || result[0].start > start || result[len(result)-1].end() < end {
		return nil, ExceptionCodeIllegalDataAddress
	}
	// Make sure there are no gaps
	for i := 0; i < len(result)-1; i++ {
		if result[i].end() != result[i+1].start {
			return nil, ExceptionCodeIllegalDataAddress
		}
	}
	return result, nil
}

// locker returns a locker that atomically locks all blocks.
func locker(write bool, blocks ...*block) sync.Locker {
	seen := make(map[*block]struct{}, len(blocks))
	lockers := make([]sync.Locker, 0, len(blocks))
	for _, b := range blocks {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		if write {
			lockers = append(lockers, &b.mu)
		} else {
			lockers = append(lockers, b.mu.RLocker())
		}
	}
	return multilocker.New(lockers...)
}

// window returns the part of b between start and end as offsets into b.
func window(b *block, start, end int) (int, int) {
	return max(start, b.start) - b.start, min(end, b.end()) - b.start
}

func readBits(blocks []*block, address uint16, quantity int) []bool {
	start, end := int(address), int(address)+quantity
	values := make([]bool, 0, quantity)
	for _, b := range blocks {
		from, to := window(b, start, end)
		values = append(values, b.bits[from:to]...)
	}
	return values
}

func writeBits(blocks []*block, address uint16, values []bool) {
	start, end := int(address), int(address)+len(values)
	for _, b := range blocks {
		from, to := window(b, start, end)
		values = values[copy(b.bits[from:to], values):]
	}
}

func readWords(blocks []*block, address uint16, quantity int) []uint16 {
	start, end := int(address), int(address)+quantity
	values := make([]uint16, 0, quantity)
	for _, b := range blocks {
		from, to := window(b, start, end)
		values = append(values, b.words[from:to]...)
	}
	return values
}

func writeWords(blocks []*block, address uint16, values []uint16) {
	start, end := int(address), int(address)+len(values)
	for _, b := range blocks {
		from, to := window(b, start, end)
		values = values[copy(b.words[from:to], values):]
	}
}

func (m *MemoryStore) getBits(unit byte, table Table, address uint16, quantity int) ([]bool, error) {
	blocks, err := m.span(unit, table, address, quantity)
	if err != nil {
		return nil, err
	}
	l := locker(false, blocks...)
	l.Lock()
	defer l.Unlock()
	return readBits(blocks, address, quantity), nil
}

func (m *MemoryStore) setBits(unit byte, table Table, address uint16, values []bool) error {
	blocks, err := m.span(unit, table, address, len(values))
	if err != nil {
		return err
	}
	l := locker(true, blocks...)
	l.Lock()
	defer l.Unlock()
	writeBits(blocks, address, values)
	return nil
}

func (m *MemoryStore) getWords(unit byte, table Table, address uint16, quantity int) ([]uint16, error) {
	blocks, err := m.span(unit, table, address, quantity)
	if err != nil {
		return nil, err
	}
	l := locker(false, blocks...)
	l.Lock()
	defer l.Unlock()
	return readWords(blocks, address, quantity), nil
}

func (m *MemoryStore) setWords(unit byte, table Table, address uint16, values []uint16) error {
	blocks, err := m.span(unit, table, address, len(values))
	if err != nil {
		return err
	}
	l := locker(true, blocks...)
	l.Lock()
	defer l.Unlock()
	writeWords(blocks, address, values)
	return nil
}

// ReadCoils implements RegisterAccess.
func (m *MemoryStore) ReadCoils(_ context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	return m.getBits(unit, TableCoils, address, int(quantity))
}

// ReadDiscreteInputs implements RegisterAccess.
func (m *MemoryStore) ReadDiscreteInputs(_ context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	return m.getBits(unit, TableDiscreteInputs, address, int(quantity))
}

// WriteCoils implements RegisterAccess.
func (m *MemoryStore) WriteCoils(_ context.Context, unit byte, address uint16, values []bool) error {
	return m.setBits(unit, TableCoils, address, values)
}

// ReadHoldingRegisters implements RegisterAccess.
func (m *MemoryStore) ReadHoldingRegisters(_ context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	return m.getWords(unit, TableHoldingRegisters, address, int(quantity))
}

// ReadInputRegisters implements RegisterAccess.
func (m *MemoryStore) ReadInputRegisters(_ context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	return m.getWords(unit, TableInputRegisters, address, int(quantity))
}

// WriteHoldingRegisters implements RegisterAccess.
func (m *MemoryStore) WriteHoldingRegisters(_ context.Context, unit byte, address uint16, values []uint16) error {
	return m.setWords(unit, TableHoldingRegisters, address, values)
}

// MaskWriteRegister implements MaskWriter.
func (m *MemoryStore) MaskWriteRegister(_ context.Context, unit byte, address, andMask, orMask uint16) error {
	blocks, err := m.span(unit, TableHoldingRegisters, address, 1)
	if err != nil {
		return err
	}
	b := blocks[0]
	b.mu.Lock()
	defer b.mu.Unlock()
	i := int(address) - b.start
	b.words[i] = maskRegister(b.words[i], andMask, orMask)
	return nil
}

// ReadWriteHoldingRegisters implements ReadWriter. The write happens
// before the read, both under the same lock.
func (m *MemoryStore) ReadWriteHoldingRegisters(_ context.Context, unit byte, readAddress, readQuantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	writeBlocks, err := m.span(unit, TableHoldingRegisters, writeAddress, len(values))
	if err != nil {
		return nil, err
	}
	readBlocks, err := m.span(unit, TableHoldingRegisters, readAddress, int(readQuantity))
	if err != nil {
		return nil, err
	}
	l := locker(true, append(append([]*block(nil), writeBlocks...), readBlocks...)...)
	l.Lock()
	defer l.Unlock()
	writeWords(writeBlocks, writeAddress, values)
	return readWords(readBlocks, readAddress, int(readQuantity)), nil
}

// SetCoils sets coils of unit from the application side.
func (m *MemoryStore) SetCoils(unit byte, address uint16, values []bool) error {
	return m.setBits(unit, TableCoils, address, values)
}

// SetDiscreteInputs sets discrete inputs of unit.
func (m *MemoryStore) SetDiscreteInputs(unit byte, address uint16, values []bool) error {
	return m.setBits(unit, TableDiscreteInputs, address, values)
}

// SetHoldingRegisters sets holding registers of unit.
func (m *MemoryStore) SetHoldingRegisters(unit byte, address uint16, values []uint16) error {
	return m.setWords(unit, TableHoldingRegisters, address, values)
}

// SetInputRegisters sets input registers of unit.
func (m *MemoryStore) SetInputRegisters(unit byte, address uint16, values []uint16) error {
	return m.setWords(unit, TableInputRegisters, address, values)
}

// Coils returns quantity coils of unit starting at address.
func (m *MemoryStore) Coils(unit byte, address uint16, quantity int) ([]bool, error) {
	return m.getBits(unit, TableCoils, address, quantity)
}

// HoldingRegisters returns quantity holding registers of unit starting at
// address.
func (m *MemoryStore) HoldingRegisters(unit byte, address uint16, quantity int) ([]uint16, error) {
	return m.getWords(unit, TableHoldingRegisters, address, quantity)
}

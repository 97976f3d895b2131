// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Table of CRC values for polynomial 0xA001, built once.
var crcTable = func() (t [256]uint16) {
	for i := range t {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return
}()

// crc computes the CRC-16/MODBUS checksum of a serial frame.
type crc struct {
	value16 uint16
}

func (c *crc) reset() *crc {
	c.value16 = 0xFFFF
	return c
}

func (c *crc) pushBytes(bs []byte) *crc {
	for _, b := range bs {
		c.value16 = c.value16>>8 ^ crcTable[byte(c.value16)^b]
	}
	return c
}

func (c *crc) value() uint16 {
	return c.value16
}

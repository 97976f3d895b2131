// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"encoding/hex"
)

const (
	asciiEnd     = "\r\n"
	asciiMinSize = 3
	asciiMaxSize = 513

	hexTable = "0123456789ABCDEF"
)

// Modbus ASCII defines ':' but in the field often '>' is seen.
var asciiStart = []string{":", ">"}

// ASCIIFramer frames ADUs as MODBUS ASCII: hexadecimal characters between
// a start character and CRLF, protected by an LRC. It serves serial lines
// as well as ASCII over TCP. Like RTU it carries no transaction id.
type ASCIIFramer struct{}

// Correlates implements Framer.
func (ASCIIFramer) Correlates() bool { return false }

// Encode encodes PDU in a ASCII frame:
//
//	Start           : 1 char
//	Address         : 2 chars
//	Function        : 2 chars
//	Data            : 0 up to 2x252 chars
//	LRC             : 2 chars
//	End             : 2 chars
func (ASCIIFramer) Encode(adu *ApplicationDataUnit) ([]byte, error) {
	length := len(asciiStart[0]) + 2*(asciiMinSize+len(adu.PDU.Data)) + len(asciiEnd)
	if length > asciiMaxSize {
		return nil, malformedADU("length of frame '%v' must not be bigger than '%v'", length, asciiMaxSize)
	}
	var buf bytes.Buffer
	buf.Grow(length)
	buf.WriteString(asciiStart[0])
	writeHex(&buf, []byte{adu.UnitID, byte(adu.PDU.FunctionCode)})
	writeHex(&buf, adu.PDU.Data)

	// Exclude the beginning colon and terminating CRLF pair characters
	var lrc lrc
	lrc.push(adu.UnitID, byte(adu.PDU.FunctionCode)).push(adu.PDU.Data...)
	writeHex(&buf, []byte{lrc.value()})
	buf.WriteString(asciiEnd)
	return buf.Bytes(), nil
}

// Decode extracts the first frame of buf, which must begin with a start
// character, and verifies its LRC.
func (ASCIIFramer) Decode(buf []byte, _ Direction) (*ApplicationDataUnit, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrIncomplete
	}
	if !isStartCharacter(string(buf[:1])) {
		return nil, 0, malformedADU("frame '%q'... is not started with '%v'", buf[0], asciiStart)
	}
	end := bytes.Index(buf, []byte(asciiEnd))
	if end < 0 {
		if len(buf) >= asciiMaxSize {
			return nil, 0, malformedADU("no frame end within '%v' characters", asciiMaxSize)
		}
		return nil, 0, ErrIncomplete
	}
	n := end + len(asciiEnd)
	content := buf[1:end]
	// Address, function and LRC at least, two characters each
	if len(content) < 2*asciiMinSize || len(content)%2 != 0 {
		return nil, 0, malformedADU("frame length '%v' is invalid", len(content))
	}
	raw := make([]byte, hex.DecodedLen(len(content)))
	if _, err := hex.Decode(raw, content); err != nil {
		return nil, 0, malformedADU("%v", err)
	}
	var lrc lrc
	lrc.push(raw[:len(raw)-1]...)
	if lrcVal := raw[len(raw)-1]; lrcVal != lrc.value() {
		return nil, 0, malformedADU("lrc '%v' does not match expected '%v'", lrcVal, lrc.value())
	}
	pdu, err := DecodePDU(raw[1 : len(raw)-1])
	if err != nil {
		return nil, 0, err
	}
	return &ApplicationDataUnit{UnitID: raw[0], PDU: *pdu}, n, nil
}

// writeHex encodes byte to string in hexadecimal, e.g. 0xA5 => "A5"
// (encoding/hex only supports lowercase string).
func writeHex(buf *bytes.Buffer, value []byte) {
	var str [2]byte
	for _, v := range value {
		str[0] = hexTable[v>>4]
		str[1] = hexTable[v&0x0F]
		buf.Write(str[:])
	}
}

// isStartCharacter confirms that the given character is a Modbus ASCII start character.
func isStartCharacter(str string) bool {
	for i := range asciiStart {
		if str == asciiStart[i] {
			return true
		}
	}
	return false
}

// lrc computes the longitudinal redundancy check of an ASCII frame, the
// two's complement of the byte sum.
type lrc struct {
	sum uint8
}

func (l *lrc) push(data ...byte) *lrc {
	for _, b := range data {
		l.sum += b
	}
	return l
}

func (l *lrc) value() byte {
	return -l.sum
}

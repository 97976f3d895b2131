// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Errors returned by the codec and the engines. Most are wrapped with
// details, use errors.Is to match them.
var (
	// ErrValidation reports request parameters rejected before any I/O.
	ErrValidation = errors.New("modbus: invalid request")
	// ErrMalformedPDU reports a PDU whose layout does not match its function.
	ErrMalformedPDU = errors.New("modbus: malformed pdu")
	// ErrMalformedADU reports a frame violating the framing rules.
	ErrMalformedADU = errors.New("modbus: malformed adu")
	// ErrIncomplete reports that more bytes are needed to decode a frame.
	ErrIncomplete = errors.New("modbus: incomplete frame")
	// ErrUnsupportedFunction reports a function code without known layout.
	ErrUnsupportedFunction = errors.New("modbus: unsupported function")
	// ErrInvalidResponse reports a well formed response that does not
	// answer the request it was matched to.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrConnectionLost is delivered to every outstanding transaction when
	// the transport fails.
	ErrConnectionLost = errors.New("modbus: connection lost")
	// ErrTimeout reports that no response arrived within the deadline.
	ErrTimeout = errors.New("modbus: request timed out")
	// ErrDuplicateTransaction reports a transaction id that is already
	// outstanding.
	ErrDuplicateTransaction = errors.New("modbus: duplicate transaction id")
	// ErrUnitIDMismatch reports a response from another unit than the one
	// addressed, when the client rejects such responses.
	ErrUnitIDMismatch = errors.New("modbus: unit id mismatch")
	// ErrClientClosed is returned for requests on a closed client.
	ErrClientClosed = errors.New("modbus: client closed")
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("modbus: server closed")
)

func validationError(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, v...))
}

func malformedPDU(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPDU, fmt.Sprintf(format, v...))
}

func malformedADU(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedADU, fmt.Sprintf(format, v...))
}

func invalidResponse(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, fmt.Sprintf(format, v...))
}

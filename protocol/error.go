// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import "fmt"

// ErrCode is the SPDM ERROR message code carried in Param1.
type ErrCode uint8

// SPDM error codes (DSP0274 error code table)
const (
	// The request could not be parsed or carried an illegal field value.
	ErrInvalidRequest ErrCode = 0x01

	// The request referenced a session the Responder does not have.
	ErrInvalidSession ErrCode = 0x02

	// The Responder cannot process the request now but may later.
	ErrBusy ErrCode = 0x03

	// The request arrived in a connection state that does not allow it, e.g.
	// CHALLENGE before algorithm negotiation.
	ErrUnexpectedRequest ErrCode = 0x04

	// Something went wrong that no other code classifies.
	ErrUnspecified ErrCode = 0x05

	// A secured message failed integrity verification or decryption. The
	// session that carried it is no longer usable.
	ErrDecryptError ErrCode = 0x06

	// The request code is recognized but not supported by this Responder.
	ErrUnsupportedRequest ErrCode = 0x07

	// A request is already being processed on this connection.
	ErrRequestInFlight ErrCode = 0x08

	// A response message code was received where a request was required.
	ErrInvalidResponseCode ErrCode = 0x09

	// No session slots are available until an existing session ends.
	ErrSessionLimitExceeded ErrCode = 0x0A

	// No common major version between Requester and Responder.
	ErrVersionMismatch ErrCode = 0x41

	// The response is not ready; the Requester may retry later.
	ErrResponseNotReady ErrCode = 0x42

	// The Responder requests the Requester reissue GET_VERSION to
	// resynchronize connection state.
	ErrRequestResynch ErrCode = 0x43

	// Vendor-defined error; details in the extended data.
	ErrVendorDefined ErrCode = 0xFF
)

func (c ErrCode) String() string {
	switch c {
	case ErrInvalidRequest:
		return "InvalidRequest"
	case ErrInvalidSession:
		return "InvalidSession"
	case ErrBusy:
		return "Busy"
	case ErrUnexpectedRequest:
		return "UnexpectedRequest"
	case ErrUnspecified:
		return "Unspecified"
	case ErrDecryptError:
		return "DecryptError"
	case ErrUnsupportedRequest:
		return "UnsupportedRequest"
	case ErrRequestInFlight:
		return "RequestInFlight"
	case ErrInvalidResponseCode:
		return "InvalidResponseCode"
	case ErrSessionLimitExceeded:
		return "SessionLimitExceeded"
	case ErrVersionMismatch:
		return "VersionMismatch"
	case ErrResponseNotReady:
		return "ResponseNotReady"
	case ErrRequestResynch:
		return "RequestResynch"
	case ErrVendorDefined:
		return "VendorDefined"
	}
	return fmt.Sprintf("ErrCode(%#x)", uint8(c))
}

// ErrorMessage is the SPDM ERROR response. A Responder sends it whenever a
// request cannot be processed; the connection or session that provoked it is
// torn down by the Requester, never retried at the protocol layer.
//
// The message deliberately reports only the coarse error class. Details that
// would leak security state (which verification failed, key material) stay in
// the Responder's logs.
type ErrorMessage struct {
	Code         ErrCode
	Data         uint8
	ExtendedData []byte
}

// Type implements Body.
func (ErrorMessage) Type() Code { return ErrorCode }

func (m ErrorMessage) encode(b []byte) ([]byte, error) {
	b = append(b, uint8(m.Code), m.Data)
	return append(b, m.ExtendedData...), nil
}

func (m *ErrorMessage) decode(p *parser, _ Sizes) error {
	m.Code = ErrCode(p.u8())
	m.Data = p.u8()
	// Extended data is free-form for vendor-defined errors and fixed-layout
	// for ResponseNotReady; both are opaque to this layer.
	m.ExtendedData = p.bytes(len(p.b))
	return p.err
}

// String implements Stringer.
func (m ErrorMessage) String() string {
	return fmt.Sprintf("SPDM error %s [data=%#x]", m.Code, m.Data)
}

// Error implements the standard error interface so a decoded ERROR response
// can propagate directly as a Go error.
func (m ErrorMessage) Error() string { return m.String() }

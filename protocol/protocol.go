// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

// Package protocol implements the SPDM wire codec: message headers, request
// and response codes, version numbers, capability flags, algorithm tables,
// and the encoding/decoding of every message body.
//
// The codec carries no protocol semantics. Field layouts follow the DMTF
// DSP0274 message tables bit-exactly. All multi-byte integers are
// little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is an SPDM version byte: major version in the high nibble, minor
// version in the low nibble.
type Version uint8

// Supported SPDM versions
const (
	Version10 Version = 0x10
	Version11 Version = 0x11
	Version12 Version = 0x12
)

// Major returns the major version number.
func (v Version) Major() uint8 { return uint8(v) >> 4 }

// Minor returns the minor version number.
func (v Version) Minor() uint8 { return uint8(v) & 0xf }

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major(), v.Minor()) }

// Code is an SPDM request/response code, carried in the second byte of every
// message.
type Code uint8

// Request codes
const (
	GetDigestsCode          Code = 0x81
	GetCertificateCode      Code = 0x82
	ChallengeCode           Code = 0x83
	GetVersionCode          Code = 0x84
	GetCapabilitiesCode     Code = 0xE1
	NegotiateAlgorithmsCode Code = 0xE3
	KeyExchangeCode         Code = 0xE4
	FinishCode              Code = 0xE5
	PskExchangeCode         Code = 0xE6
	PskFinishCode           Code = 0xE7
	HeartbeatCode           Code = 0xE8
	KeyUpdateCode           Code = 0xE9
	EndSessionCode          Code = 0xEC
)

// Response codes
const (
	DigestsCode         Code = 0x01
	CertificateCode     Code = 0x02
	ChallengeAuthCode   Code = 0x03
	VersionCode         Code = 0x04
	CapabilitiesCode    Code = 0x61
	AlgorithmsCode      Code = 0x63
	KeyExchangeRspCode  Code = 0x64
	FinishRspCode       Code = 0x65
	PskExchangeRspCode  Code = 0x66
	PskFinishRspCode    Code = 0x67
	HeartbeatAckCode    Code = 0x68
	KeyUpdateAckCode    Code = 0x69
	EndSessionAckCode   Code = 0x6C
	ErrorCode           Code = 0x7F
)

// IsRequest reports whether the code names a request. Request codes have the
// high bit set, except ERROR which is a response.
func (c Code) IsRequest() bool { return c&0x80 != 0 && c != ErrorCode }

func (c Code) String() string {
	switch c {
	case GetDigestsCode:
		return "GET_DIGESTS"
	case GetCertificateCode:
		return "GET_CERTIFICATE"
	case ChallengeCode:
		return "CHALLENGE"
	case GetVersionCode:
		return "GET_VERSION"
	case GetCapabilitiesCode:
		return "GET_CAPABILITIES"
	case NegotiateAlgorithmsCode:
		return "NEGOTIATE_ALGORITHMS"
	case KeyExchangeCode:
		return "KEY_EXCHANGE"
	case FinishCode:
		return "FINISH"
	case PskExchangeCode:
		return "PSK_EXCHANGE"
	case PskFinishCode:
		return "PSK_FINISH"
	case HeartbeatCode:
		return "HEARTBEAT"
	case KeyUpdateCode:
		return "KEY_UPDATE"
	case EndSessionCode:
		return "END_SESSION"
	case DigestsCode:
		return "DIGESTS"
	case CertificateCode:
		return "CERTIFICATE"
	case ChallengeAuthCode:
		return "CHALLENGE_AUTH"
	case VersionCode:
		return "VERSION"
	case CapabilitiesCode:
		return "CAPABILITIES"
	case AlgorithmsCode:
		return "ALGORITHMS"
	case KeyExchangeRspCode:
		return "KEY_EXCHANGE_RSP"
	case FinishRspCode:
		return "FINISH_RSP"
	case PskExchangeRspCode:
		return "PSK_EXCHANGE_RSP"
	case PskFinishRspCode:
		return "PSK_FINISH_RSP"
	case HeartbeatAckCode:
		return "HEARTBEAT_ACK"
	case KeyUpdateAckCode:
		return "KEY_UPDATE_ACK"
	case EndSessionAckCode:
		return "END_SESSION_ACK"
	case ErrorCode:
		return "ERROR"
	default:
		return fmt.Sprintf("0x%02X", uint8(c))
	}
}

// Nonce is the 32-byte random value carried by CHALLENGE, CHALLENGE_AUTH,
// KEY_EXCHANGE and KEY_EXCHANGE_RSP. A fresh nonce binds each signature to a
// single exchange so that signed responses cannot be replayed.
type Nonce [32]byte

// HeaderSize is the fixed SPDM message header length: version, code, and two
// code-specific parameter bytes.
const HeaderSize = 4

// Codec errors
var (
	// ErrTruncated is returned when a message ends before a field that its
	// header or a preceding length field promises.
	ErrTruncated = errors.New("message truncated")

	// ErrMalformedReserved is returned when a reserved field holds a nonzero
	// value. Tolerating malformed input from an untrusted peer is itself an
	// attack surface, so the codec rejects rather than ignores.
	ErrMalformedReserved = errors.New("reserved field not zero")
)

// UnsupportedCodeError is returned when decoding a message whose code is not
// part of the closed SPDM message set.
type UnsupportedCodeError struct {
	Code Code
}

func (e UnsupportedCodeError) Error() string {
	return fmt.Sprintf("unsupported message code %s", e.Code)
}

// Sizes carries the field widths fixed by algorithm negotiation. Digest,
// signature, and key-exchange fields have no length prefix on the wire; their
// width is implied by the negotiated hash, signature, and DHE algorithms.
type Sizes struct {
	Hash      int
	Signature int
	Exchange  int
}

// Body is one SPDM message payload. The set of implementations is closed:
// Decode selects the variant by the header code and rejects everything else.
// Bodies are plain values; Encode accepts literals directly.
type Body interface {
	// Type returns the message code the body encodes as.
	Type() Code

	// encode appends the two header parameter bytes and the body.
	encode(b []byte) ([]byte, error)
}

// decoder is the parsing half of a body, implemented with pointer receivers.
// Only Decode constructs bodies, so it stays out of Body's method set.
type decoder interface {
	Body

	// decode parses the parameter bytes and body.
	decode(p *parser, sz Sizes) error
}

// Message pairs a decoded body with the exact bytes that crossed the wire.
// Raw is what transcript hashing consumes; re-encoding Body always reproduces
// it byte for byte.
type Message struct {
	Version Version
	Body    Body
	Raw     []byte
}

// Encode serializes a message with the fixed SPDM header.
func Encode(version Version, body Body) ([]byte, error) {
	b := []byte{byte(version), byte(body.Type())}
	return body.encode(b)
}

// Decode parses one SPDM message. Any length field that would read past the
// end of data fails with ErrTruncated, and no allocation is made for an
// attacker-controlled length before checking it against the remaining input.
func Decode(data []byte, sz Sizes) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header: %w", ErrTruncated)
	}
	version := Version(data[0])
	if version.Major() != 1 {
		return nil, fmt.Errorf("unknown version epoch %d", version.Major())
	}

	code := Code(data[1])
	body := newBody(code)
	if body == nil {
		return nil, UnsupportedCodeError{Code: code}
	}

	p := &parser{b: data[2:]}
	if err := body.decode(p, sz); err != nil {
		return nil, fmt.Errorf("%s: %w", code, err)
	}
	if len(p.b) > 0 {
		return nil, fmt.Errorf("%s: %d trailing bytes", code, len(p.b))
	}

	return &Message{Version: version, Body: body, Raw: data}, nil
}

// newBody returns the empty body for a message code, exhaustively matched
// over the closed message set.
func newBody(code Code) decoder {
	switch code {
	case GetVersionCode:
		return new(GetVersion)
	case VersionCode:
		return new(VersionResponse)
	case GetCapabilitiesCode:
		return new(GetCapabilities)
	case CapabilitiesCode:
		return new(Capabilities)
	case NegotiateAlgorithmsCode:
		return new(NegotiateAlgorithms)
	case AlgorithmsCode:
		return new(Algorithms)
	case GetDigestsCode:
		return new(GetDigests)
	case DigestsCode:
		return new(Digests)
	case GetCertificateCode:
		return new(GetCertificate)
	case CertificateCode:
		return new(Certificate)
	case ChallengeCode:
		return new(Challenge)
	case ChallengeAuthCode:
		return new(ChallengeAuth)
	case KeyExchangeCode:
		return new(KeyExchange)
	case KeyExchangeRspCode:
		return new(KeyExchangeRsp)
	case FinishCode:
		return new(Finish)
	case FinishRspCode:
		return new(FinishRsp)
	case PskExchangeCode:
		return new(PskExchange)
	case PskExchangeRspCode:
		return new(PskExchangeRsp)
	case PskFinishCode:
		return new(PskFinish)
	case PskFinishRspCode:
		return new(PskFinishRsp)
	case HeartbeatCode:
		return new(Heartbeat)
	case HeartbeatAckCode:
		return new(HeartbeatAck)
	case KeyUpdateCode:
		return new(KeyUpdate)
	case KeyUpdateAckCode:
		return new(KeyUpdateAck)
	case EndSessionCode:
		return new(EndSession)
	case EndSessionAckCode:
		return new(EndSessionAck)
	case ErrorCode:
		return new(ErrorMessage)
	default:
		return nil
	}
}

// parser reads fields from the front of a buffer, failing with ErrTruncated
// instead of reading out of bounds. The first error sticks; subsequent reads
// return zero values.
type parser struct {
	b   []byte
	err error
}

func (p *parser) u8() uint8 {
	if p.err != nil {
		return 0
	}
	if len(p.b) < 1 {
		p.err = ErrTruncated
		return 0
	}
	v := p.b[0]
	p.b = p.b[1:]
	return v
}

func (p *parser) u16() uint16 {
	if p.err != nil {
		return 0
	}
	if len(p.b) < 2 {
		p.err = ErrTruncated
		return 0
	}
	v := binary.LittleEndian.Uint16(p.b)
	p.b = p.b[2:]
	return v
}

func (p *parser) u32() uint32 {
	if p.err != nil {
		return 0
	}
	if len(p.b) < 4 {
		p.err = ErrTruncated
		return 0
	}
	v := binary.LittleEndian.Uint32(p.b)
	p.b = p.b[4:]
	return v
}

// bytes reads n bytes, copying out of the input buffer so the decoded message
// does not alias transport memory.
func (p *parser) bytes(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || len(p.b) < n {
		p.err = ErrTruncated
		return nil
	}
	v := make([]byte, n)
	copy(v, p.b)
	p.b = p.b[n:]
	return v
}

// reserved consumes n bytes that the message table marks reserved, requiring
// them to be zero.
func (p *parser) reserved(n int) {
	if p.err != nil {
		return
	}
	if len(p.b) < n {
		p.err = ErrTruncated
		return
	}
	for _, v := range p.b[:n] {
		if v != 0 {
			p.err = ErrMalformedReserved
			return
		}
	}
	p.b = p.b[n:]
}

// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// KeyExchange opens a Diffie-Hellman session. ReqSessionID is the Requester's
// half of the eventual session identifier; ExchangeData is the ephemeral
// public share, sized by the negotiated DHE group.
type KeyExchange struct {
	MeasSummaryType uint8
	SlotID          uint8
	ReqSessionID    uint16
	Random          Nonce
	ExchangeData    []byte
	OpaqueData      []byte
}

// Type implements Body.
func (KeyExchange) Type() Code { return KeyExchangeCode }

func (m KeyExchange) encode(b []byte) ([]byte, error) {
	if len(m.OpaqueData) > 0xffff {
		return nil, fmt.Errorf("opaque data too large: %d", len(m.OpaqueData))
	}
	b = append(b, m.MeasSummaryType, m.SlotID)
	b = binary.LittleEndian.AppendUint16(b, m.ReqSessionID)
	b = append(b, 0, 0)
	b = append(b, m.Random[:]...)
	b = append(b, m.ExchangeData...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.OpaqueData)))
	return append(b, m.OpaqueData...), nil
}

func (m *KeyExchange) decode(p *parser, sz Sizes) error {
	m.MeasSummaryType = p.u8()
	m.SlotID = p.u8()
	m.ReqSessionID = p.u16()
	p.reserved(2)
	copy(m.Random[:], p.bytes(len(m.Random)))
	m.ExchangeData = p.bytes(sz.Exchange)
	m.OpaqueData = p.bytes(int(p.u16()))
	return p.err
}

// KeyExchangeRsp completes the Diffie-Hellman exchange. Signature covers the
// session transcript bound to the authenticated certificate chain, and
// VerifyData is the Responder's key-confirmation HMAC under the handshake
// secret.
type KeyExchangeRsp struct {
	HeartbeatPeriod  uint8
	RspSessionID     uint16
	MutAuthRequested uint8
	ReqSlotID        uint8
	Random           Nonce
	ExchangeData     []byte
	OpaqueData       []byte
	Signature        []byte
	VerifyData       []byte
}

// Type implements Body.
func (KeyExchangeRsp) Type() Code { return KeyExchangeRspCode }

func (m KeyExchangeRsp) encode(b []byte) ([]byte, error) {
	if len(m.OpaqueData) > 0xffff {
		return nil, fmt.Errorf("opaque data too large: %d", len(m.OpaqueData))
	}
	b = append(b, m.HeartbeatPeriod, 0)
	b = binary.LittleEndian.AppendUint16(b, m.RspSessionID)
	b = append(b, m.MutAuthRequested, m.ReqSlotID)
	b = append(b, m.Random[:]...)
	b = append(b, m.ExchangeData...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.OpaqueData)))
	b = append(b, m.OpaqueData...)
	b = append(b, m.Signature...)
	return append(b, m.VerifyData...), nil
}

func (m *KeyExchangeRsp) decode(p *parser, sz Sizes) error {
	m.HeartbeatPeriod = p.u8()
	p.reserved(1)
	m.RspSessionID = p.u16()
	m.MutAuthRequested = p.u8()
	m.ReqSlotID = p.u8()
	copy(m.Random[:], p.bytes(len(m.Random)))
	m.ExchangeData = p.bytes(sz.Exchange)
	m.OpaqueData = p.bytes(int(p.u16()))
	m.Signature = p.bytes(sz.Signature)
	m.VerifyData = p.bytes(sz.Hash)
	return p.err
}

// Finish confirms the Requester holds the handshake secret. VerifyData is an
// HMAC over the session transcript under the Requester-direction finished
// key. Mutual authentication signatures are not supported.
type Finish struct {
	SlotID     uint8
	VerifyData []byte
}

// Type implements Body.
func (Finish) Type() Code { return FinishCode }

func (m Finish) encode(b []byte) ([]byte, error) {
	b = append(b, 0, m.SlotID)
	return append(b, m.VerifyData...), nil
}

func (m *Finish) decode(p *parser, sz Sizes) error {
	p.reserved(1)
	m.SlotID = p.u8()
	m.VerifyData = p.bytes(sz.Hash)
	return p.err
}

// FinishRsp confirms the Responder holds matching keys. VerifyData is present
// because this implementation performs the handshake over the plain
// transport.
type FinishRsp struct {
	VerifyData []byte
}

// Type implements Body.
func (FinishRsp) Type() Code { return FinishRspCode }

func (m FinishRsp) encode(b []byte) ([]byte, error) {
	b = append(b, 0, 0)
	return append(b, m.VerifyData...), nil
}

func (m *FinishRsp) decode(p *parser, sz Sizes) error {
	p.reserved(2)
	m.VerifyData = p.bytes(sz.Hash)
	return p.err
}

// PskExchange opens a session keyed by a pre-shared key instead of a
// Diffie-Hellman exchange. PskHint selects which provisioned PSK the
// Responder should use; Context contributes Requester freshness to the key
// schedule.
type PskExchange struct {
	MeasSummaryType uint8
	ReqSessionID    uint16
	PskHint         []byte
	Context         []byte
	OpaqueData      []byte
}

// Type implements Body.
func (PskExchange) Type() Code { return PskExchangeCode }

func (m PskExchange) encode(b []byte) ([]byte, error) {
	for _, f := range [][]byte{m.PskHint, m.Context, m.OpaqueData} {
		if len(f) > 0xffff {
			return nil, fmt.Errorf("field too large: %d", len(f))
		}
	}
	b = append(b, m.MeasSummaryType, 0)
	b = binary.LittleEndian.AppendUint16(b, m.ReqSessionID)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.PskHint)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Context)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.OpaqueData)))
	b = append(b, m.PskHint...)
	b = append(b, m.Context...)
	return append(b, m.OpaqueData...), nil
}

func (m *PskExchange) decode(p *parser, _ Sizes) error {
	m.MeasSummaryType = p.u8()
	p.reserved(1)
	m.ReqSessionID = p.u16()
	hintLen := p.u16()
	contextLen := p.u16()
	opaqueLen := p.u16()
	m.PskHint = p.bytes(int(hintLen))
	m.Context = p.bytes(int(contextLen))
	m.OpaqueData = p.bytes(int(opaqueLen))
	return p.err
}

// PskExchangeRsp completes a PSK exchange. VerifyData proves the Responder
// derived the same handshake secret from its copy of the PSK.
type PskExchangeRsp struct {
	HeartbeatPeriod uint8
	RspSessionID    uint16
	Context         []byte
	OpaqueData      []byte
	VerifyData      []byte
}

// Type implements Body.
func (PskExchangeRsp) Type() Code { return PskExchangeRspCode }

func (m PskExchangeRsp) encode(b []byte) ([]byte, error) {
	for _, f := range [][]byte{m.Context, m.OpaqueData} {
		if len(f) > 0xffff {
			return nil, fmt.Errorf("field too large: %d", len(f))
		}
	}
	b = append(b, m.HeartbeatPeriod, 0)
	b = binary.LittleEndian.AppendUint16(b, m.RspSessionID)
	b = append(b, 0, 0)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Context)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.OpaqueData)))
	b = append(b, m.Context...)
	b = append(b, m.OpaqueData...)
	return append(b, m.VerifyData...), nil
}

func (m *PskExchangeRsp) decode(p *parser, sz Sizes) error {
	m.HeartbeatPeriod = p.u8()
	p.reserved(1)
	m.RspSessionID = p.u16()
	p.reserved(2)
	contextLen := p.u16()
	opaqueLen := p.u16()
	m.Context = p.bytes(int(contextLen))
	m.OpaqueData = p.bytes(int(opaqueLen))
	m.VerifyData = p.bytes(sz.Hash)
	return p.err
}

// PskFinish confirms the Requester holds the PSK-derived handshake secret.
type PskFinish struct {
	VerifyData []byte
}

// Type implements Body.
func (PskFinish) Type() Code { return PskFinishCode }

func (m PskFinish) encode(b []byte) ([]byte, error) {
	b = append(b, 0, 0)
	return append(b, m.VerifyData...), nil
}

func (m *PskFinish) decode(p *parser, sz Sizes) error {
	p.reserved(2)
	m.VerifyData = p.bytes(sz.Hash)
	return p.err
}

// PskFinishRsp acknowledges PSK_FINISH. Key confirmation for the Responder
// direction already happened in PSK_EXCHANGE_RSP, so the body is empty.
type PskFinishRsp struct{}

// Type implements Body.
func (PskFinishRsp) Type() Code { return PskFinishRspCode }

func (PskFinishRsp) encode(b []byte) ([]byte, error) { return append(b, 0, 0), nil }

func (*PskFinishRsp) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	return p.err
}

// Heartbeat keeps a session alive. Sent only inside a secure session.
type Heartbeat struct{}

// Type implements Body.
func (Heartbeat) Type() Code { return HeartbeatCode }

func (Heartbeat) encode(b []byte) ([]byte, error) { return append(b, 0, 0), nil }

func (*Heartbeat) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	return p.err
}

// HeartbeatAck acknowledges a HEARTBEAT.
type HeartbeatAck struct{}

// Type implements Body.
func (HeartbeatAck) Type() Code { return HeartbeatAckCode }

func (HeartbeatAck) encode(b []byte) ([]byte, error) { return append(b, 0, 0), nil }

func (*HeartbeatAck) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	return p.err
}

// KeyUpdateOp selects the KEY_UPDATE operation.
type KeyUpdateOp uint8

// Key update operations
const (
	KeyUpdateOpUpdateKey     KeyUpdateOp = 1
	KeyUpdateOpUpdateAllKeys KeyUpdateOp = 2
	KeyUpdateOpVerifyNewKey  KeyUpdateOp = 3
)

func (op KeyUpdateOp) String() string {
	switch op {
	case KeyUpdateOpUpdateKey:
		return "UpdateKey"
	case KeyUpdateOpUpdateAllKeys:
		return "UpdateAllKeys"
	case KeyUpdateOpVerifyNewKey:
		return "VerifyNewKey"
	}
	return fmt.Sprintf("KeyUpdateOp(%d)", uint8(op))
}

// KeyUpdate requests rotation of session data keys. Tag disambiguates
// retried operations; the acknowledgement echoes it.
type KeyUpdate struct {
	Op  KeyUpdateOp
	Tag uint8
}

// Type implements Body.
func (KeyUpdate) Type() Code { return KeyUpdateCode }

func (m KeyUpdate) encode(b []byte) ([]byte, error) {
	return append(b, uint8(m.Op), m.Tag), nil
}

func (m *KeyUpdate) decode(p *parser, _ Sizes) error {
	m.Op = KeyUpdateOp(p.u8())
	m.Tag = p.u8()
	if p.err != nil {
		return p.err
	}
	switch m.Op {
	case KeyUpdateOpUpdateKey, KeyUpdateOpUpdateAllKeys, KeyUpdateOpVerifyNewKey:
		return nil
	}
	return fmt.Errorf("unknown key update operation %d", uint8(m.Op))
}

// KeyUpdateAck acknowledges a KEY_UPDATE, echoing the operation and tag.
type KeyUpdateAck struct {
	Op  KeyUpdateOp
	Tag uint8
}

// Type implements Body.
func (KeyUpdateAck) Type() Code { return KeyUpdateAckCode }

func (m KeyUpdateAck) encode(b []byte) ([]byte, error) {
	return append(b, uint8(m.Op), m.Tag), nil
}

func (m *KeyUpdateAck) decode(p *parser, _ Sizes) error {
	m.Op = KeyUpdateOp(p.u8())
	m.Tag = p.u8()
	return p.err
}

// EndSession terminates a session and releases its key material.
type EndSession struct {
	// PreserveNegotiatedState requests the Responder keep negotiation results
	// for a future session.
	PreserveNegotiatedState bool
}

// Type implements Body.
func (EndSession) Type() Code { return EndSessionCode }

func (m EndSession) encode(b []byte) ([]byte, error) {
	var attrs uint8
	if m.PreserveNegotiatedState {
		attrs = 1
	}
	return append(b, attrs, 0), nil
}

func (m *EndSession) decode(p *parser, _ Sizes) error {
	attrs := p.u8()
	p.reserved(1)
	if p.err != nil {
		return p.err
	}
	if attrs > 1 {
		return fmt.Errorf("unknown end session attributes %#x", attrs)
	}
	m.PreserveNegotiatedState = attrs == 1
	return nil
}

// EndSessionAck acknowledges END_SESSION.
type EndSessionAck struct{}

// Type implements Body.
func (EndSessionAck) Type() Code { return EndSessionAckCode }

func (EndSessionAck) encode(b []byte) ([]byte, error) { return append(b, 0, 0), nil }

func (*EndSessionAck) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	return p.err
}

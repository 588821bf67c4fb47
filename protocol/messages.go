// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// VersionNumber is one entry of a VERSION response: four version nibbles
// packed into 16 bits.
type VersionNumber struct {
	Major  uint8
	Minor  uint8
	Update uint8
	Alpha  uint8
}

// Version collapses the entry to the version byte used in message headers.
func (v VersionNumber) Version() Version { return Version(v.Major<<4 | v.Minor&0xf) }

func (v VersionNumber) pack() uint16 {
	return uint16(v.Major&0xf)<<12 | uint16(v.Minor&0xf)<<8 | uint16(v.Update&0xf)<<4 | uint16(v.Alpha&0xf)
}

func unpackVersionNumber(raw uint16) VersionNumber {
	return VersionNumber{
		Major:  uint8(raw >> 12),
		Minor:  uint8(raw >> 8 & 0xf),
		Update: uint8(raw >> 4 & 0xf),
		Alpha:  uint8(raw & 0xf),
	}
}

// GetVersion requests the Responder's supported version set. It is always
// sent as version 1.0, since no version has been negotiated yet.
type GetVersion struct{}

// Type implements Body.
func (GetVersion) Type() Code { return GetVersionCode }

func (GetVersion) encode(b []byte) ([]byte, error) {
	return append(b, 0, 0), nil
}

func (*GetVersion) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	return p.err
}

// VersionResponse lists every version the Responder implements.
type VersionResponse struct {
	Versions []VersionNumber
}

// Type implements Body.
func (VersionResponse) Type() Code { return VersionCode }

func (m VersionResponse) encode(b []byte) ([]byte, error) {
	if len(m.Versions) > 0xff {
		return nil, fmt.Errorf("too many version entries: %d", len(m.Versions))
	}
	b = append(b, 0, 0)
	b = append(b, 0, uint8(len(m.Versions)))
	for _, v := range m.Versions {
		b = binary.LittleEndian.AppendUint16(b, v.pack())
	}
	return b, nil
}

func (m *VersionResponse) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	p.reserved(1)
	n := int(p.u8())
	if p.err != nil {
		return p.err
	}
	m.Versions = make([]VersionNumber, 0, n)
	for i := 0; i < n; i++ {
		m.Versions = append(m.Versions, unpackVersionNumber(p.u16()))
	}
	return p.err
}

// GetCapabilities advertises the Requester's capabilities. CTExponent bounds
// the Responder's cryptographic processing time as 2^CTExponent microseconds.
type GetCapabilities struct {
	CTExponent uint8
	Flags      CapabilityFlags
}

// Type implements Body.
func (GetCapabilities) Type() Code { return GetCapabilitiesCode }

func (m GetCapabilities) encode(b []byte) ([]byte, error) {
	b = append(b, 0, 0)
	b = append(b, 0, m.CTExponent, 0, 0)
	return binary.LittleEndian.AppendUint32(b, uint32(m.Flags)), nil
}

func (m *GetCapabilities) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	p.reserved(1)
	m.CTExponent = p.u8()
	p.reserved(2)
	m.Flags = CapabilityFlags(p.u32())
	return p.err
}

// Capabilities is the Responder's capability advertisement.
type Capabilities struct {
	CTExponent uint8
	Flags      CapabilityFlags
}

// Type implements Body.
func (Capabilities) Type() Code { return CapabilitiesCode }

func (m Capabilities) encode(b []byte) ([]byte, error) {
	return GetCapabilities(m).encode(b)
}

func (m *Capabilities) decode(p *parser, sz Sizes) error {
	return (*GetCapabilities)(m).decode(p, sz)
}

// Algorithm structure types carried in NEGOTIATE_ALGORITHMS/ALGORITHMS
const (
	algTypeDhe         uint8 = 2
	algTypeAead        uint8 = 3
	algTypeReqBaseAsym uint8 = 4
	algTypeKeySchedule uint8 = 5
)

// algStructCount is the number of trailing algorithm structures; this
// implementation always sends DHE, AEAD, ReqBaseAsym, and KeySchedule.
const algStructCount = 4

// Fixed totals for the Length field, which covers the whole message
// including the header.
const (
	negotiateAlgorithmsLen = HeaderSize + 2 + 1 + 1 + 4 + 4 + 12 + 1 + 1 + 2 + algStructCount*4
	algorithmsLen          = HeaderSize + 2 + 1 + 1 + 4 + 4 + 4 + 12 + 1 + 1 + 2 + algStructCount*4
)

// NegotiateAlgorithms offers the Requester's supported algorithm sets as bit
// masks. External (non-DSP0274) algorithms are not supported, so the
// extended-algorithm counts are always zero on the wire.
type NegotiateAlgorithms struct {
	MeasurementSpec uint8
	BaseAsym        uint32
	BaseHash        uint32
	Dhe             uint16
	Aead            uint16
	ReqBaseAsym     uint16
	KeySchedule     uint16
}

// Type implements Body.
func (NegotiateAlgorithms) Type() Code { return NegotiateAlgorithmsCode }

func (m NegotiateAlgorithms) encode(b []byte) ([]byte, error) {
	b = append(b, algStructCount, 0)
	b = binary.LittleEndian.AppendUint16(b, negotiateAlgorithmsLen)
	b = append(b, m.MeasurementSpec, 0)
	b = binary.LittleEndian.AppendUint32(b, m.BaseAsym)
	b = binary.LittleEndian.AppendUint32(b, m.BaseHash)
	b = append(b, make([]byte, 12)...)
	b = append(b, 0, 0) // ext asym, ext hash counts
	b = append(b, 0, 0)
	b = appendAlgStruct(b, algTypeDhe, m.Dhe)
	b = appendAlgStruct(b, algTypeAead, m.Aead)
	b = appendAlgStruct(b, algTypeReqBaseAsym, m.ReqBaseAsym)
	b = appendAlgStruct(b, algTypeKeySchedule, m.KeySchedule)
	return b, nil
}

func (m *NegotiateAlgorithms) decode(p *parser, _ Sizes) error {
	if n := p.u8(); p.err == nil && n != algStructCount {
		return fmt.Errorf("unsupported algorithm structure count %d", n)
	}
	p.reserved(1)
	if length := p.u16(); p.err == nil && length != negotiateAlgorithmsLen {
		return fmt.Errorf("length field %d does not match message size", length)
	}
	m.MeasurementSpec = p.u8()
	p.reserved(1)
	m.BaseAsym = p.u32()
	m.BaseHash = p.u32()
	p.reserved(12)
	if n := p.u8(); p.err == nil && n != 0 {
		return fmt.Errorf("external asym algorithms not supported")
	}
	if n := p.u8(); p.err == nil && n != 0 {
		return fmt.Errorf("external hash algorithms not supported")
	}
	p.reserved(2)
	var err error
	if m.Dhe, err = readAlgStruct(p, algTypeDhe); err != nil {
		return err
	}
	if m.Aead, err = readAlgStruct(p, algTypeAead); err != nil {
		return err
	}
	if m.ReqBaseAsym, err = readAlgStruct(p, algTypeReqBaseAsym); err != nil {
		return err
	}
	if m.KeySchedule, err = readAlgStruct(p, algTypeKeySchedule); err != nil {
		return err
	}
	return p.err
}

// Algorithms is the Responder's selection: the same layout as
// NEGOTIATE_ALGORITHMS with single-bit selections and the measurement hash
// choice added.
type Algorithms struct {
	MeasurementSpecSel  uint8
	MeasurementHashAlgo uint32
	BaseAsymSel         uint32
	BaseHashSel         uint32
	DheSel              uint16
	AeadSel             uint16
	ReqBaseAsymSel      uint16
	KeyScheduleSel      uint16
}

// Type implements Body.
func (Algorithms) Type() Code { return AlgorithmsCode }

func (m Algorithms) encode(b []byte) ([]byte, error) {
	b = append(b, algStructCount, 0)
	b = binary.LittleEndian.AppendUint16(b, algorithmsLen)
	b = append(b, m.MeasurementSpecSel, 0)
	b = binary.LittleEndian.AppendUint32(b, m.MeasurementHashAlgo)
	b = binary.LittleEndian.AppendUint32(b, m.BaseAsymSel)
	b = binary.LittleEndian.AppendUint32(b, m.BaseHashSel)
	b = append(b, make([]byte, 12)...)
	b = append(b, 0, 0)
	b = append(b, 0, 0)
	b = appendAlgStruct(b, algTypeDhe, m.DheSel)
	b = appendAlgStruct(b, algTypeAead, m.AeadSel)
	b = appendAlgStruct(b, algTypeReqBaseAsym, m.ReqBaseAsymSel)
	b = appendAlgStruct(b, algTypeKeySchedule, m.KeyScheduleSel)
	return b, nil
}

func (m *Algorithms) decode(p *parser, _ Sizes) error {
	if n := p.u8(); p.err == nil && n != algStructCount {
		return fmt.Errorf("unsupported algorithm structure count %d", n)
	}
	p.reserved(1)
	if length := p.u16(); p.err == nil && length != algorithmsLen {
		return fmt.Errorf("length field %d does not match message size", length)
	}
	m.MeasurementSpecSel = p.u8()
	p.reserved(1)
	m.MeasurementHashAlgo = p.u32()
	m.BaseAsymSel = p.u32()
	m.BaseHashSel = p.u32()
	p.reserved(12)
	if n := p.u8(); p.err == nil && n != 0 {
		return fmt.Errorf("external asym algorithms not supported")
	}
	if n := p.u8(); p.err == nil && n != 0 {
		return fmt.Errorf("external hash algorithms not supported")
	}
	p.reserved(2)
	var err error
	if m.DheSel, err = readAlgStruct(p, algTypeDhe); err != nil {
		return err
	}
	if m.AeadSel, err = readAlgStruct(p, algTypeAead); err != nil {
		return err
	}
	if m.ReqBaseAsymSel, err = readAlgStruct(p, algTypeReqBaseAsym); err != nil {
		return err
	}
	if m.KeyScheduleSel, err = readAlgStruct(p, algTypeKeySchedule); err != nil {
		return err
	}
	return p.err
}

func appendAlgStruct(b []byte, algType uint8, supported uint16) []byte {
	// AlgCount 0x20: fixed 2-byte algorithm field, no external entries
	b = append(b, algType, 0x20)
	return binary.LittleEndian.AppendUint16(b, supported)
}

func readAlgStruct(p *parser, wantType uint8) (uint16, error) {
	algType := p.u8()
	algCount := p.u8()
	supported := p.u16()
	if p.err != nil {
		return 0, p.err
	}
	if algType != wantType {
		return 0, fmt.Errorf("algorithm structure type %d, expected %d", algType, wantType)
	}
	if algCount != 0x20 {
		return 0, fmt.Errorf("unsupported algorithm structure count field %#x", algCount)
	}
	return supported, nil
}

// GetDigests requests the digest of the certificate chain in each populated
// slot, letting the Requester skip retrieval of chains it has already
// verified.
type GetDigests struct{}

// Type implements Body.
func (GetDigests) Type() Code { return GetDigestsCode }

func (GetDigests) encode(b []byte) ([]byte, error) { return append(b, 0, 0), nil }

func (*GetDigests) decode(p *parser, _ Sizes) error {
	p.reserved(2)
	return p.err
}

// Digests carries one certificate chain digest per populated slot, in slot
// order. Bit i of SlotMask marks slot i populated.
type Digests struct {
	SlotMask uint8
	Digests  [][]byte
}

// Type implements Body.
func (Digests) Type() Code { return DigestsCode }

func (m Digests) encode(b []byte) ([]byte, error) {
	if len(m.Digests) != bits.OnesCount8(m.SlotMask) {
		return nil, fmt.Errorf("digest count %d does not match slot mask %08b", len(m.Digests), m.SlotMask)
	}
	b = append(b, 0, m.SlotMask)
	for _, d := range m.Digests {
		b = append(b, d...)
	}
	return b, nil
}

func (m *Digests) decode(p *parser, sz Sizes) error {
	p.reserved(1)
	m.SlotMask = p.u8()
	if p.err != nil {
		return p.err
	}
	m.Digests = make([][]byte, 0, bits.OnesCount8(m.SlotMask))
	for i := 0; i < bits.OnesCount8(m.SlotMask); i++ {
		m.Digests = append(m.Digests, p.bytes(sz.Hash))
	}
	return p.err
}

// GetCertificate requests a portion of the certificate chain in a slot.
// Chains larger than the Responder's transmit buffer are paged by
// offset/length and reassembled by the Requester in order.
type GetCertificate struct {
	SlotID uint8
	Offset uint16
	Length uint16
}

// Type implements Body.
func (GetCertificate) Type() Code { return GetCertificateCode }

func (m GetCertificate) encode(b []byte) ([]byte, error) {
	b = append(b, m.SlotID, 0)
	b = binary.LittleEndian.AppendUint16(b, m.Offset)
	return binary.LittleEndian.AppendUint16(b, m.Length), nil
}

func (m *GetCertificate) decode(p *parser, _ Sizes) error {
	m.SlotID = p.u8()
	p.reserved(1)
	m.Offset = p.u16()
	m.Length = p.u16()
	return p.err
}

// Certificate returns one portion of a certificate chain.
// RemainderLength is the byte count still unsent after this portion.
type Certificate struct {
	SlotID          uint8
	RemainderLength uint16
	Portion         []byte
}

// Type implements Body.
func (Certificate) Type() Code { return CertificateCode }

func (m Certificate) encode(b []byte) ([]byte, error) {
	if len(m.Portion) > 0xffff {
		return nil, fmt.Errorf("certificate portion too large: %d", len(m.Portion))
	}
	b = append(b, m.SlotID, 0)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.Portion)))
	b = binary.LittleEndian.AppendUint16(b, m.RemainderLength)
	return append(b, m.Portion...), nil
}

func (m *Certificate) decode(p *parser, _ Sizes) error {
	m.SlotID = p.u8()
	p.reserved(1)
	portionLength := p.u16()
	m.RemainderLength = p.u16()
	m.Portion = p.bytes(int(portionLength))
	return p.err
}

// Challenge requests proof of possession of the private key matching the
// leaf certificate in a slot. The nonce guarantees signature freshness.
type Challenge struct {
	SlotID          uint8
	MeasSummaryType uint8
	Nonce           Nonce
}

// Type implements Body.
func (Challenge) Type() Code { return ChallengeCode }

func (m Challenge) encode(b []byte) ([]byte, error) {
	b = append(b, m.SlotID, m.MeasSummaryType)
	return append(b, m.Nonce[:]...), nil
}

func (m *Challenge) decode(p *parser, _ Sizes) error {
	m.SlotID = p.u8()
	m.MeasSummaryType = p.u8()
	copy(m.Nonce[:], p.bytes(len(m.Nonce)))
	return p.err
}

// ChallengeAuth is the signed challenge response. The signature covers the
// full message transcript up to and including this message body (minus the
// signature itself), binding it to the negotiated parameters and the
// certificate chain.
type ChallengeAuth struct {
	SlotID        uint8
	SlotMask      uint8
	CertChainHash []byte
	Nonce         Nonce
	OpaqueData    []byte
	Signature     []byte
}

// Type implements Body.
func (ChallengeAuth) Type() Code { return ChallengeAuthCode }

func (m ChallengeAuth) encode(b []byte) ([]byte, error) {
	if len(m.OpaqueData) > 0xffff {
		return nil, fmt.Errorf("opaque data too large: %d", len(m.OpaqueData))
	}
	b = append(b, m.SlotID, m.SlotMask)
	b = append(b, m.CertChainHash...)
	b = append(b, m.Nonce[:]...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(m.OpaqueData)))
	b = append(b, m.OpaqueData...)
	return append(b, m.Signature...), nil
}

func (m *ChallengeAuth) decode(p *parser, sz Sizes) error {
	m.SlotID = p.u8()
	m.SlotMask = p.u8()
	m.CertChainHash = p.bytes(sz.Hash)
	copy(m.Nonce[:], p.bytes(len(m.Nonce)))
	m.OpaqueData = p.bytes(int(p.u16()))
	m.Signature = p.bytes(sz.Signature)
	return p.err
}

// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import "strings"

// CapabilityFlags is the 32-bit capability field of GET_CAPABILITIES and
// CAPABILITIES.
type CapabilityFlags uint32

// Capability flag bits per the DSP0274 capability table. MeasCap and PskCap
// are two-bit fields; their masks cover both bits.
const (
	CapCache          CapabilityFlags = 1 << 0
	CapCert           CapabilityFlags = 1 << 1
	CapChallenge      CapabilityFlags = 1 << 2
	CapMeasMask       CapabilityFlags = 3 << 3
	CapMeasFresh      CapabilityFlags = 1 << 5
	CapEncrypt        CapabilityFlags = 1 << 6
	CapMac            CapabilityFlags = 1 << 7
	CapMutAuth        CapabilityFlags = 1 << 8
	CapKeyExchange    CapabilityFlags = 1 << 9
	CapPskMask        CapabilityFlags = 3 << 10
	CapPsk            CapabilityFlags = 1 << 10
	CapPskWithContext CapabilityFlags = 2 << 10
	CapEncap          CapabilityFlags = 1 << 12
	CapHeartbeat      CapabilityFlags = 1 << 13
	CapKeyUpdate      CapabilityFlags = 1 << 14
	CapHandshakeClear CapabilityFlags = 1 << 15
	CapPubKeyID       CapabilityFlags = 1 << 16
)

// Has reports whether every bit of mask is set.
func (f CapabilityFlags) Has(mask CapabilityFlags) bool { return f&mask == mask }

// Common returns the capabilities both peers advertise. The two-bit PSK field
// intersects to the weaker mode rather than bitwise, so that a peer
// advertising PSK-with-context against one advertising plain PSK agrees on
// plain PSK.
func (f CapabilityFlags) Common(peer CapabilityFlags) CapabilityFlags {
	common := (f & peer) &^ CapPskMask
	if f&CapPskMask != 0 && peer&CapPskMask != 0 {
		common |= min(f&CapPskMask, peer&CapPskMask)
	}
	return common
}

func (f CapabilityFlags) String() string {
	names := []struct {
		bit  CapabilityFlags
		name string
	}{
		{CapCache, "CACHE"},
		{CapCert, "CERT"},
		{CapChallenge, "CHAL"},
		{CapMeasFresh, "MEAS_FRESH"},
		{CapEncrypt, "ENCRYPT"},
		{CapMac, "MAC"},
		{CapMutAuth, "MUT_AUTH"},
		{CapKeyExchange, "KEY_EX"},
		{CapEncap, "ENCAP"},
		{CapHeartbeat, "HBEAT"},
		{CapKeyUpdate, "KEY_UPD"},
		{CapHandshakeClear, "HANDSHAKE_IN_THE_CLEAR"},
		{CapPubKeyID, "PUB_KEY_ID"},
	}
	var set []string
	for _, n := range names {
		if f.Has(n.bit) {
			set = append(set, n.name)
		}
	}
	switch f & CapPskMask {
	case CapPsk:
		set = append(set, "PSK")
	case CapPskWithContext:
		set = append(set, "PSK_WITH_CONTEXT")
	}
	if f&CapMeasMask != 0 {
		set = append(set, "MEAS")
	}
	return strings.Join(set, "|")
}

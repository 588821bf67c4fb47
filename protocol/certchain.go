// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"encoding/binary"
	"fmt"
)

// CertChain is the certificate chain blob transferred by GET_CERTIFICATE:
// a total length, the digest of the root certificate, and the DER
// certificates concatenated root first, leaf last. The digests reported by
// DIGESTS are computed over this whole encoded form.
type CertChain struct {
	RootHash     []byte
	Certificates [][]byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c CertChain) MarshalBinary() ([]byte, error) {
	length := 4 + len(c.RootHash)
	for _, der := range c.Certificates {
		length += len(der)
	}
	if length > 0xffff {
		return nil, fmt.Errorf("certificate chain too large: %d", length)
	}

	b := binary.LittleEndian.AppendUint16(nil, uint16(length))
	b = append(b, 0, 0)
	b = append(b, c.RootHash...)
	for _, der := range c.Certificates {
		b = append(b, der...)
	}
	return b, nil
}

// UnmarshalChain parses a certificate chain blob. hashSize is the negotiated
// digest width, needed to split the root hash from the DER data; the DER
// certificates are split by their ASN.1 SEQUENCE length headers.
func UnmarshalChain(data []byte, hashSize int) (*CertChain, error) {
	p := &parser{b: data}
	length := p.u16()
	p.reserved(2)
	rootHash := p.bytes(hashSize)
	if p.err != nil {
		return nil, p.err
	}
	if int(length) != len(data) {
		return nil, fmt.Errorf("chain length field %d does not match %d bytes", length, len(data))
	}

	var certs [][]byte
	for len(p.b) > 0 {
		n, err := derCertificateLength(p.b)
		if err != nil {
			return nil, err
		}
		certs = append(certs, p.bytes(n))
	}
	if p.err != nil {
		return nil, p.err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("certificate chain is empty")
	}

	return &CertChain{RootHash: rootHash, Certificates: certs}, nil
}

// derCertificateLength returns the total encoded length of the DER SEQUENCE
// at the front of b without parsing its contents.
func derCertificateLength(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, ErrTruncated
	}
	if b[0] != 0x30 {
		return 0, fmt.Errorf("certificate does not begin with a DER SEQUENCE")
	}
	switch l := b[1]; {
	case l < 0x80:
		return 2 + int(l), nil
	case l == 0x81:
		if len(b) < 3 {
			return 0, ErrTruncated
		}
		return 3 + int(b[2]), nil
	case l == 0x82:
		if len(b) < 4 {
			return 0, ErrTruncated
		}
		return 4 + int(b[2])<<8 + int(b[3]), nil
	default:
		return 0, fmt.Errorf("unsupported DER length form %#x", b[1])
	}
}

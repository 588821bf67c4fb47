// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"bytes"
	"testing"
)

// fakeCert builds a DER SEQUENCE of the given content length, which is all
// the chain splitter looks at.
func fakeCert(contentLen int, fill byte) []byte {
	content := bytes.Repeat([]byte{fill}, contentLen)
	switch {
	case contentLen < 0x80:
		return append([]byte{0x30, byte(contentLen)}, content...)
	case contentLen <= 0xff:
		return append([]byte{0x30, 0x81, byte(contentLen)}, content...)
	default:
		return append([]byte{0x30, 0x82, byte(contentLen >> 8), byte(contentLen)}, content...)
	}
}

func TestCertChainRoundTrip(t *testing.T) {
	root := fakeCert(100, 0x01)
	intermediate := fakeCert(0x90, 0x02)
	leaf := fakeCert(0x1234, 0x03)
	rootHash := bytes.Repeat([]byte{0xaa}, 32)

	blob, err := (CertChain{
		RootHash:     rootHash,
		Certificates: [][]byte{root, intermediate, leaf},
	}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	chain, err := UnmarshalChain(blob, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chain.RootHash, rootHash) {
		t.Error("root hash mismatch")
	}
	if len(chain.Certificates) != 3 {
		t.Fatalf("split into %d certificates, expected 3", len(chain.Certificates))
	}
	for i, want := range [][]byte{root, intermediate, leaf} {
		if !bytes.Equal(chain.Certificates[i], want) {
			t.Errorf("certificate %d does not match", i)
		}
	}
}

func TestCertChainRejectsBadLength(t *testing.T) {
	blob, err := (CertChain{
		RootHash:     bytes.Repeat([]byte{0xaa}, 32),
		Certificates: [][]byte{fakeCert(10, 0x01)},
	}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := UnmarshalChain(blob[:len(blob)-1], 32); err == nil {
		t.Error("accepted truncated chain")
	}

	mangled := bytes.Clone(blob)
	mangled[0]++
	if _, err := UnmarshalChain(mangled, 32); err == nil {
		t.Error("accepted chain with wrong length field")
	}
}

func TestCertChainRejectsNonSequence(t *testing.T) {
	blob, err := (CertChain{
		RootHash:     bytes.Repeat([]byte{0xaa}, 32),
		Certificates: [][]byte{{0x04, 0x01, 0xff}},
	}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalChain(blob, 32); err == nil {
		t.Error("accepted non-SEQUENCE certificate data")
	}
}

func TestCertChainRejectsEmpty(t *testing.T) {
	blob, err := (CertChain{RootHash: bytes.Repeat([]byte{0xaa}, 32)}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalChain(blob, 32); err == nil {
		t.Error("accepted chain with no certificates")
	}
}

// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package protocol

import (
	"crypto"
	"fmt"
)

// HashAlg is one bit of the BaseHashAlgo field.
type HashAlg uint32

// Base hash algorithms (DSP0274 BaseHashAlgo table)
const (
	HashSha256  HashAlg = 1 << 0
	HashSha384  HashAlg = 1 << 1
	HashSha512  HashAlg = 1 << 2
	HashSha3256 HashAlg = 1 << 3
	HashSha3384 HashAlg = 1 << 4
	HashSha3512 HashAlg = 1 << 5
)

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func (a HashAlg) Size() int {
	switch a {
	case HashSha256, HashSha3256:
		return 32
	case HashSha384, HashSha3384:
		return 48
	case HashSha512, HashSha3512:
		return 64
	}
	return 0
}

// HashFunc maps the wire algorithm to a crypto.Hash. SHA-3 variants are
// registered by the standard library but rarely linked; callers must check
// Availability before use.
func (a HashAlg) HashFunc() crypto.Hash {
	switch a {
	case HashSha256:
		return crypto.SHA256
	case HashSha384:
		return crypto.SHA384
	case HashSha512:
		return crypto.SHA512
	case HashSha3256:
		return crypto.SHA3_256
	case HashSha3384:
		return crypto.SHA3_384
	case HashSha3512:
		return crypto.SHA3_512
	}
	return 0
}

func (a HashAlg) String() string {
	switch a {
	case HashSha256:
		return "SHA-256"
	case HashSha384:
		return "SHA-384"
	case HashSha512:
		return "SHA-512"
	case HashSha3256:
		return "SHA3-256"
	case HashSha3384:
		return "SHA3-384"
	case HashSha3512:
		return "SHA3-512"
	}
	return fmt.Sprintf("HashAlg(%#x)", uint32(a))
}

// AsymAlg is one bit of the BaseAsymAlgo field.
type AsymAlg uint32

// Base asymmetric signature algorithms (DSP0274 BaseAsymAlgo table)
const (
	AsymRsassa2048 AsymAlg = 1 << 0
	AsymRsapss2048 AsymAlg = 1 << 1
	AsymRsassa3072 AsymAlg = 1 << 2
	AsymRsapss3072 AsymAlg = 1 << 3
	AsymEcdsaP256  AsymAlg = 1 << 4
	AsymRsassa4096 AsymAlg = 1 << 5
	AsymRsapss4096 AsymAlg = 1 << 6
	AsymEcdsaP384  AsymAlg = 1 << 7
	AsymEcdsaP521  AsymAlg = 1 << 8
)

// SignatureSize returns the fixed wire width of a signature. ECDSA signatures
// are raw r||s with each integer zero-padded to the curve size.
func (a AsymAlg) SignatureSize() int {
	switch a {
	case AsymRsassa2048, AsymRsapss2048:
		return 256
	case AsymRsassa3072, AsymRsapss3072:
		return 384
	case AsymRsassa4096, AsymRsapss4096:
		return 512
	case AsymEcdsaP256:
		return 64
	case AsymEcdsaP384:
		return 96
	case AsymEcdsaP521:
		return 132
	}
	return 0
}

func (a AsymAlg) String() string {
	switch a {
	case AsymRsassa2048:
		return "RSASSA-2048"
	case AsymRsapss2048:
		return "RSAPSS-2048"
	case AsymRsassa3072:
		return "RSASSA-3072"
	case AsymRsapss3072:
		return "RSAPSS-3072"
	case AsymRsassa4096:
		return "RSASSA-4096"
	case AsymRsapss4096:
		return "RSAPSS-4096"
	case AsymEcdsaP256:
		return "ECDSA-P256"
	case AsymEcdsaP384:
		return "ECDSA-P384"
	case AsymEcdsaP521:
		return "ECDSA-P521"
	}
	return fmt.Sprintf("AsymAlg(%#x)", uint32(a))
}

// DheAlg is one bit of the DHE algorithm field.
type DheAlg uint16

// DHE named groups (DSP0274 AlgSupported table for AlgType=DHE)
const (
	DheFfdhe2048 DheAlg = 1 << 0
	DheFfdhe3072 DheAlg = 1 << 1
	DheFfdhe4096 DheAlg = 1 << 2
	DheSecp256r1 DheAlg = 1 << 3
	DheSecp384r1 DheAlg = 1 << 4
	DheSecp521r1 DheAlg = 1 << 5
)

// ExchangeSize returns the fixed wire width of the ephemeral exchange data.
// Elliptic-curve groups carry the uncompressed point coordinates X||Y.
func (a DheAlg) ExchangeSize() int {
	switch a {
	case DheFfdhe2048:
		return 256
	case DheFfdhe3072:
		return 384
	case DheFfdhe4096:
		return 512
	case DheSecp256r1:
		return 64
	case DheSecp384r1:
		return 96
	case DheSecp521r1:
		return 132
	}
	return 0
}

func (a DheAlg) String() string {
	switch a {
	case DheFfdhe2048:
		return "FFDHE-2048"
	case DheFfdhe3072:
		return "FFDHE-3072"
	case DheFfdhe4096:
		return "FFDHE-4096"
	case DheSecp256r1:
		return "SECP256R1"
	case DheSecp384r1:
		return "SECP384R1"
	case DheSecp521r1:
		return "SECP521R1"
	}
	return fmt.Sprintf("DheAlg(%#x)", uint16(a))
}

// AeadAlg is one bit of the AEAD algorithm field.
type AeadAlg uint16

// AEAD cipher suites (DSP0274 AlgSupported table for AlgType=AEAD)
const (
	AeadAes128Gcm        AeadAlg = 1 << 0
	AeadAes256Gcm        AeadAlg = 1 << 1
	AeadChacha20Poly1305 AeadAlg = 1 << 2
)

// KeySize returns the AEAD key length in bytes.
func (a AeadAlg) KeySize() int {
	switch a {
	case AeadAes128Gcm:
		return 16
	case AeadAes256Gcm, AeadChacha20Poly1305:
		return 32
	}
	return 0
}

// IvSize returns the AEAD nonce length in bytes. All supported suites use a
// 96-bit nonce.
func (a AeadAlg) IvSize() int { return 12 }

// TagSize returns the AEAD authentication tag length in bytes.
func (a AeadAlg) TagSize() int { return 16 }

func (a AeadAlg) String() string {
	switch a {
	case AeadAes128Gcm:
		return "AES-128-GCM"
	case AeadAes256Gcm:
		return "AES-256-GCM"
	case AeadChacha20Poly1305:
		return "CHACHA20-POLY1305"
	}
	return fmt.Sprintf("AeadAlg(%#x)", uint16(a))
}

// KeySchedAlg is one bit of the key schedule algorithm field. Only the SPDM
// key schedule is defined.
type KeySchedAlg uint16

// Key schedule algorithms
const (
	KeySchedSpdm KeySchedAlg = 1 << 0
)

// Preference tables fix the selection order so that both peers independently
// compute the identical choice from the same advertised sets. Order is
// strongest first; entries of equal strength are listed by ascending
// algorithm ID, which is the DSP0274 tie-break.
var (
	hashPreference = []HashAlg{
		HashSha512, HashSha3512, HashSha384, HashSha3384, HashSha256, HashSha3256,
	}
	asymPreference = []AsymAlg{
		AsymEcdsaP521, AsymRsassa4096, AsymRsapss4096, AsymEcdsaP384,
		AsymRsassa3072, AsymRsapss3072, AsymEcdsaP256, AsymRsassa2048, AsymRsapss2048,
	}
	dhePreference = []DheAlg{
		DheSecp521r1, DheFfdhe4096, DheSecp384r1, DheFfdhe3072, DheSecp256r1, DheFfdhe2048,
	}
	aeadPreference = []AeadAlg{
		AeadAes256Gcm, AeadChacha20Poly1305, AeadAes128Gcm,
	}
)

// SelectHash picks the preferred hash algorithm common to both masks.
func SelectHash(a, b uint32) (HashAlg, bool) {
	for _, alg := range hashPreference {
		if a&b&uint32(alg) != 0 {
			return alg, true
		}
	}
	return 0, false
}

// SelectAsym picks the preferred signature algorithm common to both masks.
func SelectAsym(a, b uint32) (AsymAlg, bool) {
	for _, alg := range asymPreference {
		if a&b&uint32(alg) != 0 {
			return alg, true
		}
	}
	return 0, false
}

// SelectDhe picks the preferred DHE group common to both masks.
func SelectDhe(a, b uint16) (DheAlg, bool) {
	for _, alg := range dhePreference {
		if a&b&uint16(alg) != 0 {
			return alg, true
		}
	}
	return 0, false
}

// SelectAead picks the preferred AEAD suite common to both masks.
func SelectAead(a, b uint16) (AeadAlg, bool) {
	for _, alg := range aeadPreference {
		if a&b&uint16(alg) != 0 {
			return alg, true
		}
	}
	return 0, false
}

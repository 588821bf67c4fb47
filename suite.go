// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"

	_ "crypto/sha256"
	_ "crypto/sha512"

	_ "golang.org/x/crypto/sha3"

	"github.com/device-security/go-spdm/protocol"
)

// Suite is the negotiated algorithm selection of one connection resolved to
// implementations: the hash for transcripts and digests, the signature
// algorithm for responder authentication, the DHE group, and the AEAD cipher
// for session records.
type Suite struct {
	Version protocol.Version
	Hash    protocol.HashAlg
	Asym    protocol.AsymAlg
	Dhe     protocol.DheAlg
	Aead    protocol.AeadAlg

	hashFunc crypto.Hash
}

// newSuite resolves an algorithm selection, rejecting selections this build
// cannot serve.
func newSuite(version protocol.Version, hash protocol.HashAlg, asym protocol.AsymAlg, dhe protocol.DheAlg, aead protocol.AeadAlg) (*Suite, error) {
	hashFunc := hash.HashFunc()
	if hashFunc == 0 || !hashFunc.Available() {
		return nil, fmt.Errorf("hash algorithm %s not available", hash)
	}
	if asym.SignatureSize() == 0 {
		return nil, fmt.Errorf("unknown signature algorithm %s", asym)
	}
	if dhe.ExchangeSize() == 0 {
		return nil, fmt.Errorf("unknown DHE group %s", dhe)
	}
	if aead.KeySize() == 0 {
		return nil, fmt.Errorf("unknown AEAD suite %s", aead)
	}
	return &Suite{
		Version:  version,
		Hash:     hash,
		Asym:     asym,
		Dhe:      dhe,
		Aead:     aead,
		hashFunc: hashFunc,
	}, nil
}

// Sizes returns the wire field widths this selection implies.
func (s *Suite) Sizes() protocol.Sizes {
	return protocol.Sizes{
		Hash:      s.Hash.Size(),
		Signature: s.Asym.SignatureSize(),
		Exchange:  s.Dhe.ExchangeSize(),
	}
}

func (s *Suite) hashSum(data []byte) []byte {
	h := s.hashFunc.New()
	h.Write(data)
	return h.Sum(nil)
}

// newAEAD constructs the record cipher for one direction's traffic key.
func (s *Suite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch s.Aead {
	case protocol.AeadAes128Gcm, protocol.AeadAes256Gcm:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case protocol.AeadChacha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("unknown AEAD suite %s", s.Aead)
}

// sign produces a signature over digest in SPDM wire form. ECDSA signatures
// are converted from the signer's ASN.1 form to fixed-width raw r||s so that
// hardware-backed crypto.Signer implementations work unchanged.
func (s *Suite) sign(rand io.Reader, key crypto.Signer, digest []byte) ([]byte, error) {
	switch s.Asym {
	case protocol.AsymEcdsaP256, protocol.AsymEcdsaP384, protocol.AsymEcdsaP521:
		asn1Sig, err := key.Sign(rand, digest, s.hashFunc)
		if err != nil {
			return nil, fmt.Errorf("error signing: %w", err)
		}
		return ecdsaSigToRaw(asn1Sig, s.Asym.SignatureSize())

	case protocol.AsymRsassa2048, protocol.AsymRsassa3072, protocol.AsymRsassa4096:
		return key.Sign(rand, digest, s.hashFunc)

	case protocol.AsymRsapss2048, protocol.AsymRsapss3072, protocol.AsymRsapss4096:
		return key.Sign(rand, digest, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       s.hashFunc,
		})
	}
	return nil, fmt.Errorf("unknown signature algorithm %s", s.Asym)
}

// verify checks a wire-form signature over digest. Failures wrap
// ErrCryptoVerifyFailed.
func (s *Suite) verify(pub crypto.PublicKey, digest, sig []byte) error {
	if len(sig) != s.Asym.SignatureSize() {
		return fmt.Errorf("signature is %d bytes, expected %d: %w",
			len(sig), s.Asym.SignatureSize(), ErrCryptoVerifyFailed)
	}

	switch s.Asym {
	case protocol.AsymEcdsaP256, protocol.AsymEcdsaP384, protocol.AsymEcdsaP521:
		eckey, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key is %T, not ECDSA: %w", pub, ErrCryptoVerifyFailed)
		}
		half := len(sig) / 2
		r := new(big.Int).SetBytes(sig[:half])
		ss := new(big.Int).SetBytes(sig[half:])
		if !ecdsa.Verify(eckey, digest, r, ss) {
			return fmt.Errorf("signature mismatch: %w", ErrCryptoVerifyFailed)
		}
		return nil

	case protocol.AsymRsassa2048, protocol.AsymRsassa3072, protocol.AsymRsassa4096:
		rsakey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key is %T, not RSA: %w", pub, ErrCryptoVerifyFailed)
		}
		if err := rsa.VerifyPKCS1v15(rsakey, s.hashFunc, digest, sig); err != nil {
			return fmt.Errorf("signature mismatch: %w", ErrCryptoVerifyFailed)
		}
		return nil

	case protocol.AsymRsapss2048, protocol.AsymRsapss3072, protocol.AsymRsapss4096:
		rsakey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key is %T, not RSA: %w", pub, ErrCryptoVerifyFailed)
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: s.hashFunc}
		if err := rsa.VerifyPSS(rsakey, s.hashFunc, digest, sig, opts); err != nil {
			return fmt.Errorf("signature mismatch: %w", ErrCryptoVerifyFailed)
		}
		return nil
	}
	return fmt.Errorf("unknown signature algorithm %s", s.Asym)
}

// ecdsaSigToRaw converts an ASN.1 DER ECDSA signature to the fixed-width raw
// r||s wire form, each integer zero-padded to half the signature size.
func ecdsaSigToRaw(asn1Sig []byte, size int) ([]byte, error) {
	var sig struct{ R, S *big.Int }
	if rest, err := asn1.Unmarshal(asn1Sig, &sig); err != nil {
		return nil, fmt.Errorf("error parsing ASN.1 signature: %w", err)
	} else if len(rest) > 0 {
		return nil, fmt.Errorf("trailing bytes after ASN.1 signature")
	}

	half := size / 2
	if sig.R.BitLen() > half*8 || sig.S.BitLen() > half*8 {
		return nil, fmt.Errorf("signature integer exceeds curve size")
	}
	raw := make([]byte, size)
	sig.R.FillBytes(raw[:half])
	sig.S.FillBytes(raw[half:])
	return raw, nil
}

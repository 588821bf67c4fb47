// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/device-security/go-spdm/protocol"
)

func testSuite(t *testing.T, asym protocol.AsymAlg) *Suite {
	t.Helper()
	s, err := newSuite(protocol.Version12, protocol.HashSha256, asym, protocol.DheSecp256r1, protocol.AeadAes256Gcm)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSuiteSignVerifyECDSA(t *testing.T) {
	s := testSuite(t, protocol.AsymEcdsaP256)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	digest := s.hashSum([]byte("signed content"))

	sig, err := s.sign(rand.Reader, key, digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature is %d bytes, expected 64", len(sig))
	}
	if err := s.verify(key.Public(), digest, sig); err != nil {
		t.Fatal(err)
	}

	sig[10] ^= 1
	if err := s.verify(key.Public(), digest, sig); !errors.Is(err, ErrCryptoVerifyFailed) {
		t.Errorf("got %v, expected ErrCryptoVerifyFailed", err)
	}
}

func TestSuiteSignVerifyRSA(t *testing.T) {
	s := testSuite(t, protocol.AsymRsassa2048)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	digest := s.hashSum([]byte("signed content"))

	sig, err := s.sign(rand.Reader, key, digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 256 {
		t.Fatalf("signature is %d bytes, expected 256", len(sig))
	}
	if err := s.verify(key.Public(), digest, sig); err != nil {
		t.Fatal(err)
	}

	if err := s.verify(key.Public(), s.hashSum([]byte("other content")), sig); !errors.Is(err, ErrCryptoVerifyFailed) {
		t.Errorf("got %v, expected ErrCryptoVerifyFailed", err)
	}
}

func TestSuiteVerifyRejectsWrongLength(t *testing.T) {
	s := testSuite(t, protocol.AsymEcdsaP256)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	err = s.verify(key.Public(), s.hashSum([]byte("x")), make([]byte, 10))
	if !errors.Is(err, ErrCryptoVerifyFailed) {
		t.Errorf("got %v, expected ErrCryptoVerifyFailed", err)
	}
}

func TestSuiteVerifyRejectsWrongKeyType(t *testing.T) {
	s := testSuite(t, protocol.AsymEcdsaP256)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	err = s.verify(key.Public(), s.hashSum([]byte("x")), make([]byte, 64))
	if !errors.Is(err, ErrCryptoVerifyFailed) {
		t.Errorf("got %v, expected ErrCryptoVerifyFailed", err)
	}
}

func TestNewSuiteRejectsUnknownAlgorithms(t *testing.T) {
	if _, err := newSuite(protocol.Version12, 0, protocol.AsymEcdsaP256, protocol.DheSecp256r1, protocol.AeadAes256Gcm); err == nil {
		t.Error("accepted zero hash selection")
	}
	if _, err := newSuite(protocol.Version12, protocol.HashSha256, 0, protocol.DheSecp256r1, protocol.AeadAes256Gcm); err == nil {
		t.Error("accepted zero asym selection")
	}
	if _, err := newSuite(protocol.Version12, protocol.HashSha256, protocol.AsymEcdsaP256, 0, protocol.AeadAes256Gcm); err == nil {
		t.Error("accepted zero DHE selection")
	}
	if _, err := newSuite(protocol.Version12, protocol.HashSha256, protocol.AsymEcdsaP256, protocol.DheSecp256r1, 0); err == nil {
		t.Error("accepted zero AEAD selection")
	}
}

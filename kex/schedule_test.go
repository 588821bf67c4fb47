// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package kex

import (
	"bytes"
	"crypto"
	_ "crypto/sha256"
	"testing"

	"github.com/device-security/go-spdm/protocol"
)

func testSchedule() Schedule {
	return NewSchedule(crypto.SHA256, protocol.Version12)
}

func TestDirectionSecretsDiffer(t *testing.T) {
	s := testSchedule()
	hs := s.HandshakeSecret([]byte("shared secret"))
	th1 := bytes.Repeat([]byte{0x11}, 32)

	req, err := s.DirectionSecret(hs, true, th1)
	if err != nil {
		t.Fatal(err)
	}
	rsp, err := s.DirectionSecret(hs, false, th1)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(req, rsp) {
		t.Error("requester and responder direction secrets are equal")
	}
}

// Different transcripts must yield different keys even from the same shared
// secret.
func TestTranscriptBindsSecrets(t *testing.T) {
	s := testSchedule()
	hs := s.HandshakeSecret([]byte("shared secret"))

	a, err := s.DirectionSecret(hs, true, bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.DirectionSecret(hs, true, bytes.Repeat([]byte{0x22}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("direction secret independent of transcript hash")
	}
}

// The version is part of every expansion label, so peers negotiating
// different versions can never derive matching keys.
func TestVersionBindsSecrets(t *testing.T) {
	hs11 := NewSchedule(crypto.SHA256, protocol.Version11)
	hs12 := NewSchedule(crypto.SHA256, protocol.Version12)
	th1 := bytes.Repeat([]byte{0x11}, 32)

	sec := hs11.HandshakeSecret([]byte("ikm"))
	a, err := hs11.DirectionSecret(sec, true, th1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := hs12.DirectionSecret(sec, true, th1)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("direction secret independent of version")
	}
}

func TestVerifyData(t *testing.T) {
	s := testSchedule()
	hs := s.HandshakeSecret([]byte("ikm"))
	dir, err := s.DirectionSecret(hs, false, bytes.Repeat([]byte{0x33}, 32))
	if err != nil {
		t.Fatal(err)
	}
	key, err := s.FinishedKey(dir)
	if err != nil {
		t.Fatal(err)
	}

	th := bytes.Repeat([]byte{0x44}, 32)
	vd := s.VerifyData(key, th)
	if !s.CheckVerifyData(key, th, vd) {
		t.Error("verify data does not check against itself")
	}

	vd[0] ^= 1
	if s.CheckVerifyData(key, th, vd) {
		t.Error("tampered verify data accepted")
	}
}

func TestUpdateRatchet(t *testing.T) {
	s := testSchedule()
	hs := s.HandshakeSecret([]byte("ikm"))
	master, err := s.MasterSecret(hs)
	if err != nil {
		t.Fatal(err)
	}
	app, err := s.AppSecret(master, true, bytes.Repeat([]byte{0x55}, 32))
	if err != nil {
		t.Fatal(err)
	}

	next, err := s.Update(app)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(app, next) {
		t.Error("update did not change the secret")
	}

	k1, err := s.TrafficKeys(app, protocol.AeadAes256Gcm)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := s.TrafficKeys(next, protocol.AeadAes256Gcm)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1.Key, k2.Key) || bytes.Equal(k1.IV, k2.IV) {
		t.Error("ratcheted secrets expand to identical traffic keys")
	}
}

func TestTrafficKeySizes(t *testing.T) {
	s := testSchedule()
	secret := bytes.Repeat([]byte{0x66}, 32)

	for _, aead := range []protocol.AeadAlg{
		protocol.AeadAes128Gcm, protocol.AeadAes256Gcm, protocol.AeadChacha20Poly1305,
	} {
		keys, err := s.TrafficKeys(secret, aead)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys.Key) != aead.KeySize() {
			t.Errorf("%s key is %d bytes", aead, len(keys.Key))
		}
		if len(keys.IV) != aead.IvSize() {
			t.Errorf("%s IV is %d bytes", aead, len(keys.IV))
		}
	}
}

// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/device-security/go-spdm/kex"
)

func testAEAD(t *testing.T) (cipher.AEAD, kex.TrafficKeys) {
	t.Helper()
	keys := kex.TrafficKeys{
		Key: bytes.Repeat([]byte{0x42}, 32),
		IV:  bytes.Repeat([]byte{0x24}, 12),
	}
	block, err := aes.NewCipher(keys.Key)
	if err != nil {
		t.Fatal(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	return aead, keys
}

func TestRecordRoundTrip(t *testing.T) {
	aead, keys := testAEAD(t)
	payload := []byte("application payload")

	record, err := sealRecord(aead, keys, 0xdeadbeef, 7, contentApp, payload)
	if err != nil {
		t.Fatal(err)
	}
	content, got, err := openRecord(aead, keys, 0xdeadbeef, 7, record)
	if err != nil {
		t.Fatal(err)
	}
	if content != contentApp {
		t.Errorf("content type %d", content)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload does not round-trip")
	}
}

func TestRecordRejectsTampering(t *testing.T) {
	aead, keys := testAEAD(t)
	record, err := sealRecord(aead, keys, 1, 0, contentProtocol, []byte("msg"))
	if err != nil {
		t.Fatal(err)
	}

	for i := range record {
		mangled := bytes.Clone(record)
		mangled[i] ^= 0x80
		if _, _, err := openRecord(aead, keys, 1, 0, mangled); err == nil {
			t.Fatalf("accepted record with byte %d flipped", i)
		}
	}
}

func TestRecordRejectsWrongSequence(t *testing.T) {
	aead, keys := testAEAD(t)
	record, err := sealRecord(aead, keys, 1, 5, contentApp, []byte("msg"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := openRecord(aead, keys, 1, 6, record); err == nil {
		t.Error("accepted replayed sequence number")
	}
}

func TestRecordRejectsWrongSession(t *testing.T) {
	aead, keys := testAEAD(t)
	record, err := sealRecord(aead, keys, 1, 0, contentApp, []byte("msg"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := openRecord(aead, keys, 2, 0, record); err == nil {
		t.Error("accepted record addressed to another session")
	}
}

// Sequence counters produce unique nonces, and the same plaintext seals to
// different ciphertexts at different positions.
func TestRecordNonceUnique(t *testing.T) {
	aead, keys := testAEAD(t)

	seen := map[string]bool{}
	for seq := uint64(0); seq < 64; seq++ {
		nonce := string(recordNonce(keys.IV, seq))
		if seen[nonce] {
			t.Fatalf("nonce reused at sequence %d", seq)
		}
		seen[nonce] = true
	}

	a, err := sealRecord(aead, keys, 1, 0, contentApp, []byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := sealRecord(aead, keys, 1, 1, contentApp, []byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a[recordHeaderSize:], b[recordHeaderSize:]) {
		t.Error("identical ciphertext at different sequence numbers")
	}
}

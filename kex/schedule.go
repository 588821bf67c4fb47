// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package kex

import (
	"crypto"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/device-security/go-spdm/protocol"
)

// Schedule implements the SPDM key schedule (DSP0274 secured session key
// derivation). Every expansion is labeled with the negotiated version and
// bound to a transcript hash, so two sessions with different histories can
// never derive the same keys.
type Schedule struct {
	hash    crypto.Hash
	version protocol.Version
}

// NewSchedule creates a key schedule for the negotiated hash and version.
func NewSchedule(hash crypto.Hash, version protocol.Version) Schedule {
	return Schedule{hash: hash, version: version}
}

// TrafficKeys is the AEAD key material expanded from one direction's traffic
// secret.
type TrafficKeys struct {
	Key []byte
	IV  []byte
}

// binConcat builds the HKDF info field: length, the version-tagged label,
// and the optional transcript hash context.
func (s Schedule) binConcat(length int, label string, context []byte) []byte {
	prefix := fmt.Sprintf("spdm%d.%d ", s.version.Major(), s.version.Minor())
	info := binary.LittleEndian.AppendUint16(nil, uint16(length))
	info = append(info, prefix...)
	info = append(info, label...)
	return append(info, context...)
}

func (s Schedule) expand(secret []byte, label string, context []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	r := hkdf.Expand(s.hash.New, secret, s.binConcat(length, label, context))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", label, err)
	}
	return out, nil
}

// HandshakeSecret extracts the handshake secret from the DHE shared secret,
// or from the PSK for pre-shared-key sessions.
func (s Schedule) HandshakeSecret(ikm []byte) []byte {
	salt := make([]byte, s.hash.Size())
	return hkdf.Extract(s.hash.New, ikm, salt)
}

// DirectionSecret derives one direction's handshake traffic secret bound to
// the transcript hash at key-exchange time.
func (s Schedule) DirectionSecret(handshakeSecret []byte, requester bool, th1 []byte) ([]byte, error) {
	label := "rsp hs data"
	if requester {
		label = "req hs data"
	}
	return s.expand(handshakeSecret, label, th1, s.hash.Size())
}

// FinishedKey derives the key-confirmation HMAC key from a direction's
// handshake traffic secret.
func (s Schedule) FinishedKey(directionSecret []byte) ([]byte, error) {
	return s.expand(directionSecret, "finished", nil, s.hash.Size())
}

// MasterSecret derives the master secret from the handshake secret. The
// intermediate salt keeps application secrets underivable from handshake
// traffic secrets alone.
func (s Schedule) MasterSecret(handshakeSecret []byte) ([]byte, error) {
	salt, err := s.expand(handshakeSecret, "derived", nil, s.hash.Size())
	if err != nil {
		return nil, err
	}
	zero := make([]byte, s.hash.Size())
	return hkdf.Extract(s.hash.New, zero, salt), nil
}

// AppSecret derives one direction's application traffic secret bound to the
// transcript hash including the FINISH exchange. Application secrets are
// never reused as handshake secrets.
func (s Schedule) AppSecret(masterSecret []byte, requester bool, th2 []byte) ([]byte, error) {
	label := "rsp app data"
	if requester {
		label = "req app data"
	}
	return s.expand(masterSecret, label, th2, s.hash.Size())
}

// Update ratchets a traffic secret forward for KEY_UPDATE. The old secret is
// not derivable from the new one.
func (s Schedule) Update(secret []byte) ([]byte, error) {
	return s.expand(secret, "traffic upd", nil, s.hash.Size())
}

// TrafficKeys expands a traffic secret into AEAD key material.
func (s Schedule) TrafficKeys(secret []byte, aead protocol.AeadAlg) (TrafficKeys, error) {
	key, err := s.expand(secret, "key", nil, aead.KeySize())
	if err != nil {
		return TrafficKeys{}, err
	}
	iv, err := s.expand(secret, "iv", nil, aead.IvSize())
	if err != nil {
		return TrafficKeys{}, err
	}
	return TrafficKeys{Key: key, IV: iv}, nil
}

// VerifyData computes the FINISH/PSK_FINISH key-confirmation value: an HMAC
// over the transcript hash under a finished key.
func (s Schedule) VerifyData(finishedKey, transcriptHash []byte) []byte {
	mac := hmac.New(s.hash.New, finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// CheckVerifyData compares a received key-confirmation value in constant
// time.
func (s Schedule) CheckVerifyData(finishedKey, transcriptHash, received []byte) bool {
	return hmac.Equal(s.VerifyData(finishedKey, transcriptHash), received)
}

// Destroy zeroes secret material no longer needed.
func Destroy(secrets ...[]byte) {
	for _, s := range secrets {
		clear(s)
	}
}

// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/device-security/go-spdm/kex"
)

// Secured record layout:
//
//	session ID  u32
//	sequence    u16
//	length      u16   ciphertext length including the AEAD tag
//	ciphertext
//
// The 8-byte header is the AEAD additional data, so a record cannot be
// replayed into another session or another sequence position. The nonce is
// the direction IV XORed with the full 64-bit sequence counter; the wire
// carries only the low 16 bits, enough for the receiver to detect loss while
// the counters stay in lock-step.
const recordHeaderSize = 8

// contentType is the first plaintext byte of every record, separating
// session-scoped protocol messages from application data.
type contentType uint8

const (
	contentProtocol contentType = 1
	contentApp      contentType = 2
)

// sealRecord encrypts one record under a direction's traffic keys.
func sealRecord(aead cipher.AEAD, keys kex.TrafficKeys, sessionID uint32, seq uint64, content contentType, payload []byte) ([]byte, error) {
	plaintext := make([]byte, 0, 1+len(payload))
	plaintext = append(plaintext, byte(content))
	plaintext = append(plaintext, payload...)

	ctLen := len(plaintext) + aead.Overhead()
	if ctLen > 0xffff {
		return nil, fmt.Errorf("record payload too large: %d bytes", len(payload))
	}

	header := make([]byte, 0, recordHeaderSize+ctLen)
	header = binary.LittleEndian.AppendUint32(header, sessionID)
	header = binary.LittleEndian.AppendUint16(header, uint16(seq))
	header = binary.LittleEndian.AppendUint16(header, uint16(ctLen))

	return aead.Seal(header, recordNonce(keys.IV, seq), plaintext, header[:recordHeaderSize]), nil
}

// openRecord authenticates and decrypts one record. The expected sequence
// number comes from the receiver's counter, not the wire; the wire sequence
// must agree with its low 16 bits.
func openRecord(aead cipher.AEAD, keys kex.TrafficKeys, sessionID uint32, seq uint64, record []byte) (contentType, []byte, error) {
	if len(record) < recordHeaderSize {
		return 0, nil, fmt.Errorf("record truncated: %d bytes", len(record))
	}
	header := record[:recordHeaderSize]
	if got := binary.LittleEndian.Uint32(header); got != sessionID {
		return 0, nil, fmt.Errorf("record for session %08x, expected %08x", got, sessionID)
	}
	if got := binary.LittleEndian.Uint16(header[4:]); got != uint16(seq) {
		return 0, nil, fmt.Errorf("record sequence %d, expected %d", got, uint16(seq))
	}
	if got := binary.LittleEndian.Uint16(header[6:]); int(got) != len(record)-recordHeaderSize {
		return 0, nil, fmt.Errorf("record length field %d does not match %d ciphertext bytes",
			got, len(record)-recordHeaderSize)
	}

	plaintext, err := aead.Open(nil, recordNonce(keys.IV, seq), record[recordHeaderSize:], header)
	if err != nil {
		return 0, nil, fmt.Errorf("record does not authenticate: %w", ErrCryptoVerifyFailed)
	}
	if len(plaintext) < 1 {
		return 0, nil, fmt.Errorf("empty record plaintext")
	}
	switch content := contentType(plaintext[0]); content {
	case contentProtocol, contentApp:
		return content, plaintext[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown record content type %d", plaintext[0])
	}
}

// recordNonce XORs the 64-bit sequence counter into the low bytes of the
// direction IV. A (key, nonce) pair is never reused because the counter is
// strictly monotonic and key update resets it together with the key.
func recordNonce(iv []byte, seq uint64) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(seq >> (8 * i))
	}
	return nonce
}

// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

// Package transcript accumulates the raw bytes of exchanged SPDM messages
// for signature verification and key derivation.
//
// A transcript is append-only: it grows by exact wire bytes in exchange
// order and is never rolled back except by discarding the whole transcript
// on connection or session teardown. Signatures and derived keys computed
// over a transcript hash are thereby bound to the full negotiation history.
package transcript

import (
	"crypto"
	"fmt"
)

// Buffer is one named running transcript. Raw message bytes are retained so
// the digest can be taken at multiple cut points (e.g. a key-exchange
// transcript is hashed both before and after the confirmation HMAC fields
// are appended).
type Buffer struct {
	hash crypto.Hash
	data []byte
}

// New creates an empty transcript hashed with the negotiated algorithm.
func New(hash crypto.Hash) *Buffer {
	return &Buffer{hash: hash}
}

// SetHash sets the digest algorithm. The earliest transcript bytes precede
// algorithm negotiation, so the algorithm is not always known at New time.
func (b *Buffer) SetHash(hash crypto.Hash) { b.hash = hash }

// Append adds the exact wire bytes of one message, or another mandated
// transcript contribution such as a certificate chain digest.
func (b *Buffer) Append(raw []byte) {
	b.data = append(b.data, raw...)
}

// Hash returns the digest of everything appended so far.
func (b *Buffer) Hash() []byte {
	h := b.hash.New()
	h.Write(b.data)
	return h.Sum(nil)
}

// Bytes returns the accumulated raw transcript.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the accumulated transcript size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Clone returns an independent copy, used to fork the per-session transcript
// from the negotiation transcript without mutating it.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Buffer{hash: b.hash, data: data}
}

// Reset discards the accumulated transcript. Only a full connection or
// session teardown may call this.
func (b *Buffer) Reset() { b.data = nil }

func (b *Buffer) String() string {
	return fmt.Sprintf("transcript[%d bytes, %v]", len(b.data), b.hash)
}

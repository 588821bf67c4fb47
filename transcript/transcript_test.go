// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package transcript

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"testing"
)

func TestBufferHash(t *testing.T) {
	b := New(crypto.SHA256)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	want := sha256.Sum256([]byte("hello world"))
	if !bytes.Equal(b.Hash(), want[:]) {
		t.Error("digest does not match hash of concatenated appends")
	}
	if b.Len() != len("hello world") {
		t.Errorf("len %d", b.Len())
	}
}

// The digest must be takeable at multiple cut points without disturbing the
// buffer.
func TestBufferCutPoints(t *testing.T) {
	b := New(crypto.SHA256)
	b.Append([]byte("one"))
	first := b.Hash()
	b.Append([]byte("two"))
	second := b.Hash()

	if bytes.Equal(first, second) {
		t.Error("digest unchanged after append")
	}
	want := sha256.Sum256([]byte("onetwo"))
	if !bytes.Equal(second, want[:]) {
		t.Error("second digest incorrect")
	}
}

func TestBufferClone(t *testing.T) {
	b := New(crypto.SHA256)
	b.Append([]byte("shared prefix"))

	c := b.Clone()
	c.Append([]byte("fork"))

	if bytes.Equal(b.Hash(), c.Hash()) {
		t.Error("clone append affected digest equality")
	}
	if !bytes.Equal(b.Bytes(), []byte("shared prefix")) {
		t.Error("clone append mutated the original")
	}
}

func TestBufferSetHash(t *testing.T) {
	b := New(0)
	b.Append([]byte("before negotiation"))
	b.SetHash(crypto.SHA256)

	want := sha256.Sum256([]byte("before negotiation"))
	if !bytes.Equal(b.Hash(), want[:]) {
		t.Error("digest with late-set hash incorrect")
	}
}

func TestBufferReset(t *testing.T) {
	b := New(crypto.SHA256)
	b.Append([]byte("data"))
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("len %d after reset", b.Len())
	}
}

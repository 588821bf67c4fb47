// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package kex

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/device-security/go-spdm/protocol"
)

func TestEcdhSharedSecret(t *testing.T) {
	for _, alg := range []protocol.DheAlg{
		protocol.DheSecp256r1, protocol.DheSecp384r1, protocol.DheSecp521r1,
	} {
		t.Run(alg.String(), func(t *testing.T) {
			a, b := New(alg), New(alg)
			if a == nil || b == nil {
				t.Fatal("no exchanger registered")
			}

			paramA, err := a.Parameter(rand.Reader)
			if err != nil {
				t.Fatal(err)
			}
			paramB, err := b.Parameter(rand.Reader)
			if err != nil {
				t.Fatal(err)
			}
			if len(paramA) != alg.ExchangeSize() {
				t.Errorf("exchange data is %d bytes, expected %d", len(paramA), alg.ExchangeSize())
			}

			secretA, err := a.SharedSecret(paramB)
			if err != nil {
				t.Fatal(err)
			}
			secretB, err := b.SharedSecret(paramA)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(secretA, secretB) {
				t.Error("shared secrets differ")
			}
		})
	}
}

func TestEcdhRejectsBadPeerData(t *testing.T) {
	e := New(protocol.DheSecp256r1)
	if _, err := e.Parameter(rand.Reader); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SharedSecret(make([]byte, 10)); err == nil {
		t.Error("accepted short exchange data")
	}
	if _, err := e.SharedSecret(make([]byte, 64)); err == nil {
		t.Error("accepted off-curve point")
	}
}

func TestEcdhSingleUse(t *testing.T) {
	a, b := New(protocol.DheSecp256r1), New(protocol.DheSecp256r1)
	paramA, err := a.Parameter(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Parameter(rand.Reader); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SharedSecret(paramA); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SharedSecret(paramA); err == nil {
		t.Error("shared secret computed twice from one ephemeral key")
	}
}

func TestUnregisteredGroup(t *testing.T) {
	if e := New(protocol.DheFfdhe2048); e != nil {
		t.Error("got an exchanger for an unregistered group")
	}
}

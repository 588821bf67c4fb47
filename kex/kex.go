// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

// Package kex implements SPDM session key establishment: the ephemeral
// Diffie-Hellman exchange suites and the HKDF-based key schedule that turns a
// shared secret and a transcript hash into handshake and application
// secrets.
package kex

import (
	"io"

	"github.com/device-security/go-spdm/protocol"
)

// Exchanger performs one ephemeral key exchange. An Exchanger is single-use:
// Parameter generates a fresh ephemeral key, and SharedSecret consumes it.
type Exchanger interface {
	// Parameter generates an ephemeral key pair and returns the public share
	// in SPDM wire form, sized per the negotiated group.
	Parameter(rand io.Reader) ([]byte, error)

	// SharedSecret computes the shared secret from the peer's public share.
	// It must be called after Parameter.
	SharedSecret(peer []byte) ([]byte, error)
}

var constructors = make(map[protocol.DheAlg]func() Exchanger)

// RegisterExchanger sets a constructor for a DHE group. It is meant to be
// called from the init function of a package implementing the group.
func RegisterExchanger(alg protocol.DheAlg, f func() Exchanger) {
	constructors[alg] = f
}

// New returns an Exchanger for the negotiated DHE group, or nil if no
// constructor is registered for it.
func New(alg protocol.DheAlg) Exchanger {
	f := constructors[alg]
	if f == nil {
		return nil
	}
	return f()
}

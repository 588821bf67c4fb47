// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package kex

import (
	"crypto/ecdh"
	"fmt"
	"io"

	"github.com/device-security/go-spdm/protocol"
)

func init() {
	RegisterExchanger(protocol.DheSecp256r1, func() Exchanger {
		return &ecdhExchanger{curve: ecdh.P256(), coordSize: 32}
	})
	RegisterExchanger(protocol.DheSecp384r1, func() Exchanger {
		return &ecdhExchanger{curve: ecdh.P384(), coordSize: 48}
	})
	RegisterExchanger(protocol.DheSecp521r1, func() Exchanger {
		return &ecdhExchanger{curve: ecdh.P521(), coordSize: 66}
	})
}

// ecdhExchanger implements Exchanger over the NIST curves. SPDM exchange
// data is the uncompressed point coordinates X||Y without the 0x04 marker
// byte, each coordinate zero-padded to the curve size.
type ecdhExchanger struct {
	curve     ecdh.Curve
	coordSize int
	priv      *ecdh.PrivateKey
}

func (e *ecdhExchanger) Parameter(rand io.Reader) ([]byte, error) {
	key, err := e.curve.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("error generating ephemeral key: %w", err)
	}
	e.priv = key

	// PublicKey bytes are the uncompressed point: 0x04 || X || Y
	return key.PublicKey().Bytes()[1:], nil
}

func (e *ecdhExchanger) SharedSecret(peer []byte) ([]byte, error) {
	if e.priv == nil {
		return nil, fmt.Errorf("no ephemeral key generated")
	}
	if len(peer) != 2*e.coordSize {
		return nil, fmt.Errorf("exchange data is %d bytes, expected %d", len(peer), 2*e.coordSize)
	}

	point := make([]byte, 0, 1+len(peer))
	point = append(point, 0x04)
	point = append(point, peer...)
	pub, err := e.curve.NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("invalid peer exchange data: %w", err)
	}

	secret, err := e.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("error computing shared secret: %w", err)
	}

	// The ephemeral key is single-use.
	e.priv = nil

	return secret, nil
}

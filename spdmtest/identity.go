// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdmtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/device-security/go-spdm"
)

// NewIdentity generates a two-certificate responder identity: a self-signed
// root CA and a leaf signed by it. The returned trust anchors contain the
// root.
func NewIdentity(t *testing.T) (spdm.SlotConfig, spdm.TrustAnchors) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Device Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		t.Fatal(err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatal(err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, rootCert, leafKey.Public(), rootKey)
	if err != nil {
		t.Fatal(err)
	}

	slot := spdm.SlotConfig{
		Chain: [][]byte{rootDER, leafDER},
		Key:   leafKey,
	}
	return slot, spdm.TrustAnchors{rootDER}
}

// NewPair wires a Requester to a Responder over an in-memory transport with
// a generated certificate identity in slot 0.
func NewPair(t *testing.T, reqCfg spdm.RequesterConfig, rspCfg spdm.ResponderConfig) (*spdm.Requester, *spdm.Responder) {
	t.Helper()

	slot, anchors := NewIdentity(t)
	if rspCfg.Slots == nil {
		rspCfg.Slots = map[uint8]spdm.SlotConfig{0: slot}
	}
	responder, err := spdm.NewResponder(rspCfg)
	if err != nil {
		t.Fatal(err)
	}

	if reqCfg.Roots == nil {
		reqCfg.Roots = anchors
	}
	requester, err := spdm.NewRequester(&Transport{T: t, Responder: responder}, reqCfg)
	if err != nil {
		t.Fatal(err)
	}
	return requester, responder
}

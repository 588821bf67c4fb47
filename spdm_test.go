// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/device-security/go-spdm"
	"github.com/device-security/go-spdm/protocol"
	"github.com/device-security/go-spdm/spdmtest"
)

func TestNegotiate(t *testing.T) {
	requester, responder := spdmtest.NewPair(t, spdm.RequesterConfig{}, spdm.ResponderConfig{})

	if err := requester.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if requester.State() != spdm.StateAlgorithmsNegotiated {
		t.Errorf("requester state %s", requester.State())
	}
	if responder.State() != spdm.StateAlgorithmsNegotiated {
		t.Errorf("responder state %s", responder.State())
	}

	suite := requester.Suite()
	if suite == nil {
		t.Fatal("no negotiated suite")
	}
	// Defaults on both sides select the strongest common algorithms.
	if suite.Hash != protocol.HashSha512 {
		t.Errorf("hash %s", suite.Hash)
	}
	if suite.Asym != protocol.AsymEcdsaP521 {
		t.Errorf("asym %s", suite.Asym)
	}
	if suite.Dhe != protocol.DheSecp521r1 {
		t.Errorf("dhe %s", suite.Dhe)
	}
	if suite.Aead != protocol.AeadAes256Gcm {
		t.Errorf("aead %s", suite.Aead)
	}
}

func TestNegotiateNoCommonVersion(t *testing.T) {
	requester, _ := spdmtest.NewPair(t,
		spdm.RequesterConfig{Versions: []protocol.Version{protocol.Version11}},
		spdm.ResponderConfig{Versions: []protocol.Version{protocol.Version12}},
	)

	err := requester.Negotiate(context.Background())
	var negErr *spdm.NegotiationError
	if !errors.As(err, &negErr) {
		t.Fatalf("got %v, expected NegotiationError", err)
	}
	if requester.State() != spdm.StateFailed {
		t.Errorf("requester state %s after failed negotiation", requester.State())
	}
}

func TestNegotiateNoCommonAlgorithms(t *testing.T) {
	requester, _ := spdmtest.NewPair(t,
		spdm.RequesterConfig{SupportedAead: uint16(protocol.AeadChacha20Poly1305)},
		spdm.ResponderConfig{SupportedAead: uint16(protocol.AeadAes128Gcm)},
	)

	if err := requester.Negotiate(context.Background()); err == nil {
		t.Fatal("negotiation succeeded with disjoint AEAD sets")
	}
	if requester.State() != spdm.StateFailed {
		t.Errorf("requester state %s after failed negotiation", requester.State())
	}
}

func TestAuthenticate(t *testing.T) {
	requester, _ := spdmtest.NewPair(t, spdm.RequesterConfig{}, spdm.ResponderConfig{})
	ctx := context.Background()

	if err := requester.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := requester.Authenticate(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if requester.State() != spdm.StateAuthenticated {
		t.Errorf("requester state %s", requester.State())
	}
	chain := requester.Chain()
	if chain == nil || len(chain.Certs) != 2 {
		t.Fatal("no verified chain after authentication")
	}
}

// Small portions force GET_CERTIFICATE paging; the reassembled chain must
// still verify and the challenge must still pass, since both transcripts
// contain every paged exchange.
func TestAuthenticatePagedCertificate(t *testing.T) {
	requester, _ := spdmtest.NewPair(t,
		spdm.RequesterConfig{MaxCertPortion: 64},
		spdm.ResponderConfig{},
	)
	ctx := context.Background()

	if err := requester.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := requester.Authenticate(ctx, 0); err != nil {
		t.Fatal(err)
	}
}

// A responder whose signer does not match its certificate chain must be
// rejected by challenge signature verification.
func TestAuthenticateForgedSignature(t *testing.T) {
	slot, anchors := spdmtest.NewIdentity(t)
	wrongKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	slot.Key = wrongKey

	responder, err := spdm.NewResponder(spdm.ResponderConfig{
		Slots: map[uint8]spdm.SlotConfig{0: slot},
	})
	if err != nil {
		t.Fatal(err)
	}
	requester, err := spdm.NewRequester(&spdmtest.Transport{T: t, Responder: responder}, spdm.RequesterConfig{Roots: anchors})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := requester.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	err = requester.Authenticate(ctx, 0)
	var authErr *spdm.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, expected AuthenticationError", err)
	}
	if !errors.Is(err, spdm.ErrCryptoVerifyFailed) {
		t.Errorf("got %v, expected wrapped ErrCryptoVerifyFailed", err)
	}
	if requester.State() != spdm.StateFailed {
		t.Errorf("requester state %s", requester.State())
	}
}

func TestAuthenticateUntrustedRoot(t *testing.T) {
	slot, _ := spdmtest.NewIdentity(t)
	_, otherAnchors := spdmtest.NewIdentity(t)

	responder, err := spdm.NewResponder(spdm.ResponderConfig{
		Slots: map[uint8]spdm.SlotConfig{0: slot},
	})
	if err != nil {
		t.Fatal(err)
	}
	requester, err := spdm.NewRequester(&spdmtest.Transport{T: t, Responder: responder}, spdm.RequesterConfig{Roots: otherAnchors})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := requester.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	err = requester.Authenticate(ctx, 0)
	var authErr *spdm.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, expected AuthenticationError", err)
	}
}

// A second authentication on a fresh negotiation skips certificate
// retrieval because the advertised digest matches the cached chain.
func TestAuthenticateDigestCache(t *testing.T) {
	requester, _ := spdmtest.NewPair(t, spdm.RequesterConfig{}, spdm.ResponderConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := requester.Negotiate(ctx); err != nil {
			t.Fatal(err)
		}
		if err := requester.Authenticate(ctx, 0); err != nil {
			t.Fatal(err)
		}
	}
}

// runawayTransport answers every GET_CERTIFICATE with a full portion that
// always reports more bytes remaining. Everything else passes through.
type runawayTransport struct {
	inner       spdm.Transport
	certPending bool
}

func (t *runawayTransport) Send(ctx context.Context, msg []byte) error {
	t.certPending = len(msg) >= 2 && protocol.Code(msg[1]) == protocol.GetCertificateCode
	if t.certPending {
		return nil
	}
	return t.inner.Send(ctx, msg)
}

func (t *runawayTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.certPending {
		return protocol.Encode(protocol.Version12, protocol.Certificate{
			RemainderLength: 0xffff,
			Portion:         make([]byte, 512),
		})
	}
	return t.inner.Receive(ctx)
}

// A responder that never stops reporting remaining certificate bytes must
// not make the paging loop buffer without bound: offsets are 16 bits, so a
// chain past 0xffff bytes can only be hostile.
func TestGetCertificateRunawayRemainder(t *testing.T) {
	slot, anchors := spdmtest.NewIdentity(t)
	responder, err := spdm.NewResponder(spdm.ResponderConfig{
		Slots: map[uint8]spdm.SlotConfig{0: slot},
	})
	if err != nil {
		t.Fatal(err)
	}
	transport := &runawayTransport{inner: &spdmtest.Transport{T: t, Responder: responder}}
	requester, err := spdm.NewRequester(transport, spdm.RequesterConfig{Roots: anchors})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := requester.Negotiate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.GetCertificate(ctx, 0); err == nil {
		t.Fatal("paging loop accepted an endless certificate chain")
	}
	if requester.State() != spdm.StateFailed {
		t.Errorf("requester state %s after runaway chain", requester.State())
	}
}

// Requests sent before their protocol stage must be answered with an SPDM
// ERROR, never served.
func TestResponderRejectsOutOfOrder(t *testing.T) {
	_, responder := spdmtest.NewPair(t, spdm.RequesterConfig{}, spdm.ResponderConfig{})
	ctx := context.Background()

	challenge, err := protocol.Encode(protocol.Version12, protocol.Challenge{})
	if err != nil {
		t.Fatal(err)
	}
	rsp := responder.Respond(ctx, challenge)
	msg, err := protocol.Decode(rsp, protocol.Sizes{})
	if err != nil {
		t.Fatal(err)
	}
	errMsg, ok := msg.Body.(*protocol.ErrorMessage)
	if !ok {
		t.Fatalf("got %s, expected ERROR", msg.Body.Type())
	}
	if errMsg.Code != protocol.ErrUnexpectedRequest {
		t.Errorf("error code %s, expected UnexpectedRequest", errMsg.Code)
	}
}

func TestResponderRejectsGarbage(t *testing.T) {
	_, responder := spdmtest.NewPair(t, spdm.RequesterConfig{}, spdm.ResponderConfig{})
	ctx := context.Background()

	for _, req := range [][]byte{
		nil,
		{0x12},
		{0x12, 0x84},
		{0xff, 0xff, 0xff, 0xff},
	} {
		rsp := responder.Respond(ctx, req)
		msg, err := protocol.Decode(rsp, protocol.Sizes{})
		if err != nil {
			t.Fatalf("responder answered % x with undecodable % x", req, rsp)
		}
		if _, ok := msg.Body.(*protocol.ErrorMessage); !ok {
			t.Errorf("responder answered % x with %s, expected ERROR", req, msg.Body.Type())
		}
	}
}

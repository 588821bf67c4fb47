// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/device-security/go-spdm/protocol"
	"github.com/device-security/go-spdm/transcript"
)

// RequesterConfig selects what a Requester offers during negotiation and
// which roots it trusts.
type RequesterConfig struct {
	// Roots anchors responder certificate chains. Required.
	Roots TrustStore

	// Versions this requester accepts, highest-common wins. Defaults to
	// {1.1, 1.2}.
	Versions []protocol.Version

	// Capabilities advertised in GET_CAPABILITIES. Defaults to challenge
	// authentication plus encrypted sessions with key exchange, PSK,
	// heartbeat, and key update.
	Capabilities protocol.CapabilityFlags

	// RequiredCapabilities must survive capability intersection or
	// negotiation fails. Defaults to certificate and challenge support.
	RequiredCapabilities protocol.CapabilityFlags

	// CTExponent bounds this endpoint's crypto processing time.
	CTExponent uint8

	// Algorithm masks offered in NEGOTIATE_ALGORITHMS. Defaults cover every
	// algorithm this package implements.
	SupportedHash uint32
	SupportedAsym uint32
	SupportedDhe  uint16
	SupportedAead uint16

	// MaxCertPortion caps each GET_CERTIFICATE request. Defaults to 512.
	MaxCertPortion uint16

	// Rand is the entropy source, crypto/rand by default.
	Rand io.Reader
}

func (cfg *RequesterConfig) applyDefaults() {
	if len(cfg.Versions) == 0 {
		cfg.Versions = []protocol.Version{protocol.Version11, protocol.Version12}
	}
	if cfg.Capabilities == 0 {
		cfg.Capabilities = protocol.CapCert | protocol.CapChallenge |
			protocol.CapEncrypt | protocol.CapMac | protocol.CapKeyExchange |
			protocol.CapPskWithContext | protocol.CapHeartbeat | protocol.CapKeyUpdate
	}
	if cfg.RequiredCapabilities == 0 {
		cfg.RequiredCapabilities = protocol.CapCert | protocol.CapChallenge
	}
	if cfg.SupportedHash == 0 {
		cfg.SupportedHash = uint32(protocol.HashSha256 | protocol.HashSha384 | protocol.HashSha512)
	}
	if cfg.SupportedAsym == 0 {
		cfg.SupportedAsym = uint32(protocol.AsymEcdsaP256 | protocol.AsymEcdsaP384 | protocol.AsymEcdsaP521 |
			protocol.AsymRsassa2048 | protocol.AsymRsassa3072 | protocol.AsymRsapss2048 | protocol.AsymRsapss3072)
	}
	if cfg.SupportedDhe == 0 {
		cfg.SupportedDhe = uint16(protocol.DheSecp256r1 | protocol.DheSecp384r1 | protocol.DheSecp521r1)
	}
	if cfg.SupportedAead == 0 {
		cfg.SupportedAead = uint16(protocol.AeadAes128Gcm | protocol.AeadAes256Gcm | protocol.AeadChacha20Poly1305)
	}
	if cfg.MaxCertPortion == 0 {
		cfg.MaxCertPortion = 512
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
}

// Requester drives the SPDM protocol against one Responder. Methods must be
// called in protocol order: Negotiate, then Authenticate, then session
// establishment. A Requester is not safe for concurrent use.
type Requester struct {
	transport Transport
	cfg       RequesterConfig

	state    State
	version  protocol.Version
	peerCaps protocol.CapabilityFlags
	caps     protocol.CapabilityFlags
	suite    *Suite

	// msgA holds the negotiation messages, msgB the certificate discovery
	// messages; challenge signatures cover both.
	msgA *transcript.Buffer
	msgB *transcript.Buffer

	chain      *CertificateChain
	chainCache map[string]*CertificateChain

	sessions      map[uint32]*Session
	nextSessionID uint16
}

// NewRequester creates a Requester over a transport.
func NewRequester(transport Transport, cfg RequesterConfig) (*Requester, error) {
	if transport == nil {
		return nil, errors.New("transport must be provided")
	}
	if cfg.Roots == nil {
		return nil, errors.New("a trust store must be provided")
	}
	cfg.applyDefaults()
	return &Requester{
		transport:     transport,
		cfg:           cfg,
		chainCache:    make(map[string]*CertificateChain),
		sessions:      make(map[uint32]*Session),
		nextSessionID: 1,
	}, nil
}

// State returns the connection state.
func (r *Requester) State() State { return r.state }

// Suite returns the negotiated algorithm selection, nil before negotiation
// completes.
func (r *Requester) Suite() *Suite { return r.suite }

// Chain returns the verified responder certificate chain, nil before
// certificate retrieval.
func (r *Requester) Chain() *CertificateChain { return r.chain }

func (r *Requester) sizes() protocol.Sizes {
	if r.suite == nil {
		return protocol.Sizes{}
	}
	return r.suite.Sizes()
}

// fail marks the connection dead. Only Negotiate restarts it.
func (r *Requester) fail(err error) error {
	r.state = StateFailed
	return err
}

// sendRecv performs one request/response exchange at the given version and
// appends both raw messages to the provided transcripts on success.
func (r *Requester) sendRecv(ctx context.Context, version protocol.Version, body protocol.Body, want protocol.Code, transcripts ...*transcript.Buffer) (*protocol.Message, error) {
	req, err := protocol.Encode(version, body)
	if err != nil {
		return nil, fmt.Errorf("error encoding %s: %w", body.Type(), err)
	}
	if err := r.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("error sending %s: %w", body.Type(), err)
	}
	raw, err := r.transport.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("error receiving response to %s: %w", body.Type(), err)
	}
	msg, err := protocol.Decode(raw, r.sizes())
	if err != nil {
		return nil, fmt.Errorf("error decoding response to %s: %w", body.Type(), err)
	}
	if errMsg, ok := msg.Body.(*protocol.ErrorMessage); ok {
		return nil, fmt.Errorf("responder rejected %s: %w", body.Type(), errMsg)
	}
	if msg.Body.Type() != want {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedMessage, msg.Body.Type(), want)
	}
	if msg.Version != version {
		return nil, fmt.Errorf("response version %s does not match request version %s", msg.Version, version)
	}
	for _, t := range transcripts {
		t.Append(req)
		t.Append(msg.Raw)
	}
	return msg, nil
}

// Negotiate runs version, capability, and algorithm negotiation. It resets
// all prior connection state, including verified certificates and the
// transcript; established sessions are unaffected.
func (r *Requester) Negotiate(ctx context.Context) error {
	r.state = StateUnstarted
	r.suite = nil
	r.chain = nil
	r.msgA = transcript.New(0)
	r.msgB = nil

	// GET_VERSION is always sent as 1.0; nothing is negotiated yet.
	msg, err := r.sendRecv(ctx, protocol.Version10, protocol.GetVersion{}, protocol.VersionCode, r.msgA)
	if err != nil {
		return r.fail(err)
	}
	versions := msg.Body.(*protocol.VersionResponse).Versions
	version, ok := r.selectVersion(versions)
	if !ok {
		return r.fail(&NegotiationError{Stage: "version", Detail: "no common version"})
	}
	r.version = version
	r.state = StateVersionNegotiated

	msg, err = r.sendRecv(ctx, r.version, protocol.GetCapabilities{
		CTExponent: r.cfg.CTExponent,
		Flags:      r.cfg.Capabilities,
	}, protocol.CapabilitiesCode, r.msgA)
	if err != nil {
		return r.fail(err)
	}
	r.peerCaps = msg.Body.(*protocol.Capabilities).Flags
	r.caps = r.cfg.Capabilities.Common(r.peerCaps)
	if !r.caps.Has(r.cfg.RequiredCapabilities) {
		return r.fail(&NegotiationError{
			Stage:  "capabilities",
			Detail: fmt.Sprintf("required capabilities missing from %s", r.caps),
		})
	}
	r.state = StateCapabilitiesNegotiated

	msg, err = r.sendRecv(ctx, r.version, protocol.NegotiateAlgorithms{
		MeasurementSpec: 1, // DMTF
		BaseAsym:        r.cfg.SupportedAsym,
		BaseHash:        r.cfg.SupportedHash,
		Dhe:             r.cfg.SupportedDhe,
		Aead:            r.cfg.SupportedAead,
		ReqBaseAsym:     0,
		KeySchedule:     uint16(protocol.KeySchedSpdm),
	}, protocol.AlgorithmsCode, r.msgA)
	if err != nil {
		return r.fail(err)
	}
	suite, err := r.checkSelection(msg.Body.(*protocol.Algorithms))
	if err != nil {
		return r.fail(err)
	}
	r.suite = suite
	r.msgA.SetHash(suite.hashFunc)
	r.state = StateAlgorithmsNegotiated

	slog.Debug("negotiated", "version", r.version, "capabilities", r.caps,
		"hash", suite.Hash, "asym", suite.Asym, "dhe", suite.Dhe, "aead", suite.Aead)
	return nil
}

// selectVersion picks the highest version common to both peers.
func (r *Requester) selectVersion(offered []protocol.VersionNumber) (protocol.Version, bool) {
	var best protocol.Version
	for _, entry := range offered {
		v := entry.Version()
		if v <= best {
			continue
		}
		for _, supported := range r.cfg.Versions {
			if v == supported {
				best = v
			}
		}
	}
	return best, best != 0
}

// checkSelection validates the responder's algorithm selection: each field
// must be a single algorithm drawn from what this requester offered.
func (r *Requester) checkSelection(sel *protocol.Algorithms) (*Suite, error) {
	check32 := func(name string, got, offered uint32) error {
		if bits.OnesCount32(got) != 1 || got&offered == 0 {
			return &NegotiationError{Stage: "algorithms", Detail: fmt.Sprintf("invalid %s selection %#x", name, got)}
		}
		return nil
	}
	check16 := func(name string, got, offered uint16) error {
		return check32(name, uint32(got), uint32(offered))
	}

	if err := check32("hash", sel.BaseHashSel, r.cfg.SupportedHash); err != nil {
		return nil, err
	}
	if err := check32("asym", sel.BaseAsymSel, r.cfg.SupportedAsym); err != nil {
		return nil, err
	}
	if err := check16("dhe", sel.DheSel, r.cfg.SupportedDhe); err != nil {
		return nil, err
	}
	if err := check16("aead", sel.AeadSel, r.cfg.SupportedAead); err != nil {
		return nil, err
	}
	if err := check16("key schedule", sel.KeyScheduleSel, uint16(protocol.KeySchedSpdm)); err != nil {
		return nil, err
	}

	suite, err := newSuite(r.version,
		protocol.HashAlg(sel.BaseHashSel), protocol.AsymAlg(sel.BaseAsymSel),
		protocol.DheAlg(sel.DheSel), protocol.AeadAlg(sel.AeadSel))
	if err != nil {
		return nil, &NegotiationError{Stage: "algorithms", Detail: err.Error()}
	}
	return suite, nil
}

// GetDigests retrieves the certificate chain digest of every populated slot.
func (r *Requester) GetDigests(ctx context.Context) (*protocol.Digests, error) {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return nil, fmt.Errorf("connection is %s, algorithms not negotiated", r.state)
	}
	if r.msgB == nil {
		r.msgB = transcript.New(r.suite.hashFunc)
	}
	msg, err := r.sendRecv(ctx, r.version, protocol.GetDigests{}, protocol.DigestsCode, r.msgB)
	if err != nil {
		return nil, r.fail(err)
	}
	if r.state < StateDigestsObtained {
		r.state = StateDigestsObtained
	}
	return msg.Body.(*protocol.Digests), nil
}

// GetCertificate retrieves and verifies the certificate chain in a slot,
// paging with GET_CERTIFICATE until the responder reports no remainder.
func (r *Requester) GetCertificate(ctx context.Context, slotID uint8) (*CertificateChain, error) {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return nil, fmt.Errorf("connection is %s, algorithms not negotiated", r.state)
	}
	if r.msgB == nil {
		r.msgB = transcript.New(r.suite.hashFunc)
	}

	var blob []byte
	for offset := uint16(0); ; {
		msg, err := r.sendRecv(ctx, r.version, protocol.GetCertificate{
			SlotID: slotID,
			Offset: offset,
			Length: r.cfg.MaxCertPortion,
		}, protocol.CertificateCode, r.msgB)
		if err != nil {
			return nil, r.fail(err)
		}
		portion := msg.Body.(*protocol.Certificate)
		if portion.SlotID != slotID {
			return nil, r.fail(fmt.Errorf("certificate portion for slot %d, requested %d", portion.SlotID, slotID))
		}
		if len(portion.Portion) == 0 && portion.RemainderLength > 0 {
			return nil, r.fail(fmt.Errorf("empty certificate portion with %d bytes remaining", portion.RemainderLength))
		}
		blob = append(blob, portion.Portion...)
		// Offsets are 16 bits on the wire, so no well-formed chain blob
		// exceeds 0xffff bytes. A peer reporting remainder past that is
		// stringing the loop along.
		if len(blob) > 0xffff {
			return nil, r.fail(fmt.Errorf("certificate chain exceeds %d bytes", 0xffff))
		}
		if portion.RemainderLength == 0 {
			break
		}
		offset = uint16(len(blob))
	}

	chain, err := verifyCertChain(ctx, blob, r.suite.hashFunc, r.cfg.Roots)
	if err != nil {
		return nil, r.fail(err)
	}
	r.chain = chain
	r.chainCache[string(chain.Digest)] = chain
	if r.state < StateCertificateObtained {
		r.state = StateCertificateObtained
	}
	slog.Debug("verified responder certificate chain",
		"slot", slotID, "leaf", chain.Leaf().Subject.String(), "certs", len(chain.Certs))
	return chain, nil
}

// Challenge proves the responder holds the private key of the retrieved
// certificate chain's leaf. On success the connection is authenticated.
func (r *Requester) Challenge(ctx context.Context, slotID uint8) error {
	if !r.state.reached(StateCertificateObtained) {
		return fmt.Errorf("connection is %s, no verified certificate chain", r.state)
	}

	var nonce protocol.Nonce
	if _, err := io.ReadFull(r.cfg.Rand, nonce[:]); err != nil {
		return fmt.Errorf("error generating nonce: %w", err)
	}

	m1 := transcript.New(r.suite.hashFunc)
	m1.Append(r.msgA.Bytes())
	m1.Append(r.msgB.Bytes())

	msg, err := r.sendRecv(ctx, r.version, protocol.Challenge{
		SlotID: slotID,
		Nonce:  nonce,
	}, protocol.ChallengeAuthCode, m1)
	if err != nil {
		return r.fail(err)
	}
	auth := msg.Body.(*protocol.ChallengeAuth)

	if string(auth.CertChainHash) != string(r.chain.Digest) {
		return r.fail(&AuthenticationError{Reason: "challenge certificate chain hash mismatch", Err: ErrCryptoVerifyFailed})
	}

	// The signature covers the whole transcript up to, but excluding, the
	// signature field itself.
	signed := m1.Bytes()[:m1.Len()-len(auth.Signature)]
	if err := r.suite.verify(r.chain.Leaf().PublicKey, r.suite.hashSum(signed), auth.Signature); err != nil {
		return r.fail(&AuthenticationError{Reason: "challenge signature", Err: err})
	}

	r.state = StateAuthenticated
	slog.Debug("responder authenticated", "slot", slotID)
	return nil
}

// Authenticate retrieves digests and the certificate chain for a slot and
// challenges the responder. Chains whose digest matches a previously
// verified chain skip retrieval.
func (r *Requester) Authenticate(ctx context.Context, slotID uint8) error {
	digests, err := r.GetDigests(ctx)
	if err != nil {
		return err
	}
	if digests.SlotMask&(1<<slotID) == 0 {
		return r.fail(fmt.Errorf("slot %d is not populated", slotID))
	}

	slot := 0
	for i := uint8(0); i < slotID; i++ {
		if digests.SlotMask&(1<<i) != 0 {
			slot++
		}
	}
	if cached, ok := r.chainCache[string(digests.Digests[slot])]; ok {
		r.chain = cached
		if r.state < StateCertificateObtained {
			r.state = StateCertificateObtained
		}
	} else if _, err := r.GetCertificate(ctx, slotID); err != nil {
		return err
	}

	return r.Challenge(ctx, slotID)
}

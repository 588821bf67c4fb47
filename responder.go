// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/device-security/go-spdm/protocol"
	"github.com/device-security/go-spdm/transcript"
)

// PskStore resolves pre-shared keys from the hint carried by PSK_EXCHANGE.
type PskStore interface {
	// Psk returns the key for a hint, or an error if no key is provisioned.
	Psk(ctx context.Context, hint []byte) ([]byte, error)
}

// StaticPsks is an in-memory PskStore keyed by hint bytes.
type StaticPsks map[string][]byte

// Psk implements PskStore.
func (p StaticPsks) Psk(_ context.Context, hint []byte) ([]byte, error) {
	psk, ok := p[string(hint)]
	if !ok {
		return nil, fmt.Errorf("no PSK provisioned for hint %x", hint)
	}
	return psk, nil
}

// SlotConfig is one certificate slot: a DER chain running root first, leaf
// last, and the signer holding the leaf private key.
type SlotConfig struct {
	Chain [][]byte
	Key   crypto.Signer
}

// ResponderConfig provisions a Responder's identity and negotiation policy.
type ResponderConfig struct {
	// Slots holds the certificate chains, indexed by slot ID 0 through 7.
	// Required unless only PSK sessions are served.
	Slots map[uint8]SlotConfig

	// Psks resolves PSK_EXCHANGE hints. Nil disables PSK sessions.
	Psks PskStore

	// AppHandler serves application data received in established sessions.
	// Nil rejects application data with an in-session ERROR.
	AppHandler func(ctx context.Context, sessionID uint32, data []byte) ([]byte, error)

	// Versions this responder serves. Defaults to {1.1, 1.2}.
	Versions []protocol.Version

	// Capabilities advertised in CAPABILITIES. The default matches the slot
	// and PSK provisioning.
	Capabilities protocol.CapabilityFlags

	// CTExponent bounds this endpoint's crypto processing time.
	CTExponent uint8

	// Algorithm masks this responder accepts.
	SupportedHash uint32
	SupportedAsym uint32
	SupportedDhe  uint16
	SupportedAead uint16

	// HeartbeatPeriod is the keepalive interval offered to sessions, in
	// seconds. Zero disables heartbeats.
	HeartbeatPeriod uint8

	// MaxSessions bounds concurrently live sessions. Defaults to 4.
	MaxSessions int

	// MaxCertPortion caps each CERTIFICATE response. Defaults to 512.
	MaxCertPortion uint16

	// Rand is the entropy source, crypto/rand by default.
	Rand io.Reader
}

func (cfg *ResponderConfig) applyDefaults() {
	if len(cfg.Versions) == 0 {
		cfg.Versions = []protocol.Version{protocol.Version11, protocol.Version12}
	}
	if cfg.Capabilities == 0 {
		cfg.Capabilities = protocol.CapEncrypt | protocol.CapMac |
			protocol.CapHeartbeat | protocol.CapKeyUpdate
		if len(cfg.Slots) > 0 {
			cfg.Capabilities |= protocol.CapCert | protocol.CapChallenge | protocol.CapKeyExchange
		}
		if cfg.Psks != nil {
			cfg.Capabilities |= protocol.CapPskWithContext
		}
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
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 4
	}
	if cfg.MaxCertPortion == 0 {
		cfg.MaxCertPortion = 512
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
}

// Responder answers SPDM requests. One Responder serves one connection's
// worth of negotiation state plus its established sessions; it is not safe
// for concurrent use.
type Responder struct {
	cfg ResponderConfig

	state    State
	version  protocol.Version
	peerCaps protocol.CapabilityFlags
	caps     protocol.CapabilityFlags
	suite    *Suite

	msgA *transcript.Buffer
	msgB *transcript.Buffer

	// Chain blobs and digests are rebuilt whenever the hash is negotiated,
	// since the blob embeds a root hash of negotiated width.
	blobs   map[uint8][]byte
	digests map[uint8][]byte

	sessions  map[uint32]*Session
	pending   *Session
	nextRspID uint16
}

// NewResponder creates a Responder from its provisioned identity.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	for id, slot := range cfg.Slots {
		if id > 7 {
			return nil, fmt.Errorf("slot ID %d out of range", id)
		}
		if len(slot.Chain) == 0 {
			return nil, fmt.Errorf("slot %d has an empty certificate chain", id)
		}
		if slot.Key == nil {
			return nil, fmt.Errorf("slot %d has no signer", id)
		}
	}
	cfg.applyDefaults()
	if cfg.Slots == nil && cfg.Psks == nil {
		return nil, errors.New("no certificate slots and no PSKs provisioned")
	}
	return &Responder{
		cfg:       cfg,
		sessions:  make(map[uint32]*Session),
		nextRspID: 1,
	}, nil
}

// State returns the connection state as seen by the responder.
func (r *Responder) State() State { return r.state }

// Serve answers requests from a transport until the context is canceled or
// the transport fails.
func (r *Responder) Serve(ctx context.Context, t Transport) error {
	for {
		req, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("error receiving request: %w", err)
		}
		if err := t.Send(ctx, r.Respond(ctx, req)); err != nil {
			return fmt.Errorf("error sending response: %w", err)
		}
	}
}

// Respond handles one request and always produces a response, falling back
// to an SPDM ERROR message for anything it cannot serve.
func (r *Responder) Respond(ctx context.Context, req []byte) []byte {
	if sess := r.sessionFor(req); sess != nil {
		return r.respondSecured(ctx, sess, req)
	}

	msg, err := protocol.Decode(req, r.sizes())
	if err != nil {
		slog.Debug("rejecting request", "error", err)
		var unsupported protocol.UnsupportedCodeError
		if errors.As(err, &unsupported) {
			return r.errorMsg(protocol.ErrUnsupportedRequest)
		}
		return r.errorMsg(protocol.ErrInvalidRequest)
	}
	if !msg.Body.Type().IsRequest() {
		return r.errorMsg(protocol.ErrInvalidResponseCode)
	}

	// GET_VERSION arrives as 1.0 and resets the connection; everything else
	// must carry the negotiated version.
	if msg.Body.Type() != protocol.GetVersionCode {
		if r.state == StateUnstarted {
			return r.errorMsg(protocol.ErrUnexpectedRequest)
		}
		if msg.Version != r.version && r.state != StateVersionNegotiated {
			return r.errorMsg(protocol.ErrVersionMismatch)
		}
	}

	switch body := msg.Body.(type) {
	case *protocol.GetVersion:
		return r.respondVersion(msg)
	case *protocol.GetCapabilities:
		return r.respondCapabilities(msg, body)
	case *protocol.NegotiateAlgorithms:
		return r.respondAlgorithms(msg, body)
	case *protocol.GetDigests:
		return r.respondDigests(msg)
	case *protocol.GetCertificate:
		return r.respondCertificate(msg, body)
	case *protocol.Challenge:
		return r.respondChallenge(msg, body)
	case *protocol.KeyExchange:
		return r.respondKeyExchange(msg, body)
	case *protocol.Finish:
		return r.respondFinish(msg, body)
	case *protocol.PskExchange:
		return r.respondPskExchange(ctx, msg, body)
	case *protocol.PskFinish:
		return r.respondPskFinish(msg, body)
	default:
		// Session-scoped requests outside a sealed record.
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
}

func (r *Responder) sizes() protocol.Sizes {
	if r.suite == nil {
		return protocol.Sizes{}
	}
	return r.suite.Sizes()
}

// errorMsg encodes an SPDM ERROR response at the connection version.
func (r *Responder) errorMsg(code protocol.ErrCode) []byte {
	version := r.version
	if version == 0 {
		version = protocol.Version10
	}
	raw, err := protocol.Encode(version, protocol.ErrorMessage{Code: code})
	if err != nil {
		// ErrorMessage encoding cannot fail; keep the compiler honest.
		panic(err)
	}
	return raw
}

// reply encodes a response, degrading to ERROR Unspecified on encoding
// failure.
func (r *Responder) reply(version protocol.Version, body protocol.Body, transcripts ...*transcript.Buffer) []byte {
	raw, err := protocol.Encode(version, body)
	if err != nil {
		slog.Debug("error encoding response", "type", body.Type(), "error", err)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	for _, t := range transcripts {
		t.Append(raw)
	}
	return raw
}

func (r *Responder) respondVersion(msg *protocol.Message) []byte {
	if msg.Version != protocol.Version10 {
		return r.errorMsg(protocol.ErrVersionMismatch)
	}

	// GET_VERSION resets all negotiation state. Established sessions
	// survive; their keys are already independent of it. A handshake still
	// waiting on FINISH is abandoned along with the negotiation it hangs off.
	r.state = StateVersionNegotiated
	r.version = 0
	r.suite = nil
	r.msgA = transcript.New(0)
	r.msgB = nil
	if r.pending != nil {
		r.removeSession(r.pending)
	}
	r.msgA.Append(msg.Raw)

	versions := make([]protocol.VersionNumber, 0, len(r.cfg.Versions))
	for _, v := range r.cfg.Versions {
		versions = append(versions, protocol.VersionNumber{Major: v.Major(), Minor: v.Minor()})
	}
	return r.reply(protocol.Version10, protocol.VersionResponse{Versions: versions}, r.msgA)
}

func (r *Responder) respondCapabilities(msg *protocol.Message, body *protocol.GetCapabilities) []byte {
	if r.state != StateVersionNegotiated {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	supported := false
	for _, v := range r.cfg.Versions {
		supported = supported || v == msg.Version
	}
	if !supported {
		return r.errorMsg(protocol.ErrVersionMismatch)
	}

	r.version = msg.Version
	r.peerCaps = body.Flags
	r.caps = r.cfg.Capabilities.Common(body.Flags)
	r.state = StateCapabilitiesNegotiated
	r.msgA.Append(msg.Raw)

	return r.reply(r.version, protocol.Capabilities{
		CTExponent: r.cfg.CTExponent,
		Flags:      r.cfg.Capabilities,
	}, r.msgA)
}

func (r *Responder) respondAlgorithms(msg *protocol.Message, body *protocol.NegotiateAlgorithms) []byte {
	if r.state != StateCapabilitiesNegotiated {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}

	hash, okHash := protocol.SelectHash(r.cfg.SupportedHash, body.BaseHash)
	asym, okAsym := protocol.SelectAsym(r.cfg.SupportedAsym, body.BaseAsym)
	dhe, okDhe := protocol.SelectDhe(r.cfg.SupportedDhe, body.Dhe)
	aead, okAead := protocol.SelectAead(r.cfg.SupportedAead, body.Aead)
	if !okHash || !okAsym || !okDhe || !okAead || body.KeySchedule&uint16(protocol.KeySchedSpdm) == 0 {
		slog.Debug("no common algorithms",
			"hash", body.BaseHash, "asym", body.BaseAsym, "dhe", body.Dhe, "aead", body.Aead)
		return r.errorMsg(protocol.ErrInvalidRequest)
	}

	suite, err := newSuite(r.version, hash, asym, dhe, aead)
	if err != nil {
		slog.Debug("cannot serve selection", "error", err)
		return r.errorMsg(protocol.ErrUnsupportedRequest)
	}
	r.suite = suite
	r.msgA.SetHash(suite.hashFunc)
	r.buildChains()
	r.state = StateAlgorithmsNegotiated
	r.msgA.Append(msg.Raw)

	slog.Debug("negotiated", "version", r.version, "capabilities", r.caps,
		"hash", hash, "asym", asym, "dhe", dhe, "aead", aead)
	return r.reply(r.version, protocol.Algorithms{
		MeasurementSpecSel: body.MeasurementSpec & 1,
		BaseAsymSel:        uint32(asym),
		BaseHashSel:        uint32(hash),
		DheSel:             uint16(dhe),
		AeadSel:            uint16(aead),
		KeyScheduleSel:     uint16(protocol.KeySchedSpdm),
	}, r.msgA)
}

// buildChains encodes each slot's chain blob under the negotiated hash.
func (r *Responder) buildChains() {
	r.blobs = make(map[uint8][]byte, len(r.cfg.Slots))
	r.digests = make(map[uint8][]byte, len(r.cfg.Slots))
	for id, slot := range r.cfg.Slots {
		blob, err := protocol.CertChain{
			RootHash:     r.suite.hashSum(slot.Chain[0]),
			Certificates: slot.Chain,
		}.MarshalBinary()
		if err != nil {
			slog.Debug("slot chain does not encode", "slot", id, "error", err)
			continue
		}
		r.blobs[id] = blob
		r.digests[id] = r.suite.hashSum(blob)
	}
}

func (r *Responder) slotMask() uint8 {
	var mask uint8
	for id := range r.blobs {
		mask |= 1 << id
	}
	return mask
}

func (r *Responder) respondDigests(msg *protocol.Message) []byte {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	if !r.cfg.Capabilities.Has(protocol.CapCert) {
		return r.errorMsg(protocol.ErrUnsupportedRequest)
	}
	if r.msgB == nil {
		r.msgB = transcript.New(r.suite.hashFunc)
	}
	r.msgB.Append(msg.Raw)

	mask := r.slotMask()
	digests := make([][]byte, 0, bits.OnesCount8(mask))
	for id := uint8(0); id < 8; id++ {
		if mask&(1<<id) != 0 {
			digests = append(digests, r.digests[id])
		}
	}
	if r.state < StateDigestsObtained {
		r.state = StateDigestsObtained
	}
	return r.reply(r.version, protocol.Digests{SlotMask: mask, Digests: digests}, r.msgB)
}

func (r *Responder) respondCertificate(msg *protocol.Message, body *protocol.GetCertificate) []byte {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	blob, ok := r.blobs[body.SlotID]
	if !ok {
		return r.errorMsg(protocol.ErrInvalidRequest)
	}
	if int(body.Offset) > len(blob) {
		return r.errorMsg(protocol.ErrInvalidRequest)
	}
	if r.msgB == nil {
		r.msgB = transcript.New(r.suite.hashFunc)
	}
	r.msgB.Append(msg.Raw)

	n := min(int(body.Length), int(r.cfg.MaxCertPortion), len(blob)-int(body.Offset))
	if r.state < StateCertificateObtained {
		r.state = StateCertificateObtained
	}
	return r.reply(r.version, protocol.Certificate{
		SlotID:          body.SlotID,
		RemainderLength: uint16(len(blob) - int(body.Offset) - n),
		Portion:         blob[body.Offset : int(body.Offset)+n],
	}, r.msgB)
}

func (r *Responder) respondChallenge(msg *protocol.Message, body *protocol.Challenge) []byte {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	if !r.caps.Has(protocol.CapChallenge) {
		return r.errorMsg(protocol.ErrUnsupportedRequest)
	}
	slot, ok := r.cfg.Slots[body.SlotID]
	if !ok || r.digests[body.SlotID] == nil {
		return r.errorMsg(protocol.ErrInvalidRequest)
	}

	var nonce protocol.Nonce
	if _, err := io.ReadFull(r.cfg.Rand, nonce[:]); err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}

	auth := protocol.ChallengeAuth{
		SlotID:        body.SlotID,
		SlotMask:      r.slotMask(),
		CertChainHash: r.digests[body.SlotID],
		Nonce:         nonce,
	}
	partial, err := protocol.Encode(r.version, auth)
	if err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}

	// The signature covers negotiation, certificate discovery, and this
	// exchange up to the signature field.
	m1 := transcript.New(r.suite.hashFunc)
	m1.Append(r.msgA.Bytes())
	if r.msgB != nil {
		m1.Append(r.msgB.Bytes())
	}
	m1.Append(msg.Raw)
	m1.Append(partial)

	sig, err := r.suite.sign(r.cfg.Rand, slot.Key, m1.Hash())
	if err != nil {
		slog.Debug("error signing challenge", "error", err)
		return r.errorMsg(protocol.ErrUnspecified)
	}

	if r.state < StateAuthenticated {
		r.state = StateAuthenticated
	}
	return append(partial, sig...)
}

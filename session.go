// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"crypto/cipher"
	"fmt"

	"github.com/device-security/go-spdm/kex"
	"github.com/device-security/go-spdm/protocol"
	"github.com/device-security/go-spdm/transcript"
)

// SessionState tracks a session through its life cycle.
type SessionState int

// Session states
const (
	// Key exchange has produced handshake secrets; FINISH is outstanding.
	SessionHandshaking SessionState = iota

	// Application secrets are active; records may flow.
	SessionEstablished

	// Key material is destroyed. Terminal.
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionHandshaking:
		return "handshaking"
	case SessionEstablished:
		return "established"
	case SessionTerminated:
		return "terminated"
	}
	return "unknown"
}

// direction is one half of a session's key state. Each direction ratchets
// and counts independently; the sequence counter resets to zero exactly when
// the secret changes.
type direction struct {
	secret []byte
	keys   kex.TrafficKeys
	aead   cipher.AEAD
	seq    uint64
}

// Session is one secure session. Both peers hold a Session with mirrored
// direction state: the requester's out is the responder's in.
//
// A Session is owned by its Requester or Responder and is not safe for
// concurrent use.
type Session struct {
	// ID is the session identifier, requester half in the high 16 bits.
	ID uint32

	// HeartbeatPeriod is the responder's keepalive interval in seconds,
	// zero when heartbeats are disabled.
	HeartbeatPeriod uint8

	suite     *Suite
	sched     kex.Schedule
	state     SessionState
	requester bool

	// caps is the capability intersection in force when the session was
	// established. Sessions outlive connection renegotiation, so in-session
	// requests are gated on this snapshot, not the connection's current
	// capabilities.
	caps protocol.CapabilityFlags

	// th is the session transcript; th2 freezes its digest at
	// application-key derivation.
	th  *transcript.Buffer
	th2 []byte

	handshakeSecret []byte
	reqFinishedKey  []byte
	rspFinishedKey  []byte
	masterSecret    []byte

	out, in direction
}

func newSession(suite *Suite, id uint32, requester bool, th *transcript.Buffer) *Session {
	return &Session{
		ID:        id,
		suite:     suite,
		sched:     kex.NewSchedule(suite.hashFunc, suite.Version),
		state:     SessionHandshaking,
		requester: requester,
		th:        th,
	}
}

// State returns the session's life-cycle state.
func (s *Session) State() SessionState { return s.state }

// deriveHandshake installs handshake-phase secrets from the exchange result
// (DHE shared secret or PSK), binding them to the transcript digest at the
// moment of the call.
func (s *Session) deriveHandshake(ikm []byte) error {
	s.handshakeSecret = s.sched.HandshakeSecret(ikm)
	th1 := s.th.Hash()

	for _, dir := range []struct {
		requester bool
		d         *direction
	}{
		{true, s.dirFor(true)},
		{false, s.dirFor(false)},
	} {
		secret, err := s.sched.DirectionSecret(s.handshakeSecret, dir.requester, th1)
		if err != nil {
			return err
		}
		if err := s.installSecret(dir.d, secret); err != nil {
			return err
		}
	}

	var err error
	if s.reqFinishedKey, err = s.sched.FinishedKey(s.dirFor(true).secret); err != nil {
		return err
	}
	if s.rspFinishedKey, err = s.sched.FinishedKey(s.dirFor(false).secret); err != nil {
		return err
	}
	if s.masterSecret, err = s.sched.MasterSecret(s.handshakeSecret); err != nil {
		return err
	}
	return nil
}

// dirFor maps a protocol direction to this peer's send or receive state.
func (s *Session) dirFor(requester bool) *direction {
	if requester == s.requester {
		return &s.out
	}
	return &s.in
}

func (s *Session) installSecret(d *direction, secret []byte) error {
	keys, err := s.sched.TrafficKeys(secret, s.suite.Aead)
	if err != nil {
		return err
	}
	aead, err := s.suite.newAEAD(keys.Key)
	if err != nil {
		return err
	}
	kex.Destroy(d.secret, d.keys.Key)
	*d = direction{secret: secret, keys: keys, aead: aead}
	return nil
}

// verifyData computes the key-confirmation HMAC for one protocol direction
// over the current transcript digest.
func (s *Session) verifyData(requester bool) []byte {
	return s.sched.VerifyData(s.finishedKey(requester), s.th.Hash())
}

// checkVerifyData verifies a received key-confirmation HMAC in constant
// time.
func (s *Session) checkVerifyData(requester bool, received []byte) bool {
	return s.sched.CheckVerifyData(s.finishedKey(requester), s.th.Hash(), received)
}

func (s *Session) finishedKey(requester bool) []byte {
	if requester {
		return s.reqFinishedKey
	}
	return s.rspFinishedKey
}

// activate freezes the session transcript and switches both directions to
// application secrets. Handshake-phase secrets are destroyed; only the
// master secret survives for key updates.
func (s *Session) activate() error {
	s.th2 = s.th.Hash()

	for _, dir := range []struct {
		requester bool
		d         *direction
	}{
		{true, s.dirFor(true)},
		{false, s.dirFor(false)},
	} {
		secret, err := s.sched.AppSecret(s.masterSecret, dir.requester, s.th2)
		if err != nil {
			return err
		}
		if err := s.installSecret(dir.d, secret); err != nil {
			return err
		}
	}

	kex.Destroy(s.handshakeSecret, s.reqFinishedKey, s.rspFinishedKey)
	s.handshakeSecret, s.reqFinishedKey, s.rspFinishedKey = nil, nil, nil
	s.state = SessionEstablished
	return nil
}

// seal encrypts one outgoing record and advances the send counter.
func (s *Session) seal(content contentType, payload []byte) ([]byte, error) {
	if s.state != SessionEstablished {
		return nil, fmt.Errorf("session is %s", s.state)
	}
	record, err := sealRecord(s.out.aead, s.out.keys, s.ID, s.out.seq, content, payload)
	if err != nil {
		return nil, err
	}
	s.out.seq++
	return record, nil
}

// open authenticates and decrypts one incoming record and advances the
// receive counter. On any failure the caller must terminate the session.
func (s *Session) open(record []byte) (contentType, []byte, error) {
	if s.state != SessionEstablished {
		return 0, nil, fmt.Errorf("session is %s", s.state)
	}
	content, payload, err := openRecord(s.in.aead, s.in.keys, s.ID, s.in.seq, record)
	if err != nil {
		return 0, nil, err
	}
	s.in.seq++
	return content, payload, nil
}

// update ratchets one direction to a fresh secret and resets its sequence
// counter. Both peers must ratchet the same direction in lock-step.
func (s *Session) update(d *direction) error {
	secret, err := s.sched.Update(d.secret)
	if err != nil {
		return err
	}
	return s.installSecret(d, secret)
}

// terminate destroys all key material. The session is unusable afterward.
func (s *Session) terminate() {
	kex.Destroy(
		s.handshakeSecret, s.reqFinishedKey, s.rspFinishedKey, s.masterSecret,
		s.out.secret, s.out.keys.Key, s.in.secret, s.in.keys.Key,
	)
	s.out = direction{}
	s.in = direction{}
	s.handshakeSecret, s.reqFinishedKey, s.rspFinishedKey, s.masterSecret = nil, nil, nil, nil
	s.state = SessionTerminated
}

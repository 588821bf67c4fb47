// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/device-security/go-spdm/kex"
	"github.com/device-security/go-spdm/protocol"
	"github.com/device-security/go-spdm/transcript"
)

// liveSessions counts sessions still holding key material.
func (r *Responder) liveSessions() int {
	n := 0
	for _, sess := range r.sessions {
		if sess.state != SessionTerminated {
			n++
		}
	}
	return n
}

func (r *Responder) allocRspID() uint16 {
	id := r.nextRspID
	r.nextRspID++
	if r.nextRspID == 0 {
		r.nextRspID = 1
	}
	return id
}

func (r *Responder) removeSession(sess *Session) {
	sess.terminate()
	delete(r.sessions, sess.ID)
	if r.pending == sess {
		r.pending = nil
	}
}

func (r *Responder) respondKeyExchange(msg *protocol.Message, body *protocol.KeyExchange) []byte {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	if !r.caps.Has(protocol.CapKeyExchange | protocol.CapEncrypt | protocol.CapMac) {
		return r.errorMsg(protocol.ErrUnsupportedRequest)
	}
	slot, ok := r.cfg.Slots[body.SlotID]
	if !ok || r.digests[body.SlotID] == nil {
		return r.errorMsg(protocol.ErrInvalidRequest)
	}
	// A new exchange abandons any handshake still waiting on FINISH; its
	// half-derived keys must not count against the session limit.
	if r.pending != nil {
		r.removeSession(r.pending)
	}
	if r.liveSessions() >= r.cfg.MaxSessions {
		return r.errorMsg(protocol.ErrSessionLimitExceeded)
	}

	exch := kex.New(r.suite.Dhe)
	if exch == nil {
		return r.errorMsg(protocol.ErrUnsupportedRequest)
	}
	exchangeData, err := exch.Parameter(r.cfg.Rand)
	if err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}
	shared, err := exch.SharedSecret(body.ExchangeData)
	if err != nil {
		slog.Debug("rejecting key exchange", "error", err)
		return r.errorMsg(protocol.ErrInvalidRequest)
	}
	var random protocol.Nonce
	if _, err := io.ReadFull(r.cfg.Rand, random[:]); err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}

	rspID := r.allocRspID()
	partial, err := protocol.Encode(r.version, protocol.KeyExchangeRsp{
		HeartbeatPeriod: r.cfg.HeartbeatPeriod,
		RspSessionID:    rspID,
		Random:          random,
		ExchangeData:    exchangeData,
	})
	if err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}

	th := transcript.New(r.suite.hashFunc)
	th.Append(r.msgA.Bytes())
	th.Append(r.digests[body.SlotID])
	th.Append(msg.Raw)
	th.Append(partial)

	sig, err := r.suite.sign(r.cfg.Rand, slot.Key, th.Hash())
	if err != nil {
		slog.Debug("error signing key exchange", "error", err)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	th.Append(sig)

	sess := newSession(r.suite, sessionID(body.ReqSessionID, rspID), false, th)
	sess.HeartbeatPeriod = r.cfg.HeartbeatPeriod
	sess.caps = r.caps
	err = sess.deriveHandshake(shared)
	kex.Destroy(shared)
	if err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}
	vd := sess.verifyData(false)
	th.Append(vd)

	r.sessions[sess.ID] = sess
	r.pending = sess
	return append(append(partial, sig...), vd...)
}

func (r *Responder) respondFinish(msg *protocol.Message, body *protocol.Finish) []byte {
	sess := r.pending
	if sess == nil || sess.state != SessionHandshaking {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	r.pending = nil

	sess.th.Append(msg.Raw[:len(msg.Raw)-len(body.VerifyData)])
	if !sess.checkVerifyData(true, body.VerifyData) {
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrDecryptError)
	}
	sess.th.Append(body.VerifyData)

	header, err := protocol.Encode(r.version, protocol.FinishRsp{})
	if err != nil {
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	sess.th.Append(header)
	vd := sess.verifyData(false)
	sess.th.Append(vd)

	if err := sess.activate(); err != nil {
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	slog.Debug("session established", "id", fmt.Sprintf("%08x", sess.ID), "kind", "key-exchange")
	return append(header, vd...)
}

func (r *Responder) respondPskExchange(ctx context.Context, msg *protocol.Message, body *protocol.PskExchange) []byte {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	if r.caps&protocol.CapPskMask == 0 || r.cfg.Psks == nil {
		return r.errorMsg(protocol.ErrUnsupportedRequest)
	}
	if r.pending != nil {
		r.removeSession(r.pending)
	}
	if r.liveSessions() >= r.cfg.MaxSessions {
		return r.errorMsg(protocol.ErrSessionLimitExceeded)
	}

	psk, err := r.cfg.Psks.Psk(ctx, body.PskHint)
	if err != nil {
		slog.Debug("rejecting PSK exchange", "error", err)
		return r.errorMsg(protocol.ErrInvalidRequest)
	}

	pskContext := make([]byte, 32)
	if _, err := io.ReadFull(r.cfg.Rand, pskContext); err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}

	rspID := r.allocRspID()
	partial, err := protocol.Encode(r.version, protocol.PskExchangeRsp{
		HeartbeatPeriod: r.cfg.HeartbeatPeriod,
		RspSessionID:    rspID,
		Context:         pskContext,
	})
	if err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}

	th := transcript.New(r.suite.hashFunc)
	th.Append(r.msgA.Bytes())
	th.Append(msg.Raw)
	th.Append(partial)

	sess := newSession(r.suite, sessionID(body.ReqSessionID, rspID), false, th)
	sess.HeartbeatPeriod = r.cfg.HeartbeatPeriod
	sess.caps = r.caps
	if err := sess.deriveHandshake(psk); err != nil {
		return r.errorMsg(protocol.ErrUnspecified)
	}
	vd := sess.verifyData(false)
	th.Append(vd)

	r.sessions[sess.ID] = sess
	r.pending = sess
	return append(partial, vd...)
}

func (r *Responder) respondPskFinish(msg *protocol.Message, body *protocol.PskFinish) []byte {
	sess := r.pending
	if sess == nil || sess.state != SessionHandshaking {
		return r.errorMsg(protocol.ErrUnexpectedRequest)
	}
	r.pending = nil

	sess.th.Append(msg.Raw[:len(msg.Raw)-len(body.VerifyData)])
	if !sess.checkVerifyData(true, body.VerifyData) {
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrDecryptError)
	}
	sess.th.Append(body.VerifyData)

	raw, err := protocol.Encode(r.version, protocol.PskFinishRsp{})
	if err != nil {
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	sess.th.Append(raw)

	if err := sess.activate(); err != nil {
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	slog.Debug("session established", "id", fmt.Sprintf("%08x", sess.ID), "kind", "psk")
	return raw
}

// sessionFor returns the established session a buffer addresses, or nil if
// the buffer is not a secured record. Plain SPDM messages never collide with
// the check: their leading bytes are a version and code, not a live session
// identifier.
func (r *Responder) sessionFor(req []byte) *Session {
	if len(req) < recordHeaderSize {
		return nil
	}
	sess, ok := r.sessions[binary.LittleEndian.Uint32(req)]
	if !ok || sess.state != SessionEstablished {
		return nil
	}
	return sess
}

// respondSecured opens one record, serves its payload, and seals the
// response into the same session. A record that fails authentication kills
// the session and is answered with a plain DecryptError, since no shared
// keys remain to seal with.
func (r *Responder) respondSecured(ctx context.Context, sess *Session, record []byte) []byte {
	content, payload, err := sess.open(record)
	if err != nil {
		slog.Debug("terminating session", "id", fmt.Sprintf("%08x", sess.ID), "error", err)
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrDecryptError)
	}

	if content == contentApp {
		return r.respondAppData(ctx, sess, payload)
	}

	msg, err := protocol.Decode(payload, r.suite.Sizes())
	if err != nil {
		return r.sealReply(sess, contentProtocol, protocol.ErrorMessage{Code: protocol.ErrInvalidRequest})
	}

	switch body := msg.Body.(type) {
	case *protocol.Heartbeat:
		if !sess.caps.Has(protocol.CapHeartbeat) {
			return r.sealReply(sess, contentProtocol, protocol.ErrorMessage{Code: protocol.ErrUnsupportedRequest})
		}
		return r.sealReply(sess, contentProtocol, protocol.HeartbeatAck{})

	case *protocol.KeyUpdate:
		return r.respondKeyUpdate(sess, body)

	case *protocol.EndSession:
		// Seal the acknowledgement before the keys are destroyed.
		rsp := r.sealReply(sess, contentProtocol, protocol.EndSessionAck{})
		r.removeSession(sess)
		slog.Debug("session ended", "id", fmt.Sprintf("%08x", sess.ID))
		return rsp

	default:
		return r.sealReply(sess, contentProtocol, protocol.ErrorMessage{Code: protocol.ErrUnexpectedRequest})
	}
}

func (r *Responder) respondAppData(ctx context.Context, sess *Session, payload []byte) []byte {
	if r.cfg.AppHandler == nil {
		return r.sealReply(sess, contentProtocol, protocol.ErrorMessage{Code: protocol.ErrUnsupportedRequest})
	}
	out, err := r.cfg.AppHandler(ctx, sess.ID, payload)
	if err != nil {
		slog.Debug("application handler failed", "id", fmt.Sprintf("%08x", sess.ID), "error", err)
		return r.sealReply(sess, contentProtocol, protocol.ErrorMessage{Code: protocol.ErrUnspecified})
	}
	return r.sealRaw(sess, contentApp, out)
}

func (r *Responder) respondKeyUpdate(sess *Session, body *protocol.KeyUpdate) []byte {
	if !sess.caps.Has(protocol.CapKeyUpdate) {
		return r.sealReply(sess, contentProtocol, protocol.ErrorMessage{Code: protocol.ErrUnsupportedRequest})
	}

	// The acknowledgement travels under the old keys; the switch happens
	// right after it is sealed, mirroring the requester switching after it
	// is received.
	rsp := r.sealReply(sess, contentProtocol, protocol.KeyUpdateAck{Op: body.Op, Tag: body.Tag})
	if sess.state != SessionEstablished {
		return rsp
	}

	switch body.Op {
	case protocol.KeyUpdateOpUpdateKey:
		if err := sess.update(&sess.in); err != nil {
			r.removeSession(sess)
			return r.errorMsg(protocol.ErrUnspecified)
		}
	case protocol.KeyUpdateOpUpdateAllKeys:
		if err := sess.update(&sess.in); err != nil {
			r.removeSession(sess)
			return r.errorMsg(protocol.ErrUnspecified)
		}
		if err := sess.update(&sess.out); err != nil {
			r.removeSession(sess)
			return r.errorMsg(protocol.ErrUnspecified)
		}
	case protocol.KeyUpdateOpVerifyNewKey:
		// Opening the request under the ratcheted keys already proved them.
	}
	return rsp
}

// sealReply seals an in-session protocol message.
func (r *Responder) sealReply(sess *Session, content contentType, body protocol.Body) []byte {
	raw, err := protocol.Encode(sess.suite.Version, body)
	if err != nil {
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	return r.sealRaw(sess, content, raw)
}

func (r *Responder) sealRaw(sess *Session, content contentType, payload []byte) []byte {
	record, err := sess.seal(content, payload)
	if err != nil {
		slog.Debug("terminating session", "id", fmt.Sprintf("%08x", sess.ID), "error", err)
		r.removeSession(sess)
		return r.errorMsg(protocol.ErrUnspecified)
	}
	return record
}

// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/device-security/go-spdm/kex"
	"github.com/device-security/go-spdm/protocol"
	"github.com/device-security/go-spdm/transcript"
)

// sessionID composes the session identifier from the two halves exchanged
// during establishment, requester half high.
func sessionID(reqID, rspID uint16) uint32 {
	return uint32(reqID)<<16 | uint32(rspID)
}

// StartSession establishes a secure session with a Diffie-Hellman key
// exchange, authenticated by the verified certificate chain in slotID. The
// connection must have completed certificate retrieval for that slot.
func (r *Requester) StartSession(ctx context.Context, slotID uint8) (*Session, error) {
	if !r.state.reached(StateCertificateObtained) {
		return nil, fmt.Errorf("connection is %s, no verified certificate chain", r.state)
	}
	if !r.caps.Has(protocol.CapKeyExchange | protocol.CapEncrypt | protocol.CapMac) {
		return nil, &NegotiationError{Stage: "capabilities", Detail: "key exchange session not negotiated"}
	}

	exch := kex.New(r.suite.Dhe)
	if exch == nil {
		return nil, fmt.Errorf("no exchanger for %s", r.suite.Dhe)
	}
	exchangeData, err := exch.Parameter(r.cfg.Rand)
	if err != nil {
		return nil, err
	}
	var random protocol.Nonce
	if _, err := io.ReadFull(r.cfg.Rand, random[:]); err != nil {
		return nil, fmt.Errorf("error generating nonce: %w", err)
	}

	reqID := r.nextSessionID
	r.nextSessionID++
	if r.nextSessionID == 0 {
		r.nextSessionID = 1
	}

	req, err := protocol.Encode(r.version, protocol.KeyExchange{
		SlotID:       slotID,
		ReqSessionID: reqID,
		Random:       random,
		ExchangeData: exchangeData,
	})
	if err != nil {
		return nil, err
	}

	// The session transcript binds the negotiation messages and the
	// certificate chain digest, then grows with each handshake message.
	th := transcript.New(r.suite.hashFunc)
	th.Append(r.msgA.Bytes())
	th.Append(r.chain.Digest)
	th.Append(req)

	rsp, err := r.exchange(ctx, req, protocol.KeyExchangeRspCode)
	if err != nil {
		return nil, err
	}
	ke := rsp.Body.(*protocol.KeyExchangeRsp)

	// Split the response into the signed portion, the signature, and the
	// key-confirmation HMAC, appended to the transcript in that order.
	tail := len(ke.Signature) + len(ke.VerifyData)
	th.Append(rsp.Raw[:len(rsp.Raw)-tail])
	if err := r.suite.verify(r.chain.Leaf().PublicKey, th.Hash(), ke.Signature); err != nil {
		return nil, &AuthenticationError{Reason: "key exchange signature", Err: err}
	}
	th.Append(ke.Signature)

	sess := newSession(r.suite, sessionID(reqID, ke.RspSessionID), true, th)
	sess.HeartbeatPeriod = ke.HeartbeatPeriod
	sess.caps = r.caps

	shared, err := exch.SharedSecret(ke.ExchangeData)
	if err != nil {
		return nil, err
	}
	err = sess.deriveHandshake(shared)
	kex.Destroy(shared)
	if err != nil {
		return nil, err
	}

	if !sess.checkVerifyData(false, ke.VerifyData) {
		sess.terminate()
		return nil, &AuthenticationError{Reason: "key exchange key confirmation", Err: ErrCryptoVerifyFailed}
	}
	th.Append(ke.VerifyData)

	if err := r.finishSession(ctx, sess, protocol.Finish{SlotID: slotID}); err != nil {
		return nil, err
	}

	r.sessions[sess.ID] = sess
	slog.Debug("session established", "id", fmt.Sprintf("%08x", sess.ID), "kind", "key-exchange")
	return sess, nil
}

// StartPSKSession establishes a secure session keyed by a pre-shared key.
// Only negotiation must have completed; PSK sessions need no certificate.
func (r *Requester) StartPSKSession(ctx context.Context, pskHint, psk []byte) (*Session, error) {
	if !r.state.reached(StateAlgorithmsNegotiated) {
		return nil, fmt.Errorf("connection is %s, algorithms not negotiated", r.state)
	}
	if r.caps&protocol.CapPskMask == 0 || !r.caps.Has(protocol.CapEncrypt|protocol.CapMac) {
		return nil, &NegotiationError{Stage: "capabilities", Detail: "PSK session not negotiated"}
	}

	pskContext := make([]byte, 32)
	if _, err := io.ReadFull(r.cfg.Rand, pskContext); err != nil {
		return nil, fmt.Errorf("error generating context: %w", err)
	}

	reqID := r.nextSessionID
	r.nextSessionID++
	if r.nextSessionID == 0 {
		r.nextSessionID = 1
	}

	req, err := protocol.Encode(r.version, protocol.PskExchange{
		ReqSessionID: reqID,
		PskHint:      pskHint,
		Context:      pskContext,
	})
	if err != nil {
		return nil, err
	}

	// A PSK transcript carries no certificate chain digest; the PSK itself
	// authenticates both peers.
	th := transcript.New(r.suite.hashFunc)
	th.Append(r.msgA.Bytes())
	th.Append(req)

	rsp, err := r.exchange(ctx, req, protocol.PskExchangeRspCode)
	if err != nil {
		return nil, err
	}
	pe := rsp.Body.(*protocol.PskExchangeRsp)
	th.Append(rsp.Raw[:len(rsp.Raw)-len(pe.VerifyData)])

	sess := newSession(r.suite, sessionID(reqID, pe.RspSessionID), true, th)
	sess.HeartbeatPeriod = pe.HeartbeatPeriod
	sess.caps = r.caps
	if err := sess.deriveHandshake(psk); err != nil {
		return nil, err
	}

	if !sess.checkVerifyData(false, pe.VerifyData) {
		sess.terminate()
		return nil, &AuthenticationError{Reason: "PSK key confirmation", Err: ErrCryptoVerifyFailed}
	}
	th.Append(pe.VerifyData)

	if err := r.finishSession(ctx, sess, protocol.PskFinish{}); err != nil {
		return nil, err
	}

	r.sessions[sess.ID] = sess
	slog.Debug("session established", "id", fmt.Sprintf("%08x", sess.ID), "kind", "psk")
	return sess, nil
}

// finishSession runs the FINISH or PSK_FINISH exchange: it proves this peer
// holds the handshake secret, checks the responder's acknowledgement, and
// activates application keys.
func (r *Requester) finishSession(ctx context.Context, sess *Session, body protocol.Body) error {
	// The finish verify-data covers the transcript including this message's
	// own header, so the header is appended before the HMAC is computed.
	header, err := protocol.Encode(r.version, body)
	if err != nil {
		return err
	}
	sess.th.Append(header)
	vd := sess.verifyData(true)
	sess.th.Append(vd)

	var want protocol.Code
	switch m := body.(type) {
	case protocol.Finish:
		m.VerifyData = vd
		body, want = m, protocol.FinishRspCode
	case protocol.PskFinish:
		m.VerifyData = vd
		body, want = m, protocol.PskFinishRspCode
	default:
		return fmt.Errorf("unsupported finish message %s", body.Type())
	}
	req, err := protocol.Encode(r.version, body)
	if err != nil {
		return err
	}

	rsp, err := r.exchange(ctx, req, want)
	if err != nil {
		sess.terminate()
		return err
	}

	switch m := rsp.Body.(type) {
	case *protocol.FinishRsp:
		sess.th.Append(rsp.Raw[:len(rsp.Raw)-len(m.VerifyData)])
		if !sess.checkVerifyData(false, m.VerifyData) {
			sess.terminate()
			return &AuthenticationError{Reason: "finish key confirmation", Err: ErrCryptoVerifyFailed}
		}
		sess.th.Append(m.VerifyData)
	case *protocol.PskFinishRsp:
		sess.th.Append(rsp.Raw)
	}

	if err := sess.activate(); err != nil {
		sess.terminate()
		return err
	}
	return nil
}

// exchange performs one plain request/response round trip without transcript
// side effects.
func (r *Requester) exchange(ctx context.Context, req []byte, want protocol.Code) (*protocol.Message, error) {
	if err := r.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("error sending: %w", err)
	}
	raw, err := r.transport.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("error receiving: %w", err)
	}
	msg, err := protocol.Decode(raw, r.sizes())
	if err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	if errMsg, ok := msg.Body.(*protocol.ErrorMessage); ok {
		return nil, fmt.Errorf("responder rejected request: %w", errMsg)
	}
	if msg.Body.Type() != want {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedMessage, msg.Body.Type(), want)
	}
	return msg, nil
}

// sendSecured seals one payload into the session, performs the round trip,
// and opens the response record. Any record failure terminates the session.
func (r *Requester) sendSecured(ctx context.Context, sess *Session, content contentType, payload []byte) (contentType, []byte, error) {
	record, err := sess.seal(content, payload)
	if err != nil {
		return 0, nil, &SessionError{SessionID: sess.ID, Op: "seal", Err: err}
	}
	if err := r.transport.Send(ctx, record); err != nil {
		return 0, nil, &SessionError{SessionID: sess.ID, Op: "send", Err: err}
	}
	raw, err := r.transport.Receive(ctx)
	if err != nil {
		return 0, nil, &SessionError{SessionID: sess.ID, Op: "receive", Err: err}
	}
	gotContent, plaintext, err := sess.open(raw)
	if err != nil {
		r.dropSession(sess)
		return 0, nil, &SessionError{SessionID: sess.ID, Op: "open", Err: err}
	}
	return gotContent, plaintext, nil
}

// sessionRequest performs one in-session protocol exchange.
func (r *Requester) sessionRequest(ctx context.Context, sess *Session, body protocol.Body, want protocol.Code) (protocol.Body, error) {
	req, err := protocol.Encode(sess.suite.Version, body)
	if err != nil {
		return nil, err
	}
	content, plaintext, err := r.sendSecured(ctx, sess, contentProtocol, req)
	if err != nil {
		return nil, err
	}
	if content != contentProtocol {
		r.dropSession(sess)
		return nil, &SessionError{SessionID: sess.ID, Op: body.Type().String(), Err: ErrUnexpectedMessage}
	}
	msg, err := protocol.Decode(plaintext, sess.suite.Sizes())
	if err != nil {
		return nil, &SessionError{SessionID: sess.ID, Op: body.Type().String(), Err: err}
	}
	if errMsg, ok := msg.Body.(*protocol.ErrorMessage); ok {
		return nil, &SessionError{SessionID: sess.ID, Op: body.Type().String(), Err: errMsg}
	}
	if msg.Body.Type() != want {
		return nil, &SessionError{SessionID: sess.ID, Op: body.Type().String(), Err: ErrUnexpectedMessage}
	}
	return msg.Body, nil
}

// SendData sends application data through an established session and
// returns the responder's application payload.
func (r *Requester) SendData(ctx context.Context, sess *Session, data []byte) ([]byte, error) {
	content, plaintext, err := r.sendSecured(ctx, sess, contentApp, data)
	if err != nil {
		return nil, err
	}
	if content != contentApp {
		// The responder answered application data with a protocol message,
		// which can only be an in-session ERROR.
		if msg, err := protocol.Decode(plaintext, sess.suite.Sizes()); err == nil {
			if errMsg, ok := msg.Body.(*protocol.ErrorMessage); ok {
				return nil, &SessionError{SessionID: sess.ID, Op: "application data", Err: errMsg}
			}
		}
		return nil, &SessionError{SessionID: sess.ID, Op: "application data", Err: ErrUnexpectedMessage}
	}
	return plaintext, nil
}

// Heartbeat keeps the session alive.
func (r *Requester) Heartbeat(ctx context.Context, sess *Session) error {
	if !sess.caps.Has(protocol.CapHeartbeat) {
		return &NegotiationError{Stage: "capabilities", Detail: "heartbeat not negotiated"}
	}
	_, err := r.sessionRequest(ctx, sess, protocol.Heartbeat{}, protocol.HeartbeatAckCode)
	return err
}

// UpdateKeys rotates the session data keys: the requester direction, or both
// directions when all is set. Keys switch in lock-step with the responder's
// acknowledgement and are confirmed under the new keys before returning.
func (r *Requester) UpdateKeys(ctx context.Context, sess *Session, all bool) error {
	if !sess.caps.Has(protocol.CapKeyUpdate) {
		return &NegotiationError{Stage: "capabilities", Detail: "key update not negotiated"}
	}

	op := protocol.KeyUpdateOpUpdateKey
	if all {
		op = protocol.KeyUpdateOpUpdateAllKeys
	}
	tag := uint8(sess.out.seq)

	body, err := r.sessionRequest(ctx, sess, protocol.KeyUpdate{Op: op, Tag: tag}, protocol.KeyUpdateAckCode)
	if err != nil {
		return err
	}
	if ack := body.(*protocol.KeyUpdateAck); ack.Op != op || ack.Tag != tag {
		r.dropSession(sess)
		return &SessionError{SessionID: sess.ID, Op: "key update", Err: fmt.Errorf("acknowledgement does not echo %s tag %d", op, tag)}
	}

	// The acknowledgement was sealed under the old keys; switch now, in the
	// same order the responder does after sending it.
	if err := sess.update(&sess.out); err != nil {
		r.dropSession(sess)
		return &SessionError{SessionID: sess.ID, Op: "key update", Err: err}
	}
	if all {
		if err := sess.update(&sess.in); err != nil {
			r.dropSession(sess)
			return &SessionError{SessionID: sess.ID, Op: "key update", Err: err}
		}
	}

	// Prove the new keys work before trusting them with data.
	body, err = r.sessionRequest(ctx, sess, protocol.KeyUpdate{Op: protocol.KeyUpdateOpVerifyNewKey, Tag: tag}, protocol.KeyUpdateAckCode)
	if err != nil {
		return err
	}
	if ack := body.(*protocol.KeyUpdateAck); ack.Op != protocol.KeyUpdateOpVerifyNewKey || ack.Tag != tag {
		r.dropSession(sess)
		return &SessionError{SessionID: sess.ID, Op: "key update", Err: fmt.Errorf("verification does not echo tag %d", tag)}
	}

	slog.Debug("session keys updated", "id", fmt.Sprintf("%08x", sess.ID), "all", all)
	return nil
}

// EndSession terminates the session and destroys its key material on both
// peers.
func (r *Requester) EndSession(ctx context.Context, sess *Session) error {
	_, err := r.sessionRequest(ctx, sess, protocol.EndSession{}, protocol.EndSessionAckCode)
	if err != nil {
		// The session is dead locally regardless of what the responder saw.
		r.dropSession(sess)
		return err
	}
	r.dropSession(sess)
	slog.Debug("session ended", "id", fmt.Sprintf("%08x", sess.ID))
	return nil
}

func (r *Requester) dropSession(sess *Session) {
	sess.terminate()
	delete(r.sessions, sess.ID)
}

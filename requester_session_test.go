// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"bytes"
	"context"
	"testing"

	"github.com/device-security/go-spdm/protocol"
	"github.com/device-security/go-spdm/transcript"
)

// cannedTransport answers every request with a fixed response.
type cannedTransport struct{ rsp []byte }

func (t cannedTransport) Send(context.Context, []byte) error      { return nil }
func (t cannedTransport) Receive(context.Context) ([]byte, error) { return t.rsp, nil }

// A finish exchange whose application keys cannot be installed must leave the
// session terminated with its secrets destroyed, never half-keyed.
func TestFinishActivationFailureTerminates(t *testing.T) {
	suite, err := newSuite(protocol.Version12,
		protocol.HashSha256, protocol.AsymEcdsaP256, protocol.DheSecp256r1, protocol.AeadAes128Gcm)
	if err != nil {
		t.Fatal(err)
	}
	sess := newSession(suite, sessionID(1, 1), true, transcript.New(suite.hashFunc))
	if err := sess.deriveHandshake(bytes.Repeat([]byte{0x42}, 32)); err != nil {
		t.Fatal(err)
	}

	// An AEAD the suite cannot key makes activation fail after the finish
	// verify data has already been exchanged.
	broken := *suite
	broken.Aead = 0
	sess.suite = &broken

	rsp, err := protocol.Encode(protocol.Version12, protocol.PskFinishRsp{})
	if err != nil {
		t.Fatal(err)
	}
	r := &Requester{transport: cannedTransport{rsp: rsp}, version: protocol.Version12, suite: suite}
	if err := r.finishSession(context.Background(), sess, protocol.PskFinish{}); err == nil {
		t.Fatal("finish succeeded with an unkeyable AEAD")
	}
	if sess.State() != SessionTerminated {
		t.Errorf("session state %s, expected terminated", sess.State())
	}
	if sess.masterSecret != nil || sess.out.secret != nil || sess.in.secret != nil {
		t.Error("secret material survived the failed finish")
	}
}

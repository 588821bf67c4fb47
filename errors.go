// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import (
	"errors"
	"fmt"
)

// ErrCryptoVerifyFailed is the sentinel wrapped by every signature, HMAC,
// digest, or certificate verification failure. Callers must not retry an
// operation that failed with this error; the peer is either misconfigured or
// hostile.
var ErrCryptoVerifyFailed = errors.New("cryptographic verification failed")

// ErrUnexpectedMessage is returned when the peer answers with a well-formed
// message of the wrong type for the current protocol state.
var ErrUnexpectedMessage = errors.New("unexpected message type")

// NegotiationError reports failure to agree on a version, capability set, or
// algorithm suite. It is fatal to the connection: the only recovery is a new
// GET_VERSION from scratch.
type NegotiationError struct {
	Stage  string
	Detail string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %s", e.Stage, e.Detail)
}

// AuthenticationError reports a failure to authenticate the peer: a
// certificate chain that does not verify, a challenge signature that does
// not match, or a key-confirmation HMAC mismatch.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SessionError reports a failure scoped to one established session. The
// session is terminated and its key material destroyed before the error is
// returned; the connection-level negotiation result remains valid.
type SessionError struct {
	SessionID uint32
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %08x: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

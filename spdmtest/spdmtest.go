// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

// Package spdmtest provides test harness utilities: an in-memory transport
// wired straight into a Responder, generated certificate identities, and
// testing log plumbing.
package spdmtest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/device-security/go-spdm"
)

// TestingLog creates a testing logger.
func TestingLog(t *testing.T) io.Writer { return (*errorLog)(t) }

type errorLog testing.T

// Write implements io.Writer.
func (t *errorLog) Write(p []byte) (int, error) {
	(*testing.T)(t).Helper()
	t.Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}

// Logger routes debug-level structured logs into the test output.
func Logger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(TestingLog(t), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Transport runs a Requester against a Responder with no wire in between,
// directly calling the Responder for each sent message.
type Transport struct {
	T         *testing.T
	Responder *spdm.Responder

	// Corrupt, when set, mangles each request before the Responder sees it.
	Corrupt func(msg []byte) []byte

	response []byte
}

var _ spdm.Transport = (*Transport)(nil)

// Send implements spdm.Transport.
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if t.Corrupt != nil {
		msg = t.Corrupt(msg)
	}
	t.T.Logf("request:  % x", msg)
	t.response = t.Responder.Respond(ctx, msg)
	t.T.Logf("response: % x", t.response)
	return nil
}

// Receive implements spdm.Transport.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return t.response, nil
}

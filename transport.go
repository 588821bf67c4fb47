// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

import "context"

// Transport moves whole messages between a Requester and a Responder. The
// protocol engine treats it as an opaque, ordered, reliable channel: one Send
// is answered by one Receive, message boundaries are preserved, and nothing
// is reordered. Framing and addressing belong to the binding.
//
// Implementations need not be safe for concurrent use; the engine serializes
// its request/response exchanges.
type Transport interface {
	// Send transmits one message.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until one whole message arrives or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
}

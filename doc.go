// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

// Package spdm implements the Security Protocol and Data Model (DMTF
// DSP0274): version, capability, and algorithm negotiation, certificate
// retrieval and challenge authentication, and secure sessions established by
// Diffie-Hellman or pre-shared-key exchange.
//
// A Requester drives the protocol over any request/response Transport. A
// Responder answers requests statelessly from the caller's perspective; all
// connection and session state lives inside the Responder value.
//
// The package is transport-agnostic. Callers supply a Transport carrying
// whole messages; framing, addressing, and retransmission belong to the
// transport binding, not to this package.
package spdm

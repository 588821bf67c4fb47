// SPDX-FileCopyrightText: (C) 2025 the go-spdm authors
// SPDX-License-Identifier: Apache 2.0

package spdm

// State is the connection-level protocol state. Transitions are strictly
// forward through the negotiation and authentication sequence; any protocol
// or verification failure moves to StateFailed, from which only a fresh
// GET_VERSION exchange recovers.
type State int

// Connection states in protocol order
const (
	StateUnstarted State = iota
	StateVersionNegotiated
	StateCapabilitiesNegotiated
	StateAlgorithmsNegotiated
	StateDigestsObtained
	StateCertificateObtained
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateVersionNegotiated:
		return "version-negotiated"
	case StateCapabilitiesNegotiated:
		return "capabilities-negotiated"
	case StateAlgorithmsNegotiated:
		return "algorithms-negotiated"
	case StateDigestsObtained:
		return "digests-obtained"
	case StateCertificateObtained:
		return "certificate-obtained"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// reached reports whether the connection has progressed at least to want.
// StateFailed reaches nothing.
func (s State) reached(want State) bool {
	return s != StateFailed && s >= want
}

// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"errors"
	"fmt"
)

// The range of session protocol versions this client implements.
const (
	ProtocolMin uint32 = 3
	ProtocolMax uint32 = 9
)

// ErrUnsupported reports a peer whose version cannot be spoken.
var ErrUnsupported = errors.New("unsupported protocol version")

// Reply is the part of a handshake answer negotiation looks at.
type Reply struct {
	Success bool
	// Server is the version the peer speaks.
	Server uint32
	// Reason is the peer's explanation on failure.
	Reason string
}

// Decision is the outcome of one negotiation round.
type Decision struct {
	// Version is the agreed version when Retry is false, and the
	// version to propose next when Retry is true.
	Version uint32
	Retry   bool
}

// Negotiate decides what to do with a handshake reply to a proposal
// of requested.
//
// A success reply at the requested version is accepted. Some peers
// answer success while reporting an older version than requested;
// that reply is accepted as a silent downgrade only when
// downgradeOnSuccess is set, and otherwise turned into an explicit
// retry at the peer's version. A failure reply naming a supported
// version other than the one requested is retried at that version.
// Everything else is an error wrapping [ErrUnsupported].
func Negotiate(requested uint32, reply Reply, downgradeOnSuccess bool) (Decision, error) {
	if reply.Server > ProtocolMax {
		return Decision{}, fmt.Errorf("%w: peer speaks %d, newest supported is %d", ErrUnsupported, reply.Server, ProtocolMax)
	}
	if reply.Server < ProtocolMin {
		if reply.Success {
			return Decision{}, fmt.Errorf("%w: peer speaks %d, oldest supported is %d", ErrUnsupported, reply.Server, ProtocolMin)
		}
		return Decision{}, fmt.Errorf("%w: peer refused version %d (speaks %d): %s", ErrUnsupported, requested, reply.Server, reply.Reason)
	}
	switch {
	case reply.Success && reply.Server == requested:
		return Decision{Version: requested}, nil
	case reply.Success && reply.Server < requested && downgradeOnSuccess:
		return Decision{Version: reply.Server}, nil
	case reply.Server != requested:
		return Decision{Version: reply.Server, Retry: true}, nil
	case reply.Success:
		// Server above requested but within range: speak what we asked.
		return Decision{Version: requested}, nil
	default:
		return Decision{}, fmt.Errorf("%w: peer refused version %d: %s", ErrUnsupported, requested, reply.Reason)
	}
}

// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"

	"github.com/dpsx-project/dpsx/lib/version"
)

// Handshake parameterizes session initialization.
type Handshake struct {
	// Display names the display the session is for.
	Display string
	// Flags advertises optional client features.
	Flags uint32
	// DowngradeOnSuccess accepts a success reply that reports an older
	// version than requested. Some peers answer that way instead of
	// failing; without the flag the client retries explicitly at the
	// peer's version.
	DowngradeOnSuccess bool
}

// PeerInfo is what a successful handshake learned about the peer.
type PeerInfo struct {
	Version      uint32
	NumberFormat uint8
	FloatingName string
}

// maxHandshakeRounds is the initial proposal plus one retry.
const maxHandshakeRounds = 2

// Handshake initializes the session, proposing the newest protocol
// version and retrying once at the version the peer names.
func (c *Channel) Handshake(ctx context.Context, params Handshake) (PeerInfo, error) {
	requested := version.ProtocolMax
	for round := 1; ; round++ {
		if err := c.SendMessage(OpInit, InitRequest{Version: requested, Flags: params.Flags, Display: params.Display}); err != nil {
			return PeerInfo{}, err
		}
		if err := c.Flush(); err != nil {
			return PeerInfo{}, err
		}
		frame, err := c.await(ctx, func(frame Frame) bool { return frame.Op == OpInitReply })
		if err != nil {
			return PeerInfo{}, fmt.Errorf("%s handshake: %w", c.name, err)
		}
		var reply InitReply
		if err := frame.Decode(&reply); err != nil {
			return PeerInfo{}, fmt.Errorf("%s handshake: %w", c.name, err)
		}
		decision, err := version.Negotiate(requested, version.Reply{
			Success: reply.Success,
			Server:  reply.Version,
			Reason:  reply.Reason,
		}, params.DowngradeOnSuccess)
		if err != nil {
			return PeerInfo{}, fmt.Errorf("%s handshake: %w", c.name, err)
		}
		if !decision.Retry {
			if decision.Version != requested {
				c.logger.Warn("peer accepted with older protocol version",
					"requested", requested, "server", reply.Version)
			}
			c.logger.Info("session initialized",
				"version", decision.Version,
				"number_format", reply.NumberFormat,
				"floating_name", reply.FloatingName)
			return PeerInfo{
				Version:      decision.Version,
				NumberFormat: reply.NumberFormat,
				FloatingName: reply.FloatingName,
			}, nil
		}
		if round == maxHandshakeRounds {
			return PeerInfo{}, fmt.Errorf("%s handshake: %w: peer still refuses after retrying at %d", c.name, version.ErrUnsupported, requested)
		}
		c.logger.Info("retrying handshake", "requested", requested, "server", reply.Version)
		requested = decision.Version
	}
}

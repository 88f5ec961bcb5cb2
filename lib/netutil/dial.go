// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Address is a parsed "network:address" endpoint. A bare path is a
// unix socket.
type Address struct {
	Network string
	Address string
}

func (a Address) String() string { return a.Network + ":" + a.Address }

// ParseAddress accepts "unix:/path", "tcp:host:port", or a bare
// filesystem path.
func ParseAddress(text string) (Address, error) {
	if text == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	network, rest, found := strings.Cut(text, ":")
	if !found || strings.HasPrefix(text, "/") || strings.HasPrefix(text, ".") {
		return Address{Network: "unix", Address: text}, nil
	}
	switch network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return Address{}, fmt.Errorf("address %q: unsupported network %q", text, network)
	}
	if rest == "" {
		return Address{}, fmt.Errorf("address %q: missing endpoint", text)
	}
	return Address{Network: network, Address: rest}, nil
}

// Dial connects to address, honoring ctx for the connect phase only.
func Dial(ctx context.Context, address Address) (net.Conn, error) {
	var dialer net.Dialer
	connection, err := dialer.DialContext(ctx, address.Network, address.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return connection, nil
}

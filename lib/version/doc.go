// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries DPSX build information and the protocol
// version range the client speaks.
//
// # Build information
//
// [Current] reads the revision and build time the Go toolchain embeds
// in the binary. Release builds also stamp [Version]:
//
//	go build -ldflags "-X github.com/dpsx-project/dpsx/lib/version.Version=1.2.0" ./cmd/dpsx
//
// # Protocol negotiation
//
// The client opens a session by proposing [ProtocolMax]. The peer
// answers with its own version and a success flag, and [Negotiate]
// decides whether to accept, retry at the peer's version, or give up.
// Peers newer than [ProtocolMax] are rejected outright: the client
// cannot know what a future peer expects.
package version

// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package channel

// Direction says which way a tapped frame travelled.
type Direction uint8

const (
	Outbound Direction = 1
	Inbound  Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "out"
	case Inbound:
		return "in"
	default:
		return "unknown"
	}
}

// Tap observes frames as a channel buffers or parses them. Outbound
// frames are observed when buffered, not when flushed. Observe must
// not retain frame.Payload beyond the call unless it copies it.
type Tap interface {
	Observe(channel string, direction Direction, frame Frame)
}

// TapFunc adapts a function to [Tap].
type TapFunc func(channel string, direction Direction, frame Frame)

func (f TapFunc) Observe(channel string, direction Direction, frame Frame) {
	f(channel, direction, frame)
}

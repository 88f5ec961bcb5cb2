// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// NumberFormat identifies the byte order and real representation of a
// binary object sequence. The values are the sequence's leading token
// byte.
type NumberFormat uint8

const (
	// HighIEEE is big-endian integers with IEEE reals.
	HighIEEE NumberFormat = 128
	// LowIEEE is little-endian integers with IEEE reals.
	LowIEEE NumberFormat = 129
	// HighNative is big-endian integers with the peer's native reals.
	HighNative NumberFormat = 130
	// LowNative is little-endian integers with the peer's native reals.
	LowNative NumberFormat = 131
)

// NativeFormat is the native number format of this host. Every
// platform Go supports represents float32 as IEEE 754, so native and
// IEEE reals share a bit layout here and differ only in the label.
var NativeFormat = func() NumberFormat {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return LowNative
	}
	return HighNative
}()

// Valid reports whether f is one of the four defined formats.
func (f NumberFormat) Valid() bool {
	return f >= HighIEEE && f <= LowNative
}

// Order returns the byte order for integers, lengths and offsets.
func (f NumberFormat) Order() binary.ByteOrder {
	if f == LowIEEE || f == LowNative {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Low reports whether f is little-endian.
func (f NumberFormat) Low() bool { return f == LowIEEE || f == LowNative }

// Native reports whether reals are in the peer's native representation.
func (f NumberFormat) Native() bool { return f == HighNative || f == LowNative }

// String returns the configuration name of the format.
func (f NumberFormat) String() string {
	switch f {
	case HighIEEE:
		return "high-ieee"
	case LowIEEE:
		return "low-ieee"
	case HighNative:
		return "high-native"
	case LowNative:
		return "low-native"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseNumberFormat parses a configuration name. "native" selects
// [NativeFormat].
func ParseNumberFormat(name string) (NumberFormat, error) {
	switch name {
	case "high-ieee":
		return HighIEEE, nil
	case "low-ieee":
		return LowIEEE, nil
	case "high-native":
		return HighNative, nil
	case "low-native":
		return LowNative, nil
	case "native":
		return NativeFormat, nil
	default:
		return 0, fmt.Errorf("unknown number format %q", name)
	}
}

// putReal stores f as a 32-bit real in the format's byte order.
func (f NumberFormat) putReal(buffer []byte, value float32) {
	f.Order().PutUint32(buffer, math.Float32bits(value))
}

// real loads a 32-bit real stored in the format's byte order.
func (f NumberFormat) real(buffer []byte) float32 {
	return math.Float32frombits(f.Order().Uint32(buffer))
}

// ConvertReals rewrites a run of 32-bit reals in place from one
// format to another. Only the byte order can differ between formats
// on this host, so conversion is a per-element swap when the orders
// disagree.
func ConvertReals(buffer []byte, from, to NumberFormat) error {
	if len(buffer)%4 != 0 {
		return rangeCheck("real run of %d bytes is not a multiple of 4", len(buffer))
	}
	if from.Low() == to.Low() {
		return nil
	}
	for i := 0; i+4 <= len(buffer); i += 4 {
		buffer[i], buffer[i+1], buffer[i+2], buffer[i+3] = buffer[i+3], buffer[i+2], buffer[i+1], buffer[i]
	}
	return nil
}

// fixedToReal reconstructs a fixed-point value with the given binary
// scale. A scale of zero yields an integer value.
func fixedToReal(raw int64, scale int) Value {
	if scale == 0 {
		return Value{Kind: KindInt, Int: raw}
	}
	return Value{Kind: KindReal, Real: float64(raw) / float64(int64(1)<<scale)}
}

// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed reports a record or token stream that violates the
	// wire format. The bytes that produced it must not be delivered.
	ErrMalformed = errors.New("wire: malformed record")

	// ErrNeedMore reports that a complete record is not yet available.
	// Errors wrapping it are [*NeedMoreError] values carrying the count.
	ErrNeedMore = errors.New("wire: need more bytes")

	// ErrEncodingCheck reports a program/name encoding combination that
	// cannot represent the requested values.
	ErrEncodingCheck = errors.New("wire: incompatible encoding")

	// ErrTypeCheck reports a value whose type or width does not match
	// what the caller asked for.
	ErrTypeCheck = errors.New("wire: type check")

	// ErrRangeCheck reports a value that does not fit the chosen
	// representation (a 64-bit integer in a 32-bit object, a string
	// longer than a length field, a NaN in ASCII).
	ErrRangeCheck = errors.New("wire: range check")
)

// NeedMoreError reports how many additional bytes must arrive before
// decoding can make progress. The count is a lower bound: a header may
// reveal that still more is needed once it is complete.
type NeedMoreError struct {
	N int
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("wire: need %d more bytes", e.N)
}

// Unwrap makes errors.Is(err, ErrNeedMore) hold.
func (e *NeedMoreError) Unwrap() error { return ErrNeedMore }

func needMore(n int) error { return &NeedMoreError{N: n} }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func rangeCheck(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRangeCheck, fmt.Sprintf(format, args...))
}

func typeCheck(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeCheck, fmt.Sprintf(format, args...))
}

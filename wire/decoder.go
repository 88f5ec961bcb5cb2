// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "errors"

// Decoder accumulates bytes arriving in chunks of any size and yields
// complete binary object sequences. It never decodes a record before
// the header's declared length is buffered, and it drops the bytes of
// a malformed record so the stream stays usable.
type Decoder struct {
	// Names resolves user name indices. May be nil when the peer
	// writes names as text.
	Names NameResolver

	buffer []byte
}

// Write appends p to the decoder's buffer. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buffer = append(d.buffer, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int { return len(d.buffer) }

// Reset discards buffered bytes.
func (d *Decoder) Reset() { d.buffer = d.buffer[:0] }

// Next decodes the next complete record. It returns a
// [*NeedMoreError] when more input is required, in which case the
// buffer is left untouched. A malformed record is removed from the
// buffer before its error is returned; when the header itself is
// unusable the whole buffer is dropped, since there is no length to
// resynchronize on.
//
// The returned record's strings are copies and survive later calls.
func (d *Decoder) Next() (Record, error) {
	header, err := PeekHeader(d.buffer)
	if err != nil {
		if !errors.Is(err, ErrNeedMore) {
			d.buffer = d.buffer[:0]
		}
		return Record{}, err
	}
	if len(d.buffer) < header.Length {
		return Record{}, needMore(header.Length - len(d.buffer))
	}
	raw := make([]byte, header.Length)
	copy(raw, d.buffer[:header.Length])
	d.buffer = append(d.buffer[:0], d.buffer[header.Length:]...)

	return DecodeRecord(raw, d.Names)
}

// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/dpsx-project/dpsx/lib/codec"
)

// ErrCorrupt reports a trace whose structure or checksums are wrong.
var ErrCorrupt = errors.New("trace: corrupt")

// Reader reads records back from a trace.
type Reader struct {
	in     *bufio.Reader
	header Header
	chunks int

	pending *codec.Decoder
}

// NewReader reads the trace header from in.
func NewReader(in io.Reader) (*Reader, error) {
	r := &Reader{in: bufio.NewReader(in)}
	prefix := make([]byte, len(Magic)+4)
	if _, err := io.ReadFull(r.in, prefix); err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrCorrupt, err)
	}
	if string(prefix[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, prefix[:len(Magic)])
	}
	size := binary.BigEndian.Uint32(prefix[len(Magic):])
	if size > maxHeaderSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrCorrupt, size)
	}
	encoded := make([]byte, size)
	if _, err := io.ReadFull(r.in, encoded); err != nil {
		return nil, fmt.Errorf("%w: reading header: %w", ErrCorrupt, err)
	}
	if err := codec.Unmarshal(encoded, &r.header); err != nil {
		return nil, fmt.Errorf("%w: decoding header: %w", ErrCorrupt, err)
	}
	return r, nil
}

// Header returns the trace header.
func (r *Reader) Header() Header { return r.header }

// Chunks returns how many chunks have been read so far.
func (r *Reader) Chunks() int { return r.chunks }

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	for {
		if r.pending != nil {
			var record Record
			err := r.pending.Decode(&record)
			if err == nil {
				return record, nil
			}
			if !errors.Is(err, io.EOF) {
				return Record{}, fmt.Errorf("%w: chunk %d: %w", ErrCorrupt, r.chunks, err)
			}
			r.pending = nil
		}
		raw, err := r.readChunk()
		if err != nil {
			return Record{}, err
		}
		r.pending = codec.NewDecoder(bytes.NewReader(raw))
	}
}

// readChunk reads and verifies one chunk, returning its raw data.
func (r *Reader) readChunk() ([]byte, error) {
	header := make([]byte, chunkHeaderSize)
	if _, err := io.ReadFull(r.in, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: chunk %d header: %w", ErrCorrupt, r.chunks+1, err)
	}
	compression := Compression(header[0])
	rawSize := binary.BigEndian.Uint32(header[1:5])
	storedSize := binary.BigEndian.Uint32(header[5:9])
	if rawSize > maxChunkSize || storedSize > maxChunkSize {
		return nil, fmt.Errorf("%w: chunk %d claims %d raw and %d stored bytes", ErrCorrupt, r.chunks+1, rawSize, storedSize)
	}
	stored := make([]byte, storedSize)
	if _, err := io.ReadFull(r.in, stored); err != nil {
		return nil, fmt.Errorf("%w: chunk %d data: %w", ErrCorrupt, r.chunks+1, err)
	}
	raw, err := decompress(stored, compression, int(rawSize))
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %w", ErrCorrupt, r.chunks+1, err)
	}
	if sum := blake3.Sum256(raw); !bytes.Equal(sum[:], header[9:]) {
		return nil, fmt.Errorf("%w: chunk %d checksum mismatch", ErrCorrupt, r.chunks+1)
	}
	r.chunks++
	return raw, nil
}

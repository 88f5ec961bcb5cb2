// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace records channel traffic to a file and reads it back.
//
// A trace file is the magic "DPSXTRC1", a length-prefixed CBOR
// [Header], and a run of chunks. Each chunk is
//
//	[compression u8][raw length u32][stored length u32][BLAKE3-256 of raw data][stored data]
//
// with big-endian lengths. The raw data of a chunk is a CBOR sequence
// of [Record] values. Chunks are sealed when they reach the configured
// size, on Flush, and on Close, so a trace cut short by a crash loses
// at most one partial chunk.
package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/dpsx-project/dpsx/channel"
	"github.com/dpsx-project/dpsx/lib/clock"
	"github.com/dpsx-project/dpsx/lib/codec"
)

// Magic opens every trace file.
const Magic = "DPSXTRC1"

// DefaultChunkSize is used when Options.ChunkSize is zero.
const DefaultChunkSize = 64 << 10

const (
	chunkHeaderSize = 1 + 4 + 4 + 32
	maxHeaderSize   = 64 << 10

	// maxChunkSize bounds both lengths in a chunk header when reading.
	maxChunkSize = 64 << 20
)

// Header identifies a trace.
type Header struct {
	// ID is a random UUID naming this trace.
	ID string `cbor:"id"`
	// Created is the Unix time in nanoseconds the trace was started.
	Created int64 `cbor:"created"`
	// Label is free text, usually the command that was traced.
	Label string `cbor:"label,omitempty"`
}

// Record is one traced frame.
type Record struct {
	// Time is Unix nanoseconds.
	Time      int64             `cbor:"t"`
	Channel   string            `cbor:"ch"`
	Direction channel.Direction `cbor:"d"`
	Op        channel.Opcode    `cbor:"op"`
	Payload   []byte            `cbor:"p,omitempty"`
}

// Options configures a Writer.
type Options struct {
	Compression Compression
	// ChunkSize is the raw size at which a chunk is sealed.
	ChunkSize int
	Label     string
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Writer records frames. It implements [channel.Tap]. Observe never
// fails: the first write error is logged, stops recording, and is
// returned by Flush and Close.
type Writer struct {
	mu          sync.Mutex
	out         io.Writer
	closer      io.Closer
	compression Compression
	chunkSize   int
	clock       clock.Clock
	logger      *slog.Logger
	header      Header

	chunk   bytes.Buffer
	encoder *codec.Encoder
	records int
	chunks  int
	err     error
}

// Create creates the file at path and starts a trace in it. Close
// closes the file.
func Create(path string, options Options) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating trace: %w", err)
	}
	writer, err := NewWriter(file, options)
	if err != nil {
		file.Close()
		return nil, err
	}
	writer.closer = file
	return writer, nil
}

// NewWriter writes a trace header to out and returns a writer for the
// rest of the trace.
func NewWriter(out io.Writer, options Options) (*Writer, error) {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.ChunkSize > maxChunkSize {
		return nil, fmt.Errorf("trace chunk size %d exceeds maximum %d", options.ChunkSize, maxChunkSize)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating trace id: %w", err)
	}
	header := Header{ID: id.String(), Created: options.Clock.Now().UnixNano(), Label: options.Label}
	encoded, err := codec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encoding trace header: %w", err)
	}
	prefix := make([]byte, 0, len(Magic)+4+len(encoded))
	prefix = append(prefix, Magic...)
	prefix = binary.BigEndian.AppendUint32(prefix, uint32(len(encoded)))
	prefix = append(prefix, encoded...)
	if _, err := out.Write(prefix); err != nil {
		return nil, fmt.Errorf("writing trace header: %w", err)
	}

	w := &Writer{
		out:         out,
		compression: options.Compression,
		chunkSize:   options.ChunkSize,
		clock:       options.Clock,
		logger:      logger.With("trace", header.ID),
		header:      header,
	}
	w.encoder = codec.NewEncoder(&w.chunk)
	return w, nil
}

// Header returns the header written at the start of the trace.
func (w *Writer) Header() Header { return w.header }

// Observe records one frame.
func (w *Writer) Observe(channelName string, direction channel.Direction, frame channel.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	record := Record{
		Time:      w.clock.Now().UnixNano(),
		Channel:   channelName,
		Direction: direction,
		Op:        frame.Op,
		Payload:   frame.Payload,
	}
	if err := w.encoder.Encode(record); err != nil {
		w.failLocked(fmt.Errorf("encoding trace record: %w", err))
		return
	}
	w.records++
	if w.chunk.Len() >= w.chunkSize {
		w.sealLocked()
	}
}

// Flush seals the current chunk, if it holds anything.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealLocked()
	return w.err
}

// Close flushes and closes the underlying file, if Create opened it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealLocked()
	err := w.err
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
		w.closer = nil
	}
	w.logger.Debug("trace closed", "records", w.records, "chunks", w.chunks)
	if w.err == nil {
		w.err = errors.New("trace: writer closed")
	}
	return err
}

func (w *Writer) sealLocked() {
	if w.err != nil || w.chunk.Len() == 0 {
		return
	}
	raw := w.chunk.Bytes()
	stored, compression, err := compress(raw, w.compression)
	if err != nil {
		w.failLocked(err)
		return
	}
	sum := blake3.Sum256(raw)
	header := make([]byte, 0, chunkHeaderSize)
	header = append(header, byte(compression))
	header = binary.BigEndian.AppendUint32(header, uint32(len(raw)))
	header = binary.BigEndian.AppendUint32(header, uint32(len(stored)))
	header = append(header, sum[:]...)
	if _, err := w.out.Write(header); err != nil {
		w.failLocked(fmt.Errorf("writing trace chunk: %w", err))
		return
	}
	if _, err := w.out.Write(stored); err != nil {
		w.failLocked(fmt.Errorf("writing trace chunk: %w", err))
		return
	}
	w.chunks++
	w.chunk.Reset()
}

func (w *Writer) failLocked(err error) {
	w.err = err
	w.logger.Error("trace recording stopped", "error", err)
}

var _ channel.Tap = (*Writer)(nil)

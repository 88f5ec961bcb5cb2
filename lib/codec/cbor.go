// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the one CBOR configuration every DPSX package
// shares. Control bodies on a [channel] frame, trace records, and the
// trace file header are all CBOR; PostScript program bytes never are.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same control message always produces the same bytes. That keeps
// traces diffable and lets tests compare frames byte for byte.
//
// Types serialized here carry `cbor` struct tags with short keys. The
// decoder ignores unknown keys so a newer peer can add fields.
//
// [channel]: github.com/dpsx-project/dpsx/channel
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Trace dumps decode records into any; keep maps
		// JSON-compatible for printing.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// A control body is small. Anything past this is a corrupt
		// length, not a message.
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 12,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the diagnostic notation (RFC 8949 §8) for data. The
// trace dumper prints control bodies with it.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire converts typed PostScript values to and from the bytes
// that cross a connection. It performs no I/O and keeps no state
// beyond what a caller passes in.
//
// Three program encodings are supported for outbound values:
//
//   - [Binary]: a binary object sequence. A short header names the
//     number format and total length, followed by fixed-size 8-byte
//     objects; strings and array bodies are stored by offset into the
//     same buffer.
//   - [Tokens]: PostScript binary tokens (tokens 132 through 149),
//     falling back to ASCII syntax for values no token can carry
//     exactly.
//   - [ASCII]: plain PostScript text.
//
// Names are written either as inline text ([String]) or as an index
// ([Indexed]). Indexed names use the static system name list from
// package names where possible and otherwise a user index allocated
// from a [NameIndexer].
//
// Inbound, the peer returns results as binary object sequences mixed
// into a context's text output. [Peek] inspects a prefix and reports
// how many more bytes are needed before a record is complete;
// [Decoder] accumulates chunks of arbitrary size and yields complete
// [Record] values. Nothing in the decode path reads beyond the length
// a header declares.
//
// [Scanner] parses [Tokens] and [ASCII] programs produced by the
// encoder back into values. It is a tokenizer with just enough
// evaluation to rebuild arrays and literal constants, not an
// interpreter.
package wire

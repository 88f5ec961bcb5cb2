// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/dpsx-project/dpsx/names"
)

// ProgramEncoding selects how a context's outbound values are
// serialized.
type ProgramEncoding uint8

const (
	// Binary writes binary object sequences.
	Binary ProgramEncoding = iota
	// Tokens writes PostScript binary tokens.
	Tokens
	// ASCII writes plain PostScript text.
	ASCII
)

func (p ProgramEncoding) String() string {
	switch p {
	case Binary:
		return "binary"
	case Tokens:
		return "tokens"
	case ASCII:
		return "ascii"
	default:
		return fmt.Sprintf("program(%d)", uint8(p))
	}
}

// ParseProgramEncoding parses a configuration name.
func ParseProgramEncoding(name string) (ProgramEncoding, error) {
	switch name {
	case "binary":
		return Binary, nil
	case "tokens":
		return Tokens, nil
	case "ascii":
		return ASCII, nil
	default:
		return 0, fmt.Errorf("unknown program encoding %q", name)
	}
}

// NameEncoding selects how names are written.
type NameEncoding uint8

const (
	// Indexed writes names as system or user name indices.
	Indexed NameEncoding = iota
	// StringNames writes names as inline text.
	StringNames
)

func (n NameEncoding) String() string {
	switch n {
	case Indexed:
		return "indexed"
	case StringNames:
		return "string"
	default:
		return fmt.Sprintf("names(%d)", uint8(n))
	}
}

// ParseNameEncoding parses a configuration name.
func ParseNameEncoding(name string) (NameEncoding, error) {
	switch name {
	case "indexed":
		return Indexed, nil
	case "string":
		return StringNames, nil
	default:
		return 0, fmt.Errorf("unknown name encoding %q", name)
	}
}

// NameIndexer allocates user name indices. *names.Table implements it.
type NameIndexer interface {
	Intern(name string) (index int, added bool)
}

// NameResolver maps user name indices back to names. *names.Table
// implements it.
type NameResolver interface {
	Lookup(index int) (string, bool)
}

var (
	_ NameIndexer  = (*names.Table)(nil)
	_ NameResolver = (*names.Table)(nil)
)

// CheckEncodings reports whether a program and name encoding can be
// used together. Plain text has no syntax for a user name index.
func CheckEncodings(program ProgramEncoding, nameEncoding NameEncoding) error {
	if program > ASCII {
		return fmt.Errorf("%w: unknown program encoding %d", ErrEncodingCheck, program)
	}
	if nameEncoding > StringNames {
		return fmt.Errorf("%w: unknown name encoding %d", ErrEncodingCheck, nameEncoding)
	}
	if program == ASCII && nameEncoding == Indexed {
		return fmt.Errorf("%w: ascii programs cannot carry indexed names", ErrEncodingCheck)
	}
	return nil
}

// Encoder serializes values for one context. The zero value writes
// binary object sequences with indexed names in HighIEEE format and
// therefore needs Table set.
type Encoder struct {
	Program ProgramEncoding
	Names   NameEncoding
	Format  NumberFormat

	// Table allocates user name indices. Required when Names is
	// Indexed; new names are appended to it during Encode, which is
	// why callers must synchronize the peer's name map after encoding
	// and before writing the bytes.
	Table NameIndexer
}

// Check validates the encoder configuration without encoding anything.
func (e Encoder) Check() error {
	if err := CheckEncodings(e.Program, e.Names); err != nil {
		return err
	}
	if e.Program == Binary && e.Format != 0 && !e.Format.Valid() {
		return fmt.Errorf("%w: invalid number format %d", ErrEncodingCheck, e.Format)
	}
	if e.Names == Indexed && e.Table == nil {
		return fmt.Errorf("%w: indexed names need a name table", ErrEncodingCheck)
	}
	return nil
}

func (e Encoder) format() NumberFormat {
	if e.Format == 0 {
		return HighIEEE
	}
	return e.Format
}

// Encode serializes values as one unit: a single binary object
// sequence for Binary, or a run of tokens for Tokens and ASCII.
func (e Encoder) Encode(values ...Value) ([]byte, error) {
	return e.EncodeTagged(0, values...)
}

// EncodeTagged is Encode with a tag byte stored on every top-level
// object of a binary object sequence. The other encodings have no
// place for a tag and ignore it.
func (e Encoder) EncodeTagged(tag byte, values ...Value) ([]byte, error) {
	if err := e.Check(); err != nil {
		return nil, err
	}
	switch e.Program {
	case Binary:
		return encodeSequence(e.format(), e.Names, e.Table, tag, values)
	case Tokens:
		writer := tokenWriter{format: e.format(), names: e.Names, table: e.Table}
		for _, value := range values {
			if err := writer.value(value); err != nil {
				return nil, err
			}
		}
		return writer.out, nil
	default:
		var out []byte
		for _, value := range values {
			var err error
			out, err = appendASCII(out, value)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

// nameIndex resolves the index form of a name: a system index when the
// name is a system name, otherwise a user index from table.
func nameIndex(table NameIndexer, name string) (index int, system bool) {
	if systemIndex, ok := names.SystemIndex(name); ok {
		return systemIndex, true
	}
	index, _ = table.Intern(name)
	return index, false
}

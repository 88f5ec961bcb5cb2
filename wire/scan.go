// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/dpsx-project/dpsx/names"
)

// Scan parses a program written in any of the three encodings (or a
// mix of them) back into values. It understands the subset of
// PostScript syntax the encoders produce: literals, names, strings,
// brackets and braces, binary tokens, and binary object sequences. The
// idioms the text encoder uses for values that have no bare token form
// are folded back: "true", "false", "null" and "mark" become their
// objects, "(s) cvn" becomes a name, and "cvx" marks the preceding
// name or string executable. The folding applies inside procedures
// too, so every encoder output scans back to the values it came from.
//
// resolver resolves user name indices and may be nil when the program
// carries no indexed names.
func Scan(program []byte, resolver NameResolver) ([]Value, error) {
	scanner := &scanner{input: program, resolver: resolver}
	return scanner.run()
}

type scanFrame struct {
	closing byte
	values  []Value
}

type scanner struct {
	input    []byte
	position int
	resolver NameResolver
	frames   []scanFrame
}

func (s *scanner) top() *scanFrame { return &s.frames[len(s.frames)-1] }

func (s *scanner) push(value Value) {
	frame := s.top()
	frame.values = append(frame.values, value)
}

func (s *scanner) run() ([]Value, error) {
	s.frames = []scanFrame{{}}
	for s.position < len(s.input) {
		c := s.input[s.position]
		switch {
		case isWhitespace(c):
			s.position++
		case c == '%':
			for s.position < len(s.input) && s.input[s.position] != '\n' && s.input[s.position] != '\r' {
				s.position++
			}
		case c == '(':
			data, err := s.literalString()
			if err != nil {
				return nil, err
			}
			s.push(Bytes(data))
		case c == '<':
			if s.position+1 < len(s.input) && s.input[s.position+1] == '<' {
				s.position += 2
				s.push(ExecName("<<"))
				continue
			}
			data, err := s.hexString()
			if err != nil {
				return nil, err
			}
			s.push(Bytes(data))
		case c == '>':
			if s.position+1 < len(s.input) && s.input[s.position+1] == '>' {
				s.position += 2
				s.push(ExecName(">>"))
				continue
			}
			return nil, malformed("unexpected '>' at offset %d", s.position)
		case c == '[', c == '{':
			if len(s.frames) > maxDepth {
				return nil, rangeCheck("nesting deeper than %d", maxDepth)
			}
			closing := byte(']')
			if c == '{' {
				closing = '}'
			}
			s.frames = append(s.frames, scanFrame{closing: closing})
			s.position++
		case c == ']', c == '}':
			if len(s.frames) == 1 || s.top().closing != c {
				return nil, malformed("unbalanced %q at offset %d", c, s.position)
			}
			frame := s.frames[len(s.frames)-1]
			s.frames = s.frames[:len(s.frames)-1]
			elements := frame.values
			if elements == nil {
				elements = []Value{}
			}
			s.push(Value{Kind: KindArray, Elems: elements, Exec: c == '}'})
			s.position++
		case c == ')':
			return nil, malformed("unexpected ')' at offset %d", s.position)
		case c == '/':
			s.position++
			if s.position < len(s.input) && s.input[s.position] == '/' {
				s.position++
			}
			s.push(LitName(s.regularToken()))
		case IsSequenceToken(c):
			record, err := DecodeRecord(s.input[s.position:], s.resolver)
			if err != nil {
				return nil, err
			}
			for _, object := range record.Objects {
				s.push(object)
			}
			s.position += record.Length
		case isBinaryToken(c):
			if err := s.binaryToken(); err != nil {
				return nil, err
			}
		default:
			token := s.regularToken()
			if value, ok := parseNumber(token); ok {
				s.push(value)
				continue
			}
			s.executableName(token)
		}
	}
	if len(s.frames) != 1 {
		return nil, malformed("unterminated %q", s.top().closing)
	}
	return s.frames[0].values, nil
}

// executableName pushes an executable name, folding the text
// encoder's idioms.
func (s *scanner) executableName(token string) {
	frame := s.top()
	var previous *Value
	if len(frame.values) > 0 {
		previous = &frame.values[len(frame.values)-1]
	}
	switch token {
	case "true":
		s.push(Bool(true))
	case "false":
		s.push(Bool(false))
	case "null":
		s.push(Null())
	case "mark":
		s.push(Mark())
	case "cvn":
		if previous != nil && previous.Kind == KindString && !previous.Exec {
			*previous = LitName(string(previous.Bytes))
			return
		}
		s.push(ExecName(token))
	case "cvx":
		if previous != nil && (previous.Kind == KindName || previous.Kind == KindString) && !previous.Exec {
			previous.Exec = true
			return
		}
		s.push(ExecName(token))
	default:
		s.push(ExecName(token))
	}
}

func (s *scanner) regularToken() string {
	start := s.position
	for s.position < len(s.input) {
		c := s.input[s.position]
		if isWhitespace(c) || isDelimiter(c) || isBinaryToken(c) {
			break
		}
		s.position++
	}
	return string(s.input[start:s.position])
}

func (s *scanner) literalString() ([]byte, error) {
	start := s.position
	s.position++
	depth := 1
	var out []byte
	for s.position < len(s.input) {
		c := s.input[s.position]
		s.position++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				if out == nil {
					out = []byte{}
				}
				return out, nil
			}
		case '\\':
			if s.position >= len(s.input) {
				return nil, malformed("unterminated string at offset %d", start)
			}
			escaped := s.input[s.position]
			s.position++
			switch escaped {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\n':
			case '\r':
				if s.position < len(s.input) && s.input[s.position] == '\n' {
					s.position++
				}
			default:
				if escaped >= '0' && escaped <= '7' {
					code := int(escaped - '0')
					for digits := 1; digits < 3 && s.position < len(s.input); digits++ {
						next := s.input[s.position]
						if next < '0' || next > '7' {
							break
						}
						code = code*8 + int(next-'0')
						s.position++
					}
					out = append(out, byte(code))
					continue
				}
				out = append(out, escaped)
			}
			continue
		}
		out = append(out, c)
	}
	return nil, malformed("unterminated string at offset %d", start)
}

func (s *scanner) hexString() ([]byte, error) {
	start := s.position
	s.position++
	out := []byte{}
	high, pending := byte(0), false
	for s.position < len(s.input) {
		c := s.input[s.position]
		s.position++
		if c == '>' {
			if pending {
				out = append(out, high<<4)
			}
			return out, nil
		}
		if isWhitespace(c) {
			continue
		}
		nibble, ok := hexNibble(c)
		if !ok {
			return nil, malformed("invalid hex digit %q at offset %d", c, s.position-1)
		}
		if pending {
			out = append(out, high<<4|nibble)
		} else {
			high = nibble
		}
		pending = !pending
	}
	return nil, malformed("unterminated hex string at offset %d", start)
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// take returns the next n bytes of input or a malformed error naming
// what was being read.
func (s *scanner) take(n int, what string) ([]byte, error) {
	if s.position+n > len(s.input) {
		return nil, malformed("truncated %s at offset %d", what, s.position)
	}
	data := s.input[s.position : s.position+n]
	s.position += n
	return data, nil
}

func (s *scanner) binaryToken() error {
	token := s.input[s.position]
	if token == TokenNumberArray {
		value, consumed, err := DecodeNumberArray(s.input[s.position:])
		if err != nil {
			return err
		}
		s.position += consumed
		s.push(value)
		return nil
	}
	s.position++
	var order binary.ByteOrder = binary.BigEndian
	switch token {
	case tokenInt32Low, tokenInt16Low, tokenRealLow, tokenString16Lo:
		order = binary.LittleEndian
	case tokenRealNative:
		order = binary.NativeEndian
	}
	switch token {
	case tokenInt32High, tokenInt32Low:
		data, err := s.take(4, "integer")
		if err != nil {
			return err
		}
		s.push(Int(int32(order.Uint32(data))))
	case tokenInt16High, tokenInt16Low:
		data, err := s.take(2, "integer")
		if err != nil {
			return err
		}
		s.push(Int(int32(int16(order.Uint16(data)))))
	case tokenInt8:
		data, err := s.take(1, "integer")
		if err != nil {
			return err
		}
		s.push(Int(int32(int8(data[0]))))
	case tokenFixed:
		return s.fixedToken()
	case tokenRealHigh, tokenRealLow, tokenRealNative:
		data, err := s.take(4, "real")
		if err != nil {
			return err
		}
		s.push(Real(math.Float32frombits(order.Uint32(data))))
	case tokenBool:
		data, err := s.take(1, "boolean")
		if err != nil {
			return err
		}
		s.push(Bool(data[0] != 0))
	case tokenString8:
		data, err := s.take(1, "string length")
		if err != nil {
			return err
		}
		body, err := s.take(int(data[0]), "string")
		if err != nil {
			return err
		}
		s.push(Bytes(body))
	case tokenString16Hi, tokenString16Lo:
		data, err := s.take(2, "string length")
		if err != nil {
			return err
		}
		body, err := s.take(int(order.Uint16(data)), "string")
		if err != nil {
			return err
		}
		s.push(Bytes(body))
	case tokenSystemName, tokenSystemExec, tokenUserName, tokenUserExec:
		data, err := s.take(1, "name index")
		if err != nil {
			return err
		}
		index := int(data[0])
		var name string
		var ok bool
		if token == tokenSystemName || token == tokenSystemExec {
			name, ok = names.SystemName(index)
		} else if s.resolver != nil {
			name, ok = s.resolver.Lookup(index)
		}
		if !ok {
			return malformed("undefined name index %d in token %d", index, token)
		}
		if token == tokenSystemExec || token == tokenUserExec {
			s.push(ExecName(name))
		} else {
			s.push(LitName(name))
		}
	default:
		return malformed("reserved binary token %d", token)
	}
	return nil
}

// fixedToken decodes a standalone fixed-point number, which shares its
// representation byte with the homogeneous number array.
func (s *scanner) fixedToken() error {
	data, err := s.take(1, "fixed representation")
	if err != nil {
		return err
	}
	var order binary.ByteOrder = binary.BigEndian
	if data[0]&lowOrderRep != 0 {
		order = binary.LittleEndian
	}
	rep := NumberRep(data[0] &^ lowOrderRep)
	if !rep.fixed() {
		return typeCheck("fixed token representation %d", data[0])
	}
	size, scale, err := rep.width()
	if err != nil {
		return err
	}
	raw, err := s.take(size, "fixed number")
	if err != nil {
		return err
	}
	if size == 2 {
		s.push(fixedToReal(int64(int16(order.Uint16(raw))), scale))
	} else {
		s.push(fixedToReal(int64(int32(order.Uint32(raw))), scale))
	}
	return nil
}

// parseNumber parses an integer, radix, or real token. Reals that
// survive a round trip through float32 are single precision; anything
// else is kept wide.
func parseNumber(token string) (Value, bool) {
	if token == "" {
		return Value{}, false
	}
	if base, digits, ok := strings.Cut(token, "#"); ok {
		radix, err := strconv.Atoi(base)
		if err != nil || radix < 2 || radix > 36 || digits == "" {
			return Value{}, false
		}
		n, err := strconv.ParseUint(digits, radix, 32)
		if err != nil {
			return Value{}, false
		}
		return Int(int32(uint32(n))), true
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if !(c >= '0' && c <= '9') && c != '+' && c != '-' && c != '.' && c != 'e' && c != 'E' {
			return Value{}, false
		}
	}
	if n, err := strconv.ParseInt(token, 10, 64); err == nil {
		return Int64(n), true
	}
	f, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return Value{}, false
	}
	if float64(float32(f)) == f {
		return Value{Kind: KindReal, Real: f}, true
	}
	return Double(f), true
}

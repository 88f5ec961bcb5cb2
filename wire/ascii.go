// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"math"
	"strconv"
	"strings"
)

// appendASCII renders value as PostScript text followed by a single
// space, so consecutive tokens never run together.
func appendASCII(out []byte, value Value) ([]byte, error) {
	switch value.Kind {
	case KindNull:
		return append(out, "null "...), nil
	case KindMark:
		return append(out, "mark "...), nil
	case KindBool:
		return append(strconv.AppendBool(out, value.Bool), ' '), nil
	case KindInt:
		return append(strconv.AppendInt(out, value.Int, 10), ' '), nil
	case KindReal:
		return appendASCIIReal(out, value)
	case KindString:
		out = appendEscapedString(out, value.Bytes)
		if value.Exec {
			out = append(out, "cvx "...)
		}
		return out, nil
	case KindName:
		return appendASCIIName(out, value.Name, value.Exec), nil
	case KindArray:
		opening, closing := "[ ", "] "
		if value.Exec {
			opening, closing = "{ ", "} "
		}
		out = append(out, opening...)
		for _, element := range value.Elems {
			var err error
			out, err = appendASCII(out, element)
			if err != nil {
				return nil, err
			}
		}
		return append(out, closing...), nil
	default:
		return nil, rangeCheck("cannot render %s as text", value.Kind)
	}
}

// appendASCIIReal writes the shortest text that parses back to the
// same real at the value's precision. A decimal point is forced so the
// scanner does not read the token back as an integer.
func appendASCIIReal(out []byte, value Value) ([]byte, error) {
	if math.IsNaN(value.Real) || math.IsInf(value.Real, 0) {
		return nil, rangeCheck("%v has no PostScript text form", value.Real)
	}
	bits := 32
	if value.Wide {
		bits = 64
	}
	text := strconv.FormatFloat(value.Real, 'g', -1, bits)
	out = append(out, text...)
	if !strings.ContainsAny(text, ".e") {
		out = append(out, ".0"...)
	}
	return append(out, ' '), nil
}

// appendEscapedString writes data as a parenthesized string.
// Parentheses and backslashes are escaped, and every byte outside
// printable ASCII becomes a three-digit octal escape.
func appendEscapedString(out []byte, data []byte) []byte {
	out = append(out, '(')
	for _, c := range data {
		switch {
		case c == '(' || c == ')' || c == '\\':
			out = append(out, '\\', c)
		case c < 0x20 || c >= 0x7F:
			out = append(out, '\\', '0'+c>>6, '0'+(c>>3)&7, '0'+c&7)
		default:
			out = append(out, c)
		}
	}
	return append(out, ')', ' ')
}

// appendASCIIName writes a name token. Names that cannot appear as a
// bare token are written as a string converted with cvn: names with
// delimiters, whitespace or non-printable bytes, names that would scan
// as a number, and the words the scanner folds into other objects.
func appendASCIIName(out []byte, name string, exec bool) []byte {
	if nameNeedsQuoting(name) {
		out = appendEscapedString(out, []byte(name))
		out = append(out, "cvn "...)
		if exec {
			out = append(out, "cvx "...)
		}
		return out
	}
	if !exec {
		out = append(out, '/')
	}
	out = append(out, name...)
	return append(out, ' ')
}

func nameNeedsQuoting(name string) bool {
	if name == "" {
		return true
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c >= 0x7F || isDelimiter(c) {
			return true
		}
	}
	switch name {
	case "true", "false", "null", "mark", "cvn", "cvx":
		return true
	}
	_, isNumber := parseNumber(name)
	return isNumber
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isWhitespace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', 0:
		return true
	}
	return false
}

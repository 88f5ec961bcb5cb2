// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindReal
	KindName
	KindString
	KindArray
	KindMark
)

// String returns the PostScript type name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "nulltype"
	case KindBool:
		return "booleantype"
	case KindInt:
		return "integertype"
	case KindReal:
		return "realtype"
	case KindName:
		return "nametype"
	case KindString:
		return "stringtype"
	case KindArray:
		return "arraytype"
	case KindMark:
		return "marktype"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value is one typed PostScript object. Only the fields that belong
// to Kind are meaningful.
//
// Strings and arrays produced by the decoder share storage with the
// record they came from; copy Bytes before retaining it past the next
// call into the decoder.
type Value struct {
	Kind Kind

	// Exec is the executable attribute. It is meaningful for names
	// and arrays (procedures).
	Exec bool

	// Wide marks a 64-bit integer or a double-precision real. A
	// binary object carries only 32 bits: wide integers are rejected
	// there and doubles are narrowed. The token encoding renders both
	// as text so nothing is lost.
	Wide bool

	Int   int64
	Real  float64
	Bool  bool
	Name  string
	Bytes []byte
	Elems []Value
}

// Null returns the null object.
func Null() Value { return Value{Kind: KindNull} }

// Mark returns a mark object.
func Mark() Value { return Value{Kind: KindMark} }

// Bool returns a boolean.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int returns a 32-bit integer.
func Int(i int32) Value { return Value{Kind: KindInt, Int: int64(i)} }

// Int64 returns an integer, marking it wide when it does not fit 32
// bits.
func Int64(i int64) Value {
	return Value{Kind: KindInt, Int: i, Wide: i < math.MinInt32 || i > math.MaxInt32}
}

// Real returns a single-precision real.
func Real(f float32) Value { return Value{Kind: KindReal, Real: float64(f)} }

// Double returns a double-precision real.
func Double(f float64) Value { return Value{Kind: KindReal, Real: f, Wide: true} }

// LitName returns a literal name (/name).
func LitName(name string) Value { return Value{Kind: KindName, Name: name} }

// ExecName returns an executable name.
func ExecName(name string) Value { return Value{Kind: KindName, Name: name, Exec: true} }

// String returns a string object holding a copy of s.
func String(s string) Value { return Value{Kind: KindString, Bytes: []byte(s)} }

// Bytes returns a string object that aliases b.
func Bytes(b []byte) Value { return Value{Kind: KindString, Bytes: b} }

// Array returns a literal array.
func Array(elems ...Value) Value { return Value{Kind: KindArray, Elems: elems} }

// Proc returns an executable array.
func Proc(elems ...Value) Value { return Value{Kind: KindArray, Elems: elems, Exec: true} }

// Equal reports whether a and b denote the same object. Integers
// compare by value regardless of width. Reals compare in double
// precision when both sides are wide and in single precision
// otherwise, since a single-precision side cannot carry more.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull, KindMark:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindReal:
		if a.Wide && b.Wide {
			return a.Real == b.Real || (math.IsNaN(a.Real) && math.IsNaN(b.Real))
		}
		af, bf := float32(a.Real), float32(b.Real)
		return af == bf || (af != af && bf != bf)
	case KindName:
		return a.Name == b.Name && a.Exec == b.Exec
	case KindString:
		return bytes.Equal(a.Bytes, b.Bytes)
	case KindArray:
		if a.Exec != b.Exec || len(a.Elems) != len(b.Elems) {
			return false
		}
		for i := range a.Elems {
			if !Equal(a.Elems[i], b.Elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Ints returns the elements of a numeric array as integers that fit
// in bits (8, 16, 32 or 64). Reals are accepted only when integral.
// A value that does not fit is a type check error; nothing is ever
// truncated.
func (v Value) Ints(bits int) ([]int64, error) {
	if v.Kind != KindArray {
		return nil, typeCheck("want array, have %s", v.Kind)
	}
	if bits != 8 && bits != 16 && bits != 32 && bits != 64 {
		return nil, typeCheck("unsupported integer width %d", bits)
	}
	minimum := int64(-1) << (bits - 1)
	maximum := -(minimum + 1)
	out := make([]int64, len(v.Elems))
	for i, element := range v.Elems {
		var n int64
		switch element.Kind {
		case KindInt:
			n = element.Int
		case KindReal:
			if element.Real != math.Trunc(element.Real) {
				return nil, typeCheck("element %d (%v) is not integral", i, element.Real)
			}
			// float64(math.MaxInt64) rounds up to 2^63.
			if element.Real >= 0x1p63 || element.Real < -0x1p63 {
				return nil, typeCheck("element %d (%v) does not fit %d bits", i, element.Real, bits)
			}
			n = int64(element.Real)
		default:
			return nil, typeCheck("element %d is %s", i, element.Kind)
		}
		if n < minimum || n > maximum {
			return nil, typeCheck("element %d (%d) does not fit %d bits", i, n, bits)
		}
		out[i] = n
	}
	return out, nil
}

// Reals returns the elements of a numeric array as float64.
func (v Value) Reals() ([]float64, error) {
	if v.Kind != KindArray {
		return nil, typeCheck("want array, have %s", v.Kind)
	}
	out := make([]float64, len(v.Elems))
	for i, element := range v.Elems {
		switch element.Kind {
		case KindInt:
			out[i] = float64(element.Int)
		case KindReal:
			out[i] = element.Real
		default:
			return nil, typeCheck("element %d is %s", i, element.Kind)
		}
	}
	return out, nil
}

// String renders v in a compact debugging form close to PostScript
// syntax.
func (v Value) String() string {
	var builder strings.Builder
	v.format(&builder)
	return builder.String()
}

func (v Value) format(builder *strings.Builder) {
	switch v.Kind {
	case KindNull:
		builder.WriteString("null")
	case KindMark:
		builder.WriteString("mark")
	case KindBool:
		builder.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		builder.WriteString(strconv.FormatInt(v.Int, 10))
	case KindReal:
		bits := 32
		if v.Wide {
			bits = 64
		}
		builder.WriteString(strconv.FormatFloat(v.Real, 'g', -1, bits))
	case KindName:
		if !v.Exec {
			builder.WriteByte('/')
		}
		builder.WriteString(v.Name)
	case KindString:
		builder.WriteString(strconv.Quote(string(v.Bytes)))
	case KindArray:
		opening, closing := "[", "]"
		if v.Exec {
			opening, closing = "{", "}"
		}
		builder.WriteString(opening)
		for i, element := range v.Elems {
			if i > 0 {
				builder.WriteByte(' ')
			}
			element.format(builder)
		}
		builder.WriteString(closing)
	default:
		builder.WriteString(v.Kind.String())
	}
}

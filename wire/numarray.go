// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"math"
)

// TokenNumberArray introduces a homogeneous number array:
//
//	[149][representation][count u16][elements]
//
// The representation byte selects one element format for the whole
// array. Its high bit selects little-endian order for the count and
// the elements; the remaining bits are:
//
//	0..31   32-bit fixed point, binary scale r
//	32..47  16-bit fixed point, binary scale r-32
//	48      32-bit IEEE real
//	49      32-bit native real
const TokenNumberArray = 149

// NumberRep is the low seven bits of a homogeneous number array's
// representation byte.
type NumberRep uint8

const (
	RepFixed32 NumberRep = 0
	RepFixed16 NumberRep = 32
	RepIEEE    NumberRep = 48
	RepNative  NumberRep = 49

	lowOrderRep  = 0x80
	arrayHeader  = 4
	maxRepresent = 49
)

// width returns the element width in bytes and the binary scale.
func (r NumberRep) width() (size int, scale int, err error) {
	switch {
	case r < RepFixed16:
		return 4, int(r), nil
	case r < RepIEEE:
		return 2, int(r - RepFixed16), nil
	case r == RepIEEE, r == RepNative:
		return 4, 0, nil
	default:
		return 0, 0, typeCheck("number array representation %d", r)
	}
}

func (r NumberRep) fixed() bool { return r < RepIEEE }

// ChooseNumberRep picks the most compact representation able to hold
// every element of a numeric array exactly: 16-bit then 32-bit fixed
// point for integers, IEEE for single-precision reals. ok is false
// when the elements are mixed, wide, empty, or not numbers at all.
func ChooseNumberRep(elements []Value) (rep NumberRep, ok bool) {
	if len(elements) == 0 || len(elements) > math.MaxUint16 {
		return 0, false
	}
	allInt, allReal := true, true
	fits16 := true
	for _, element := range elements {
		switch element.Kind {
		case KindInt:
			allReal = false
			if element.Wide || element.Int < math.MinInt32 || element.Int > math.MaxInt32 {
				return 0, false
			}
			if element.Int < math.MinInt16 || element.Int > math.MaxInt16 {
				fits16 = false
			}
		case KindReal:
			allInt = false
			if element.Wide {
				return 0, false
			}
		default:
			return 0, false
		}
	}
	switch {
	case allInt && fits16:
		return RepFixed16, true
	case allInt:
		return RepFixed32, true
	case allReal:
		return RepIEEE, true
	}
	return 0, false
}

// AppendNumberArray appends a homogeneous number array holding values
// in representation rep. A value that the representation cannot hold
// exactly at its scale is a range check error; nothing is truncated.
func AppendNumberArray(out []byte, rep NumberRep, low bool, values []Value) ([]byte, error) {
	size, scale, err := rep.width()
	if err != nil {
		return nil, err
	}
	if len(values) > math.MaxUint16 {
		return nil, rangeCheck("number array of %d elements", len(values))
	}
	var order binary.ByteOrder = binary.BigEndian
	representation := byte(rep)
	if low {
		order = binary.LittleEndian
		representation |= lowOrderRep
	}
	out = append(out, TokenNumberArray, representation, 0, 0)
	order.PutUint16(out[len(out)-2:], uint16(len(values)))

	element := make([]byte, size)
	for i, value := range values {
		number, err := realOf(value)
		if err != nil {
			return nil, err
		}
		if !rep.fixed() {
			order.PutUint32(element, math.Float32bits(float32(number)))
			out = append(out, element...)
			continue
		}
		scaled := number * float64(int64(1)<<scale)
		if scaled != math.Trunc(scaled) {
			return nil, rangeCheck("element %d (%v) is not representable at scale %d", i, number, scale)
		}
		if size == 2 {
			if scaled < math.MinInt16 || scaled > math.MaxInt16 {
				return nil, rangeCheck("element %d (%v) does not fit 16 bits", i, number)
			}
			order.PutUint16(element, uint16(int16(scaled)))
		} else {
			if scaled < math.MinInt32 || scaled > math.MaxInt32 {
				return nil, rangeCheck("element %d (%v) does not fit 32 bits", i, number)
			}
			order.PutUint32(element, uint32(int32(scaled)))
		}
		out = append(out, element...)
	}
	return out, nil
}

func realOf(value Value) (float64, error) {
	switch value.Kind {
	case KindInt:
		return float64(value.Int), nil
	case KindReal:
		return value.Real, nil
	default:
		return 0, typeCheck("number array element is %s", value.Kind)
	}
}

// DecodeNumberArray decodes the homogeneous number array at the start
// of b and returns it as a literal array together with the number of
// bytes consumed. Every element is rebuilt with the array's shared
// scale: fixed point with scale zero yields integers, anything else
// yields reals. An incomplete array returns a [*NeedMoreError].
func DecodeNumberArray(b []byte) (Value, int, error) {
	if len(b) < arrayHeader {
		return Value{}, 0, needMore(arrayHeader - len(b))
	}
	if b[0] != TokenNumberArray {
		return Value{}, 0, malformed("token %d is not a number array", b[0])
	}
	rep := NumberRep(b[1] &^ lowOrderRep)
	if rep > maxRepresent {
		return Value{}, 0, typeCheck("number array representation %d", b[1])
	}
	size, scale, err := rep.width()
	if err != nil {
		return Value{}, 0, err
	}
	var order binary.ByteOrder = binary.BigEndian
	if b[1]&lowOrderRep != 0 {
		order = binary.LittleEndian
	}
	count := int(order.Uint16(b[2:4]))
	total := arrayHeader + count*size
	if len(b) < total {
		return Value{}, 0, needMore(total - len(b))
	}

	elements := make([]Value, count)
	for i := range elements {
		raw := b[arrayHeader+i*size : arrayHeader+(i+1)*size]
		switch {
		case !rep.fixed():
			elements[i] = Value{Kind: KindReal, Real: float64(math.Float32frombits(order.Uint32(raw)))}
		case size == 2:
			elements[i] = fixedToReal(int64(int16(order.Uint16(raw))), scale)
		default:
			elements[i] = fixedToReal(int64(int32(order.Uint32(raw))), scale)
		}
	}
	return Value{Kind: KindArray, Elems: elements}, total, nil
}

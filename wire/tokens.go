// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"math"
)

// Binary token types. Each token is self-delimiting; values with no
// token form are written as text between tokens.
const (
	tokenInt32High   = 132
	tokenInt32Low    = 133
	tokenInt16High   = 134
	tokenInt16Low    = 135
	tokenInt8        = 136
	tokenFixed       = 137
	tokenRealHigh    = 138
	tokenRealLow     = 139
	tokenRealNative  = 140
	tokenBool        = 141
	tokenString8     = 142
	tokenString16Hi  = 143
	tokenString16Lo  = 144
	tokenSystemName  = 145
	tokenSystemExec  = 146
	tokenUserName    = 147
	tokenUserExec    = 148
	firstBinaryToken = 128
	lastBinaryToken  = 159
)

func isBinaryToken(c byte) bool { return c >= firstBinaryToken && c <= lastBinaryToken }

// tokenWriter serializes values as binary tokens. Numbers use the
// byte order of format. Wide numbers, oversized strings, and names
// without a one-byte index fall back to text so nothing is truncated.
type tokenWriter struct {
	format NumberFormat
	names  NameEncoding
	table  NameIndexer
	out    []byte
}

func (w *tokenWriter) order() binary.ByteOrder { return w.format.Order() }

func (w *tokenWriter) value(value Value) error {
	switch value.Kind {
	case KindInt:
		w.integer(value)
	case KindReal:
		if value.Wide {
			return w.text(value)
		}
		token := byte(tokenRealHigh)
		if w.format.Low() {
			token = tokenRealLow
		}
		w.out = append(w.out, token, 0, 0, 0, 0)
		w.order().PutUint32(w.out[len(w.out)-4:], math.Float32bits(float32(value.Real)))
	case KindBool:
		flag := byte(0)
		if value.Bool {
			flag = 1
		}
		w.out = append(w.out, tokenBool, flag)
	case KindString:
		return w.str(value)
	case KindName:
		return w.name(value)
	case KindArray:
		return w.array(value)
	default:
		return w.text(value)
	}
	return nil
}

func (w *tokenWriter) integer(value Value) {
	switch {
	case value.Wide || value.Int < math.MinInt32 || value.Int > math.MaxInt32:
		// Text is exact for any width; the error path is unreachable
		// for integers.
		w.out, _ = appendASCII(w.out, value)
	case value.Int >= math.MinInt8 && value.Int <= math.MaxInt8:
		w.out = append(w.out, tokenInt8, byte(int8(value.Int)))
	case value.Int >= math.MinInt16 && value.Int <= math.MaxInt16:
		token := byte(tokenInt16High)
		if w.format.Low() {
			token = tokenInt16Low
		}
		w.out = append(w.out, token, 0, 0)
		w.order().PutUint16(w.out[len(w.out)-2:], uint16(int16(value.Int)))
	default:
		token := byte(tokenInt32High)
		if w.format.Low() {
			token = tokenInt32Low
		}
		w.out = append(w.out, token, 0, 0, 0, 0)
		w.order().PutUint32(w.out[len(w.out)-4:], uint32(int32(value.Int)))
	}
}

func (w *tokenWriter) str(value Value) error {
	switch n := len(value.Bytes); {
	case n <= math.MaxUint8:
		w.out = append(w.out, tokenString8, byte(n))
	case n <= math.MaxUint16:
		token := byte(tokenString16Hi)
		if w.format.Low() {
			token = tokenString16Lo
		}
		w.out = append(w.out, token, 0, 0)
		w.order().PutUint16(w.out[len(w.out)-2:], uint16(n))
	default:
		return w.text(value)
	}
	w.out = append(w.out, value.Bytes...)
	if value.Exec {
		w.out = append(w.out, "cvx "...)
	}
	return nil
}

func (w *tokenWriter) name(value Value) error {
	if w.names != Indexed {
		return w.text(value)
	}
	index, system := nameIndex(w.table, value.Name)
	if !system && index > math.MaxUint8 {
		return w.text(value)
	}
	var token byte
	switch {
	case system && value.Exec:
		token = tokenSystemExec
	case system:
		token = tokenSystemName
	case value.Exec:
		token = tokenUserExec
	default:
		token = tokenUserName
	}
	w.out = append(w.out, token, byte(index))
	return nil
}

func (w *tokenWriter) array(value Value) error {
	if !value.Exec {
		if rep, ok := ChooseNumberRep(value.Elems); ok {
			out, err := AppendNumberArray(w.out, rep, w.format.Low(), value.Elems)
			if err != nil {
				return err
			}
			w.out = out
			return nil
		}
	}
	opening, closing := "[ ", "] "
	if value.Exec {
		opening, closing = "{ ", "} "
	}
	w.out = append(w.out, opening...)
	for _, element := range value.Elems {
		if err := w.value(element); err != nil {
			return err
		}
	}
	w.out = append(w.out, closing...)
	return nil
}

func (w *tokenWriter) text(value Value) error {
	out, err := appendASCII(w.out, value)
	if err != nil {
		return err
	}
	w.out = out
	return nil
}

// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"math"

	"github.com/dpsx-project/dpsx/names"
)

// Binary object sequence layout.
//
// A sequence starts with a header. The short form is
//
//	[format][count u8][length u16]
//
// and the extended form, signalled by a zero count byte, is
//
//	[format][0][count u16][length u32]
//
// Length counts the whole sequence including the header. The header is
// followed by count top-level objects of eight bytes each:
//
//	[type | 0x80 if executable][tag][length u16][value u32]
//
// Array bodies and string bytes follow the top-level objects. Every
// offset stored in an object is relative to the first byte after the
// header. Multi-byte fields use the byte order of the format.
const (
	objectSize         = 8
	shortHeaderSize    = 4
	extendedHeaderSize = 8

	// MaxRecordLength bounds a single sequence. Larger declared
	// lengths are rejected before anything is allocated.
	MaxRecordLength = 16 * 1024 * 1024

	// maxDepth bounds array nesting on both encode and decode.
	maxDepth = 64

	// maxDecodedValues bounds the total values materialized from one
	// record. Arrays may share bodies, so without it a small record
	// could expand without limit.
	maxDecodedValues = 1 << 20

	userNameLength = 0xFFFF
	execFlag       = 0x80
)

// Object type codes.
const (
	objectNull          = 0
	objectInt           = 1
	objectReal          = 2
	objectName          = 3
	objectBool          = 4
	objectString        = 5
	objectImmediateName = 6
	objectArray         = 9
	objectMark          = 10
)

// IsSequenceToken reports whether b starts a binary object sequence.
func IsSequenceToken(b byte) bool {
	return NumberFormat(b).Valid()
}

// Header is a parsed binary object sequence header.
type Header struct {
	Format NumberFormat
	Count  int
	// Length is the total record length including the header.
	Length int
	// Size is the header's own length: 4 or 8 bytes.
	Size int
}

// PeekHeader parses the header at the start of b. When b is too short
// to hold the header, it returns a [*NeedMoreError]: one byte decides
// the format, the second decides between the short and extended
// forms, and the rest follows from that.
func PeekHeader(b []byte) (Header, error) {
	if len(b) < 2 {
		return Header{}, needMore(2 - len(b))
	}
	format := NumberFormat(b[0])
	if !format.Valid() {
		return Header{}, malformed("token %d does not start a binary object sequence", b[0])
	}
	order := format.Order()
	var header Header
	header.Format = format
	if b[1] != 0 {
		if len(b) < shortHeaderSize {
			return Header{}, needMore(shortHeaderSize - len(b))
		}
		header.Count = int(b[1])
		header.Length = int(order.Uint16(b[2:4]))
		header.Size = shortHeaderSize
	} else {
		if len(b) < extendedHeaderSize {
			return Header{}, needMore(extendedHeaderSize - len(b))
		}
		header.Count = int(order.Uint16(b[2:4]))
		header.Length = int(order.Uint32(b[4:8]))
		header.Size = extendedHeaderSize
	}
	if header.Length > MaxRecordLength {
		return Header{}, malformed("declared length %d exceeds maximum %d", header.Length, MaxRecordLength)
	}
	if header.Length < header.Size+header.Count*objectSize {
		return Header{}, malformed("%d objects do not fit in declared length %d", header.Count, header.Length)
	}
	return header, nil
}

// Peek returns the total length of the sequence starting at b, or a
// [*NeedMoreError] when the header itself is incomplete.
func Peek(b []byte) (int, error) {
	header, err := PeekHeader(b)
	if err != nil {
		return 0, err
	}
	return header.Length, nil
}

// Record is one decoded binary object sequence.
type Record struct {
	Format  NumberFormat
	Objects []Value
	// Tags holds the tag byte of each top-level object.
	Tags []byte
	// Length is the number of input bytes the record occupied.
	Length int
}

// DecodeRecord decodes the sequence at the start of b. Bytes after the
// record are ignored. Strings in the result alias b.
func DecodeRecord(b []byte, resolver NameResolver) (Record, error) {
	header, err := PeekHeader(b)
	if err != nil {
		return Record{}, err
	}
	if len(b) < header.Length {
		return Record{}, needMore(header.Length - len(b))
	}
	reader := sequenceReader{
		format:   header.Format,
		body:     b[header.Size:header.Length:header.Length],
		resolver: resolver,
		budget:   maxDecodedValues,
	}
	record := Record{
		Format:  header.Format,
		Objects: make([]Value, header.Count),
		Tags:    make([]byte, header.Count),
		Length:  header.Length,
	}
	for i := 0; i < header.Count; i++ {
		offset := i * objectSize
		record.Tags[i] = reader.body[offset+1]
		value, err := reader.object(offset, 0)
		if err != nil {
			return Record{}, err
		}
		record.Objects[i] = value
	}
	return record, nil
}

type sequenceReader struct {
	format   NumberFormat
	body     []byte
	resolver NameResolver
	budget   int
}

func (r *sequenceReader) span(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset > len(r.body) || length > len(r.body)-offset {
		return nil, malformed("span [%d, +%d) outside record body of %d bytes", offset, length, len(r.body))
	}
	return r.body[offset : offset+length : offset+length], nil
}

func (r *sequenceReader) object(offset, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, malformed("array nesting deeper than %d", maxDepth)
	}
	r.budget--
	if r.budget < 0 {
		return Value{}, malformed("record expands to more than %d values", maxDecodedValues)
	}
	raw, err := r.span(offset, objectSize)
	if err != nil {
		return Value{}, err
	}
	order := r.format.Order()
	objectType := raw[0] &^ execFlag
	exec := raw[0]&execFlag != 0
	length := int(order.Uint16(raw[2:4]))
	word := order.Uint32(raw[4:8])

	switch objectType {
	case objectNull:
		return Null(), nil
	case objectMark:
		return Mark(), nil
	case objectInt:
		return Value{Kind: KindInt, Int: int64(int32(word))}, nil
	case objectReal:
		if length == 0 {
			return Value{Kind: KindReal, Real: float64(math.Float32frombits(word))}, nil
		}
		if length > 31 {
			return Value{}, typeCheck("fixed-point scale %d exceeds 31 bits", length)
		}
		return fixedToReal(int64(int32(word)), length), nil
	case objectBool:
		if word > 1 {
			return Value{}, malformed("boolean value %d", word)
		}
		return Bool(word == 1), nil
	case objectString:
		text, err := r.span(int(word), length)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Bytes: text, Exec: exec}, nil
	case objectName, objectImmediateName:
		name, err := r.name(length, word)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindName, Name: name, Exec: exec && objectType == objectName}, nil
	case objectArray:
		if _, err := r.span(int(word), length*objectSize); err != nil {
			return Value{}, err
		}
		elements := make([]Value, length)
		for i := range elements {
			element, err := r.object(int(word)+i*objectSize, depth+1)
			if err != nil {
				return Value{}, err
			}
			elements[i] = element
		}
		return Value{Kind: KindArray, Elems: elements, Exec: exec}, nil
	default:
		return Value{}, malformed("unknown object type %d", objectType)
	}
}

func (r *sequenceReader) name(length int, word uint32) (string, error) {
	switch length {
	case 0:
		name, ok := names.SystemName(int(word))
		if !ok {
			return "", malformed("unknown system name index %d", word)
		}
		return name, nil
	case userNameLength:
		if r.resolver == nil {
			return "", malformed("user name index %d with no name table", word)
		}
		name, ok := r.resolver.Lookup(int(word))
		if !ok {
			return "", malformed("undefined user name index %d", word)
		}
		return name, nil
	default:
		text, err := r.span(int(word), length)
		if err != nil {
			return "", err
		}
		return string(text), nil
	}
}

// encodeSequence writes values as one binary object sequence.
func encodeSequence(format NumberFormat, nameEncoding NameEncoding, table NameIndexer, tag byte, values []Value) ([]byte, error) {
	total := 0
	for _, value := range values {
		count, err := countObjects(value, 0)
		if err != nil {
			return nil, err
		}
		total += count
	}
	if len(values) > math.MaxUint16 {
		return nil, rangeCheck("%d top-level objects exceed the extended header", len(values))
	}

	writer := sequenceWriter{
		format:       format,
		nameEncoding: nameEncoding,
		table:        table,
		objects:      make([]byte, total*objectSize),
		next:         len(values),
		stringBase:   total * objectSize,
	}
	queue := make([]pendingObject, 0, total)
	for i, value := range values {
		queue = append(queue, pendingObject{slot: i, value: value, tag: tag})
	}
	for head := 0; head < len(queue); head++ {
		children, err := writer.object(queue[head])
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)
	}

	bodyLength := len(writer.objects) + len(writer.strings)
	order := format.Order()
	var out []byte
	if count := len(values); count > 0 && count <= math.MaxUint8 && shortHeaderSize+bodyLength <= math.MaxUint16 {
		out = make([]byte, shortHeaderSize, shortHeaderSize+bodyLength)
		out[0] = byte(format)
		out[1] = byte(count)
		order.PutUint16(out[2:4], uint16(shortHeaderSize+bodyLength))
	} else {
		if extendedHeaderSize+bodyLength > MaxRecordLength {
			return nil, rangeCheck("sequence of %d bytes exceeds maximum %d", extendedHeaderSize+bodyLength, MaxRecordLength)
		}
		out = make([]byte, extendedHeaderSize, extendedHeaderSize+bodyLength)
		out[0] = byte(format)
		out[1] = 0
		order.PutUint16(out[2:4], uint16(len(values)))
		order.PutUint32(out[4:8], uint32(extendedHeaderSize+bodyLength))
	}
	out = append(out, writer.objects...)
	out = append(out, writer.strings...)
	return out, nil
}

func countObjects(value Value, depth int) (int, error) {
	if depth > maxDepth {
		return 0, rangeCheck("array nesting deeper than %d", maxDepth)
	}
	count := 1
	if value.Kind == KindArray {
		if len(value.Elems) > math.MaxUint16 {
			return 0, rangeCheck("array of %d elements exceeds a 16-bit length", len(value.Elems))
		}
		for _, element := range value.Elems {
			n, err := countObjects(element, depth+1)
			if err != nil {
				return 0, err
			}
			count += n
		}
	}
	return count, nil
}

type pendingObject struct {
	slot  int
	value Value
	tag   byte
}

type sequenceWriter struct {
	format       NumberFormat
	nameEncoding NameEncoding
	table        NameIndexer
	objects      []byte
	strings      []byte
	next         int
	stringBase   int
}

func (w *sequenceWriter) appendString(data []byte) (uint32, error) {
	if len(data) > math.MaxUint16-1 {
		return 0, rangeCheck("string of %d bytes exceeds a 16-bit length", len(data))
	}
	offset := w.stringBase + len(w.strings)
	w.strings = append(w.strings, data...)
	return uint32(offset), nil
}

// object fills the slot for pending and returns the array elements it
// placed, which the caller must fill next.
func (w *sequenceWriter) object(pending pendingObject) ([]pendingObject, error) {
	raw := w.objects[pending.slot*objectSize : (pending.slot+1)*objectSize]
	order := w.format.Order()
	value := pending.value
	raw[1] = pending.tag

	var objectType byte
	var length uint16
	var word uint32
	var children []pendingObject

	switch value.Kind {
	case KindNull:
		objectType = objectNull
	case KindMark:
		objectType = objectMark
	case KindBool:
		objectType = objectBool
		if value.Bool {
			word = 1
		}
	case KindInt:
		if value.Int < math.MinInt32 || value.Int > math.MaxInt32 {
			return nil, rangeCheck("integer %d does not fit a 32-bit object", value.Int)
		}
		objectType = objectInt
		word = uint32(int32(value.Int))
	case KindReal:
		objectType = objectReal
		word = math.Float32bits(float32(value.Real))
	case KindString:
		objectType = objectString
		offset, err := w.appendString(value.Bytes)
		if err != nil {
			return nil, err
		}
		length = uint16(len(value.Bytes))
		word = offset
	case KindName:
		objectType = objectName
		if value.Name == "" {
			return nil, rangeCheck("empty name")
		}
		if w.nameEncoding == Indexed {
			index, system := nameIndex(w.table, value.Name)
			word = uint32(index)
			if !system {
				length = userNameLength
			}
		} else {
			offset, err := w.appendString([]byte(value.Name))
			if err != nil {
				return nil, err
			}
			length = uint16(len(value.Name))
			word = offset
		}
	case KindArray:
		objectType = objectArray
		first := w.next
		w.next += len(value.Elems)
		length = uint16(len(value.Elems))
		word = uint32(first * objectSize)
		children = make([]pendingObject, len(value.Elems))
		for i, element := range value.Elems {
			children[i] = pendingObject{slot: first + i, value: element}
		}
	default:
		return nil, rangeCheck("cannot encode %s", value.Kind)
	}

	if value.Exec && (value.Kind == KindName || value.Kind == KindArray || value.Kind == KindString) {
		objectType |= execFlag
	}
	raw[0] = objectType
	order.PutUint16(raw[2:4], length)
	order.PutUint32(raw[4:8], word)
	return children, nil
}

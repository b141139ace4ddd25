// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package tuple implements an order-preserving binary encoding of ordered
// sequences of typed scalars, modeled on the FoundationDB tuple layer: the
// lexicographic byte order of two packed tuples always equals the
// semantic order of the tuples themselves, and a packed tuple concatenated
// with further bytes preserves prefix order.
package tuple

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/erigontech/idxstore/errs"
)

// Type tags. Each tag occupies a disjoint byte range so encoding stays
// injective; comparisons across mismatched kinds are not meaningful to
// callers (the query executor falls back to "equal" for those), only
// same-kind ordering is guaranteed.
const (
	tagNull   byte = 0x00
	tagBytes  byte = 0x01
	tagString byte = 0x02
	// Integers occupy a contiguous range around tagIntZero so that
	// magnitude-length is encoded in the tag itself and negative integers
	// sort before positive ones of the same or greater magnitude.
	tagIntZero  byte = 0x14
	tagIntMax   byte = 0x1c // tagIntZero+8: up to 8-byte magnitude either side
	tagFloat    byte = 0x21
	tagFalse    byte = 0x26
	tagTrue     byte = 0x27
	tagTuple    byte = 0x05
	tupleEscape byte = 0x00
	tupleEnd    byte = 0xff
)

// Value is one element of a Tuple. Exactly one of the fields is set,
// discriminated by Kind.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindBytes
	KindString
	KindTuple
)

type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Bytes []byte
	Str   string
	Inner Tuple
}

func Null() Value                 { return Value{Kind: KindNull} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value           { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value       { return Value{Kind: KindFloat, Float: f} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Bytes: b} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func Nested(t Tuple) Value        { return Value{Kind: KindTuple, Inner: t} }

// Tuple is an ordered sequence of Values.
type Tuple []Value

// String renders a human-readable form for error messages and logs — a
// single-element tuple renders as its bare scalar (e.g. a primary key
// "u1" or an indexed value "a@x"), a multi-element one joins elements
// with ",". Never used for comparison or persistence; see Equal/Compare.
func (t Tuple) String() string {
	switch len(t) {
	case 0:
		return ""
	case 1:
		return t[0].String()
	default:
		parts := make([]string, len(t))
		for i, v := range t {
			parts[i] = v.String()
		}
		return strings.Join(parts, ",")
	}
}

// String renders v's scalar content without Go struct syntax.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBytes:
		return hex.EncodeToString(v.Bytes)
	case KindString:
		return v.Str
	case KindTuple:
		return v.Inner.String()
	default:
		return fmt.Sprintf("<unknown kind %d>", v.Kind)
	}
}

// Pack serializes the tuple so that byte-lexicographic order of the
// result equals the tuple's semantic order.
func (t Tuple) Pack() []byte {
	var out []byte
	for _, v := range t {
		out = appendValue(out, v)
	}
	return out
}

func appendValue(out []byte, v Value) []byte {
	switch v.Kind {
	case KindNull:
		return append(out, tagNull)
	case KindBytes:
		out = append(out, tagBytes)
		return appendEscaped(out, v.Bytes)
	case KindString:
		out = append(out, tagString)
		return appendEscaped(out, []byte(v.Str))
	case KindInt:
		return appendInt(out, v.Int)
	case KindFloat:
		return appendFloat(out, v.Float)
	case KindBool:
		if v.Bool {
			return append(out, tagTrue)
		}
		return append(out, tagFalse)
	case KindTuple:
		out = append(out, tagTuple)
		out = appendEscaped(out, v.Inner.Pack())
		return out
	default:
		panic(fmt.Sprintf("tuple: unknown kind %d", v.Kind))
	}
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF, terminated by a
// bare 0x00. This keeps embedded nulls from truncating the field while
// preserving order: the terminator sorts before any continuation byte.
func appendEscaped(out []byte, b []byte) []byte {
	for _, c := range b {
		if c == tupleEscape {
			out = append(out, tupleEscape, tupleEnd)
		} else {
			out = append(out, c)
		}
	}
	return append(out, tupleEscape)
}

func readEscaped(b []byte) (value []byte, rest []byte, err error) {
	for i := 0; i < len(b); i++ {
		if b[i] == tupleEscape {
			if i+1 < len(b) && b[i+1] == tupleEnd {
				value = append(value, tupleEscape)
				i++
				continue
			}
			return value, b[i+1:], nil
		}
		value = append(value, b[i])
	}
	return nil, nil, fmt.Errorf("tuple: unterminated byte string")
}

// appendInt uses sign-and-magnitude variable length encoding: the tag byte
// encodes both sign and the magnitude's byte length, so tag ordering alone
// orders integers of different lengths and signs correctly; magnitude
// bytes are big-endian so same-length same-sign integers also sort
// correctly by raw byte comparison.
func appendInt(out []byte, n int64) []byte {
	if n == 0 {
		return append(out, tagIntZero)
	}
	neg := n < 0
	mag := uint64(n)
	if neg {
		mag = uint64(-n)
	}
	nbytes := (bits.Len64(mag) + 7) / 8
	if nbytes == 0 {
		nbytes = 1
	}
	var buf [8]byte
	for i := nbytes - 1; i >= 0; i-- {
		buf[i] = byte(mag)
		mag >>= 8
	}
	if neg {
		// Negative: tag counts down from tagIntZero, and magnitude bytes
		// are bit-complemented so that larger magnitude (more negative)
		// sorts first.
		out = append(out, tagIntZero-byte(nbytes))
		for i := 0; i < nbytes; i++ {
			out = append(out, ^buf[i])
		}
		return out
	}
	out = append(out, tagIntZero+byte(nbytes))
	return append(out, buf[:nbytes]...)
}

func readInt(b []byte) (int64, []byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("tuple: empty int")
	}
	tag := b[0]
	if tag == tagIntZero {
		return 0, b[1:], nil
	}
	if tag > tagIntZero {
		nbytes := int(tag - tagIntZero)
		if nbytes > 8 || len(b) < 1+nbytes {
			return 0, nil, fmt.Errorf("tuple: malformed positive int")
		}
		var mag uint64
		for i := 0; i < nbytes; i++ {
			mag = mag<<8 | uint64(b[1+i])
		}
		return int64(mag), b[1+nbytes:], nil
	}
	nbytes := int(tagIntZero - tag)
	if nbytes > 8 || len(b) < 1+nbytes {
		return 0, nil, fmt.Errorf("tuple: malformed negative int")
	}
	var mag uint64
	for i := 0; i < nbytes; i++ {
		mag = mag<<8 | uint64(^b[1+i])
	}
	return -int64(mag), b[1+nbytes:], nil
}

// appendFloat bit-transforms the IEEE-754 bit pattern so unsigned
// big-endian comparison of the transformed bits equals float comparison:
// for non-negative floats, flip the sign bit; for negative floats, flip
// every bit. NaN is not a supported tuple element.
func appendFloat(out []byte, f float64) []byte {
	bits64 := math.Float64bits(f)
	if bits64&(1<<63) != 0 {
		bits64 = ^bits64
	} else {
		bits64 |= 1 << 63
	}
	out = append(out, tagFloat)
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(bits64)
		bits64 >>= 8
	}
	return append(out, buf[:]...)
}

func readFloat(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("tuple: truncated float")
	}
	var bits64 uint64
	for i := 0; i < 8; i++ {
		bits64 = bits64<<8 | uint64(b[i])
	}
	if bits64&(1<<63) != 0 {
		bits64 &^= 1 << 63
	} else {
		bits64 = ^bits64
	}
	return math.Float64frombits(bits64), b[8:], nil
}

// Unpack decodes bytes produced by Pack. Decoding is exact and total:
// Unpack(Pack(t)) == t for any valid t.
func Unpack(b []byte) (Tuple, error) {
	var out Tuple
	for len(b) > 0 {
		v, rest, err := readValue(b)
		if err != nil {
			return nil, &errs.DecodeFailure{Where: "tuple.Unpack", Err: err}
		}
		out = append(out, v)
		b = rest
	}
	return out, nil
}

func readValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, fmt.Errorf("tuple: empty value")
	}
	switch tag := b[0]; {
	case tag == tagNull:
		return Null(), b[1:], nil
	case tag == tagBytes:
		raw, rest, err := readEscaped(b[1:])
		if err != nil {
			return Value{}, nil, err
		}
		return Bytes(raw), rest, nil
	case tag == tagString:
		raw, rest, err := readEscaped(b[1:])
		if err != nil {
			return Value{}, nil, err
		}
		return String(string(raw)), rest, nil
	case tag == tagFloat:
		f, rest, err := readFloat(b[1:])
		if err != nil {
			return Value{}, nil, err
		}
		return Float(f), rest, nil
	case tag == tagFalse:
		return Bool(false), b[1:], nil
	case tag == tagTrue:
		return Bool(true), b[1:], nil
	case tag == tagTuple:
		raw, rest, err := readEscaped(b[1:])
		if err != nil {
			return Value{}, nil, err
		}
		inner, err := Unpack(raw)
		if err != nil {
			return Value{}, nil, err
		}
		return Nested(inner), rest, nil
	case tag >= tagIntZero-8 && tag <= tagIntMax:
		i, rest, err := readInt(b)
		if err != nil {
			return Value{}, nil, err
		}
		return Int(i), rest, nil
	default:
		return Value{}, nil, fmt.Errorf("tuple: unknown tag 0x%02x", tag)
	}
}

// Equal compares two tuples by their packed byte representation, never by
// decoded Display-style forms: two values of different Go types that
// happen to stringify the same must never compare equal. See §9 of the
// design notes on primary-key comparison.
func Equal(a, b Tuple) bool {
	return string(a.Pack()) == string(b.Pack())
}

// Compare returns -1, 0, or 1, consistent with the packed byte order.
func Compare(a, b Tuple) int {
	return bytes.Compare(a.Pack(), b.Pack())
}

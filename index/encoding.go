// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package index

import (
	"encoding/binary"
	"math"

	"github.com/erigontech/idxstore/errs"
)

func decodeI64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, &errs.DecodeFailure{Where: "index.decodeI64", Err: errLen(len(b))}
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func encodeF64(f float64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	return buf[:]
}

func decodeF64(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, &errs.DecodeFailure{Where: "index.decodeF64", Err: errLen(len(b))}
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

type errLen int

func (e errLen) Error() string { return "unexpected encoded length" }

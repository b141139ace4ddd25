// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package numeric holds small overflow-aware integer helpers shared by
// the KV engine, item storage, the store config and the migration batch
// planner.
package numeric

import (
	"fmt"
	"math/bits"
	"strconv"
)

// HexOrDecimal64 unmarshals a JSON config field that may be written as a
// plain decimal or a "0x"-prefixed hex literal. Used by
// store.Config.AssumedAverageRowSize, the row-size-in-bytes estimate the
// executor's range-size-based count divides by (§4.6 Counting).
type HexOrDecimal64 uint64

func (i *HexOrDecimal64) UnmarshalJSON(input []byte) error {
	if len(input) > 1 && input[0] == '"' {
		input = input[1 : len(input)-1]
	}
	return i.UnmarshalText(input)
}

func (i *HexOrDecimal64) UnmarshalText(input []byte) error {
	n, ok := ParseUint64(string(input))
	if !ok {
		return fmt.Errorf("numeric: invalid hex or decimal integer %q", input)
	}
	*i = HexOrDecimal64(n)
	return nil
}

func (i HexOrDecimal64) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%#x", uint64(i))), nil
}

// ParseUint64 parses s as decimal or "0x"-prefixed hex; the empty string
// parses as zero.
func ParseUint64(s string) (uint64, bool) {
	if s == "" {
		return 0, true
	}
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		return v, err == nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// SafeAdd returns x+y and whether the addition overflowed a uint64. Used
// by the KV engine's AtomicAdd (the Count maintainer's counter storage)
// to detect overflow rather than silently wrapping.
func SafeAdd(x, y uint64) (sum uint64, overflow bool) {
	sum, carryOut := bits.Add64(x, y, 0)
	return sum, carryOut != 0
}

// CeilDiv returns ceil(x/y), or 0 if y is 0. Used by the migration
// controller to report how many batches a backfill will take (§4.8).
func CeilDiv(x, y int) int {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package hll implements a HyperLogLog register set for the Distinct
// index kind (§4.3, §6): add-only, precision fixed per descriptor,
// default 14 (~0.8% standard error per §6).
package hll

import (
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// DefaultPrecision matches §6's stated default.
const DefaultPrecision = 14

// Registers is a precision-p HLL register set: 2^p one-byte registers.
type Registers struct {
	p    uint
	regs []byte
}

// New creates an empty register set at the given precision (4..18).
func New(precision uint) *Registers {
	if precision < 4 {
		precision = 4
	}
	if precision > 18 {
		precision = 18
	}
	return &Registers{p: precision, regs: make([]byte, 1<<precision)}
}

// FromBytes loads a previously-persisted register set.
func FromBytes(precision uint, b []byte) *Registers {
	r := New(precision)
	n := len(b)
	if n > len(r.regs) {
		n = len(r.regs)
	}
	copy(r.regs, b[:n])
	return r
}

// Bytes returns the register set's serialized form.
func (r *Registers) Bytes() []byte { return r.regs }

// Add hashes value and updates the register it maps to. Distinct indexes
// never remove an element: this is the only mutation HLL supports.
func (r *Registers) Add(value []byte) {
	h := xxhash.Sum64(value)
	idx := h >> (64 - r.p)
	rest := h<<r.p | (1 << (r.p - 1)) // ensure a terminating 1 bit exists
	rho := byte(bits.LeadingZeros64(rest) + 1)
	if rho > r.regs[idx] {
		r.regs[idx] = rho
	}
}

// Merge folds other's registers into r by taking the per-register max.
func (r *Registers) Merge(other *Registers) {
	for i := range r.regs {
		if i < len(other.regs) && other.regs[i] > r.regs[i] {
			r.regs[i] = other.regs[i]
		}
	}
}

// Estimate returns the approximate cardinality, using the standard HLL
// estimator with small/large range corrections.
func (r *Registers) Estimate() float64 {
	m := float64(len(r.regs))
	alpha := alphaFor(len(r.regs))
	sum := 0.0
	zeros := 0
	for _, reg := range r.regs {
		sum += 1.0 / math.Pow(2, float64(reg))
		if reg == 0 {
			zeros++
		}
	}
	raw := alpha * m * m / sum
	if raw <= 2.5*m && zeros > 0 {
		return m * math.Log(m/float64(zeros))
	}
	return raw
}

func alphaFor(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

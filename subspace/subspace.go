// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package subspace carves the KV engine's flat keyspace into disjoint,
// named, lexicographically ordered regions, each identified by an
// immutable byte prefix.
package subspace

import (
	"bytes"
	"fmt"

	"github.com/erigontech/idxstore/tuple"
)

// Subspace is an immutable byte prefix plus packing helpers. Two
// subspaces never overlap unless one is a literal prefix of the other by
// construction (via Sub).
type Subspace struct {
	prefix []byte
}

// New creates a root subspace with the given prefix. Most callers start
// from one root per store and derive the rest via Sub.
func New(prefix []byte) Subspace {
	cp := make([]byte, len(prefix))
	copy(cp, prefix)
	return Subspace{prefix: cp}
}

// Bytes returns the subspace's raw prefix.
func (s Subspace) Bytes() []byte { return s.prefix }

// Sub returns a new subspace whose prefix is this subspace's prefix
// followed by the packed tail tuple.
func (s Subspace) Sub(tail ...tuple.Value) Subspace {
	return New(append(append([]byte{}, s.prefix...), tuple.Tuple(tail).Pack()...))
}

// SubBytes returns a new subspace whose prefix is this subspace's prefix
// followed by a raw byte suffix (used for named sub-regions, e.g.
// "items/", "indexes/<name>/").
func (s Subspace) SubBytes(suffix []byte) Subspace {
	return New(append(append([]byte{}, s.prefix...), suffix...))
}

// Pack returns prefix + pack(tuple).
func (s Subspace) Pack(t tuple.Tuple) []byte {
	return append(append([]byte{}, s.prefix...), t.Pack()...)
}

// Unpack strips the subspace's prefix and unpacks the remainder. It
// returns an error if key does not begin with this subspace's prefix.
func (s Subspace) Unpack(key []byte) (tuple.Tuple, error) {
	if !bytes.HasPrefix(key, s.prefix) {
		return nil, fmt.Errorf("subspace: key %x does not start with prefix %x", key, s.prefix)
	}
	return tuple.Unpack(key[len(s.prefix):])
}

// Contains reports whether key falls within this subspace's range.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns [begin, end) covering every key with this subspace's
// prefix and no other: begin is the prefix itself, end is the prefix with
// a trailing 0xFF byte appended, which sorts after any key continuing the
// prefix with further tuple-encoded bytes (tuple encoding never emits a
// bare leading 0xFF continuation at the position directly after a valid
// prefix boundary).
func (s Subspace) Range() (begin, end []byte) {
	begin = append([]byte{}, s.prefix...)
	end = append(append([]byte{}, s.prefix...), 0xff)
	return begin, end
}

// RangeFrom returns [prefix+key, subspaceEnd), where key is relative to
// the subspace (it is appended to the prefix), for a scan that starts partway through the subspace (e.g. resuming a
// migration backfill, or a ">=" predicate).
func (s Subspace) RangeFrom(key []byte) (begin, end []byte) {
	_, end = s.Range()
	return append(append([]byte{}, s.prefix...), key...), end
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package index

import (
	"context"

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
)

// countMaintainer implements Count indexes: an 8-byte little-endian i64
// counter per group, updated via the KV engine's atomic add (§4.3).
type countMaintainer struct{}

func (m *countMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	oldGroup, oldOK, err := groupTuple(td, desc, old)
	if err != nil {
		return err
	}
	newGroup, newOK, err := groupTuple(td, desc, new)
	if err != nil {
		return err
	}
	if oldOK && newOK && string(oldGroup.Pack()) == string(newGroup.Pack()) {
		return nil // same group, no count change
	}
	if oldOK {
		if err := tx.AtomicAdd(ctx, sub.Pack(oldGroup), -1); err != nil {
			return err
		}
	}
	if newOK {
		if err := tx.AtomicAdd(ctx, sub.Pack(newGroup), 1); err != nil {
			return err
		}
	}
	return nil
}

// Get8ByteInt reads the 8-byte little-endian counter stored at key (0 if
// never set).
func Get8ByteInt(ctx context.Context, tx kv.Transaction, key []byte) (int64, error) {
	v, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	return decodeI64(v)
}

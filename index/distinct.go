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

	"github.com/erigontech/idxstore/internal/hll"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

// DistinctPrecision is the fixed HLL precision this store builds every
// Distinct index at (§6: "fixed per descriptor").
const DistinctPrecision = hll.DefaultPrecision

// distinctMaintainer implements Distinct (approximate cardinality)
// indexes: one HLL register set per group, add-only (§4.3).
type distinctMaintainer struct{}

func (m *distinctMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	newGroup, newOK, err := groupTuple(td, desc, new)
	if err != nil {
		return err
	}
	if !newOK {
		return nil // deletes never shrink an HLL; nothing to do
	}
	newVal, newValOK, err := scalarValue(td, desc.ValuePath(), new)
	if err != nil {
		return err
	}
	if !newValOK {
		return nil
	}
	key := hllKey(sub, newGroup)
	reg, err := loadRegisters(ctx, tx, key)
	if err != nil {
		return err
	}
	reg.Add(tuple.Tuple{newVal}.Pack())
	return tx.Set(ctx, key, reg.Bytes())
}

func hllKey(sub subspace.Subspace, group tuple.Tuple) []byte {
	return sub.SubBytes([]byte("HLL/")).Pack(group)
}

func loadRegisters(ctx context.Context, tx kv.Transaction, key []byte) (*hll.Registers, error) {
	v, ok, err := tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return hll.New(DistinctPrecision), nil
	}
	return hll.FromBytes(DistinctPrecision, v), nil
}

// DistinctEstimate returns the approximate distinct-value count for group.
func DistinctEstimate(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, group tuple.Tuple) (float64, error) {
	reg, err := loadRegisters(ctx, tx, hllKey(sub, group))
	if err != nil {
		return 0, err
	}
	return reg.Estimate(), nil
}

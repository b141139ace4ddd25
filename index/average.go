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
	"github.com/erigontech/idxstore/tuple"
)

// averageMaintainer implements Average indexes as a Sum layer plus a
// Count layer under the same group prefix; the average itself is never
// stored, it's computed on read (§4.3).
type averageMaintainer struct{}

func (m *averageMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	sumSub := sub.SubBytes([]byte("sum/"))
	countSub := sub.SubBytes([]byte("count/"))

	valuePath := desc.ValuePath()
	delta, err := sumDelta(td, desc, valuePath, old, new)
	if err != nil {
		return err
	}
	for _, gd := range delta {
		if gd.value == 0 {
			continue
		}
		key := sumSub.Pack(gd.tup)
		cur, err := readF64(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, key, encodeF64(cur+gd.value)); err != nil {
			return err
		}
	}

	oldGroup, oldOK, err := groupTuple(td, desc, old)
	if err != nil {
		return err
	}
	newGroup, newOK, err := groupTuple(td, desc, new)
	if err != nil {
		return err
	}
	if oldOK && newOK && string(oldGroup.Pack()) == string(newGroup.Pack()) {
		return nil
	}
	if oldOK {
		if err := tx.AtomicAdd(ctx, countSub.Pack(oldGroup), -1); err != nil {
			return err
		}
	}
	if newOK {
		if err := tx.AtomicAdd(ctx, countSub.Pack(newGroup), 1); err != nil {
			return err
		}
	}
	return nil
}

// AverageGet computes the average for group: sum/count, or false if count
// is 0.
func AverageGet(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, group tuple.Tuple) (float64, bool, error) {
	sumSub := sub.SubBytes([]byte("sum/"))
	countSub := sub.SubBytes([]byte("count/"))
	sum, err := readF64(ctx, tx, sumSub.Pack(group))
	if err != nil {
		return 0, false, err
	}
	count, err := Get8ByteInt(ctx, tx, countSub.Pack(group))
	if err != nil {
		return 0, false, err
	}
	if count == 0 {
		return 0, false, nil
	}
	return sum / float64(count), true, nil
}

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

// scalarMaintainer implements Scalar indexes: one key per (value, pk)
// pair, empty value. §4.3, §4.5 step 3.
type scalarMaintainer struct{}

func (m *scalarMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	return applySetDiff(ctx, tx, sub, desc, td, old, new, checker)
}

// applySetDiff computes oldKeys/newKeys for Scalar/Bitmap-shaped indexes
// and clears/sets the difference; keys present in both are untouched.
// Shared by scalarMaintainer and bitmapMaintainer since §4.3 gives them
// the same key shape.
func applySetDiff(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, desc *record.IndexDescriptor, td *record.TypeDescriptor, old, new record.Record, checker *UniqueChecker) error {
	var pk tuple.Tuple
	if new != nil {
		pk = new.PrimaryKey()
	} else if old != nil {
		pk = old.PrimaryKey()
	}

	oldVals, err := indexValues(td, desc, old)
	if err != nil {
		return err
	}
	newVals, err := indexValues(td, desc, new)
	if err != nil {
		return err
	}
	oldSet := tupleSet(oldVals)
	newSet := tupleSet(newVals)

	for packed, v := range oldSet {
		if _, stillThere := newSet[packed]; stillThere {
			continue
		}
		var oldPK tuple.Tuple
		if old != nil {
			oldPK = old.PrimaryKey()
		}
		key := sub.Pack(append(append(tuple.Tuple{}, v...), tuple.Nested(oldPK)))
		if err := tx.Clear(ctx, key); err != nil {
			return err
		}
	}
	for packed, v := range newSet {
		if _, already := oldSet[packed]; already {
			continue
		}
		if desc.IsUnique && checker != nil {
			if err := checkUnique(ctx, tx, sub, desc.Name, v, pk, checker); err != nil {
				return err
			}
		}
		key := sub.Pack(append(append(tuple.Tuple{}, v...), tuple.Nested(pk)))
		if err := tx.Set(ctx, key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// checkUnique scans up to two existing entries for value (the record's
// own key would be one of them on a same-record rewrite) and reports any
// conflicting primary key to checker.
func checkUnique(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, indexName string, value tuple.Tuple, newPK tuple.Tuple, checker *UniqueChecker) error {
	valueSub := sub.Sub(value...)
	begin, end := valueSub.Range()
	it, err := tx.GetRange(ctx, begin, end, 2, false, false, kv.StreamSmall)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		kvPair, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rest, err := valueSub.Unpack(kvPair.Key)
		if err != nil {
			return err
		}
		existingPK := unwrapPK(rest)
		if err := checker.Check(ctx, tx, indexName, value, existingPK, newPK); err != nil {
			return err
		}
	}
	return nil
}

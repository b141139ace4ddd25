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

// minMaxMaintainer implements Min and Max indexes (§4.3, invariant 4):
// an aggregate layer holds the current extremum per group, and a sorted
// layer holds every (value, pk) so that deleting the current extremum
// can rediscover the next one by peeking the sorted layer.
type minMaxMaintainer struct {
	isMax bool
}

func (m *minMaxMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	aggSub := sub.SubBytes([]byte("A/"))
	sortedSub := sub.SubBytes([]byte("S/"))
	valuePath := desc.ValuePath()

	oldGroup, oldOK, err := groupTuple(td, desc, old)
	if err != nil {
		return err
	}
	newGroup, newOK, err := groupTuple(td, desc, new)
	if err != nil {
		return err
	}
	oldVal, oldValOK, err := scalarValue(td, valuePath, old)
	if err != nil {
		return err
	}
	newVal, newValOK, err := scalarValue(td, valuePath, new)
	if err != nil {
		return err
	}

	if oldOK && oldValOK {
		pk := old.PrimaryKey()
		key := sortedSub.Pack(append(append(tuple.Tuple{}, oldGroup...), tuple.Value(oldVal), tuple.Nested(pk)))
		if err := tx.Clear(ctx, key); err != nil {
			return err
		}
	}
	if newOK && newValOK {
		pk := new.PrimaryKey()
		key := sortedSub.Pack(append(append(tuple.Tuple{}, newGroup...), tuple.Value(newVal), tuple.Nested(pk)))
		if err := tx.Set(ctx, key, []byte{}); err != nil {
			return err
		}
	}

	affected := map[string]tuple.Tuple{}
	if oldOK {
		affected[string(oldGroup.Pack())] = oldGroup
	}
	if newOK {
		affected[string(newGroup.Pack())] = newGroup
	}
	for _, g := range affected {
		if err := m.recompute(ctx, tx, aggSub, sortedSub, g); err != nil {
			return err
		}
	}
	return nil
}

func (m *minMaxMaintainer) recompute(ctx context.Context, tx kv.Transaction, aggSub, sortedSub subspace.Subspace, group tuple.Tuple) error {
	groupSub := sortedSub.Sub(group...)
	begin, end := groupSub.Range()
	it, err := tx.GetRange(ctx, begin, end, 1, m.isMax, false, kv.StreamSmall)
	if err != nil {
		return err
	}
	defer it.Close()
	kvPair, ok, err := it.Next(ctx)
	if err != nil {
		return err
	}
	aggKey := aggSub.Pack(group)
	if !ok {
		// Group is now empty: clear the aggregate layer (invariant 4).
		return tx.Clear(ctx, aggKey)
	}
	rest, err := groupSub.Unpack(kvPair.Key)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return nil
	}
	extremum := rest[0]
	return tx.Set(ctx, aggKey, tuple.Tuple{extremum}.Pack())
}

// Get returns the current extremum for group, and false if the group is
// empty (no value).
func (m *minMaxMaintainer) Get(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, group tuple.Tuple) (tuple.Value, bool, error) {
	aggSub := sub.SubBytes([]byte("A/"))
	v, ok, err := tx.Get(ctx, aggSub.Pack(group))
	if err != nil || !ok {
		return tuple.Value{}, false, err
	}
	t, err := tuple.Unpack(v)
	if err != nil || len(t) == 0 {
		return tuple.Value{}, false, err
	}
	return t[0], true, nil
}

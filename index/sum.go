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

// sumMaintainer implements Sum indexes. The engine's atomic-add primitive
// is integer-only, so a floating-point sum is a read-modify-write under
// the KV engine's optimistic retry (§9 "Sum aggregate is not atomic"):
// each retry re-reads the current value and recomputes the delta, which
// is what makes this correct under concurrent updates to the same group.
type sumMaintainer struct{}

func (m *sumMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	valuePath := desc.ValuePath()
	delta, err := sumDelta(td, desc, valuePath, old, new)
	if err != nil {
		return err
	}
	for _, gd := range delta {
		if gd.value == 0 {
			continue
		}
		key := sub.Pack(gd.tup)
		cur, err := readF64(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, key, encodeF64(cur+gd.value)); err != nil {
			return err
		}
	}
	return nil
}

func readF64(ctx context.Context, tx kv.Transaction, key []byte) (float64, error) {
	v, ok, err := tx.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeF64(v)
}

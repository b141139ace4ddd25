// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package violations records uniqueness conflicts detected while a unique
// index is in write-only state (§4.5 step 5, §4.8), so that a later
// migration step can resolve them before promoting the index to
// readable.
package violations

import (
	"context"

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

// Conflict is one recorded uniqueness violation.
type Conflict struct {
	Index       string
	Value       tuple.Tuple
	ExistingPK  tuple.Tuple
	NewPK       tuple.Tuple
}

// Tracker persists conflicts under
// _metadata/violations/<index>/<value>/<existingPk>/<newPk>.
type Tracker struct {
	sub subspace.Subspace
}

// New creates a Tracker rooted at the given subspace.
func New(sub subspace.Subspace) *Tracker {
	return &Tracker{sub: sub}
}

// Record tombstones one conflict. Mutations are idempotent: recording the
// same conflict twice is a no-op (empty value, same key).
func (t *Tracker) Record(ctx context.Context, tx kv.Transaction, c Conflict) error {
	key := t.sub.SubBytes([]byte(c.Index + "/")).Pack(tuple.Tuple{
		tuple.Nested(c.Value),
		tuple.Nested(c.ExistingPK),
		tuple.Nested(c.NewPK),
	})
	return tx.Set(ctx, key, []byte{})
}

// List returns every recorded conflict for one index, in key order.
func (t *Tracker) List(ctx context.Context, tx kv.Transaction, index string) ([]Conflict, error) {
	sub := t.sub.SubBytes([]byte(index + "/"))
	begin, end := sub.Range()
	it, err := tx.GetRange(ctx, begin, end, 0, false, false, kv.StreamWantAll)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Conflict
	for {
		kvPair, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		tup, err := sub.Unpack(kvPair.Key)
		if err != nil {
			return nil, err
		}
		if len(tup) != 3 {
			continue
		}
		out = append(out, Conflict{
			Index:      index,
			Value:      tup[0].Inner,
			ExistingPK: tup[1].Inner,
			NewPK:      tup[2].Inner,
		})
	}
	return out, nil
}

// Clear removes every recorded conflict for one index (called once they
// have been resolved, typically right before promoting to readable).
func (t *Tracker) Clear(ctx context.Context, tx kv.Transaction, index string) error {
	begin, end := t.sub.SubBytes([]byte(index + "/")).Range()
	return tx.ClearRange(ctx, begin, end)
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package index implements one Maintainer per IndexKind (§4.3, §4.5, C7):
// given a record's old and new values, a maintainer produces the KV
// mutations that keep one index consistent.
package index

import (
	"context"
	"fmt"

	"github.com/erigontech/idxstore/errs"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
	"github.com/erigontech/idxstore/violations"
)

// ConflictRecorder records a uniqueness conflict for later resolution
// (implemented by violations.Tracker).
type ConflictRecorder interface {
	Record(ctx context.Context, tx kv.Transaction, c violations.Conflict) error
}

// UniqueChecker enforces §4.5 step 5's uniqueness policy. The caller (the
// index maintenance service) constructs one bound to the resolved state
// of the index being maintained; by the time a Maintainer runs, the index
// is known to be write-only or readable (disabled indexes are never
// maintained), so only those two behaviors are modeled here.
type UniqueChecker struct {
	Readable bool
	Recorder ConflictRecorder
}

// Check is called by the Scalar maintainer once per newly-inserted key of
// a unique index, with any other primary keys currently present for the
// same value. A match against the record's own primary key is not a
// conflict (it is the same record being rewritten).
func (c *UniqueChecker) Check(ctx context.Context, tx kv.Transaction, indexName string, value, existingPK, newPK tuple.Tuple) error {
	if tuple.Equal(existingPK, newPK) {
		return nil
	}
	if c.Readable {
		return &errs.UniquenessViolation{
			Index:      indexName,
			Value:      value.String(),
			ExistingPK: existingPK.String(),
			NewPK:      newPK.String(),
		}
	}
	return c.Recorder.Record(ctx, tx, violations.Conflict{
		Index:      indexName,
		Value:      value,
		ExistingPK: existingPK,
		NewPK:      newPK,
	})
}

// Maintainer keeps one index consistent with record writes. old is nil on
// insert, new is nil on delete; both set means an update of the same
// primary key.
type Maintainer interface {
	Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error
}

// New dispatches on desc.Kind to construct the right Maintainer — the
// "tagged variant with one maintainer per variant" design from §9.
func New(desc *record.IndexDescriptor) (Maintainer, error) {
	switch desc.Kind.(type) {
	case record.ScalarKind:
		return &scalarMaintainer{}, nil
	case record.CountKind:
		return &countMaintainer{}, nil
	case record.SumKind:
		return &sumMaintainer{}, nil
	case record.MinKind:
		return &minMaxMaintainer{isMax: false}, nil
	case record.MaxKind:
		return &minMaxMaintainer{isMax: true}, nil
	case record.AverageKind:
		return &averageMaintainer{}, nil
	case record.DistinctKind:
		return &distinctMaintainer{}, nil
	case record.BitmapKind:
		return &bitmapMaintainer{}, nil
	case record.GraphKind:
		return &graphMaintainer{}, nil
	case record.LeaderboardKind:
		return &leaderboardMaintainer{}, nil
	default:
		return nil, fmt.Errorf("index: unknown kind %T", desc.Kind)
	}
}

// groupTuple extracts the grouping key for an aggregate index from rec.
// ok is false if rec is nil (no record to group) or any grouping field is
// absent (isNil) — such records don't contribute to any group.
func groupTuple(td *record.TypeDescriptor, desc *record.IndexDescriptor, rec record.Record) (tuple.Tuple, bool, error) {
	if rec == nil {
		return nil, false, nil
	}
	paths := desc.GroupPaths()
	out := make(tuple.Tuple, 0, len(paths))
	for _, p := range paths {
		vals, err := td.Extract(rec, p)
		if err != nil {
			return nil, false, err
		}
		if len(vals) == 0 {
			return nil, false, nil
		}
		out = append(out, vals[0])
	}
	return out, true, nil
}

// scalarValue extracts the single aggregated/scalar value field from rec.
func scalarValue(td *record.TypeDescriptor, path string, rec record.Record) (tuple.Value, bool, error) {
	if rec == nil {
		return tuple.Value{}, false, nil
	}
	vals, err := td.Extract(rec, path)
	if err != nil {
		return tuple.Value{}, false, err
	}
	if len(vals) == 0 {
		return tuple.Value{}, false, nil
	}
	return vals[0], true, nil
}

// indexValues extracts the scalar/bitmap index value tuples for rec: one
// tuple per element when there's a single multi-valued keyPath, otherwise
// exactly one tuple combining every keyPath's (single) value.
func indexValues(td *record.TypeDescriptor, desc *record.IndexDescriptor, rec record.Record) ([]tuple.Tuple, error) {
	if rec == nil {
		return nil, nil
	}
	if len(desc.KeyPaths) == 1 {
		vals, err := td.Extract(rec, desc.KeyPaths[0])
		if err != nil {
			return nil, err
		}
		out := make([]tuple.Tuple, 0, len(vals))
		for _, v := range vals {
			out = append(out, tuple.Tuple{v})
		}
		return out, nil
	}
	combined := make(tuple.Tuple, 0, len(desc.KeyPaths))
	for _, p := range desc.KeyPaths {
		vals, err := td.Extract(rec, p)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, nil
		}
		combined = append(combined, vals[0])
	}
	return []tuple.Tuple{combined}, nil
}

// tupleSet builds a lookup set keyed by packed bytes, for old-vs-new diffs.
func tupleSet(tuples []tuple.Tuple) map[string]tuple.Tuple {
	set := make(map[string]tuple.Tuple, len(tuples))
	for _, t := range tuples {
		set[string(t.Pack())] = t
	}
	return set
}

// unwrapPK recovers the primary-key tuple a maintainer wrote as the
// trailing tuple.Nested(pk) element of an index key, from the Tuple left
// after stripping that key's value/group prefix. The nested value itself
// is the whole primary key, not one more tuple element alongside it.
func unwrapPK(rest tuple.Tuple) tuple.Tuple {
	if len(rest) == 0 {
		return nil
	}
	last := rest[len(rest)-1]
	if last.Kind == tuple.KindTuple {
		return last.Inner
	}
	return tuple.Tuple{last}
}

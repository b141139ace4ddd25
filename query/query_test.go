// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/idxstore/indexstate"
	"github.com/erigontech/idxstore/indexsvc"
	"github.com/erigontech/idxstore/item"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
	"github.com/erigontech/idxstore/violations"
)

type qWidget struct {
	PK       string
	Category string
	Score    int64
}

func (w *qWidget) RecordType() string      { return "widget" }
func (w *qWidget) PrimaryKey() tuple.Tuple { return tuple.Tuple{tuple.String(w.PK)} }

func qWidgetTD() *record.TypeDescriptor {
	encode, decode := record.JSONCodec[*qWidget](func() *qWidget { return &qWidget{} })
	return &record.TypeDescriptor{
		Name: "widget",
		Extractors: map[string]record.FieldExtractor{
			"category": func(rec record.Record) []tuple.Value {
				w := rec.(*qWidget)
				if w.Category == "" {
					return nil
				}
				return []tuple.Value{tuple.String(w.Category)}
			},
			"score": func(rec record.Record) []tuple.Value {
				w := rec.(*qWidget)
				return []tuple.Value{tuple.Int(w.Score)}
			},
		},
		Encode: encode,
		Decode: decode,
		Indexes: []*record.IndexDescriptor{
			{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}},
			{Name: "by_score", Kind: record.ScalarKind{}, KeyPaths: []string{"score"}},
			{Name: "by_category_score", Kind: record.ScalarKind{}, KeyPaths: []string{"category", "score"}},
		},
	}
}

type testFixture struct {
	e        *kv.BoltEngine
	td       *record.TypeDescriptor
	states   *indexstate.Manager
	indexSvc *indexsvc.Service
	executor *Executor
	items    *item.Storage
	root     subspace.Subspace
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idxstore-test.db")
	e, err := kv.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	root := subspace.New([]byte("root/"))
	itemsRoot := root.SubBytes([]byte("items/"))
	blobs := root.SubBytes([]byte("blobs/"))
	states := indexstate.New(root.SubBytes([]byte("_metadata/index-state/")))
	conflicts := violations.New(root.SubBytes([]byte("_metadata/violations/")))
	indexSvc := indexsvc.New(root.SubBytes([]byte("indexes/")), states, conflicts, nil)
	items := item.New(item.DefaultConfig(), blobs)
	executor := NewExecutor(items, itemsRoot, indexSvc, 0)

	td := qWidgetTD()
	ctx := context.Background()
	_, err = e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		for _, d := range td.Indexes {
			if err := states.Set(ctx, tx, d.Name, record.StateReadable); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)

	return &testFixture{e: e, td: td, states: states, indexSvc: indexSvc, executor: executor, items: items, root: root}
}

func (f *testFixture) put(t *testing.T, w *qWidget) {
	t.Helper()
	ctx := context.Background()
	typeSub := f.root.SubBytes([]byte("items/")).SubBytes([]byte(f.td.Name + "/"))
	_, err := f.e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		raw, err := f.td.Encode(w)
		if err != nil {
			return nil, err
		}
		if err := f.items.Write(ctx, tx, typeSub.Pack(w.PrimaryKey()), raw); err != nil {
			return nil, err
		}
		return nil, f.indexSvc.UpdateIndexes(ctx, tx, f.td, nil, w)
	})
	require.NoError(t, err)
}

func (f *testFixture) statesMap(t *testing.T) map[string]record.State {
	t.Helper()
	ctx := context.Background()
	var out map[string]record.State
	_, err := f.e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		var err error
		out, err = f.states.GetAll(ctx, tx, f.td.Indexes)
		return nil, err
	})
	require.NoError(t, err)
	return out
}

func TestPlanQueryPrefersCompoundEqualityOverSingleField(t *testing.T) {
	f := newTestFixture(t)
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate: And{
			Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")},
			Leaf{Field: "score", Op: OpEq, Value: tuple.Int(5)},
		},
	}
	plan := PlanQuery(f.td, states, q)
	require.Equal(t, PlanIndexScan, plan.Kind)
	require.Equal(t, "by_category_score", plan.Desc.Name)
	require.Len(t, plan.Leafs, 2)
}

func TestPlanQuerySingleFieldEqualityWhenNoCompoundMatches(t *testing.T) {
	f := newTestFixture(t)
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate:  Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")},
	}
	plan := PlanQuery(f.td, states, q)
	require.Equal(t, PlanIndexScan, plan.Kind)
	require.Equal(t, "by_category", plan.Desc.Name)
}

func TestPlanQuerySingleFieldRangeWhenNoEquality(t *testing.T) {
	f := newTestFixture(t)
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate:  Leaf{Field: "score", Op: OpGt, Value: tuple.Int(10)},
	}
	plan := PlanQuery(f.td, states, q)
	require.Equal(t, PlanIndexScan, plan.Kind)
	require.Equal(t, "by_score", plan.Desc.Name)
}

func TestPlanQueryFullScanFallbackWhenNoIndexableLeafs(t *testing.T) {
	f := newTestFixture(t)
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate:  Or{Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")}},
	}
	plan := PlanQuery(f.td, states, q)
	require.Equal(t, PlanFullScan, plan.Kind)
}

func TestPlanQueryFullScanWhenIndexNotReadable(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	_, err := f.e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		return nil, f.states.Set(ctx, tx, "by_category", record.StateWriteOnly)
	})
	require.NoError(t, err)

	states := f.statesMap(t)
	q := &Query{RecordType: "widget", Predicate: Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")}}
	plan := PlanQuery(f.td, states, q)
	require.Equal(t, PlanFullScan, plan.Kind)
}

func TestExecuteUsesIndexAndPostFiltersResidualConjuncts(t *testing.T) {
	f := newTestFixture(t)
	f.put(t, &qWidget{PK: "a", Category: "tools", Score: 5})
	f.put(t, &qWidget{PK: "b", Category: "tools", Score: 50})
	f.put(t, &qWidget{PK: "c", Category: "garden", Score: 5})

	ctx := context.Background()
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate: And{
			Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")},
			Leaf{Field: "score", Op: OpGt, Value: tuple.Int(10)},
		},
	}
	var recs []record.Record
	_, err := f.e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		var err error
		recs, err = f.executor.Execute(ctx, tx, f.td, states, q)
		return nil, err
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "b", recs[0].(*qWidget).PK)
}

func TestExecuteSortsByDeclaredDescriptors(t *testing.T) {
	f := newTestFixture(t)
	f.put(t, &qWidget{PK: "a", Category: "tools", Score: 5})
	f.put(t, &qWidget{PK: "b", Category: "tools", Score: 50})
	f.put(t, &qWidget{PK: "c", Category: "tools", Score: 30})

	ctx := context.Background()
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate:  Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")},
		Sort:       []SortDescriptor{{Field: "score", Descending: true}},
	}
	var recs []record.Record
	_, err := f.e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		var err error
		recs, err = f.executor.Execute(ctx, tx, f.td, states, q)
		return nil, err
	})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "b", recs[0].(*qWidget).PK)
	require.Equal(t, "c", recs[1].(*qWidget).PK)
	require.Equal(t, "a", recs[2].(*qWidget).PK)
}

func TestExecuteOffsetAndLimit(t *testing.T) {
	f := newTestFixture(t)
	f.put(t, &qWidget{PK: "a", Category: "tools", Score: 1})
	f.put(t, &qWidget{PK: "b", Category: "tools", Score: 2})
	f.put(t, &qWidget{PK: "c", Category: "tools", Score: 3})

	ctx := context.Background()
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate:  Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")},
		Sort:       []SortDescriptor{{Field: "score"}},
		Offset:     1,
		Limit:      1,
	}
	var recs []record.Record
	_, err := f.e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		var err error
		recs, err = f.executor.Execute(ctx, tx, f.td, states, q)
		return nil, err
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "b", recs[0].(*qWidget).PK)
}

func TestCountUsesFullScanByteEstimateForTrivialQuery(t *testing.T) {
	f := newTestFixture(t)
	f.put(t, &qWidget{PK: "a", Category: "tools", Score: 1})

	ctx := context.Background()
	states := f.statesMap(t)
	q := &Query{RecordType: "widget", Predicate: True{}}
	var n int64
	_, err := f.e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		var err error
		n, err = f.executor.Count(ctx, tx, f.td, states, q)
		return nil, err
	})
	require.NoError(t, err)
	// The size-based estimate divides the type's byte range by the
	// assumed average row size and floors a nonempty range at 1, so it is
	// only approximate; this checks that the fast path answers cleanly.
	require.GreaterOrEqual(t, n, int64(0))
}

func TestCountIsIndexOnlyWhenFullyCoveredByIndexScan(t *testing.T) {
	f := newTestFixture(t)
	f.put(t, &qWidget{PK: "a", Category: "tools", Score: 1})
	f.put(t, &qWidget{PK: "b", Category: "tools", Score: 2})
	f.put(t, &qWidget{PK: "c", Category: "garden", Score: 3})

	ctx := context.Background()
	states := f.statesMap(t)
	q := &Query{RecordType: "widget", Predicate: Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")}}
	var n int64
	_, err := f.e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		var err error
		n, err = f.executor.Count(ctx, tx, f.td, states, q)
		return nil, err
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestCountFallsBackToFetchAndFilterForResidualPredicate(t *testing.T) {
	f := newTestFixture(t)
	f.put(t, &qWidget{PK: "a", Category: "tools", Score: 5})
	f.put(t, &qWidget{PK: "b", Category: "tools", Score: 50})

	ctx := context.Background()
	states := f.statesMap(t)
	q := &Query{
		RecordType: "widget",
		Predicate: And{
			Leaf{Field: "category", Op: OpEq, Value: tuple.String("tools")},
			Leaf{Field: "score", Op: OpGt, Value: tuple.Int(10)},
		},
	}
	var n int64
	_, err := f.e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		var err error
		n, err = f.executor.Count(ctx, tx, f.td, states, q)
		return nil, err
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

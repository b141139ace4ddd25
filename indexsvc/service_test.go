// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package indexsvc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/idxstore/indexstate"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
	"github.com/erigontech/idxstore/violations"
)

type widget struct {
	pk       string
	category tuple.Value
	hasCat   bool
}

func (w *widget) RecordType() string      { return "widget" }
func (w *widget) PrimaryKey() tuple.Tuple { return tuple.Tuple{tuple.String(w.pk)} }

func widgetTD() *record.TypeDescriptor {
	return &record.TypeDescriptor{
		Name: "widget",
		Extractors: map[string]record.FieldExtractor{
			"category": func(rec record.Record) []tuple.Value {
				w := rec.(*widget)
				if !w.hasCat {
					return nil
				}
				return []tuple.Value{w.category}
			},
		},
	}
}

func newTestService(t *testing.T) (*kv.BoltEngine, *Service) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idxstore-test.db")
	e, err := kv.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	root := subspace.New([]byte("root/"))
	states := indexstate.New(root.SubBytes([]byte("_metadata/index-state/")))
	conflicts := violations.New(root.SubBytes([]byte("_metadata/violations/")))
	svc := New(root.SubBytes([]byte("indexes/")), states, conflicts, nil)
	return e, svc
}

func TestUpdateIndexesSkipsDisabledIndex(t *testing.T) {
	e, svc := newTestService(t)
	td := widgetTD()
	td.Indexes = []*record.IndexDescriptor{
		{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}},
	}
	w := &widget{pk: "a", category: tuple.String("tools"), hasCat: true}

	ctx := context.Background()
	_, err := e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		return nil, svc.UpdateIndexes(ctx, tx, td, nil, w)
	})
	require.NoError(t, err)

	sub := svc.IndexSubspace("by_category")
	_, err = e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		begin, end := sub.Range()
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		require.NoError(t, err)
		defer it.Close()
		_, ok, err := it.Next(ctx)
		require.NoError(t, err)
		require.False(t, ok, "a disabled index must not be maintained")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestUpdateIndexesMaintainsWriteOnlyIndex(t *testing.T) {
	e, svc := newTestService(t)
	td := widgetTD()
	td.Indexes = []*record.IndexDescriptor{
		{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}},
	}
	w := &widget{pk: "a", category: tuple.String("tools"), hasCat: true}

	ctx := context.Background()
	_, err := e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		if err := svc.States().Set(ctx, tx, "by_category", record.StateWriteOnly); err != nil {
			return nil, err
		}
		return nil, svc.UpdateIndexes(ctx, tx, td, nil, w)
	})
	require.NoError(t, err)

	key := svc.IndexSubspace("by_category").Pack(tuple.Tuple{tuple.String("tools"), tuple.Nested(w.PrimaryKey())})
	_, err = e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		_, ok, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "write-only index must still be maintained")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestUpdateIndexesRecordsConflictWhenWriteOnlyAndReadableOnlyFails(t *testing.T) {
	e, svc := newTestService(t)
	td := widgetTD()
	td.Indexes = []*record.IndexDescriptor{
		{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}, IsUnique: true},
	}
	a := &widget{pk: "a", category: tuple.String("tools"), hasCat: true}
	b := &widget{pk: "b", category: tuple.String("tools"), hasCat: true}

	ctx := context.Background()
	_, err := e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		if err := svc.States().Set(ctx, tx, "by_category", record.StateWriteOnly); err != nil {
			return nil, err
		}
		if err := svc.UpdateIndexes(ctx, tx, td, nil, a); err != nil {
			return nil, err
		}
		return nil, svc.UpdateIndexes(ctx, tx, td, nil, b)
	})
	require.NoError(t, err, "write-only unique index conflicts are tracked, not rejected")

	_, err = e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		conflicts, err := svc.Conflicts().List(ctx, tx, "by_category")
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		if err := svc.States().Set(ctx, tx, "by_category", record.StateReadable); err != nil {
			return nil, err
		}
		c := &widget{pk: "c", category: tuple.String("tools"), hasCat: true}
		return nil, svc.UpdateIndexes(ctx, tx, td, nil, c)
	})
	require.Error(t, err, "once readable, a uniqueness conflict must fail the write")
}

func TestClearTypeRemovesAllIndexEntries(t *testing.T) {
	e, svc := newTestService(t)
	td := widgetTD()
	td.Indexes = []*record.IndexDescriptor{
		{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}},
	}
	ctx := context.Background()

	_, err := e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		if err := svc.States().Set(ctx, tx, "by_category", record.StateReadable); err != nil {
			return nil, err
		}
		w := &widget{pk: "a", category: tuple.String("tools"), hasCat: true}
		return nil, svc.UpdateIndexes(ctx, tx, td, nil, w)
	})
	require.NoError(t, err)

	_, err = e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		return nil, svc.ClearType(ctx, tx, td)
	})
	require.NoError(t, err)

	sub := svc.IndexSubspace("by_category")
	_, err = e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		begin, end := sub.Range()
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		require.NoError(t, err)
		defer it.Close()
		_, ok, err := it.Next(ctx)
		require.NoError(t, err)
		require.False(t, ok)
		return nil, nil
	})
	require.NoError(t, err)
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/query"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

type sWidget struct {
	PK       string
	Category string
}

func (w *sWidget) RecordType() string      { return "widget" }
func (w *sWidget) PrimaryKey() tuple.Tuple { return tuple.Tuple{tuple.String(w.PK)} }

type noPKWidget struct{ Category string }

func (w *noPKWidget) RecordType() string      { return "widget" }
func (w *noPKWidget) PrimaryKey() tuple.Tuple { return nil }

func sWidgetRegistry() *record.Registry {
	encode, decode := record.JSONCodec[*sWidget](func() *sWidget { return &sWidget{} })
	td := &record.TypeDescriptor{
		Name: "widget",
		Extractors: map[string]record.FieldExtractor{
			"category": func(rec record.Record) []tuple.Value {
				w := rec.(*sWidget)
				if w.Category == "" {
					return nil
				}
				return []tuple.Value{tuple.String(w.Category)}
			},
		},
		Encode: encode,
		Decode: decode,
		Indexes: []*record.IndexDescriptor{
			{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}},
		},
	}
	reg := record.NewRegistry(0)
	reg.Register(td)
	return reg
}

func newTestStore(t *testing.T, cfg Config) (*kv.BoltEngine, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idxstore-test.db")
	e, err := kv.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	if cfg.Root.Bytes() == nil {
		cfg.Root = subspace.New([]byte("root/"))
	}
	s := New(e, sWidgetRegistry(), cfg)
	return e, s
}

// markReadable promotes by_category straight to Readable: a fresh Store's
// index-state metadata starts empty (disabled) until a migration drives it.
func markReadable(t *testing.T, ctx context.Context, e *kv.BoltEngine, s *Store) {
	t.Helper()
	_, err := e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		return nil, s.indexSvc.States().Set(ctx, tx, "by_category", record.StateReadable)
	})
	require.NoError(t, err)
}

func TestStoreSaveFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, s := newTestStore(t, Config{})
	markReadable(t, ctx, e, s)

	require.NoError(t, s.Save(ctx, []record.Record{&sWidget{PK: "a", Category: "tools"}}))

	rec, ok, err := s.Fetch(ctx, "widget", tuple.Tuple{tuple.String("a")})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tools", rec.(*sWidget).Category)
}

func TestStoreFetchMissingReturnsNotOK(t *testing.T) {
	ctx := context.Background()
	_, s := newTestStore(t, Config{})
	_, ok, err := s.Fetch(ctx, "widget", tuple.Tuple{tuple.String("nope")})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSaveRejectsMissingPrimaryKey(t *testing.T) {
	ctx := context.Background()
	_, s := newTestStore(t, Config{})
	err := s.Save(ctx, []record.Record{&noPKWidget{Category: "tools"}})
	require.Error(t, err)
}

func TestStoreDeleteByIDIsNoOpWhenMissing(t *testing.T) {
	ctx := context.Background()
	_, s := newTestStore(t, Config{})
	require.NoError(t, s.DeleteByID(ctx, "widget", tuple.Tuple{tuple.String("nope")}))
}

func TestStoreDeleteRemovesRecordAndIndexEntries(t *testing.T) {
	ctx := context.Background()
	e, s := newTestStore(t, Config{})
	markReadable(t, ctx, e, s)

	require.NoError(t, s.Save(ctx, []record.Record{&sWidget{PK: "a", Category: "tools"}}))
	require.NoError(t, s.DeleteByID(ctx, "widget", tuple.Tuple{tuple.String("a")}))

	_, ok, err := s.Fetch(ctx, "widget", tuple.Tuple{tuple.String("a")})
	require.NoError(t, err)
	require.False(t, ok)

	recs, err := s.FetchQuery(ctx, &query.Query{
		RecordType: "widget",
		Predicate:  query.Leaf{Field: "category", Op: query.OpEq, Value: tuple.String("tools")},
	})
	require.NoError(t, err)
	require.Len(t, recs, 0)
}

func TestStoreFetchQueryUsesMaintainedIndex(t *testing.T) {
	ctx := context.Background()
	e, s := newTestStore(t, Config{})
	markReadable(t, ctx, e, s)

	require.NoError(t, s.Save(ctx, []record.Record{
		&sWidget{PK: "a", Category: "tools"},
		&sWidget{PK: "b", Category: "garden"},
	}))

	recs, err := s.FetchQuery(ctx, &query.Query{
		RecordType: "widget",
		Predicate:  query.Leaf{Field: "category", Op: query.OpEq, Value: tuple.String("tools")},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a", recs[0].(*sWidget).PK)
}

func TestStoreExecuteBatchIsAtomicAcrossInsertsAndDeletes(t *testing.T) {
	ctx := context.Background()
	e, s := newTestStore(t, Config{})
	markReadable(t, ctx, e, s)

	require.NoError(t, s.Save(ctx, []record.Record{&sWidget{PK: "a", Category: "tools"}}))
	err := s.ExecuteBatch(ctx,
		[]record.Record{&sWidget{PK: "b", Category: "tools"}},
		[]record.Record{&sWidget{PK: "a", Category: "tools"}},
	)
	require.NoError(t, err)

	_, ok, err := s.Fetch(ctx, "widget", tuple.Tuple{tuple.String("a")})
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Fetch(ctx, "widget", tuple.Tuple{tuple.String("b")})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreClearAllWipesRecordsAndIndexEntries(t *testing.T) {
	ctx := context.Background()
	e, s := newTestStore(t, Config{})
	markReadable(t, ctx, e, s)

	require.NoError(t, s.Save(ctx, []record.Record{&sWidget{PK: "a", Category: "tools"}}))
	require.NoError(t, s.ClearAll(ctx, "widget"))

	all, err := s.FetchAll(ctx, "widget")
	require.NoError(t, err)
	require.Len(t, all, 0)

	_, err = e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		begin, end := s.indexSvc.IndexSubspace("by_category").Range()
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		_, ok, err := it.Next(ctx)
		require.NoError(t, err)
		require.False(t, ok, "ClearAll must remove the type's index entries")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestStoreWithTransactionSharesOneTransactionAcrossOps(t *testing.T) {
	ctx := context.Background()
	e, s := newTestStore(t, Config{})
	markReadable(t, ctx, e, s)

	_, err := s.WithTransaction(ctx, kv.TxnConfig{}, func(txn *Txn) (any, error) {
		if err := txn.Save(ctx, &sWidget{PK: "a", Category: "tools"}); err != nil {
			return nil, err
		}
		rec, ok, err := txn.Fetch(ctx, "widget", tuple.Tuple{tuple.String("a")})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("expected record to be visible within the same transaction")
		}
		return rec, nil
	})
	require.NoError(t, err)

	_, ok, err := s.Fetch(ctx, "widget", tuple.Tuple{tuple.String("a")})
	require.NoError(t, err)
	require.True(t, ok)
}

type denyAllSecurity struct{ AllowAllSecurity }

func (denyAllSecurity) RequireAdmin(context.Context, string, string) error {
	return errors.New("admin required")
}

func TestStoreClearAllDeniedWithoutAdmin(t *testing.T) {
	ctx := context.Background()
	_, s := newTestStore(t, Config{Security: denyAllSecurity{}})
	err := s.ClearAll(ctx, "widget")
	require.Error(t, err)
}

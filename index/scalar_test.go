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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

func scalarDesc() *record.IndexDescriptor {
	return &record.IndexDescriptor{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}}
}

func TestScalarInsertAndDelete(t *testing.T) {
	e := openTestEngine(t)
	sub := subspace.New([]byte("ix/"))
	td := widgetTD()
	desc := scalarDesc()
	m := &scalarMaintainer{}
	w := newWidget("w1").with("category", tuple.String("tools"))

	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, nil, w, nil))
	})
	require.Equal(t, 1, countKeysInRange(t, e, sub))

	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, w, nil, nil))
	})
	require.Equal(t, 0, countKeysInRange(t, e, sub))
}

func TestScalarUpdateMovesEntry(t *testing.T) {
	e := openTestEngine(t)
	sub := subspace.New([]byte("ix/"))
	td := widgetTD()
	desc := scalarDesc()
	m := &scalarMaintainer{}
	before := newWidget("w1").with("category", tuple.String("tools"))
	after := newWidget("w1").with("category", tuple.String("garden"))

	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, nil, before, nil))
	})
	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, before, after, nil))
	})

	ctx := context.Background()
	_, err := e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		key := sub.Pack(tuple.Tuple{tuple.String("garden"), tuple.Nested(after.PrimaryKey())})
		_, ok, err := tx.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "new value's key must exist after update")

		oldKey := sub.Pack(tuple.Tuple{tuple.String("tools"), tuple.Nested(after.PrimaryKey())})
		_, ok, err = tx.Get(ctx, oldKey)
		require.NoError(t, err)
		require.False(t, ok, "old value's key must be cleared after update")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestScalarUnchangedValueIsUntouched(t *testing.T) {
	e := openTestEngine(t)
	sub := subspace.New([]byte("ix/"))
	td := widgetTD()
	desc := scalarDesc()
	m := &scalarMaintainer{}
	before := newWidget("w1").with("category", tuple.String("tools"))
	after := newWidget("w1").with("category", tuple.String("tools"))

	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, nil, before, nil))
	})
	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, before, after, nil))
	})
	require.Equal(t, 1, countKeysInRange(t, e, sub))
}

func TestScalarMultiValuedFieldProducesOneEntryPerElement(t *testing.T) {
	e := openTestEngine(t)
	sub := subspace.New([]byte("ix/"))
	td := widgetTD()
	desc := &record.IndexDescriptor{Name: "by_tag", Kind: record.ScalarKind{}, KeyPaths: []string{"tags"}}
	m := &scalarMaintainer{}
	w := newWidget("w1").withMulti("tags", tuple.String("red"), tuple.String("blue"))

	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, nil, w, nil))
	})
	require.Equal(t, 2, countKeysInRange(t, e, sub))
}

func TestScalarUniqueConflictFailsWhenReadable(t *testing.T) {
	e := openTestEngine(t)
	sub := subspace.New([]byte("ix/"))
	td := widgetTD()
	desc := &record.IndexDescriptor{Name: "by_category", Kind: record.ScalarKind{}, KeyPaths: []string{"category"}, IsUnique: true}
	m := &scalarMaintainer{}

	a := newWidget("a").with("category", tuple.String("tools"))
	b := newWidget("b").with("category", tuple.String("tools"))

	checker := &UniqueChecker{Readable: true, Recorder: nil}
	withTx(t, e, sub, func(tx kv.Transaction) {
		require.NoError(t, m.Apply(context.Background(), tx, sub, td, desc, nil, a, checker))
	})

	ctx := context.Background()
	_, err := e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		return nil, m.Apply(ctx, tx, sub, td, desc, nil, b, checker)
	})
	require.Error(t, err)
}

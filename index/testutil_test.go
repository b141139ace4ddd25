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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

// widget is a minimal record.Record used across this package's tests.
type widget struct {
	pk     string
	single map[string]tuple.Value
	multi  map[string][]tuple.Value
}

func (w *widget) RecordType() string     { return "widget" }
func (w *widget) PrimaryKey() tuple.Tuple { return tuple.Tuple{tuple.String(w.pk)} }

func newWidget(pk string) *widget {
	return &widget{pk: pk, single: map[string]tuple.Value{}, multi: map[string][]tuple.Value{}}
}

func (w *widget) with(field string, v tuple.Value) *widget {
	w.single[field] = v
	return w
}

func (w *widget) withMulti(field string, vs ...tuple.Value) *widget {
	w.multi[field] = vs
	return w
}

func field(name string) record.FieldExtractor {
	return func(rec record.Record) []tuple.Value {
		w := rec.(*widget)
		if vs, ok := w.multi[name]; ok {
			return vs
		}
		if v, ok := w.single[name]; ok {
			return []tuple.Value{v}
		}
		return nil
	}
}

func widgetTD(extraFields ...string) *record.TypeDescriptor {
	extractors := map[string]record.FieldExtractor{
		"category": field("category"),
		"tags":      field("tags"),
		"score":     field("score"),
		"from":      field("from"),
		"to":        field("to"),
	}
	for _, f := range extraFields {
		extractors[f] = field(f)
	}
	return &record.TypeDescriptor{Name: "widget", Extractors: extractors}
}

func openTestEngine(t *testing.T) *kv.BoltEngine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idxstore-test.db")
	e, err := kv.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// withTx runs body inside one read-write transaction on e, failing the
// test on any error. sub is not used; body captures its own subspace.
func withTx(t *testing.T, e *kv.BoltEngine, sub subspace.Subspace, body func(tx kv.Transaction)) {
	t.Helper()
	ctx := context.Background()
	_, err := e.With(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		body(tx)
		return nil, nil
	})
	require.NoError(t, err)
}

func countKeysInRange(t *testing.T, e *kv.BoltEngine, sub subspace.Subspace) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	_, err := e.WithReadOnly(ctx, kv.TxnConfig{}, func(tx kv.Transaction) (any, error) {
		begin, end := sub.Range()
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		for {
			_, ok, err := it.Next(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			n++
		}
		return nil, nil
	})
	require.NoError(t, err)
	return n
}

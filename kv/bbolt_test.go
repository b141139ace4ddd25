// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *BoltEngine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idxstore-test.db")
	e, err := OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSetGetClear(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	_, err := e.With(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		require.NoError(t, tx.Set(ctx, []byte("k1"), []byte("v1")))
		return nil, nil
	})
	require.NoError(t, err)

	_, err = e.WithReadOnly(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		v, ok, err := tx.Get(ctx, []byte("k1"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v1"), v)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = e.With(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		return nil, tx.Clear(ctx, []byte("k1"))
	})
	require.NoError(t, err)

	_, err = e.WithReadOnly(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		_, ok, err := tx.Get(ctx, []byte("k1"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestClearRange(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	_, err := e.With(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
			if err := tx.Set(ctx, []byte(k), []byte("x")); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)

	_, err = e.With(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		return nil, tx.ClearRange(ctx, []byte("a/"), []byte("a/\xff"))
	})
	require.NoError(t, err)

	_, err = e.WithReadOnly(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		for _, k := range []string{"a/1", "a/2", "a/3"} {
			_, ok, err := tx.Get(ctx, []byte(k))
			require.NoError(t, err)
			require.False(t, ok, "key %s should have been cleared", k)
		}
		_, ok, err := tx.Get(ctx, []byte("b/1"))
		require.NoError(t, err)
		require.True(t, ok, "key outside the cleared range should survive")
		return nil, nil
	})
	require.NoError(t, err)
}

func TestAtomicAdd(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.With(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
			return nil, tx.AtomicAdd(ctx, []byte("counter"), 3)
		})
		require.NoError(t, err)
	}
	_, err := e.With(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		return nil, tx.AtomicAdd(ctx, []byte("counter"), -1)
	})
	require.NoError(t, err)

	_, err = e.WithReadOnly(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		v, ok, err := tx.Get(ctx, []byte("counter"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, v, 8)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestGetRangeForwardAndReverseWithLimit(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	keys := []string{"r/1", "r/2", "r/3", "r/4"}
	_, err := e.With(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		for _, k := range keys {
			if err := tx.Set(ctx, []byte(k), []byte(k)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)

	_, err = e.WithReadOnly(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		it, err := tx.GetRange(ctx, []byte("r/"), []byte("r/\xff"), 0, false, true, StreamWantAll)
		require.NoError(t, err)
		defer it.Close()
		var got []string
		for {
			kv, ok, err := it.Next(ctx)
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, string(kv.Key))
		}
		require.Equal(t, keys, got)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = e.WithReadOnly(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		it, err := tx.GetRange(ctx, []byte("r/"), []byte("r/\xff"), 2, false, true, StreamWantAll)
		require.NoError(t, err)
		defer it.Close()
		var got []string
		for {
			kv, ok, err := it.Next(ctx)
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, string(kv.Key))
		}
		require.Equal(t, []string{"r/1", "r/2"}, got)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = e.WithReadOnly(ctx, TxnConfig{}, func(tx Transaction) (any, error) {
		it, err := tx.GetRange(ctx, []byte("r/"), []byte("r/\xff"), 0, true, true, StreamWantAll)
		require.NoError(t, err)
		defer it.Close()
		var got []string
		for {
			kv, ok, err := it.Next(ctx)
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, string(kv.Key))
		}
		require.Equal(t, []string{"r/4", "r/3", "r/2", "r/1"}, got)
		return nil, nil
	})
	require.NoError(t, err)
}

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

	"github.com/google/btree"

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

// graphMaintainer implements Graph (adjacency) indexes: KeyPaths is
// [fromField, toField]; toField may be multi-valued (a record pointing
// at several others), producing one adjacency entry per target (§4.3).
type graphMaintainer struct{}

func (m *graphMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	gk, _ := desc.Kind.(record.GraphKind)
	if len(desc.KeyPaths) != 2 {
		return nil
	}
	fromPath, toPath := desc.KeyPaths[0], desc.KeyPaths[1]
	if gk.Direction == record.GraphIncoming {
		// Swap so the index keys adjacency by the target field first —
		// a GraphIncoming index answers "who points at this node" by
		// walking from the pointed-at value instead of the pointer.
		fromPath, toPath = toPath, fromPath
	}

	oldEdges, err := graphEdges(td, fromPath, toPath, gk.EdgeField, old)
	if err != nil {
		return err
	}
	newEdges, err := graphEdges(td, fromPath, toPath, gk.EdgeField, new)
	if err != nil {
		return err
	}
	oldSet := tupleSet(oldEdges)
	newSet := tupleSet(newEdges)

	var oldPK, newPK tuple.Tuple
	if old != nil {
		oldPK = old.PrimaryKey()
	}
	if new != nil {
		newPK = new.PrimaryKey()
	}

	for packed, v := range oldSet {
		if _, still := newSet[packed]; still {
			continue
		}
		key := sub.Pack(append(append(tuple.Tuple{}, v...), tuple.Nested(oldPK)))
		if err := tx.Clear(ctx, key); err != nil {
			return err
		}
	}
	for packed, v := range newSet {
		if _, already := oldSet[packed]; already {
			continue
		}
		key := sub.Pack(append(append(tuple.Tuple{}, v...), tuple.Nested(newPK)))
		if err := tx.Set(ctx, key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// graphEdges extracts every (from, edge, to) triple a record contributes.
func graphEdges(td *record.TypeDescriptor, fromPath, toPath, edgeLabel string, rec record.Record) ([]tuple.Tuple, error) {
	if rec == nil {
		return nil, nil
	}
	fromVals, err := td.Extract(rec, fromPath)
	if err != nil {
		return nil, err
	}
	if len(fromVals) == 0 {
		return nil, nil
	}
	toVals, err := td.Extract(rec, toPath)
	if err != nil {
		return nil, err
	}
	edges := make([]tuple.Tuple, 0, len(toVals))
	for _, to := range toVals {
		edges = append(edges, tuple.Tuple{fromVals[0], tuple.String(edgeLabel), to})
	}
	return edges, nil
}

// pkItem adapts a primary-key tuple for use in a google/btree ordered set,
// reviving the visited-set idiom the teacher's (commented-out)
// ForEachStorage code used for a different domain (history_reader_v3.go).
type pkItem struct{ packed string }

func (a pkItem) Less(than btree.Item) bool { return a.packed < than.(pkItem).packed }

// WalkAdjacency performs a breadth-first walk of a Graph index starting
// at `from`, up to maxDepth hops, returning every primary key reached.
// Because the same node can be reached by more than one path, a
// google/btree ordered set deduplicates the visited/frontier primary
// keys rather than re-visiting them.
func WalkAdjacency(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, edgeLabel string, from tuple.Value, maxDepth int) ([]tuple.Tuple, error) {
	visited := btree.New(32)
	frontier := []tuple.Value{from}
	var result []tuple.Tuple

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []tuple.Value
		for _, node := range frontier {
			prefix := sub.Sub(node, tuple.String(edgeLabel))
			begin, end := prefix.Range()
			it, err := tx.GetRange(ctx, begin, end, 0, false, false, kv.StreamIterator)
			if err != nil {
				return nil, err
			}
			for {
				kvPair, ok, err := it.Next(ctx)
				if err != nil {
					it.Close()
					return nil, err
				}
				if !ok {
					break
				}
				rest, err := prefix.Unpack(kvPair.Key)
				if err != nil {
					it.Close()
					return nil, err
				}
				if len(rest) < 2 {
					continue
				}
				to := rest[0]
				pk := unwrapPK(rest[1:])
				item := pkItem{packed: string(pk.Pack())}
				if visited.Has(item) {
					continue
				}
				visited.ReplaceOrInsert(item)
				result = append(result, pk)
				next = append(next, to)
			}
			it.Close()
		}
		frontier = next
	}
	return result, nil
}

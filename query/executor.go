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
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"

	"github.com/erigontech/idxstore/indexsvc"
	"github.com/erigontech/idxstore/item"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

// defaultAssumedAvgRowBytes is used when NewExecutor is given a
// non-positive assumedAvgRowBytes.
const defaultAssumedAvgRowBytes = 192

// Executor runs a planned Query against item storage and the index
// subspaces the index maintenance service owns.
type Executor struct {
	items              *item.Storage
	itemsRoot          subspace.Subspace
	indexSvc           *indexsvc.Service
	assumedAvgRowBytes int64
}

// NewExecutor builds an Executor. itemsRoot is the "items/" subspace each
// record type's rows are carved from. assumedAvgRowBytes is the row-size
// estimate Count's range-size fast path divides by (store.Config's
// AssumedAverageRowSize, §4.6 Counting); non-positive falls back to
// defaultAssumedAvgRowBytes.
func NewExecutor(items *item.Storage, itemsRoot subspace.Subspace, indexSvc *indexsvc.Service, assumedAvgRowBytes int64) *Executor {
	if assumedAvgRowBytes <= 0 {
		assumedAvgRowBytes = defaultAssumedAvgRowBytes
	}
	return &Executor{items: items, itemsRoot: itemsRoot, indexSvc: indexSvc, assumedAvgRowBytes: assumedAvgRowBytes}
}

func (e *Executor) typeSub(recordType string) subspace.Subspace {
	return e.itemsRoot.SubBytes([]byte(recordType + "/"))
}

// Execute runs q against td and returns the matching records, sorted,
// offset, and limited (§4.6).
func (e *Executor) Execute(ctx context.Context, tx kv.Transaction, td *record.TypeDescriptor, states map[string]record.State, q *Query) ([]record.Record, error) {
	plan := PlanQuery(td, states, q)
	// Pushing Offset+Limit into the raw scan is only safe when nothing
	// downstream of it can drop a row. A residual predicate conjunct
	// (evalPredicate) shrinks the result set, so pushdown requires a
	// fully-covered scan; an index scan additionally de-dups by PK
	// (scanIndex's `seen` set), which a multi-valued KeyPath field can
	// trigger even under a fully-covered predicate — there's no static
	// per-field cardinality to rule that out, so limit pushdown is only
	// ever safe for a full scan with no predicate to filter.
	fullyCovered := plan.Kind == PlanFullScan && (q.Predicate == nil || isTrivialTrue(q.Predicate))
	pushLimit := len(q.Sort) == 0 && q.Limit > 0 && fullyCovered

	var pks []tuple.Tuple
	var err error
	switch plan.Kind {
	case PlanIndexScan:
		pks, err = e.scanIndex(ctx, tx, plan, q)
	default:
		pks, err = e.scanFull(ctx, tx, td, pushLimit, q)
	}
	if err != nil {
		return nil, err
	}

	recs, err := e.fetchAll(ctx, tx, td, pks)
	if err != nil {
		return nil, err
	}

	out := make([]record.Record, 0, len(recs))
	for _, r := range recs {
		if evalPredicate(td, q.Predicate, r) {
			out = append(out, r)
		}
	}

	sortRecords(td, out, q.Sort)
	out = applyOffsetLimit(out, q.Offset, q.Limit)
	return out, nil
}

// Count returns the number of records q matches, preferring an index-range
// count or a full-scan byte-size estimate over materializing records
// (§4.6 Counting).
func (e *Executor) Count(ctx context.Context, tx kv.Transaction, td *record.TypeDescriptor, states map[string]record.State, q *Query) (int64, error) {
	plan := PlanQuery(td, states, q)

	if plan.Kind == PlanFullScan && (q.Predicate == nil || isTrivialTrue(q.Predicate)) {
		begin, end := e.typeSub(td.Name).Range()
		size, err := tx.EstimatedRangeSizeBytes(ctx, begin, end)
		if err != nil {
			return 0, err
		}
		if size > 0 {
			// Integer division rounds a nonzero size below
			// assumedAvgRowBytes down to 0, which would misreport an
			// actually-nonempty type as empty.
			if n := size / e.assumedAvgRowBytes; n > 0 {
				return n, nil
			}
			return 1, nil
		}
	}

	if plan.Kind == PlanIndexScan && isIndexOnlyCountable(q.Predicate, plan) {
		sub := e.indexSvc.IndexSubspace(plan.Desc.Name)
		begin, end := scanRange(sub, plan.Leafs)
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		if err != nil {
			return 0, err
		}
		defer it.Close()
		// A multi-valued KeyPath writes one index entry per element
		// (index.indexValues), so the same pk can appear more than once
		// in range; dedup the same way scanIndex does.
		seen := mapset.NewThreadUnsafeSet[string]()
		var n int64
		for {
			kvPair, ok, err := it.Next(ctx)
			if err != nil {
				return 0, err
			}
			if !ok {
				break
			}
			rest, err := sub.Unpack(kvPair.Key)
			if err != nil {
				return 0, err
			}
			if len(rest) == 0 {
				continue
			}
			packed := string(rest[len(rest)-1].Inner.Pack())
			if seen.Contains(packed) {
				continue
			}
			seen.Add(packed)
			n++
		}
		return n, nil
	}

	recs, err := e.Execute(ctx, tx, td, states, &Query{RecordType: q.RecordType, Predicate: q.Predicate})
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

func isTrivialTrue(p Predicate) bool {
	_, ok := p.(True)
	return ok
}

// isIndexOnlyCountable reports whether every conjunct the query expresses
// is covered by the chosen index scan, so the count can skip fetch+filter.
// flattenConjuncts silently drops any Leaf nested under an Or/Not (by
// design — it disqualifies that branch from planning, not the whole
// query, since Execute always re-evaluates the full predicate as a
// post-filter). That means a matching leaf count alone doesn't prove
// full coverage: require the predicate to be built only from Leaf/And in
// the first place, so there's no dropped Or/Not branch left unchecked.
func isIndexOnlyCountable(p Predicate, plan Plan) bool {
	if !isFullyDecomposable(p) {
		return false
	}
	leafs := flattenConjuncts(p)
	return len(leafs) == len(plan.Leafs)
}

// isFullyDecomposable reports whether p contains only Leaf/And nodes
// (recursively), the only shapes flattenConjuncts captures exhaustively.
func isFullyDecomposable(p Predicate) bool {
	switch v := p.(type) {
	case nil:
		return true
	case Leaf:
		return true
	case And:
		for _, child := range v {
			if !isFullyDecomposable(child) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// scanIndex never pushes Offset+Limit into the raw range scan: the same
// primary key can appear more than once in an index range (a
// multi-valued KeyPath field writes one entry per element), and there's
// no static per-field cardinality to rule that out, so a raw-row limit
// can undercount distinct matches. Execute applies offset/limit after
// this (and evalPredicate/dedup) have run.
func (e *Executor) scanIndex(ctx context.Context, tx kv.Transaction, plan Plan, q *Query) ([]tuple.Tuple, error) {
	sub := e.indexSvc.IndexSubspace(plan.Desc.Name)
	begin, end := scanRange(sub, plan.Leafs)
	it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamIterator)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	seen := mapset.NewThreadUnsafeSet[string]()
	var pks []tuple.Tuple
	for {
		kvPair, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rest, err := sub.Unpack(kvPair.Key)
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			continue
		}
		pk := rest[len(rest)-1].Inner
		packed := string(pk.Pack())
		if seen.Contains(packed) {
			continue
		}
		seen.Add(packed)
		pks = append(pks, pk)
	}
	return pks, nil
}

func (e *Executor) scanFull(ctx context.Context, tx kv.Transaction, td *record.TypeDescriptor, pushLimit bool, q *Query) ([]tuple.Tuple, error) {
	sub := e.typeSub(td.Name)
	begin, end := sub.Range()
	limit := 0
	if pushLimit {
		limit = q.Offset + q.Limit
	}
	it, err := tx.GetRange(ctx, begin, end, limit, false, true, kv.StreamWantAll)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var pks []tuple.Tuple
	for {
		kvPair, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		pk, err := sub.Unpack(kvPair.Key)
		if err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	return pks, nil
}

func (e *Executor) fetchAll(ctx context.Context, tx kv.Transaction, td *record.TypeDescriptor, pks []tuple.Tuple) ([]record.Record, error) {
	sub := e.typeSub(td.Name)
	out := make([]record.Record, 0, len(pks))
	for _, pk := range pks {
		key := sub.Pack(pk)
		raw, ok, err := e.items.Read(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rec, err := td.Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// scanRange builds the concrete [begin, end) byte range for an index scan
// satisfying leafs (§4.6 execution, §4.3 key shapes).
func scanRange(sub subspace.Subspace, leafs []Leaf) ([]byte, []byte) {
	allEq := true
	values := make([]tuple.Value, 0, len(leafs))
	for _, l := range leafs {
		if l.Op != OpEq {
			allEq = false
			break
		}
		values = append(values, l.Value)
	}
	if allEq {
		return sub.Sub(values...).Range()
	}

	begin, end := sub.Range()
	l := leafs[0]
	switch l.Op {
	case OpGt:
		_, after := sub.Sub(l.Value).Range()
		begin = after
	case OpGte:
		b, _ := sub.Sub(l.Value).Range()
		begin = b
	case OpLt:
		b, _ := sub.Sub(l.Value).Range()
		end = b
	case OpLte:
		_, e := sub.Sub(l.Value).Range()
		end = e
	}
	return begin, end
}

// evalPredicate evaluates p against rec, applied as the in-memory
// post-filter regardless of which scan path produced the candidate
// (§4.6 "post-filter ... by any residual conjuncts").
func evalPredicate(td *record.TypeDescriptor, p Predicate, rec record.Record) bool {
	switch v := p.(type) {
	case nil:
		return true
	case True:
		return true
	case False:
		return false
	case Not:
		return !evalPredicate(td, v.Inner, rec)
	case And:
		for _, child := range v {
			if !evalPredicate(td, child, rec) {
				return false
			}
		}
		return true
	case Or:
		for _, child := range v {
			if evalPredicate(td, child, rec) {
				return true
			}
		}
		return false
	case Leaf:
		return evalLeaf(td, v, rec)
	default:
		return true
	}
}

func evalLeaf(td *record.TypeDescriptor, l Leaf, rec record.Record) bool {
	vals, err := td.Extract(rec, l.Field)
	if err != nil {
		return false
	}
	switch l.Op {
	case OpIsNil:
		return len(vals) == 0
	case OpIsNotNil:
		return len(vals) != 0
	}
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		if matchLeaf(l, v) {
			return true
		}
	}
	return false
}

func matchLeaf(l Leaf, v tuple.Value) bool {
	switch l.Op {
	case OpEq:
		return tuple.Equal(tuple.Tuple{v}, tuple.Tuple{l.Value})
	case OpNeq:
		return !tuple.Equal(tuple.Tuple{v}, tuple.Tuple{l.Value})
	case OpLt:
		return tuple.Compare(tuple.Tuple{v}, tuple.Tuple{l.Value}) < 0
	case OpLte:
		return tuple.Compare(tuple.Tuple{v}, tuple.Tuple{l.Value}) <= 0
	case OpGt:
		return tuple.Compare(tuple.Tuple{v}, tuple.Tuple{l.Value}) > 0
	case OpGte:
		return tuple.Compare(tuple.Tuple{v}, tuple.Tuple{l.Value}) >= 0
	case OpContains:
		return stringOp(v, l.Value, strings.Contains)
	case OpHasPrefix:
		return stringOp(v, l.Value, strings.HasPrefix)
	case OpHasSuffix:
		return stringOp(v, l.Value, strings.HasSuffix)
	case OpIn:
		for _, want := range l.Values {
			if tuple.Equal(tuple.Tuple{v}, tuple.Tuple{want}) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func stringOp(v, needle tuple.Value, fn func(s, substr string) bool) bool {
	return fn(valueString(v), valueString(needle))
}

func valueString(v tuple.Value) string {
	if v.Kind == tuple.KindBytes {
		return string(v.Bytes)
	}
	return v.Str
}

// sortRecords orders recs in place by descs, in declared order; null
// (absent field) sorts smallest (§4.6).
func sortRecords(td *record.TypeDescriptor, recs []record.Record, descs []SortDescriptor) {
	if len(descs) == 0 {
		return
	}
	slices.SortFunc(recs, func(a, b record.Record) int {
		for _, d := range descs {
			c := compareField(td, a, b, d.Field)
			if d.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

func compareField(td *record.TypeDescriptor, a, b record.Record, field string) int {
	av, aerr := td.Extract(a, field)
	bv, berr := td.Extract(b, field)
	if aerr != nil || berr != nil {
		return 0
	}
	var at, bt tuple.Tuple
	if len(av) > 0 {
		at = tuple.Tuple{av[0]}
	}
	if len(bv) > 0 {
		bt = tuple.Tuple{bv[0]}
	}
	switch {
	case len(at) == 0 && len(bt) == 0:
		return 0
	case len(at) == 0:
		return -1
	case len(bt) == 0:
		return 1
	case at[0].Kind != bt[0].Kind && at[0].Kind != tuple.KindNull && bt[0].Kind != tuple.KindNull:
		// Values of different kinds have no meaningful order and
		// compare equal; null still sorts smallest.
		return 0
	default:
		return tuple.Compare(at, bt)
	}
}

func applyOffsetLimit(recs []record.Record, offset, limit int) []record.Record {
	if offset > 0 {
		if offset >= len(recs) {
			return nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

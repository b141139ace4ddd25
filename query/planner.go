// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package query

import (
	"github.com/erigontech/idxstore/record"
)

// PlanKind distinguishes an index-scan plan from a full type scan.
type PlanKind int

const (
	PlanFullScan PlanKind = iota
	PlanIndexScan
)

// Plan is the planner's decision for one query (§4.6 planning rules).
type Plan struct {
	Kind  PlanKind
	Desc  *record.IndexDescriptor // set iff Kind == PlanIndexScan
	Leafs []Leaf                  // the conjuncts the index scan satisfies, in KeyPaths order
}

// PlanQuery chooses a scan strategy for q against td, given each index's
// current lifecycle state. Only Scalar and Bitmap indexes participate:
// they're the only kinds shaped for point/range lookup by value (§4.3).
func PlanQuery(td *record.TypeDescriptor, states map[string]record.State, q *Query) Plan {
	conjuncts := flattenConjuncts(q.Predicate)
	if len(conjuncts) == 0 {
		return Plan{Kind: PlanFullScan}
	}
	byField := make(map[string][]Leaf, len(conjuncts))
	for _, l := range conjuncts {
		byField[l.Field] = append(byField[l.Field], l)
	}

	usable := func(d *record.IndexDescriptor) bool {
		switch d.Kind.(type) {
		case record.ScalarKind, record.BitmapKind:
		default:
			return false
		}
		return states[d.Name].IsReadable()
	}

	// Rule 2: compound index whose KeyPaths (k >= 2) are all covered by
	// equality conjuncts, in declared order.
	var best *record.IndexDescriptor
	var bestLeafs []Leaf
	for _, d := range td.Indexes {
		if !usable(d) || len(d.KeyPaths) < 2 {
			continue
		}
		leafs := make([]Leaf, 0, len(d.KeyPaths))
		ok := true
		for _, path := range d.KeyPaths {
			leaf, found := equalityFor(byField[path])
			if !found {
				ok = false
				break
			}
			leafs = append(leafs, leaf)
		}
		if ok && (best == nil || len(d.KeyPaths) > len(best.KeyPaths)) {
			best, bestLeafs = d, leafs
		}
	}
	if best != nil {
		return Plan{Kind: PlanIndexScan, Desc: best, Leafs: bestLeafs}
	}

	// Rule 3: single-field equality.
	for _, d := range td.Indexes {
		if !usable(d) || len(d.KeyPaths) != 1 {
			continue
		}
		if leaf, found := equalityFor(byField[d.KeyPaths[0]]); found {
			return Plan{Kind: PlanIndexScan, Desc: d, Leafs: []Leaf{leaf}}
		}
	}

	// Rule 4: single-field range.
	for _, d := range td.Indexes {
		if !usable(d) || len(d.KeyPaths) != 1 {
			continue
		}
		if leaf, found := rangeFor(byField[d.KeyPaths[0]]); found {
			return Plan{Kind: PlanIndexScan, Desc: d, Leafs: []Leaf{leaf}}
		}
	}

	return Plan{Kind: PlanFullScan}
}

func equalityFor(leafs []Leaf) (Leaf, bool) {
	for _, l := range leafs {
		if l.Op == OpEq {
			return l, true
		}
	}
	return Leaf{}, false
}

func rangeFor(leafs []Leaf) (Leaf, bool) {
	for _, l := range leafs {
		switch l.Op {
		case OpLt, OpLte, OpGt, OpGte:
			return l, true
		}
	}
	return Leaf{}, false
}

// flattenConjuncts collects the top-level indexable leaves of p: p itself
// if it's a single Leaf, or every direct Leaf/And child under a root And,
// recursively. A Leaf nested under an Or or a Not is not indexable and is
// left out — its branch is disqualified, not the whole query, since the
// full predicate is always re-evaluated in memory as a post-filter.
func flattenConjuncts(p Predicate) []Leaf {
	switch v := p.(type) {
	case nil:
		return nil
	case Leaf:
		return []Leaf{v}
	case And:
		var out []Leaf
		for _, child := range v {
			switch c := child.(type) {
			case Leaf:
				out = append(out, c)
			case And:
				out = append(out, flattenConjuncts(c)...)
			}
		}
		return out
	default:
		return nil
	}
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package query implements the predicate tree, planner, and in-memory
// execution pipeline over a record type (§4.6, C9).
package query

import "github.com/erigontech/idxstore/tuple"

// Op is a leaf predicate operator.
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpContains
	OpHasPrefix
	OpHasSuffix
	OpIn
	OpIsNil
	OpIsNotNil
)

// Predicate is a node in the query predicate tree: a Leaf, or one of the
// internal combinators And/Or/Not/True/False.
type Predicate interface {
	isPredicate()
}

// Leaf is `field OP value` (or `field OP values` for OpIn).
type Leaf struct {
	Field  string
	Op     Op
	Value  tuple.Value
	Values []tuple.Value // used only by OpIn
}

// And is a conjunction of predicates.
type And []Predicate

// Or is a disjunction of predicates.
type Or []Predicate

// Not negates a predicate.
type Not struct{ Inner Predicate }

// True always matches.
type True struct{}

// False never matches.
type False struct{}

func (Leaf) isPredicate()  {}
func (And) isPredicate()   {}
func (Or) isPredicate()    {}
func (Not) isPredicate()   {}
func (True) isPredicate()  {}
func (False) isPredicate() {}

// SortDescriptor orders results by one field, in declared order with
// later descriptors breaking ties left by earlier ones.
type SortDescriptor struct {
	Field      string
	Descending bool
}

// Query describes one fetch/count request against a record type (§4.6).
type Query struct {
	RecordType string
	Predicate  Predicate // nil (or True{}) matches every record
	Sort       []SortDescriptor
	Offset     int
	Limit      int // 0 = unlimited
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package record declares the record data model (§3): a typed entity
// identified by a RecordType and a primary key tuple, plus the static
// per-type descriptor table (§9 "Reflection / KeyPath field extraction")
// used to extract field values without runtime reflection.
package record

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/erigontech/idxstore/errs"
	"github.com/erigontech/idxstore/tuple"
)

// Record is any value the store persists. Implementations are generated
// or hand-written per domain type; the store never uses reflection to
// find the primary key or fields, it always calls PrimaryKey and the
// type's registered FieldExtractors.
type Record interface {
	RecordType() string
	PrimaryKey() tuple.Tuple
}

// FieldExtractor pulls the values of one declared field out of a record.
// It returns zero values when the field is absent (isNil predicates test
// this) and more than one value when the field is multi-valued (e.g. a
// tag list), in which case Scalar/Bitmap indexes produce one index entry
// per element.
type FieldExtractor func(Record) []tuple.Value

// GraphDirection says which way a Graph index's adjacency list runs.
type GraphDirection int

const (
	GraphOutgoing GraphDirection = iota
	GraphIncoming
)

// IndexKind is a tagged variant over the index flavors §3/§4.3 describe.
// Each concrete kind is a distinct Go type implementing the marker
// method, so index/ can type-switch to pick a maintainer — the neutral
// design called for in §9 ("Polymorphism over index kinds").
type IndexKind interface {
	indexKind()
	String() string
}

type ScalarKind struct{}

func (ScalarKind) indexKind()     {}
func (ScalarKind) String() string { return "scalar" }

type CountKind struct{}

func (CountKind) indexKind()     {}
func (CountKind) String() string { return "count" }

type SumKind struct{}

func (SumKind) indexKind()     {}
func (SumKind) String() string { return "sum" }

type MinKind struct{}

func (MinKind) indexKind()     {}
func (MinKind) String() string { return "min" }

type MaxKind struct{}

func (MaxKind) indexKind()     {}
func (MaxKind) String() string { return "max" }

type AverageKind struct{}

func (AverageKind) indexKind()     {}
func (AverageKind) String() string { return "average" }

type DistinctKind struct{}

func (DistinctKind) indexKind()     {}
func (DistinctKind) String() string { return "distinct" }

type BitmapKind struct{}

func (BitmapKind) indexKind()     {}
func (BitmapKind) String() string { return "bitmap" }

type GraphKind struct {
	Direction GraphDirection
	EdgeField string
}

func (GraphKind) indexKind()     {}
func (GraphKind) String() string { return "graph" }

type LeaderboardKind struct {
	Window      time.Duration
	WindowCount int
}

func (LeaderboardKind) indexKind()     {}
func (LeaderboardKind) String() string { return "leaderboard" }

// State is an index's lifecycle stage (§3).
type State int

const (
	StateDisabled State = iota
	StateWriteOnly
	StateReadable
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateWriteOnly:
		return "writeOnly"
	case StateReadable:
		return "readable"
	default:
		return "unknown"
	}
}

// ShouldMaintain reports whether a write should update this index.
func (s State) ShouldMaintain() bool { return s != StateDisabled }

// IsReadable reports whether a query may use this index.
func (s State) IsReadable() bool { return s == StateReadable }

// IndexDescriptor statically declares one index on a record type.
// KeyPaths names fields in declared order; for aggregate kinds
// (Count/Sum/Min/Max/Average/Distinct) every entry but the last is a
// grouping field, and the last is the aggregated value field (Count has
// no value field: every entry groups).
type IndexDescriptor struct {
	Name     string
	Kind     IndexKind
	KeyPaths []string
	IsUnique bool
}

// GroupPaths returns the grouping field names for aggregate kinds.
func (d *IndexDescriptor) GroupPaths() []string {
	switch d.Kind.(type) {
	case CountKind:
		return d.KeyPaths
	case SumKind, MinKind, MaxKind, AverageKind, DistinctKind, LeaderboardKind:
		if len(d.KeyPaths) == 0 {
			return nil
		}
		return d.KeyPaths[:len(d.KeyPaths)-1]
	default:
		return d.KeyPaths
	}
}

// ValuePath returns the aggregated value field name for Sum/Min/Max/
// Average/Distinct/Leaderboard kinds; empty otherwise.
func (d *IndexDescriptor) ValuePath() string {
	switch d.Kind.(type) {
	case SumKind, MinKind, MaxKind, AverageKind, DistinctKind, LeaderboardKind:
		if len(d.KeyPaths) == 0 {
			return ""
		}
		return d.KeyPaths[len(d.KeyPaths)-1]
	default:
		return ""
	}
}

// TypeDescriptor is the static schema for one RecordType: its declared
// indexes and the extractor table used to pull field values without
// reflection.
type TypeDescriptor struct {
	Name       string
	Indexes    []*IndexDescriptor
	Extractors map[string]FieldExtractor
	Encode     func(Record) ([]byte, error)
	Decode     func([]byte) (Record, error)
}

// Extract looks up and runs the extractor for field, returning an error
// if the type never declared that field.
func (td *TypeDescriptor) Extract(rec Record, field string) ([]tuple.Value, error) {
	fn, ok := td.Extractors[field]
	if !ok {
		return nil, &errs.ValidationFailure{RecordType: td.Name, Reason: fmt.Sprintf("no such field %q", field)}
	}
	return fn(rec), nil
}

// IndexByName finds a descriptor by name, or nil.
func (td *TypeDescriptor) IndexByName(name string) *IndexDescriptor {
	for _, d := range td.Indexes {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Registry resolves RecordType names to their TypeDescriptor. Lookups sit
// on the hot path of every fetch/save/delete, so resolved descriptors are
// cached in a bounded LRU rather than re-walked from the backing map on
// every call.
type Registry struct {
	types map[string]*TypeDescriptor
	cache *lru.Cache[string, *TypeDescriptor]
}

// NewRegistry creates an empty registry with an LRU of the given size
// (resolved-descriptor cache; 0 uses a sensible default).
func NewRegistry(cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	c, _ := lru.New[string, *TypeDescriptor](cacheSize)
	return &Registry{types: make(map[string]*TypeDescriptor), cache: c}
}

// Register adds or replaces a type's descriptor.
func (r *Registry) Register(td *TypeDescriptor) {
	r.types[td.Name] = td
	r.cache.Remove(td.Name)
}

// Get resolves a RecordType name to its descriptor.
func (r *Registry) Get(recordType string) (*TypeDescriptor, error) {
	if td, ok := r.cache.Get(recordType); ok {
		return td, nil
	}
	td, ok := r.types[recordType]
	if !ok {
		return nil, &errs.ValidationFailure{RecordType: recordType, Reason: "unregistered record type"}
	}
	r.cache.Add(recordType, td)
	return td, nil
}

// All returns every registered type name, for operations (like a
// type-wide schema walk) that must enumerate the whole registry.
func (r *Registry) All() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

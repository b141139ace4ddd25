// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package indexsvc dispatches per-record writes to the right index
// maintainer, gating on index state and routing uniqueness conflicts to
// the violation tracker (§4.5, C8).
package indexsvc

import (
	"context"

	"go.uber.org/zap"

	"github.com/erigontech/idxstore/index"
	"github.com/erigontech/idxstore/indexstate"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/violations"
)

// Service is the index maintenance service: given a record's old and new
// values, it updates every index declared on that record's type.
type Service struct {
	indexesRoot subspace.Subspace
	states      *indexstate.Manager
	conflicts   *violations.Tracker
	log         *zap.Logger
}

// New creates a Service. indexesRoot is the subspace each index's own
// subspace is carved from (typically root.SubBytes([]byte("indexes/"))).
func New(indexesRoot subspace.Subspace, states *indexstate.Manager, conflicts *violations.Tracker, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{indexesRoot: indexesRoot, states: states, conflicts: conflicts, log: log}
}

// IndexSubspace returns the subspace one named index's entries live under.
func (s *Service) IndexSubspace(indexName string) subspace.Subspace {
	return s.indexesRoot.SubBytes([]byte(indexName + "/"))
}

// UpdateIndexes applies every descriptor on td to the (old, new) record
// pair: old is nil on insert, new is nil on delete, both set is an update
// of the same primary key (§4.5 steps 1-4).
func (s *Service) UpdateIndexes(ctx context.Context, tx kv.Transaction, td *record.TypeDescriptor, old, new record.Record) error {
	if len(td.Indexes) == 0 {
		return nil
	}
	states, err := s.states.GetAll(ctx, tx, td.Indexes)
	if err != nil {
		return err
	}
	for _, desc := range td.Indexes {
		state := states[desc.Name]
		if !state.ShouldMaintain() {
			continue
		}
		maintainer, err := index.New(desc)
		if err != nil {
			return err
		}
		var checker *index.UniqueChecker
		if desc.IsUnique {
			checker = &index.UniqueChecker{Readable: state.IsReadable(), Recorder: s.conflicts}
		}
		sub := s.IndexSubspace(desc.Name)
		if err := maintainer.Apply(ctx, tx, sub, td, desc, old, new, checker); err != nil {
			s.log.Warn("index maintenance failed",
				zap.String("index", desc.Name),
				zap.String("recordType", td.Name),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// ClearType drops every index entry for every descriptor on td in one
// pass, used by store.ClearAll (§4.7 clear_all) and by migrations
// recreating an index from scratch.
func (s *Service) ClearType(ctx context.Context, tx kv.Transaction, td *record.TypeDescriptor) error {
	for _, desc := range td.Indexes {
		begin, end := s.IndexSubspace(desc.Name).Range()
		if err := tx.ClearRange(ctx, begin, end); err != nil {
			return err
		}
	}
	return nil
}

// States exposes the underlying index-state manager so the migration
// controller can drive the disabled -> writeOnly -> readable transitions.
func (s *Service) States() *indexstate.Manager { return s.states }

// Conflicts exposes the underlying violation tracker so migrations can
// list/clear tracked conflicts before promoting an index to readable.
func (s *Service) Conflicts() *violations.Tracker { return s.conflicts }

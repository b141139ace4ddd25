// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store is the public facade (§4.7, C10): fetch/save/delete,
// batch execution, type-wide clear, and scoped transactions, wired on
// top of item storage, the index maintenance service, and the query
// executor.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/erigontech/idxstore/errs"
	"github.com/erigontech/idxstore/indexstate"
	"github.com/erigontech/idxstore/indexsvc"
	"github.com/erigontech/idxstore/item"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/numeric"
	"github.com/erigontech/idxstore/query"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
	"github.com/erigontech/idxstore/violations"
)

// defaultAssumedAverageRowSize is the row-size-in-bytes estimate the
// executor's range-size-based count divides by when AssumedAverageRowSize
// is left at its zero value (§4.6 Counting).
const defaultAssumedAverageRowSize = 192

// Config configures a Store beyond the engine and registry (loading it
// from a file is out of scope per §1: callers construct it directly).
type Config struct {
	Root     subspace.Subspace
	ItemCfg  item.Config
	Security SecurityDelegate
	Metrics  MetricsDelegate
	Log      *zap.Logger

	// AssumedAverageRowSize is the byte size the executor's range-size
	// count estimate divides by; may be written in config files as a
	// plain decimal or "0x"-prefixed hex literal. Zero means
	// defaultAssumedAverageRowSize.
	AssumedAverageRowSize numeric.HexOrDecimal64
}

// Store is the indexed object store facade.
type Store struct {
	engine   kv.Engine
	registry *record.Registry
	cfg      Config

	itemsRoot   subspace.Subspace
	indexesRoot subspace.Subspace

	items    *item.Storage
	indexSvc *indexsvc.Service
	executor *query.Executor
	log      *zap.Logger
}

// New wires a Store from its engine, type registry, and config, filling
// in AllowAllSecurity / NopMetrics / a no-op logger for any zero-valued
// delegate fields.
func New(engine kv.Engine, registry *record.Registry, cfg Config) *Store {
	if cfg.Security == nil {
		cfg.Security = AllowAllSecurity{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ItemCfg == (item.Config{}) {
		cfg.ItemCfg = item.DefaultConfig()
	}
	if cfg.AssumedAverageRowSize == 0 {
		cfg.AssumedAverageRowSize = defaultAssumedAverageRowSize
	}

	itemsRoot := cfg.Root.SubBytes([]byte("items/"))
	blobsRoot := cfg.Root.SubBytes([]byte("blobs/"))
	indexesRoot := cfg.Root.SubBytes([]byte("indexes/"))
	metaRoot := cfg.Root.SubBytes([]byte("_metadata/"))
	stateRoot := metaRoot.SubBytes([]byte("index-state/"))
	violRoot := metaRoot.SubBytes([]byte("violations/"))

	items := item.New(cfg.ItemCfg, blobsRoot)
	states := indexstate.New(stateRoot)
	conflicts := violations.New(violRoot)
	indexSvc := indexsvc.New(indexesRoot, states, conflicts, cfg.Log)
	executor := query.NewExecutor(items, itemsRoot, indexSvc, int64(cfg.AssumedAverageRowSize))

	return &Store{
		engine:      engine,
		registry:    registry,
		cfg:         cfg,
		itemsRoot:   itemsRoot,
		indexesRoot: indexesRoot,
		items:       items,
		indexSvc:    indexSvc,
		executor:    executor,
		log:         cfg.Log,
	}
}

func (s *Store) typeSub(name string) subspace.Subspace {
	return s.itemsRoot.SubBytes([]byte(name + "/"))
}

func (s *Store) typeDescriptor(recordType string) (*record.TypeDescriptor, error) {
	return s.registry.Get(recordType)
}

func (s *Store) logTxn(op string, start time.Time, err error) {
	dur := time.Since(start)
	fields := []zap.Field{zap.String("op", op), zap.Duration("duration", dur)}
	if err != nil {
		s.log.Warn("transaction aborted", append(fields, zap.Error(err))...)
		return
	}
	s.log.Debug("transaction committed", fields...)
}

// FetchAll returns every record of type recordType, decoded, at a
// snapshot read level (§4.7 fetch_all).
func (s *Store) FetchAll(ctx context.Context, recordType string) ([]record.Record, error) {
	start := time.Now()
	if err := s.cfg.Security.EvaluateList(ctx, recordType, 0, 0, nil); err != nil {
		return nil, err
	}
	td, err := s.typeDescriptor(recordType)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.WithReadOnly(ctx, kv.TxnConfig{Priority: kv.PriorityNormal}, func(tx kv.Transaction) (any, error) {
		sub := s.typeSub(td.Name)
		begin, end := sub.Range()
		it, err := s.items.Scan(ctx, tx, begin, end, 0, false)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		var out []record.Record
		for {
			kvPair, ok, err := it.Next(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			raw, err := s.items.Materialize(ctx, tx, kvPair.Value)
			if err != nil {
				return nil, err
			}
			rec, err := td.Decode(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	})
	s.logTxn("fetch_all", start, err)
	if err != nil {
		s.cfg.Metrics.DidFailFetch(recordType, err, time.Since(start))
		return nil, err
	}
	out, _ := res.([]record.Record)
	s.cfg.Metrics.DidFetch(recordType, len(out), time.Since(start))
	return out, nil
}

// Fetch returns the single record of type recordType identified by pk, or
// ok=false if it doesn't exist (§4.7 fetch).
func (s *Store) Fetch(ctx context.Context, recordType string, id tuple.Tuple) (record.Record, bool, error) {
	start := time.Now()
	td, err := s.typeDescriptor(recordType)
	if err != nil {
		return nil, false, err
	}
	res, err := s.engine.WithReadOnly(ctx, kv.TxnConfig{Priority: kv.PriorityNormal}, func(tx kv.Transaction) (any, error) {
		key := s.typeSub(td.Name).Pack(id)
		raw, ok, err := s.items.Read(ctx, tx, key)
		if err != nil || !ok {
			return nil, err
		}
		rec, err := td.Decode(raw)
		if err != nil {
			return nil, err
		}
		if err := s.cfg.Security.EvaluateGet(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
	s.logTxn("fetch", start, err)
	if err != nil {
		s.cfg.Metrics.DidFailFetch(recordType, err, time.Since(start))
		return nil, false, err
	}
	if res == nil {
		s.cfg.Metrics.DidFetch(recordType, 0, time.Since(start))
		return nil, false, nil
	}
	rec := res.(record.Record)
	s.cfg.Metrics.DidFetch(recordType, 1, time.Since(start))
	return rec, true, nil
}

// FetchQuery runs q and returns the matching, sorted, offset/limited
// records (§4.6, §4.7).
func (s *Store) FetchQuery(ctx context.Context, q *query.Query) ([]record.Record, error) {
	start := time.Now()
	if err := s.cfg.Security.EvaluateList(ctx, q.RecordType, q.Limit, q.Offset, q.Sort); err != nil {
		return nil, err
	}
	td, err := s.typeDescriptor(q.RecordType)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.WithReadOnly(ctx, kv.TxnConfig{Priority: kv.PriorityNormal}, func(tx kv.Transaction) (any, error) {
		states, err := s.indexSvc.States().GetAll(ctx, tx, td.Indexes)
		if err != nil {
			return nil, err
		}
		return s.executor.Execute(ctx, tx, td, states, q)
	})
	s.logTxn("fetch_query", start, err)
	if err != nil {
		s.cfg.Metrics.DidFailFetch(q.RecordType, err, time.Since(start))
		return nil, err
	}
	out, _ := res.([]record.Record)
	s.cfg.Metrics.DidFetch(q.RecordType, len(out), time.Since(start))
	return out, nil
}

// FetchCount returns the number of records q matches (§4.6 Counting).
func (s *Store) FetchCount(ctx context.Context, q *query.Query) (int64, error) {
	if err := s.cfg.Security.EvaluateList(ctx, q.RecordType, q.Limit, q.Offset, q.Sort); err != nil {
		return 0, err
	}
	td, err := s.typeDescriptor(q.RecordType)
	if err != nil {
		return 0, err
	}
	res, err := s.engine.WithReadOnly(ctx, kv.TxnConfig{Priority: kv.PriorityNormal}, func(tx kv.Transaction) (any, error) {
		states, err := s.indexSvc.States().GetAll(ctx, tx, td.Indexes)
		if err != nil {
			return nil, err
		}
		return s.executor.Count(ctx, tx, td, states, q)
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Save inserts or updates every record in recs, maintaining every index
// declared on each record's type in the same transaction (§4.5, §4.7).
// Empty input is a no-op.
func (s *Store) Save(ctx context.Context, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()
	recordType := recs[0].RecordType()
	_, err := s.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityNormal}, func(tx kv.Transaction) (any, error) {
		for _, rec := range recs {
			if err := s.saveOne(ctx, tx, rec); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	s.logTxn("save", start, err)
	if err != nil {
		s.cfg.Metrics.DidFailSave(recordType, err, time.Since(start))
		return err
	}
	s.cfg.Metrics.DidSave(recordType, len(recs), time.Since(start))
	return nil
}

func (s *Store) saveOne(ctx context.Context, tx kv.Transaction, rec record.Record) error {
	td, err := s.typeDescriptor(rec.RecordType())
	if err != nil {
		return err
	}
	if rec.PrimaryKey() == nil {
		return &errs.ValidationFailure{RecordType: td.Name, Reason: "missing primary key"}
	}
	key := s.typeSub(td.Name).Pack(rec.PrimaryKey())

	var old record.Record
	if raw, ok, err := s.items.Read(ctx, tx, key); err != nil {
		return err
	} else if ok {
		old, err = td.Decode(raw)
		if err != nil {
			return err
		}
	}

	if old == nil {
		if err := s.cfg.Security.EvaluateCreate(ctx, rec); err != nil {
			return err
		}
	} else {
		if err := s.cfg.Security.EvaluateUpdate(ctx, old, rec); err != nil {
			return err
		}
	}

	encoded, err := td.Encode(rec)
	if err != nil {
		return err
	}
	if err := s.items.Write(ctx, tx, key, encoded); err != nil {
		return err
	}
	return s.indexSvc.UpdateIndexes(ctx, tx, td, old, rec)
}

// Delete removes every record in recs by primary key (§4.5, §4.7). Empty
// input is a no-op; deleting a non-existent primary key is also a no-op.
func (s *Store) Delete(ctx context.Context, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()
	recordType := recs[0].RecordType()
	_, err := s.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityNormal}, func(tx kv.Transaction) (any, error) {
		for _, rec := range recs {
			if err := s.deleteOne(ctx, tx, rec); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	s.logTxn("delete", start, err)
	if err != nil {
		s.cfg.Metrics.DidFailDelete(recordType, err, time.Since(start))
		return err
	}
	s.cfg.Metrics.DidDelete(recordType, len(recs), time.Since(start))
	return nil
}

// DeleteByID deletes one record identified by recordType and id, if it
// exists (§4.7 `delete(T, id)`).
func (s *Store) DeleteByID(ctx context.Context, recordType string, id tuple.Tuple) error {
	start := time.Now()
	td, err := s.typeDescriptor(recordType)
	if err != nil {
		return err
	}
	_, err = s.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityNormal}, func(tx kv.Transaction) (any, error) {
		return nil, s.deleteByKey(ctx, tx, td, id)
	})
	s.logTxn("delete", start, err)
	if err != nil {
		s.cfg.Metrics.DidFailDelete(recordType, err, time.Since(start))
		return err
	}
	s.cfg.Metrics.DidDelete(recordType, 1, time.Since(start))
	return nil
}

// deleteOne deletes rec by its own declared primary key.
func (s *Store) deleteOne(ctx context.Context, tx kv.Transaction, rec record.Record) error {
	td, err := s.typeDescriptor(rec.RecordType())
	if err != nil {
		return err
	}
	return s.deleteByKey(ctx, tx, td, rec.PrimaryKey())
}

func (s *Store) deleteByKey(ctx context.Context, tx kv.Transaction, td *record.TypeDescriptor, id tuple.Tuple) error {
	key := s.typeSub(td.Name).Pack(id)
	raw, ok, err := s.items.Read(ctx, tx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil // P6: deleting a non-existent primary key is a no-op
	}
	old, err := td.Decode(raw)
	if err != nil {
		return err
	}
	if err := s.cfg.Security.EvaluateDelete(ctx, old); err != nil {
		return err
	}
	if err := s.items.Delete(ctx, tx, key); err != nil {
		return err
	}
	return s.indexSvc.UpdateIndexes(ctx, tx, td, old, nil)
}

// ExecuteBatch applies every insert and delete in one KV transaction at
// batch priority; a successful commit is atomic across all of them
// (§4.7 execute_batch).
func (s *Store) ExecuteBatch(ctx context.Context, inserts, deletes []record.Record) error {
	start := time.Now()
	recordType := ""
	if len(inserts) > 0 {
		recordType = inserts[0].RecordType()
	} else if len(deletes) > 0 {
		recordType = deletes[0].RecordType()
	}
	_, err := s.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		for _, rec := range inserts {
			if err := s.saveOne(ctx, tx, rec); err != nil {
				return nil, err
			}
		}
		for _, rec := range deletes {
			if err := s.deleteOne(ctx, tx, rec); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	s.logTxn("execute_batch", start, err)
	count := len(inserts) + len(deletes)
	if err != nil {
		s.cfg.Metrics.DidFailBatch(recordType, err, time.Since(start))
		return err
	}
	s.cfg.Metrics.DidBatch(recordType, count, time.Since(start))
	return nil
}

// ClearAll wipes every record and every index entry for recordType in one
// transaction; admin only (§4.7 clear_all).
func (s *Store) ClearAll(ctx context.Context, recordType string) error {
	start := time.Now()
	if err := s.cfg.Security.RequireAdmin(ctx, "clear_all", recordType); err != nil {
		return err
	}
	td, err := s.typeDescriptor(recordType)
	if err != nil {
		return err
	}
	_, err = s.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		// Delete key by key, not via a blind ClearRange, so any blob
		// chunks a stub references get cleared too — blobs/ is a shared
		// subspace across record types and isn't addressable by one
		// range per type.
		begin, end := s.typeSub(td.Name).Range()
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		if err != nil {
			return nil, err
		}
		type kvCopy struct{ key, value []byte }
		var pairs []kvCopy
		for {
			kvPair, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ok {
				break
			}
			pairs = append(pairs, kvCopy{
				key:   append([]byte(nil), kvPair.Key...),
				value: append([]byte(nil), kvPair.Value...),
			})
		}
		it.Close()
		for _, p := range pairs {
			if err := s.items.DeleteRaw(ctx, tx, p.key, p.value); err != nil {
				return nil, err
			}
		}
		return nil, s.indexSvc.ClearType(ctx, tx, td)
	})
	s.logTxn("clear_all", start, err)
	return err
}

// Txn is the scoped view with_transaction's body receives: it reuses the
// store's pre-resolved subspaces and index maintenance service (§4.7
// with_transaction).
type Txn struct {
	store *Store
	Tx    kv.Transaction
}

// Save writes rec within the open transaction.
func (t *Txn) Save(ctx context.Context, rec record.Record) error {
	return t.store.saveOne(ctx, t.Tx, rec)
}

// Delete removes rec within the open transaction.
func (t *Txn) Delete(ctx context.Context, rec record.Record) error {
	return t.store.deleteOne(ctx, t.Tx, rec)
}

// Fetch reads one record by primary key within the open transaction.
func (t *Txn) Fetch(ctx context.Context, recordType string, id tuple.Tuple) (record.Record, bool, error) {
	td, err := t.store.typeDescriptor(recordType)
	if err != nil {
		return nil, false, err
	}
	key := t.store.typeSub(td.Name).Pack(id)
	raw, ok, err := t.store.items.Read(ctx, t.Tx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err := td.Decode(raw)
	return rec, err == nil, err
}

// WithTransaction runs body inside one KV transaction, retried
// automatically by the engine on conflict (§4.7 with_transaction).
func (s *Store) WithTransaction(ctx context.Context, cfg kv.TxnConfig, body func(*Txn) (any, error)) (any, error) {
	return s.engine.With(ctx, cfg, func(tx kv.Transaction) (any, error) {
		return body(&Txn{store: s, Tx: tx})
	})
}

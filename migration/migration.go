// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package migration drives schema evolution: reading/writing the schema
// version, batched data rewrites that bypass application-level security,
// and the online index build state machine (§4.8, C11).
package migration

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/idxstore/index"
	"github.com/erigontech/idxstore/indexsvc"
	"github.com/erigontech/idxstore/item"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/numeric"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

// Version is the schema version triple persisted at _metadata/schema-version
// (§3 key layout, invariant 6: monotone under migration).
type Version struct {
	Major, Minor, Patch int64
}

// Less reports whether v precedes other.
func (v Version) Less(other Version) bool {
	switch {
	case v.Major != other.Major:
		return v.Major < other.Major
	case v.Minor != other.Minor:
		return v.Minor < other.Minor
	default:
		return v.Patch < other.Patch
	}
}

func (v Version) pack() tuple.Tuple {
	return tuple.Tuple{tuple.Int(v.Major), tuple.Int(v.Minor), tuple.Int(v.Patch)}
}

func unpackVersion(t tuple.Tuple) Version {
	if len(t) != 3 {
		return Version{}
	}
	return Version{Major: t[0].Int, Minor: t[1].Int, Patch: t[2].Int}
}

// Controller drives schema migrations and index builds directly against
// item storage and index subspaces, bypassing the store facade's
// SecurityDelegate (§4.8: "migrations bypass application-level
// security").
type Controller struct {
	engine       kv.Engine
	items        *item.Storage
	itemsRoot    subspace.Subspace
	metaRoot     subspace.Subspace
	indexSvc     *indexsvc.Service
	log          *zap.Logger
	batchWorkers int
}

// New creates a Controller. itemsRoot and metaRoot must be the same
// subspaces the store.Store wired (typically root.SubBytes("items/") and
// root.SubBytes("_metadata/")).
func New(engine kv.Engine, items *item.Storage, itemsRoot, metaRoot subspace.Subspace, indexSvc *indexsvc.Service, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		engine:       engine,
		items:        items,
		itemsRoot:    itemsRoot,
		metaRoot:     metaRoot,
		indexSvc:     indexSvc,
		log:          log,
		batchWorkers: 4,
	}
}

func (c *Controller) schemaVersionKey() []byte {
	return c.metaRoot.SubBytes([]byte("schema-version")).Bytes()
}

func (c *Controller) typeSub(recordType string) subspace.Subspace {
	return c.itemsRoot.SubBytes([]byte(recordType + "/"))
}

// SchemaVersion reads the current schema version, or the zero Version if
// none has ever been written.
func (c *Controller) SchemaVersion(ctx context.Context, tx kv.Transaction) (Version, error) {
	raw, ok, err := tx.Get(ctx, c.schemaVersionKey())
	if err != nil || !ok {
		return Version{}, err
	}
	t, err := tuple.Unpack(raw)
	if err != nil {
		return Version{}, err
	}
	return unpackVersion(t), nil
}

// SetSchemaVersion writes next, refusing to move the version backwards
// (invariant 6).
func (c *Controller) SetSchemaVersion(ctx context.Context, tx kv.Transaction, next Version) error {
	cur, err := c.SchemaVersion(ctx, tx)
	if err != nil {
		return err
	}
	if next.Less(cur) {
		return errors.Errorf("migration: schema version must be monotone, have %+v, got %+v", cur, next)
	}
	return tx.Set(ctx, c.schemaVersionKey(), next.pack().Pack())
}

// Update rewrites one record directly, without consulting a
// SecurityDelegate, but still maintaining every index on its type
// (§4.8 `update`).
func (c *Controller) Update(ctx context.Context, td *record.TypeDescriptor, rec record.Record) error {
	_, err := c.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		key := c.typeSub(td.Name).Pack(rec.PrimaryKey())
		var old record.Record
		if raw, ok, err := c.items.Read(ctx, tx, key); err != nil {
			return nil, err
		} else if ok {
			old, err = td.Decode(raw)
			if err != nil {
				return nil, err
			}
		}
		encoded, err := td.Encode(rec)
		if err != nil {
			return nil, err
		}
		if err := c.items.Write(ctx, tx, key, encoded); err != nil {
			return nil, err
		}
		return nil, c.indexSvc.UpdateIndexes(ctx, tx, td, old, rec)
	})
	return err
}

// DeleteRecord removes one record by primary key, without consulting a
// SecurityDelegate (§4.8 `delete`).
func (c *Controller) DeleteRecord(ctx context.Context, td *record.TypeDescriptor, id tuple.Tuple) error {
	_, err := c.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		key := c.typeSub(td.Name).Pack(id)
		raw, ok, err := c.items.Read(ctx, tx, key)
		if err != nil || !ok {
			return nil, err
		}
		old, err := td.Decode(raw)
		if err != nil {
			return nil, err
		}
		if err := c.items.Delete(ctx, tx, key); err != nil {
			return nil, err
		}
		return nil, c.indexSvc.UpdateIndexes(ctx, tx, td, old, nil)
	})
	return err
}

// Count returns the number of records of type td, by full range scan
// (§4.8 `count`).
func (c *Controller) Count(ctx context.Context, td *record.TypeDescriptor) (int64, error) {
	res, err := c.engine.WithReadOnly(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		sub := c.typeSub(td.Name)
		begin, end := sub.Range()
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		var n int64
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
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// BatchUpdate applies transform to every record of type td in batches of
// batchSize, writing each batch in its own transaction. A non-nil
// returned record is written back; a nil one deletes the input record.
// Batches run with bounded concurrency (§ domain stack: errgroup caps
// in-flight chunk workers).
func (c *Controller) BatchUpdate(ctx context.Context, td *record.TypeDescriptor, batchSize int, transform func(record.Record) (record.Record, error)) error {
	if batchSize <= 0 {
		batchSize = 256
	}
	batches, err := c.pageRecords(ctx, td, batchSize)
	if err != nil {
		return err
	}
	var total int
	for _, b := range batches {
		total += len(b)
	}
	c.log.Info("batch_update starting",
		zap.String("recordType", td.Name),
		zap.Int("records", total),
		zap.Int("batches", numeric.CeilDiv(total, batchSize)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchWorkers)
	for batchIdx, batch := range batches {
		batch := batch
		batchIdx := batchIdx
		g.Go(func() error {
			_, err := c.engine.With(gctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
				for _, rec := range batch {
					next, err := transform(rec)
					if err != nil {
						return nil, errors.Wrapf(err, "batch_update: transform batch %d", batchIdx)
					}
					key := c.typeSub(td.Name).Pack(rec.PrimaryKey())
					if next == nil {
						if err := c.items.Delete(gctx, tx, key); err != nil {
							return nil, err
						}
						if err := c.indexSvc.UpdateIndexes(gctx, tx, td, rec, nil); err != nil {
							return nil, err
						}
						continue
					}
					encoded, err := td.Encode(next)
					if err != nil {
						return nil, errors.Wrapf(err, "batch_update: encode batch %d", batchIdx)
					}
					if err := c.items.Write(gctx, tx, key, encoded); err != nil {
						return nil, err
					}
					if err := c.indexSvc.UpdateIndexes(gctx, tx, td, rec, next); err != nil {
						return nil, err
					}
				}
				return nil, nil
			})
			return err
		})
	}
	return g.Wait()
}

// pageRecords reads every record of type td into batchSize-sized pages,
// one read-only pass, so BatchUpdate's write transactions never overlap
// with the scan that discovered their input.
func (c *Controller) pageRecords(ctx context.Context, td *record.TypeDescriptor, batchSize int) ([][]record.Record, error) {
	sub := c.typeSub(td.Name)
	var batches [][]record.Record
	var cur []record.Record

	_, err := c.engine.WithReadOnly(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		begin, end := sub.Range()
		it, err := tx.GetRange(ctx, begin, end, 0, false, true, kv.StreamWantAll)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		for {
			kvPair, ok, err := it.Next(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			raw, err := c.items.Materialize(ctx, tx, kvPair.Value)
			if err != nil {
				return nil, err
			}
			rec, err := td.Decode(raw)
			if err != nil {
				return nil, err
			}
			cur = append(cur, rec)
			if len(cur) >= batchSize {
				batches = append(batches, cur)
				cur = nil
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches, nil
}

// BuildIndex drives one index through the full online build protocol:
// disabled -> writeOnly, scan-based backfill in bounded-size chunks
// (uniqueness conflicts are tracked, never fatal, during the backfill),
// then writeOnly -> readable (§4.8).
func (c *Controller) BuildIndex(ctx context.Context, td *record.TypeDescriptor, desc *record.IndexDescriptor, batchSize int) error {
	maintainer, err := index.New(desc)
	if err != nil {
		return err
	}
	states := c.indexSvc.States()

	_, err = c.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		return nil, states.Set(ctx, tx, desc.Name, record.StateWriteOnly)
	})
	if err != nil {
		return errors.Wrap(err, "migration: transition to writeOnly")
	}

	batches, err := c.pageRecords(ctx, td, batchSize)
	if err != nil {
		return errors.Wrap(err, "migration: backfill scan")
	}

	sub := c.indexSvc.IndexSubspace(desc.Name)
	checker := &index.UniqueChecker{Readable: false, Recorder: c.indexSvc.Conflicts()}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.batchWorkers)
	for batchIdx, batch := range batches {
		batch := batch
		batchIdx := batchIdx
		g.Go(func() error {
			_, err := c.engine.With(gctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
				for _, rec := range batch {
					if err := maintainer.Apply(gctx, tx, sub, td, desc, nil, rec, checker); err != nil {
						return nil, err
					}
				}
				return nil, nil
			})
			if err != nil {
				return errors.Wrapf(err, "migration: backfill batch %d of index %s", batchIdx, desc.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, err = c.engine.With(ctx, kv.TxnConfig{Priority: kv.PriorityBatch}, func(tx kv.Transaction) (any, error) {
		return nil, states.Set(ctx, tx, desc.Name, record.StateReadable)
	})
	if err != nil {
		return errors.Wrap(err, "migration: transition to readable")
	}
	c.log.Info("index build complete", zap.String("index", desc.Name))
	return nil
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package item reads and writes single logical values that may be stored
// inline or split into external blob chunks above a configured threshold
// (§4.4, C4).
package item

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/erigontech/idxstore/errs"
	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/numeric"
	"github.com/erigontech/idxstore/subspace"
)

// Config controls the inline/blob threshold and chunking.
type Config struct {
	InlineThreshold int // values smaller than this are stored inline
	ChunkSize       int // size of each external blob chunk
	MaxSize         int // hard cap on total value size, 0 = unlimited
}

// DefaultConfig matches §6's stated defaults: ~90KiB inline threshold,
// 64KiB chunks.
func DefaultConfig() Config {
	return Config{
		InlineThreshold: 90 * 1024,
		ChunkSize:       64 * 1024,
		MaxSize:         0,
	}
}

const (
	stubInline byte = 0x00
	stubBlob   byte = 0x01
)

// Storage reads and writes items under a given subspace, with blob chunks
// under a sibling "blobs/" subspace.
type Storage struct {
	cfg   Config
	blobs subspace.Subspace
}

// New creates an item Storage. blobs is the subspace under which external
// chunks are written (typically root.SubBytes([]byte("blobs/"))).
func New(cfg Config, blobs subspace.Subspace) *Storage {
	return &Storage{cfg: cfg, blobs: blobs}
}

// Write stores value under key, inline if it fits under InlineThreshold,
// otherwise split into blob chunks referenced by a small stub at key. Any
// blob chunks a previous value at key left behind are cleared first, so
// overwriting a blob-backed value never leaks its old chunks and never
// leaves stale trailing chunks behind a same-blobID, fewer-chunks rewrite.
func (s *Storage) Write(ctx context.Context, tx kv.Transaction, key []byte, value []byte) error {
	if s.cfg.MaxSize > 0 && len(value) > s.cfg.MaxSize {
		return &errs.SizeLimitExceeded{Size: len(value), Max: s.cfg.MaxSize}
	}
	if err := s.clearExistingBlob(ctx, tx, key); err != nil {
		return err
	}
	if len(value) < s.cfg.InlineThreshold {
		stub := append([]byte{stubInline}, value...)
		return tx.Set(ctx, key, stub)
	}
	blobID := s.blobID(key, value)
	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	nchunks := numeric.CeilDiv(len(value), chunkSize)
	for i := 0; i < nchunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(value) {
			end = len(value)
		}
		ck := s.chunkKey(blobID, i)
		if err := tx.Set(ctx, ck, value[start:end]); err != nil {
			return err
		}
	}
	stub := make([]byte, 0, 1+8+4)
	stub = append(stub, stubBlob)
	stub = append(stub, blobID...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(value)))
	stub = append(stub, lenBuf[:]...)
	return tx.Set(ctx, key, stub)
}

// Read materializes the value at key, whether inline or external.
func (s *Storage) Read(ctx context.Context, tx kv.Transaction, key []byte) ([]byte, bool, error) {
	raw, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(raw) == 0 {
		return nil, false, &errs.DecodeFailure{Where: "item.Read", Err: fmt.Errorf("empty stub at key")}
	}
	switch raw[0] {
	case stubInline:
		return raw[1:], true, nil
	case stubBlob:
		if len(raw) < 1+8+4 {
			return nil, false, &errs.DecodeFailure{Where: "item.Read", Err: fmt.Errorf("truncated blob stub")}
		}
		blobID := raw[1:9]
		total := int(binary.LittleEndian.Uint32(raw[9:13]))
		value, err := s.readBlob(ctx, tx, blobID, total)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	default:
		return nil, false, &errs.DecodeFailure{Where: "item.Read", Err: fmt.Errorf("unknown stub tag 0x%02x", raw[0])}
	}
}

func (s *Storage) readBlob(ctx context.Context, tx kv.Transaction, blobID []byte, total int) ([]byte, error) {
	begin, end := s.blobs.SubBytes(blobID).Range()
	it, err := tx.GetRange(ctx, begin, end, 0, false, false, kv.StreamWantAll)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	out := make([]byte, 0, total)
	for {
		kvPair, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, kvPair.Value...)
	}
	return out, nil
}

// Delete removes the stub at key and, if it referenced an external blob,
// the blob's chunk range too.
func (s *Storage) Delete(ctx context.Context, tx kv.Transaction, key []byte) error {
	raw, ok, err := tx.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.DeleteRaw(ctx, tx, key, raw)
}

// DeleteRaw removes the stub at key given its already-fetched raw value,
// skipping the redundant Get a caller that just scanned the range (e.g.
// a full-type clear) would otherwise pay for every key.
func (s *Storage) DeleteRaw(ctx context.Context, tx kv.Transaction, key, raw []byte) error {
	if err := tx.Clear(ctx, key); err != nil {
		return err
	}
	return s.clearBlobOf(ctx, tx, raw)
}

// clearExistingBlob clears the blob chunk range referenced by the stub
// currently stored at key, if any. A no-op when key is unset or inline.
func (s *Storage) clearExistingBlob(ctx context.Context, tx kv.Transaction, key []byte) error {
	raw, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	return s.clearBlobOf(ctx, tx, raw)
}

// clearBlobOf clears the blob chunk range a raw stub value references, if
// it is a blob stub.
func (s *Storage) clearBlobOf(ctx context.Context, tx kv.Transaction, raw []byte) error {
	if len(raw) > 0 && raw[0] == stubBlob && len(raw) >= 9 {
		blobID := raw[1:9]
		begin, end := s.blobs.SubBytes(blobID).Range()
		return tx.ClearRange(ctx, begin, end)
	}
	return nil
}

// Scan streams every (key, value) pair in [begin, end) as stored: values
// are raw stubs and external blobs are not followed. Callers pass each
// value to Materialize to get the record bytes.
func (s *Storage) Scan(ctx context.Context, tx kv.Transaction, begin, end []byte, limit int, reverse bool) (kv.Iterator, error) {
	return tx.GetRange(ctx, begin, end, limit, reverse, false, kv.StreamWantAll)
}

// Materialize turns one raw stub value read from a scan into the
// logical value it represents, following external blobs when needed.
func (s *Storage) Materialize(ctx context.Context, tx kv.Transaction, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, &errs.DecodeFailure{Where: "item.Materialize", Err: fmt.Errorf("empty stub")}
	}
	switch raw[0] {
	case stubInline:
		return raw[1:], nil
	case stubBlob:
		if len(raw) < 1+8+4 {
			return nil, &errs.DecodeFailure{Where: "item.Materialize", Err: fmt.Errorf("truncated blob stub")}
		}
		blobID := raw[1:9]
		total := int(binary.LittleEndian.Uint32(raw[9:13]))
		return s.readBlob(ctx, tx, blobID, total)
	default:
		return nil, &errs.DecodeFailure{Where: "item.Materialize", Err: fmt.Errorf("unknown stub tag 0x%02x", raw[0])}
	}
}

func (s *Storage) blobID(key, value []byte) []byte {
	h := xxhash.New()
	_, _ = h.Write(key)
	_, _ = h.Write(value[:min(len(value), 4096)])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return buf[:]
}

func (s *Storage) chunkKey(blobID []byte, seq int) []byte {
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], uint32(seq))
	return s.blobs.SubBytes(append(append([]byte{}, blobID...), seqBuf[:]...)).Bytes()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package kv declares the contract the store expects from the underlying
// ordered, transactional key-value engine (§6 of the design), and ships
// one concrete adapter backed by bbolt.
package kv

import (
	"context"
)

// Priority tags a transaction for the engine's scheduler; it is opaque to
// the store beyond being threaded through to the engine.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityBatch
)

// TxnConfig configures one with_transaction call.
type TxnConfig struct {
	Priority Priority
	Timeout  int64 // milliseconds; 0 means engine default
}

// StreamingMode hints the engine's range-scan prefetch strategy. It is
// passed straight through to GetRange; engines that don't distinguish
// modes may ignore it.
type StreamingMode int

const (
	StreamWantAll StreamingMode = iota
	StreamIterator
	StreamSmall
)

// KV is one key-value pair returned from a range scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Transaction is the per-call view into the engine that a transaction
// body receives. Every method may return a *errs.KvTransient (conflict,
// timeout) which the With combinator retries, or a *errs.KvFatal which it
// does not.
type Transaction interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Set(ctx context.Context, key, value []byte) error
	Clear(ctx context.Context, key []byte) error
	ClearRange(ctx context.Context, begin, end []byte) error

	// AtomicAdd adds delta (little-endian i64) to the 8-byte little-endian
	// counter stored at key, creating it if absent. The engine guarantees
	// this is conflict-free with other AtomicAdd calls on the same key.
	AtomicAdd(ctx context.Context, key []byte, delta int64) error

	// GetRange streams [begin, end) in key order (or reverse), honoring
	// limit (0 = unlimited). The returned iterator must be fully drained
	// or closed before the transaction is used again.
	GetRange(ctx context.Context, begin, end []byte, limit int, reverse bool, snapshot bool, mode StreamingMode) (Iterator, error)

	// EstimatedRangeSizeBytes returns an approximate size, in bytes, of
	// the data stored in [begin, end). Used for O(1) count estimation.
	EstimatedRangeSizeBytes(ctx context.Context, begin, end []byte) (int64, error)
}

// Iterator yields key-value pairs from a range scan.
type Iterator interface {
	Next(ctx context.Context) (KV, bool, error)
	Close()
}

// Engine is the KV engine contract consumed by the store (§6).
type Engine interface {
	// With runs body inside one read-write transaction, retrying
	// automatically on *errs.KvTransient. body must be idempotent: it may
	// run more than once under conflict.
	With(ctx context.Context, cfg TxnConfig, body func(Transaction) (any, error)) (any, error)

	// WithReadOnly runs body inside a snapshot-isolated read-only
	// transaction. Write methods on the Transaction passed to body return
	// an error.
	WithReadOnly(ctx context.Context, cfg TxnConfig, body func(Transaction) (any, error)) (any, error)

	Close() error
}

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
	"time"

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
	"github.com/erigontech/idxstore/tuple"
)

// leaderboardMaintainer implements TimeWindowLeaderboard indexes: key shape
// group../windowID/-score/pk.., so a forward range scan over one window
// already visits entries highest-score-first (§4.3, §9 "score inversion").
// Kind.WindowCount is not read here, and nothing in this module prunes
// old windows: an entry stays in its window bucket until its record is
// updated or deleted.
type leaderboardMaintainer struct{}

func (m *leaderboardMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	lk, _ := desc.Kind.(record.LeaderboardKind)

	var oldPK, newPK tuple.Tuple
	if old != nil {
		oldPK = old.PrimaryKey()
	}
	if new != nil {
		newPK = new.PrimaryKey()
	}

	// The old entry's window can't be recomputed with time.Now(): it was
	// bucketed by whatever time the original Apply call ran at, which
	// may be one or more windows in the past by the time an update or
	// delete arrives. Find wherever the group/pk's entry actually lives
	// and clear that, rather than recomputing a window that has likely
	// already rolled over.
	if old != nil {
		oldGroup, ok, err := groupTuple(td, desc, old)
		if err != nil {
			return err
		}
		if ok {
			if err := clearLeaderboardEntry(ctx, tx, sub, oldGroup, oldPK); err != nil {
				return err
			}
		}
	}

	newEntry, newOK, err := leaderboardEntry(td, desc, lk, new)
	if err != nil {
		return err
	}
	if newOK {
		key := sub.Pack(append(append(tuple.Tuple{}, newEntry...), tuple.Nested(newPK)))
		if err := tx.Set(ctx, key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// clearLeaderboardEntry scans every window bucket under group for the
// entry belonging to pk and clears it. The range holds at most one entry
// per record of the group, whatever window each was bucketed in.
func clearLeaderboardEntry(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, group, pk tuple.Tuple) error {
	prefix := sub.Sub(group...)
	begin, end := prefix.Range()
	it, err := tx.GetRange(ctx, begin, end, 0, false, false, kv.StreamWantAll)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		kvPair, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rest, err := prefix.Unpack(kvPair.Key)
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			continue
		}
		if tuple.Equal(unwrapPK(rest), pk) {
			return tx.Clear(ctx, kvPair.Key)
		}
	}
	return nil
}

// leaderboardEntry builds the group../windowID/-score tuple a record
// contributes, or ok=false if it has no group or no score (absent score
// fields don't appear on any leaderboard).
func leaderboardEntry(td *record.TypeDescriptor, desc *record.IndexDescriptor, lk record.LeaderboardKind, rec record.Record) (tuple.Tuple, bool, error) {
	if rec == nil {
		return nil, false, nil
	}
	group, ok, err := groupTuple(td, desc, rec)
	if err != nil || !ok {
		return nil, false, err
	}
	score, ok, err := scalarValue(td, desc.ValuePath(), rec)
	if err != nil || !ok {
		return nil, false, err
	}
	window := windowID(lk.Window, time.Now())
	entry := make(tuple.Tuple, 0, len(group)+2)
	entry = append(entry, group...)
	entry = append(entry, tuple.Int(window))
	entry = append(entry, invertScore(score))
	return entry, true, nil
}

// windowID buckets the current time into a fixed-size window, so entries
// recorded within the same window interval land in the same leaderboard
// bucket.
func windowID(window time.Duration, now time.Time) int64 {
	if window <= 0 {
		return 0
	}
	return now.UnixNano() / window.Nanoseconds()
}

// invertScore applies a fixed monotone negation so that the natural
// ascending byte order of the tuple encoding yields descending score order
// on scan (§9): higher scores pack to smaller byte strings.
func invertScore(v tuple.Value) tuple.Value {
	switch v.Kind {
	case tuple.KindInt:
		return tuple.Int(-v.Int)
	case tuple.KindFloat:
		return tuple.Float(-v.Float)
	default:
		return v
	}
}

// TopK returns up to k primary keys from the leaderboard's current window,
// highest score first.
func TopK(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, lk record.LeaderboardKind, group tuple.Tuple, k int) ([]tuple.Tuple, error) {
	window := windowID(lk.Window, time.Now())
	prefix := sub.Sub(append(append([]tuple.Value{}, group...), tuple.Int(window))...)
	begin, end := prefix.Range()
	it, err := tx.GetRange(ctx, begin, end, k, false, false, kv.StreamSmall)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []tuple.Tuple
	for {
		kvPair, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rest, err := prefix.Unpack(kvPair.Key)
		if err != nil {
			return nil, err
		}
		if len(rest) < 2 {
			continue
		}
		out = append(out, unwrapPK(rest[1:]))
	}
	return out, nil
}

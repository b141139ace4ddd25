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

	"github.com/erigontech/idxstore/kv"
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/subspace"
)

// bitmapMaintainer implements Bitmap indexes: same key shape as Scalar
// (§4.3 calls them "equivalent shape"), used semantically for presence
// tests and OR-of-equals unions rather than per-value uniqueness, so no
// uniqueness check ever applies here.
type bitmapMaintainer struct{}

func (m *bitmapMaintainer) Apply(ctx context.Context, tx kv.Transaction, sub subspace.Subspace, td *record.TypeDescriptor, desc *record.IndexDescriptor, old, new record.Record, checker *UniqueChecker) error {
	return applySetDiff(ctx, tx, sub, desc, td, old, new, nil)
}

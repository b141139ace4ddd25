// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package index

import (
	"github.com/erigontech/idxstore/record"
	"github.com/erigontech/idxstore/tuple"
)

type groupDelta struct {
	tup   tuple.Tuple
	value float64
}

// sumDelta computes the per-group float delta a write contributes to a
// Sum (or the sum half of an Average) index: -oldValue for the group the
// record used to belong to, +newValue for the group it belongs to now.
func sumDelta(td *record.TypeDescriptor, desc *record.IndexDescriptor, valuePath string, old, new record.Record) (map[string]groupDelta, error) {
	out := make(map[string]groupDelta, 2)
	oldGroup, oldOK, err := groupTuple(td, desc, old)
	if err != nil {
		return nil, err
	}
	newGroup, newOK, err := groupTuple(td, desc, new)
	if err != nil {
		return nil, err
	}
	oldVal, oldValOK, err := scalarValue(td, valuePath, old)
	if err != nil {
		return nil, err
	}
	newVal, newValOK, err := scalarValue(td, valuePath, new)
	if err != nil {
		return nil, err
	}
	if oldOK && oldValOK {
		add(out, oldGroup, -floatOf(oldVal))
	}
	if newOK && newValOK {
		add(out, newGroup, floatOf(newVal))
	}
	return out, nil
}

func add(m map[string]groupDelta, group tuple.Tuple, delta float64) {
	key := string(group.Pack())
	gd := m[key]
	gd.tup = group
	gd.value += delta
	m[key] = gd
}

func floatOf(v tuple.Value) float64 {
	switch v.Kind {
	case tuple.KindFloat:
		return v.Float
	case tuple.KindInt:
		return float64(v.Int)
	default:
		return 0
	}
}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package record

import (
	"github.com/goccy/go-json"

	"github.com/erigontech/idxstore/errs"
)

// JSONCodec builds an Encode/Decode pair for a concrete record type T
// using goccy/go-json, the teacher's drop-in faster encoding/json
// replacement. Most domain record types are small structs where JSON's
// self-describing format is plenty fast and keeps migrations between
// struct versions forgiving (new optional fields decode as zero values).
func JSONCodec[T Record](newT func() T) (encode func(Record) ([]byte, error), decode func([]byte) (Record, error)) {
	encode = func(r Record) ([]byte, error) {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, &errs.DecodeFailure{Where: "record.JSONCodec.Encode", Err: err}
		}
		return b, nil
	}
	decode = func(b []byte) (Record, error) {
		v := newT()
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, &errs.DecodeFailure{Where: "record.JSONCodec.Decode", Err: err}
		}
		return v, nil
	}
	return encode, decode
}

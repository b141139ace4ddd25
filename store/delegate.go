// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	"context"
	"time"

	"github.com/erigontech/idxstore/query"
	"github.com/erigontech/idxstore/record"
)

// SecurityDelegate is the opaque access-control collaborator the facade
// consults before returning or mutating data (§6). Implementations throw
// (return a non-nil *errs.SecurityDenied-wrapping error) on denial.
type SecurityDelegate interface {
	EvaluateList(ctx context.Context, recordType string, limit, offset int, orderBy []query.SortDescriptor) error
	EvaluateGet(ctx context.Context, rec record.Record) error
	EvaluateCreate(ctx context.Context, rec record.Record) error
	EvaluateUpdate(ctx context.Context, old, new record.Record) error
	EvaluateDelete(ctx context.Context, rec record.Record) error
	RequireAdmin(ctx context.Context, op, recordType string) error
}

// MetricsDelegate receives one completion notification (duration plus a
// count or the error) for each fetch, save, delete and batch operation of
// the facade. No start notification is sent, and FetchCount, ClearAll and
// WithTransaction report nothing here.
type MetricsDelegate interface {
	DidFetch(recordType string, count int, dur time.Duration)
	DidFailFetch(recordType string, err error, dur time.Duration)
	DidSave(recordType string, count int, dur time.Duration)
	DidFailSave(recordType string, err error, dur time.Duration)
	DidDelete(recordType string, count int, dur time.Duration)
	DidFailDelete(recordType string, err error, dur time.Duration)
	DidBatch(recordType string, count int, dur time.Duration)
	DidFailBatch(recordType string, err error, dur time.Duration)
}

// AllowAllSecurity is a SecurityDelegate that never denies, used as the
// default when no application policy is wired in (security policy
// authoring is out of scope per §1).
type AllowAllSecurity struct{}

func (AllowAllSecurity) EvaluateList(context.Context, string, int, int, []query.SortDescriptor) error {
	return nil
}
func (AllowAllSecurity) EvaluateGet(context.Context, record.Record) error    { return nil }
func (AllowAllSecurity) EvaluateCreate(context.Context, record.Record) error { return nil }
func (AllowAllSecurity) EvaluateUpdate(context.Context, record.Record, record.Record) error {
	return nil
}
func (AllowAllSecurity) EvaluateDelete(context.Context, record.Record) error { return nil }
func (AllowAllSecurity) RequireAdmin(context.Context, string, string) error  { return nil }

// NopMetrics discards every notification, used as the default when no
// metrics exporter is wired in.
type NopMetrics struct{}

func (NopMetrics) DidFetch(string, int, time.Duration)        {}
func (NopMetrics) DidFailFetch(string, error, time.Duration)  {}
func (NopMetrics) DidSave(string, int, time.Duration)         {}
func (NopMetrics) DidFailSave(string, error, time.Duration)   {}
func (NopMetrics) DidDelete(string, int, time.Duration)       {}
func (NopMetrics) DidFailDelete(string, error, time.Duration) {}
func (NopMetrics) DidBatch(string, int, time.Duration)        {}
func (NopMetrics) DidFailBatch(string, error, time.Duration)  {}

// Copyright 2025 The idxstore Authors
// This file is part of idxstore.
//
// idxstore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package errs declares the distinct error kinds surfaced by the store. Each
// kind is its own struct type rather than a shared wrapper, so callers use
// errors.As to recover the one they care about instead of string matching.
package errs

import (
	"fmt"
)

// StateViolation describes an attempt to maintain a disabled index or to
// query through a non-readable index. Nothing in this module returns it:
// the maintenance service skips disabled indexes and the planner skips
// non-readable ones, falling back to a full scan.
type StateViolation struct {
	Index string
	State string
}

func (e *StateViolation) Error() string {
	return fmt.Sprintf("index %q is %s, cannot be used here", e.Index, e.State)
}

// UniquenessViolation is returned when a unique scalar index in readable
// state already has a primary key for the value being inserted.
type UniquenessViolation struct {
	Index         string
	Value         string
	ExistingPK    string
	NewPK         string
}

func (e *UniquenessViolation) Error() string {
	return fmt.Sprintf("uniqueness violation on index %q: value %s already has pk %s, cannot add pk %s",
		e.Index, e.Value, e.ExistingPK, e.NewPK)
}

// DecodeFailure means record or tuple bytes could not be parsed.
type DecodeFailure struct {
	Where string
	Err   error
}

func (e *DecodeFailure) Error() string { return fmt.Sprintf("decode failure in %s: %v", e.Where, e.Err) }
func (e *DecodeFailure) Unwrap() error { return e.Err }

// SizeLimitExceeded means a value exceeded the configured max size even
// after chunking into blobs.
type SizeLimitExceeded struct {
	Size, Max int
}

func (e *SizeLimitExceeded) Error() string {
	return fmt.Sprintf("value of size %d exceeds max size %d", e.Size, e.Max)
}

// SecurityDenied wraps a denial from the SecurityDelegate, surfaced
// unmodified to the caller.
type SecurityDenied struct {
	Op  string
	Err error
}

func (e *SecurityDenied) Error() string { return fmt.Sprintf("security denied %s: %v", e.Op, e.Err) }
func (e *SecurityDenied) Unwrap() error { return e.Err }

// KvTransient covers timeouts, conflicts, and other retryable engine
// errors. The with_transaction combinator retries on this kind.
type KvTransient struct {
	Err error
}

func (e *KvTransient) Error() string { return fmt.Sprintf("transient kv error: %v", e.Err) }
func (e *KvTransient) Unwrap() error { return e.Err }

// KvFatal covers cluster-unavailable / bad-configuration errors that must
// surface to the caller without retry.
type KvFatal struct {
	Err error
}

func (e *KvFatal) Error() string { return fmt.Sprintf("fatal kv error: %v", e.Err) }
func (e *KvFatal) Unwrap() error { return e.Err }

// ValidationFailure means a primary key is missing or malformed for its
// declared record type.
type ValidationFailure struct {
	RecordType string
	Reason     string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failure for %s: %s", e.RecordType, e.Reason)
}

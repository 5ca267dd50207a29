package store

import (
	"errors"
	"fmt"
)

// ErrConflict marks a conditional append that lost to another writer. Not
// fatal: refresh the tail and retry.
var ErrConflict = errors.New("append conflict")

// ConflictError carries the tail the store observed when the precondition
// failed, so the caller can retry against it.
type ConflictError struct {
	ExpectedPrevHash string
	ObservedPrevHash string
	ObservedSeq      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("append conflict: expected tail %.12s, observed %.12s at seq %d",
		e.ExpectedPrevHash, e.ObservedPrevHash, e.ObservedSeq)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// BackendKind classifies transport-layer failures so callers and alerts can
// respond differently: credentials drift, capacity, or transient network.
type BackendKind string

const (
	BackendAccessDenied       BackendKind = "access_denied"
	BackendPreconditionFailed BackendKind = "precondition_failed"
	BackendNoSuchBucket       BackendKind = "no_such_bucket"
	BackendNetwork            BackendKind = "network"
)

// ErrBackend marks transport-layer failures against the backing store.
var ErrBackend = errors.New("backend failure")

// BackendError wraps a store-side transport failure with its classification.
type BackendError struct {
	Kind BackendKind
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return ErrBackend }

// ErrTimeout marks an append_with_retry that ran out of deadline without
// mutating the log.
var ErrTimeout = errors.New("append deadline exceeded")

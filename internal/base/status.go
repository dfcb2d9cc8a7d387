// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"github.com/cockroachdb/errors"
)

// The engine's status taxonomy. Callers classify errors with errors.Is (or
// the Is* helpers below); errors crossing the tablet boundary are always
// marked with exactly one of these sentinels.
var (
	// ErrAlreadyPresent means an insert found an existing row with the same key.
	ErrAlreadyPresent = errors.New("basalt: key already present")
	// ErrNotFound means a mutation addressed a key that does not exist.
	ErrNotFound = errors.New("basalt: key not found")
	// ErrInvalidArgument means a malformed schema, row or changelist.
	ErrInvalidArgument = errors.New("basalt: invalid argument")
	// ErrInvalidTimestamp means a replayed transaction violated timestamp
	// monotonicity.
	ErrInvalidTimestamp = errors.New("basalt: invalid timestamp")
	// ErrCorruption means on-disk or metadata state is inconsistent. Fatal to
	// the tablet: writes are refused until operator intervention.
	ErrCorruption = errors.New("basalt: corruption")
	// ErrIO is a durable storage error. Retried once internally before being
	// surfaced.
	ErrIO = errors.New("basalt: i/o error")
	// ErrAborted means the operation lost a race, e.g. against a concurrent
	// schema alter.
	ErrAborted = errors.New("basalt: aborted")
	// ErrServiceUnavailable means a transient resource limit, e.g. the memory
	// budget is exceeded and a flush is required.
	ErrServiceUnavailable = errors.New("basalt: service unavailable")
)

// MarkAlreadyPresent marks err as AlreadyPresent.
func MarkAlreadyPresent(err error) error { return errors.Mark(err, ErrAlreadyPresent) }

// MarkNotFound marks err as NotFound.
func MarkNotFound(err error) error { return errors.Mark(err, ErrNotFound) }

// MarkInvalidArgument marks err as InvalidArgument.
func MarkInvalidArgument(err error) error { return errors.Mark(err, ErrInvalidArgument) }

// MarkCorruption marks err as Corruption.
func MarkCorruption(err error) error { return errors.Mark(err, ErrCorruption) }

// MarkIO marks err as an i/o error.
func MarkIO(err error) error { return errors.Mark(err, ErrIO) }

// IsAlreadyPresent reports whether err is marked AlreadyPresent.
func IsAlreadyPresent(err error) bool { return errors.Is(err, ErrAlreadyPresent) }

// IsNotFound reports whether err is marked NotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidArgument reports whether err is marked InvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsCorruption reports whether err is marked Corruption.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsIO reports whether err is marked as an i/o error.
func IsIO(err error) bool { return errors.Is(err, ErrIO) }

// IsServiceUnavailable reports whether err is marked ServiceUnavailable.
func IsServiceUnavailable(err error) bool { return errors.Is(err, ErrServiceUnavailable) }

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/internal/base"
)

// MemTracker accounts for the bytes held by in-memory stores (the active
// MemRowSet and all DeltaMemStores). A zero limit disables enforcement.
type MemTracker struct {
	limit    int64
	consumed atomic.Int64
}

// NewMemTracker returns a tracker with the given byte limit.
func NewMemTracker(limit int64) *MemTracker {
	return &MemTracker{limit: limit}
}

// Consume records n additional bytes.
func (t *MemTracker) Consume(n int64) {
	t.consumed.Add(n)
}

// Release records that n bytes were freed.
func (t *MemTracker) Release(n int64) {
	if t.consumed.Add(-n) < 0 {
		panic(errors.AssertionFailedf("mem tracker released below zero"))
	}
}

// Consumed returns the currently accounted bytes.
func (t *MemTracker) Consumed() int64 { return t.consumed.Load() }

// Limit returns the configured byte limit, zero if unlimited.
func (t *MemTracker) Limit() int64 { return t.limit }

// CheckBudget returns ServiceUnavailable if admitting n more bytes would
// exceed the limit. The caller should flush and retry.
func (t *MemTracker) CheckBudget(n int64) error {
	if t.limit <= 0 {
		return nil
	}
	if t.consumed.Load()+n > t.limit {
		return errors.Mark(
			errors.Newf("memory budget exceeded: %d of %d bytes consumed; flush required",
				t.consumed.Load(), t.limit),
			base.ErrServiceUnavailable)
	}
	return nil
}

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

// Options holds the tablet-level configuration.
type Options struct {
	// FS is the filesystem the tablet stores its files on.
	FS vfs.FS

	// Logger for informational and error messages.
	Logger base.Logger

	// Clock produces transaction timestamps. Defaults to a LogicalClock,
	// which is appropriate for tests; servers supply their own clock.
	Clock base.Clock

	// MemBudgetBytes bounds the memory consumed by the active MemRowSet and
	// all DeltaMemStores. Writers that would exceed it receive
	// ServiceUnavailable and must trigger a flush. Zero means no limit.
	MemBudgetBytes int64

	// BloomBitsPerKey sizes rowset bloom filters. 10 yields ~1% false
	// positives.
	BloomBitsPerKey uint32

	// CFileBlockSize is the target uncompressed block size for columnar
	// files.
	CFileBlockSize int

	// CompactionBudgetRowSets caps how many rowsets one background compaction
	// may select.
	CompactionBudgetRowSets int

	// MetricsRegisterer, if non-nil, has the tablet's metrics registered on
	// it.
	MetricsRegisterer prometheus.Registerer

	// AnchorRegistry, if non-nil, receives WAL anchor requests while
	// MemRowSets are unflushed.
	AnchorRegistry OpIDAnchorRegistry

	// Hooks for fault-injection tests. Nil installs no-op hooks.
	FlushCompactHooks FlushCompactCommonHooks
	FlushHooks        FlushHooks
	CompactionHooks   CompactionHooks
}

// EnsureDefaults fills in unset options with defaults and returns the
// receiver for chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	o.Logger = base.NoopLoggerIfNil(o.Logger)
	if o.Clock == nil {
		o.Clock = base.NewLogicalClock(1)
	}
	if o.BloomBitsPerKey == 0 {
		o.BloomBitsPerKey = 10
	}
	if o.CFileBlockSize == 0 {
		o.CFileBlockSize = 32 << 10
	}
	if o.CompactionBudgetRowSets == 0 {
		o.CompactionBudgetRowSets = 5
	}
	if o.FlushCompactHooks == nil {
		o.FlushCompactHooks = noopHooks{}
	}
	if o.FlushHooks == nil {
		o.FlushHooks = noopHooks{}
	}
	if o.CompactionHooks == nil {
		o.CompactionHooks = noopHooks{}
	}
	return o
}

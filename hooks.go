// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

// Fault-injection hook points for the flush/compaction driver. Production
// code installs the no-op defaults; tests install implementations that pause
// or fail at phase boundaries to exercise interleavings.

// FlushCompactCommonHooks fire in both flushes and compactions.
type FlushCompactCommonHooks interface {
	// PostTakeMvccSnapshot fires after the Phase-1 snapshot is recorded.
	PostTakeMvccSnapshot() error
	// PostWriteSnapshot fires after the Phase-2 output has been written.
	PostWriteSnapshot() error
	// PostSwapInDuplicatingRowSet fires after the DuplicatingRowSet is
	// published.
	PostSwapInDuplicatingRowSet() error
	// PostReupdateMissedDeltas fires after Phase-3 reapplies missed
	// mutations onto the output.
	PostReupdateMissedDeltas() error
	// PostSwapNewRowSet fires after the output rowset is published.
	PostSwapNewRowSet() error
}

// FlushHooks fire only in MemRowSet flushes.
type FlushHooks interface {
	// PostSwapNewMemRowSet fires after the fresh MemRowSet replaces the old
	// one.
	PostSwapNewMemRowSet() error
}

// CompactionHooks fire only in rowset compactions.
type CompactionHooks interface {
	// PostSelectIterators fires after the compaction inputs are selected.
	PostSelectIterators() error
}

type noopHooks struct{}

func (noopHooks) PostTakeMvccSnapshot() error        { return nil }
func (noopHooks) PostWriteSnapshot() error           { return nil }
func (noopHooks) PostSwapInDuplicatingRowSet() error { return nil }
func (noopHooks) PostReupdateMissedDeltas() error    { return nil }
func (noopHooks) PostSwapNewRowSet() error           { return nil }
func (noopHooks) PostSwapNewMemRowSet() error        { return nil }
func (noopHooks) PostSelectIterators() error         { return nil }

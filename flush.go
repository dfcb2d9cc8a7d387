// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/internal/base"
)

// Flush writes the active MemRowSet to a new disk rowset and swaps an empty
// one in its place. Flushing an empty MemRowSet is a no-op.
func (t *Tablet) Flush() error {
	t.rowSetsFlushMu.Lock()
	defer t.rowSetsFlushMu.Unlock()
	return t.flushUnlocked()
}

func (t *Tablet) flushUnlocked() error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	task := t.newTask("flush", "memrowset flush")
	task.transition(TaskPreparing)

	// Phase 1: under the components write-lock, freeze the old MemRowSet
	// behind a DuplicatingRowSet and expose a fresh one. The duplicator's
	// sink is the DeltaMemStore the output rowset will own, shared by
	// identity, so every mutation routed through it is already part of the
	// output when the output is swapped in.
	var input rowSetsInCompaction
	var oldMRS *MemRowSet
	var dup *duplicatingRowSet
	var sink *DeltaMemStore

	t.componentsMu.Lock()
	comps := t.components
	if comps.memRowSet.IsEmpty() {
		t.componentsMu.Unlock()
		task.transition(TaskComplete)
		return nil
	}
	oldMRS = comps.memRowSet
	if !oldMRS.CompactFlushLock().TryLock() {
		t.componentsMu.Unlock()
		task.transition(TaskAborted)
		return errors.Mark(errors.Newf("memrowset %d is already being flushed", oldMRS.ID()),
			base.ErrServiceUnavailable)
	}
	input = rowSetsInCompaction{inputs: []RowSet{oldMRS}, mrsBeingFlushed: oldMRS.ID()}
	newMRS := NewMemRowSet(t.nextMRSID, comps.schema, t.tracker)
	t.nextMRSID++
	sink = NewDeltaMemStore(t.tracker)
	dup = newDuplicatingRowSet(input.inputs, sink)
	newTree, err := comps.rowSets.WithModified(nil, []RowSet{dup})
	if err != nil {
		oldMRS.CompactFlushLock().Unlock()
		t.componentsMu.Unlock()
		task.transition(TaskFailed)
		return err
	}
	t.publishComponentsLocked(newTabletComponents(comps.schema, newMRS, newTree))
	t.componentsMu.Unlock()

	task.transition(TaskRunning)
	if err := t.opts.FlushHooks.PostSwapNewMemRowSet(); err != nil {
		return t.rollbackSwap(task, &input, dup, "")
	}
	if err := t.opts.FlushCompactHooks.PostSwapInDuplicatingRowSet(); err != nil {
		return t.rollbackSwap(task, &input, dup, "")
	}

	err = t.mergeAndSwap(task, &input, dup, sink)
	if err == nil {
		t.releaseWALAnchor()
		t.metrics.Flushes.Inc()
		t.metrics.MemRowSetSize.Set(0)
	}
	return err
}

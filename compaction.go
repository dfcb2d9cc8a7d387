// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
)

// CompactFlags alter Compact's behavior.
type CompactFlags int

const (
	// NoFlags selects inputs by policy.
	NoFlags CompactFlags = 0
	// ForceCompactAll includes every rowset regardless of policy.
	ForceCompactAll CompactFlags = 1 << 0
)

// rowSetsInCompaction is one flush/compaction's input set. The
// compact/flush lock of every input is held for the whole operation.
type rowSetsInCompaction struct {
	inputs []RowSet
	// mrsBeingFlushed is the id watermark to persist, zero for pure
	// compactions.
	mrsBeingFlushed int64
}

func (c *rowSetsInCompaction) releaseLocks() {
	for _, rs := range c.inputs {
		rs.CompactFlushLock().Unlock()
	}
}

// Compact merges rowsets selected by policy (or all of them under
// ForceCompactAll) into one new rowset.
func (t *Tablet) Compact(flags CompactFlags) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	task := t.newTask("compaction", "rowset merge compaction")
	task.transition(TaskPreparing)

	input, err := t.pickRowSetsToCompact(flags)
	if err != nil {
		task.transition(TaskFailed)
		return err
	}
	if len(input.inputs) == 0 {
		task.transition(TaskComplete)
		return nil
	}
	if err := t.opts.CompactionHooks.PostSelectIterators(); err != nil {
		input.releaseLocks()
		task.transition(TaskFailed)
		return err
	}

	// Phase 1: publish the DuplicatingRowSet in place of the inputs.
	sink := NewDeltaMemStore(t.tracker)
	dup := newDuplicatingRowSet(input.inputs, sink)
	t.componentsMu.Lock()
	comps := t.components
	newTree, err := comps.rowSets.WithModified(input.inputs, []RowSet{dup})
	if err != nil {
		t.componentsMu.Unlock()
		input.releaseLocks()
		task.transition(TaskFailed)
		return err
	}
	t.publishComponentsLocked(newTabletComponents(comps.schema, comps.memRowSet, newTree))
	t.componentsMu.Unlock()

	task.transition(TaskRunning)
	if err := t.opts.FlushCompactHooks.PostSwapInDuplicatingRowSet(); err != nil {
		return t.rollbackSwap(task, &input, dup, "")
	}

	err = t.mergeAndSwap(task, &input, dup, sink)
	if err == nil {
		t.metrics.Compactions.Inc()
	}
	return err
}

// pickRowSetsToCompact selects compaction inputs under the compact-select
// mutex. Each selected rowset's compact/flush lock is acquired with a
// try-lock; busy rowsets are skipped. Without ForceCompactAll, the smallest
// rowsets are preferred, bounded by the configured budget, and at least two
// must be available.
func (t *Tablet) pickRowSetsToCompact(flags CompactFlags) (rowSetsInCompaction, error) {
	t.compactSelectMu.Lock()
	defer t.compactSelectMu.Unlock()

	comps := t.loadComponents()
	defer comps.unref()

	var candidates []RowSet
	for _, rs := range comps.rowSets.All() {
		if rs.CompactFlushLock().TryLock() {
			candidates = append(candidates, rs)
		}
	}
	release := func(keep []RowSet) {
		kept := make(map[RowSet]struct{}, len(keep))
		for _, rs := range keep {
			kept[rs] = struct{}{}
		}
		for _, rs := range candidates {
			if _, ok := kept[rs]; !ok {
				rs.CompactFlushLock().Unlock()
			}
		}
	}

	sizes := make([]int64, len(candidates))
	for i, rs := range candidates {
		sizes[i] = rs.EstimateOnDiskSize()
	}
	picked := pickCompactionInputs(sizes, t.opts.CompactionBudgetRowSets, flags&ForceCompactAll != 0)
	selected := make([]RowSet, 0, len(picked))
	for _, i := range picked {
		selected = append(selected, candidates[i])
	}
	release(selected)
	return rowSetsInCompaction{inputs: selected}, nil
}

// mergeAndSwap runs Phases 2 and 3 of the swap protocol: merge-write the
// output under the first snapshot, reapply the mutations that arrived in the
// window, persist the membership change and publish the output. On any error
// before the metadata update the original components are restored; a failed
// metadata update leaves the tablet corrupt.
func (t *Tablet) mergeAndSwap(
	task *MonitoredTask, input *rowSetsInCompaction, dup *duplicatingRowSet, sink *DeltaMemStore,
) error {
	// Every writer that captured the pre-swap components paired its timestamp
	// with them, so waiting for everything issued so far makes the frozen
	// inputs complete up to s1; later writers route through the duplicator.
	wait := t.mvcc.TakeSnapshot()
	t.mvcc.WaitUntilAllCommittedBefore(wait.CommitHighWater() + 1)
	s1 := t.mvcc.TakeSnapshot()
	if err := t.opts.FlushCompactHooks.PostTakeMvccSnapshot(); err != nil {
		return t.rollbackSwap(task, input, dup, "")
	}

	// Phase 2: merge-read the frozen inputs filtered by s1 and write the
	// output rowset. An i/o failure is retried once with a fresh directory.
	schema := t.Schema()
	outID := t.meta.NewRowSetID()
	outDir := t.meta.RowSetDir(outID)
	outMeta, outRows, err := t.writeCompactionOutput(input.inputs, schema, s1, outID, outDir)
	if base.IsIO(err) {
		t.opts.Logger.Errorf("compaction output write failed, retrying once: %v", err)
		outID = t.meta.NewRowSetID()
		outDir = t.meta.RowSetDir(outID)
		outMeta, outRows, err = t.writeCompactionOutput(input.inputs, schema, s1, outID, outDir)
	}
	if err != nil {
		return t.rollbackSwap(task, input, dup, outDir)
	}

	var output *DiskRowSet
	if outRows > 0 {
		// The output shares the duplicator's sink as its DeltaMemStore, so
		// mutations routed through the duplicator from here on (and those
		// already routed) belong to the output.
		output, err = OpenDiskRowSet(t.opts.FS, outMeta, sink, t.metrics)
		if err != nil {
			return t.rollbackSwap(task, input, dup, outDir)
		}
		dup.setOutput(output)
	}
	if err := t.opts.FlushCompactHooks.PostWriteSnapshot(); err != nil {
		return t.rollbackSwap(task, input, dup, outDir)
	}

	// Phase 3: settle the window. Mutations visible to s2 but not to s1 were
	// merged into neither base; those routed through the duplicator are
	// already in the sink, the rest are reapplied from the frozen inputs.
	wait2 := t.mvcc.TakeSnapshot()
	t.mvcc.WaitUntilAllCommittedBefore(wait2.CommitHighWater() + 1)
	s2 := t.mvcc.TakeSnapshot()
	if output != nil {
		for _, rs := range input.inputs {
			missed, err := rs.MissedMutations(s1, s2)
			if err != nil {
				return t.rollbackSwap(task, input, dup, outDir)
			}
			for _, m := range missed {
				if err := output.applyMissedMutation(m); err != nil {
					return t.rollbackSwap(task, input, dup, outDir)
				}
			}
		}
	}
	if err := t.opts.FlushCompactHooks.PostReupdateMissedDeltas(); err != nil {
		return t.rollbackSwap(task, input, dup, outDir)
	}

	// Commit point: persist the membership change. After this the swap must
	// complete; a failure leaves on-disk state inconsistent with memory and
	// is fatal to the tablet.
	t.meta.NoteTimestamp(s2.CommitHighWater())
	var removeIDs []int64
	for _, rs := range input.inputs {
		if drs, ok := rs.(*DiskRowSet); ok {
			removeIDs = append(removeIDs, drs.ID())
		}
	}
	var add []RowSetMeta
	if output != nil {
		add = append(add, outMeta)
	}
	err = t.meta.UpdateOnDiskState(removeIDs, add, input.mrsBeingFlushed)
	if base.IsIO(err) {
		t.opts.Logger.Errorf("metadata update failed, retrying once: %v", err)
		err = t.meta.UpdateOnDiskState(removeIDs, add, input.mrsBeingFlushed)
	}
	if err != nil {
		task.transition(TaskFailed)
		return t.markCorrupt(errors.Wrap(err, "persisting rowset membership"))
	}

	// Publish the output in place of the duplicator.
	t.componentsMu.Lock()
	comps := t.components
	var addRS []RowSet
	if output != nil {
		addRS = append(addRS, output)
	}
	newTree, err := comps.rowSets.WithModified([]RowSet{dup}, addRS)
	if err != nil {
		t.componentsMu.Unlock()
		task.transition(TaskFailed)
		return t.markCorrupt(err)
	}
	t.publishComponentsLocked(newTabletComponents(comps.schema, comps.memRowSet, newTree))
	t.metrics.RowSetCount.Set(float64(newTree.Len()))
	t.componentsMu.Unlock()

	if err := t.opts.FlushCompactHooks.PostSwapNewRowSet(); err != nil {
		// The swap is already committed; surface the hook error without
		// rolling back.
		task.transition(TaskFailed)
		input.releaseLocks()
		t.deleteCompactionInputs(input)
		return err
	}

	input.releaseLocks()
	t.deleteCompactionInputs(input)
	task.transition(TaskComplete)
	t.opts.Logger.Infof("%s: merged %d inputs into %s (%d rows)",
		redact.SafeString(task.TypeName()), len(input.inputs),
		redact.SafeString(outDir), outRows)
	return nil
}

// writeCompactionOutput merges the inputs filtered by snap into a new rowset
// directory and returns its metadata and row count.
func (t *Tablet) writeCompactionOutput(
	inputs []RowSet, schema *base.Schema, snap mvcc.Snapshot, id int64, dir string,
) (RowSetMeta, int64, error) {
	iters := make([]RowIterator, 0, len(inputs))
	for _, rs := range inputs {
		it, err := rs.NewRowIterator(schema, snap)
		if err != nil {
			for _, open := range iters {
				open.Close()
			}
			return RowSetMeta{}, 0, err
		}
		iters = append(iters, it)
	}
	merged := newMergeIterator(iters, nil)
	defer merged.Close()

	w, err := newDiskRowSetWriter(t.opts.FS, dir, schema, t.opts.BloomBitsPerKey, t.opts.CFileBlockSize)
	if err != nil {
		return RowSetMeta{}, 0, err
	}
	for merged.Next() {
		if err := w.Append(merged.Key(), merged.Row()); err != nil {
			w.abort()
			return RowSetMeta{}, 0, err
		}
	}
	if err := merged.Err(); err != nil {
		w.abort()
		return RowSetMeta{}, 0, err
	}
	if w.Count() == 0 {
		w.abort()
		return RowSetMeta{}, 0, nil
	}
	meta, err := w.Finish(id)
	if err != nil {
		return RowSetMeta{}, 0, err
	}
	return meta, w.Count(), nil
}

// rollbackSwap restores the pre-operation components: the duplicator leaves
// the tree and the original inputs return. Everything the inputs absorbed
// during the window is still in them, so nothing is lost. A frozen MemRowSet
// stays in the tree as an ordinary rowset; a later compaction persists it.
func (t *Tablet) rollbackSwap(
	task *MonitoredTask, input *rowSetsInCompaction, dup *duplicatingRowSet, outDir string,
) error {
	t.componentsMu.Lock()
	comps := t.components
	newTree, err := comps.rowSets.WithModified([]RowSet{dup}, input.inputs)
	if err != nil {
		t.componentsMu.Unlock()
		task.transition(TaskFailed)
		return t.markCorrupt(errors.Wrap(err, "restoring components after failed compaction"))
	}
	t.publishComponentsLocked(newTabletComponents(comps.schema, comps.memRowSet, newTree))
	t.componentsMu.Unlock()

	if outDir != "" {
		_ = t.opts.FS.RemoveAll(outDir)
	}
	input.releaseLocks()
	task.transition(TaskAborted)
	return errors.Mark(errors.New("flush/compaction aborted and rolled back"), base.ErrAborted)
}

// deleteCompactionInputs removes the replaced inputs' files and returns the
// memory held by replaced MemRowSets to the tracker.
func (t *Tablet) deleteCompactionInputs(input *rowSetsInCompaction) {
	for _, rs := range input.inputs {
		switch in := rs.(type) {
		case *DiskRowSet:
			// Unlink without closing: scanners holding an older components
			// reference keep reading through their open handles.
			if err := t.opts.FS.RemoveAll(in.dir); err != nil {
				t.opts.Logger.Errorf("removing compacted rowset %d: %v", in.ID(), err)
			}
		case *MemRowSet:
			if t.tracker != nil {
				t.tracker.Release(in.SizeBytes())
			}
		}
	}
}

// FlushBiggestDMS flushes the DeltaMemStore of the rowset holding the most
// delta memory.
func (t *Tablet) FlushBiggestDMS() error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	comps := t.loadComponents()
	defer comps.unref()

	var target *DiskRowSet
	var biggest int64
	for _, rs := range comps.rowSets.All() {
		drs, ok := rs.(*DiskRowSet)
		if !ok {
			continue
		}
		if size := drs.DeltaMemStoreSize(); size > biggest {
			target, biggest = drs, size
		}
	}
	if target == nil {
		return nil
	}
	return t.flushRowSetDeltas(target)
}

func (t *Tablet) flushRowSetDeltas(rs *DiskRowSet) error {
	// The compact/flush lock keeps the rowset out of a concurrent compaction
	// while the delta file list changes.
	if !rs.CompactFlushLock().TryLock() {
		return nil
	}
	defer rs.CompactFlushLock().Unlock()

	name := "delta-" + strconv.FormatInt(t.meta.NewRowSetID(), 10)
	wait := t.mvcc.TakeSnapshot()
	t.mvcc.WaitUntilAllCommittedBefore(wait.CommitHighWater() + 1)
	n, err := rs.Deltas().FlushDMS(name)
	if err != nil || n == 0 {
		return err
	}
	// Every flushed timestamp was issued before the store was swapped, so a
	// snapshot taken now bounds them all.
	t.meta.NoteTimestamp(t.mvcc.TakeSnapshot().CommitHighWater())
	if err := t.meta.UpdateRowSetDeltas(rs.ID(), rs.Deltas().FileNames()); err != nil {
		return t.markCorrupt(errors.Wrapf(err, "persisting delta files of rowset %d", rs.ID()))
	}
	t.metrics.DeltaFlushes.Inc()
	return nil
}

// MinorCompactWorstDeltas merges the delta files of the rowset with the most
// of them into a single file.
func (t *Tablet) MinorCompactWorstDeltas() error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	comps := t.loadComponents()
	defer comps.unref()

	var target *DiskRowSet
	worst := 1
	for _, rs := range comps.rowSets.All() {
		drs, ok := rs.(*DiskRowSet)
		if !ok {
			continue
		}
		if n := drs.Deltas().FileCount(); n > worst {
			target, worst = drs, n
		}
	}
	if target == nil {
		return nil
	}
	if !target.CompactFlushLock().TryLock() {
		return nil
	}
	defer target.CompactFlushLock().Unlock()

	name := "delta-" + strconv.FormatInt(t.meta.NewRowSetID(), 10)
	replaced, err := target.Deltas().MinorCompact(name)
	if err != nil || replaced == nil {
		return err
	}
	if err := t.meta.UpdateRowSetDeltas(target.ID(), target.Deltas().FileNames()); err != nil {
		return t.markCorrupt(errors.Wrapf(err, "persisting delta files of rowset %d", target.ID()))
	}
	return nil
}

// DoMajorDeltaCompaction rewrites rs with its delta history folded into the
// base for the named columns. The rowset must be a disk rowset. Concurrent
// MemRowSet-era deltas cannot exist for a disk rowset, and concurrent
// mutations are handled by running the full swap protocol on the single
// input rather than rewriting in place; the row-wise base format rewrites
// all columns together, so colIDs is validated but does not narrow the
// rewrite.
func (t *Tablet) DoMajorDeltaCompaction(colIDs []base.ColumnID, rs RowSet) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	drs, ok := rs.(*DiskRowSet)
	if !ok {
		return base.MarkInvalidArgument(errors.Newf(
			"major delta compaction requires a disk rowset, got %s", rs.DebugString()))
	}
	schema := t.Schema()
	for _, id := range colIDs {
		if _, ok := schema.ColumnIndexByID(id); !ok {
			return base.MarkInvalidArgument(errors.Newf("unknown column id %d", id))
		}
	}

	task := t.newTask("major-delta-compaction", drs.DebugString())
	task.transition(TaskPreparing)
	if !drs.CompactFlushLock().TryLock() {
		task.transition(TaskAborted)
		return errors.Mark(errors.Newf("rowset %d is busy", drs.ID()), base.ErrServiceUnavailable)
	}
	input := rowSetsInCompaction{inputs: []RowSet{drs}}

	sink := NewDeltaMemStore(t.tracker)
	dup := newDuplicatingRowSet(input.inputs, sink)
	t.componentsMu.Lock()
	comps := t.components
	newTree, err := comps.rowSets.WithModified(input.inputs, []RowSet{dup})
	if err != nil {
		t.componentsMu.Unlock()
		input.releaseLocks()
		task.transition(TaskFailed)
		return err
	}
	t.publishComponentsLocked(newTabletComponents(comps.schema, comps.memRowSet, newTree))
	t.componentsMu.Unlock()

	task.transition(TaskRunning)
	if err := t.opts.FlushCompactHooks.PostSwapInDuplicatingRowSet(); err != nil {
		return t.rollbackSwap(task, &input, dup, "")
	}
	return t.mergeAndSwap(task, &input, dup, sink)
}

// UpdateCompactionStats fills stats for the maintenance manager's
// cost/benefit view of running a compaction now.
func (t *Tablet) UpdateCompactionStats(stats *MaintenanceOpStats) {
	comps := t.loadComponents()
	defer comps.unref()

	available := 0
	var totalSize int64
	for _, rs := range comps.rowSets.All() {
		if rs.CompactFlushLock().TryLock() {
			available++
			totalSize += rs.EstimateOnDiskSize()
			rs.CompactFlushLock().Unlock()
		}
	}
	stats.Runnable = available >= 2
	stats.DiskSpaceRecovered = totalSize / 4
	stats.IOPerformed = totalSize * 2
	stats.MemoryBytesRecovered = 0
}

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package basalt implements the per-tablet storage engine of a columnar
// table store. A tablet owns a contiguous primary-key range and provides
// MVCC-ordered inserts and updates, snapshot-consistent scans, durable
// flushes of in-memory state and background compaction of on-disk rowsets.
package basalt

import (
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
	"github.com/basaltdb/basalt/internal/rowlock"
)

// Tablet is the storage engine for one tablet. All methods are safe for
// concurrent use.
type Tablet struct {
	opts    *Options
	meta    *TabletMetadata
	metrics *TabletMetrics

	mvcc    *mvcc.Manager
	locks   *rowlock.Manager
	tracker *MemTracker

	// componentsMu guards the components pointer. Writers take it shared for
	// just long enough to capture the pointer and start their MVCC
	// transaction; flush/compaction take it exclusive at phase boundaries to
	// swap in new components. The lock prefers waiting writers, so holders of
	// the read side must be brief.
	componentsMu sync.RWMutex
	components   *tabletComponents

	// compactSelectMu serializes the selection of compaction inputs.
	compactSelectMu sync.Mutex

	// rowSetsFlushMu allows at most one whole-tablet flush at a time, so an
	// earlier flush cannot complete after a later one.
	rowSetsFlushMu sync.Mutex

	// nextMRSID assigns MemRowSet ids; guarded by componentsMu (exclusive).
	nextMRSID int64

	corrupt struct {
		sync.Mutex
		err error
	}

	anchors struct {
		sync.Mutex
		held Anchor
	}

	tasks struct {
		sync.Mutex
		list []*MonitoredTask
	}

	maintenanceOps []MaintenanceOp
	maintenanceMgr *MaintenanceManager
}

// Open opens the tablet described by meta.
func Open(meta *TabletMetadata, opts *Options) (*Tablet, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()
	// The metadata's filesystem is authoritative; the tablet's files live
	// beside it.
	opts.FS = meta.FS()
	t := &Tablet{
		opts:    opts,
		meta:    meta,
		metrics: newTabletMetrics(meta.TabletID(), opts.MetricsRegisterer),
		mvcc:    mvcc.NewManager(opts.Clock),
		locks:   rowlock.NewManager(),
		tracker: NewMemTracker(opts.MemBudgetBytes),
	}

	var rowsets []RowSet
	for _, rsMeta := range meta.RowSets() {
		rs, err := OpenDiskRowSet(opts.FS, rsMeta, NewDeltaMemStore(t.tracker), t.metrics)
		if err != nil {
			return nil, errors.Wrapf(err, "opening rowset %d", rsMeta.ID)
		}
		rowsets = append(rowsets, rs)
	}

	// Everything persisted by a previous incarnation is committed; advance
	// the MVCC state and clock past the durable watermark so recovered data
	// is visible to fresh snapshots.
	if last := meta.LastTimestamp(); last > base.TimestampNone {
		t.mvcc.AdvanceTo(last)
		if lc, ok := opts.Clock.(*base.LogicalClock); ok {
			lc.Update(last)
		}
	}

	t.nextMRSID = meta.NextMRSID()
	mrs := NewMemRowSet(t.nextMRSID, meta.Schema(), t.tracker)
	t.nextMRSID++
	t.components = newTabletComponents(meta.Schema(), mrs, NewRowSetTree(rowsets))
	t.metrics.RowSetCount.Set(float64(len(rowsets)))

	t.opts.Logger.Infof("opened tablet %s with %d rowsets, schema %s",
		redact.SafeString(meta.TabletID()), len(rowsets), redact.SafeString(meta.Schema().String()))
	return t, nil
}

// Metadata returns the tablet's metadata.
func (t *Tablet) Metadata() *TabletMetadata { return t.meta }

// Metrics returns the tablet's metrics.
func (t *Tablet) Metrics() *TabletMetrics { return t.metrics }

// MvccManager returns the tablet's MVCC manager.
func (t *Tablet) MvccManager() *mvcc.Manager { return t.mvcc }

// LockManager returns the tablet's row lock manager.
func (t *Tablet) LockManager() *rowlock.Manager { return t.locks }

// Schema returns the current schema, consistent with the rowsets it was
// captured with.
func (t *Tablet) Schema() *base.Schema {
	comps := t.loadComponents()
	defer comps.unref()
	return comps.schema
}

// KeySchema returns a projection holding the key columns.
func (t *Tablet) KeySchema() *base.Schema {
	s := t.Schema()
	names := make([]string, s.NumKeyColumns())
	for i := range names {
		names[i] = s.Column(i).Name
	}
	p, err := s.Project(names...)
	if err != nil {
		panic(errors.AssertionFailedf("key projection of own schema failed: %v", err))
	}
	return p
}

// MemRowSetSize returns the active MemRowSet's memory footprint in bytes.
func (t *Tablet) MemRowSetSize() int64 {
	comps := t.loadComponents()
	defer comps.unref()
	return comps.memRowSet.SizeBytes()
}

// CurrentMemRowSetID returns the active MemRowSet's id.
func (t *Tablet) CurrentMemRowSetID() int64 {
	comps := t.loadComponents()
	defer comps.unref()
	return comps.memRowSet.ID()
}

// NumRowSets returns the number of rowsets in the tree.
func (t *Tablet) NumRowSets() int {
	comps := t.loadComponents()
	defer comps.unref()
	return comps.rowSets.Len()
}

// DeltaMemStoresSize returns the bytes held across all DeltaMemStores.
func (t *Tablet) DeltaMemStoresSize() int64 {
	comps := t.loadComponents()
	defer comps.unref()
	var total int64
	for _, rs := range comps.rowSets.All() {
		total += rs.DeltaMemStoreSize()
	}
	return total
}

// EstimateOnDiskSize estimates the tablet's total on-disk footprint.
func (t *Tablet) EstimateOnDiskSize() int64 {
	comps := t.loadComponents()
	defer comps.unref()
	var total int64
	for _, rs := range comps.rowSets.All() {
		total += rs.EstimateOnDiskSize()
	}
	return total
}

// markCorrupt records a fatal inconsistency. The tablet refuses writes from
// then on; read-only scans remain possible where the in-memory state allows.
func (t *Tablet) markCorrupt(err error) error {
	err = base.MarkCorruption(err)
	t.corrupt.Lock()
	if t.corrupt.err == nil {
		t.corrupt.err = err
		t.opts.Logger.Errorf("tablet %s is corrupt and refuses further writes: %v",
			redact.SafeString(t.meta.TabletID()), err)
	}
	t.corrupt.Unlock()
	return err
}

// checkWritable returns the corruption error, if any.
func (t *Tablet) checkWritable() error {
	t.corrupt.Lock()
	defer t.corrupt.Unlock()
	return t.corrupt.err
}

// Tasks returns the monitored flush/compaction tasks, newest last.
func (t *Tablet) Tasks() []*MonitoredTask {
	t.tasks.Lock()
	defer t.tasks.Unlock()
	return append([]*MonitoredTask(nil), t.tasks.list...)
}

func (t *Tablet) newTask(typeName, description string) *MonitoredTask {
	task := newMonitoredTask(typeName, description)
	t.tasks.Lock()
	t.tasks.list = append(t.tasks.list, task)
	t.tasks.Unlock()
	return task
}

// anchorWAL anchors op while the active MemRowSet is unflushed. Called by the
// replication layer when it applies the first op into a fresh MemRowSet.
func (t *Tablet) anchorWAL(op OpID, mrsID int64) {
	if t.opts.AnchorRegistry == nil {
		return
	}
	t.anchors.Lock()
	defer t.anchors.Unlock()
	if t.anchors.held != nil {
		return
	}
	a, err := t.opts.AnchorRegistry.Anchor(fmt.Sprintf("%s-mrs-%d", t.meta.TabletID(), mrsID), op)
	if err != nil {
		t.opts.Logger.Errorf("anchoring WAL for memrowset %d: %v", mrsID, err)
		return
	}
	t.anchors.held = a
}

// releaseWALAnchor drops the anchor after the MemRowSet's flush published.
func (t *Tablet) releaseWALAnchor() {
	t.anchors.Lock()
	defer t.anchors.Unlock()
	if t.anchors.held != nil {
		_ = t.anchors.held.Release()
		t.anchors.held = nil
	}
}

// DebugDump appends a verbose description of the tablet's contents to lines.
// Only useful for small tablets in tests.
func (t *Tablet) DebugDump(lines *[]string) error {
	comps := t.loadComponents()
	defer comps.unref()
	*lines = append(*lines, fmt.Sprintf("tablet %s schema %s", t.meta.TabletID(), comps.schema))
	*lines = append(*lines, fmt.Sprintf("memrowset %d: %d entries", comps.memRowSet.ID(), comps.memRowSet.Len()))
	it, err := t.NewRowIteratorAt(nil, mvcc.SnapshotIncludingAll())
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		*lines = append(*lines, fmt.Sprintf("%q -> %s", it.Key(), it.Row()))
	}
	return it.Err()
}

// PrintRowSetLayout writes the current rowset layout to w.
func (t *Tablet) PrintRowSetLayout(w io.Writer) {
	comps := t.loadComponents()
	defer comps.unref()
	fmt.Fprintf(w, "tablet %s: memrowset %d, %d rowsets\n",
		t.meta.TabletID(), comps.memRowSet.ID(), comps.rowSets.Len())
	for _, rs := range comps.rowSets.All() {
		fmt.Fprintf(w, "  %s keys [%q, %q] size %d\n",
			rs.DebugString(), rs.MinKey(), rs.MaxKey(), rs.EstimateOnDiskSize())
	}
}

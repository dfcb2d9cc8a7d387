// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync"
	"time"

	"github.com/basaltdb/basalt/internal/base"
)

// MaintenanceOpStats is one op's cost/benefit estimate, refreshed by
// UpdateStats before each scheduling decision.
type MaintenanceOpStats struct {
	// Runnable reports whether performing the op now would do useful work.
	Runnable bool
	// MemoryBytesRecovered estimates freed memory.
	MemoryBytesRecovered int64
	// DiskSpaceRecovered estimates freed disk space.
	DiskSpaceRecovered int64
	// IOPerformed estimates the bytes of i/o the op will issue.
	IOPerformed int64
}

// MaintenanceOp is a unit of background work a tablet registers with the
// MaintenanceManager.
type MaintenanceOp interface {
	// Name identifies the op, unique per tablet.
	Name() string
	// UpdateStats refreshes the op's cost/benefit estimate.
	UpdateStats(stats *MaintenanceOpStats)
	// Perform runs the op. Called without locks held.
	Perform() error
}

// MaintenanceManager runs registered ops when they report themselves
// runnable. One op runs at a time; the scheduling loop polls on a fixed
// interval. Richer cost/benefit arbitration lives above this layer.
type MaintenanceManager struct {
	logger   base.Logger
	interval time.Duration

	mu   sync.Mutex
	ops  []MaintenanceOp
	stop chan struct{}
	done chan struct{}
}

// NewMaintenanceManager returns a manager polling at the given interval.
func NewMaintenanceManager(logger base.Logger, interval time.Duration) *MaintenanceManager {
	return &MaintenanceManager{
		logger:   base.NoopLoggerIfNil(logger),
		interval: interval,
	}
}

// RegisterOp adds an op to the schedule.
func (m *MaintenanceManager) RegisterOp(op MaintenanceOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

// UnregisterOp removes an op. Not safe to call concurrently with the op's
// own Perform.
func (m *MaintenanceManager) UnregisterOp(op MaintenanceOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.ops {
		if o == op {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return
		}
	}
}

// Start launches the scheduling loop.
func (m *MaintenanceManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
}

// Stop halts the scheduling loop, waiting for a running op to finish.
func (m *MaintenanceManager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (m *MaintenanceManager) run(stop chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		ops := append([]MaintenanceOp(nil), m.ops...)
		m.mu.Unlock()

		// Run the runnable op with the best benefit estimate.
		var best MaintenanceOp
		var bestScore int64
		for _, op := range ops {
			var stats MaintenanceOpStats
			op.UpdateStats(&stats)
			if !stats.Runnable {
				continue
			}
			score := stats.MemoryBytesRecovered + stats.DiskSpaceRecovered
			if best == nil || score > bestScore {
				best, bestScore = op, score
			}
		}
		if best == nil {
			continue
		}
		if err := best.Perform(); err != nil {
			m.logger.Errorf("maintenance op %s: %v", best.Name(), err)
		}
	}
}

// RegisterMaintenanceOps registers the tablet's background ops with mgr.
func (t *Tablet) RegisterMaintenanceOps(mgr *MaintenanceManager) {
	ops := []MaintenanceOp{
		&flushMRSOp{t: t},
		&compactRowSetsOp{t: t},
		&flushBiggestDMSOp{t: t},
		&minorDeltaCompactionOp{t: t},
	}
	for _, op := range ops {
		mgr.RegisterOp(op)
	}
	t.maintenanceOps = append(t.maintenanceOps, ops...)
	t.maintenanceMgr = mgr
}

// UnregisterMaintenanceOps removes the tablet's ops from the manager they
// were registered with. Not thread safe, matching registration.
func (t *Tablet) UnregisterMaintenanceOps() {
	if t.maintenanceMgr == nil {
		return
	}
	for _, op := range t.maintenanceOps {
		t.maintenanceMgr.UnregisterOp(op)
	}
	t.maintenanceOps = nil
	t.maintenanceMgr = nil
}

// flushMRSOp flushes the MemRowSet when it holds enough data to be worth the
// i/o, or whenever the tablet is near its memory budget.
type flushMRSOp struct {
	t *Tablet
}

func (op *flushMRSOp) Name() string { return op.t.meta.TabletID() + ":flush-mrs" }

func (op *flushMRSOp) UpdateStats(stats *MaintenanceOpStats) {
	size := op.t.MemRowSetSize()
	stats.MemoryBytesRecovered = size
	stats.IOPerformed = size
	limit := op.t.tracker.Limit()
	switch {
	case size == 0:
		stats.Runnable = false
	case limit > 0 && op.t.tracker.Consumed() >= limit/2:
		stats.Runnable = true
	default:
		stats.Runnable = size >= 64<<20
	}
}

func (op *flushMRSOp) Perform() error { return op.t.Flush() }

// compactRowSetsOp merges rowsets per the compaction policy.
type compactRowSetsOp struct {
	t *Tablet
}

func (op *compactRowSetsOp) Name() string { return op.t.meta.TabletID() + ":compact-rowsets" }

func (op *compactRowSetsOp) UpdateStats(stats *MaintenanceOpStats) {
	op.t.UpdateCompactionStats(stats)
}

func (op *compactRowSetsOp) Perform() error { return op.t.Compact(NoFlags) }

// flushBiggestDMSOp flushes the largest DeltaMemStore.
type flushBiggestDMSOp struct {
	t *Tablet
}

func (op *flushBiggestDMSOp) Name() string { return op.t.meta.TabletID() + ":flush-dms" }

func (op *flushBiggestDMSOp) UpdateStats(stats *MaintenanceOpStats) {
	size := op.t.DeltaMemStoresSize()
	stats.MemoryBytesRecovered = size
	stats.IOPerformed = size
	stats.Runnable = size >= 8<<20
}

func (op *flushBiggestDMSOp) Perform() error { return op.t.FlushBiggestDMS() }

// minorDeltaCompactionOp merges the worst rowset's delta files.
type minorDeltaCompactionOp struct {
	t *Tablet
}

func (op *minorDeltaCompactionOp) Name() string {
	return op.t.meta.TabletID() + ":minor-delta-compaction"
}

func (op *minorDeltaCompactionOp) UpdateStats(stats *MaintenanceOpStats) {
	comps := op.t.loadComponents()
	defer comps.unref()
	worst := 0
	var size int64
	for _, rs := range comps.rowSets.All() {
		drs, ok := rs.(*DiskRowSet)
		if !ok {
			continue
		}
		if n := drs.Deltas().FileCount(); n > worst {
			worst = n
			size = drs.Deltas().FilesSize()
		}
	}
	stats.Runnable = worst >= 3
	stats.IOPerformed = size * 2
	stats.DiskSpaceRecovered = size / 4
}

func (op *minorDeltaCompactionOp) Perform() error { return op.t.MinorCompactWorstDeltas() }

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package mvcc tracks in-flight transactions and assigns commit timestamps.
// Visibility is determined by immutable snapshots of the committed state.
package mvcc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
)

// Manager allocates monotonically increasing transaction timestamps and
// tracks which of them are still in flight. All methods are safe for
// concurrent use.
type Manager struct {
	clock base.Clock

	mu struct {
		sync.Mutex
		cond sync.Cond
		// lastIssued is the largest timestamp handed out so far.
		lastIssued base.Timestamp
		// maxCommitted is the largest timestamp that has committed.
		maxCommitted base.Timestamp
		// inFlight holds issued timestamps that have neither committed nor
		// aborted.
		inFlight map[base.Timestamp]struct{}
	}
}

// NewManager returns a Manager drawing timestamps from clock.
func NewManager(clock base.Clock) *Manager {
	m := &Manager{clock: clock}
	m.mu.cond.L = &m.mu.Mutex
	m.mu.inFlight = make(map[base.Timestamp]struct{})
	return m
}

// StartTransaction assigns a fresh timestamp, strictly greater than every
// previously issued one, and records it as in flight.
func (m *Manager) StartTransaction() base.Timestamp {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := now
	if ts <= m.mu.lastIssued {
		ts = m.mu.lastIssued + 1
	}
	m.mu.lastIssued = ts
	m.mu.inFlight[ts] = struct{}{}
	return ts
}

// StartTransactionAt records the caller-supplied ts as in flight. Used when
// replaying writes that already carry timestamps. Fails with InvalidTimestamp
// unless ts is strictly greater than every committed timestamp and not
// already in flight.
func (m *Manager) StartTransactionAt(ts base.Timestamp) error {
	if ts == base.TimestampNone {
		return errors.Mark(errors.New("cannot start a transaction at the reserved timestamp"),
			base.ErrInvalidTimestamp)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts <= m.mu.maxCommitted {
		return errors.Mark(
			errors.Newf("timestamp %s is not greater than the committed high-water %s",
				ts, m.mu.maxCommitted),
			base.ErrInvalidTimestamp)
	}
	if _, ok := m.mu.inFlight[ts]; ok {
		return errors.Mark(errors.Newf("timestamp %s is already in flight", ts),
			base.ErrInvalidTimestamp)
	}
	if ts > m.mu.lastIssued {
		m.mu.lastIssued = ts
	}
	m.mu.inFlight[ts] = struct{}{}
	return nil
}

// CommitTransaction marks ts as committed and wakes any waiters.
func (m *Manager) CommitTransaction(ts base.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.inFlight[ts]; !ok {
		panic(errors.AssertionFailedf("commit of transaction %s which is not in flight", ts))
	}
	delete(m.mu.inFlight, ts)
	if ts > m.mu.maxCommitted {
		m.mu.maxCommitted = ts
	}
	m.mu.cond.Broadcast()
}

// AbortTransaction removes ts from the in-flight set without committing it.
// The caller must not have externally exposed any write under ts.
func (m *Manager) AbortTransaction(ts base.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.inFlight[ts]; !ok {
		panic(errors.AssertionFailedf("abort of transaction %s which is not in flight", ts))
	}
	delete(m.mu.inFlight, ts)
	m.mu.cond.Broadcast()
}

// AdvanceTo fast-forwards the committed state to at least ts. Used when
// opening a tablet whose persisted data carries timestamps from a previous
// incarnation: everything at or below the durable watermark is committed.
func (m *Manager) AdvanceTo(ts base.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts > m.mu.lastIssued {
		m.mu.lastIssued = ts
	}
	if ts > m.mu.maxCommitted {
		m.mu.maxCommitted = ts
	}
}

// TakeSnapshot returns an immutable snapshot of the current committed state.
func (m *Manager) TakeSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{commitHighWater: m.mu.lastIssued}
	if len(m.mu.inFlight) > 0 {
		s.inFlight = make(map[base.Timestamp]struct{}, len(m.mu.inFlight))
		for ts := range m.mu.inFlight {
			s.inFlight[ts] = struct{}{}
		}
	}
	return s
}

// WaitUntilAllCommittedBefore blocks until no in-flight transaction has a
// timestamp earlier than ts. Transactions started after the call cannot make
// it wait longer, since they receive larger timestamps.
func (m *Manager) WaitUntilAllCommittedBefore(ts base.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.anyInFlightBeforeLocked(ts) {
		m.mu.cond.Wait()
	}
}

func (m *Manager) anyInFlightBeforeLocked(ts base.Timestamp) bool {
	for inFlight := range m.mu.inFlight {
		if inFlight < ts {
			return true
		}
	}
	return false
}

// InFlightCount returns the number of in-flight transactions.
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.inFlight)
}

// Snapshot is an immutable description of which timestamps were committed at
// the moment it was taken: every timestamp t with t <= commitHighWater is
// committed unless it appears in inFlight.
type Snapshot struct {
	commitHighWater base.Timestamp
	inFlight        map[base.Timestamp]struct{}
}

// SnapshotIncludingAll returns a snapshot to which every possible timestamp
// is visible. Used by compaction history merges and tests.
func SnapshotIncludingAll() Snapshot {
	return Snapshot{commitHighWater: base.TimestampMax}
}

// SnapshotAtTimestamp returns a snapshot to which exactly the timestamps
// <= ts are visible, regardless of commit state. Used for historical scans.
func SnapshotAtTimestamp(ts base.Timestamp) Snapshot {
	return Snapshot{commitHighWater: ts}
}

// IsVisible reports whether a write at ts is visible to the snapshot.
func (s Snapshot) IsVisible(ts base.Timestamp) bool {
	if ts > s.commitHighWater {
		return false
	}
	_, inFlight := s.inFlight[ts]
	return !inFlight
}

// CommitHighWater returns the snapshot's inclusive upper visibility bound.
func (s Snapshot) CommitHighWater() base.Timestamp { return s.commitHighWater }

// VisibleInWindow reports whether ts is visible to s2 but not to s1. Used to
// locate mutations that arrived while an output rowset was being written.
func VisibleInWindow(ts base.Timestamp, s1, s2 Snapshot) bool {
	return !s1.IsVisible(ts) && s2.IsVisible(ts)
}

// String renders the snapshot for debug output.
func (s Snapshot) String() string {
	if len(s.inFlight) == 0 {
		return fmt.Sprintf("MvccSnapshot[committed <= %d]", uint64(s.commitHighWater))
	}
	pending := make([]uint64, 0, len(s.inFlight))
	for ts := range s.inFlight {
		pending = append(pending, uint64(ts))
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	var b strings.Builder
	fmt.Fprintf(&b, "MvccSnapshot[committed <= %d except {", uint64(s.commitHighWater))
	for i, ts := range pending {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", ts)
	}
	b.WriteString("}]")
	return b.String()
}

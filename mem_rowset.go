// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
)

// mutation is one entry of a row's mutation chain.
type mutation struct {
	ts     base.Timestamp
	change base.RowChangeList
}

// memRow is one logical row in a MemRowSet: the inserted payload, its
// insertion timestamp and the ordered chain of mutations applied since.
// Within a chain, timestamps are strictly increasing; the write path's
// lock-then-timestamp ordering guarantees it.
type memRow struct {
	key      []byte
	row      base.Row
	insertTs base.Timestamp
	muts     []mutation
}

// MemRowSet is the ordered in-memory store of inserted rows. Inserts require
// the key to be absent; mutations require it to be present. A MemRowSet keeps
// accepting mutations after it has been frozen for flush: during the flush
// window the DuplicatingRowSet routes them both here and to the flush output.
type MemRowSet struct {
	id     int64
	schema *base.Schema

	tracker *MemTracker

	// compactFlushLock guards against concurrent selection by more than one
	// flush/compaction.
	compactFlushLock sync.Mutex

	mu struct {
		sync.RWMutex
		tree *btree.BTreeG[*memRow]
		size int64
	}
}

// NewMemRowSet returns an empty MemRowSet with the given id.
func NewMemRowSet(id int64, schema *base.Schema, tracker *MemTracker) *MemRowSet {
	m := &MemRowSet{id: id, schema: schema, tracker: tracker}
	m.mu.tree = btree.NewG(16, func(a, b *memRow) bool {
		return bytes.Compare(a.key, b.key) < 0
	})
	return m
}

// ID returns the MemRowSet's monotonically assigned id.
func (m *MemRowSet) ID() int64 { return m.id }

// Schema returns the schema rows were inserted under.
func (m *MemRowSet) Schema() *base.Schema { return m.schema }

// IsEmpty reports whether the MemRowSet holds no rows.
func (m *MemRowSet) IsEmpty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mu.tree.Len() == 0
}

// Len returns the number of entries, live or deleted.
func (m *MemRowSet) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mu.tree.Len()
}

// SizeBytes returns the approximate memory footprint of the stored rows.
func (m *MemRowSet) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mu.size
}

func rowFootprint(key []byte, r base.Row) int64 {
	n := int64(len(key)) + int64(len(r.Values))*16
	for _, v := range r.Values {
		n += int64(len(v.S))
	}
	return n
}

// Insert adds a new row at ts. Returns AlreadyPresent if the key exists,
// deleted or not.
func (m *MemRowSet) Insert(ts base.Timestamp, key []byte, r base.Row) error {
	entry := &memRow{
		key:      append([]byte(nil), key...),
		row:      r.Clone(),
		insertTs: ts,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.tree.Get(&memRow{key: key}); ok {
		return base.MarkAlreadyPresent(errors.Newf("key %q already present in memrowset %d", key, m.id))
	}
	m.mu.tree.ReplaceOrInsert(entry)
	n := rowFootprint(entry.key, entry.row)
	m.mu.size += n
	if m.tracker != nil {
		m.tracker.Consume(n)
	}
	return nil
}

// MutateRow implements RowSet, appending a mutation to the key's chain.
func (m *MemRowSet) MutateRow(
	ts base.Timestamp, probe *RowSetKeyProbe, change base.RowChangeList,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.mu.tree.Get(&memRow{key: probe.EncodedKey})
	if !ok {
		return base.MarkNotFound(errors.Newf("key %q not found in memrowset %d", probe.EncodedKey, m.id))
	}
	if n := len(entry.muts); n > 0 && entry.muts[n-1].ts >= ts {
		return errors.AssertionFailedf(
			"mutation at %s does not advance the chain of key %q (last %s)",
			ts, probe.EncodedKey, entry.muts[n-1].ts)
	}
	entry.muts = append(entry.muts, mutation{ts: ts, change: change})
	n := int64(16)
	for _, u := range change.Updates {
		n += int64(len(u.Value.S)) + 16
	}
	m.mu.size += n
	if m.tracker != nil {
		m.tracker.Consume(n)
	}
	return nil
}

// CheckRowPresent implements RowSet.
func (m *MemRowSet) CheckRowPresent(probe *RowSetKeyProbe) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.mu.tree.Get(&memRow{key: probe.EncodedKey})
	return ok, nil
}

// MinKey implements RowSet.
func (m *MemRowSet) MinKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.mu.tree.Min(); ok {
		return entry.key
	}
	return nil
}

// MaxKey implements RowSet.
func (m *MemRowSet) MaxKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.mu.tree.Max(); ok {
		return entry.key
	}
	return nil
}

// EstimateOnDiskSize implements RowSet. A MemRowSet occupies no disk.
func (m *MemRowSet) EstimateOnDiskSize() int64 { return 0 }

// DeltaMemStoreSize implements RowSet. Mutation chains live inline.
func (m *MemRowSet) DeltaMemStoreSize() int64 { return 0 }

// CompactFlushLock implements RowSet.
func (m *MemRowSet) CompactFlushLock() *sync.Mutex { return &m.compactFlushLock }

// DebugString implements RowSet.
func (m *MemRowSet) DebugString() string {
	return fmt.Sprintf("MemRowSet(%d)", m.id)
}

// CountRows implements RowSet: the number of keys with no delete in their
// mutation chain. An update after a delete does not revive the row.
func (m *MemRowSet) CountRows() (int64, error) {
	snap := mvcc.SnapshotIncludingAll()
	var count int64
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.mu.tree.Ascend(func(entry *memRow) bool {
		if entryLive(entry, snap) {
			count++
		}
		return true
	})
	return count, nil
}

func entryLive(entry *memRow, snap mvcc.Snapshot) bool {
	if !snap.IsVisible(entry.insertTs) {
		return false
	}
	live := true
	for _, mut := range entry.muts {
		if !snap.IsVisible(mut.ts) {
			continue
		}
		if mut.change.IsDelete() {
			live = false
		}
	}
	return live
}

// materializeEntry projects the entry under proj with all snap-visible
// mutations applied. The second result is false if the row is not visible or
// deleted under snap.
func materializeEntry(entry *memRow, proj *base.Schema, snap mvcc.Snapshot) (base.Row, bool, error) {
	if !snap.IsVisible(entry.insertTs) {
		return base.Row{}, false, nil
	}
	row := projectRow(entry.row, proj)
	live := true
	for _, mut := range entry.muts {
		if !snap.IsVisible(mut.ts) {
			continue
		}
		if mut.change.IsDelete() {
			live = false
			continue
		}
		if err := mut.change.ApplyTo(&row); err != nil {
			return base.Row{}, false, err
		}
	}
	if !live {
		return base.Row{}, false, nil
	}
	return row, true, nil
}

// projectRow maps a stored row onto proj by column id. Columns absent from
// the stored row's schema (added by a later alter) materialize their default.
func projectRow(stored base.Row, proj *base.Schema) base.Row {
	vals := make([]base.Value, proj.NumColumns())
	for i := 0; i < proj.NumColumns(); i++ {
		col := proj.Column(i)
		if j, ok := stored.Schema.ColumnIndexByID(col.ID); ok {
			v := stored.Values[j]
			if v.S != nil {
				v.S = append([]byte(nil), v.S...)
			}
			vals[i] = v
		} else if col.Default != nil {
			vals[i] = *col.Default
		} else {
			vals[i] = base.NullValue()
		}
	}
	return base.Row{Schema: proj, Values: vals}
}

// MissedMutations implements RowSet.
func (m *MemRowSet) MissedMutations(s1, s2 mvcc.Snapshot) ([]missedMutation, error) {
	var missed []missedMutation
	var iterErr error
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.mu.tree.Ascend(func(entry *memRow) bool {
		if mvcc.VisibleInWindow(entry.insertTs, s1, s2) {
			// Inserts land in the active MemRowSet, never in a frozen one; a
			// post-snapshot insert here means the snapshot protocol was
			// violated.
			iterErr = errors.AssertionFailedf(
				"insert of %q at %s appeared in frozen memrowset %d after its snapshot",
				entry.key, entry.insertTs, m.id)
			return false
		}
		for _, mut := range entry.muts {
			if mvcc.VisibleInWindow(mut.ts, s1, s2) {
				missed = append(missed, missedMutation{key: entry.key, ts: mut.ts, change: mut.change})
			}
		}
		return true
	})
	return missed, iterErr
}

// NewRowIterator implements RowSet. The iterator walks a copy-on-write clone
// of the tree, so concurrent inserts do not disturb it; mutation chains are
// read under the MemRowSet's read lock row by row, so it observes mutations
// that land after its creation (the MVCC snapshot filters them).
func (m *MemRowSet) NewRowIterator(proj *base.Schema, snap mvcc.Snapshot) (RowIterator, error) {
	if proj == nil {
		proj = m.schema
	}
	m.mu.Lock()
	clone := m.mu.tree.Clone()
	m.mu.Unlock()

	var entries []*memRow
	clone.Ascend(func(entry *memRow) bool {
		entries = append(entries, entry)
		return true
	})
	return &memRowSetIter{mrs: m, proj: proj, snap: snap, entries: entries}, nil
}

type memRowSetIter struct {
	mrs     *MemRowSet
	proj    *base.Schema
	snap    mvcc.Snapshot
	entries []*memRow
	pos     int

	key []byte
	row base.Row
	err error
}

func (it *memRowSetIter) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos < len(it.entries) {
		entry := it.entries[it.pos]
		it.pos++
		it.mrs.mu.RLock()
		row, live, err := materializeEntry(entry, it.proj, it.snap)
		it.mrs.mu.RUnlock()
		if err != nil {
			it.err = err
			return false
		}
		if !live {
			continue
		}
		it.key = entry.key
		it.row = row
		return true
	}
	return false
}

func (it *memRowSetIter) Key() []byte   { return it.key }
func (it *memRowSetIter) Row() base.Row { return it.row }
func (it *memRowSetIter) Err() error    { return it.err }
func (it *memRowSetIter) Close() error  { return nil }

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/bloom"
	"github.com/basaltdb/basalt/cfile"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
	"github.com/basaltdb/basalt/vfs"
)

const (
	keyFileName   = "key"
	bloomFileName = "bloom"
)

func columnFileName(id base.ColumnID) string { return fmt.Sprintf("col-%d", id) }

// DiskRowSet is an immutable columnar base (one cfile per column plus the key
// cfile and a bloom file) paired with a DeltaTracker holding the mutations
// applied since the base was written.
type DiskRowSet struct {
	id  int64
	fs  vfs.FS
	dir string

	keyReader  *cfile.Reader
	keyFile    vfs.File
	colReaders map[base.ColumnID]*cfile.Reader
	colFiles   []vfs.File
	filter     []byte

	deltas *DeltaTracker

	compactFlushLock sync.Mutex

	minKey, maxKey []byte
	baseSize       int64

	metrics *TabletMetrics
}

// OpenDiskRowSet opens the rowset described by meta. The dms parameter
// supplies the initial DeltaMemStore; compactions pass the store already
// shared with a DuplicatingRowSet, everyone else passes a fresh one.
func OpenDiskRowSet(
	fs vfs.FS, meta RowSetMeta, dms *DeltaMemStore, metrics *TabletMetrics,
) (*DiskRowSet, error) {
	rs := &DiskRowSet{
		id:         meta.ID,
		fs:         fs,
		dir:        meta.Dir,
		colReaders: make(map[base.ColumnID]*cfile.Reader, len(meta.ColumnFiles)),
		minKey:     meta.MinKey,
		maxKey:     meta.MaxKey,
		metrics:    metrics,
	}
	ok := false
	defer func() {
		if !ok {
			rs.close()
		}
	}()

	var err error
	rs.keyFile, err = fs.Open(fs.PathJoin(meta.Dir, keyFileName))
	if err != nil {
		return nil, base.MarkIO(err)
	}
	rs.keyReader, err = cfile.NewReader(rs.keyFile)
	if err != nil {
		return nil, err
	}
	if stat, err := rs.keyFile.Stat(); err == nil {
		rs.baseSize += stat.Size()
	}

	for id, name := range meta.ColumnFiles {
		f, err := fs.Open(fs.PathJoin(meta.Dir, name))
		if err != nil {
			return nil, base.MarkIO(err)
		}
		rs.colFiles = append(rs.colFiles, f)
		r, err := cfile.NewReader(f)
		if err != nil {
			return nil, err
		}
		if r.Count() != rs.keyReader.Count() {
			return nil, base.MarkCorruption(errors.Newf(
				"rowset %d: column %d has %d entries, key file has %d",
				meta.ID, id, r.Count(), rs.keyReader.Count()))
		}
		rs.colReaders[id] = r
		if stat, err := f.Stat(); err == nil {
			rs.baseSize += stat.Size()
		}
	}

	rs.filter, err = cfile.ReadBloomFile(fs, fs.PathJoin(meta.Dir, bloomFileName))
	if err != nil {
		return nil, err
	}

	files := make([]*deltaFile, 0, len(meta.DeltaFiles))
	for _, name := range meta.DeltaFiles {
		df, err := openDeltaFile(fs, meta.Dir, name)
		if err != nil {
			return nil, err
		}
		files = append(files, df)
	}
	if dms == nil {
		dms = NewDeltaMemStore(nil)
	}
	rs.deltas = newDeltaTracker(fs, meta.Dir, dms, files)
	ok = true
	return rs, nil
}

func (rs *DiskRowSet) close() {
	if rs.keyFile != nil {
		rs.keyFile.Close()
	}
	for _, f := range rs.colFiles {
		f.Close()
	}
	if rs.deltas != nil {
		rs.deltas.close()
	}
}

// ID returns the rowset id assigned by the tablet metadata.
func (rs *DiskRowSet) ID() int64 { return rs.id }

// Deltas exposes the rowset's delta tracker.
func (rs *DiskRowSet) Deltas() *DeltaTracker { return rs.deltas }

// CheckRowPresent implements RowSet. The bloom filter and key range prune
// before the key cfile is consulted.
func (rs *DiskRowSet) CheckRowPresent(probe *RowSetKeyProbe) (bool, error) {
	if !rs.mayContainKey(probe) {
		return false, nil
	}
	return rs.lookupKey(probe.EncodedKey)
}

func (rs *DiskRowSet) mayContainKey(probe *RowSetKeyProbe) bool {
	if bytes.Compare(probe.EncodedKey, rs.minKey) < 0 ||
		bytes.Compare(probe.EncodedKey, rs.maxKey) > 0 {
		return false
	}
	if rs.metrics != nil {
		rs.metrics.BloomProbes.Inc()
	}
	if !bloom.MayContain(rs.filter, probe.BloomHash) {
		return false
	}
	if rs.metrics != nil {
		rs.metrics.BloomHits.Inc()
	}
	return true
}

func (rs *DiskRowSet) lookupKey(key []byte) (bool, error) {
	it, _, ok, err := rs.keyReader.SeekToKey(key)
	if err != nil || !ok {
		return false, err
	}
	if !it.Next() {
		return false, it.Err()
	}
	return bytes.Equal(it.Entry(), key), nil
}

// MutateRow implements RowSet.
func (rs *DiskRowSet) MutateRow(
	ts base.Timestamp, probe *RowSetKeyProbe, change base.RowChangeList,
) error {
	present, err := rs.CheckRowPresent(probe)
	if err != nil {
		return err
	}
	if !present {
		return base.MarkNotFound(errors.Newf("key %q not found in rowset %d", probe.EncodedKey, rs.id))
	}
	rs.deltas.Add(probe.EncodedKey, ts, change)
	return nil
}

// applyMissedMutation reapplies a mutation found on a compaction input,
// skipping versions already routed here through the DuplicatingRowSet and
// keys the output does not carry (rows whose visible state at the compaction
// snapshot was deleted).
func (rs *DiskRowSet) applyMissedMutation(m missedMutation) error {
	if rs.deltas.ContainsVersion(m.key, m.ts) {
		return nil
	}
	present, err := rs.lookupKey(m.key)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	rs.deltas.Add(m.key, m.ts, m.change)
	return nil
}

// CountRows implements RowSet: base rows minus those with any delete delta.
// An update after a delete does not revive the row.
func (rs *DiskRowSet) CountRows() (int64, error) {
	it, err := rs.NewRowIterator(nil, mvcc.SnapshotIncludingAll())
	if err != nil {
		return 0, err
	}
	defer it.Close()
	var n int64
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// BaseRowCount returns the number of rows in the immutable base, ignoring
// deletion deltas.
func (rs *DiskRowSet) BaseRowCount() int64 { return int64(rs.keyReader.Count()) }

// EstimateOnDiskSize implements RowSet.
func (rs *DiskRowSet) EstimateOnDiskSize() int64 {
	return rs.baseSize + rs.deltas.FilesSize()
}

// MinKey implements RowSet.
func (rs *DiskRowSet) MinKey() []byte { return rs.minKey }

// MaxKey implements RowSet.
func (rs *DiskRowSet) MaxKey() []byte { return rs.maxKey }

// DeltaMemStoreSize implements RowSet.
func (rs *DiskRowSet) DeltaMemStoreSize() int64 { return rs.deltas.DmsSize() }

// MissedMutations implements RowSet.
func (rs *DiskRowSet) MissedMutations(s1, s2 mvcc.Snapshot) ([]missedMutation, error) {
	return rs.deltas.MissedMutations(s1, s2)
}

// CompactFlushLock implements RowSet.
func (rs *DiskRowSet) CompactFlushLock() *sync.Mutex { return &rs.compactFlushLock }

// DebugString implements RowSet.
func (rs *DiskRowSet) DebugString() string {
	return fmt.Sprintf("DiskRowSet(%d, rows=%d, deltas=%s)", rs.id, rs.BaseRowCount(), rs.deltas)
}

// NewRowIterator implements RowSet. The base is iterated in lockstep across
// the key cfile and the projected column cfiles; each row has its
// snap-visible deltas applied before it is surfaced.
func (rs *DiskRowSet) NewRowIterator(proj *base.Schema, snap mvcc.Snapshot) (RowIterator, error) {
	if proj == nil {
		// A nil projection carries no columns; useful for existence and count
		// scans.
		proj = &base.Schema{}
	}
	it := &diskRowSetIter{rs: rs, proj: proj, snap: snap}
	it.keyIter = rs.keyReader.NewIter()
	it.colIters = make([]*cfile.Iter, proj.NumColumns())
	for i := 0; i < proj.NumColumns(); i++ {
		if r, ok := rs.colReaders[proj.Column(i).ID]; ok {
			it.colIters[i] = r.NewIter()
		}
	}
	return it, nil
}

type diskRowSetIter struct {
	rs       *DiskRowSet
	proj     *base.Schema
	snap     mvcc.Snapshot
	keyIter  *cfile.Iter
	colIters []*cfile.Iter

	key []byte
	row base.Row
	err error
}

func (it *diskRowSetIter) Next() bool {
	if it.err != nil {
		return false
	}
	for it.keyIter.Next() {
		key := it.keyIter.Entry()
		vals := make([]base.Value, it.proj.NumColumns())
		for i := range it.colIters {
			col := it.proj.Column(i)
			ci := it.colIters[i]
			if ci == nil {
				// Column added after this base was written.
				if col.Default != nil {
					vals[i] = *col.Default
				} else {
					vals[i] = base.NullValue()
				}
				continue
			}
			if !ci.Next() {
				if err := ci.Err(); err != nil {
					it.err = err
				} else {
					it.err = base.MarkCorruption(errors.Newf(
						"rowset %d: column %d exhausted before key file", it.rs.id, col.ID))
				}
				return false
			}
			v, _, err := base.DecodeValue(ci.Entry())
			if err != nil {
				it.err = base.MarkCorruption(err)
				return false
			}
			vals[i] = v
		}

		row := base.Row{Schema: it.proj, Values: vals}
		changes, err := it.rs.deltas.VisibleChanges(key, it.snap)
		if err != nil {
			it.err = err
			return false
		}
		live := true
		for _, mut := range changes {
			if mut.change.IsDelete() {
				live = false
				continue
			}
			if err := mut.change.ApplyTo(&row); err != nil {
				it.err = err
				return false
			}
		}
		if !live {
			continue
		}
		it.key = append([]byte(nil), key...)
		it.row = row
		return true
	}
	it.err = it.keyIter.Err()
	return false
}

func (it *diskRowSetIter) Key() []byte   { return it.key }
func (it *diskRowSetIter) Row() base.Row { return it.row }
func (it *diskRowSetIter) Err() error    { return it.err }
func (it *diskRowSetIter) Close() error  { return nil }

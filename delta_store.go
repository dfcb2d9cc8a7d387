// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/btree"

	"github.com/basaltdb/basalt/cfile"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
	"github.com/basaltdb/basalt/vfs"
)

// deltaEntry is one mutation keyed by (encoded key, timestamp). Timestamps
// are unique per key, so the pair identifies a mutation.
type deltaEntry struct {
	key    []byte
	ts     base.Timestamp
	change base.RowChangeList
}

func deltaEntryLess(a, b *deltaEntry) bool {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.ts < b.ts
}

// DeltaMemStore is the mutable in-memory delta buffer of one rowset. It is
// shared by identity with the DuplicatingRowSet during a compaction window:
// mutations routed through the duplicator land here and are owned by the
// compaction output from the moment it opens.
type DeltaMemStore struct {
	tracker *MemTracker

	mu struct {
		sync.RWMutex
		tree *btree.BTreeG[*deltaEntry]
		size int64
	}
}

// NewDeltaMemStore returns an empty store.
func NewDeltaMemStore(tracker *MemTracker) *DeltaMemStore {
	s := &DeltaMemStore{tracker: tracker}
	s.mu.tree = btree.NewG(16, deltaEntryLess)
	return s
}

// Add records a mutation.
func (s *DeltaMemStore) Add(key []byte, ts base.Timestamp, change base.RowChangeList) {
	entry := &deltaEntry{key: append([]byte(nil), key...), ts: ts, change: change}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.tree.ReplaceOrInsert(entry)
	n := int64(len(entry.key)) + 32
	for _, u := range change.Updates {
		n += int64(len(u.Value.S)) + 16
	}
	s.mu.size += n
	if s.tracker != nil {
		s.tracker.Consume(n)
	}
}

// Contains reports whether the exact (key, ts) mutation is recorded.
func (s *DeltaMemStore) Contains(key []byte, ts base.Timestamp) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mu.tree.Get(&deltaEntry{key: key, ts: ts})
	return ok
}

// SizeBytes returns the approximate memory footprint.
func (s *DeltaMemStore) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.size
}

// Len returns the number of recorded mutations.
func (s *DeltaMemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.tree.Len()
}

// visibleChanges appends the snap-visible mutations for key, in timestamp
// order, to out.
func (s *DeltaMemStore) visibleChanges(
	key []byte, snap mvcc.Snapshot, out []mutation,
) []mutation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.mu.tree.AscendGreaterOrEqual(&deltaEntry{key: key}, func(e *deltaEntry) bool {
		if !bytes.Equal(e.key, key) {
			return false
		}
		if snap.IsVisible(e.ts) {
			out = append(out, mutation{ts: e.ts, change: e.change})
		}
		return true
	})
	return out
}

// missedMutations collects mutations in the (s1, s2] visibility window.
func (s *DeltaMemStore) missedMutations(s1, s2 mvcc.Snapshot, out []missedMutation) []missedMutation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.mu.tree.Ascend(func(e *deltaEntry) bool {
		if mvcc.VisibleInWindow(e.ts, s1, s2) {
			out = append(out, missedMutation{key: e.key, ts: e.ts, change: e.change})
		}
		return true
	})
	return out
}

// snapshotEntries returns all entries in (key, ts) order.
func (s *DeltaMemStore) snapshotEntries() []*deltaEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*deltaEntry, 0, s.mu.tree.Len())
	s.mu.tree.Ascend(func(e *deltaEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

func encodeDeltaEntry(buf []byte, e *deltaEntry) []byte {
	buf = base.PutBytes(buf, e.key)
	buf = base.PutUvarint(buf, uint64(e.ts))
	return e.change.Encode(buf)
}

func decodeDeltaEntry(b []byte) (*deltaEntry, error) {
	key, rest, err := base.GetBytes(b)
	if err != nil {
		return nil, base.MarkCorruption(err)
	}
	ts, rest, err := base.Uvarint(rest)
	if err != nil {
		return nil, base.MarkCorruption(err)
	}
	change, err := base.DecodeRowChangeList(rest)
	if err != nil {
		return nil, base.MarkCorruption(err)
	}
	return &deltaEntry{
		key:    append([]byte(nil), key...),
		ts:     base.Timestamp(ts),
		change: change,
	}, nil
}

func deltaEntryKey(entry []byte) []byte {
	key, _, err := base.GetBytes(entry)
	if err != nil {
		return nil
	}
	return key
}

// deltaFile is one closed, immutable on-disk delta file.
type deltaFile struct {
	name   string
	reader *cfile.Reader
	file   vfs.File
	size   int64
}

func openDeltaFile(fs vfs.FS, dir, name string) (*deltaFile, error) {
	path := fs.PathJoin(dir, name)
	f, err := fs.Open(path)
	if err != nil {
		return nil, base.MarkIO(err)
	}
	r, err := cfile.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, base.MarkIO(err)
	}
	return &deltaFile{name: name, reader: r, file: f, size: stat.Size()}, nil
}

func (d *deltaFile) visibleChanges(
	key []byte, snap mvcc.Snapshot, out []mutation,
) ([]mutation, error) {
	it, _, ok, err := d.reader.SeekToKeyExtract(key, deltaEntryKey)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, nil
	}
	for it.Next() {
		entry, err := decodeDeltaEntry(it.Entry())
		if err != nil {
			return out, err
		}
		if !bytes.Equal(entry.key, key) {
			break
		}
		if snap.IsVisible(entry.ts) {
			out = append(out, mutation{ts: entry.ts, change: entry.change})
		}
	}
	return out, it.Err()
}

func (d *deltaFile) missedMutations(s1, s2 mvcc.Snapshot, out []missedMutation) ([]missedMutation, error) {
	it := d.reader.NewIter()
	for it.Next() {
		entry, err := decodeDeltaEntry(it.Entry())
		if err != nil {
			return out, err
		}
		if mvcc.VisibleInWindow(entry.ts, s1, s2) {
			out = append(out, missedMutation{key: entry.key, ts: entry.ts, change: entry.change})
		}
	}
	return out, it.Err()
}

func (d *deltaFile) close() {
	if d.file != nil {
		d.file.Close()
	}
}

// DeltaTracker owns a rowset's mutation history: an ordered list of closed
// delta files plus the mutable DeltaMemStore. Older mutations live in earlier
// files; within one key the (file order, timestamp) order is the apply order.
type DeltaTracker struct {
	fs  vfs.FS
	dir string

	mu struct {
		sync.RWMutex
		files []*deltaFile
		dms   *DeltaMemStore
	}
}

func newDeltaTracker(fs vfs.FS, dir string, dms *DeltaMemStore, files []*deltaFile) *DeltaTracker {
	t := &DeltaTracker{fs: fs, dir: dir}
	t.mu.dms = dms
	t.mu.files = files
	return t
}

// Add records a mutation in the DeltaMemStore.
func (t *DeltaTracker) Add(key []byte, ts base.Timestamp, change base.RowChangeList) {
	t.mu.RLock()
	dms := t.mu.dms
	t.mu.RUnlock()
	dms.Add(key, ts, change)
}

// ContainsVersion reports whether the exact (key, ts) mutation is already
// recorded in the DeltaMemStore. Used to deduplicate Phase-3 reapplication
// against mutations that arrived through the DuplicatingRowSet.
func (t *DeltaTracker) ContainsVersion(key []byte, ts base.Timestamp) bool {
	t.mu.RLock()
	dms := t.mu.dms
	t.mu.RUnlock()
	return dms.Contains(key, ts)
}

// VisibleChanges returns the snap-visible mutations for key in apply order.
func (t *DeltaTracker) VisibleChanges(key []byte, snap mvcc.Snapshot) ([]mutation, error) {
	t.mu.RLock()
	files := t.mu.files
	dms := t.mu.dms
	t.mu.RUnlock()

	var out []mutation
	var err error
	for _, f := range files {
		if out, err = f.visibleChanges(key, snap, out); err != nil {
			return nil, err
		}
	}
	out = dms.visibleChanges(key, snap, out)
	// Files are flushed in mutation order, so out is already
	// timestamp-ordered per key.
	return out, nil
}

// DmsSize returns the DeltaMemStore's memory footprint.
func (t *DeltaTracker) DmsSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mu.dms.SizeBytes()
}

// FileCount returns the number of closed delta files.
func (t *DeltaTracker) FileCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.mu.files)
}

// FilesSize returns the total size of the closed delta files.
func (t *DeltaTracker) FilesSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, f := range t.mu.files {
		n += f.size
	}
	return n
}

// FileNames returns the names of the closed delta files in order.
func (t *DeltaTracker) FileNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, len(t.mu.files))
	for i, f := range t.mu.files {
		names[i] = f.name
	}
	return names
}

// MissedMutations collects mutations across files and DeltaMemStore in the
// (s1, s2] visibility window.
func (t *DeltaTracker) MissedMutations(s1, s2 mvcc.Snapshot) ([]missedMutation, error) {
	t.mu.RLock()
	files := t.mu.files
	dms := t.mu.dms
	t.mu.RUnlock()

	var out []missedMutation
	var err error
	for _, f := range files {
		if out, err = f.missedMutations(s1, s2, out); err != nil {
			return nil, err
		}
	}
	out = dms.missedMutations(s1, s2, out)
	return out, nil
}

// FlushDMS writes the current DeltaMemStore contents to a new closed delta
// file named name, then swaps in a store holding only the mutations that
// arrived during the write. Concurrent readers see every mutation at all
// times: until the swap they read the full old store, and the moment the
// file is published the store shrinks in the same critical section.
// Returns the number of flushed mutations; zero means the store was empty.
func (t *DeltaTracker) FlushDMS(name string) (int, error) {
	t.mu.RLock()
	old := t.mu.dms
	t.mu.RUnlock()
	entries := old.snapshotEntries()
	if len(entries) == 0 {
		return 0, nil
	}

	df, err := writeDeltaFile(t.fs, t.dir, name, entries)
	if err != nil {
		return 0, err
	}

	flushed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		flushed[versionKey(e.key, e.ts)] = struct{}{}
	}

	t.mu.Lock()
	// Carry over mutations that landed after the snapshot was taken. Their
	// timestamps are above everything flushed for their key, so files-then-
	// store stays the per-key apply order.
	fresh := NewDeltaMemStore(old.tracker)
	for _, e := range t.mu.dms.snapshotEntries() {
		if _, ok := flushed[versionKey(e.key, e.ts)]; !ok {
			fresh.Add(e.key, e.ts, e.change)
		}
	}
	replaced := t.mu.dms
	t.mu.dms = fresh
	t.mu.files = append(t.mu.files, df)
	t.mu.Unlock()

	if replaced.tracker != nil {
		replaced.tracker.Release(replaced.SizeBytes())
	}
	return len(entries), nil
}

func versionKey(key []byte, ts base.Timestamp) string {
	return string(key) + "\x00" + strconv.FormatUint(uint64(ts), 16)
}

func writeDeltaFile(fs vfs.FS, dir, name string, entries []*deltaEntry) (*deltaFile, error) {
	path := fs.PathJoin(dir, name)
	f, err := fs.Create(path)
	if err != nil {
		return nil, base.MarkIO(err)
	}
	w := cfile.NewWriter(f, cfile.WriterOptions{Keyed: true})
	for _, e := range entries {
		if err := w.AddKeyed(encodeDeltaEntry(nil, e), e.key); err != nil {
			f.Close()
			fs.Remove(path)
			return nil, err
		}
	}
	if err := w.Finish(); err != nil {
		f.Close()
		fs.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		fs.Remove(path)
		return nil, base.MarkIO(err)
	}
	return openDeltaFile(fs, dir, name)
}

// MinorCompact merges all closed delta files into a single new file named
// name, leaving the DeltaMemStore untouched. Returns the names of the
// replaced files; no-op when fewer than two files exist.
func (t *DeltaTracker) MinorCompact(name string) ([]string, error) {
	t.mu.RLock()
	files := t.mu.files
	t.mu.RUnlock()
	if len(files) < 2 {
		return nil, nil
	}

	// Collect and merge-sort all entries. Delta files are modest in size;
	// a full in-memory merge mirrors how the stores are flushed.
	merged := btree.NewG(16, deltaEntryLess)
	for _, f := range files {
		it := f.reader.NewIter()
		for it.Next() {
			e, err := decodeDeltaEntry(it.Entry())
			if err != nil {
				return nil, err
			}
			merged.ReplaceOrInsert(e)
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
	}
	entries := make([]*deltaEntry, 0, merged.Len())
	merged.Ascend(func(e *deltaEntry) bool {
		entries = append(entries, e)
		return true
	})

	df, err := writeDeltaFile(t.fs, t.dir, name, entries)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	replaced := make([]string, len(t.mu.files))
	for i, f := range t.mu.files {
		replaced[i] = f.name
	}
	old := t.mu.files
	t.mu.files = []*deltaFile{df}
	t.mu.Unlock()

	// The replaced files are unlinked but their handles stay open: a
	// concurrent scan that captured the old file list keeps reading them.
	for _, f := range old {
		if err := t.fs.Remove(t.fs.PathJoin(t.dir, f.name)); err != nil {
			return replaced, base.MarkIO(err)
		}
	}
	return replaced, nil
}

func (t *DeltaTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.mu.files {
		f.close()
	}
	t.mu.files = nil
}

func (t *DeltaTracker) String() string {
	return fmt.Sprintf("DeltaTracker(%d files, dms=%dB)", t.FileCount(), t.DmsSize())
}

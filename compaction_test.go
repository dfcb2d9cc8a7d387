// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
)

func TestCompactMergesRowSets(t *testing.T) {
	tab := newTestTablet(t, nil)

	// Build three overlapping rowsets via interleaved inserts and flushes.
	for round := 0; round < 3; round++ {
		for i := round; i < 30; i += 3 {
			insertRow(t, tab, fmt.Sprintf("k%02d", i), int64(i))
		}
		require.NoError(t, tab.Flush())
	}
	require.Equal(t, 3, tab.NumRowSets())

	before, _ := scanAll(t, tab)
	require.NoError(t, tab.Compact(NoFlags))
	require.Equal(t, 1, tab.NumRowSets())

	after, keys := scanAll(t, tab)
	require.Equal(t, before, after)
	require.Len(t, keys, 30)
	require.True(t, strings.HasPrefix(keys[0], "k00"))
}

func TestForceCompactSingleRowSet(t *testing.T) {
	tab := newTestTablet(t, nil)
	for i := 0; i < 10; i++ {
		insertRow(t, tab, fmt.Sprintf("k%02d", i), int64(i))
	}
	require.NoError(t, tab.Flush())
	require.Equal(t, 1, tab.NumRowSets())

	// Policy finds nothing to do with one rowset...
	require.NoError(t, tab.Compact(NoFlags))
	require.Equal(t, 1, tab.NumRowSets())

	// ...but FORCE_COMPACT_ALL rewrites it.
	mutateRow(t, tab, "k03", 300)
	require.NoError(t, tab.Compact(ForceCompactAll))
	require.Equal(t, 1, tab.NumRowSets())
	rows, _ := scanAll(t, tab)
	require.Equal(t, int64(300), rows["k03"])
	require.Len(t, rows, 10)
}

func TestInsertMutateFlushMutateCompactScan(t *testing.T) {
	tab := newTestTablet(t, nil)
	insertRow(t, tab, "k1", 1)
	mutateRow(t, tab, "k1", 2)
	require.NoError(t, tab.Flush())
	mutateRow(t, tab, "k1", 3)
	require.NoError(t, tab.Compact(ForceCompactAll))
	rows, _ := scanAll(t, tab)
	require.Equal(t, map[string]int64{"k1": 3}, rows)
}

func TestCompactionDropsDeletedRows(t *testing.T) {
	tab := newTestTablet(t, nil)
	for i := 0; i < 10; i++ {
		insertRow(t, tab, fmt.Sprintf("k%02d", i), int64(i))
	}
	require.NoError(t, tab.Flush())
	deleteRow(t, tab, "k04")
	deleteRow(t, tab, "k05")
	require.NoError(t, tab.Compact(ForceCompactAll))

	rows, _ := scanAll(t, tab)
	require.Len(t, rows, 8)
	comps := tab.loadComponents()
	defer comps.unref()
	drs := comps.rowSets.All()[0].(*DiskRowSet)
	require.Equal(t, int64(8), drs.BaseRowCount())
}

func TestCompactAllDeletedProducesNoRowSet(t *testing.T) {
	tab := newTestTablet(t, nil)
	insertRow(t, tab, "k1", 1)
	require.NoError(t, tab.Flush())
	deleteRow(t, tab, "k1")
	require.NoError(t, tab.Compact(ForceCompactAll))
	require.Equal(t, 0, tab.NumRowSets())
	rows, _ := scanAll(t, tab)
	require.Empty(t, rows)
	// The key is gone for good; it may be inserted anew.
	insertRow(t, tab, "k1", 2)
	rows, _ = scanAll(t, tab)
	require.Equal(t, map[string]int64{"k1": 2}, rows)
}

func TestMutationDuringCompactionWindow(t *testing.T) {
	hooks := newPausingHooks("post-write")
	tab := newTestTablet(t, &Options{FlushCompactHooks: hooks})
	for i := 0; i < 4; i++ {
		insertRow(t, tab, fmt.Sprintf("k%d", i), int64(i))
		require.NoError(t, tab.Flush())
	}
	require.Equal(t, 4, tab.NumRowSets())

	compactDone := make(chan error, 1)
	go func() { compactDone <- tab.Compact(ForceCompactAll) }()
	<-hooks.reached

	// The mutation routes through the DuplicatingRowSet into both the frozen
	// input and the output under construction.
	mutateRow(t, tab, "k2", 200)
	rows, _ := scanAll(t, tab)
	require.Equal(t, int64(200), rows["k2"])

	close(hooks.released)
	require.NoError(t, <-compactDone)

	require.Equal(t, 1, tab.NumRowSets())
	rows, _ = scanAll(t, tab)
	require.Equal(t, int64(200), rows["k2"])
	require.Len(t, rows, 4)
}

func TestMinorDeltaCompaction(t *testing.T) {
	tab := newTestTablet(t, nil)
	for i := 0; i < 10; i++ {
		insertRow(t, tab, fmt.Sprintf("k%02d", i), int64(i))
	}
	require.NoError(t, tab.Flush())

	// Build several delta files.
	for round := 0; round < 3; round++ {
		mutateRow(t, tab, "k01", int64(100+round))
		require.NoError(t, tab.FlushBiggestDMS())
	}
	comps := tab.loadComponents()
	drs := comps.rowSets.All()[0].(*DiskRowSet)
	comps.unref()
	require.Equal(t, 3, drs.Deltas().FileCount())

	require.NoError(t, tab.MinorCompactWorstDeltas())
	require.Equal(t, 1, drs.Deltas().FileCount())

	rows, _ := scanAll(t, tab)
	require.Equal(t, int64(102), rows["k01"])
}

func TestMajorDeltaCompaction(t *testing.T) {
	tab := newTestTablet(t, nil)
	for i := 0; i < 10; i++ {
		insertRow(t, tab, fmt.Sprintf("k%02d", i), int64(i))
	}
	require.NoError(t, tab.Flush())
	mutateRow(t, tab, "k02", 222)
	require.NoError(t, tab.FlushBiggestDMS())
	mutateRow(t, tab, "k03", 333)

	comps := tab.loadComponents()
	target := comps.rowSets.All()[0]
	comps.unref()

	require.NoError(t, tab.DoMajorDeltaCompaction([]base.ColumnID{1}, target))

	comps = tab.loadComponents()
	drs := comps.rowSets.All()[0].(*DiskRowSet)
	comps.unref()
	// History is folded into the base; no delta files remain.
	require.Equal(t, 0, drs.Deltas().FileCount())
	rows, _ := scanAll(t, tab)
	require.Equal(t, int64(222), rows["k02"])
	require.Equal(t, int64(333), rows["k03"])

	// Unknown column ids are rejected.
	err := tab.DoMajorDeltaCompaction([]base.ColumnID{99}, drs)
	require.True(t, base.IsInvalidArgument(err))
}

// failRenameFS injects an i/o failure on renames of the metadata file once
// armed, which breaks the atomic metadata update at its commit point.
type failRenameFS struct {
	vfs.FS
	armed bool
}

func (fs *failRenameFS) Rename(oldname, newname string) error {
	if fs.armed && strings.HasSuffix(newname, metadataFileName) {
		return &os.PathError{Op: "rename", Path: newname, Err: os.ErrPermission}
	}
	return fs.FS.Rename(oldname, newname)
}

func TestMetadataFailureIsFatal(t *testing.T) {
	fs := &failRenameFS{FS: vfs.NewMem()}
	tab := newTestTablet(t, &Options{FS: fs})
	insertRow(t, tab, "k1", 1)

	fs.armed = true
	err := tab.Flush()
	require.True(t, base.IsCorruption(err))

	// The tablet refuses writes from then on.
	row, rerr := tab.Schema().NewRow(base.StringValue([]byte("k2")), base.Int64Value(2))
	require.NoError(t, rerr)
	require.True(t, base.IsCorruption(tab.Insert(row)))
	require.True(t, base.IsCorruption(tab.Flush()))

	// Read-only scans still work.
	rows, _ := scanAll(t, tab)
	require.Equal(t, map[string]int64{"k1": 1}, rows)
}

func TestUpdateCompactionStats(t *testing.T) {
	tab := newTestTablet(t, nil)
	var stats MaintenanceOpStats
	tab.UpdateCompactionStats(&stats)
	require.False(t, stats.Runnable)

	for i := 0; i < 2; i++ {
		insertRow(t, tab, fmt.Sprintf("k%d", i), int64(i))
		require.NoError(t, tab.Flush())
	}
	tab.UpdateCompactionStats(&stats)
	require.True(t, stats.Runnable)
	require.Positive(t, stats.IOPerformed)
}

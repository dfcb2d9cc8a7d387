// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
	"github.com/basaltdb/basalt/vfs"
)

func testSchema(t testing.TB) *base.Schema {
	t.Helper()
	return base.MustSchema([]base.ColumnSchema{
		{ID: 0, Name: "key", Type: base.TypeString},
		{ID: 1, Name: "val", Type: base.TypeInt64, Nullable: true},
	}, 1)
}

func newTestTablet(t testing.TB, opts *Options) *Tablet {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.FS == nil {
		opts.FS = vfs.NewMem()
	}
	meta, err := CreateTabletMetadata(opts.FS, "tablet", "test-tablet", testSchema(t))
	require.NoError(t, err)
	tab, err := Open(meta, opts)
	require.NoError(t, err)
	return tab
}

func insertRow(t testing.TB, tab *Tablet, key string, val int64) {
	t.Helper()
	row, err := tab.Schema().NewRow(base.StringValue([]byte(key)), base.Int64Value(val))
	require.NoError(t, err)
	require.NoError(t, tab.Insert(row))
}

func mutateRow(t testing.TB, tab *Tablet, key string, val int64) {
	t.Helper()
	keyRow := base.Row{Values: []base.Value{base.StringValue([]byte(key)), base.NullValue()}}
	require.NoError(t, tab.MutateRow(keyRow,
		base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(val)})))
}

func deleteRow(t testing.TB, tab *Tablet, key string) {
	t.Helper()
	keyRow := base.Row{Values: []base.Value{base.StringValue([]byte(key)), base.NullValue()}}
	require.NoError(t, tab.DeleteRow(keyRow))
}

// scanAll returns key -> val for every visible row, and the keys in scan
// order.
func scanAll(t testing.TB, tab *Tablet) (map[string]int64, []string) {
	t.Helper()
	return scanAllAt(t, tab, tab.MvccManager().TakeSnapshot())
}

func scanAllAt(t testing.TB, tab *Tablet, snap mvcc.Snapshot) (map[string]int64, []string) {
	t.Helper()
	it, err := tab.NewRowIteratorAt(nil, snap)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()
	rows := make(map[string]int64)
	var keys []string
	for it.Next() {
		row := it.Row()
		key := string(row.Values[0].S)
		keys = append(keys, key)
		if row.Values[1].IsNull() {
			rows[key] = -1
		} else {
			rows[key] = row.Values[1].I
		}
	}
	require.NoError(t, it.Err())
	return rows, keys
}

func TestInsertAndScan(t *testing.T) {
	tab := newTestTablet(t, nil)
	insertRow(t, tab, "k1", 10)
	rows, _ := scanAll(t, tab)
	require.Equal(t, map[string]int64{"k1": 10}, rows)
}

func TestInsertDuplicateKey(t *testing.T) {
	tab := newTestTablet(t, nil)
	insertRow(t, tab, "k1", 10)
	row, err := tab.Schema().NewRow(base.StringValue([]byte("k1")), base.Int64Value(20))
	require.NoError(t, err)
	err = tab.Insert(row)
	require.True(t, base.IsAlreadyPresent(err))
	rows, _ := scanAll(t, tab)
	require.Equal(t, map[string]int64{"k1": 10}, rows)
}

func TestMutateMissingKey(t *testing.T) {
	tab := newTestTablet(t, nil)
	keyRow := base.Row{Values: []base.Value{base.StringValue([]byte("nope")), base.NullValue()}}
	err := tab.MutateRow(keyRow,
		base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(1)}))
	require.True(t, base.IsNotFound(err))
}

func TestSnapshotVisibilityAcrossMutations(t *testing.T) {
	tab := newTestTablet(t, nil)

	// Insert k1=10, capturing its timestamp.
	tx := tab.NewWriteTransaction()
	row, err := tab.Schema().NewRow(base.StringValue([]byte("k1")), base.Int64Value(10))
	require.NoError(t, err)
	p, err := tab.CreatePreparedInsert(tx, row)
	require.NoError(t, err)
	tab.StartTransaction(tx)
	tsInsert := tx.Timestamp()
	require.NoError(t, tab.InsertUnlocked(tx, p))
	tab.CommitTransaction(tx)

	// Mutate k1 -> 11, capturing its timestamp.
	tx = tab.NewWriteTransaction()
	keyRow := base.Row{Values: []base.Value{base.StringValue([]byte("k1")), base.NullValue()}}
	p, err = tab.CreatePreparedMutate(tx, keyRow,
		base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(11)}))
	require.NoError(t, err)
	tab.StartTransaction(tx)
	tsMutate := tx.Timestamp()
	require.Greater(t, tsMutate, tsInsert)
	require.NoError(t, tab.MutateRowUnlocked(tx, p))
	tab.CommitTransaction(tx)

	// A snapshot at the insert timestamp sees the original value.
	rows, _ := scanAllAt(t, tab, mvcc.SnapshotAtTimestamp(tsInsert))
	require.Equal(t, map[string]int64{"k1": 10}, rows)
	// A snapshot at the mutation timestamp sees the update.
	rows, _ = scanAllAt(t, tab, mvcc.SnapshotAtTimestamp(tsMutate))
	require.Equal(t, map[string]int64{"k1": 11}, rows)
	// A snapshot before the insert sees nothing.
	rows, _ = scanAllAt(t, tab, mvcc.SnapshotAtTimestamp(tsInsert-1))
	require.Empty(t, rows)
}

func TestFlushAndScanInKeyOrder(t *testing.T) {
	tab := newTestTablet(t, nil)
	for i := 0; i < 100; i++ {
		insertRow(t, tab, fmt.Sprintf("k%03d", i), int64(i))
	}
	require.NoError(t, tab.Flush())
	require.Equal(t, 1, tab.NumRowSets())

	insertRow(t, tab, "k100", 100)

	rows, keys := scanAll(t, tab)
	require.Len(t, rows, 101)
	for i := 0; i < 101; i++ {
		want := fmt.Sprintf("k%03d", i)
		require.Equal(t, want, keys[i])
		require.Equal(t, int64(i), rows[want])
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	tab := newTestTablet(t, nil)
	require.NoError(t, tab.Flush())
	require.Equal(t, 0, tab.NumRowSets())
	require.Equal(t, int64(1), tab.CurrentMemRowSetID())
}

func TestConcurrentDuplicateInsert(t *testing.T) {
	for iter := 0; iter < 20; iter++ {
		tab := newTestTablet(t, nil)
		row, err := tab.Schema().NewRow(base.StringValue([]byte("k1")), base.Int64Value(1))
		require.NoError(t, err)

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = tab.Insert(row)
			}(i)
		}
		wg.Wait()

		okCount, dupCount := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				okCount++
			case base.IsAlreadyPresent(err):
				dupCount++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, okCount)
		require.Equal(t, 1, dupCount)
	}
}

func TestCountRows(t *testing.T) {
	tab := newTestTablet(t, nil)
	for i := 0; i < 10; i++ {
		insertRow(t, tab, fmt.Sprintf("k%02d", i), int64(i))
	}
	n, err := tab.CountRows()
	require.NoError(t, err)
	require.Equal(t, int64(10), n)

	deleteRow(t, tab, "k03")
	n, err = tab.CountRows()
	require.NoError(t, err)
	require.Equal(t, int64(9), n)

	require.NoError(t, tab.Flush())
	n, err = tab.CountRows()
	require.NoError(t, err)
	require.Equal(t, int64(9), n)

	// A delete against the flushed rowset lands in its delta store.
	deleteRow(t, tab, "k05")
	n, err = tab.CountRows()
	require.NoError(t, err)
	require.Equal(t, int64(8), n)
}

func TestDeleteThenReinsertRejected(t *testing.T) {
	tab := newTestTablet(t, nil)
	insertRow(t, tab, "k1", 1)
	deleteRow(t, tab, "k1")
	// The key still occupies its store; reinserting is rejected.
	row, err := tab.Schema().NewRow(base.StringValue([]byte("k1")), base.Int64Value(2))
	require.NoError(t, err)
	err = tab.Insert(row)
	require.True(t, base.IsAlreadyPresent(err))
}

func TestMemoryBudgetTriggersUnavailable(t *testing.T) {
	tab := newTestTablet(t, &Options{MemBudgetBytes: 256})
	var sawUnavailable bool
	for i := 0; i < 100; i++ {
		row, err := tab.Schema().NewRow(
			base.StringValue([]byte(fmt.Sprintf("key-%04d", i))), base.Int64Value(int64(i)))
		require.NoError(t, err)
		if err := tab.Insert(row); err != nil {
			require.True(t, base.IsServiceUnavailable(err))
			sawUnavailable = true
			break
		}
	}
	require.True(t, sawUnavailable)

	// Flushing frees the budget and writes proceed again.
	require.NoError(t, tab.Flush())
	insertRow(t, tab, "zzz", 1)
}

func TestReopenFromMetadata(t *testing.T) {
	fs := vfs.NewMem()
	tab := newTestTablet(t, &Options{FS: fs})
	for i := 0; i < 20; i++ {
		insertRow(t, tab, fmt.Sprintf("k%02d", i), int64(i))
	}
	require.NoError(t, tab.Flush())
	mutateRow(t, tab, "k07", 700)
	require.NoError(t, tab.FlushBiggestDMS())
	deleteRow(t, tab, "k09")
	require.NoError(t, tab.FlushBiggestDMS())

	meta, err := LoadTabletMetadata(fs, "tablet")
	require.NoError(t, err)
	reopened, err := Open(meta, &Options{FS: fs})
	require.NoError(t, err)

	rows, _ := scanAll(t, reopened)
	require.Len(t, rows, 19)
	require.Equal(t, int64(700), rows["k07"])
	_, ok := rows["k09"]
	require.False(t, ok)
}

func TestStartTransactionAtReplay(t *testing.T) {
	tab := newTestTablet(t, nil)

	tx := tab.NewWriteTransaction()
	row, err := tab.Schema().NewRow(base.StringValue([]byte("k1")), base.Int64Value(1))
	require.NoError(t, err)
	p, err := tab.CreatePreparedInsert(tx, row)
	require.NoError(t, err)
	require.NoError(t, tab.StartTransactionAt(tx, 100))
	require.NoError(t, tab.InsertUnlocked(tx, p))
	tab.CommitTransaction(tx)

	// Replaying at or below the committed high-water fails.
	tx = tab.NewWriteTransaction()
	err = tab.StartTransactionAt(tx, 100)
	require.ErrorIs(t, err, base.ErrInvalidTimestamp)
	tab.AbortTransaction(tx)

	rows, _ := scanAllAt(t, tab, mvcc.SnapshotAtTimestamp(100))
	require.Equal(t, map[string]int64{"k1": 1}, rows)
}

func TestDebugDumpAndLayout(t *testing.T) {
	tab := newTestTablet(t, nil)
	insertRow(t, tab, "k1", 1)
	require.NoError(t, tab.Flush())
	insertRow(t, tab, "k2", 2)

	var lines []string
	require.NoError(t, tab.DebugDump(&lines))
	require.GreaterOrEqual(t, len(lines), 4)

	var buf strings.Builder
	tab.PrintRowSetLayout(&buf)
	require.Contains(t, buf.String(), "DiskRowSet")
}

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
)

func newTestMRS(t *testing.T) (*MemRowSet, *base.Schema) {
	t.Helper()
	schema := testSchema(t)
	return NewMemRowSet(1, schema, nil), schema
}

func mrsProbe(t *testing.T, schema *base.Schema, key string) *RowSetKeyProbe {
	t.Helper()
	row := base.Row{Values: []base.Value{base.StringValue([]byte(key)), base.NullValue()}}
	probe, err := NewRowSetKeyProbe(schema, row)
	require.NoError(t, err)
	return probe
}

func mrsInsert(t *testing.T, m *MemRowSet, schema *base.Schema, ts base.Timestamp, key string, val int64) error {
	t.Helper()
	row, err := schema.NewRow(base.StringValue([]byte(key)), base.Int64Value(val))
	require.NoError(t, err)
	probe, err := NewRowSetKeyProbe(schema, row)
	require.NoError(t, err)
	return m.Insert(ts, probe.EncodedKey, row)
}

func TestMemRowSetInsertAndIterate(t *testing.T) {
	m, schema := newTestMRS(t)
	require.True(t, m.IsEmpty())
	// Insert out of key order.
	require.NoError(t, mrsInsert(t, m, schema, 3, "c", 3))
	require.NoError(t, mrsInsert(t, m, schema, 1, "a", 1))
	require.NoError(t, mrsInsert(t, m, schema, 2, "b", 2))

	it, err := m.NewRowIterator(nil, mvcc.SnapshotIncludingAll())
	require.NoError(t, err)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Row().Values[0].S))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"a", "b", "c"}, keys)
	require.False(t, m.IsEmpty())
	require.Positive(t, m.SizeBytes())
}

func TestMemRowSetDuplicateInsert(t *testing.T) {
	m, schema := newTestMRS(t)
	require.NoError(t, mrsInsert(t, m, schema, 1, "a", 1))
	err := mrsInsert(t, m, schema, 2, "a", 2)
	require.True(t, base.IsAlreadyPresent(err))
}

func TestMemRowSetMutationChainVisibility(t *testing.T) {
	m, schema := newTestMRS(t)
	require.NoError(t, mrsInsert(t, m, schema, 1, "a", 10))
	probe := mrsProbe(t, schema, "a")

	for i, ts := range []base.Timestamp{2, 5, 9} {
		require.NoError(t, m.MutateRow(ts, probe,
			base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(int64(100 + i))})))
	}

	read := func(ts base.Timestamp) (int64, bool) {
		it, err := m.NewRowIterator(nil, mvcc.SnapshotAtTimestamp(ts))
		require.NoError(t, err)
		if !it.Next() {
			require.NoError(t, it.Err())
			return 0, false
		}
		return it.Row().Values[1].I, true
	}

	if _, visible := read(0); visible {
		t.Fatal("row visible before its insert timestamp")
	}
	for _, tc := range []struct {
		ts   base.Timestamp
		want int64
	}{{1, 10}, {2, 100}, {4, 100}, {5, 101}, {9, 102}, {100, 102}} {
		got, visible := read(tc.ts)
		require.True(t, visible, "ts=%d", tc.ts)
		require.Equal(t, tc.want, got, "ts=%d", tc.ts)
	}
}

func TestMemRowSetMutationChainOrdered(t *testing.T) {
	m, schema := newTestMRS(t)
	require.NoError(t, mrsInsert(t, m, schema, 1, "a", 10))
	probe := mrsProbe(t, schema, "a")
	require.NoError(t, m.MutateRow(5, probe,
		base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(1)})))
	// A mutation that does not advance the chain violates the write
	// protocol.
	err := m.MutateRow(5, probe,
		base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(2)}))
	require.Error(t, err)
	err = m.MutateRow(3, probe,
		base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(3)}))
	require.Error(t, err)
}

func TestMemRowSetDelete(t *testing.T) {
	m, schema := newTestMRS(t)
	require.NoError(t, mrsInsert(t, m, schema, 1, "a", 1))
	probe := mrsProbe(t, schema, "a")
	require.NoError(t, m.MutateRow(2, probe, base.DeleteChange()))

	n, err := m.CountRows()
	require.NoError(t, err)
	require.Zero(t, n)

	// Still present for write-path purposes.
	present, err := m.CheckRowPresent(probe)
	require.NoError(t, err)
	require.True(t, present)

	// Visible at a snapshot that excludes the delete.
	it, err := m.NewRowIterator(nil, mvcc.SnapshotAtTimestamp(1))
	require.NoError(t, err)
	require.True(t, it.Next())
}

func TestMemRowSetMissedMutations(t *testing.T) {
	clock := base.NewLogicalClock(1)
	mgr := mvcc.NewManager(clock)
	m, schema := newTestMRS(t)

	ts1 := mgr.StartTransaction()
	require.NoError(t, mrsInsert(t, m, schema, ts1, "a", 1))
	mgr.CommitTransaction(ts1)
	s1 := mgr.TakeSnapshot()

	probe := mrsProbe(t, schema, "a")
	ts2 := mgr.StartTransaction()
	require.NoError(t, m.MutateRow(ts2, probe,
		base.UpdateChange(base.ColumnUpdate{ColID: 1, Value: base.Int64Value(2)})))
	mgr.CommitTransaction(ts2)
	s2 := mgr.TakeSnapshot()

	missed, err := m.MissedMutations(s1, s2)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	require.Equal(t, ts2, missed[0].ts)

	// Nothing missed within one snapshot.
	missed, err = m.MissedMutations(s2, s2)
	require.NoError(t, err)
	require.Empty(t, missed)
}

func TestMemRowSetMinMaxKeys(t *testing.T) {
	m, schema := newTestMRS(t)
	for i := 5; i > 0; i-- {
		require.NoError(t, mrsInsert(t, m, schema, base.Timestamp(10-i), fmt.Sprintf("k%d", i), int64(i)))
	}
	require.Equal(t, "k1", string(m.MinKey()))
	require.Equal(t, "k5", string(m.MaxKey()))
}

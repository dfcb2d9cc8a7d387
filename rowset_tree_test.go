// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
)

// stubRowSet is a RowSet with just enough behavior for tree tests.
type stubRowSet struct {
	name           string
	minKey, maxKey []byte
	lock           sync.Mutex
}

func (s *stubRowSet) CheckRowPresent(*RowSetKeyProbe) (bool, error) { return false, nil }
func (s *stubRowSet) MutateRow(base.Timestamp, *RowSetKeyProbe, base.RowChangeList) error {
	return base.ErrNotFound
}
func (s *stubRowSet) NewRowIterator(*base.Schema, mvcc.Snapshot) (RowIterator, error) {
	return nil, base.ErrNotFound
}
func (s *stubRowSet) CountRows() (int64, error)  { return 0, nil }
func (s *stubRowSet) EstimateOnDiskSize() int64  { return 0 }
func (s *stubRowSet) MinKey() []byte             { return s.minKey }
func (s *stubRowSet) MaxKey() []byte             { return s.maxKey }
func (s *stubRowSet) DeltaMemStoreSize() int64   { return 0 }
func (s *stubRowSet) CompactFlushLock() *sync.Mutex { return &s.lock }
func (s *stubRowSet) DebugString() string        { return s.name }
func (s *stubRowSet) MissedMutations(mvcc.Snapshot, mvcc.Snapshot) ([]missedMutation, error) {
	return nil, nil
}

func stub(name, minKey, maxKey string) *stubRowSet {
	return &stubRowSet{name: name, minKey: []byte(minKey), maxKey: []byte(maxKey)}
}

func namesOf(rowsets []RowSet) []string {
	names := make([]string, len(rowsets))
	for i, rs := range rowsets {
		names[i] = rs.DebugString()
	}
	return names
}

func TestRowSetTreeFindForKey(t *testing.T) {
	a := stub("a", "a", "f")
	b := stub("b", "c", "m")
	c := stub("c", "p", "z")
	tree := NewRowSetTree([]RowSet{a, b, c})

	require.ElementsMatch(t, []string{"a"}, namesOf(tree.FindRowSetsForKey([]byte("b"))))
	require.ElementsMatch(t, []string{"a", "b"}, namesOf(tree.FindRowSetsForKey([]byte("d"))))
	require.ElementsMatch(t, []string{"b"}, namesOf(tree.FindRowSetsForKey([]byte("g"))))
	require.Empty(t, tree.FindRowSetsForKey([]byte("n")))
	require.ElementsMatch(t, []string{"c"}, namesOf(tree.FindRowSetsForKey([]byte("p"))))
	require.ElementsMatch(t, []string{"c"}, namesOf(tree.FindRowSetsForKey([]byte("z"))))
	require.Empty(t, tree.FindRowSetsForKey([]byte("zz")))

	// Range boundaries are inclusive.
	require.ElementsMatch(t, []string{"a"}, namesOf(tree.FindRowSetsForKey([]byte("a"))))
	require.ElementsMatch(t, []string{"a", "b"}, namesOf(tree.FindRowSetsForKey([]byte("f"))))
}

func TestRowSetTreeWithModified(t *testing.T) {
	a := stub("a", "a", "f")
	b := stub("b", "c", "m")
	tree := NewRowSetTree([]RowSet{a, b})

	merged := stub("merged", "a", "m")
	next, err := tree.WithModified([]RowSet{a, b}, []RowSet{merged})
	require.NoError(t, err)
	require.Equal(t, 1, next.Len())
	require.ElementsMatch(t, []string{"merged"}, namesOf(next.FindRowSetsForKey([]byte("d"))))

	// The original tree is untouched.
	require.Equal(t, 2, tree.Len())

	// Removing something absent is a broken invariant.
	_, err = tree.WithModified([]RowSet{a}, nil)
	require.Error(t, err)
}

func TestMemTrackerBudget(t *testing.T) {
	tr := NewMemTracker(100)
	require.NoError(t, tr.CheckBudget(50))
	tr.Consume(80)
	require.NoError(t, tr.CheckBudget(20))
	err := tr.CheckBudget(21)
	require.True(t, base.IsServiceUnavailable(err))
	tr.Release(80)
	require.NoError(t, tr.CheckBudget(100))

	unlimited := NewMemTracker(0)
	unlimited.Consume(1 << 40)
	require.NoError(t, unlimited.CheckBudget(1<<40))
}

func TestInMemAnchorRegistry(t *testing.T) {
	reg := NewInMemAnchorRegistry()
	_, found := reg.MinAnchoredOp()
	require.False(t, found)

	a1, err := reg.Anchor("mrs-1", OpID{Term: 1, Index: 10})
	require.NoError(t, err)
	a2, err := reg.Anchor("mrs-2", OpID{Term: 1, Index: 5})
	require.NoError(t, err)

	op, found := reg.MinAnchoredOp()
	require.True(t, found)
	require.Equal(t, int64(5), op.Index)

	require.NoError(t, a2.Release())
	op, found = reg.MinAnchoredOp()
	require.True(t, found)
	require.Equal(t, int64(10), op.Index)

	// Releasing twice is a no-op.
	require.NoError(t, a2.Release())
	require.NoError(t, a1.Release())
	_, found = reg.MinAnchoredOp()
	require.False(t, found)
}

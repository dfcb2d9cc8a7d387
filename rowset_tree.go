// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// RowSetTree indexes the tablet's rowsets by key range, answering "which
// rowsets can contain key K". It is immutable once published: flush and
// compaction build a modified copy and swap it in with fresh components.
type RowSetTree struct {
	tree *btree.BTreeG[*rowSetInterval]
	all  []RowSet
}

type rowSetInterval struct {
	minKey []byte
	seq    int
	rs     RowSet
}

func rowSetIntervalLess(a, b *rowSetInterval) bool {
	if c := bytes.Compare(a.minKey, b.minKey); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

// NewRowSetTree builds a tree over the given rowsets.
func NewRowSetTree(rowsets []RowSet) *RowSetTree {
	t := &RowSetTree{tree: btree.NewG(8, rowSetIntervalLess)}
	for i, rs := range rowsets {
		t.tree.ReplaceOrInsert(&rowSetInterval{minKey: rs.MinKey(), seq: i, rs: rs})
		t.all = append(t.all, rs)
	}
	return t
}

// Len returns the number of rowsets.
func (t *RowSetTree) Len() int { return len(t.all) }

// All returns the rowsets in the order they were added to the tree; it is
// not sorted by key. The returned slice is shared;
// callers must not modify it.
func (t *RowSetTree) All() []RowSet { return t.all }

// FindRowSetsForKey returns the rowsets whose key range admits key. Range
// pruning happens here; bloom pruning is each rowset's business.
func (t *RowSetTree) FindRowSetsForKey(key []byte) []RowSet {
	var out []RowSet
	t.tree.AscendLessThan(&rowSetInterval{minKey: append(append([]byte(nil), key...), 0), seq: -1},
		func(iv *rowSetInterval) bool {
			if bytes.Compare(iv.rs.MaxKey(), key) >= 0 {
				out = append(out, iv.rs)
			}
			return true
		})
	return out
}

// WithModified returns a new tree with the given rowsets removed (matched by
// identity) and added. Used by the swap protocol at phase boundaries.
func (t *RowSetTree) WithModified(remove, add []RowSet) (*RowSetTree, error) {
	removed := make(map[RowSet]bool, len(remove))
	for _, rs := range remove {
		removed[rs] = false
	}
	var next []RowSet
	for _, rs := range t.all {
		if _, ok := removed[rs]; ok {
			removed[rs] = true
			continue
		}
		next = append(next, rs)
	}
	for rs, found := range removed {
		if !found {
			return nil, errors.AssertionFailedf("rowset %s not present in tree", rs.DebugString())
		}
	}
	next = append(next, add...)
	return NewRowSetTree(next), nil
}

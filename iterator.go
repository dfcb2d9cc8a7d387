// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"container/heap"

	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
)

// RowIterator yields rows in ascending encoded-key order. Usage:
//
//	for it.Next() { use it.Key(), it.Row() }
//	err := it.Err()
//	it.Close()
type RowIterator interface {
	Next() bool
	Key() []byte
	Row() base.Row
	Err() error
	Close() error
}

// mergeIterator merges child iterators in key order. Keys are disjoint across
// the rowsets of a tablet, so ties indicate a broken invariant.
type mergeIterator struct {
	children []RowIterator
	h        iterHeap
	inited   bool

	key []byte
	row base.Row
	err error

	// onClose runs when the iterator closes, releasing whatever references
	// kept the underlying stores alive.
	onClose func()
}

func newMergeIterator(children []RowIterator, onClose func()) *mergeIterator {
	return &mergeIterator{children: children, onClose: onClose}
}

type heapEntry struct {
	it RowIterator
}

type iterHeap []heapEntry

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].it.Key(), h[j].it.Key()) < 0
}
func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x interface{}) {
	*h = append(*h, x.(heapEntry))
}
func (h *iterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (m *mergeIterator) init() {
	for _, it := range m.children {
		if it.Next() {
			m.h = append(m.h, heapEntry{it: it})
		} else if err := it.Err(); err != nil {
			m.err = err
			return
		}
	}
	heap.Init(&m.h)
	m.inited = true
}

func (m *mergeIterator) Next() bool {
	if m.err != nil {
		return false
	}
	if !m.inited {
		m.init()
		if m.err != nil {
			return false
		}
	}
	if len(m.h) == 0 {
		return false
	}
	top := m.h[0].it
	if m.key != nil && bytes.Equal(top.Key(), m.key) {
		m.err = errors.AssertionFailedf("key %q present in more than one rowset", m.key)
		return false
	}
	m.key = append(m.key[:0], top.Key()...)
	m.row = top.Row()
	if top.Next() {
		heap.Fix(&m.h, 0)
	} else {
		if err := top.Err(); err != nil {
			m.err = err
			return false
		}
		heap.Pop(&m.h)
	}
	return true
}

func (m *mergeIterator) Key() []byte   { return m.key }
func (m *mergeIterator) Row() base.Row { return m.row }
func (m *mergeIterator) Err() error    { return m.err }

func (m *mergeIterator) Close() error {
	var err error
	for _, it := range m.children {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if m.onClose != nil {
		m.onClose()
		m.onClose = nil
	}
	return err
}

// NewRowIterator opens a snapshot-consistent scan of the tablet under the
// given projection, as of now: it captures the current components and a
// fresh MVCC snapshot. A nil projection scans the full schema.
func (t *Tablet) NewRowIterator(proj *base.Schema) (RowIterator, error) {
	return t.NewRowIteratorAt(proj, t.mvcc.TakeSnapshot())
}

// NewRowIteratorAt is NewRowIterator for a caller-supplied snapshot.
func (t *Tablet) NewRowIteratorAt(proj *base.Schema, snap mvcc.Snapshot) (RowIterator, error) {
	comps := t.loadComponents()
	if proj == nil {
		proj = comps.schema
	}
	iters := make([]RowIterator, 0, 1+comps.rowSets.Len())
	ok := false
	defer func() {
		if !ok {
			for _, it := range iters {
				it.Close()
			}
			comps.unref()
		}
	}()

	mrsIter, err := comps.memRowSet.NewRowIterator(proj, snap)
	if err != nil {
		return nil, err
	}
	iters = append(iters, mrsIter)
	for _, rs := range comps.rowSets.All() {
		it, err := rs.NewRowIterator(proj, snap)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}
	ok = true
	return newMergeIterator(iters, comps.unref), nil
}

// CountRows counts the keys that have no visible delete, under a snapshot
// including all committed writes. A key whose delete is followed by updates
// is not counted: updates do not revive a deleted row.
func (t *Tablet) CountRows() (int64, error) {
	comps := t.loadComponents()
	defer comps.unref()
	total, err := comps.memRowSet.CountRows()
	if err != nil {
		return 0, err
	}
	for _, rs := range comps.rowSets.All() {
		n, err := rs.CountRows()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

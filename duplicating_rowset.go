// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
)

// duplicatingRowSet stands in for a set of rowsets while a flush or
// compaction rewrites them. Reads are served from the old inputs, which stay
// current because mutations keep landing there; every mutation is also
// recorded in the output's DeltaMemStore, which the duplicator shares by
// identity with the rowset being written. Once the output is swapped in, the
// mutations routed here are already part of it.
//
// Its compact/flush lock is held from construction until the duplicator is
// discarded, so no second compaction can select it.
type duplicatingRowSet struct {
	inputs []RowSet

	// sink receives the output-bound copy of each mutation until the output
	// rowset opens; it becomes the output's initial DeltaMemStore. Once
	// setOutput is called, mutations go through the output's DeltaTracker
	// instead, so they keep landing correctly even if the output's store is
	// flushed underneath a straggling writer.
	sink *DeltaMemStore

	outputMu sync.RWMutex
	output   *DiskRowSet

	compactFlushLock sync.Mutex

	minKey, maxKey []byte
}

// setOutput redirects the output-bound side of mutation routing to the
// opened output rowset.
func (d *duplicatingRowSet) setOutput(rs *DiskRowSet) {
	d.outputMu.Lock()
	d.output = rs
	d.outputMu.Unlock()
}

func newDuplicatingRowSet(inputs []RowSet, sink *DeltaMemStore) *duplicatingRowSet {
	if len(inputs) == 0 {
		panic(errors.AssertionFailedf("duplicating rowset requires at least one input"))
	}
	d := &duplicatingRowSet{inputs: inputs, sink: sink}
	for _, rs := range inputs {
		if d.minKey == nil || bytes.Compare(rs.MinKey(), d.minKey) < 0 {
			d.minKey = rs.MinKey()
		}
		if bytes.Compare(rs.MaxKey(), d.maxKey) > 0 {
			d.maxKey = rs.MaxKey()
		}
	}
	d.compactFlushLock.Lock()
	return d
}

// CheckRowPresent implements RowSet, consulting only the old inputs.
func (d *duplicatingRowSet) CheckRowPresent(probe *RowSetKeyProbe) (bool, error) {
	for _, rs := range d.inputs {
		present, err := rs.CheckRowPresent(probe)
		if err != nil || present {
			return present, err
		}
	}
	return false, nil
}

// MutateRow implements RowSet: the mutation goes to the unique old input
// containing the key and to the output's delta store.
func (d *duplicatingRowSet) MutateRow(
	ts base.Timestamp, probe *RowSetKeyProbe, change base.RowChangeList,
) error {
	for _, rs := range d.inputs {
		present, err := rs.CheckRowPresent(probe)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		if err := rs.MutateRow(ts, probe, change); err != nil {
			return err
		}
		d.outputMu.RLock()
		out := d.output
		d.outputMu.RUnlock()
		if out != nil {
			out.deltas.Add(probe.EncodedKey, ts, change)
		} else {
			d.sink.Add(probe.EncodedKey, ts, change)
		}
		return nil
	}
	return base.MarkNotFound(errors.Newf("key %q not found in any compaction input", probe.EncodedKey))
}

// NewRowIterator implements RowSet, merging the old inputs.
func (d *duplicatingRowSet) NewRowIterator(proj *base.Schema, snap mvcc.Snapshot) (RowIterator, error) {
	iters := make([]RowIterator, 0, len(d.inputs))
	for _, rs := range d.inputs {
		it, err := rs.NewRowIterator(proj, snap)
		if err != nil {
			for _, open := range iters {
				open.Close()
			}
			return nil, err
		}
		iters = append(iters, it)
	}
	return newMergeIterator(iters, nil), nil
}

// CountRows implements RowSet.
func (d *duplicatingRowSet) CountRows() (int64, error) {
	var total int64
	for _, rs := range d.inputs {
		n, err := rs.CountRows()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// EstimateOnDiskSize implements RowSet.
func (d *duplicatingRowSet) EstimateOnDiskSize() int64 {
	var total int64
	for _, rs := range d.inputs {
		total += rs.EstimateOnDiskSize()
	}
	return total
}

// MinKey implements RowSet.
func (d *duplicatingRowSet) MinKey() []byte { return d.minKey }

// MaxKey implements RowSet.
func (d *duplicatingRowSet) MaxKey() []byte { return d.maxKey }

// DeltaMemStoreSize implements RowSet.
func (d *duplicatingRowSet) DeltaMemStoreSize() int64 {
	var total int64
	for _, rs := range d.inputs {
		total += rs.DeltaMemStoreSize()
	}
	return total
}

// MissedMutations implements RowSet.
func (d *duplicatingRowSet) MissedMutations(s1, s2 mvcc.Snapshot) ([]missedMutation, error) {
	var out []missedMutation
	for _, rs := range d.inputs {
		missed, err := rs.MissedMutations(s1, s2)
		if err != nil {
			return nil, err
		}
		out = append(out, missed...)
	}
	return out, nil
}

// CompactFlushLock implements RowSet. The lock is held for the duplicator's
// whole lifetime, so TryLock always fails and no compaction can select it.
func (d *duplicatingRowSet) CompactFlushLock() *sync.Mutex { return &d.compactFlushLock }

// DebugString implements RowSet.
func (d *duplicatingRowSet) DebugString() string {
	names := make([]string, len(d.inputs))
	for i, rs := range d.inputs {
		names[i] = rs.DebugString()
	}
	return fmt.Sprintf("DuplicatingRowSet(%s)", strings.Join(names, ", "))
}

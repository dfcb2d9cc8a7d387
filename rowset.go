// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync"

	"github.com/basaltdb/basalt/bloom"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/mvcc"
)

// RowSetKeyProbe bundles the lookups a write performs repeatedly for one key:
// the encoded primary key and its precomputed bloom hash. Building the probe
// once per write means each candidate rowset's bloom filter is probed without
// rehashing.
type RowSetKeyProbe struct {
	EncodedKey []byte
	BloomHash  bloom.Hash
}

// NewRowSetKeyProbe encodes the key columns of row under schema.
func NewRowSetKeyProbe(schema *base.Schema, row base.Row) (*RowSetKeyProbe, error) {
	key, err := schema.EncodeKey(nil, row)
	if err != nil {
		return nil, err
	}
	return &RowSetKeyProbe{
		EncodedKey: key,
		BloomHash:  bloom.MakeHash(key),
	}, nil
}

// missedMutation is a mutation found on a frozen compaction input that must
// be reapplied onto the compaction output.
type missedMutation struct {
	key    []byte
	ts     base.Timestamp
	change base.RowChangeList
}

// RowSet is the interface shared by the stores a key can live in: the
// in-memory MemRowSet, an on-disk DiskRowSet, and the transient
// DuplicatingRowSet used during flush/compaction windows. Keys are disjoint
// across the rowsets of a tablet.
type RowSet interface {
	// CheckRowPresent reports whether the rowset contains the probed key,
	// regardless of deletion state.
	CheckRowPresent(probe *RowSetKeyProbe) (bool, error)

	// MutateRow appends a mutation for the probed key at ts. Returns NotFound
	// if the key is not present.
	MutateRow(ts base.Timestamp, probe *RowSetKeyProbe, change base.RowChangeList) error

	// NewRowIterator opens an iterator over the rowset's rows projected to
	// proj and filtered by snap, in key order.
	NewRowIterator(proj *base.Schema, snap mvcc.Snapshot) (RowIterator, error)

	// CountRows returns the number of live rows under a snapshot including
	// all committed writes.
	CountRows() (int64, error)

	// EstimateOnDiskSize returns the rowset's approximate on-disk footprint.
	EstimateOnDiskSize() int64

	// MinKey and MaxKey bound the encoded keys stored in the rowset.
	MinKey() []byte
	MaxKey() []byte

	// DeltaMemStoreSize returns the bytes held by the rowset's in-memory
	// delta buffer.
	DeltaMemStoreSize() int64

	// MissedMutations collects the mutations visible to s2 but not to s1.
	// Results are gathered store by store, so they are not sorted by key
	// across the rowset's stores. Used by Phase 3 of the swap protocol.
	MissedMutations(s1, s2 mvcc.Snapshot) ([]missedMutation, error)

	// CompactFlushLock returns the advisory lock that guards the rowset
	// against concurrent selection by more than one flush/compaction.
	CompactFlushLock() *sync.Mutex

	// DebugString names the rowset for logs and dumps.
	DebugString() string
}

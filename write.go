// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/bloom"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/internal/rowlock"
)

// The write path is a two-phase protocol. Prepare acquires the row lock and
// builds the key probe, before any timestamp exists. Start then assigns the
// MVCC timestamp while capturing the components under the components
// read-lock: the pairing is what lets a flusher account for every writer its
// snapshot admits. Apply routes the write to the captured components, and
// commit/abort finishes the MVCC transaction before the row lock is
// released.
//
// Taking the row lock strictly before the timestamp means that, per key,
// timestamps are assigned in lock-acquisition order, which is also the order
// mutations are appended. Without it, two writers could commit mutations on
// one key with timestamps inverted relative to their apply order.

// WriteTransaction carries the state of one write through the
// prepare/start/apply/commit protocol.
type WriteTransaction struct {
	tablet     *Tablet
	timestamp  base.Timestamp
	components *tabletComponents
	prepared   []*PreparedRowWrite
	opID       OpID
	hasOpID    bool
	started    bool
	finished   bool
}

// NewWriteTransaction returns an empty transaction.
func (t *Tablet) NewWriteTransaction() *WriteTransaction {
	return &WriteTransaction{tablet: t}
}

// SetOpID attaches the WAL position of the replicated operation driving this
// transaction; the tablet anchors it while the data is only in memory.
func (tx *WriteTransaction) SetOpID(op OpID) {
	tx.opID = op
	tx.hasOpID = true
}

// Timestamp returns the transaction's assigned timestamp; zero before Start.
func (tx *WriteTransaction) Timestamp() base.Timestamp { return tx.timestamp }

// PreparedWriteKind discriminates prepared row writes.
type PreparedWriteKind int8

const (
	// PreparedInsert inserts a new row.
	PreparedInsert PreparedWriteKind = iota
	// PreparedMutate updates or deletes an existing row.
	PreparedMutate
)

// PreparedRowWrite holds one row's write with its row lock held. Created
// before the MVCC transaction starts, destroyed when the transaction commits
// or aborts.
type PreparedRowWrite struct {
	kind   PreparedWriteKind
	probe  *RowSetKeyProbe
	row    base.Row
	change base.RowChangeList
	lock   *rowlock.RowLock
}

// Kind returns the prepared write's kind.
func (p *PreparedRowWrite) Kind() PreparedWriteKind { return p.kind }

// Probe returns the prepared write's key probe.
func (p *PreparedRowWrite) Probe() *RowSetKeyProbe { return p.probe }

// CreatePreparedInsert validates row against the current schema, encodes its
// key, acquires the row lock and registers the prepared write with tx. Must
// be called before StartTransaction.
func (t *Tablet) CreatePreparedInsert(tx *WriteTransaction, row base.Row) (*PreparedRowWrite, error) {
	if tx.started {
		return nil, errors.AssertionFailedf("prepared insert created after the transaction started")
	}
	schema := t.Schema()
	if row.Schema == nil {
		row.Schema = schema
	}
	checked, err := schema.NewRow(row.Values...)
	if err != nil {
		return nil, err
	}
	key, err := schema.EncodeKey(nil, checked)
	if err != nil {
		return nil, err
	}
	p := &PreparedRowWrite{
		kind:  PreparedInsert,
		row:   checked,
		probe: &RowSetKeyProbe{EncodedKey: key, BloomHash: bloom.MakeHash(key)},
	}
	p.lock = t.locks.Lock(key)
	tx.prepared = append(tx.prepared, p)
	return p, nil
}

// CreatePreparedMutate encodes the key columns of keyRow, validates the
// changelist, acquires the row lock and registers the prepared write with tx.
func (t *Tablet) CreatePreparedMutate(
	tx *WriteTransaction, keyRow base.Row, change base.RowChangeList,
) (*PreparedRowWrite, error) {
	if tx.started {
		return nil, errors.AssertionFailedf("prepared mutate created after the transaction started")
	}
	schema := t.Schema()
	if keyRow.Schema == nil {
		keyRow.Schema = schema
	}
	if err := change.Validate(schema); err != nil {
		return nil, err
	}
	key, err := schema.EncodeKey(nil, keyRow)
	if err != nil {
		return nil, err
	}
	p := &PreparedRowWrite{
		kind:   PreparedMutate,
		change: change,
		probe:  &RowSetKeyProbe{EncodedKey: key, BloomHash: bloom.MakeHash(key)},
	}
	p.lock = t.locks.Lock(key)
	tx.prepared = append(tx.prepared, p)
	return p, nil
}

// StartTransaction assigns tx a fresh timestamp and captures the current
// components. Both happen under one acquisition of the components read-lock;
// see the package comment above.
func (t *Tablet) StartTransaction(tx *WriteTransaction) {
	t.componentsMu.RLock()
	tx.components = t.components
	tx.components.ref()
	tx.timestamp = t.mvcc.StartTransaction()
	t.componentsMu.RUnlock()
	tx.started = true
}

// StartTransactionAt is StartTransaction with a caller-supplied timestamp,
// used when replaying the WAL. Fails with InvalidTimestamp if ts does not
// respect monotonicity.
func (t *Tablet) StartTransactionAt(tx *WriteTransaction, ts base.Timestamp) error {
	t.componentsMu.RLock()
	defer t.componentsMu.RUnlock()
	if err := t.mvcc.StartTransactionAt(ts); err != nil {
		return err
	}
	tx.components = t.components
	tx.components.ref()
	tx.timestamp = ts
	tx.started = true
	return nil
}

// InsertUnlocked applies a prepared insert under tx's timestamp. The row
// lock and MVCC transaction must already be held; this is the form the
// replication layer drives directly.
func (t *Tablet) InsertUnlocked(tx *WriteTransaction, p *PreparedRowWrite) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if !tx.started {
		return errors.AssertionFailedf("insert applied before the transaction started")
	}
	if p.kind != PreparedInsert {
		return errors.AssertionFailedf("InsertUnlocked with a %v prepared write", p.kind)
	}
	if err := t.tracker.CheckBudget(rowFootprint(p.probe.EncodedKey, p.row)); err != nil {
		return err
	}

	comps := tx.components
	// The key must be absent everywhere: the active MemRowSet and every
	// rowset whose range and bloom filter admit it.
	present, err := comps.memRowSet.CheckRowPresent(p.probe)
	if err != nil {
		return err
	}
	if !present {
		for _, rs := range comps.rowSets.FindRowSetsForKey(p.probe.EncodedKey) {
			if present, err = rs.CheckRowPresent(p.probe); err != nil {
				return err
			}
			if present {
				break
			}
		}
	}
	if present {
		t.metrics.InsertDupKeys.Inc()
		return base.MarkAlreadyPresent(errors.Newf("key %q already present", p.probe.EncodedKey))
	}

	if err := comps.memRowSet.Insert(tx.timestamp, p.probe.EncodedKey, p.row); err != nil {
		if base.IsAlreadyPresent(err) {
			t.metrics.InsertDupKeys.Inc()
		}
		return err
	}
	if tx.hasOpID {
		t.anchorWAL(tx.opID, comps.memRowSet.ID())
	}
	t.metrics.RowsInserted.Inc()
	t.metrics.MemRowSetSize.Set(float64(comps.memRowSet.SizeBytes()))
	return nil
}

// MutateRowUnlocked applies a prepared mutation under tx's timestamp. The
// unique rowset containing the key receives the mutation; a DuplicatingRowSet
// routes it internally.
func (t *Tablet) MutateRowUnlocked(tx *WriteTransaction, p *PreparedRowWrite) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if !tx.started {
		return errors.AssertionFailedf("mutation applied before the transaction started")
	}
	if p.kind != PreparedMutate {
		return errors.AssertionFailedf("MutateRowUnlocked with a %v prepared write", p.kind)
	}

	comps := tx.components
	present, err := comps.memRowSet.CheckRowPresent(p.probe)
	if err != nil {
		return err
	}
	if present {
		if err := comps.memRowSet.MutateRow(tx.timestamp, p.probe, p.change); err != nil {
			return err
		}
		t.metrics.RowsMutated.Inc()
		return nil
	}
	for _, rs := range comps.rowSets.FindRowSetsForKey(p.probe.EncodedKey) {
		present, err := rs.CheckRowPresent(p.probe)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		if err := rs.MutateRow(tx.timestamp, p.probe, p.change); err != nil {
			return err
		}
		t.metrics.RowsMutated.Inc()
		return nil
	}
	t.metrics.MutationsNotFound.Inc()
	return base.MarkNotFound(errors.Newf("key %q not found", p.probe.EncodedKey))
}

// CommitTransaction commits tx's MVCC transaction and releases its row locks
// and components reference, in that order: the locks outlive the commit so
// per-key timestamp order matches apply order.
func (t *Tablet) CommitTransaction(tx *WriteTransaction) {
	if tx.finished {
		panic(errors.AssertionFailedf("write transaction finished twice"))
	}
	if tx.started {
		t.mvcc.CommitTransaction(tx.timestamp)
		tx.components.unref()
	}
	tx.releaseLocks()
	tx.finished = true
}

// AbortTransaction aborts tx. The caller must not have applied any write; an
// abort after a successful apply would expose an uncommitted mutation.
func (t *Tablet) AbortTransaction(tx *WriteTransaction) {
	if tx.finished {
		panic(errors.AssertionFailedf("write transaction finished twice"))
	}
	if tx.started {
		t.mvcc.AbortTransaction(tx.timestamp)
		tx.components.unref()
	}
	tx.releaseLocks()
	tx.finished = true
}

func (tx *WriteTransaction) releaseLocks() {
	for _, p := range tx.prepared {
		if p.lock != nil && p.lock.Held() {
			p.lock.Release()
		}
	}
	tx.prepared = nil
}

// Insert runs the full write protocol for a single-row insert.
func (t *Tablet) Insert(row base.Row) error {
	tx := t.NewWriteTransaction()
	p, err := t.CreatePreparedInsert(tx, row)
	if err != nil {
		t.AbortTransaction(tx)
		return err
	}
	t.StartTransaction(tx)
	if err := t.InsertUnlocked(tx, p); err != nil {
		t.AbortTransaction(tx)
		return err
	}
	t.CommitTransaction(tx)
	return nil
}

// MutateRow runs the full write protocol for a single-row mutation.
func (t *Tablet) MutateRow(keyRow base.Row, change base.RowChangeList) error {
	tx := t.NewWriteTransaction()
	p, err := t.CreatePreparedMutate(tx, keyRow, change)
	if err != nil {
		t.AbortTransaction(tx)
		return err
	}
	t.StartTransaction(tx)
	if err := t.MutateRowUnlocked(tx, p); err != nil {
		t.AbortTransaction(tx)
		return err
	}
	t.CommitTransaction(tx)
	return nil
}

// DeleteRow runs the full write protocol for a single-row deletion.
func (t *Tablet) DeleteRow(keyRow base.Row) error {
	return t.MutateRow(keyRow, base.DeleteChange())
}

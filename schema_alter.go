// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"golang.org/x/sync/errgroup"

	"github.com/basaltdb/basalt/internal/base"
)

// AlterSchemaTransaction carries a prepared schema change.
type AlterSchemaTransaction struct {
	schema   *base.Schema
	prepared bool
}

// Schema returns the target schema.
func (tx *AlterSchemaTransaction) Schema() *base.Schema { return tx.schema }

// CreatePreparedAlterSchema validates the target schema against the current
// one: the key prefix must be unchanged, retained column ids must keep their
// types, and new columns must be nullable or carry a default (existing rows
// have no value for them).
func (t *Tablet) CreatePreparedAlterSchema(
	tx *AlterSchemaTransaction, newSchema *base.Schema,
) error {
	cur := t.Schema()
	if !cur.KeyEquals(newSchema) {
		return base.MarkInvalidArgument(errors.Newf(
			"alter may not change the key columns: %s -> %s", cur, newSchema))
	}
	for _, col := range newSchema.Columns() {
		if i, ok := cur.ColumnIndexByID(col.ID); ok {
			if cur.Column(i).Type != col.Type {
				return base.MarkInvalidArgument(errors.Newf(
					"alter may not change the type of column id %d (%s -> %s)",
					col.ID, cur.Column(i).Type, col.Type))
			}
		} else if !col.Nullable && col.Default == nil {
			return base.MarkInvalidArgument(errors.Newf(
				"new column %q must be nullable or carry a default", col.Name))
		}
	}
	if newSchema.MaxColumnID() < cur.MaxColumnID() {
		// Ids are never reused; a shrinking max id means the caller built the
		// schema from stale state.
		return base.MarkInvalidArgument(errors.Newf(
			"alter reuses column id space below %d", cur.MaxColumnID()))
	}
	tx.schema = newSchema
	tx.prepared = true
	return nil
}

// AlterSchema applies a prepared schema change. The MemRowSet and every
// DeltaMemStore are flushed first, then the schema pointer is swapped inside
// fresh TabletComponents under the components write-lock. Concurrent writes
// are quiesced by that exclusive acquisition; the coarseness is intentional.
func (t *Tablet) AlterSchema(tx *AlterSchemaTransaction) error {
	if !tx.prepared {
		return errors.AssertionFailedf("AlterSchema without a prepared transaction")
	}
	if err := t.checkWritable(); err != nil {
		return err
	}

	if err := t.Flush(); err != nil {
		return err
	}

	// Flush every DeltaMemStore in parallel; each rowset's flush is
	// independent.
	comps := t.loadComponents()
	var g errgroup.Group
	for _, rs := range comps.rowSets.All() {
		drs, ok := rs.(*DiskRowSet)
		if !ok {
			continue
		}
		g.Go(func() error { return t.flushRowSetDeltas(drs) })
	}
	err := g.Wait()
	comps.unref()
	if err != nil {
		return err
	}

	// Persist the schema before publishing it; a failure here leaves the old
	// schema in force.
	if err := t.meta.SetSchema(tx.schema); err != nil {
		return err
	}

	t.componentsMu.Lock()
	cur := t.components
	t.publishComponentsLocked(newTabletComponents(tx.schema, cur.memRowSet, cur.rowSets))
	t.componentsMu.Unlock()

	t.opts.Logger.Infof("tablet %s schema altered to %s",
		redact.SafeString(t.meta.TabletID()), redact.SafeString(tx.schema.String()))
	return nil
}

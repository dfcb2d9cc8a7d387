// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/internal/base"
)

// tabletComponents is an immutable, reference-counted bundle of the tablet's
// storage state: the schema, the active MemRowSet and the rowset tree. It is
// replaced atomically under Tablet.componentsMu and never mutated in place,
// so a reader that captured a reference sees a consistent view for as long as
// it holds it.
//
// The schema lives inside the components rather than beside them so every
// observer sees a consistent (schema, rowsets) pair across schema alters.
type tabletComponents struct {
	refs      atomic.Int32
	schema    *base.Schema
	memRowSet *MemRowSet
	rowSets   *RowSetTree
}

func newTabletComponents(schema *base.Schema, mrs *MemRowSet, tree *RowSetTree) *tabletComponents {
	c := &tabletComponents{schema: schema, memRowSet: mrs, rowSets: tree}
	c.refs.Store(1)
	return c
}

func (c *tabletComponents) ref() {
	c.refs.Add(1)
}

func (c *tabletComponents) unref() {
	if v := c.refs.Add(-1); v < 0 {
		panic(errors.AssertionFailedf("tablet components refcount below zero"))
	}
}

// loadComponents returns the current components with a reference held. The
// caller must unref when done. The read lock is held only long enough to copy
// the pointer; see the write path for the variant that also starts an MVCC
// transaction under the same lock acquisition.
func (t *Tablet) loadComponents() *tabletComponents {
	t.componentsMu.RLock()
	c := t.components
	c.ref()
	t.componentsMu.RUnlock()
	return c
}

// publishComponentsLocked installs c as the current components. Requires
// componentsMu held exclusively. The previous components lose the tablet's
// reference.
func (t *Tablet) publishComponentsLocked(c *tabletComponents) {
	old := t.components
	t.components = c
	if old != nil {
		old.unref()
	}
}

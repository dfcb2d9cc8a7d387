// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// OpID identifies a position in the write-ahead log of the replication layer.
type OpID struct {
	Term  int64
	Index int64
}

// OpIDAnchorRegistry prevents WAL segments at or after an anchored position
// from being garbage collected. The tablet anchors the earliest op feeding an
// unflushed MemRowSet and releases the anchor once the flush has published.
type OpIDAnchorRegistry interface {
	// Anchor registers interest in op under the given owner name and returns
	// a handle to release it.
	Anchor(owner string, op OpID) (Anchor, error)
}

// Anchor is a held WAL anchor.
type Anchor interface {
	// Release drops the anchor. Releasing twice is a no-op.
	Release() error
}

// InMemAnchorRegistry is an OpIDAnchorRegistry for tests and standalone use.
type InMemAnchorRegistry struct {
	mu      sync.Mutex
	anchors map[string]OpID
}

// NewInMemAnchorRegistry returns an empty registry.
func NewInMemAnchorRegistry() *InMemAnchorRegistry {
	return &InMemAnchorRegistry{anchors: make(map[string]OpID)}
}

// Anchor implements OpIDAnchorRegistry.
func (r *InMemAnchorRegistry) Anchor(owner string, op OpID) (Anchor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anchors[owner]; ok {
		return nil, errors.AssertionFailedf("owner %q already holds an anchor", owner)
	}
	r.anchors[owner] = op
	return &memAnchor{registry: r, owner: owner}, nil
}

// MinAnchoredOp returns the smallest anchored op id and whether any anchor is
// held.
func (r *InMemAnchorRegistry) MinAnchoredOp() (OpID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var minOp OpID
	found := false
	for _, op := range r.anchors {
		if !found || op.Index < minOp.Index {
			minOp = op
			found = true
		}
	}
	return minOp, found
}

type memAnchor struct {
	registry *InMemAnchorRegistry
	owner    string
	released bool
	mu       sync.Mutex
}

// Release implements Anchor.
func (a *memAnchor) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	a.registry.mu.Lock()
	delete(a.registry.anchors, a.owner)
	a.registry.mu.Unlock()
	return nil
}

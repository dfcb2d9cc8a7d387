// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package rowlock provides per-row advisory locks keyed by encoded primary
// key. Locks are striped: a fixed table of mutexes indexed by a hash of the
// key. Two unrelated keys that hash to the same stripe serialize against each
// other; this trades fairness across keys for zero per-row allocation.
package rowlock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const defaultStripes = 1024

// Manager grants exclusive row locks. The zero value is not usable; use
// NewManager.
type Manager struct {
	stripes []sync.Mutex
	mask    uint64
}

// NewManager returns a Manager with the default stripe count.
func NewManager() *Manager {
	return NewManagerWithStripes(defaultStripes)
}

// NewManagerWithStripes returns a Manager with the given stripe count, which
// must be a power of two.
func NewManagerWithStripes(n int) *Manager {
	if n <= 0 || n&(n-1) != 0 {
		panic(errors.AssertionFailedf("stripe count %d is not a positive power of two", n))
	}
	return &Manager{
		stripes: make([]sync.Mutex, n),
		mask:    uint64(n - 1),
	}
}

// Lock acquires the exclusive lock covering key, blocking until it is
// available. The returned RowLock must be released exactly once.
func (m *Manager) Lock(key []byte) *RowLock {
	idx := xxhash.Sum64(key) & m.mask
	m.stripes[idx].Lock()
	return &RowLock{mgr: m, stripe: idx, held: true}
}

// RowLock is a handle on one held row lock. It is owned by a prepared row
// write and released when the write commits or aborts.
type RowLock struct {
	mgr    *Manager
	stripe uint64
	held   bool
}

// Release unlocks the row. Releasing twice is an error.
func (l *RowLock) Release() {
	if !l.held {
		panic(errors.AssertionFailedf("row lock released twice"))
	}
	l.held = false
	l.mgr.stripes[l.stripe].Unlock()
}

// Held reports whether the lock is still held.
func (l *RowLock) Held() bool { return l.held }

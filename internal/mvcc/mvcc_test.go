// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mvcc

import (
	"sync"
	"testing"
	"time"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(base.NewLogicalClock(1))
}

func TestStartTransactionMonotonic(t *testing.T) {
	m := newTestManager()
	var prev base.Timestamp
	for i := 0; i < 100; i++ {
		ts := m.StartTransaction()
		require.Greater(t, ts, prev)
		m.CommitTransaction(ts)
		prev = ts
	}
}

func TestSnapshotVisibility(t *testing.T) {
	m := newTestManager()

	t1 := m.StartTransaction()
	t2 := m.StartTransaction()
	m.CommitTransaction(t1)

	// t2 is still in flight: a snapshot sees t1 but not t2.
	snap := m.TakeSnapshot()
	require.True(t, snap.IsVisible(t1))
	require.False(t, snap.IsVisible(t2))

	m.CommitTransaction(t2)

	// The old snapshot is immutable.
	require.False(t, snap.IsVisible(t2))
	// A new snapshot sees both.
	snap = m.TakeSnapshot()
	require.True(t, snap.IsVisible(t1))
	require.True(t, snap.IsVisible(t2))

	// Nothing issued after the snapshot is visible to it.
	t3 := m.StartTransaction()
	m.CommitTransaction(t3)
	require.False(t, snap.IsVisible(t3))
}

func TestAbortLeavesNoTrace(t *testing.T) {
	m := newTestManager()
	t1 := m.StartTransaction()
	m.AbortTransaction(t1)
	snap := m.TakeSnapshot()
	// The timestamp is not in flight, so the snapshot formally admits it; the
	// writer must not have exposed any write under it. What matters is that
	// the manager no longer tracks it.
	require.Equal(t, 0, m.InFlightCount())
	require.True(t, snap.IsVisible(t1))
}

func TestStartTransactionAt(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.StartTransactionAt(10))
	m.CommitTransaction(10)

	// Not above the committed high-water.
	err := m.StartTransactionAt(10)
	require.True(t, errors.Is(err, base.ErrInvalidTimestamp))
	err = m.StartTransactionAt(5)
	require.True(t, errors.Is(err, base.ErrInvalidTimestamp))

	// Duplicate in-flight timestamp.
	require.NoError(t, m.StartTransactionAt(20))
	err = m.StartTransactionAt(20)
	require.True(t, errors.Is(err, base.ErrInvalidTimestamp))
	m.AbortTransaction(20)

	// In-flight timestamps above ts do not block it.
	require.NoError(t, m.StartTransactionAt(30))
	require.NoError(t, m.StartTransactionAt(25))
	m.CommitTransaction(25)
	m.CommitTransaction(30)

	// Fresh transactions stay above replayed ones.
	ts := m.StartTransaction()
	require.Greater(t, ts, base.Timestamp(30))
	m.CommitTransaction(ts)
}

func TestWaitUntilAllCommittedBefore(t *testing.T) {
	m := newTestManager()
	t1 := m.StartTransaction()
	t2 := m.StartTransaction()

	done := make(chan struct{})
	go func() {
		m.WaitUntilAllCommittedBefore(t2 + 1)
		close(done)
	}()

	// Both transactions are still in flight; the waiter must block.
	select {
	case <-done:
		t.Fatal("waiter returned while transactions were in flight")
	case <-time.After(10 * time.Millisecond):
	}

	m.CommitTransaction(t1)
	select {
	case <-done:
		t.Fatal("waiter returned while t2 was in flight")
	case <-time.After(10 * time.Millisecond):
	}

	m.AbortTransaction(t2)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("waiter did not return after all transactions finished")
	}
}

func TestWaitNotBlockedByLaterTransactions(t *testing.T) {
	m := newTestManager()
	t1 := m.StartTransaction()
	m.CommitTransaction(t1)

	// A transaction started after the wait target cannot block it.
	t2 := m.StartTransaction()
	done := make(chan struct{})
	go func() {
		m.WaitUntilAllCommittedBefore(t2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("waiter blocked on a transaction at or above the target")
	}
	m.CommitTransaction(t2)
}

func TestConcurrentTransactions(t *testing.T) {
	m := newTestManager()
	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[base.Timestamp]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ts := m.StartTransaction()
				mu.Lock()
				_, dup := seen[ts]
				seen[ts] = struct{}{}
				mu.Unlock()
				if dup {
					t.Errorf("timestamp %s issued twice", ts)
					return
				}
				m.CommitTransaction(ts)
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*perWorker)
	require.Equal(t, 0, m.InFlightCount())
}

func TestVisibleInWindow(t *testing.T) {
	m := newTestManager()
	t1 := m.StartTransaction()
	m.CommitTransaction(t1)
	s1 := m.TakeSnapshot()

	t2 := m.StartTransaction()
	m.CommitTransaction(t2)
	s2 := m.TakeSnapshot()

	require.False(t, VisibleInWindow(t1, s1, s2))
	require.True(t, VisibleInWindow(t2, s1, s2))
}

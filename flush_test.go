// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
)

// pausingHooks blocks at a chosen hook point until released.
type pausingHooks struct {
	noopHooks
	pauseAt  string
	reached  chan struct{}
	released chan struct{}
}

func newPausingHooks(pauseAt string) *pausingHooks {
	return &pausingHooks{
		pauseAt:  pauseAt,
		reached:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (h *pausingHooks) maybePause(point string) error {
	if point == h.pauseAt {
		close(h.reached)
		<-h.released
	}
	return nil
}

func (h *pausingHooks) PostTakeMvccSnapshot() error { return h.maybePause("post-snapshot") }
func (h *pausingHooks) PostWriteSnapshot() error    { return h.maybePause("post-write") }
func (h *pausingHooks) PostSwapInDuplicatingRowSet() error {
	return h.maybePause("post-swap-duplicating")
}
func (h *pausingHooks) PostReupdateMissedDeltas() error { return h.maybePause("post-reapply") }
func (h *pausingHooks) PostSwapNewRowSet() error        { return h.maybePause("post-swap-new") }

// failingHooks fails once at a chosen hook point.
type failingHooks struct {
	noopHooks
	failAt string
	fired  bool
}

func (h *failingHooks) maybeFail(point string) error {
	if point == h.failAt && !h.fired {
		h.fired = true
		return fmt.Errorf("injected fault at %s", point)
	}
	return nil
}

func (h *failingHooks) PostTakeMvccSnapshot() error { return h.maybeFail("post-snapshot") }
func (h *failingHooks) PostWriteSnapshot() error    { return h.maybeFail("post-write") }
func (h *failingHooks) PostSwapInDuplicatingRowSet() error {
	return h.maybeFail("post-swap-duplicating")
}
func (h *failingHooks) PostReupdateMissedDeltas() error { return h.maybeFail("post-reapply") }

func TestMutationDuringFlushWindow(t *testing.T) {
	// A mutation arriving while the flush is paused after its snapshot, after
	// writing its output, or after reapplying missed deltas must be routed by the DuplicatingRowSet to both the frozen MemRowSet
	// and the output's delta store.
	for _, pauseAt := range []string{"post-snapshot", "post-write", "post-reapply"} {
		t.Run(pauseAt, func(t *testing.T) {
			hooks := newPausingHooks(pauseAt)
			tab := newTestTablet(t, &Options{FlushCompactHooks: hooks})
			insertRow(t, tab, "k1", 10)

			flushDone := make(chan error, 1)
			go func() { flushDone <- tab.Flush() }()

			select {
			case <-hooks.reached:
			case <-time.After(10 * time.Second):
				t.Fatal("flush never reached the hook")
			}

			// The flush is paused mid-protocol; the mutation must succeed and
			// be visible immediately.
			mutateRow(t, tab, "k1", 99)
			rows, _ := scanAll(t, tab)
			require.Equal(t, map[string]int64{"k1": 99}, rows)

			close(hooks.released)
			require.NoError(t, <-flushDone)

			// After the flush the value survives in the published rowset.
			rows, _ = scanAll(t, tab)
			require.Equal(t, map[string]int64{"k1": 99}, rows)
			require.Equal(t, 1, tab.NumRowSets())
		})
	}
}

func TestInsertDuringFlushWindow(t *testing.T) {
	// Inserts during the flush window go to the fresh MemRowSet; duplicate
	// keys are still detected against the frozen one.
	hooks := newPausingHooks("post-write")
	tab := newTestTablet(t, &Options{FlushCompactHooks: hooks})
	insertRow(t, tab, "k1", 10)

	flushDone := make(chan error, 1)
	go func() { flushDone <- tab.Flush() }()
	<-hooks.reached

	insertRow(t, tab, "k2", 20)
	row, err := tab.Schema().NewRow(base.StringValue([]byte("k1")), base.Int64Value(11))
	require.NoError(t, err)
	require.True(t, base.IsAlreadyPresent(tab.Insert(row)))

	close(hooks.released)
	require.NoError(t, <-flushDone)

	rows, _ := scanAll(t, tab)
	require.Equal(t, map[string]int64{"k1": 10, "k2": 20}, rows)
}

func TestFlushRollbackOnHookFailure(t *testing.T) {
	hooks := &failingHooks{failAt: "post-reapply"}
	tab := newTestTablet(t, &Options{FlushCompactHooks: hooks})
	for i := 0; i < 5; i++ {
		insertRow(t, tab, fmt.Sprintf("k%d", i), int64(i))
	}

	err := tab.Flush()
	require.ErrorIs(t, err, base.ErrAborted)

	// Nothing was lost: all rows are still visible and writable.
	rows, _ := scanAll(t, tab)
	require.Len(t, rows, 5)
	mutateRow(t, tab, "k1", 100)
	rows, _ = scanAll(t, tab)
	require.Equal(t, int64(100), rows["k1"])

	// The tablet is not corrupt; a later compaction persists the frozen
	// MemRowSet left in the tree by the rollback.
	require.NoError(t, tab.Compact(ForceCompactAll))
	rows, _ = scanAll(t, tab)
	require.Len(t, rows, 5)
	require.Equal(t, int64(100), rows["k1"])
}

func TestFlushedDataSurvivesReopenAfterWindowMutation(t *testing.T) {
	hooks := newPausingHooks("post-write")
	fs := vfs.NewMem()
	tab := newTestTablet(t, &Options{FlushCompactHooks: hooks, FS: fs})
	insertRow(t, tab, "k1", 10)

	flushDone := make(chan error, 1)
	go func() { flushDone <- tab.Flush() }()
	<-hooks.reached
	mutateRow(t, tab, "k1", 99)
	close(hooks.released)
	require.NoError(t, <-flushDone)

	// The window mutation lives in the output's DeltaMemStore, which is not
	// yet durable; flush it and reopen.
	require.NoError(t, tab.FlushBiggestDMS())
	meta, err := LoadTabletMetadata(fs, "tablet")
	require.NoError(t, err)
	reopened, err := Open(meta, &Options{FS: fs})
	require.NoError(t, err)
	rows, _ := scanAll(t, reopened)
	require.Equal(t, map[string]int64{"k1": 99}, rows)
}

func TestOnlyOneFlushAtATime(t *testing.T) {
	hooks := newPausingHooks("post-write")
	tab := newTestTablet(t, &Options{FlushCompactHooks: hooks})
	insertRow(t, tab, "k1", 1)

	first := make(chan error, 1)
	go func() { first <- tab.Flush() }()
	<-hooks.reached

	// A second flush blocks behind the first rather than interleaving.
	second := make(chan error, 1)
	go func() { second <- tab.Flush() }()
	select {
	case err := <-second:
		t.Fatalf("second flush finished while the first was paused: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(hooks.released)
	require.NoError(t, <-first)
	// The second flush finds an empty MemRowSet and no-ops.
	require.NoError(t, <-second)
	require.Equal(t, 1, tab.NumRowSets())
}

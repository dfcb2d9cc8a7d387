// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	w := NewWriter(10)
	const n = 10000
	for i := 0; i < n; i++ {
		w.AddKey([]byte(fmt.Sprintf("key%06d", i)))
	}
	filter := w.Finish()
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%06d", i))
		require.True(t, MayContain(filter, MakeHash(key)), "false negative for %s", key)
	}
}

func TestFalsePositiveRate(t *testing.T) {
	w := NewWriter(10)
	const n = 10000
	for i := 0; i < n; i++ {
		w.AddKey([]byte(fmt.Sprintf("key%06d", i)))
	}
	filter := w.Finish()

	fp := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		key := []byte(fmt.Sprintf("other%06d", i))
		if MayContain(filter, MakeHash(key)) {
			fp++
		}
	}
	// 10 bits per key targets ~1%; allow generous slack.
	require.Less(t, float64(fp)/trials, 0.05, "false positive rate too high: %d/%d", fp, trials)
}

func TestEmptyWriter(t *testing.T) {
	w := NewWriter(10)
	filter := w.Finish()
	// An empty filter still parses and rejects (almost) everything.
	require.False(t, MayContain(filter, MakeHash([]byte("anything"))))
}

func TestMalformedFilterAdmitsAll(t *testing.T) {
	require.True(t, MayContain(nil, MakeHash([]byte("k"))))
	require.True(t, MayContain([]byte{1, 2, 3}, MakeHash([]byte("k"))))
}

func TestBadBitsPerKeyPanics(t *testing.T) {
	require.Panics(t, func() { NewWriter(0) })
}

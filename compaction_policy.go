// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import "sort"

// pickCompactionInputs decides which of the candidate rowsets (given by
// size) to merge. It returns indices into sizes. Under force, everything is
// selected. Otherwise the smallest rowsets win, bounded by budget, and a
// merge of fewer than two inputs is pointless so none are returned.
func pickCompactionInputs(sizes []int64, budget int, force bool) []int {
	if force {
		idx := make([]int, len(sizes))
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if len(sizes) < 2 || budget < 2 {
		return nil
	}
	idx := make([]int, len(sizes))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return sizes[idx[a]] < sizes[idx[b]]
	})
	if len(idx) > budget {
		idx = idx[:budget]
	}
	sort.Ints(idx)
	return idx
}

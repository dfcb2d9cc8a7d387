// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package bloom implements Bloom filters over encoded primary keys. All
// probes for a key land in the same 64-byte cache line of the filter.
package bloom

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	cacheLineSize = 64
	cacheLineBits = cacheLineSize * 8
)

// This table contains the number of probes used for each bitsPerKey. For bits
// per key over 10, probes[10] is used. Constraining all probes of a key to a
// single cache line shifts the optimum away from the standard bloom filter
// formula.
var probes = [11]uint32{
	1:  1,
	2:  1,
	3:  2,
	4:  3,
	5:  3,
	6:  4,
	7:  4,
	8:  5,
	9:  5,
	10: 6,
}

func calculateProbes(bitsPerKey uint32) uint32 {
	if bitsPerKey > 10 {
		return probes[10]
	}
	return probes[bitsPerKey]
}

// keyHash derives the 32-bit probe seed for a key.
func keyHash(key []byte) uint32 {
	h := xxhash.Sum64(key)
	return uint32(h) ^ uint32(h>>32)
}

// Hash precomputes the probe seed for a key, so repeated filter probes (one
// per candidate rowset) hash the key once.
type Hash uint32

// MakeHash returns the probe seed for key.
func MakeHash(key []byte) Hash { return Hash(keyHash(key)) }

// Writer accumulates key hashes and builds a filter.
type Writer struct {
	bitsPerKey uint32
	numProbes  uint32
	hashes     []uint32
}

// NewWriter returns a Writer producing filters with approximately bitsPerKey
// bits per added key. 10 bits per key yields a ~1% false positive rate.
func NewWriter(bitsPerKey uint32) *Writer {
	if bitsPerKey < 1 {
		panic(errors.AssertionFailedf("invalid bitsPerKey %d", bitsPerKey))
	}
	return &Writer{
		bitsPerKey: bitsPerKey,
		numProbes:  calculateProbes(bitsPerKey),
	}
}

// AddKey adds a key to the filter under construction.
func (w *Writer) AddKey(key []byte) {
	w.hashes = append(w.hashes, keyHash(key))
}

// NumKeys returns the number of keys added so far.
func (w *Writer) NumKeys() int { return len(w.hashes) }

// Finish builds the filter bytes. The layout is a sequence of 64-byte lines
// followed by a 4-byte trailer holding the probe count.
func (w *Writer) Finish() []byte {
	// An odd line count involves more hash bits in line selection.
	nLines := (uint64(len(w.hashes))*uint64(w.bitsPerKey) + cacheLineBits - 1) / cacheLineBits
	nLines |= 1

	filter := make([]byte, nLines*cacheLineSize+4)
	for _, h := range w.hashes {
		delta := h>>17 | h<<15
		b := (uint64(h) % nLines) * cacheLineBits
		for j := uint32(0); j < w.numProbes; j++ {
			bitPos := b + uint64(h%cacheLineBits)
			filter[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	binary.LittleEndian.PutUint32(filter[nLines*cacheLineSize:], w.numProbes)
	w.hashes = w.hashes[:0]
	return filter
}

// MayContain probes filter for the key behind hash. False positives are
// possible; false negatives are not.
func MayContain(filter []byte, hash Hash) bool {
	if len(filter) <= 4 || (len(filter)-4)%cacheLineSize != 0 {
		// An unparseable filter admits everything.
		return true
	}
	nLines := uint64(len(filter)-4) / cacheLineSize
	numProbes := binary.LittleEndian.Uint32(filter[len(filter)-4:])

	h := uint32(hash)
	delta := h>>17 | h<<15
	b := (uint64(h) % nLines) * cacheLineBits
	for j := uint32(0); j < numProbes; j++ {
		bitPos := b + uint64(h%cacheLineBits)
		if filter[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package cfile implements the columnar file format: a sequence of
// snappy-compressed, checksummed blocks of entries plus a footer indexing the
// blocks. A rowset stores one cfile per column (named by column id), one key
// cfile holding the encoded primary keys in order, and reuses the same block
// machinery for delta files.
package cfile

import (
	"bytes"
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

const (
	magic         = "\xf4basalt1"
	footerTrailer = 12 // 4-byte footer length + 8-byte magic

	// DefaultBlockSize is the target uncompressed block payload size.
	DefaultBlockSize = 32 << 10
)

// WriterOptions configures a cfile Writer.
type WriterOptions struct {
	// BlockSize is the target uncompressed size of a block.
	BlockSize int
	// Keyed records the first entry of each block in the footer, enabling
	// SeekToKey. The entries of a keyed file must be added in ascending order.
	Keyed bool
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	return o
}

type blockMeta struct {
	offset       uint64
	length       uint64
	checksum     uint64
	count        uint64
	firstOrdinal uint64
	firstKey     []byte
}

// Writer writes entries to a columnar file. Entries are opaque byte strings;
// callers encode cells with base.EncodeValue and keys with Schema.EncodeKey.
type Writer struct {
	f    vfs.File
	opts WriterOptions

	buf      []byte
	bufCount uint64
	firstKey []byte

	offset uint64
	count  uint64
	blocks []blockMeta

	err error
}

// NewWriter returns a Writer on f.
func NewWriter(f vfs.File, opts WriterOptions) *Writer {
	return &Writer{f: f, opts: opts.withDefaults()}
}

// Add appends one entry. In a keyed file the entry itself is recorded as the
// block key, which fits the key cfile, whose entries are their own keys; use
// AddKeyed when the sort key differs from the entry.
func (w *Writer) Add(entry []byte) error {
	return w.AddKeyed(entry, nil)
}

// AddKeyed appends one entry, recording key as the block's first key if the
// entry opens a new block.
func (w *Writer) AddKeyed(entry, key []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.bufCount == 0 {
		if w.opts.Keyed {
			if key == nil {
				key = entry
			}
			w.firstKey = append(w.firstKey[:0], key...)
		}
	}
	w.buf = base.PutBytes(w.buf, entry)
	w.bufCount++
	w.count++
	if len(w.buf) >= w.opts.BlockSize {
		w.err = w.flushBlock()
	}
	return w.err
}

// Count returns the number of entries added so far.
func (w *Writer) Count() uint64 { return w.count }

func (w *Writer) flushBlock() error {
	if w.bufCount == 0 {
		return nil
	}
	compressed := snappy.Encode(nil, w.buf)
	meta := blockMeta{
		offset:       w.offset,
		length:       uint64(len(compressed)),
		checksum:     xxhash.Sum64(compressed),
		count:        w.bufCount,
		firstOrdinal: w.count - w.bufCount,
	}
	if w.opts.Keyed {
		meta.firstKey = append([]byte(nil), w.firstKey...)
	}
	if _, err := w.f.Write(compressed); err != nil {
		return base.MarkIO(err)
	}
	w.offset += meta.length
	w.blocks = append(w.blocks, meta)
	w.buf = w.buf[:0]
	w.bufCount = 0
	return nil
}

// Finish flushes the final block and footer and syncs the file. The Writer
// must not be used afterwards; closing the file is the caller's job.
func (w *Writer) Finish() error {
	if w.err != nil {
		return w.err
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	var footer []byte
	footer = base.PutUvarint(footer, w.count)
	footer = base.PutUvarint(footer, uint64(len(w.blocks)))
	if w.opts.Keyed {
		footer = append(footer, 1)
	} else {
		footer = append(footer, 0)
	}
	for _, b := range w.blocks {
		footer = base.PutUvarint(footer, b.offset)
		footer = base.PutUvarint(footer, b.length)
		var sum [8]byte
		binary.LittleEndian.PutUint64(sum[:], b.checksum)
		footer = append(footer, sum[:]...)
		footer = base.PutUvarint(footer, b.count)
		footer = base.PutUvarint(footer, b.firstOrdinal)
		if w.opts.Keyed {
			footer = base.PutBytes(footer, b.firstKey)
		}
	}
	var trailer [footerTrailer]byte
	binary.LittleEndian.PutUint32(trailer[:4], uint32(len(footer)))
	copy(trailer[4:], magic)
	if _, err := w.f.Write(footer); err != nil {
		return base.MarkIO(err)
	}
	if _, err := w.f.Write(trailer[:]); err != nil {
		return base.MarkIO(err)
	}
	if err := w.f.Sync(); err != nil {
		return base.MarkIO(err)
	}
	return nil
}

// Reader reads a columnar file written by Writer.
type Reader struct {
	f      vfs.File
	count  uint64
	keyed  bool
	blocks []blockMeta
}

// NewReader opens a reader on f, parsing the footer.
func NewReader(f vfs.File) (*Reader, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, base.MarkIO(err)
	}
	size := stat.Size()
	if size < footerTrailer {
		return nil, base.MarkCorruption(errors.Newf("cfile too short: %d bytes", size))
	}
	var trailer [footerTrailer]byte
	if _, err := f.ReadAt(trailer[:], size-footerTrailer); err != nil {
		return nil, base.MarkIO(err)
	}
	if string(trailer[4:]) != magic {
		return nil, base.MarkCorruption(errors.New("cfile bad magic"))
	}
	footerLen := int64(binary.LittleEndian.Uint32(trailer[:4]))
	if footerLen <= 0 || footerLen > size-footerTrailer {
		return nil, base.MarkCorruption(errors.Newf("cfile bad footer length %d", footerLen))
	}
	footer := make([]byte, footerLen)
	if _, err := f.ReadAt(footer, size-footerTrailer-footerLen); err != nil {
		return nil, base.MarkIO(err)
	}

	r := &Reader{f: f}
	rest := footer
	if r.count, rest, err = base.Uvarint(rest); err != nil {
		return nil, base.MarkCorruption(err)
	}
	var nBlocks uint64
	if nBlocks, rest, err = base.Uvarint(rest); err != nil {
		return nil, base.MarkCorruption(err)
	}
	if len(rest) < 1 {
		return nil, base.MarkCorruption(errors.New("cfile truncated footer"))
	}
	r.keyed = rest[0] != 0
	rest = rest[1:]
	r.blocks = make([]blockMeta, 0, nBlocks)
	for i := uint64(0); i < nBlocks; i++ {
		var b blockMeta
		if b.offset, rest, err = base.Uvarint(rest); err != nil {
			return nil, base.MarkCorruption(err)
		}
		if b.length, rest, err = base.Uvarint(rest); err != nil {
			return nil, base.MarkCorruption(err)
		}
		if len(rest) < 8 {
			return nil, base.MarkCorruption(errors.New("cfile truncated footer"))
		}
		b.checksum = binary.LittleEndian.Uint64(rest[:8])
		rest = rest[8:]
		if b.count, rest, err = base.Uvarint(rest); err != nil {
			return nil, base.MarkCorruption(err)
		}
		if b.firstOrdinal, rest, err = base.Uvarint(rest); err != nil {
			return nil, base.MarkCorruption(err)
		}
		if r.keyed {
			var key []byte
			if key, rest, err = base.GetBytes(rest); err != nil {
				return nil, base.MarkCorruption(err)
			}
			b.firstKey = append([]byte(nil), key...)
		}
		r.blocks = append(r.blocks, b)
	}
	return r, nil
}

// Count returns the number of entries in the file.
func (r *Reader) Count() uint64 { return r.count }

func (r *Reader) readBlock(i int) ([]byte, error) {
	b := r.blocks[i]
	compressed := make([]byte, b.length)
	if _, err := r.f.ReadAt(compressed, int64(b.offset)); err != nil {
		return nil, base.MarkIO(err)
	}
	if xxhash.Sum64(compressed) != b.checksum {
		return nil, base.MarkCorruption(errors.Newf("cfile block %d checksum mismatch", i))
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, base.MarkCorruption(err)
	}
	return payload, nil
}

// Iter iterates the entries of a cfile in order.
type Iter struct {
	r        *Reader
	blockIdx int
	payload  []byte
	ordinal  uint64
	entry    []byte
	err      error
}

// NewIter returns an iterator positioned before the first entry.
func (r *Reader) NewIter() *Iter {
	return &Iter{r: r, blockIdx: -1}
}

// SeekToOrdinal returns an iterator positioned before the entry with the
// given ordinal, so the next Next returns it.
func (r *Reader) SeekToOrdinal(ord uint64) (*Iter, error) {
	if ord >= r.count {
		return nil, base.MarkInvalidArgument(
			errors.Newf("ordinal %d out of range; cfile has %d entries", ord, r.count))
	}
	// Find the block containing ord.
	lo, hi := 0, len(r.blocks)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if r.blocks[mid].firstOrdinal <= ord {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it := &Iter{r: r, blockIdx: lo}
	payload, err := r.readBlock(lo)
	if err != nil {
		return nil, err
	}
	it.payload = payload
	it.ordinal = r.blocks[lo].firstOrdinal
	for it.ordinal < ord {
		if !it.Next() {
			return nil, base.MarkCorruption(errors.Newf("cfile block underflow seeking ordinal %d", ord))
		}
	}
	return it, nil
}

// SeekToKey positions an iterator at the first entry >= key in a keyed file
// whose entries are their own sort keys (e.g. the key cfile), returning it
// along with the entry's ordinal. The boolean result reports whether such an
// entry exists.
func (r *Reader) SeekToKey(key []byte) (*Iter, uint64, bool, error) {
	return r.SeekToKeyExtract(key, func(entry []byte) []byte { return entry })
}

// SeekToKeyExtract is SeekToKey for files whose entries embed their sort key:
// extract returns the key of an entry. Entries may share keys (delta files
// hold one entry per mutation), so the scan starts at the last block whose
// firstKey is strictly below the target: an equal firstKey may continue a
// run that began in the previous block.
func (r *Reader) SeekToKeyExtract(
	key []byte, extract func(entry []byte) []byte,
) (*Iter, uint64, bool, error) {
	if !r.keyed {
		return nil, 0, false, errors.AssertionFailedf("SeekToKey on an unkeyed cfile")
	}
	if len(r.blocks) == 0 {
		return nil, 0, false, nil
	}
	lo, hi := 0, len(r.blocks)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if bytes.Compare(r.blocks[mid].firstKey, key) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it := &Iter{r: r, blockIdx: lo - 1}
	for it.Next() {
		if bytes.Compare(extract(it.Entry()), key) >= 0 {
			ord := it.Ordinal()
			res, err := r.SeekToOrdinal(ord)
			if err != nil {
				return nil, 0, false, err
			}
			return res, ord, true, nil
		}
	}
	return nil, 0, false, it.Err()
}

// Next advances to the next entry.
func (it *Iter) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.payload) == 0 {
		if it.blockIdx+1 >= len(it.r.blocks) {
			return false
		}
		it.blockIdx++
		payload, err := it.r.readBlock(it.blockIdx)
		if err != nil {
			it.err = err
			return false
		}
		it.payload = payload
		it.ordinal = it.r.blocks[it.blockIdx].firstOrdinal
	}
	entry, rest, err := base.GetBytes(it.payload)
	if err != nil {
		it.err = base.MarkCorruption(err)
		return false
	}
	it.entry = entry
	it.payload = rest
	it.ordinal++
	return true
}

// Entry returns the current entry. Valid until the next call to Next.
func (it *Iter) Entry() []byte { return it.entry }

// Ordinal returns the ordinal of the current entry.
func (it *Iter) Ordinal() uint64 { return it.ordinal - 1 }

// Err returns the error that stopped iteration, if any.
func (it *Iter) Err() error { return it.err }

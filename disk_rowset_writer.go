// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/bloom"
	"github.com/basaltdb/basalt/cfile"
	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
)

// diskRowSetWriter writes a new rowset directory: the key cfile, one cfile
// per schema column and the bloom file. Rows must be appended in strictly
// ascending key order, already projected to the full tablet schema.
type diskRowSetWriter struct {
	fs     vfs.FS
	dir    string
	schema *base.Schema

	keyFile   vfs.File
	keyWriter *cfile.Writer
	colFiles  []vfs.File
	colWriter []*cfile.Writer
	bloomW    *bloom.Writer

	lastKey        []byte
	minKey, maxKey []byte
	count          int64
}

func newDiskRowSetWriter(
	fs vfs.FS, dir string, schema *base.Schema, bloomBitsPerKey uint32, blockSize int,
) (*diskRowSetWriter, error) {
	if err := fs.MkdirAll(dir); err != nil {
		return nil, base.MarkIO(err)
	}
	w := &diskRowSetWriter{
		fs:     fs,
		dir:    dir,
		schema: schema,
		bloomW: bloom.NewWriter(bloomBitsPerKey),
	}
	ok := false
	defer func() {
		if !ok {
			w.abort()
		}
	}()

	var err error
	w.keyFile, err = fs.Create(fs.PathJoin(dir, keyFileName))
	if err != nil {
		return nil, base.MarkIO(err)
	}
	w.keyWriter = cfile.NewWriter(w.keyFile, cfile.WriterOptions{BlockSize: blockSize, Keyed: true})

	for i := 0; i < schema.NumColumns(); i++ {
		f, err := fs.Create(fs.PathJoin(dir, columnFileName(schema.Column(i).ID)))
		if err != nil {
			return nil, base.MarkIO(err)
		}
		w.colFiles = append(w.colFiles, f)
		w.colWriter = append(w.colWriter, cfile.NewWriter(f, cfile.WriterOptions{BlockSize: blockSize}))
	}
	ok = true
	return w, nil
}

// Append adds one row. The row must be under the writer's schema.
func (w *diskRowSetWriter) Append(key []byte, row base.Row) error {
	if w.lastKey != nil && string(key) <= string(w.lastKey) {
		return errors.AssertionFailedf("rowset writer keys out of order: %q after %q", key, w.lastKey)
	}
	if len(row.Values) != w.schema.NumColumns() {
		return base.MarkInvalidArgument(errors.Newf(
			"row has %d values, writer schema has %d columns", len(row.Values), w.schema.NumColumns()))
	}
	if err := w.keyWriter.Add(key); err != nil {
		return err
	}
	for i, cw := range w.colWriter {
		if err := cw.Add(base.EncodeValue(nil, row.Values[i])); err != nil {
			return err
		}
	}
	w.bloomW.AddKey(key)
	if w.minKey == nil {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append(w.maxKey[:0], key...)
	w.lastKey = append(w.lastKey[:0], key...)
	w.count++
	return nil
}

// Count returns the number of appended rows.
func (w *diskRowSetWriter) Count() int64 { return w.count }

// Finish closes all files and returns the metadata describing the rowset.
// The id and dir fields of the result are filled in; the caller persists it.
func (w *diskRowSetWriter) Finish(id int64) (RowSetMeta, error) {
	meta := RowSetMeta{
		ID:          id,
		Dir:         w.dir,
		KeyFile:     keyFileName,
		BloomFile:   bloomFileName,
		ColumnFiles: make(map[base.ColumnID]string, w.schema.NumColumns()),
		MinKey:      w.minKey,
		MaxKey:      w.maxKey,
	}
	if err := w.keyWriter.Finish(); err != nil {
		w.abort()
		return RowSetMeta{}, err
	}
	if err := w.keyFile.Close(); err != nil {
		w.abort()
		return RowSetMeta{}, base.MarkIO(err)
	}
	w.keyFile = nil
	for i, cw := range w.colWriter {
		if err := cw.Finish(); err != nil {
			w.abort()
			return RowSetMeta{}, err
		}
		if err := w.colFiles[i].Close(); err != nil {
			w.abort()
			return RowSetMeta{}, base.MarkIO(err)
		}
		w.colFiles[i] = nil
		meta.ColumnFiles[w.schema.Column(i).ID] = columnFileName(w.schema.Column(i).ID)
	}
	if err := cfile.WriteBloomFile(w.fs, w.fs.PathJoin(w.dir, bloomFileName), w.bloomW.Finish()); err != nil {
		w.abort()
		return RowSetMeta{}, err
	}
	return meta, nil
}

// abort closes any open files and removes the partially written directory.
func (w *diskRowSetWriter) abort() {
	if w.keyFile != nil {
		w.keyFile.Close()
		w.keyFile = nil
	}
	for i, f := range w.colFiles {
		if f != nil {
			f.Close()
			w.colFiles[i] = nil
		}
	}
	_ = w.fs.RemoveAll(w.dir)
}

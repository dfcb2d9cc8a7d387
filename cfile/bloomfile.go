// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package cfile

import (
	"encoding/binary"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const bloomMagic = "\xf4basaltb"

// WriteBloomFile persists a bloom filter (as produced by bloom.Writer.Finish)
// for a rowset's keys.
func WriteBloomFile(fs vfs.FS, path string, filter []byte) error {
	var buf []byte
	buf = append(buf, bloomMagic...)
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(filter))
	buf = append(buf, sum[:]...)
	buf = base.PutBytes(buf, filter)
	if err := vfs.WriteFileAtomic(fs, path, buf); err != nil {
		return base.MarkIO(err)
	}
	return nil
}

// ReadBloomFile loads a bloom filter written by WriteBloomFile.
func ReadBloomFile(fs vfs.FS, path string) ([]byte, error) {
	buf, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, base.MarkIO(err)
	}
	if len(buf) < len(bloomMagic)+8 || string(buf[:len(bloomMagic)]) != bloomMagic {
		return nil, base.MarkCorruption(errors.Newf("bloom file %s: bad magic", path))
	}
	want := binary.LittleEndian.Uint64(buf[len(bloomMagic) : len(bloomMagic)+8])
	filter, _, err := base.GetBytes(buf[len(bloomMagic)+8:])
	if err != nil {
		return nil, base.MarkCorruption(err)
	}
	if xxhash.Sum64(filter) != want {
		return nil, base.MarkCorruption(errors.Newf("bloom file %s: checksum mismatch", path))
	}
	return append([]byte(nil), filter...), nil
}

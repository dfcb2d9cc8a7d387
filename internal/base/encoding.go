// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Primary keys are compared as raw bytes everywhere outside this file, so the
// encoding must be order-preserving across the key column types:
//
//   - int32/int64: big-endian with the sign bit flipped.
//   - bool: a single 0/1 byte.
//   - string: verbatim if it is the last key column; otherwise 0x00 bytes are
//     escaped as 0x00 0x01 and the column is terminated with 0x00 0x00, so a
//     shorter string sorts before any extension of it.

// EncodeKey appends the order-preserving encoding of the row's key columns to
// buf and returns the extended buffer.
func (s *Schema) EncodeKey(buf []byte, r Row) ([]byte, error) {
	if len(r.Values) < s.numKey {
		return nil, MarkInvalidArgument(
			errors.Newf("row has %d values; schema has %d key columns", len(r.Values), s.numKey))
	}
	for i := 0; i < s.numKey; i++ {
		v := r.Values[i]
		if v.IsNull() {
			return nil, MarkInvalidArgument(errors.Newf("NULL value for key column %q", s.cols[i].Name))
		}
		buf = encodeKeyColumn(buf, s.cols[i].Type, v, i == s.numKey-1)
	}
	return buf, nil
}

func encodeKeyColumn(buf []byte, t DataType, v Value, isLast bool) []byte {
	switch t {
	case TypeBool:
		if v.I != 0 {
			return append(buf, 1)
		}
		return append(buf, 0)
	case TypeInt32:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(v.I)^(1<<31))
		return append(buf, tmp[:]...)
	case TypeInt64:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.I)^(1<<63))
		return append(buf, tmp[:]...)
	case TypeString:
		if isLast {
			return append(buf, v.S...)
		}
		for _, b := range v.S {
			if b == 0 {
				buf = append(buf, 0, 1)
			} else {
				buf = append(buf, b)
			}
		}
		return append(buf, 0, 0)
	}
	panic(errors.AssertionFailedf("unhandled key column type %s", t))
}

// Varint helpers shared by the changelist and file-format encoders.

// PutUvarint appends the uvarint encoding of v to buf.
func PutUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// Uvarint decodes a uvarint from b, returning the value and the remaining
// bytes.
func Uvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, MarkInvalidArgument(errors.New("malformed uvarint"))
	}
	return v, b[n:], nil
}

// PutBytes appends a length-prefixed byte string to buf.
func PutBytes(buf, s []byte) []byte {
	buf = PutUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// GetBytes decodes a length-prefixed byte string from b.
func GetBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := Uvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, MarkInvalidArgument(errors.New("short byte string"))
	}
	return rest[:n], rest[n:], nil
}

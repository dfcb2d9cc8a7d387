// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "github.com/cockroachdb/errors"

var errShortValue = errors.New("short value encoding")

// Cell encoding used inside columnar file blocks. Unlike the key encoding it
// need not be order-preserving, only compact and self-delimiting given the
// column type.

// EncodeValue appends the cell encoding of v to buf.
func EncodeValue(buf []byte, v Value) []byte {
	if v.IsNull() {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	if v.S != nil {
		buf = append(buf, 1)
		return PutBytes(buf, v.S)
	}
	buf = append(buf, 0)
	return PutUvarint(buf, uint64(v.I))
}

// DecodeValue decodes a cell produced by EncodeValue, returning the value and
// the remaining bytes.
func DecodeValue(b []byte) (Value, []byte, error) {
	if len(b) < 1 {
		return Value{}, nil, MarkInvalidArgument(errShortValue)
	}
	if b[0] == 0 {
		return NullValue(), b[1:], nil
	}
	if len(b) < 2 {
		return Value{}, nil, MarkInvalidArgument(errShortValue)
	}
	isString := b[1]
	b = b[2:]
	if isString != 0 {
		s, rest, err := GetBytes(b)
		if err != nil {
			return Value{}, nil, err
		}
		return StringValue(append([]byte(nil), s...)), rest, nil
	}
	i, rest, err := Uvarint(b)
	if err != nil {
		return Value{}, nil, err
	}
	return Value{NotNull: true, I: int64(i)}, rest, nil
}

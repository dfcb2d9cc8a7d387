// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"bytes"
	"fmt"
)

// Value is a single cell. The zero Value is NULL.
type Value struct {
	NotNull bool
	// I holds bool (0/1), int32 and int64 payloads.
	I int64
	// S holds string payloads.
	S []byte
}

// NullValue returns the NULL value.
func NullValue() Value { return Value{} }

// Int64Value returns a non-null int64 value.
func Int64Value(v int64) Value { return Value{NotNull: true, I: v} }

// Int32Value returns a non-null int32 value.
func Int32Value(v int32) Value { return Value{NotNull: true, I: int64(v)} }

// BoolValue returns a non-null bool value.
func BoolValue(v bool) Value {
	var i int64
	if v {
		i = 1
	}
	return Value{NotNull: true, I: i}
}

// StringValue returns a non-null string value. The byte slice is not copied.
func StringValue(v []byte) Value { return Value{NotNull: true, S: v} }

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return !v.NotNull }

// Compare orders two values of the given type. NULL sorts before everything.
func (v Value) Compare(t DataType, o Value) int {
	switch {
	case v.IsNull() && o.IsNull():
		return 0
	case v.IsNull():
		return -1
	case o.IsNull():
		return 1
	}
	if t == TypeString {
		return bytes.Compare(v.S, o.S)
	}
	switch {
	case v.I < o.I:
		return -1
	case v.I > o.I:
		return 1
	}
	return 0
}

// String renders the value for debug output.
func (v Value) String() string {
	if v.IsNull() {
		return "NULL"
	}
	if v.S != nil {
		return fmt.Sprintf("%q", v.S)
	}
	return fmt.Sprintf("%d", v.I)
}

// Row is a materialized row under some schema. Values are positional.
type Row struct {
	Schema *Schema
	Values []Value
}

// NewRow builds a row, checking arity and null constraints.
func (s *Schema) NewRow(vals ...Value) (Row, error) {
	if len(vals) != s.NumColumns() {
		return Row{}, MarkInvalidArgument(
			fmt.Errorf("row has %d values; schema %s has %d columns", len(vals), s, s.NumColumns()))
	}
	for i, v := range vals {
		if v.IsNull() && !s.Column(i).Nullable {
			return Row{}, MarkInvalidArgument(
				fmt.Errorf("NULL value for non-nullable column %q", s.Column(i).Name))
		}
	}
	return Row{Schema: s, Values: vals}, nil
}

// Clone deep-copies the row so the caller's buffers may be reused.
func (r Row) Clone() Row {
	vals := make([]Value, len(r.Values))
	for i, v := range r.Values {
		if v.S != nil {
			v.S = append([]byte(nil), v.S...)
		}
		vals[i] = v
	}
	return Row{Schema: r.Schema, Values: vals}
}

// String renders the row for debug output.
func (r Row) String() string {
	var b bytes.Buffer
	b.WriteByte('(')
	for i, v := range r.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// RowChangeType discriminates the kinds of changelist.
type RowChangeType uint8

const (
	// RowChangeUpdate sets one or more non-key columns.
	RowChangeUpdate RowChangeType = iota
	// RowChangeDelete removes the row.
	RowChangeDelete
)

// ColumnUpdate is a single column assignment within an update changelist.
type ColumnUpdate struct {
	ColID ColumnID
	Value Value
}

// RowChangeList describes a mutation to an existing row: either an update of
// some set of non-key columns, or a deletion of the whole row.
type RowChangeList struct {
	Type    RowChangeType
	Updates []ColumnUpdate
}

// DeleteChange returns a deletion changelist.
func DeleteChange() RowChangeList {
	return RowChangeList{Type: RowChangeDelete}
}

// UpdateChange returns an update changelist for the given assignments.
func UpdateChange(updates ...ColumnUpdate) RowChangeList {
	return RowChangeList{Type: RowChangeUpdate, Updates: updates}
}

// IsDelete reports whether the changelist deletes the row.
func (c RowChangeList) IsDelete() bool { return c.Type == RowChangeDelete }

// Validate checks the changelist against the schema: every updated column
// must exist, must not be a key column, and non-nullable columns may not be
// set to NULL.
func (c RowChangeList) Validate(s *Schema) error {
	if c.Type == RowChangeDelete {
		if len(c.Updates) != 0 {
			return MarkInvalidArgument(errors.New("delete changelist carries column updates"))
		}
		return nil
	}
	if len(c.Updates) == 0 {
		return MarkInvalidArgument(errors.New("empty update changelist"))
	}
	for _, u := range c.Updates {
		i, ok := s.ColumnIndexByID(u.ColID)
		if !ok {
			return MarkInvalidArgument(errors.Newf("changelist updates unknown column id %d", u.ColID))
		}
		if i < s.NumKeyColumns() {
			return MarkInvalidArgument(errors.Newf("changelist updates key column %q", s.Column(i).Name))
		}
		if u.Value.IsNull() && !s.Column(i).Nullable {
			return MarkInvalidArgument(errors.Newf("changelist sets non-nullable column %q to NULL", s.Column(i).Name))
		}
	}
	return nil
}

// ApplyTo applies the changelist to row in place. Deletions are handled by
// callers; applying a delete here is an error.
func (c RowChangeList) ApplyTo(r *Row) error {
	if c.IsDelete() {
		return errors.AssertionFailedf("ApplyTo called with a delete changelist")
	}
	for _, u := range c.Updates {
		i, ok := r.Schema.ColumnIndexByID(u.ColID)
		if !ok {
			// The projection does not carry this column; the update is a no-op
			// for this reader.
			continue
		}
		v := u.Value
		if v.S != nil {
			v.S = append([]byte(nil), v.S...)
		}
		r.Values[i] = v
	}
	return nil
}

// Encode appends the wire encoding of the changelist to buf. The encoding is
// schema-dependent only on column types, which are stable for a column id.
func (c RowChangeList) Encode(buf []byte) []byte {
	buf = append(buf, byte(c.Type))
	buf = PutUvarint(buf, uint64(len(c.Updates)))
	for _, u := range c.Updates {
		buf = PutUvarint(buf, uint64(u.ColID))
		if u.Value.IsNull() {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		if u.Value.S != nil {
			buf = append(buf, 1)
			buf = PutBytes(buf, u.Value.S)
		} else {
			buf = append(buf, 0)
			buf = PutUvarint(buf, uint64(u.Value.I))
		}
	}
	return buf
}

// DecodeRowChangeList decodes a changelist previously produced by Encode.
func DecodeRowChangeList(b []byte) (RowChangeList, error) {
	if len(b) < 1 {
		return RowChangeList{}, MarkInvalidArgument(errors.New("empty changelist"))
	}
	c := RowChangeList{Type: RowChangeType(b[0])}
	if c.Type != RowChangeUpdate && c.Type != RowChangeDelete {
		return RowChangeList{}, MarkInvalidArgument(errors.Newf("bad changelist type %d", b[0]))
	}
	n, rest, err := Uvarint(b[1:])
	if err != nil {
		return RowChangeList{}, err
	}
	for i := uint64(0); i < n; i++ {
		var u ColumnUpdate
		var id uint64
		if id, rest, err = Uvarint(rest); err != nil {
			return RowChangeList{}, err
		}
		u.ColID = ColumnID(id)
		if len(rest) < 1 {
			return RowChangeList{}, MarkInvalidArgument(errors.New("truncated changelist"))
		}
		notNull := rest[0]
		rest = rest[1:]
		if notNull != 0 {
			if len(rest) < 1 {
				return RowChangeList{}, MarkInvalidArgument(errors.New("truncated changelist"))
			}
			isString := rest[0]
			rest = rest[1:]
			if isString != 0 {
				var s []byte
				if s, rest, err = GetBytes(rest); err != nil {
					return RowChangeList{}, err
				}
				u.Value = StringValue(append([]byte(nil), s...))
			} else {
				var v uint64
				if v, rest, err = Uvarint(rest); err != nil {
					return RowChangeList{}, err
				}
				u.Value = Value{NotNull: true, I: int64(v)}
			}
		}
		c.Updates = append(c.Updates, u)
	}
	return c, nil
}

// String renders the changelist for debug output.
func (c RowChangeList) String() string {
	if c.IsDelete() {
		return "DELETE"
	}
	var b strings.Builder
	b.WriteString("SET ")
	for i, u := range c.Updates {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "col[%d]=%s", u.ColID, u.Value)
	}
	return b.String()
}

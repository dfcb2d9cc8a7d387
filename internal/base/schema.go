// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// DataType enumerates the column types understood by the engine.
type DataType uint8

const (
	TypeBool DataType = iota
	TypeInt32
	TypeInt64
	TypeString
)

// String implements fmt.Stringer.
func (t DataType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeString:
		return "string"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ColumnID is a stable numeric identifier for a column. The engine addresses
// columns by id, never by name, so renames preserve data.
type ColumnID uint32

// ColumnSchema describes a single column.
type ColumnSchema struct {
	ID       ColumnID
	Name     string
	Type     DataType
	Nullable bool
	// Default, if non-nil, is the value materialized for rows written before
	// the column existed.
	Default *Value
}

// Schema is an ordered list of columns of which a non-empty prefix forms the
// primary key. A Schema is immutable after construction.
type Schema struct {
	cols    []ColumnSchema
	numKey  int
	idToIdx map[ColumnID]int
}

// NewSchema constructs a schema from the given columns, the first numKey of
// which form the primary key. Key columns must not be nullable and ids and
// names must be unique.
func NewSchema(cols []ColumnSchema, numKey int) (*Schema, error) {
	if numKey < 1 || numKey > len(cols) {
		return nil, MarkInvalidArgument(errors.Newf(
			"schema requires a non-empty key prefix; got %d of %d columns", numKey, len(cols)))
	}
	s := &Schema{
		cols:    append([]ColumnSchema(nil), cols...),
		numKey:  numKey,
		idToIdx: make(map[ColumnID]int, len(cols)),
	}
	names := make(map[string]struct{}, len(cols))
	for i, c := range s.cols {
		if _, ok := s.idToIdx[c.ID]; ok {
			return nil, MarkInvalidArgument(errors.Newf("duplicate column id %d", c.ID))
		}
		if _, ok := names[c.Name]; ok {
			return nil, MarkInvalidArgument(errors.Newf("duplicate column name %q", c.Name))
		}
		if i < numKey && c.Nullable {
			return nil, MarkInvalidArgument(errors.Newf("key column %q may not be nullable", c.Name))
		}
		s.idToIdx[c.ID] = i
		names[c.Name] = struct{}{}
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. For tests and statically
// known schemas.
func MustSchema(cols []ColumnSchema, numKey int) *Schema {
	s, err := NewSchema(cols, numKey)
	if err != nil {
		panic(err)
	}
	return s
}

// NumColumns returns the total number of columns.
func (s *Schema) NumColumns() int { return len(s.cols) }

// NumKeyColumns returns the length of the key prefix.
func (s *Schema) NumKeyColumns() int { return s.numKey }

// Column returns the i'th column.
func (s *Schema) Column(i int) ColumnSchema { return s.cols[i] }

// Columns returns a copy of the column list.
func (s *Schema) Columns() []ColumnSchema { return append([]ColumnSchema(nil), s.cols...) }

// ColumnIndexByID returns the position of the column with the given id.
func (s *Schema) ColumnIndexByID(id ColumnID) (int, bool) {
	i, ok := s.idToIdx[id]
	return i, ok
}

// ColumnIndexByName returns the position of the named column.
func (s *Schema) ColumnIndexByName(name string) (int, bool) {
	for i, c := range s.cols {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

// MaxColumnID returns the largest column id in use.
func (s *Schema) MaxColumnID() ColumnID {
	var maxID ColumnID
	for _, c := range s.cols {
		if c.ID > maxID {
			maxID = c.ID
		}
	}
	return maxID
}

// KeyEquals reports whether the key prefix of o is identical (ids, order and
// types) to the key prefix of s.
func (s *Schema) KeyEquals(o *Schema) bool {
	if s.numKey != o.numKey {
		return false
	}
	for i := 0; i < s.numKey; i++ {
		if s.cols[i].ID != o.cols[i].ID || s.cols[i].Type != o.cols[i].Type {
			return false
		}
	}
	return true
}

// Project returns a schema containing the named columns, in the given order,
// preserving column ids and types. Used to build scan projections. The
// result has no key prefix of its own.
func (s *Schema) Project(names ...string) (*Schema, error) {
	cols := make([]ColumnSchema, 0, len(names))
	for _, name := range names {
		i, ok := s.ColumnIndexByName(name)
		if !ok {
			return nil, MarkInvalidArgument(errors.Newf("unknown column %q", name))
		}
		cols = append(cols, s.cols[i])
	}
	p := &Schema{
		cols:    cols,
		idToIdx: make(map[ColumnID]int, len(cols)),
	}
	for i, c := range cols {
		p.idToIdx[c.ID] = i
	}
	return p, nil
}

// String returns a human-readable rendering, e.g. "(k[0] string KEY, v[1]
// int64 NULL)".
func (s *Schema) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, c := range s.cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s[%d] %s", c.Name, c.ID, c.Type)
		if i < s.numKey {
			b.WriteString(" KEY")
		} else if c.Nullable {
			b.WriteString(" NULL")
		}
	}
	b.WriteByte(')')
	return b.String()
}

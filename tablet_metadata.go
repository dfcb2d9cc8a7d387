// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/basaltdb/basalt/internal/base"
	"github.com/basaltdb/basalt/vfs"
)

const metadataFileName = "TABLET_META"

// RowSetMeta describes one rowset's on-disk layout: its directory, the key
// and bloom files, one columnar file per column id and the ordered delta
// files.
type RowSetMeta struct {
	ID          int64                    `json:"id"`
	Dir         string                   `json:"dir"`
	KeyFile     string                   `json:"key_file"`
	BloomFile   string                   `json:"bloom_file"`
	ColumnFiles map[base.ColumnID]string `json:"column_files"`
	DeltaFiles  []string                 `json:"delta_files,omitempty"`
	MinKey      []byte                   `json:"min_key"`
	MaxKey      []byte                   `json:"max_key"`
}

type columnMetaJSON struct {
	ID       base.ColumnID `json:"id"`
	Name     string        `json:"name"`
	Type     uint8         `json:"type"`
	Nullable bool          `json:"nullable,omitempty"`
	Default  *base.Value   `json:"default,omitempty"`
}

type metaFileJSON struct {
	TabletID      string           `json:"tablet_id"`
	Columns       []columnMetaJSON `json:"columns"`
	NumKeyColumns int              `json:"num_key_columns"`
	NextMRSID     int64            `json:"next_mrs_id"`
	NextRowSetID  int64            `json:"next_rowset_id"`
	LastTimestamp uint64           `json:"last_timestamp"`
	RowSets       []RowSetMeta     `json:"rowsets"`
}

// TabletMetadata is the persisted description of a tablet: its schema, id
// counters and rowset membership. Every change is written atomically
// (temp file + rename), so a crash leaves either the old or the new state.
type TabletMetadata struct {
	fs  vfs.FS
	dir string

	mu       sync.Mutex
	tabletID string
	schema   *base.Schema
	state    metaFileJSON
}

// CreateTabletMetadata initializes the metadata for a new tablet in dir.
func CreateTabletMetadata(
	fs vfs.FS, dir, tabletID string, schema *base.Schema,
) (*TabletMetadata, error) {
	if err := fs.MkdirAll(dir); err != nil {
		return nil, base.MarkIO(err)
	}
	m := &TabletMetadata{fs: fs, dir: dir, tabletID: tabletID, schema: schema}
	m.state = metaFileJSON{
		TabletID:      tabletID,
		NumKeyColumns: schema.NumKeyColumns(),
		NextMRSID:     1,
		NextRowSetID:  1,
	}
	for _, c := range schema.Columns() {
		m.state.Columns = append(m.state.Columns, columnMetaJSON{
			ID: c.ID, Name: c.Name, Type: uint8(c.Type), Nullable: c.Nullable, Default: c.Default,
		})
	}
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadTabletMetadata reads the metadata of an existing tablet from dir.
func LoadTabletMetadata(fs vfs.FS, dir string) (*TabletMetadata, error) {
	data, err := vfs.ReadFile(fs, fs.PathJoin(dir, metadataFileName))
	if err != nil {
		return nil, base.MarkIO(err)
	}
	var state metaFileJSON
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, base.MarkCorruption(errors.Wrapf(err, "tablet metadata in %s", dir))
	}
	cols := make([]base.ColumnSchema, 0, len(state.Columns))
	for _, c := range state.Columns {
		cols = append(cols, base.ColumnSchema{
			ID: c.ID, Name: c.Name, Type: base.DataType(c.Type), Nullable: c.Nullable, Default: c.Default,
		})
	}
	schema, err := base.NewSchema(cols, state.NumKeyColumns)
	if err != nil {
		return nil, base.MarkCorruption(err)
	}
	return &TabletMetadata{fs: fs, dir: dir, tabletID: state.TabletID, schema: schema, state: state}, nil
}

func (m *TabletMetadata) persistLocked() error {
	data, err := json.MarshalIndent(&m.state, "", "  ")
	if err != nil {
		return errors.AssertionFailedf("tablet metadata marshal: %v", err)
	}
	if err := vfs.WriteFileAtomic(m.fs, m.fs.PathJoin(m.dir, metadataFileName), data); err != nil {
		return base.MarkIO(err)
	}
	return nil
}

// FS returns the filesystem the tablet lives on.
func (m *TabletMetadata) FS() vfs.FS { return m.fs }

// Dir returns the tablet's directory.
func (m *TabletMetadata) Dir() string { return m.dir }

// TabletID returns the tablet's id.
func (m *TabletMetadata) TabletID() string { return m.tabletID }

// Schema returns the persisted schema.
func (m *TabletMetadata) Schema() *base.Schema {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schema
}

// RowSets returns the persisted rowset descriptors.
func (m *TabletMetadata) RowSets() []RowSetMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RowSetMeta(nil), m.state.RowSets...)
}

// NextMRSID returns the id the next MemRowSet will receive.
func (m *TabletMetadata) NextMRSID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.NextMRSID
}

// NewRowSetID hands out the next rowset id. The counter is persisted with
// the next UpdateOnDiskState; reusing an id after a crash is harmless since
// the rowset it named was never published.
func (m *TabletMetadata) NewRowSetID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.state.NextRowSetID
	m.state.NextRowSetID++
	return id
}

// LastTimestamp returns the durable timestamp watermark: every persisted
// mutation's timestamp is at or below it.
func (m *TabletMetadata) LastTimestamp() base.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return base.Timestamp(m.state.LastTimestamp)
}

// NoteTimestamp raises the in-memory watermark; it is written out with the
// next persisted change.
func (m *TabletMetadata) NoteTimestamp(ts base.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(ts) > m.state.LastTimestamp {
		m.state.LastTimestamp = uint64(ts)
	}
}

// RowSetDir returns the directory for a rowset id.
func (m *TabletMetadata) RowSetDir(id int64) string {
	return m.fs.PathJoin(m.dir, rowSetDirName(id))
}

// UpdateOnDiskState atomically persists a rowset membership change: the
// rowsets in removeIDs leave the tablet, those in add join it, and the
// MemRowSet id watermark advances to newMRSID. This is the commit point of a
// flush or compaction; a failure here leaves the tablet corrupt.
func (m *TabletMetadata) UpdateOnDiskState(removeIDs []int64, add []RowSetMeta, newMRSID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[int64]bool, len(removeIDs))
	for _, id := range removeIDs {
		removed[id] = true
	}
	var next []RowSetMeta
	for _, rs := range m.state.RowSets {
		if !removed[rs.ID] {
			next = append(next, rs)
		}
	}
	next = append(next, add...)
	prev := m.state
	m.state.RowSets = next
	if newMRSID >= m.state.NextMRSID {
		m.state.NextMRSID = newMRSID + 1
	}
	if err := m.persistLocked(); err != nil {
		m.state = prev
		return err
	}
	return nil
}

// UpdateRowSetDeltas persists a change to one rowset's delta file list, after
// a DeltaMemStore flush or a minor delta compaction.
func (m *TabletMetadata) UpdateRowSetDeltas(id int64, deltaFiles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.RowSets {
		if m.state.RowSets[i].ID == id {
			prev := m.state.RowSets[i].DeltaFiles
			m.state.RowSets[i].DeltaFiles = append([]string(nil), deltaFiles...)
			if err := m.persistLocked(); err != nil {
				m.state.RowSets[i].DeltaFiles = prev
				return err
			}
			return nil
		}
	}
	return base.MarkNotFound(errors.Newf("rowset %d not in metadata", id))
}

// SetSchema persists a new schema, the commit point of a schema alter.
func (m *TabletMetadata) SetSchema(schema *base.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prevCols, prevNumKey, prevSchema := m.state.Columns, m.state.NumKeyColumns, m.schema
	m.state.Columns = nil
	for _, c := range schema.Columns() {
		m.state.Columns = append(m.state.Columns, columnMetaJSON{
			ID: c.ID, Name: c.Name, Type: uint8(c.Type), Nullable: c.Nullable, Default: c.Default,
		})
	}
	m.state.NumKeyColumns = schema.NumKeyColumns()
	m.schema = schema
	if err := m.persistLocked(); err != nil {
		m.state.Columns, m.state.NumKeyColumns, m.schema = prevCols, prevNumKey, prevSchema
		return err
	}
	return nil
}

func rowSetDirName(id int64) string {
	return "rowset-" + strconv.FormatInt(id, 10)
}

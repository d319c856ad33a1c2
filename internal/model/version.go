package model

import (
	"sort"
	"time"
)

// WebsetVersion is an immutable, numbered snapshot of a webset.
type WebsetVersion struct {
	ID                string    `json:"id"`
	WebsetID          string    `json:"webset_id"`
	Version           int       `json:"version"`
	Snapshot          Snapshot  `json:"snapshot"`
	ChangedBy         string    `json:"changed_by,omitempty"`
	ChangeDescription string    `json:"change_description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SnapshotCell is the state of one populated cell as of a version.
type SnapshotCell struct {
	Row        int      `json:"row"`
	ColumnID   string   `json:"column_id"`
	CellID     string   `json:"cell_id"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Snapshot is the full dataset state as of a version. Cells are kept sorted
// by (row, column).
type Snapshot struct {
	Columns  []Column       `json:"columns"`
	RowCount int            `json:"row_count"`
	Cells    []SnapshotCell `json:"cells"`
}

// Clone returns a deep copy of the column and cell slices.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Columns:  make([]Column, len(s.Columns)),
		RowCount: s.RowCount,
		Cells:    make([]SnapshotCell, len(s.Cells)),
	}
	copy(out.Columns, s.Columns)
	copy(out.Cells, s.Cells)
	return out
}

// Lookup returns the cell at (row, columnID), if populated.
func (s Snapshot) Lookup(row int, columnID string) (SnapshotCell, bool) {
	i, found := s.search(row, columnID)
	if !found {
		return SnapshotCell{}, false
	}
	return s.Cells[i], true
}

// Set inserts or replaces the entry for (c.Row, c.ColumnID).
func (s *Snapshot) Set(c SnapshotCell) {
	i, found := s.search(c.Row, c.ColumnID)
	if found {
		s.Cells[i] = c
		return
	}
	s.Cells = append(s.Cells, SnapshotCell{})
	copy(s.Cells[i+1:], s.Cells[i:])
	s.Cells[i] = c
}

// Row returns the populated cells of one row keyed by column id.
func (s Snapshot) Row(row int) map[string]SnapshotCell {
	out := make(map[string]SnapshotCell)
	for _, c := range s.Cells {
		if c.Row == row {
			out[c.ColumnID] = c
		}
	}
	return out
}

func (s Snapshot) search(row int, columnID string) (int, bool) {
	i := sort.Search(len(s.Cells), func(i int) bool {
		c := s.Cells[i]
		if c.Row != row {
			return c.Row > row
		}
		return c.ColumnID >= columnID
	})
	if i < len(s.Cells) && s.Cells[i].Row == row && s.Cells[i].ColumnID == columnID {
		return i, true
	}
	return i, false
}

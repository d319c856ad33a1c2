package model

import "time"

// Cell is one written value at (row, column) of a webset. Cell records are
// append-only: a rewrite produces a new record referenced by a new version.
type Cell struct {
	ID         string         `json:"id"`
	WebsetID   string         `json:"webset_id"`
	Row        int            `json:"row"`
	ColumnID   string         `json:"column_id"`
	Value      any            `json:"value"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Citations  []Citation     `json:"citations,omitempty"`
	VersionID  string         `json:"version_id"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Citation records a source backing a cell value.
type Citation struct {
	ID       string `json:"id"`
	CellID   string `json:"cell_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
	Provider string `json:"provider,omitempty"`
}

package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// WebsetStatus represents the lifecycle state of a webset.
type WebsetStatus string

const (
	WebsetStatusDraft    WebsetStatus = "draft"
	WebsetStatusActive   WebsetStatus = "active"
	WebsetStatusArchived WebsetStatus = "archived"
)

// Valid reports whether s is a known webset status.
func (s WebsetStatus) Valid() bool {
	switch s {
	case WebsetStatusDraft, WebsetStatusActive, WebsetStatusArchived:
		return true
	}
	return false
}

// ColumnType is the declared type tag of a column.
type ColumnType string

const (
	ColumnText    ColumnType = "text"
	ColumnNumber  ColumnType = "number"
	ColumnURL     ColumnType = "url"
	ColumnEmail   ColumnType = "email"
	ColumnDate    ColumnType = "date"
	ColumnBoolean ColumnType = "boolean"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnText, ColumnNumber, ColumnURL, ColumnEmail, ColumnDate, ColumnBoolean:
		return true
	}
	return false
}

// Column defines one column of a webset.
type Column struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Required bool       `json:"required"`
	Default  any        `json:"default,omitempty"`
}

// Webset is a named, versioned tabular dataset with typed columns.
type Webset struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Columns        []Column     `json:"columns"`
	Status         WebsetStatus `json:"status"`
	CurrentVersion int          `json:"current_version"`
	RowCount       int          `json:"row_count"`
	CreatedBy      string       `json:"created_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Column looks up a column by id or, failing that, by case-insensitive name.
func (w *Webset) Column(ref string) (Column, bool) {
	for _, c := range w.Columns {
		if c.ID == ref {
			return c, true
		}
	}
	key := FoldName(ref)
	for _, c := range w.Columns {
		if FoldName(c.Name) == key {
			return c, true
		}
	}
	return Column{}, false
}

// FoldName is the case-insensitive identity of a column name. Two names
// collide exactly when their folds are equal.
func FoldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
